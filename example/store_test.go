package example

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"

	"github.com/xiaoxuxiansheng/gotxn/commitlog"
	expdao "github.com/xiaoxuxiansheng/gotxn/example/dao"
	"github.com/xiaoxuxiansheng/redis_lock"
)

type mockCommitLogDAO struct {
	createErr error
	pos       []*expdao.CommitLogPO
}

func newMockCommitLogDAO() *mockCommitLogDAO {
	return &mockCommitLogDAO{}
}

func (m *mockCommitLogDAO) GetCommitLogs(ctx context.Context, opts ...expdao.QueryOption) ([]*expdao.CommitLogPO, error) {
	return m.pos, nil
}

func (m *mockCommitLogDAO) CreateCommitLog(ctx context.Context, record *expdao.CommitLogPO) (uint, error) {
	if m.createErr != nil {
		return 0, m.createErr
	}
	record.ID = uint(len(m.pos) + 1)
	m.pos = append(m.pos, record)
	return record.ID, nil
}

func Test_MySQLLogStore_Append(t *testing.T) {
	dao := newMockCommitLogDAO()
	store := NewMySQLLogStore(dao, &redis_lock.Client{})

	ctx := context.Background()
	lsn, err := store.Append(ctx, &commitlog.Record{TXID: "tx_1", Type: commitlog.RecordPrepared, Payload: `["a"]`})
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(1), lsn)

	lsn, err = store.Append(ctx, &commitlog.Record{TXID: "tx_1", Type: commitlog.RecordDecision, Decision: commitlog.DecisionCommit})
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(2), lsn)

	dao.createErr = errors.New("db unavailable")
	_, err = store.Append(ctx, &commitlog.Record{TXID: "tx_2", Type: commitlog.RecordPrepared})
	assert.Equal(t, true, err != nil)
}

func Test_MySQLLogStore_Records(t *testing.T) {
	dao := newMockCommitLogDAO()
	store := NewMySQLLogStore(dao, &redis_lock.Client{})

	ctx := context.Background()
	_, err := store.Append(ctx, &commitlog.Record{TXID: "tx_1", Type: commitlog.RecordPrepared})
	assert.Equal(t, nil, err)
	_, err = store.Append(ctx, &commitlog.Record{TXID: "tx_1", Type: commitlog.RecordDecision, Decision: commitlog.DecisionAbort})
	assert.Equal(t, nil, err)

	records, err := store.Records(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(records))
	assert.Equal(t, uint64(1), records[0].LSN)
	assert.Equal(t, commitlog.RecordPrepared, records[0].Type)
	assert.Equal(t, commitlog.DecisionAbort, records[1].Decision)

	// 回放得到决议
	outcome := commitlog.Replay(records)["tx_1"]
	assert.Equal(t, commitlog.DecisionAbort, outcome.Decision)
}

func Test_MySQLLogStore_Lock(t *testing.T) {
	lockErr := "lockErr"
	lockErrCtxKey := &lockErr
	patch := gomonkey.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Lock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		lockErr, _ := ctx.Value(lockErrCtxKey).(bool)
		if lockErr {
			return errors.New("lock err")
		}
		return nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Unlock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		return nil
	})
	defer patch.Reset()

	ctx := context.Background()
	store := NewMySQLLogStore(newMockCommitLogDAO(), &redis_lock.Client{})
	err := store.Lock(ctx, time.Second)
	assert.Equal(t, nil, err)
	err = store.Unlock(ctx)
	assert.Equal(t, nil, err)

	err = store.Lock(context.WithValue(ctx, lockErrCtxKey, true), time.Second)
	assert.Equal(t, true, err != nil)
}
