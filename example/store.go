package example

import (
	"context"
	"time"

	"github.com/xiaoxuxiansheng/gotxn/commitlog"
	expdao "github.com/xiaoxuxiansheng/gotxn/example/dao"
	"github.com/xiaoxuxiansheng/gotxn/example/pkg"

	"github.com/demdxx/gocast"
	"github.com/xiaoxuxiansheng/redis_lock"
)

// 提交日志 dao 抽象，便于测试替换
type CommitLogDAO interface {
	GetCommitLogs(ctx context.Context, opts ...expdao.QueryOption) ([]*expdao.CommitLogPO, error)
	CreateCommitLog(ctx context.Context, record *expdao.CommitLogPO) (uint, error)
}

// MySQLLogStore 基于 mysql 的提交日志存储实现：日志记录落表 tx_commit_log，
// 自增主键充当 lsn；Lock/Unlock 基于 redis 分布式锁，跨副本互斥协调者的监控任务
type MySQLLogStore struct {
	client *redis_lock.Client
	dao    CommitLogDAO
}

func NewMySQLLogStore(dao CommitLogDAO, client *redis_lock.Client) *MySQLLogStore {
	return &MySQLLogStore{
		dao:    dao,
		client: client,
	}
}

func (m *MySQLLogStore) Append(ctx context.Context, record *commitlog.Record) (uint64, error) {
	id, err := m.dao.CreateCommitLog(ctx, &expdao.CommitLogPO{
		TXID:       record.TXID,
		RecordType: string(record.Type),
		Decision:   record.Decision.String(),
		Payload:    record.Payload,
	})
	if err != nil {
		return 0, err
	}
	return gocast.ToUint64(id), nil
}

func (m *MySQLLogStore) Records(ctx context.Context) ([]*commitlog.Record, error) {
	pos, err := m.dao.GetCommitLogs(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*commitlog.Record, 0, len(pos))
	for _, po := range pos {
		records = append(records, &commitlog.Record{
			LSN:       gocast.ToUint64(po.ID),
			TXID:      po.TXID,
			Type:      commitlog.RecordType(po.RecordType),
			Decision:  commitlog.Decision(po.Decision),
			Payload:   po.Payload,
			CreatedAt: po.CreatedAt,
		})
	}
	return records, nil
}

func (m *MySQLLogStore) Lock(ctx context.Context, expireDuration time.Duration) error {
	lock := redis_lock.NewRedisLock(pkg.BuildCommitLogLockKey(), m.client, redis_lock.WithExpireSeconds(int64(expireDuration.Seconds())))
	return lock.Lock(ctx)
}

func (m *MySQLLogStore) Unlock(ctx context.Context) error {
	lock := redis_lock.NewRedisLock(pkg.BuildCommitLogLockKey(), m.client)
	return lock.Unlock(ctx)
}
