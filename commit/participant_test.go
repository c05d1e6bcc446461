package commit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cast"
	"github.com/stretchr/testify/assert"

	"github.com/xiaoxuxiansheng/gotxn"
	"github.com/xiaoxuxiansheng/gotxn/commitlog"
)

// 进程内 kv 存储测试桩
type memoryStorage struct {
	mux  sync.Mutex
	data map[string]string
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{data: make(map[string]string)}
}

func (m *memoryStorage) Read(ctx context.Context, resource string) (string, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.data[resource], nil
}

func (m *memoryStorage) Write(ctx context.Context, resource string, value string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.data[resource] = value
	return nil
}

func (m *memoryStorage) get(resource string) string {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.data[resource]
}

// 一个参与方及其独立的事务核心与存储
type testMember struct {
	participant *TXParticipant
	tm          *gotxn.TXManager
	storage     *memoryStorage
}

func newTestMember(t *testing.T, id string) *testMember {
	storage := newMemoryStorage()
	tm := gotxn.NewTXManager(storage, gotxn.WithLockTimeout(time.Second))
	t.Cleanup(tm.Stop)
	return &testMember{
		participant: NewTXParticipant(id, tm, commitlog.NewMemoryStore()),
		tm:          tm,
		storage:     storage,
	}
}

// 开启本地事务写入一笔并登记到全局事务
func (m *testMember) run(t *testing.T, txID, resource, value string) *gotxn.Transaction {
	tx := m.tm.Begin(gotxn.RepeatableRead)
	assert.Nil(t, m.tm.Write(context.Background(), tx, resource, value))
	m.participant.Enlist(txID, tx)
	return tx
}

// 两参与方 2pc：全部赞成则两侧同时提交，写入全部生效
func Test_participant_2pc_atomic_commit(t *testing.T) {
	coordinator := NewCoordinator(commitlog.NewMemoryStore(), WithProtocol(ProtocolTwoPhase))
	defer coordinator.Stop()

	a, b := newTestMember(t, "participant_a"), newTestMember(t, "participant_b")
	assert.Nil(t, coordinator.Register(a.participant))
	assert.Nil(t, coordinator.Register(b.participant))

	txID := NewTXID()
	txA := a.run(t, txID, "account_a", "900")
	txB := b.run(t, txID, "account_b", "1100")

	assert.Nil(t, coordinator.Commit(context.Background(), txID, "participant_a", "participant_b"))

	assert.Equal(t, gotxn.TXCommitted, txA.State())
	assert.Equal(t, gotxn.TXCommitted, txB.State())
	assert.Equal(t, int64(900), cast.ToInt64(a.storage.get("account_a")))
	assert.Equal(t, int64(1100), cast.ToInt64(b.storage.get("account_b")))
}

// 未登记本地事务的参与方投否决票，全局回滚，已写入侧撤销
func Test_participant_2pc_veto_rolls_back(t *testing.T) {
	coordinator := NewCoordinator(commitlog.NewMemoryStore(), WithProtocol(ProtocolTwoPhase))
	defer coordinator.Stop()

	a, b := newTestMember(t, "participant_a"), newTestMember(t, "participant_b")
	assert.Nil(t, coordinator.Register(a.participant))
	assert.Nil(t, coordinator.Register(b.participant))

	txID := NewTXID()
	txA := a.run(t, txID, "account_a", "900")
	// b 侧不登记，prepare 必然否决

	err := coordinator.Commit(context.Background(), txID, "participant_a", "participant_b")
	assert.True(t, errors.Is(err, gotxn.ErrPrepareFailed))

	assert.Equal(t, gotxn.TXAborted, txA.State())
	assert.Equal(t, "", a.storage.get("account_a"))

	// abort 决议已释放锁，资源可被后续事务写入
	follow := a.tm.Begin(gotxn.RepeatableRead)
	assert.Nil(t, a.tm.Write(context.Background(), follow, "account_a", "1"))
}

// 决议消息逐条幂等
func Test_participant_idempotent_decision(t *testing.T) {
	member := newTestMember(t, "participant_a")
	ctx := context.Background()

	txID := NewTXID()
	member.run(t, txID, "account_a", "100")

	vote, err := member.participant.Prepare(ctx, &PrepareReq{TXID: txID})
	assert.Nil(t, err)
	assert.True(t, vote.Yes)

	// 重复 prepare 不改变结局
	vote, err = member.participant.Prepare(ctx, &PrepareReq{TXID: txID})
	assert.Nil(t, err)
	assert.True(t, vote.Yes)

	_, err = member.participant.Commit(ctx, &CommitReq{TXID: txID})
	assert.Nil(t, err)
	_, err = member.participant.Commit(ctx, &CommitReq{TXID: txID})
	assert.Nil(t, err)
	assert.Equal(t, "100", member.storage.get("account_a"))

	// 已提交后反向决议非法
	_, err = member.participant.Abort(ctx, &AbortReq{TXID: txID})
	assert.NotNil(t, err)
}

// 3pc 有界阻塞：全员到达 precommit 后与协调者失联，凭对等方多数证据单边提交
func Test_participant_3pc_unilateral_commit(t *testing.T) {
	ctx := context.Background()
	members := []*testMember{
		newTestMember(t, "participant_a"),
		newTestMember(t, "participant_b"),
		newTestMember(t, "participant_c"),
	}

	txID := NewTXID()
	for i, member := range members {
		member.run(t, txID, "account", "100")
		vote, err := member.participant.Prepare(ctx, &PrepareReq{TXID: txID})
		assert.Nil(t, err)
		assert.True(t, vote.Yes, "member %d", i)
		_, err = member.participant.PreCommit(ctx, &PreCommitReq{TXID: txID})
		assert.Nil(t, err)
	}

	// 协调者在下发决议前崩溃，各参与方超时后自行消解
	for _, member := range members {
		peers := make([]Participant, 0, len(members))
		for _, peer := range members {
			peers = append(peers, peer.participant)
		}
		assert.Nil(t, member.participant.ResolveTimeout(ctx, txID, peers))
	}

	for _, member := range members {
		phase, err := member.participant.Query(ctx, txID)
		assert.Nil(t, err)
		assert.Equal(t, PhaseCommitted, phase)
		assert.Equal(t, "100", member.storage.get("account"))
	}
}

// 未到达 precommit 的参与方失联后单边回滚
func Test_participant_unilateral_abort(t *testing.T) {
	ctx := context.Background()
	member := newTestMember(t, "participant_a")

	txID := NewTXID()
	tx := member.run(t, txID, "account_a", "100")
	vote, err := member.participant.Prepare(ctx, &PrepareReq{TXID: txID})
	assert.Nil(t, err)
	assert.True(t, vote.Yes)

	assert.Nil(t, member.participant.ResolveTimeout(ctx, txID, nil))

	phase, err := member.participant.Query(ctx, txID)
	assert.Nil(t, err)
	assert.Equal(t, PhaseAborted, phase)
	assert.Equal(t, gotxn.TXAborted, tx.State())
	assert.Equal(t, "", member.storage.get("account_a"))
}

// 多数对等方未到达 precommit 时不得单边提交
func Test_participant_quorum_not_reached(t *testing.T) {
	ctx := context.Background()
	a := newTestMember(t, "participant_a")
	b := newTestMember(t, "participant_b")
	c := newTestMember(t, "participant_c")

	txID := NewTXID()
	a.run(t, txID, "account", "100")
	_, err := a.participant.Prepare(ctx, &PrepareReq{TXID: txID})
	assert.Nil(t, err)
	_, err = a.participant.PreCommit(ctx, &PreCommitReq{TXID: txID})
	assert.Nil(t, err)

	// 对等方均停留在 running，不构成多数
	err = a.participant.ResolveTimeout(ctx, txID, []Participant{b.participant, c.participant})
	assert.True(t, errors.Is(err, gotxn.ErrParticipantUnreachable))

	phase, err := a.participant.Query(ctx, txID)
	assert.Nil(t, err)
	assert.Equal(t, PhasePreCommitted, phase)
}

// 崩溃重启回放日志：有决议的落到决议态，未决事务冻结直至收到决议
func Test_participant_recover(t *testing.T) {
	ctx := context.Background()
	store := commitlog.NewMemoryStore()

	committedTX, inDoubtTX := "tx_committed", "tx_indoubt"
	_, err := store.Append(ctx, &commitlog.Record{TXID: committedTX, Type: commitlog.RecordPrepared})
	assert.Nil(t, err)
	_, err = store.Append(ctx, &commitlog.Record{TXID: committedTX, Type: commitlog.RecordDecision, Decision: commitlog.DecisionCommit})
	assert.Nil(t, err)
	_, err = store.Append(ctx, &commitlog.Record{TXID: inDoubtTX, Type: commitlog.RecordPrepared})
	assert.Nil(t, err)

	tm := gotxn.NewTXManager(newMemoryStorage(), gotxn.WithLockTimeout(time.Second))
	defer tm.Stop()
	participant := NewTXParticipant("participant_a", tm, store)

	unresolved, err := participant.Recover(ctx)
	assert.Nil(t, err)
	assert.Equal(t, []string{inDoubtTX}, unresolved)

	phase, err := participant.Query(ctx, committedTX)
	assert.Nil(t, err)
	assert.Equal(t, PhaseCommitted, phase)

	// 未决事务冻结：消解前拒绝推进
	_, err = participant.Prepare(ctx, &PrepareReq{TXID: inDoubtTX})
	assert.True(t, errors.Is(err, gotxn.ErrRecoveryRequired))
	_, err = participant.PreCommit(ctx, &PreCommitReq{TXID: inDoubtTX})
	assert.True(t, errors.Is(err, gotxn.ErrRecoveryRequired))

	// 全局决议到达后解除冻结
	_, err = participant.Abort(ctx, &AbortReq{TXID: inDoubtTX})
	assert.Nil(t, err)
	phase, err = participant.Query(ctx, inDoubtTX)
	assert.Nil(t, err)
	assert.Equal(t, PhaseAborted, phase)
}
