package gotxn

import (
	"errors"
	"sync"
	"time"
)

// 事务状态机
// active -> partially_committed -> (prepared ->)? committed
// active/partially_committed/prepared -> failed -> aborted
type TXState string

const (
	// 活跃：唯一可以发起读写的状态
	TXActive TXState = "active"
	// 全部操作已发出，进入提交流程
	TXPartiallyCommitted TXState = "partially_committed"
	// 多参与方场景：已持久化 prepared，等待全局决议
	TXPrepared TXState = "prepared"
	// 终态：写入已生效，不可回滚
	TXCommitted TXState = "committed"
	// 出错，回滚进行中
	TXFailed TXState = "failed"
	// 终态：写入已撤销，锁已释放
	TXAborted TXState = "aborted"
)

func (s TXState) String() string {
	return string(s)
}

// terminal 判断是否终态
func (s TXState) terminal() bool {
	return s == TXCommitted || s == TXAborted
}

// 合法状态迁移表
var transitions = map[TXState]map[TXState]bool{
	TXActive: {
		TXPartiallyCommitted: true,
		TXFailed:             true,
	},
	TXPartiallyCommitted: {
		TXPrepared:  true,
		TXCommitted: true,
		TXFailed:    true,
	},
	TXPrepared: {
		TXCommitted: true,
		TXFailed:    true,
	},
	TXFailed: {
		TXAborted: true,
	},
}

// 隔离级别. 封闭枚举，由隔离级别执行器独家消费；锁管理器对其无感知
type IsoLevel int

const (
	ReadUncommitted IsoLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

func (l IsoLevel) String() string {
	switch l {
	case ReadUncommitted:
		return "read_uncommitted"
	case ReadCommitted:
		return "read_committed"
	case RepeatableRead:
		return "repeatable_read"
	case Serializable:
		return "serializable"
	}
	return "unknown"
}

var (
	// 在非 active 状态下发起操作
	ErrInvalidTransactionState = errors.New("invalid transaction state")
	// 锁等待超出配置时长
	ErrLockTimeout = errors.New("lock wait timeout")
	// 为打破死锁环被选中终止
	ErrDeadlockVictim = errors.New("aborted as deadlock victim")
	// 提交时发现事务已因锁冲突被终止
	ErrAbortedByConflict = errors.New("aborted by conflict")
	// prepare 阶段有参与方投了否决票或超时
	ErrPrepareFailed = errors.New("prepare failed")
	// 协议执行期间参与方不可达
	ErrParticipantUnreachable = errors.New("participant unreachable")
	// 存在未决的日志记录，需先回放日志完成恢复
	ErrRecoveryRequired = errors.New("recovery required")
)

// 事务上下文. 事务的唯一事实来源：状态、隔离级别、读写集与回滚信息
type Transaction struct {
	// 全局唯一且单调递增
	ID uint64
	// 隔离级别，begin 时声明后不可变
	Level IsoLevel
	// 启动时间
	CreatedAt time.Time

	mux   sync.Mutex
	state TXState
	// 写集：资源 -> 首次写入前的旧值，abort 时按其回滚
	writeSet map[string]string
	// 读集：本事务读过的资源
	readSet map[string]struct{}
	// 因锁冲突被终止时的原因，commit 时透出
	conflictErr error
}

func newTransaction(id uint64, level IsoLevel) *Transaction {
	return &Transaction{
		ID:        id,
		Level:     level,
		CreatedAt: time.Now(),
		state:     TXActive,
		writeSet:  make(map[string]string),
		readSet:   make(map[string]struct{}),
	}
}

func (t *Transaction) State() TXState {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.state
}

// transit 执行一次状态迁移，非法迁移返回 ErrInvalidTransactionState
func (t *Transaction) transit(to TXState) error {
	t.mux.Lock()
	defer t.mux.Unlock()
	if !transitions[t.state][to] {
		return ErrInvalidTransactionState
	}
	t.state = to
	return nil
}

// beginAbort 抢占回滚入口. 返回 false 表示事务已在终态或已有回滚在进行
func (t *Transaction) beginAbort() bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.state.terminal() || t.state == TXFailed {
		return false
	}
	t.state = TXFailed
	return true
}

func (t *Transaction) inState(state TXState) bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.state == state
}

func (t *Transaction) recordRead(resource string) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.readSet[resource] = struct{}{}
}

// recordWrite 登记首次写入前的旧值. 同一资源只保留最早的旧值
func (t *Transaction) recordWrite(resource, prior string) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if _, ok := t.writeSet[resource]; ok {
		return
	}
	t.writeSet[resource] = prior
}

func (t *Transaction) wrote(resource string) bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	_, ok := t.writeSet[resource]
	return ok
}

// undoSet 返回写集快照，供 abort 回滚
func (t *Transaction) undoSet() map[string]string {
	t.mux.Lock()
	defer t.mux.Unlock()
	undo := make(map[string]string, len(t.writeSet))
	for resource, prior := range t.writeSet {
		undo[resource] = prior
	}
	return undo
}

func (t *Transaction) markConflict(err error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	if t.conflictErr == nil {
		t.conflictErr = err
	}
}

func (t *Transaction) conflict() error {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.conflictErr
}
