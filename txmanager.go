package gotxn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xiaoxuxiansheng/gotxn/lock"
	"github.com/xiaoxuxiansheng/gotxn/log"
)

// 1. 事务上下文与状态机模块
// 2. 隔离级别执行器模块：将声明的隔离级别翻译为具体的加锁纪律
// 3. 锁管理器模块：见 lock 包
type TXManager struct {
	ctx     context.Context
	stop    context.CancelFunc
	opts    *Options
	storage Storage
	locks   *lock.Manager

	mux   sync.Mutex
	txs   map[uint64]*Transaction
	idGen uint64
}

func NewTXManager(storage Storage, opts ...Option) *TXManager {
	ctx, cancel := context.WithCancel(context.Background())
	txManager := TXManager{
		ctx:     ctx,
		stop:    cancel,
		opts:    &Options{},
		storage: storage,
		txs:     make(map[uint64]*Transaction),
	}

	for _, opt := range opts {
		opt(txManager.opts)
	}

	repair(txManager.opts)

	txManager.locks = lock.NewManager(
		lock.WithTimeout(txManager.opts.LockTimeout),
		lock.WithCheckInterval(txManager.opts.DeadlockCheckInterval),
		lock.WithShards(txManager.opts.LockShards),
	)
	return &txManager
}

func (t *TXManager) Stop() {
	t.locks.Stop()
	t.stop()
}

// Begin 以指定隔离级别开启事务，始终成功. 事务 id 全局单调递增
func (t *TXManager) Begin(level IsoLevel) *Transaction {
	tx := newTransaction(atomic.AddUint64(&t.idGen, 1), level)
	t.mux.Lock()
	t.txs[tx.ID] = tx
	t.mux.Unlock()
	return tx
}

// GetTX 按 id 查询在途事务
func (t *TXManager) GetTX(txID uint64) (*Transaction, error) {
	t.mux.Lock()
	defer t.mux.Unlock()
	tx, ok := t.txs[txID]
	if !ok {
		return nil, fmt.Errorf("invalid txid: %d", txID)
	}
	return tx, nil
}

// Read 读取资源. 隔离级别执行器在此将级别翻译为读锁纪律：
// read_uncommitted 不加读锁；read_committed 语句级共享锁，读完即还；
// repeatable_read/serializable 共享锁持有至事务结束
func (t *TXManager) Read(ctx context.Context, tx *Transaction, resource string) (string, error) {
	if !tx.inState(TXActive) {
		return "", fmt.Errorf("read on tx: %d in state: %s, %w", tx.ID, tx.State(), ErrInvalidTransactionState)
	}

	locked := tx.Level != ReadUncommitted
	if locked {
		if err := t.locks.Acquire(ctx, tx.ID, resource, lock.Shared); err != nil {
			return "", t.resolveLockFailure(ctx, tx, err)
		}
	}

	value, err := t.storage.Read(ctx, resource)
	if err != nil {
		return "", err
	}
	tx.recordRead(resource)

	// 读已提交：语句结束立即归还读锁. 本事务写过的资源持有的是排他锁，不得归还
	if tx.Level == ReadCommitted && !tx.wrote(resource) {
		t.locks.Release(tx.ID, resource)
	}
	return value, nil
}

// LockRange 为谓词扫描取得 [start, end] 的范围锁，阻断幻读
// 只有可串行化级别存在该纪律，其余级别为空操作；扫描哪些范围由查询层决定，本核心不做解释
func (t *TXManager) LockRange(ctx context.Context, tx *Transaction, start, end string) error {
	if !tx.inState(TXActive) {
		return fmt.Errorf("lock range on tx: %d in state: %s, %w", tx.ID, tx.State(), ErrInvalidTransactionState)
	}
	if tx.Level != Serializable {
		return nil
	}

	if err := t.locks.AcquireRange(ctx, tx.ID, start, end); err != nil {
		return t.resolveLockFailure(ctx, tx, err)
	}
	return nil
}

// Write 写入资源. 任何隔离级别下写入都取排他锁并持有至事务结束；
// 旧值在首次写入前捕获进写集，abort 时按其回滚. 写入直接落到存储，
// 因此 read_uncommitted 的读者可能观察到未提交数据，这是该级别成文的弱保证
func (t *TXManager) Write(ctx context.Context, tx *Transaction, resource string, value string) error {
	if !tx.inState(TXActive) {
		return fmt.Errorf("write on tx: %d in state: %s, %w", tx.ID, tx.State(), ErrInvalidTransactionState)
	}

	if err := t.locks.Acquire(ctx, tx.ID, resource, lock.Exclusive); err != nil {
		return t.resolveLockFailure(ctx, tx, err)
	}

	if !tx.wrote(resource) {
		prior, err := t.storage.Read(ctx, resource)
		if err != nil {
			return err
		}
		tx.recordWrite(resource, prior)
	}
	return t.storage.Write(ctx, resource, value)
}

// Commit 提交单参与方事务：active -> partially_committed -> committed，随后原子释放全部锁
// 写入在 Write 时已落存储，本地提交无需新增任何锁
func (t *TXManager) Commit(ctx context.Context, tx *Transaction) error {
	if err := tx.transit(TXPartiallyCommitted); err != nil {
		// 因锁冲突已被终止的事务，提交时透出冲突原因
		if conflictErr := tx.conflict(); conflictErr != nil {
			return fmt.Errorf("tx: %d, cause: %v, %w", tx.ID, conflictErr, ErrAbortedByConflict)
		}
		return fmt.Errorf("commit on tx: %d in state: %s, %w", tx.ID, tx.State(), err)
	}

	if err := tx.transit(TXCommitted); err != nil {
		return err
	}
	t.finish(tx)
	log.Infof("tx: %d committed", tx.ID)
	return nil
}

// Prepare 多参与方提交的参与者入口：active -> partially_committed -> prepared
// 走到 prepared 意味着本参与方承诺可以最终提交；调用方须先持久化 prepared 日志再对外投票
func (t *TXManager) Prepare(ctx context.Context, tx *Transaction) error {
	if err := tx.transit(TXPartiallyCommitted); err != nil {
		if conflictErr := tx.conflict(); conflictErr != nil {
			return fmt.Errorf("tx: %d, cause: %v, %w", tx.ID, conflictErr, ErrAbortedByConflict)
		}
		return fmt.Errorf("prepare on tx: %d in state: %s, %w", tx.ID, tx.State(), err)
	}
	return tx.transit(TXPrepared)
}

// FinishCommit 应用全局 commit 决议：prepared -> committed，释放全部锁
func (t *TXManager) FinishCommit(ctx context.Context, tx *Transaction) error {
	if tx.inState(TXCommitted) {
		return nil
	}
	if err := tx.transit(TXCommitted); err != nil {
		return fmt.Errorf("finish commit on tx: %d in state: %s, %w", tx.ID, tx.State(), err)
	}
	t.finish(tx)
	log.Infof("tx: %d committed by global decision", tx.ID)
	return nil
}

// Abort 终止事务并按写集旧值回滚，随后原子释放全部锁. 对任意非终态均有效，且总是成功：
// 回滚是强制性的尽力而为，单条旧值写回失败只记录日志不中断
func (t *TXManager) Abort(ctx context.Context, tx *Transaction) error {
	if !tx.beginAbort() {
		return nil
	}

	for resource, prior := range tx.undoSet() {
		if err := t.storage.Write(ctx, resource, prior); err != nil {
			log.Errorf("undo write failed, tx: %d, resource: %s, err: %v", tx.ID, resource, err)
		}
	}

	_ = tx.transit(TXAborted)
	t.finish(tx)
	log.Infof("tx: %d aborted", tx.ID)
	return nil
}

// finish 事务终态后的统一收尾：原子释放整个持锁集合并注销上下文
func (t *TXManager) finish(tx *Transaction) {
	t.locks.ReleaseAll(tx.ID)
	t.mux.Lock()
	delete(t.txs, tx.ID)
	t.mux.Unlock()
}

// resolveLockFailure 锁层失败的就地消解：终止事务、翻译错误后返回调用方，绝不静默重试
func (t *TXManager) resolveLockFailure(ctx context.Context, tx *Transaction, err error) error {
	var cause error
	switch {
	case errors.Is(err, lock.ErrTimeout):
		cause = ErrLockTimeout
	case errors.Is(err, lock.ErrVictim):
		cause = ErrDeadlockVictim
	case errors.Is(err, lock.ErrCanceled):
		// 等待期间事务已被其他执行流终止
		cause = ErrAbortedByConflict
	default:
		return err
	}

	wrapped := fmt.Errorf("tx: %d, %w", tx.ID, cause)
	tx.markConflict(wrapped)
	if err := t.Abort(ctx, tx); err != nil {
		log.Errorf("abort after lock failure, tx: %d, err: %v", tx.ID, err)
	}
	return wrapped
}
