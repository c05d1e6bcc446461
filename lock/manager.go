package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/gotxn/log"
)

var (
	// 锁等待超时
	ErrTimeout = errors.New("lock wait timeout")
	// 被选为死锁牺牲者
	ErrVictim = errors.New("chosen as deadlock victim")
	// 等待期间请求被所属事务终止
	ErrCanceled = errors.New("lock request canceled")
)

// 一次被阻塞的锁请求. 授予、超时、被终止都通过 grant chan 唤醒
type request struct {
	txID  uint64
	mode  Mode
	grant chan error
}

func newRequest(txID uint64, mode Mode) *request {
	return &request{
		txID:  txID,
		mode:  mode,
		grant: make(chan error, 1),
	}
}

// 单个资源上的锁. 持有者集合 + FIFO 等待队列，两者皆空时销毁
type entry struct {
	resource string
	holders  map[uint64]Mode
	queue    []*request
}

type shard struct {
	mux     sync.Mutex
	entries map[string]*entry
}

// 谓词锁：锁定一段资源 id 区间，阻断区间内的后续排他请求
type rangeLock struct {
	txID  uint64
	start string
	end   string
}

func (r *rangeLock) covers(resource string) bool {
	return r.start <= resource && resource <= r.end
}

// 1. 锁表模块：分片 map，按资源聚合持有者与等待队列
// 2. 谓词锁模块：区间锁表，供可串行化隔离级别阻断幻读
// 3. 死锁检测模块：由等待队列重新推导 wait-for 图，见 deadlock.go
type Manager struct {
	ctx    context.Context
	stop   context.CancelFunc
	opts   *Options
	shards []*shard

	rangeMux sync.Mutex
	ranges   map[uint64][]*rangeLock
}

func NewManager(opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	manager := Manager{
		ctx:    ctx,
		stop:   cancel,
		opts:   &Options{},
		ranges: make(map[uint64][]*rangeLock),
	}

	for _, opt := range opts {
		opt(manager.opts)
	}

	repair(manager.opts)

	manager.shards = make([]*shard, 0, manager.opts.Shards)
	for i := 0; i < manager.opts.Shards; i++ {
		manager.shards = append(manager.shards, &shard{entries: make(map[string]*entry)})
	}

	// 周期检测模式下启动后台检测任务
	if manager.opts.CheckInterval > 0 {
		go manager.run()
	}
	return &manager
}

func (m *Manager) Stop() {
	m.stop()
}

func (m *Manager) shardOf(resource string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(resource))
	return m.shards[int(h.Sum32())%len(m.shards)]
}

// Acquire 以指定模式请求资源锁
// 立即兼容时直接授予返回；冲突时入队挂起，直到释放事件授予、等待超时或被选为死锁牺牲者
func (m *Manager) Acquire(ctx context.Context, txID uint64, resource string, mode Mode) error {
	s := m.shardOf(resource)
	s.mux.Lock()
	e, ok := s.entries[resource]
	if !ok {
		e = &entry{resource: resource, holders: make(map[uint64]Mode)}
		s.entries[resource] = e
	}

	held, holding := e.holders[txID]
	// 已持有的模式足以覆盖本次请求
	if holding && covers(held, mode) {
		s.mux.Unlock()
		return nil
	}

	// update 锁持有者在无其他持有者时原地升级为排他锁
	if holding && held == Update && mode == Exclusive && len(e.holders) == 1 {
		e.holders[txID] = Exclusive
		s.mux.Unlock()
		return nil
	}

	if m.grantableLocked(e, nil, txID, mode) {
		e.holders[txID] = m.mergeHeld(e, txID, mode)
		s.mux.Unlock()
		return nil
	}

	// 冲突：入队等待. update 锁升级请求具有优先权，插到队首；其余按 FIFO 追加，保证无饿死
	req := newRequest(txID, mode)
	if holding && held == Update {
		e.queue = append([]*request{req}, e.queue...)
	} else {
		e.queue = append(e.queue, req)
	}
	s.mux.Unlock()

	// 阻塞即检测模式：产生新的等待边后立即跑一轮
	if m.opts.CheckInterval <= 0 {
		m.Detect()
	}

	timer := time.NewTimer(m.opts.Timeout)
	defer timer.Stop()

	select {
	case err := <-req.grant:
		return err
	case <-timer.C:
		if m.abandon(resource, req) {
			return fmt.Errorf("tx: %d wait %s lock on resource: %s, %w", txID, mode, resource, ErrTimeout)
		}
		// 竞态：超时瞬间已被授予或终止，以信号为准
		return <-req.grant
	case <-ctx.Done():
		if m.abandon(resource, req) {
			return ctx.Err()
		}
		return <-req.grant
	}
}

// AcquireRange 取得 [start, end] 的谓词锁，用于可串行化隔离级别的范围扫描
// 先登记区间阻断后续写入，再对区间内既有资源逐个取共享锁，等待未提交的写入者退出
func (m *Manager) AcquireRange(ctx context.Context, txID uint64, start, end string) error {
	if end < start {
		start, end = end, start
	}

	m.rangeMux.Lock()
	m.ranges[txID] = append(m.ranges[txID], &rangeLock{txID: txID, start: start, end: end})
	m.rangeMux.Unlock()

	for _, resource := range m.resourcesInRange(start, end) {
		if err := m.Acquire(ctx, txID, resource, Shared); err != nil {
			return err
		}
	}
	return nil
}

// Release 释放单个资源上的锁并推进该资源的等待队列. 供读已提交级别在语句结束后立即归还读锁
func (m *Manager) Release(txID uint64, resource string) {
	s := m.shardOf(resource)
	s.mux.Lock()
	defer s.mux.Unlock()

	e, ok := s.entries[resource]
	if !ok {
		return
	}
	delete(e.holders, txID)
	m.processLocked(e)
	m.gcLocked(s, e)
}

// ReleaseAll 原子释放事务名下的全部锁：谓词锁、持有锁、在队请求一并清理
// 在队请求以 canceled 信号唤醒；随后推进所有受影响资源的等待队列
func (m *Manager) ReleaseAll(txID uint64) {
	m.rangeMux.Lock()
	released := m.ranges[txID]
	delete(m.ranges, txID)
	m.rangeMux.Unlock()

	for _, s := range m.shards {
		s.mux.Lock()
		resources := make([]string, 0, len(s.entries))
		for resource := range s.entries {
			resources = append(resources, resource)
		}
		for _, resource := range resources {
			e := s.entries[resource]
			_, holding := e.holders[txID]
			delete(e.holders, txID)

			dequeued := false
			still := e.queue[:0]
			for _, q := range e.queue {
				if q.txID == txID {
					q.grant <- ErrCanceled
					dequeued = true
					continue
				}
				still = append(still, q)
			}
			e.queue = still

			// 谓词锁释放后，区间内被阻断的写入者也可能获得授予
			if holding || dequeued || coveredByAny(released, resource) {
				m.processLocked(e)
			}
			m.gcLocked(s, e)
		}
		s.mux.Unlock()
	}
}

// Holding 返回事务当前持有锁的资源数，供测试与牺牲者策略观测
func (m *Manager) Holding(txID uint64) int {
	var cnt int
	for _, s := range m.shards {
		s.mux.Lock()
		for _, e := range s.entries {
			if _, ok := e.holders[txID]; ok {
				cnt++
			}
		}
		s.mux.Unlock()
	}
	return cnt
}

// grantableLocked 判断请求能否立即授予：与所有他人持有者兼容，且不越过队列中任何他人的冲突请求
// ahead 为仍排在其前面的请求集合；调用方需持有对应分片锁
func (m *Manager) grantableLocked(e *entry, ahead []*request, txID uint64, mode Mode) bool {
	for holder, heldMode := range e.holders {
		if holder == txID {
			continue
		}
		if !Compatible(mode, heldMode) {
			return false
		}
	}

	queued := e.queue
	if ahead != nil {
		queued = ahead
	}
	for _, q := range queued {
		if q.txID == txID {
			continue
		}
		if !Compatible(mode, q.mode) {
			return false
		}
	}

	// 排他请求还需不落入他人的谓词锁区间
	if mode == Exclusive && m.rangeBlocked(txID, e.resource) {
		return false
	}
	return true
}

func (m *Manager) rangeBlocked(txID uint64, resource string) bool {
	m.rangeMux.Lock()
	defer m.rangeMux.Unlock()

	for owner, ranges := range m.ranges {
		if owner == txID {
			continue
		}
		if coveredByAny(ranges, resource) {
			return true
		}
	}
	return false
}

func coveredByAny(ranges []*rangeLock, resource string) bool {
	for _, r := range ranges {
		if r.covers(resource) {
			return true
		}
	}
	return false
}

// processLocked 在持有者或队列变化后推进等待队列，按 FIFO 顺序授予所有已兼容的请求
func (m *Manager) processLocked(e *entry) {
	if len(e.queue) == 0 {
		return
	}

	still := make([]*request, 0, len(e.queue))
	for _, q := range e.queue {
		if m.grantableLocked(e, still, q.txID, q.mode) {
			e.holders[q.txID] = m.mergeHeld(e, q.txID, q.mode)
			q.grant <- nil
			continue
		}
		still = append(still, q)
	}
	e.queue = still
}

func (m *Manager) mergeHeld(e *entry, txID uint64, mode Mode) Mode {
	if held, ok := e.holders[txID]; ok {
		return merge(held, mode)
	}
	return mode
}

func (m *Manager) gcLocked(s *shard, e *entry) {
	if len(e.holders) == 0 && len(e.queue) == 0 {
		delete(s.entries, e.resource)
	}
}

// abandon 将超时或被取消的请求移出等待队列. 返回 false 表示请求已被并发授予或终止
func (m *Manager) abandon(resource string, req *request) bool {
	s := m.shardOf(resource)
	s.mux.Lock()
	defer s.mux.Unlock()

	e, ok := s.entries[resource]
	if !ok {
		return false
	}
	for i, q := range e.queue {
		if q != req {
			continue
		}
		e.queue = append(e.queue[:i], e.queue[i+1:]...)
		m.processLocked(e)
		m.gcLocked(s, e)
		return true
	}
	return false
}

func (m *Manager) resourcesInRange(start, end string) []string {
	var resources []string
	for _, s := range m.shards {
		s.mux.Lock()
		for resource := range s.entries {
			if start <= resource && resource <= end {
				resources = append(resources, resource)
			}
		}
		s.mux.Unlock()
	}
	sort.Strings(resources)
	return resources
}

// run 周期检测模式的后台任务
func (m *Manager) run() {
	ticker := time.NewTicker(m.opts.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if victims := m.Detect(); victims > 0 {
				log.Warnf("deadlock detector aborted %d victim(s)", victims)
			}
		}
	}
}
