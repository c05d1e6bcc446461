package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

const (
	txA uint64 = 1
	txB uint64 = 2
	txC uint64 = 3
)

// 异步发起一次锁请求，返回结果 chan
func acquireAsync(m *Manager, txID uint64, resource string, mode Mode) <-chan error {
	ch := make(chan error, 1)
	go func() {
		ch <- m.Acquire(context.Background(), txID, resource, mode)
	}()
	return ch
}

// 断言请求仍在阻塞中
func assertBlocked(t *testing.T, ch <-chan error) {
	t.Helper()
	select {
	case err := <-ch:
		t.Errorf("expect blocked, got: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func Test_lock_shared_compatible(t *testing.T) {
	m := NewManager(WithTimeout(time.Second))
	defer m.Stop()

	ctx := context.Background()
	assert.Nil(t, m.Acquire(ctx, txA, "row_1", Shared))
	assert.Nil(t, m.Acquire(ctx, txB, "row_1", Shared))
	assert.Equal(t, 1, m.Holding(txA))
	assert.Equal(t, 1, m.Holding(txB))
}

// 场景：A 持有排他锁，B 的共享锁请求阻塞；A 释放后 B 获得授予
func Test_lock_conflict_blocks_until_release(t *testing.T) {
	m := NewManager(WithTimeout(time.Second))
	defer m.Stop()

	assert.Nil(t, m.Acquire(context.Background(), txA, "row_1", Exclusive))

	got := acquireAsync(m, txB, "row_1", Shared)
	assertBlocked(t, got)

	m.ReleaseAll(txA)
	assert.Nil(t, <-got)
	assert.Equal(t, 0, m.Holding(txA))
	assert.Equal(t, 1, m.Holding(txB))
}

// 同一资源上的冲突请求按 FIFO 到达序授予：后到的共享请求不得越过在队的排他请求
func Test_lock_fifo_no_starvation(t *testing.T) {
	m := NewManager(WithTimeout(2 * time.Second))
	defer m.Stop()

	assert.Nil(t, m.Acquire(context.Background(), txA, "row_1", Shared))

	gotB := acquireAsync(m, txB, "row_1", Exclusive)
	assertBlocked(t, gotB)
	gotC := acquireAsync(m, txC, "row_1", Shared)
	assertBlocked(t, gotC)

	// A 释放后应先授予 B 的排他锁，C 继续等待
	m.ReleaseAll(txA)
	assert.Nil(t, <-gotB)
	assertBlocked(t, gotC)

	m.ReleaseAll(txB)
	assert.Nil(t, <-gotC)
}

// 共享锁升级排他：其他共享持有者未退出前升级请求等待
func Test_lock_upgrade_waits_for_peers(t *testing.T) {
	m := NewManager(WithTimeout(time.Second))
	defer m.Stop()

	ctx := context.Background()
	assert.Nil(t, m.Acquire(ctx, txA, "row_1", Shared))
	assert.Nil(t, m.Acquire(ctx, txB, "row_1", Shared))

	got := acquireAsync(m, txA, "row_1", Exclusive)
	assertBlocked(t, got)

	m.ReleaseAll(txB)
	assert.Nil(t, <-got)

	// 升级后 B 的共享请求被排他锁阻塞
	gotB := acquireAsync(m, txB, "row_1", Shared)
	assertBlocked(t, gotB)
	m.ReleaseAll(txA)
	assert.Nil(t, <-gotB)
}

// update 锁纪律：与共享锁兼容，唯一持有者时原地升级为排他锁
func Test_lock_update_discipline(t *testing.T) {
	m := NewManager(WithTimeout(time.Second))
	defer m.Stop()

	ctx := context.Background()
	assert.Nil(t, m.Acquire(ctx, txA, "row_1", Shared))
	// update 锁可以在共享锁存续期间取得
	assert.Nil(t, m.Acquire(ctx, txB, "row_1", Update))
	// 反向不成立：新的共享请求不得越过 update 锁
	gotC := acquireAsync(m, txC, "row_1", Shared)
	assertBlocked(t, gotC)

	// A 退出后 B 成为唯一持有者，升级请求原地生效
	m.ReleaseAll(txA)
	assert.Nil(t, m.Acquire(ctx, txB, "row_1", Exclusive))

	m.ReleaseAll(txB)
	assert.Nil(t, <-gotC)
}

func Test_lock_intent_modes(t *testing.T) {
	m := NewManager(WithTimeout(time.Second))
	defer m.Stop()

	ctx := context.Background()
	assert.Nil(t, m.Acquire(ctx, txA, "table_1", IntentShared))
	assert.Nil(t, m.Acquire(ctx, txB, "table_1", IntentExclusive))

	// 意向排他与共享互斥
	got := acquireAsync(m, txC, "table_1", Shared)
	assertBlocked(t, got)
	m.ReleaseAll(txB)
	assert.Nil(t, <-got)
}

func Test_lock_wait_timeout(t *testing.T) {
	m := NewManager(WithTimeout(100 * time.Millisecond))
	defer m.Stop()

	ctx := context.Background()
	assert.Nil(t, m.Acquire(ctx, txA, "row_1", Exclusive))

	err := m.Acquire(ctx, txB, "row_1", Shared)
	assert.True(t, errors.Is(err, ErrTimeout))
	// 超时请求已出队，不影响后续授予
	m.ReleaseAll(txA)
	assert.Nil(t, m.Acquire(ctx, txB, "row_1", Shared))
}

// 语句级释放：单个资源归还后等待者立即获得授予
func Test_lock_release_single_resource(t *testing.T) {
	m := NewManager(WithTimeout(time.Second))
	defer m.Stop()

	ctx := context.Background()
	assert.Nil(t, m.Acquire(ctx, txA, "row_1", Shared))
	assert.Nil(t, m.Acquire(ctx, txA, "row_2", Shared))

	got := acquireAsync(m, txB, "row_1", Exclusive)
	assertBlocked(t, got)

	m.Release(txA, "row_1")
	assert.Nil(t, <-got)
	assert.Equal(t, 1, m.Holding(txA))
}

// 谓词锁：区间内的排他请求被阻断，区间外不受影响；持有者退出后放行
func Test_lock_range_blocks_writer(t *testing.T) {
	m := NewManager(WithTimeout(time.Second))
	defer m.Stop()

	ctx := context.Background()
	assert.Nil(t, m.AcquireRange(ctx, txA, "a", "m"))

	assert.Nil(t, m.Acquire(ctx, txB, "z_row", Exclusive))

	got := acquireAsync(m, txB, "c_row", Exclusive)
	assertBlocked(t, got)

	m.ReleaseAll(txA)
	assert.Nil(t, <-got)
}

// 谓词锁对区间内既有的未提交写入取共享锁等待其退出
func Test_lock_range_waits_for_writer(t *testing.T) {
	m := NewManager(WithTimeout(time.Second))
	defer m.Stop()

	ctx := context.Background()
	assert.Nil(t, m.Acquire(ctx, txA, "c_row", Exclusive))

	done := make(chan error, 1)
	go func() {
		done <- m.AcquireRange(ctx, txB, "a", "m")
	}()
	assertBlocked(t, done)

	m.ReleaseAll(txA)
	assert.Nil(t, <-done)
}

// abort 语义：事务被释放时，其在队请求以 canceled 信号唤醒
func Test_lock_release_cancels_blocked_request(t *testing.T) {
	m := NewManager(WithTimeout(time.Second))
	defer m.Stop()

	ctx := context.Background()
	assert.Nil(t, m.Acquire(ctx, txA, "row_1", Exclusive))

	got := acquireAsync(m, txB, "row_1", Exclusive)
	assertBlocked(t, got)

	m.ReleaseAll(txB)
	assert.True(t, errors.Is(<-got, ErrCanceled))

	// A 不受影响
	assert.Equal(t, 1, m.Holding(txA))
}

func Test_lock_concurrent_counter(t *testing.T) {
	m := NewManager(WithTimeout(2 * time.Second))
	defer m.Stop()

	// 多个事务依次对同一资源加排他锁，互斥性由计数器无竞争验证
	var counter int
	var wg sync.WaitGroup
	for i := 1; i <= 8; i++ {
		txID := uint64(i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Acquire(context.Background(), txID, "row_1", Exclusive); err != nil {
				t.Error(err)
				return
			}
			counter++
			m.ReleaseAll(txID)
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, counter)
}
