package gotxn

import "time"

type Options struct {
	// 锁等待超时时长
	LockTimeout time.Duration
	// 死锁检测周期. 为 0 时采用阻塞即检测模式
	DeadlockCheckInterval time.Duration
	// 锁表分片数
	LockShards int
}

type Option func(*Options)

func WithLockTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.LockTimeout = timeout
	}
}

func WithDeadlockCheckInterval(interval time.Duration) Option {
	if interval < 0 {
		interval = 0
	}

	return func(o *Options) {
		o.DeadlockCheckInterval = interval
	}
}

func WithLockShards(shards int) Option {
	if shards <= 0 {
		shards = 16
	}

	return func(o *Options) {
		o.LockShards = shards
	}
}

func repair(o *Options) {
	if o.LockTimeout <= 0 {
		o.LockTimeout = 5 * time.Second
	}

	if o.DeadlockCheckInterval < 0 {
		o.DeadlockCheckInterval = 0
	}

	if o.LockShards <= 0 {
		o.LockShards = 16
	}
}
