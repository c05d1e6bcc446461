package lock

import "time"

type Options struct {
	// 锁等待超时时长
	Timeout time.Duration
	// 死锁检测周期. 为 0 时退化为阻塞即检测模式：每产生一条新的等待边立即检测一次
	CheckInterval time.Duration
	// 锁表分片数
	Shards int
}

type Option func(*Options)

func WithTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithCheckInterval(interval time.Duration) Option {
	if interval < 0 {
		interval = 0
	}

	return func(o *Options) {
		o.CheckInterval = interval
	}
}

func WithShards(shards int) Option {
	if shards <= 0 {
		shards = 16
	}

	return func(o *Options) {
		o.Shards = shards
	}
}

func repair(o *Options) {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}

	if o.CheckInterval < 0 {
		o.CheckInterval = 0
	}

	if o.Shards <= 0 {
		o.Shards = 16
	}
}
