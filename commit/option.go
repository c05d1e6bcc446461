package commit

import "time"

type Options struct {
	// 提交协议
	Protocol Protocol
	// 单个协议阶段的超时时长
	PhaseTimeout time.Duration
	// 轮询监控任务间隔时长
	MonitorTick time.Duration
}

type Option func(*Options)

func WithProtocol(protocol Protocol) Option {
	return func(o *Options) {
		o.Protocol = protocol
	}
}

func WithPhaseTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return func(o *Options) {
		o.PhaseTimeout = timeout
	}
}

func WithMonitorTick(tick time.Duration) Option {
	if tick <= 0 {
		tick = 10 * time.Second
	}

	return func(o *Options) {
		o.MonitorTick = tick
	}
}

func repair(o *Options) {
	switch o.Protocol {
	case ProtocolLocal, ProtocolTwoPhase, ProtocolThreePhase:
	default:
		o.Protocol = ProtocolTwoPhase
	}

	if o.PhaseTimeout <= 0 {
		o.PhaseTimeout = 5 * time.Second
	}

	if o.MonitorTick <= 0 {
		o.MonitorTick = 10 * time.Second
	}
}
