package commitlog

import (
	"context"
	"sort"
	"time"
)

// 日志记录类型
type RecordType string

const (
	// 参与方已承诺可提交 / 协调者已发起协议
	RecordPrepared RecordType = "prepared"
	// 决议记录
	RecordDecision RecordType = "decision"
)

// 全局决议
type Decision string

const (
	DecisionUnknown Decision = "unknown"
	DecisionCommit  Decision = "commit"
	DecisionAbort   Decision = "abort"
)

func (d Decision) String() string {
	return string(d)
}

// 3PC 的 precommit 阶段以 decision=unknown 的决议记录落盘，payload 携带该标记
const PayloadPreCommit = "precommit"

// 日志记录. 追加写，恢复时按 lsn 升序回放
// 任何对外可见的不可撤销动作（投赞成票、下发 commit/abort 决议）之前都必须先落下对应记录
type Record struct {
	LSN       uint64     `json:"lsn"`
	TXID      string     `json:"txID"`
	Type      RecordType `json:"recordType"`
	Decision  Decision   `json:"decision,omitempty"`
	Payload   string     `json:"payload,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// 提交日志存储模块. lsn 由存储侧单调分配
type Store interface {
	// 追加一条日志记录，返回分配的 lsn
	Append(ctx context.Context, record *Record) (uint64, error)
	// 按 lsn 升序返回全部记录，供恢复回放
	Records(ctx context.Context) ([]*Record, error)
	// 锁住整个存储模块，跨副本互斥监控任务（要求为分布式锁）
	Lock(ctx context.Context, expireDuration time.Duration) error
	// 解锁存储模块
	Unlock(ctx context.Context) error
}

// 单笔事务回放后的归宿
type Outcome struct {
	TXID string
	// 是否存在 prepared 记录
	Prepared bool
	// 是否到达过 precommit（3PC）
	PreCommitted bool
	// 已持久化的决议；无决议记录时为 unknown
	Decision Decision
	// prepared 记录的落盘时间，超时判定依据
	PreparedAt time.Time
	// prepared 记录携带的负载（协调者侧为参与方清单）
	PreparedPayload string
}

// Replay 按 lsn 升序回放日志，推导每笔事务的归宿
// 有决议以决议为准；只有 prepared 没有决议即为未决事务
func Replay(records []*Record) map[string]*Outcome {
	sorted := make([]*Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LSN < sorted[j].LSN })

	outcomes := make(map[string]*Outcome)
	for _, record := range sorted {
		outcome, ok := outcomes[record.TXID]
		if !ok {
			outcome = &Outcome{TXID: record.TXID, Decision: DecisionUnknown}
			outcomes[record.TXID] = outcome
		}

		switch record.Type {
		case RecordPrepared:
			outcome.Prepared = true
			outcome.PreparedAt = record.CreatedAt
			outcome.PreparedPayload = record.Payload
		case RecordDecision:
			if record.Decision == DecisionUnknown && record.Payload == PayloadPreCommit {
				outcome.PreCommitted = true
				continue
			}
			outcome.Decision = record.Decision
		}
	}
	return outcomes
}
