package commit

import (
	"context"

	"github.com/google/uuid"
)

// 提交协议
type Protocol string

const (
	// 单参与方直接提交
	ProtocolLocal Protocol = "local"
	// 两阶段提交
	ProtocolTwoPhase Protocol = "two_phase"
	// 三阶段提交：prepare 与决议之间增加 precommit，收窄协调者故障的阻塞窗口
	ProtocolThreePhase Protocol = "three_phase"
)

// 参与方在协议中的阶段
type Phase string

const (
	PhaseRunning      Phase = "running"
	PhasePrepared     Phase = "prepared"
	PhasePreCommitted Phase = "precommitted"
	PhaseCommitted    Phase = "committed"
	PhaseAborted      Phase = "aborted"
)

var phaseRank = map[Phase]int{
	PhaseRunning:      0,
	PhasePrepared:     1,
	PhasePreCommitted: 2,
	PhaseCommitted:    3,
	PhaseAborted:      3,
}

// reached 判断是否已到达指定阶段
func (p Phase) reached(target Phase) bool {
	return phaseRank[p] >= phaseRank[target]
}

// 协议消息. 逐条幂等：重复接收不改变结局
type PrepareReq struct {
	TXID string `json:"txID"`
}

type Vote struct {
	TXID          string `json:"txID"`
	ParticipantID string `json:"participantID"`
	Yes           bool   `json:"yes"`
}

type PreCommitReq struct {
	TXID string `json:"txID"`
}

type CommitReq struct {
	TXID string `json:"txID"`
}

type AbortReq struct {
	TXID string `json:"txID"`
}

type Ack struct {
	TXID          string `json:"txID"`
	ParticipantID string `json:"participantID"`
}

// 提交协议参与方. 网络传输由实现方负责，本核心只面向该接口收发消息
type Participant interface {
	// 返回参与方唯一 id
	ID() string
	// 第一阶段：持久化 prepared 并投票，yes 即承诺可以最终提交
	Prepare(ctx context.Context, req *PrepareReq) (*Vote, error)
	// 3PC 专属：确认进入 precommit 阶段
	PreCommit(ctx context.Context, req *PreCommitReq) (*Ack, error)
	// 应用全局 commit 决议
	Commit(ctx context.Context, req *CommitReq) (*Ack, error)
	// 应用全局 abort 决议
	Abort(ctx context.Context, req *AbortReq) (*Ack, error)
	// 返回该事务在本参与方的当前阶段，3PC 单边决策时供对等方查询
	Query(ctx context.Context, txID string) (Phase, error)
}

// NewTXID 生成全局唯一的分布式事务 id
func NewTXID() string {
	return uuid.NewString()
}
