package commit

import (
	"context"
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/gotxn"
	"github.com/xiaoxuxiansheng/gotxn/commitlog"
	"github.com/xiaoxuxiansheng/gotxn/log"
)

// TXParticipant 将本地事务核心适配为提交协议参与方
// 全局事务 id -> 本地事务经 Enlist 登记；阶段变更先落日志再对外应答，崩溃后可由日志回放恢复
type TXParticipant struct {
	id    string
	tm    *gotxn.TXManager
	store commitlog.Store

	mux    sync.Mutex
	txs    map[string]*gotxn.Transaction
	phases map[string]Phase
	// 回放后仍未决的事务，消解前一切操作返回 recovery required
	inDoubt map[string]bool
}

func NewTXParticipant(id string, tm *gotxn.TXManager, store commitlog.Store) *TXParticipant {
	return &TXParticipant{
		id:      id,
		tm:      tm,
		store:   store,
		txs:     make(map[string]*gotxn.Transaction),
		phases:  make(map[string]Phase),
		inDoubt: make(map[string]bool),
	}
}

func (p *TXParticipant) ID() string {
	return p.id
}

// Enlist 将本地事务登记到全局事务名下
func (p *TXParticipant) Enlist(txID string, tx *gotxn.Transaction) {
	p.mux.Lock()
	defer p.mux.Unlock()
	p.txs[txID] = tx
}

func (p *TXParticipant) phase(txID string) Phase {
	if phase, ok := p.phases[txID]; ok {
		return phase
	}
	return PhaseRunning
}

// Prepare 第一阶段：本地校验通过则先持久化 prepared 再投赞成票
// 一旦投出赞成票，后续必须服从全局 commit 决议，即便经历崩溃重启
func (p *TXParticipant) Prepare(ctx context.Context, req *PrepareReq) (*Vote, error) {
	p.mux.Lock()
	defer p.mux.Unlock()

	vote := Vote{TXID: req.TXID, ParticipantID: p.id}
	if p.inDoubt[req.TXID] {
		return nil, fmt.Errorf("tx: %s on participant: %s, %w", req.TXID, p.id, gotxn.ErrRecoveryRequired)
	}

	switch p.phase(req.TXID) {
	case PhasePrepared, PhasePreCommitted, PhaseCommitted:
		// 幂等：重复的 prepare 不改变结局
		vote.Yes = true
		return &vote, nil
	case PhaseAborted:
		return &vote, nil
	}

	tx, ok := p.txs[req.TXID]
	if !ok {
		return &vote, nil
	}
	if err := p.tm.Prepare(ctx, tx); err != nil {
		log.ErrorContextf(ctx, "prepare veto, tx: %s, participant: %s, err: %v", req.TXID, p.id, err)
		return &vote, nil
	}

	if _, err := p.store.Append(ctx, &commitlog.Record{TXID: req.TXID, Type: commitlog.RecordPrepared}); err != nil {
		return &vote, err
	}
	p.phases[req.TXID] = PhasePrepared
	vote.Yes = true
	return &vote, nil
}

// PreCommit 3PC 专属：落下 precommit 记录后应答
// 到达该阶段的参与方获得单边提交资格，见 ResolveTimeout
func (p *TXParticipant) PreCommit(ctx context.Context, req *PreCommitReq) (*Ack, error) {
	p.mux.Lock()
	defer p.mux.Unlock()

	if p.inDoubt[req.TXID] {
		return nil, fmt.Errorf("tx: %s on participant: %s, %w", req.TXID, p.id, gotxn.ErrRecoveryRequired)
	}

	switch p.phase(req.TXID) {
	case PhasePreCommitted, PhaseCommitted:
		return &Ack{TXID: req.TXID, ParticipantID: p.id}, nil
	case PhasePrepared:
	default:
		return nil, fmt.Errorf("precommit on tx: %s in phase: %s, participant: %s", req.TXID, p.phase(req.TXID), p.id)
	}

	record := commitlog.Record{TXID: req.TXID, Type: commitlog.RecordDecision, Decision: commitlog.DecisionUnknown, Payload: commitlog.PayloadPreCommit}
	if _, err := p.store.Append(ctx, &record); err != nil {
		return nil, err
	}
	p.phases[req.TXID] = PhasePreCommitted
	return &Ack{TXID: req.TXID, ParticipantID: p.id}, nil
}

// Commit 应用全局 commit 决议：先落决议日志，再推进本地事务到终态
func (p *TXParticipant) Commit(ctx context.Context, req *CommitReq) (*Ack, error) {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.applyCommitLocked(ctx, req.TXID)
}

func (p *TXParticipant) applyCommitLocked(ctx context.Context, txID string) (*Ack, error) {
	ack := Ack{TXID: txID, ParticipantID: p.id}
	if p.phase(txID) == PhaseCommitted {
		return &ack, nil
	}
	if p.phase(txID) == PhaseAborted {
		return nil, fmt.Errorf("commit on aborted tx: %s, participant: %s", txID, p.id)
	}

	if _, err := p.store.Append(ctx, &commitlog.Record{TXID: txID, Type: commitlog.RecordDecision, Decision: commitlog.DecisionCommit}); err != nil {
		return nil, err
	}

	if tx, ok := p.txs[txID]; ok {
		var err error
		if p.phase(txID) == PhaseRunning {
			// 单参与方直接提交路径，未经历 prepare
			err = p.tm.Commit(ctx, tx)
		} else {
			err = p.tm.FinishCommit(ctx, tx)
		}
		if err != nil {
			return nil, err
		}
	}
	p.phases[txID] = PhaseCommitted
	delete(p.inDoubt, txID)
	return &ack, nil
}

// Abort 应用全局 abort 决议：落决议日志后回滚本地事务
func (p *TXParticipant) Abort(ctx context.Context, req *AbortReq) (*Ack, error) {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.applyAbortLocked(ctx, req.TXID)
}

func (p *TXParticipant) applyAbortLocked(ctx context.Context, txID string) (*Ack, error) {
	ack := Ack{TXID: txID, ParticipantID: p.id}
	if p.phase(txID) == PhaseAborted {
		return &ack, nil
	}
	if p.phase(txID) == PhaseCommitted {
		return nil, fmt.Errorf("abort on committed tx: %s, participant: %s", txID, p.id)
	}

	if _, err := p.store.Append(ctx, &commitlog.Record{TXID: txID, Type: commitlog.RecordDecision, Decision: commitlog.DecisionAbort}); err != nil {
		return nil, err
	}

	if tx, ok := p.txs[txID]; ok {
		_ = p.tm.Abort(ctx, tx)
	}
	p.phases[txID] = PhaseAborted
	delete(p.inDoubt, txID)
	return &ack, nil
}

// Query 返回该事务在本参与方的当前阶段
func (p *TXParticipant) Query(ctx context.Context, txID string) (Phase, error) {
	p.mux.Lock()
	defer p.mux.Unlock()
	return p.phase(txID), nil
}

// ResolveTimeout 与协调者失联超时后的单边决策（3PC 的有界阻塞保证）：
// 1. 已到达 precommit 的参与方，在有证据表明多数对等方也到达 precommit 时单边提交
// 2. 未到达 precommit 的参与方直接单边回滚
func (p *TXParticipant) ResolveTimeout(ctx context.Context, txID string, peers []Participant) error {
	p.mux.Lock()
	phase := p.phase(txID)
	p.mux.Unlock()

	if phase == PhaseCommitted || phase == PhaseAborted {
		return nil
	}

	if phase != PhasePreCommitted {
		p.mux.Lock()
		defer p.mux.Unlock()
		_, err := p.applyAbortLocked(ctx, txID)
		return err
	}

	// 统计到达 precommit 及之后阶段的参与方（含自身），过半数方可单边提交
	reached := 1
	for _, peer := range peers {
		if peer.ID() == p.id {
			continue
		}
		peerPhase, err := peer.Query(ctx, txID)
		if err != nil {
			continue
		}
		if peerPhase.reached(PhasePreCommitted) && peerPhase != PhaseAborted {
			reached++
		}
	}

	total := len(peers)
	if !containsSelf(peers, p.id) {
		total++
	}
	if 2*reached <= total {
		return fmt.Errorf("tx: %s quorum not reached: %d/%d, %w", txID, reached, total, gotxn.ErrParticipantUnreachable)
	}

	p.mux.Lock()
	defer p.mux.Unlock()
	_, err := p.applyCommitLocked(ctx, txID)
	return err
}

func containsSelf(peers []Participant, id string) bool {
	for _, peer := range peers {
		if peer.ID() == id {
			return true
		}
	}
	return false
}

// Recover 崩溃重启后回放本地日志：有决议的事务落到决议态，只有 prepared 的标记为未决
// 返回未决事务清单，调用方需向协调者求证或经 ResolveTimeout 消解
func (p *TXParticipant) Recover(ctx context.Context) ([]string, error) {
	records, err := p.store.Records(ctx)
	if err != nil {
		return nil, err
	}

	p.mux.Lock()
	defer p.mux.Unlock()

	var unresolved []string
	for txID, outcome := range commitlog.Replay(records) {
		switch outcome.Decision {
		case commitlog.DecisionCommit:
			p.phases[txID] = PhaseCommitted
		case commitlog.DecisionAbort:
			p.phases[txID] = PhaseAborted
		default:
			if outcome.PreCommitted {
				p.phases[txID] = PhasePreCommitted
			} else if outcome.Prepared {
				p.phases[txID] = PhasePrepared
			} else {
				continue
			}
			p.inDoubt[txID] = true
			unresolved = append(unresolved, txID)
		}
	}
	return unresolved, nil
}
