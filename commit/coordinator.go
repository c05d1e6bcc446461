package commit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/gotxn"
	"github.com/xiaoxuxiansheng/gotxn/commitlog"
	"github.com/xiaoxuxiansheng/gotxn/log"
)

// 1. 提交日志存储模块
// 2. 参与方注册模块
// 3. 协议驱动：local / 2pc / 3pc
// 4. 轮询监控任务：重投未确认的决议、消解未决事务
type Coordinator struct {
	ctx            context.Context
	stop           context.CancelFunc
	opts           *Options
	store          commitlog.Store
	registryCenter *registryCenter

	mux sync.Mutex
	// 已持久化决议但尚未收齐确认的事务 -> 决议
	pending map[string]commitlog.Decision
	// 事务 -> 参与方 id 清单
	members map[string][]string
}

func NewCoordinator(store commitlog.Store, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	coordinator := Coordinator{
		ctx:            ctx,
		stop:           cancel,
		opts:           &Options{},
		store:          store,
		registryCenter: newRegistryCenter(),
		pending:        make(map[string]commitlog.Decision),
		members:        make(map[string][]string),
	}

	for _, opt := range opts {
		opt(coordinator.opts)
	}

	repair(coordinator.opts)

	go coordinator.run()
	return &coordinator
}

func (c *Coordinator) Stop() {
	c.stop()
}

func (c *Coordinator) Register(participant Participant) error {
	return c.registryCenter.register(participant)
}

// Commit 驱动一笔事务走完提交协议. 返回 nil 表示全局决议为 commit 且已收齐确认
// prepare 被否决或超时返回 prepare failed，全局决议落为 abort
func (c *Coordinator) Commit(ctx context.Context, txID string, participantIDs ...string) error {
	if len(participantIDs) == 0 {
		return errors.New("empty participants")
	}

	participants, err := c.registryCenter.getParticipants(participantIDs...)
	if err != nil {
		return err
	}

	c.mux.Lock()
	c.members[txID] = participantIDs
	c.mux.Unlock()

	// 发起协议前先落 prepared 意向记录，崩溃后恢复流程方能发现这笔事务
	payload, _ := json.Marshal(participantIDs)
	if _, err := c.store.Append(ctx, &commitlog.Record{TXID: txID, Type: commitlog.RecordPrepared, Payload: string(payload)}); err != nil {
		return err
	}

	// 单参与方无需投票，直接提交
	if c.opts.Protocol == ProtocolLocal || len(participants) == 1 {
		return c.decide(ctx, txID, commitlog.DecisionCommit, participants)
	}

	if err := c.collectVotes(ctx, txID, participants); err != nil {
		if abortErr := c.decide(ctx, txID, commitlog.DecisionAbort, participants); abortErr != nil {
			log.ErrorContextf(ctx, "abort broadcast fail, txid: %s, err: %v", txID, abortErr)
		}
		return fmt.Errorf("txid: %s, cause: %v, %w", txID, err, gotxn.ErrPrepareFailed)
	}

	if c.opts.Protocol == ProtocolThreePhase {
		if err := c.preCommit(ctx, txID, participants); err != nil {
			if abortErr := c.decide(ctx, txID, commitlog.DecisionAbort, participants); abortErr != nil {
				log.ErrorContextf(ctx, "abort broadcast fail, txid: %s, err: %v", txID, abortErr)
			}
			return err
		}
	}

	return c.decide(ctx, txID, commitlog.DecisionCommit, participants)
}

// collectVotes 并发向所有参与方发出 prepare，任何否决票、超时或不可达都判定失败
func (c *Coordinator) collectVotes(ctx context.Context, txID string, participants []Participant) error {
	cctx, cancel := context.WithTimeout(ctx, c.opts.PhaseTimeout)
	defer cancel()

	errCh := make(chan error, len(participants))
	var wg sync.WaitGroup
	for _, participant := range participants {
		// shadow
		participant := participant
		wg.Add(1)
		go func() {
			defer wg.Done()
			vote, err := participant.Prepare(cctx, &PrepareReq{TXID: txID})
			if err != nil {
				log.ErrorContextf(cctx, "prepare fail, txid: %s, participant: %s, err: %v", txID, participant.ID(), err)
				errCh <- fmt.Errorf("participant: %s, cause: %v, %w", participant.ID(), err, gotxn.ErrParticipantUnreachable)
				return
			}
			if !vote.Yes {
				errCh <- fmt.Errorf("participant: %s voted no", participant.ID())
			}
		}()
	}
	wg.Wait()
	close(errCh)

	// 记录遇到的第一个失败原因
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// preCommit 3PC 专属：收齐全部赞成票后广播 precommit 并等待确认
func (c *Coordinator) preCommit(ctx context.Context, txID string, participants []Participant) error {
	cctx, cancel := context.WithTimeout(ctx, c.opts.PhaseTimeout)
	defer cancel()

	errCh := make(chan error, len(participants))
	var wg sync.WaitGroup
	for _, participant := range participants {
		// shadow
		participant := participant
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := participant.PreCommit(cctx, &PreCommitReq{TXID: txID}); err != nil {
				log.ErrorContextf(cctx, "precommit fail, txid: %s, participant: %s, err: %v", txID, participant.ID(), err)
				errCh <- fmt.Errorf("participant: %s, cause: %v, %w", participant.ID(), err, gotxn.ErrParticipantUnreachable)
			}
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// decide 持久化全局决议后向所有参与方广播. 决议一经落盘即不可更改，
// 广播未收齐确认时留在 pending 集合，由监控任务无限期重投
func (c *Coordinator) decide(ctx context.Context, txID string, decision commitlog.Decision, participants []Participant) error {
	if _, err := c.store.Append(ctx, &commitlog.Record{TXID: txID, Type: commitlog.RecordDecision, Decision: decision}); err != nil {
		return err
	}

	c.mux.Lock()
	c.pending[txID] = decision
	c.mux.Unlock()

	if err := c.broadcast(ctx, txID, decision, participants); err != nil {
		return err
	}

	c.mux.Lock()
	delete(c.pending, txID)
	delete(c.members, txID)
	c.mux.Unlock()
	return nil
}

// broadcast 向每个参与方投递决议，失败按退避策略重试，直到确认或上下文终止
func (c *Coordinator) broadcast(ctx context.Context, txID string, decision commitlog.Decision, participants []Participant) error {
	errCh := make(chan error, len(participants))
	var wg sync.WaitGroup
	for _, participant := range participants {
		// shadow
		participant := participant
		wg.Add(1)
		go func() {
			defer wg.Done()
			errCh <- c.deliver(ctx, txID, decision, participant)
		}()
	}
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) deliver(ctx context.Context, txID string, decision commitlog.Decision, participant Participant) error {
	tick := c.opts.MonitorTick
	for {
		cctx, cancel := context.WithTimeout(ctx, c.opts.PhaseTimeout)
		var err error
		if decision == commitlog.DecisionCommit {
			_, err = participant.Commit(cctx, &CommitReq{TXID: txID})
		} else {
			_, err = participant.Abort(cctx, &AbortReq{TXID: txID})
		}
		cancel()
		if err == nil {
			return nil
		}

		log.ErrorContextf(ctx, "deliver %s fail, txid: %s, participant: %s, err: %v", decision, txID, participant.ID(), err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("txid: %s, participant: %s, cause: %v, %w", txID, participant.ID(), err, gotxn.ErrParticipantUnreachable)
		case <-c.ctx.Done():
			return fmt.Errorf("txid: %s, participant: %s, cause: %v, %w", txID, participant.ID(), err, gotxn.ErrParticipantUnreachable)
		case <-time.After(tick):
			tick = c.backOffTick(tick)
		}
	}
}

func (c *Coordinator) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := c.opts.MonitorTick << 3; tick > threshold {
		return threshold
	}
	return tick
}

// Recover 崩溃重启后回放提交日志，把每笔在途事务消解到其已落盘的决议；
// 没有决议记录的一律消解为 abort，保证不存在永久未决的事务
func (c *Coordinator) Recover(ctx context.Context) error {
	records, err := c.store.Records(ctx)
	if err != nil {
		return err
	}

	for txID, outcome := range commitlog.Replay(records) {
		decision := outcome.Decision
		if decision == commitlog.DecisionUnknown {
			decision = commitlog.DecisionAbort
			if _, err := c.store.Append(ctx, &commitlog.Record{TXID: txID, Type: commitlog.RecordDecision, Decision: decision}); err != nil {
				return err
			}
		}

		participants, err := c.participantsOf(txID, outcome.PreparedPayload)
		if err != nil {
			log.ErrorContextf(ctx, "recover txid: %s, err: %v", txID, err)
			continue
		}
		if err := c.broadcast(ctx, txID, decision, participants); err != nil {
			return fmt.Errorf("replay txid: %s, %w", txID, err)
		}
	}
	return nil
}

func (c *Coordinator) participantsOf(txID string, payload string) ([]Participant, error) {
	c.mux.Lock()
	participantIDs := c.members[txID]
	c.mux.Unlock()

	if len(participantIDs) == 0 && payload != "" {
		if err := json.Unmarshal([]byte(payload), &participantIDs); err != nil {
			return nil, err
		}
	}
	if len(participantIDs) == 0 {
		return nil, fmt.Errorf("no participants recorded for txid: %s", txID)
	}
	return c.registryCenter.getParticipants(participantIDs...)
}

// run 轮询监控任务：加分布式锁避免多副本重复执行，重投 pending 决议并消解超时未决事务
func (c *Coordinator) run() {
	var tick time.Duration
	var err error
	for {
		// 出现失败时遵循退避策略拉大间隔
		if err == nil {
			tick = c.opts.MonitorTick
		} else {
			tick = c.backOffTick(tick)
		}
		select {
		case <-c.ctx.Done():
			return

		case <-time.After(tick):
			if err = c.store.Lock(c.ctx, c.opts.MonitorTick); err != nil {
				// 锁被其他副本占有，不计入退避
				err = nil
				continue
			}

			err = c.redrive()
			_ = c.store.Unlock(c.ctx)
		}
	}
}

// redrive 一轮监控：超时未决的事务落 abort 决议，pending 决议重新广播
func (c *Coordinator) redrive() error {
	records, err := c.store.Records(c.ctx)
	if err != nil {
		return err
	}

	var firstErr error
	for txID, outcome := range commitlog.Replay(records) {
		decision := outcome.Decision
		if decision == commitlog.DecisionUnknown {
			// prepare 发起后迟迟没有决议，按超时消解为 abort
			if time.Since(outcome.PreparedAt) < c.opts.PhaseTimeout {
				continue
			}
			decision = commitlog.DecisionAbort
			if _, err := c.store.Append(c.ctx, &commitlog.Record{TXID: txID, Type: commitlog.RecordDecision, Decision: decision}); err != nil {
				return err
			}
		} else if _, ok := c.pendingOf(txID); !ok {
			continue
		}

		participants, err := c.participantsOf(txID, outcome.PreparedPayload)
		if err != nil {
			log.Errorf("redrive txid: %s, err: %v", txID, err)
			continue
		}
		if err := c.broadcast(c.ctx, txID, decision, participants); err != nil && firstErr == nil {
			firstErr = err
		} else if err == nil {
			c.mux.Lock()
			delete(c.pending, txID)
			delete(c.members, txID)
			c.mux.Unlock()
		}
	}
	return firstErr
}

func (c *Coordinator) pendingOf(txID string) (commitlog.Decision, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	decision, ok := c.pending[txID]
	return decision, ok
}
