// Package workflow orchestrates the response to emitted game events: fan out
// promotion validations, hand approvals to the integration bridge, and
// compensate with an evidenced rollback when the bridge fails partway.
// Events process one at a time from a priority queue; everything inside one
// event is idempotent, so the at-least-once delivery from the monitor and
// the bounded retry loop here are both safe.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/promoguard/core/pkg/bridge"
	"github.com/promoguard/core/pkg/contracts"
	"github.com/promoguard/core/pkg/evidence"
	"github.com/promoguard/core/pkg/observability"
	"github.com/promoguard/core/pkg/validation"
)

// Config tunes the orchestrator.
type Config struct {
	QueueCapacity    int
	MaxConcurrent    int
	ExecutionTimeout time.Duration
	Retry            RetryPolicy
	// DealTTL is how long a triggered deal stays redeemable.
	DealTTL time.Duration
	// Obs traces executions when set.
	Obs *observability.Provider
	// SLO records execution latency and success when set.
	SLO *observability.SLOTracker
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:    256,
		MaxConcurrent:    10,
		ExecutionTimeout: 60 * time.Second,
		Retry:            DefaultRetryPolicy(),
		DealTTL:          24 * time.Hour,
	}
}

// Metrics is a counter snapshot for the console.
type Metrics struct {
	EventsProcessed int64 `json:"events_processed"`
	EventsParked    int64 `json:"events_parked"`
	Executions      int64 `json:"executions"`
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
	Rollbacks       int64 `json:"rollbacks"`
	QueueDepth      int   `json:"queue_depth"`
}

// Orchestrator drives workflow executions off the event queue.
type Orchestrator struct {
	validator *validation.Service
	bridge    bridge.Bridge
	store     evidence.Store
	queue     *eventQueue
	cfg       Config
	logger    *slog.Logger
	clock     func() time.Time
	sleep     func(ctx context.Context, d time.Duration)

	mu         sync.Mutex
	executions map[string]*contracts.WorkflowExecution
	parked     []contracts.GameEvent
	metrics    Metrics

	stopped chan struct{}
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(validator *validation.Service, br bridge.Bridge, store evidence.Store, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.ExecutionTimeout <= 0 {
		cfg.ExecutionTimeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts < 0 {
		cfg.Retry.MaxAttempts = 0
	}
	if cfg.DealTTL <= 0 {
		cfg.DealTTL = 24 * time.Hour
	}
	return &Orchestrator{
		validator:  validator,
		bridge:     br,
		store:      store,
		queue:      newEventQueue(cfg.QueueCapacity),
		cfg:        cfg,
		logger:     logger.With("component", "workflow"),
		clock:      time.Now,
		sleep:      sleepCtx,
		executions: make(map[string]*contracts.WorkflowExecution),
		stopped:    make(chan struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// HandleEvent is the monitor listener entry point: triggering events are
// queued, the rest ignored.
func (o *Orchestrator) HandleEvent(ev contracts.GameEvent) {
	if !ev.Triggered {
		return
	}
	if err := o.Submit(ev); err != nil {
		o.logger.Error("event dropped", "event_id", ev.EventID, "error", err)
	}
}

// Submit queues an event for processing.
func (o *Orchestrator) Submit(ev contracts.GameEvent) error {
	return o.queue.Enqueue(ev)
}

// Run drains the queue until ctx is cancelled. Events process one at a time;
// the fan-out inside each event is where the concurrency lives.
func (o *Orchestrator) Run(ctx context.Context) {
	defer close(o.stopped)
	for {
		ev, ok := o.queue.Dequeue(ctx)
		if !ok {
			return
		}
		o.process(ctx, ev)
	}
}

// Done is closed once Run has exited.
func (o *Orchestrator) Done() <-chan struct{} { return o.stopped }

// Close stops accepting new events.
func (o *Orchestrator) Close() { o.queue.Close() }

// process runs one event through the retry loop.
func (o *Orchestrator) process(ctx context.Context, ev contracts.GameEvent) {
	ev.ProcessingStatus = contracts.EventInProgress
	for attempt := 0; ; attempt++ {
		exec, err := o.executeTracked(ctx, ev, attempt)
		if err == nil {
			o.mu.Lock()
			o.metrics.EventsProcessed++
			o.mu.Unlock()
			o.logger.Info("event processed",
				"event_id", ev.EventID, "execution_id", exec.ExecutionID,
				"approved", len(exec.ApprovedPromotions), "rejected", len(exec.RejectedPromotions))
			return
		}
		if ctx.Err() != nil {
			return
		}

		ev.RetryCount = attempt + 1
		if attempt >= o.cfg.Retry.MaxAttempts {
			o.park(ev, err)
			return
		}
		delay := o.cfg.Retry.Backoff(ev.EventID, attempt)
		o.logger.Warn("execution failed, retrying",
			"event_id", ev.EventID, "attempt", attempt+1, "delay", delay, "error", err)
		o.sleep(ctx, delay)
	}
}

func (o *Orchestrator) park(ev contracts.GameEvent, err error) {
	ev.ProcessingStatus = contracts.EventParked
	o.mu.Lock()
	o.parked = append(o.parked, ev)
	o.metrics.EventsParked++
	o.mu.Unlock()
	o.logger.Error("retries exhausted, event parked for manual review",
		"event_id", ev.EventID, "game_id", ev.GameID, "error", err)
}

// executeTracked wraps one execution attempt in tracing and SLO recording
// when observability is wired.
func (o *Orchestrator) executeTracked(ctx context.Context, ev contracts.GameEvent, attempt int) (*contracts.WorkflowExecution, error) {
	start := o.clock()
	var done func(error)
	if o.cfg.Obs != nil {
		ctx, done = o.cfg.Obs.TrackOperation(ctx, "workflow.execute",
			observability.WorkflowExecution(ev.EventID, string(contracts.WorkflowInProgress), attempt)...)
	}

	exec, err := o.execute(ctx, ev)

	if done != nil {
		done(err)
	}
	if o.cfg.SLO != nil {
		o.cfg.SLO.Record(observability.SLOObservation{
			Operation: observability.OpExecute,
			Latency:   o.clock().Sub(start),
			Success:   err == nil,
		})
	}
	return exec, err
}

// appliedFlip tracks a bridge write that may need compensation.
type appliedFlip struct {
	promotionID  string
	priorStatus  contracts.PromotionStatus
	evidenceHash string
}

// execute runs one workflow execution end to end.
func (o *Orchestrator) execute(ctx context.Context, ev contracts.GameEvent) (*contracts.WorkflowExecution, error) {
	execCtx, cancel := context.WithTimeout(ctx, o.cfg.ExecutionTimeout)
	defer cancel()

	exec := &contracts.WorkflowExecution{
		ExecutionID: uuid.NewString(),
		EventID:     ev.EventID,
		GameID:      ev.GameID,
		Status:      contracts.WorkflowInProgress,
		StartedAt:   o.clock().UTC(),
	}
	o.mu.Lock()
	o.executions[exec.ExecutionID] = exec
	o.metrics.Executions++
	o.mu.Unlock()

	promos, err := o.validator.PromotionsForGame(execCtx, ev.CurrentState)
	if err != nil {
		return exec, o.fail(exec, fmt.Errorf("resolve promotions: %w", err))
	}
	for _, p := range promos {
		exec.PromotionsToValidate = append(exec.PromotionsToValidate, p.ID)
	}
	if len(promos) == 0 {
		o.complete(exec)
		return exec, nil
	}

	records, failed := o.validateAll(execCtx, ev.GameID, promos)
	if execCtx.Err() != nil {
		return exec, o.fail(exec, fmt.Errorf("execution timed out: %w", execCtx.Err()))
	}

	var approved []contracts.Promotion
	for _, p := range promos {
		record, ok := records[p.ID]
		if !ok {
			exec.FailedPromotions = append(exec.FailedPromotions, p.ID)
			continue
		}
		exec.EvidenceChain = exec.EvidenceChain.Append(record.EvidenceChain...)
		switch {
		case record.IsValid:
			exec.ApprovedPromotions = append(exec.ApprovedPromotions, p.ID)
			approved = append(approved, p)
		case record.RequiresManualReview:
			exec.ReviewPromotions = append(exec.ReviewPromotions, p.ID)
		default:
			exec.RejectedPromotions = append(exec.RejectedPromotions, p.ID)
		}
	}
	if len(failed) > 0 {
		return exec, o.fail(exec, fmt.Errorf("%d promotion validations failed", len(failed)))
	}

	if err := o.applyApprovals(execCtx, exec, ev, approved, records); err != nil {
		return exec, err
	}

	o.complete(exec)
	return exec, nil
}

// validateAll fans the promotion validations out under the concurrency cap.
func (o *Orchestrator) validateAll(ctx context.Context, gameID string, promos []contracts.Promotion) (map[string]*contracts.ValidationRecord, []string) {
	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		records = make(map[string]*contracts.ValidationRecord, len(promos))
		failed  []string
	)
	sem := make(chan struct{}, o.cfg.MaxConcurrent)

	for _, p := range promos {
		wg.Add(1)
		go func(p contracts.Promotion) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				failed = append(failed, p.ID)
				mu.Unlock()
				return
			}

			record, err := o.validator.ValidateTrigger(ctx, validation.TriggerRequest{
				PromotionID: p.ID,
				GameID:      gameID,
				TeamID:      p.TeamID,
				Condition:   p.Trigger,
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.logger.Warn("promotion validation failed",
					"promotion_id", p.ID, "game_id", gameID, "error", err)
				failed = append(failed, p.ID)
				return
			}
			records[p.ID] = record
		}(p)
	}
	wg.Wait()
	return records, failed
}

// applyApprovals hands the approved set to the bridge. Any failure after the
// first persisted flip triggers a compensating rollback.
func (o *Orchestrator) applyApprovals(ctx context.Context, exec *contracts.WorkflowExecution, ev contracts.GameEvent, approved []contracts.Promotion, records map[string]*contracts.ValidationRecord) error {
	var applied []appliedFlip
	for _, p := range approved {
		record := records[p.ID]
		decisionHash := ""
		if n := len(record.EvidenceChain); n > 0 {
			decisionHash = record.EvidenceChain[n-1]
		}
		if err := o.bridge.UpdatePromotionStatus(ctx, p.ID, contracts.PromotionTriggered, decisionHash); err != nil {
			o.rollback(exec, applied)
			return o.fail(exec, fmt.Errorf("flip promotion %s: %w", p.ID, err))
		}
		applied = append(applied, appliedFlip{
			promotionID:  p.ID,
			priorStatus:  p.Status,
			evidenceHash: decisionHash,
		})

		deal := contracts.TriggeredDeal{
			PromotionID: p.ID,
			GameID:      ev.GameID,
			ExpiresAt:   o.clock().UTC().Add(o.cfg.DealTTL),
		}
		if err := o.bridge.CreateTriggeredDeal(ctx, deal); err != nil {
			o.rollback(exec, applied)
			return o.fail(exec, fmt.Errorf("create deal for promotion %s: %w", p.ID, err))
		}

		o.notify(ctx, p, deal)
	}
	return nil
}

// notify logs the approved deal against the team's subscriber base. Actual
// delivery is owned by the promotion platform; the core records who would
// be notified and why.
func (o *Orchestrator) notify(ctx context.Context, p contracts.Promotion, deal contracts.TriggeredDeal) {
	users, err := o.bridge.GetUsersByTeamPreference(ctx, p.TeamID)
	if err != nil {
		o.logger.Warn("user lookup failed, notifications skipped",
			"promotion_id", p.ID, "team_id", p.TeamID, "error", err)
		return
	}
	o.logger.Info("deal triggered",
		"promotion_id", p.ID, "game_id", deal.GameID,
		"team_id", p.TeamID, "recipients", len(users), "expires_at", deal.ExpiresAt)
}

// rollback compensates the already-persisted flips, newest first, and stores
// the rollback record as evidence on the execution.
func (o *Orchestrator) rollback(exec *contracts.WorkflowExecution, applied []appliedFlip) {
	if len(applied) == 0 {
		return
	}

	// Compensation must proceed even when the execution context has timed
	// out, so it runs under its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	steps := make([]contracts.RollbackStep, 0, len(applied))
	for i := len(applied) - 1; i >= 0; i-- {
		flip := applied[i]
		step := contracts.RollbackStep{
			Order:       len(steps) + 1,
			Action:      "revert_promotion_status",
			Target:      flip.promotionID,
			PriorStatus: string(flip.priorStatus),
		}
		if err := o.bridge.UpdatePromotionStatus(ctx, flip.promotionID, flip.priorStatus, flip.evidenceHash); err != nil {
			step.Error = err.Error()
			o.logger.Error("rollback step failed",
				"execution_id", exec.ExecutionID, "promotion_id", flip.promotionID, "error", err)
		} else {
			step.Succeeded = true
		}
		steps = append(steps, step)
	}

	record := contracts.NewRollbackRecord(exec.ExecutionID, steps, o.clock().UTC())
	if ev, err := o.store.Put(ctx, record); err != nil {
		o.logger.Error("rollback evidence write failed",
			"execution_id", exec.ExecutionID, "error", err)
	} else {
		record.EvidenceHash = ev.Hash
		exec.EvidenceChain = exec.EvidenceChain.Append(ev.Hash)
	}
	exec.Rollback = record

	o.mu.Lock()
	o.metrics.Rollbacks++
	o.mu.Unlock()
	if o.cfg.SLO != nil {
		o.cfg.SLO.Record(observability.SLOObservation{
			Operation: observability.OpRollback,
			Success:   record.Complete(),
		})
	}
	o.logger.Warn("compensating rollback executed",
		"execution_id", exec.ExecutionID, "steps", len(steps), "complete", record.Complete())
}

func (o *Orchestrator) complete(exec *contracts.WorkflowExecution) {
	now := o.clock().UTC()
	o.mu.Lock()
	exec.Status = contracts.WorkflowCompleted
	exec.CompletedAt = now
	exec.ProcessingTime = now.Sub(exec.StartedAt)
	o.metrics.Completed++
	o.mu.Unlock()
}

func (o *Orchestrator) fail(exec *contracts.WorkflowExecution, err error) error {
	now := o.clock().UTC()
	o.mu.Lock()
	exec.Status = contracts.WorkflowFailed
	exec.CompletedAt = now
	exec.ProcessingTime = now.Sub(exec.StartedAt)
	exec.Error = err.Error()
	o.metrics.Failed++
	o.mu.Unlock()
	return err
}

// Execution returns one execution by ID.
func (o *Orchestrator) Execution(id string) (*contracts.WorkflowExecution, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.executions[id]
	return e, ok
}

// FailedExecutions lists failed executions for the review queue.
func (o *Orchestrator) FailedExecutions() []*contracts.WorkflowExecution {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*contracts.WorkflowExecution
	for _, e := range o.executions {
		if e.Status == contracts.WorkflowFailed {
			out = append(out, e)
		}
	}
	return out
}

// Parked lists events whose retries were exhausted.
func (o *Orchestrator) Parked() []contracts.GameEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]contracts.GameEvent(nil), o.parked...)
}

// Metrics returns a counter snapshot.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.metrics
	m.QueueDepth = o.queue.Len()
	return m
}
