package recovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/recoflow/recoflow-go/recovery/emit"
)

// Failure describes one node failure reported by the execution engine.
type Failure struct {
	// ExecutionID is the failed workflow execution.
	ExecutionID string

	// WorkflowID identifies the workflow definition, used for
	// workflow-scoped strategy matching.
	WorkflowID string

	// NodeID, NodeName, and NodeType identify the failed node.
	NodeID   string
	NodeName string
	NodeType string

	// Error is the failure message the strategies are matched against.
	Error string

	// TriggeredBy records who or what reported the failure.
	TriggeredBy string
}

// Orchestrator diagnoses failed executions against the strategy registry,
// executes the selected recovery action, and records a RecoveryLog for each
// attempt.
//
// Recovery is serialized per execution: the at-most-one-open-log invariant is
// enforced by the store's conditional insert, so a second concurrent failure
// report for the same execution joins the existing attempt instead of
// blocking or duplicating work.
//
// The orchestrator never re-raises the original node error. Every outcome is
// converted into a terminal RecoveryLog status plus an optional new execution
// id; failures inside the recovery machinery itself are captured on the same
// log as recovery_error and also terminate in failed.
type Orchestrator struct {
	store    Store
	registry *StrategyRegistry
	config   ConfigSource
	engine   ExecutionEngine
	emitter  emit.Emitter
	metrics  *PrometheusMetrics
}

// NewOrchestrator creates an Orchestrator. The registry is injected rather
// than discovered globally, so per-tenant or per-test isolation needs nothing
// more than a second instance. The emitter and metrics are optional; pass nil
// to disable observability.
func NewOrchestrator(st Store, registry *StrategyRegistry, cfg ConfigSource, engine ExecutionEngine, emitter emit.Emitter, metrics *PrometheusMetrics) *Orchestrator {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Orchestrator{
		store:    st,
		registry: registry,
		config:   cfg,
		engine:   engine,
		emitter:  emitter,
		metrics:  metrics,
	}
}

// HandleFailure drives one recovery attempt for a reported node failure.
//
// The flow:
//  1. If an open recovery log already exists for the execution, it is
//     returned as-is; no duplicate attempt starts.
//  2. A new log is created with attempt_number = prior attempts for this
//     execution+node lineage + 1.
//  3. Past the configured attempt budget the log fails immediately with
//     attempts_exhausted and escalates to manual; no strategy is evaluated.
//  4. Otherwise the registry picks a strategy; no match fails the log with
//     no_strategy_matched and flags manual intervention. A match whose own
//     max_retry_attempts is already spent fails the log with
//     strategy_attempts_exhausted and escalates the same way.
//  5. The matched strategy's action runs after the effective backoff delay
//     (base * backoff_multiplier^(attempt-1), where base is the strategy's
//     retry_delay, or the configured recovery delay when the strategy does
//     not set one), and the log is finalized with the outcome.
//
// The returned log is terminal unless it was joined from a concurrent caller.
// HandleFailure itself only returns an error for infrastructure faults
// (store unreachable); recovery outcomes are expressed on the log.
func (o *Orchestrator) HandleFailure(ctx context.Context, failure Failure) (*RecoveryLog, error) {
	if failure.ExecutionID == "" {
		return nil, fmt.Errorf("execution id is required")
	}

	// A concurrent recovery for this execution wins; join it.
	if open, err := o.store.OpenRecoveryLog(ctx, failure.ExecutionID); err == nil {
		return open, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	cfg, err := o.config.Active(ctx)
	if err != nil {
		return nil, err
	}

	attempts, err := o.store.CountRecoveryAttempts(ctx, failure.ExecutionID, failure.NodeID)
	if err != nil {
		return nil, err
	}

	lg := &RecoveryLog{
		ID:             uuid.NewString(),
		ExecutionID:    failure.ExecutionID,
		AttemptNumber:  attempts + 1,
		ErrorText:      failure.Error,
		FailedNodeID:   failure.NodeID,
		FailedNodeName: failure.NodeName,
		Status:         RecoveryPending,
		TriggeredBy:    failure.TriggeredBy,
		StartedAt:      time.Now().UTC(),
	}
	if err := o.store.InsertRecoveryLog(ctx, lg); err != nil {
		if errors.Is(err, ErrRecoveryInProgress) {
			// Lost the race to a concurrent report; join the winner.
			return o.store.OpenRecoveryLog(ctx, failure.ExecutionID)
		}
		return nil, err
	}

	o.emitter.Emit(emit.Event{
		ExecutionID: lg.ExecutionID,
		NodeID:      lg.FailedNodeID,
		Msg:         "recovery_started",
		Meta: map[string]any{
			"attempt": lg.AttemptNumber,
			"error":   lg.ErrorText,
		},
	})

	if !cfg.AutoRecovery {
		return o.finalize(ctx, lg, RecoveryFailed, ReasonAutoRecoveryDisabled, true)
	}

	if lg.AttemptNumber > cfg.MaxRecoveryAttempts {
		return o.finalize(ctx, lg, RecoveryFailed, ReasonAttemptsExhausted, true)
	}

	strategy, err := o.registry.Match(ctx, failure.WorkflowID, failure.NodeType, failure.Error)
	if err != nil {
		if errors.Is(err, ErrNoStrategyMatched) {
			return o.finalize(ctx, lg, RecoveryFailed, ReasonNoStrategyMatched, true)
		}
		lg.RecoveryError = err.Error()
		return o.finalize(ctx, lg, RecoveryFailed, "", true)
	}

	lg.RecoveryType = strategy.Type
	lg.StrategyID = strategy.ID
	lg.StrategyName = strategy.Name

	// The strategy's own attempt cap applies on top of the global budget.
	if strategy.MaxRetryAttempts > 0 && lg.AttemptNumber > strategy.MaxRetryAttempts {
		return o.finalize(ctx, lg, RecoveryFailed, ReasonStrategyAttemptsExhausted, true)
	}

	base := strategy.RetryDelay
	if base == 0 {
		base = cfg.RecoveryDelay
	}
	lg.EffectiveDelay = backoffDelay(base, strategy.BackoffMultiplier, lg.AttemptNumber)
	lg.Status = RecoveryInProgress
	if err := o.store.UpdateRecoveryLog(ctx, lg); err != nil {
		return nil, err
	}

	if actionErr := o.runAction(ctx, lg, strategy, failure); actionErr != nil {
		if lg.RecoveryError == "" {
			lg.RecoveryError = actionErr.Error()
		}
		if lg.Status == RecoveryInProgress {
			lg.Status = RecoveryFailed
		}
	}

	// Terminal bookkeeping: persist the log and roll the strategy counters.
	result, err := o.finalize(ctx, lg, lg.Status, lg.FailureReason, lg.NeedsManual)
	if err != nil {
		return nil, err
	}
	if err := o.store.RecordStrategyOutcome(ctx, strategy.ID, lg.WasSuccessful); err != nil {
		return nil, err
	}
	return result, nil
}

// CancelRecovery cancels the execution's open recovery attempt, if any.
func (o *Orchestrator) CancelRecovery(ctx context.Context, executionID string) (*RecoveryLog, error) {
	lg, err := o.store.OpenRecoveryLog(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return o.finalize(ctx, lg, RecoveryCancelled, "", false)
}

// History returns an execution's recovery attempts, oldest first.
func (o *Orchestrator) History(ctx context.Context, executionID string) ([]*RecoveryLog, error) {
	return o.store.ListRecoveryLogs(ctx, executionID)
}

// runAction dispatches on the strategy's type. The switch is exhaustive over
// the closed StrategyType enum; a panic inside any handler is captured as a
// recovery error so the log always terminates cleanly.
func (o *Orchestrator) runAction(ctx context.Context, lg *RecoveryLog, strategy *RecoveryStrategy, failure Failure) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery action panicked: %v", r)
		}
	}()

	switch strategy.Type {
	case StrategyRetry:
		return o.executeRetry(ctx, lg, failure)
	case StrategyRollback:
		return o.executeRollback(ctx, lg, strategy, failure)
	case StrategySkip:
		return o.executeSkip(ctx, lg, failure)
	case StrategyManual:
		return o.executeManual(lg)
	default:
		return fmt.Errorf("%w: unknown strategy type %q", ErrInvalidStrategy, strategy.Type)
	}
}

// executeRetry resumes a fresh execution from the latest recoverable
// checkpoint after the computed backoff delay.
func (o *Orchestrator) executeRetry(ctx context.Context, lg *RecoveryLog, failure Failure) error {
	cp, err := o.store.LatestCheckpoint(ctx, failure.ExecutionID, true)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			lg.Status = RecoveryFailed
			lg.FailureReason = ReasonNoRecoverableCheckpoint
			lg.NeedsManual = true
			return nil
		}
		return err
	}
	return o.resumeFrom(ctx, lg, cp, nil, "retry")
}

// executeRollback resumes from a checkpoint steps_back positions before the
// latest recoverable one. When the target position does not exist, the
// oldest available recoverable checkpoint is used instead.
func (o *Orchestrator) executeRollback(ctx context.Context, lg *RecoveryLog, strategy *RecoveryStrategy, failure Failure) error {
	cps, err := o.store.ListCheckpoints(ctx, failure.ExecutionID)
	if err != nil {
		return err
	}
	recoverable := cps[:0:0]
	for _, cp := range cps {
		if cp.Recoverable {
			recoverable = append(recoverable, cp)
		}
	}
	if len(recoverable) == 0 {
		lg.Status = RecoveryFailed
		lg.FailureReason = ReasonNoRecoverableCheckpoint
		lg.NeedsManual = true
		return nil
	}

	target := len(recoverable) - 1 - stepsBack(strategy)
	if target < 0 {
		target = 0
	}
	return o.resumeFrom(ctx, lg, recoverable[target], nil, "rollback")
}

// executeSkip marks the failing node as skipped in the resumed state and
// continues past it. The engine may reject the skip when the node's output is
// a hard dependency for downstream nodes.
func (o *Orchestrator) executeSkip(ctx context.Context, lg *RecoveryLog, failure Failure) error {
	var cp *Checkpoint
	if latest, err := o.store.LatestCheckpoint(ctx, failure.ExecutionID, true); err == nil {
		cp = latest
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	return o.resumeFrom(ctx, lg, cp, []string{failure.NodeID}, "skip")
}

// executeManual escalates to a human operator: the log completes without
// success and no further automatic action occurs.
func (o *Orchestrator) executeManual(lg *RecoveryLog) error {
	lg.Status = RecoveryCompleted
	lg.WasSuccessful = false
	lg.NeedsManual = true
	lg.ActionsTaken = append(lg.ActionsTaken, "manual_escalation")
	if o.metrics != nil {
		o.metrics.IncManualEscalations()
	}
	o.emitter.Emit(emit.Event{
		ExecutionID: lg.ExecutionID,
		NodeID:      lg.FailedNodeID,
		Msg:         "manual_intervention_required",
		Meta:        map[string]any{"recovery_log": lg.ID, "error": lg.ErrorText},
	})
	return nil
}

// resumeFrom waits out the effective delay and hands the checkpoint state to
// the execution engine. A nil checkpoint resumes with empty state (a skip of
// a node that failed before any checkpoint existed).
func (o *Orchestrator) resumeFrom(ctx context.Context, lg *RecoveryLog, cp *Checkpoint, skipNodes []string, reason string) error {
	req := ResumeRequest{
		SourceExecutionID: lg.ExecutionID,
		SkipNodes:         skipNodes,
		Reason:            reason,
	}
	if cp != nil {
		lg.CheckpointSequence = cp.SequenceNumber
		req.CheckpointSequence = cp.SequenceNumber
		req.ExecutionState = cp.ExecutionState
		req.ContextData = cp.ContextData
		req.NodeOutputs = cp.NodeOutputs
	}

	if reason != "skip" {
		if err := wait(ctx, lg.EffectiveDelay); err != nil {
			return err
		}
	}

	newID, err := o.engine.Resume(ctx, req)
	if err != nil {
		return fmt.Errorf("%s rejected by engine: %w", reason, err)
	}

	lg.NewExecutionID = newID
	lg.Status = RecoveryCompleted
	lg.WasSuccessful = true
	lg.ActionsTaken = append(lg.ActionsTaken, reason+"_from_checkpoint")
	return nil
}

// finalize moves a log to a terminal state, persists it, and emits the
// outcome. It is the single exit path for every recovery branch.
func (o *Orchestrator) finalize(ctx context.Context, lg *RecoveryLog, status RecoveryStatus, reason string, needsManual bool) (*RecoveryLog, error) {
	now := time.Now().UTC()
	lg.Status = status
	if reason != "" {
		lg.FailureReason = reason
	}
	if needsManual {
		lg.NeedsManual = true
	}
	lg.CompletedAt = &now
	if err := o.store.UpdateRecoveryLog(ctx, lg); err != nil {
		return nil, err
	}

	if o.metrics != nil {
		o.metrics.RecordRecovery(string(lg.RecoveryType), string(lg.Status), lg.WasSuccessful)
	}
	o.emitter.Emit(emit.Event{
		ExecutionID: lg.ExecutionID,
		NodeID:      lg.FailedNodeID,
		Msg:         "recovery_" + string(lg.Status),
		Meta: map[string]any{
			"recovery_log":   lg.ID,
			"attempt":        lg.AttemptNumber,
			"was_successful": lg.WasSuccessful,
			"failure_reason": lg.FailureReason,
			"needs_manual":   lg.NeedsManual,
		},
	})
	return lg, nil
}

// stepsBack reads the rollback distance from the strategy's action
// parameters. Defaults to 1 when absent or malformed.
func stepsBack(strategy *RecoveryStrategy) int {
	for _, action := range strategy.Actions {
		raw, ok := action.Parameters["steps_back"]
		if !ok {
			continue
		}
		switch v := raw.(type) {
		case int:
			if v > 0 {
				return v
			}
		case int64:
			if v > 0 {
				return int(v)
			}
		case float64:
			if v > 0 {
				return int(v)
			}
		}
	}
	return 1
}

// wait blocks for the given delay, honoring context cancellation. Zero and
// negative delays return immediately.
func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
