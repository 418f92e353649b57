package recovery_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/recoflow/recoflow-go/recovery"
	"github.com/recoflow/recoflow-go/recovery/emit"
	"github.com/recoflow/recoflow-go/recovery/store"
)

// captureEngine is an ExecutionEngine stub that records resume requests and
// hands out fresh execution ids.
type captureEngine struct {
	mu       sync.Mutex
	requests []recovery.ResumeRequest
	err      error
	block    chan struct{} // when set, Resume blocks until closed
	next     int
}

func (e *captureEngine) Resume(ctx context.Context, req recovery.ResumeRequest) (string, error) {
	e.mu.Lock()
	e.requests = append(e.requests, req)
	e.next++
	id := fmt.Sprintf("resumed-%d", e.next)
	block := e.block
	err := e.err
	e.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

func (e *captureEngine) lastRequest(t *testing.T) recovery.ResumeRequest {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.requests) == 0 {
		t.Fatal("engine was never resumed")
	}
	return e.requests[len(e.requests)-1]
}

func (e *captureEngine) resumeCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.requests)
}

// waitFor polls a condition until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

type orchestratorEnv struct {
	store    *store.MemStore
	registry *recovery.StrategyRegistry
	config   *recovery.RecoveryConfiguration
	engine   *captureEngine
	emitter  *emit.BufferedEmitter
	orch     *recovery.Orchestrator
}

func newOrchestratorEnv(t *testing.T) *orchestratorEnv {
	t.Helper()
	env := &orchestratorEnv{
		store:   store.NewMemStore(),
		config:  fastConfig(),
		engine:  &captureEngine{},
		emitter: emit.NewBufferedEmitter(),
	}
	env.registry = recovery.NewStrategyRegistry(env.store)
	env.orch = recovery.NewOrchestrator(env.store, env.registry, configSource(env.config), env.engine, env.emitter, nil)
	return env
}

func (env *orchestratorEnv) addCheckpoint(t *testing.T, executionID, nodeID string, recoverable bool) *recovery.Checkpoint {
	t.Helper()
	cp := &recovery.Checkpoint{
		ExecutionID:    executionID,
		Type:           recovery.CheckpointNodeComplete,
		NodeID:         nodeID,
		ExecutionState: json.RawMessage(fmt.Sprintf(`{"node":%q}`, nodeID)),
		Recoverable:    recoverable,
	}
	if err := env.store.InsertCheckpoint(context.Background(), cp); err != nil {
		t.Fatalf("InsertCheckpoint failed: %v", err)
	}
	return cp
}

func (env *orchestratorEnv) addStrategy(t *testing.T, s *recovery.RecoveryStrategy) {
	t.Helper()
	s.Active = true
	if err := env.registry.Save(context.Background(), s); err != nil {
		t.Fatalf("Save strategy failed: %v", err)
	}
}

func TestHandleFailureRetry(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.addCheckpoint(t, "exec-1", "fetch", true)
	latest := env.addCheckpoint(t, "exec-1", "render", true)
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "retry", Name: "retry", Type: recovery.StrategyRetry, Priority: 1,
	})

	lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-1",
		NodeID:      "send",
		Error:       "smtp timeout",
	})
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}

	if lg.Status != recovery.RecoveryCompleted || !lg.WasSuccessful {
		t.Errorf("log = %s (successful=%v), want completed/true", lg.Status, lg.WasSuccessful)
	}
	if lg.NewExecutionID == "" {
		t.Error("no new execution id recorded")
	}
	if lg.CheckpointSequence != latest.SequenceNumber {
		t.Errorf("resumed from seq %d, want %d", lg.CheckpointSequence, latest.SequenceNumber)
	}
	if lg.AttemptNumber != 1 {
		t.Errorf("attempt = %d, want 1", lg.AttemptNumber)
	}
	if lg.CompletedAt == nil {
		t.Error("log not completed")
	}

	req := env.engine.lastRequest(t)
	if req.Reason != "retry" || req.SourceExecutionID != "exec-1" {
		t.Errorf("unexpected resume request: %+v", req)
	}
	if string(req.ExecutionState) != `{"node":"render"}` {
		t.Errorf("resume state = %s", req.ExecutionState)
	}

	// Strategy counters roll forward.
	s, err := env.store.GetStrategy(ctx, "retry")
	if err != nil {
		t.Fatalf("GetStrategy failed: %v", err)
	}
	if s.UsageCount != 1 || s.SuccessCount != 1 {
		t.Errorf("counters = %d/%d, want 1/1", s.UsageCount, s.SuccessCount)
	}
}

func TestHandleFailureRetryNoCheckpoint(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "retry", Name: "retry", Type: recovery.StrategyRetry, Priority: 1,
	})

	lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
		ExecutionID: "exec-1", NodeID: "send", Error: "boom",
	})
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if lg.Status != recovery.RecoveryFailed {
		t.Errorf("status = %s, want failed", lg.Status)
	}
	if lg.FailureReason != recovery.ReasonNoRecoverableCheckpoint {
		t.Errorf("reason = %s, want %s", lg.FailureReason, recovery.ReasonNoRecoverableCheckpoint)
	}
	if !lg.NeedsManual {
		t.Error("expected manual escalation")
	}
	if env.engine.resumeCount() != 0 {
		t.Error("engine resumed despite missing checkpoint")
	}
}

func TestHandleFailureRollback(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.addCheckpoint(t, "exec-1", "step-1", true)
	env.addCheckpoint(t, "exec-1", "step-2", true)
	env.addCheckpoint(t, "exec-1", "step-3", true)

	t.Run("steps back from latest", func(t *testing.T) {
		env.addStrategy(t, &recovery.RecoveryStrategy{
			ID: "rb", Name: "rollback", Type: recovery.StrategyRollback, Priority: 1,
			Actions: []recovery.RecoveryAction{
				{Name: "rollback", Parameters: map[string]any{"steps_back": 1}},
			},
		})

		lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
			ExecutionID: "exec-1", NodeID: "step-4", Error: "boom",
		})
		if err != nil {
			t.Fatalf("HandleFailure failed: %v", err)
		}
		if lg.CheckpointSequence != 2 {
			t.Errorf("resumed from seq %d, want 2", lg.CheckpointSequence)
		}
		if env.engine.lastRequest(t).Reason != "rollback" {
			t.Errorf("reason = %s, want rollback", env.engine.lastRequest(t).Reason)
		}
	})

	t.Run("clamps to oldest", func(t *testing.T) {
		env.addStrategy(t, &recovery.RecoveryStrategy{
			ID: "rb", Name: "rollback", Type: recovery.StrategyRollback, Priority: 1,
			Actions: []recovery.RecoveryAction{
				{Name: "rollback", Parameters: map[string]any{"steps_back": 10}},
			},
		})

		lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
			ExecutionID: "exec-1", NodeID: "step-4", Error: "boom again",
		})
		if err != nil {
			t.Fatalf("HandleFailure failed: %v", err)
		}
		if lg.CheckpointSequence != 1 {
			t.Errorf("resumed from seq %d, want 1 (oldest)", lg.CheckpointSequence)
		}
	})
}

func TestHandleFailureSkip(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.addCheckpoint(t, "exec-1", "fetch", true)
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "skip", Name: "skip optional", Type: recovery.StrategySkip, Priority: 1,
	})

	lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
		ExecutionID: "exec-1", NodeID: "enrich", Error: "optional enrichment failed",
	})
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if lg.Status != recovery.RecoveryCompleted || !lg.WasSuccessful {
		t.Errorf("log = %s (successful=%v), want completed/true", lg.Status, lg.WasSuccessful)
	}

	req := env.engine.lastRequest(t)
	if req.Reason != "skip" {
		t.Errorf("reason = %s, want skip", req.Reason)
	}
	if len(req.SkipNodes) != 1 || req.SkipNodes[0] != "enrich" {
		t.Errorf("skip nodes = %v, want [enrich]", req.SkipNodes)
	}
}

func TestHandleFailureSkipWithoutCheckpoint(t *testing.T) {
	// A node that fails before any checkpoint exists can still be skipped;
	// the resume starts from empty state.
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "skip", Name: "skip", Type: recovery.StrategySkip, Priority: 1,
	})

	lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
		ExecutionID: "exec-1", NodeID: "first", Error: "boom",
	})
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if lg.Status != recovery.RecoveryCompleted {
		t.Errorf("status = %s, want completed", lg.Status)
	}
	req := env.engine.lastRequest(t)
	if req.CheckpointSequence != 0 || req.ExecutionState != nil {
		t.Errorf("expected empty resume state, got %+v", req)
	}
}

func TestHandleFailureManualEscalation(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "manual", Name: "escalate", Type: recovery.StrategyManual, Priority: 1,
	})

	lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
		ExecutionID: "exec-1", NodeID: "approve", Error: "validation failed",
	})
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if lg.Status != recovery.RecoveryCompleted || lg.WasSuccessful {
		t.Errorf("log = %s (successful=%v), want completed/false", lg.Status, lg.WasSuccessful)
	}
	if !lg.NeedsManual {
		t.Error("expected manual flag")
	}
	if len(lg.ActionsTaken) != 1 || lg.ActionsTaken[0] != "manual_escalation" {
		t.Errorf("actions = %v, want [manual_escalation]", lg.ActionsTaken)
	}
	if env.engine.resumeCount() != 0 {
		t.Error("manual escalation must not resume the engine")
	}

	events := env.emitter.GetHistoryWithFilter("exec-1", emit.HistoryFilter{Msg: "manual_intervention_required"})
	if len(events) != 1 {
		t.Errorf("manual_intervention_required events = %d, want 1", len(events))
	}
}

func TestHandleFailureNoStrategyMatched(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)

	lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
		ExecutionID: "exec-1", NodeID: "send", Error: "boom",
	})
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if lg.Status != recovery.RecoveryFailed || lg.FailureReason != recovery.ReasonNoStrategyMatched {
		t.Errorf("log = %s/%s, want failed/%s", lg.Status, lg.FailureReason, recovery.ReasonNoStrategyMatched)
	}
	if !lg.NeedsManual {
		t.Error("expected manual escalation")
	}
}

func TestHandleFailureAutoRecoveryDisabled(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.config.AutoRecovery = false
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "retry", Name: "retry", Type: recovery.StrategyRetry, Priority: 1,
	})

	lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
		ExecutionID: "exec-1", NodeID: "send", Error: "boom",
	})
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if lg.Status != recovery.RecoveryFailed || lg.FailureReason != recovery.ReasonAutoRecoveryDisabled {
		t.Errorf("log = %s/%s, want failed/%s", lg.Status, lg.FailureReason, recovery.ReasonAutoRecoveryDisabled)
	}
	if env.engine.resumeCount() != 0 {
		t.Error("engine resumed with auto recovery disabled")
	}
}

func TestHandleFailureAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.config.MaxRecoveryAttempts = 2
	env.addCheckpoint(t, "exec-1", "fetch", true)
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "retry", Name: "retry", Type: recovery.StrategyRetry, Priority: 1,
	})

	failure := recovery.Failure{ExecutionID: "exec-1", NodeID: "send", Error: "smtp timeout"}

	for attempt := 1; attempt <= 2; attempt++ {
		lg, err := env.orch.HandleFailure(ctx, failure)
		if err != nil {
			t.Fatalf("HandleFailure attempt %d failed: %v", attempt, err)
		}
		if lg.AttemptNumber != attempt {
			t.Errorf("attempt = %d, want %d", lg.AttemptNumber, attempt)
		}
		if lg.Status != recovery.RecoveryCompleted {
			t.Fatalf("attempt %d status = %s, want completed", attempt, lg.Status)
		}
	}

	// Third failure on the same lineage is past the budget: no strategy is
	// evaluated, the log fails immediately.
	lg, err := env.orch.HandleFailure(ctx, failure)
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if lg.AttemptNumber != 3 {
		t.Errorf("attempt = %d, want 3", lg.AttemptNumber)
	}
	if lg.Status != recovery.RecoveryFailed || lg.FailureReason != recovery.ReasonAttemptsExhausted {
		t.Errorf("log = %s/%s, want failed/%s", lg.Status, lg.FailureReason, recovery.ReasonAttemptsExhausted)
	}
	if lg.StrategyID != "" {
		t.Errorf("strategy %s evaluated past the attempt budget", lg.StrategyID)
	}
	if !lg.NeedsManual {
		t.Error("expected manual escalation")
	}
	if env.engine.resumeCount() != 2 {
		t.Errorf("engine resumed %d times, want 2", env.engine.resumeCount())
	}
}

func TestHandleFailureStrategyAttemptCap(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.addCheckpoint(t, "exec-1", "fetch", true)
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "once", Name: "single shot", Type: recovery.StrategyRetry,
		MaxRetryAttempts: 1, Priority: 1,
	})

	failure := recovery.Failure{ExecutionID: "exec-1", NodeID: "send", Error: "smtp timeout"}

	first, err := env.orch.HandleFailure(ctx, failure)
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if first.Status != recovery.RecoveryCompleted || !first.WasSuccessful {
		t.Fatalf("first attempt = %s (successful=%v), want completed/true", first.Status, first.WasSuccessful)
	}

	// The strategy's own cap is spent even though the global budget is not.
	second, err := env.orch.HandleFailure(ctx, failure)
	if err != nil {
		t.Fatalf("second HandleFailure failed: %v", err)
	}
	if second.Status != recovery.RecoveryFailed || second.FailureReason != recovery.ReasonStrategyAttemptsExhausted {
		t.Errorf("log = %s/%s, want failed/%s", second.Status, second.FailureReason, recovery.ReasonStrategyAttemptsExhausted)
	}
	if second.StrategyID != "once" {
		t.Errorf("strategy = %q, want once recorded on the escalated log", second.StrategyID)
	}
	if !second.NeedsManual {
		t.Error("expected manual escalation")
	}
	if env.engine.resumeCount() != 1 {
		t.Errorf("engine resumed %d times, want 1", env.engine.resumeCount())
	}

	// The strategy was not applied a second time, so its counters are
	// untouched past the first attempt.
	s, err := env.store.GetStrategy(ctx, "once")
	if err != nil {
		t.Fatalf("GetStrategy failed: %v", err)
	}
	if s.UsageCount != 1 || s.SuccessCount != 1 {
		t.Errorf("usage/success = %d/%d, want 1/1", s.UsageCount, s.SuccessCount)
	}
}

func TestHandleFailureDelayFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("config delay substitutes when strategy has none", func(t *testing.T) {
		env := newOrchestratorEnv(t)
		env.config.RecoveryDelay = time.Minute
		env.addStrategy(t, &recovery.RecoveryStrategy{
			ID: "manual", Name: "escalate", Type: recovery.StrategyManual, Priority: 1,
		})

		lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
			ExecutionID: "exec-1", NodeID: "approve", Error: "needs review",
		})
		if err != nil {
			t.Fatalf("HandleFailure failed: %v", err)
		}
		if lg.EffectiveDelay != time.Minute {
			t.Errorf("effective delay = %v, want %v from the configuration", lg.EffectiveDelay, time.Minute)
		}
	})

	t.Run("strategy delay wins over config", func(t *testing.T) {
		env := newOrchestratorEnv(t)
		env.config.RecoveryDelay = time.Minute
		env.addStrategy(t, &recovery.RecoveryStrategy{
			ID: "manual", Name: "escalate", Type: recovery.StrategyManual,
			RetryDelay: 30 * time.Second, Priority: 1,
		})

		lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
			ExecutionID: "exec-1", NodeID: "approve", Error: "needs review",
		})
		if err != nil {
			t.Fatalf("HandleFailure failed: %v", err)
		}
		if lg.EffectiveDelay != 30*time.Second {
			t.Errorf("effective delay = %v, want the strategy's 30s", lg.EffectiveDelay)
		}
	})
}

func TestHandleFailureConcurrentJoinsOpenLog(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.addCheckpoint(t, "exec-1", "fetch", true)
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "retry", Name: "retry", Type: recovery.StrategyRetry, Priority: 1,
	})

	block := make(chan struct{})
	env.engine.block = block

	done := make(chan *recovery.RecoveryLog, 1)
	go func() {
		lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
			ExecutionID: "exec-1", NodeID: "send", Error: "boom",
		})
		if err != nil {
			t.Errorf("first HandleFailure failed: %v", err)
		}
		done <- lg
	}()

	// Wait until the first attempt is inside the engine, then report the
	// failure again. The second report must join the open attempt instead of
	// starting a new one.
	waitFor(t, func() bool { return env.engine.resumeCount() == 1 })

	joined, err := env.orch.HandleFailure(ctx, recovery.Failure{
		ExecutionID: "exec-1", NodeID: "send", Error: "boom",
	})
	if err != nil {
		t.Fatalf("second HandleFailure failed: %v", err)
	}
	if !joined.Open() {
		t.Errorf("joined log status = %s, want open", joined.Status)
	}

	close(block)
	first := <-done
	if first.ID != joined.ID {
		t.Errorf("second caller got log %s, first got %s", joined.ID, first.ID)
	}

	logs, err := env.orch.History(ctx, "exec-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(logs) != 1 {
		t.Errorf("len(logs) = %d, want 1", len(logs))
	}
	if env.engine.resumeCount() != 1 {
		t.Errorf("engine resumed %d times, want 1", env.engine.resumeCount())
	}
}

func TestHandleFailureEngineRejection(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.addCheckpoint(t, "exec-1", "fetch", true)
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "retry", Name: "retry", Type: recovery.StrategyRetry, Priority: 1,
	})
	env.engine.err = errors.New("engine unavailable")

	lg, err := env.orch.HandleFailure(ctx, recovery.Failure{
		ExecutionID: "exec-1", NodeID: "send", Error: "boom",
	})
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if lg.Status != recovery.RecoveryFailed || lg.WasSuccessful {
		t.Errorf("log = %s (successful=%v), want failed/false", lg.Status, lg.WasSuccessful)
	}
	if lg.RecoveryError == "" {
		t.Error("engine rejection not recorded as recovery error")
	}

	// The failed application still rolls the usage counter.
	s, _ := env.store.GetStrategy(ctx, "retry")
	if s.UsageCount != 1 || s.SuccessCount != 0 {
		t.Errorf("counters = %d/%d, want 1/0", s.UsageCount, s.SuccessCount)
	}
}

func TestHandleFailureCapturesPanic(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.addCheckpoint(t, "exec-1", "fetch", true)
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "retry", Name: "retry", Type: recovery.StrategyRetry, Priority: 1,
	})

	panicEngine := recovery.EngineFunc(func(context.Context, recovery.ResumeRequest) (string, error) {
		panic("engine exploded")
	})
	orch := recovery.NewOrchestrator(env.store, env.registry, configSource(env.config), panicEngine, nil, nil)

	lg, err := orch.HandleFailure(ctx, recovery.Failure{
		ExecutionID: "exec-1", NodeID: "send", Error: "boom",
	})
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if lg.Status != recovery.RecoveryFailed {
		t.Errorf("status = %s, want failed", lg.Status)
	}
	if lg.RecoveryError == "" {
		t.Error("panic not captured as recovery error")
	}
	if lg.CompletedAt == nil {
		t.Error("log left open after panic")
	}
}

func TestHandleFailureRequiresExecutionID(t *testing.T) {
	env := newOrchestratorEnv(t)
	if _, err := env.orch.HandleFailure(context.Background(), recovery.Failure{}); err == nil {
		t.Error("HandleFailure with empty execution id succeeded")
	}
}

func TestCancelRecovery(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)

	if _, err := env.orch.CancelRecovery(ctx, "exec-1"); !errors.Is(err, recovery.ErrNotFound) {
		t.Errorf("CancelRecovery without open log = %v, want ErrNotFound", err)
	}

	lg := &recovery.RecoveryLog{
		ID: "log-1", ExecutionID: "exec-1", ErrorText: "boom",
		FailedNodeID: "send", Status: recovery.RecoveryPending,
	}
	if err := env.store.InsertRecoveryLog(ctx, lg); err != nil {
		t.Fatalf("InsertRecoveryLog failed: %v", err)
	}

	cancelled, err := env.orch.CancelRecovery(ctx, "exec-1")
	if err != nil {
		t.Fatalf("CancelRecovery failed: %v", err)
	}
	if cancelled.Status != recovery.RecoveryCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.CompletedAt == nil {
		t.Error("cancelled log not completed")
	}
}

// TestEmailWorkflowRecovery walks a realistic lineage: an email workflow
// checkpoints after each step, the send step keeps failing on SMTP timeouts,
// retries resume from the latest checkpoint until the attempt budget runs out
// and the failure escalates to an operator.
func TestEmailWorkflowRecovery(t *testing.T) {
	ctx := context.Background()
	env := newOrchestratorEnv(t)
	env.config.MaxRecoveryAttempts = 2
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "smtp-retry", Name: "smtp retry", Type: recovery.StrategyRetry,
		ErrorPatterns:     []string{"smtp", "timeout"},
		BackoffMultiplier: 2,
		Priority:          10,
	})

	env.addCheckpoint(t, "exec-email", "fetch_recipients", true)
	env.addCheckpoint(t, "exec-email", "render_template", true)

	failure := recovery.Failure{
		ExecutionID: "exec-email",
		WorkflowID:  "wf-email",
		NodeID:      "send_email",
		NodeName:    "Send Email",
		Error:       "smtp: connection timeout to mail.example.com:587",
		TriggeredBy: "engine",
	}

	// Two retries resume from the render checkpoint.
	for attempt := 1; attempt <= 2; attempt++ {
		lg, err := env.orch.HandleFailure(ctx, failure)
		if err != nil {
			t.Fatalf("HandleFailure attempt %d failed: %v", attempt, err)
		}
		if !lg.WasSuccessful {
			t.Fatalf("attempt %d was not successful: %s/%s", attempt, lg.Status, lg.FailureReason)
		}
		if lg.CheckpointSequence != 2 {
			t.Errorf("attempt %d resumed from seq %d, want 2", attempt, lg.CheckpointSequence)
		}
		if lg.StrategyID != "smtp-retry" {
			t.Errorf("attempt %d used strategy %s", attempt, lg.StrategyID)
		}
	}

	// Third failure exhausts the budget.
	lg, err := env.orch.HandleFailure(ctx, failure)
	if err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}
	if lg.FailureReason != recovery.ReasonAttemptsExhausted || !lg.NeedsManual {
		t.Errorf("final log = %s/%s manual=%v", lg.Status, lg.FailureReason, lg.NeedsManual)
	}

	history, err := env.orch.History(ctx, "exec-email")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	for _, h := range history {
		if !h.Terminal() {
			t.Errorf("log %s left open", h.ID)
		}
	}

	started := env.emitter.GetHistoryWithFilter("exec-email", emit.HistoryFilter{Msg: "recovery_started"})
	if len(started) != 3 {
		t.Errorf("recovery_started events = %d, want 3", len(started))
	}

	s, _ := env.store.GetStrategy(ctx, "smtp-retry")
	if s.UsageCount != 2 || s.SuccessCount != 2 {
		t.Errorf("strategy counters = %d/%d, want 2/2", s.UsageCount, s.SuccessCount)
	}
}
