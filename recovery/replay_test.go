package recovery_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/recoflow/recoflow-go/recovery"
	"github.com/recoflow/recoflow-go/recovery/store"
)

type replayEnv struct {
	store   *store.MemStore
	config  *recovery.RecoveryConfiguration
	engine  *captureEngine
	manager *recovery.ReplayManager
}

func newReplayEnv(t *testing.T) *replayEnv {
	t.Helper()
	env := &replayEnv{
		store:  store.NewMemStore(),
		config: fastConfig(),
		engine: &captureEngine{},
	}
	env.manager = recovery.NewReplayManager(env.store, configSource(env.config), env.engine, nil, nil)
	return env
}

func (env *replayEnv) addCheckpoint(t *testing.T, executionID string, recoverable bool, state string) *recovery.Checkpoint {
	t.Helper()
	cp := &recovery.Checkpoint{
		ExecutionID:    executionID,
		Type:           recovery.CheckpointNodeComplete,
		NodeID:         "node-a",
		ExecutionState: json.RawMessage(state),
		Recoverable:    recoverable,
	}
	if err := env.store.InsertCheckpoint(context.Background(), cp); err != nil {
		t.Fatalf("InsertCheckpoint failed: %v", err)
	}
	return cp
}

func TestStartReplayExact(t *testing.T) {
	ctx := context.Background()
	env := newReplayEnv(t)
	cp := env.addCheckpoint(t, "exec-1", true, `{"step":3}`)

	session, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1",
		Checkpoint:  cp.SequenceNumber,
		Type:        recovery.ReplayExact,
		Purpose:     "reproduce bug 412",
	})
	if err != nil {
		t.Fatalf("StartReplay failed: %v", err)
	}

	if session.Status != recovery.ReplayRunning {
		t.Errorf("status = %s, want running", session.Status)
	}
	if session.StartedAt == nil {
		t.Error("no started_at recorded")
	}
	if session.ReplayExecutionID == "" {
		t.Error("no replay execution id recorded")
	}

	req := env.engine.lastRequest(t)
	if req.Reason != "replay" || req.SourceExecutionID != "exec-1" {
		t.Errorf("unexpected resume request: %+v", req)
	}
	if string(req.ExecutionState) != `{"step":3}` {
		t.Errorf("exact replay mutated state: %s", req.ExecutionState)
	}
}

// slotCaptureStore records the start time the slot acquisition persisted so
// tests can check it survives the rest of the start path.
type slotCaptureStore struct {
	recovery.Store
	acquiredAt time.Time
}

func (s *slotCaptureStore) AcquireReplaySlot(ctx context.Context, sessionID string, maxRunning int) (bool, error) {
	acquired, err := s.Store.AcquireReplaySlot(ctx, sessionID, maxRunning)
	if err != nil || !acquired {
		return acquired, err
	}
	sess, err := s.Store.GetReplaySession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	s.acquiredAt = *sess.StartedAt
	// Leave a gap so a recomputed start time would visibly drift.
	time.Sleep(2 * time.Millisecond)
	return true, nil
}

func TestStartReplayKeepsAcquiredStartTime(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()
	wrapped := &slotCaptureStore{Store: mem}
	manager := recovery.NewReplayManager(wrapped, configSource(fastConfig()), &captureEngine{}, nil, nil)

	cp := &recovery.Checkpoint{
		ExecutionID:    "exec-1",
		Type:           recovery.CheckpointNodeComplete,
		ExecutionState: json.RawMessage(`{"step":1}`),
		Recoverable:    true,
	}
	if err := mem.InsertCheckpoint(ctx, cp); err != nil {
		t.Fatalf("InsertCheckpoint failed: %v", err)
	}

	session, err := manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1",
		Checkpoint:  cp.SequenceNumber,
	})
	if err != nil {
		t.Fatalf("StartReplay failed: %v", err)
	}

	if session.StartedAt == nil || !session.StartedAt.Equal(wrapped.acquiredAt) {
		t.Errorf("started_at = %v, want the slot acquisition's %v", session.StartedAt, wrapped.acquiredAt)
	}
	persisted, err := mem.GetReplaySession(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetReplaySession failed: %v", err)
	}
	if persisted.StartedAt == nil || !persisted.StartedAt.Equal(wrapped.acquiredAt) {
		t.Errorf("persisted started_at = %v, want %v", persisted.StartedAt, wrapped.acquiredAt)
	}
}

func TestStartReplayDisabled(t *testing.T) {
	ctx := context.Background()
	env := newReplayEnv(t)
	env.config.ReplayEnabled = false
	cp := env.addCheckpoint(t, "exec-1", true, `{}`)

	_, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1", Checkpoint: cp.SequenceNumber,
	})
	if !errors.Is(err, recovery.ErrReplayDisabled) {
		t.Fatalf("StartReplay = %v, want ErrReplayDisabled", err)
	}

	sessions, _ := env.manager.List(ctx, "")
	if len(sessions) != 0 {
		t.Errorf("a session was persisted despite replay being disabled")
	}
}

func TestStartReplayNonRecoverableCheckpoint(t *testing.T) {
	ctx := context.Background()
	env := newReplayEnv(t)
	cp := env.addCheckpoint(t, "exec-1", false, `{}`)

	_, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1", Checkpoint: cp.SequenceNumber,
	})
	if !errors.Is(err, recovery.ErrCheckpointNotRecoverable) {
		t.Fatalf("StartReplay = %v, want ErrCheckpointNotRecoverable", err)
	}
}

func TestStartReplayMissingCheckpoint(t *testing.T) {
	ctx := context.Background()
	env := newReplayEnv(t)

	_, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1", Checkpoint: 42,
	})
	if !errors.Is(err, recovery.ErrNotFound) {
		t.Fatalf("StartReplay = %v, want ErrNotFound", err)
	}
}

func TestStartReplayConcurrencyCap(t *testing.T) {
	ctx := context.Background()
	env := newReplayEnv(t)
	env.config.MaxConcurrentReplays = 1
	cp := env.addCheckpoint(t, "exec-1", true, `{}`)

	first, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1", Checkpoint: cp.SequenceNumber,
	})
	if err != nil {
		t.Fatalf("first StartReplay failed: %v", err)
	}

	_, err = env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1", Checkpoint: cp.SequenceNumber,
	})
	if !errors.Is(err, recovery.ErrTooManyConcurrentReplays) {
		t.Fatalf("second StartReplay = %v, want ErrTooManyConcurrentReplays", err)
	}

	// The rejected start leaves no session behind.
	sessions, err := env.manager.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != first.ID {
		t.Errorf("sessions after rejection = %d, want only the first", len(sessions))
	}

	// Completing the first frees the slot.
	if _, err := env.manager.Complete(ctx, first.ID, true, ""); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1", Checkpoint: cp.SequenceNumber,
	}); err != nil {
		t.Fatalf("StartReplay after Complete failed: %v", err)
	}
}

func TestStartReplayModifiedOverlay(t *testing.T) {
	ctx := context.Background()
	env := newReplayEnv(t)
	cp := env.addCheckpoint(t, "exec-1", true, `{"a":1,"b":2}`)

	session, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID:    "exec-1",
		Checkpoint:     cp.SequenceNumber,
		Type:           recovery.ReplayModified,
		ModifiedInputs: map[string]any{"b": 3, "c": 4},
	})
	if err != nil {
		t.Fatalf("StartReplay failed: %v", err)
	}

	var merged map[string]any
	if err := json.Unmarshal(env.engine.lastRequest(t).ExecutionState, &merged); err != nil {
		t.Fatalf("unmarshal merged state: %v", err)
	}
	if merged["a"] != float64(1) || merged["b"] != float64(3) || merged["c"] != float64(4) {
		t.Errorf("merged state = %v", merged)
	}

	// Same checkpoint and parameters produce byte-identical resume payloads.
	if _, err := env.manager.Complete(ctx, session.ID, true, ""); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID:    "exec-1",
		Checkpoint:     cp.SequenceNumber,
		Type:           recovery.ReplayModified,
		ModifiedInputs: map[string]any{"b": 3, "c": 4},
	}); err != nil {
		t.Fatalf("second StartReplay failed: %v", err)
	}
	env.engine.mu.Lock()
	first, second := env.engine.requests[0].ExecutionState, env.engine.requests[1].ExecutionState
	env.engine.mu.Unlock()
	if !bytes.Equal(first, second) {
		t.Errorf("replay not deterministic:\n%s\n%s", first, second)
	}
}

func TestStartReplayDebugMode(t *testing.T) {
	ctx := context.Background()
	env := newReplayEnv(t)
	cp := env.addCheckpoint(t, "exec-1", true, `{}`)

	session, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1",
		Checkpoint:  cp.SequenceNumber,
		Type:        recovery.ReplayDebug,
		SkipNodes:   []string{"flaky-node"},
	})
	if err != nil {
		t.Fatalf("StartReplay failed: %v", err)
	}
	if !session.DebugMode {
		t.Error("debug replay did not set debug mode")
	}

	req := env.engine.lastRequest(t)
	if !req.DebugMode {
		t.Error("resume request missing debug mode")
	}
	if len(req.SkipNodes) != 1 || req.SkipNodes[0] != "flaky-node" {
		t.Errorf("skip nodes = %v", req.SkipNodes)
	}
}

func TestReplayComplete(t *testing.T) {
	ctx := context.Background()
	env := newReplayEnv(t)
	cp := env.addCheckpoint(t, "exec-1", true, `{}`)

	session, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1", Checkpoint: cp.SequenceNumber,
	})
	if err != nil {
		t.Fatalf("StartReplay failed: %v", err)
	}

	done, err := env.manager.Complete(ctx, session.ID, false, "assertion mismatch")
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if done.Status != recovery.ReplayFailed || done.FailureReason != "assertion mismatch" {
		t.Errorf("session = %s/%s", done.Status, done.FailureReason)
	}
	if done.CompletedAt == nil {
		t.Error("no completed_at recorded")
	}

	// Completing twice is rejected.
	if _, err := env.manager.Complete(ctx, session.ID, true, ""); err == nil {
		t.Error("second Complete succeeded")
	}
}

func TestReplayCancel(t *testing.T) {
	ctx := context.Background()
	env := newReplayEnv(t)
	cp := env.addCheckpoint(t, "exec-1", true, `{}`)

	session, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1", Checkpoint: cp.SequenceNumber,
	})
	if err != nil {
		t.Fatalf("StartReplay failed: %v", err)
	}

	cancelled, err := env.manager.Cancel(ctx, session.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != recovery.ReplayCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	if _, err := env.manager.Cancel(ctx, session.ID); !errors.Is(err, recovery.ErrSessionNotCancelable) {
		t.Errorf("second Cancel = %v, want ErrSessionNotCancelable", err)
	}
}

func TestReplayTimeoutStale(t *testing.T) {
	ctx := context.Background()
	env := newReplayEnv(t)
	env.config.ReplayTimeout = time.Hour
	cp := env.addCheckpoint(t, "exec-1", true, `{}`)

	session, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1", Checkpoint: cp.SequenceNumber,
	})
	if err != nil {
		t.Fatalf("StartReplay failed: %v", err)
	}

	// Backdate the start so the session is past the window.
	past := time.Now().UTC().Add(-2 * time.Hour)
	session.StartedAt = &past
	if err := env.store.UpdateReplaySession(ctx, session); err != nil {
		t.Fatalf("UpdateReplaySession failed: %v", err)
	}

	n, err := env.manager.TimeoutStale(ctx)
	if err != nil {
		t.Fatalf("TimeoutStale failed: %v", err)
	}
	if n != 1 {
		t.Errorf("timed out %d sessions, want 1", n)
	}

	got, err := env.manager.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != recovery.ReplayFailed || got.FailureReason != recovery.ReasonTimeout {
		t.Errorf("session = %s/%s, want failed/%s", got.Status, got.FailureReason, recovery.ReasonTimeout)
	}

	n, err = env.manager.TimeoutStale(ctx)
	if err != nil {
		t.Fatalf("second TimeoutStale failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second pass timed out %d, want 0", n)
	}
}

func TestReplayListByExecution(t *testing.T) {
	ctx := context.Background()
	env := newReplayEnv(t)
	cp1 := env.addCheckpoint(t, "exec-1", true, `{}`)
	cp2 := env.addCheckpoint(t, "exec-2", true, `{}`)

	if _, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-1", Checkpoint: cp1.SequenceNumber,
	}); err != nil {
		t.Fatalf("StartReplay failed: %v", err)
	}
	if _, err := env.manager.StartReplay(ctx, recovery.StartReplayRequest{
		ExecutionID: "exec-2", Checkpoint: cp2.SequenceNumber,
	}); err != nil {
		t.Fatalf("StartReplay failed: %v", err)
	}

	one, err := env.manager.List(ctx, "exec-1")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(one) != 1 || one[0].ExecutionID != "exec-1" {
		t.Errorf("List(exec-1) = %+v", one)
	}

	all, err := env.manager.List(ctx, "")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List(all) = %d sessions, want 2", len(all))
	}
}
