package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/recoflow/recoflow-go/recovery/emit"
)

// ReplayType selects how faithfully a replay reproduces the source execution.
type ReplayType string

const (
	// ReplayExact re-drives the execution from the checkpoint unchanged.
	ReplayExact ReplayType = "exact"

	// ReplayModified overlays modified inputs/context before resuming.
	ReplayModified ReplayType = "modified"

	// ReplayDebug behaves like modified but additionally asks the engine to
	// pause/step rather than run to completion.
	ReplayDebug ReplayType = "debug"
)

// ReplayStatus is the session state machine:
// created → running → {completed, failed, cancelled}.
type ReplayStatus string

const (
	ReplayCreated   ReplayStatus = "created"
	ReplayRunning   ReplayStatus = "running"
	ReplayCompleted ReplayStatus = "completed"
	ReplayFailed    ReplayStatus = "failed"
	ReplayCancelled ReplayStatus = "cancelled"
)

// ReplaySession re-drives an execution (or a modified variant of it) from a
// chosen checkpoint, for debugging or recovery testing.
//
// A replay is deterministic given {source checkpoint, modified inputs,
// modified context, skip nodes}: running it twice with identical parameters
// against an unchanged checkpoint reproduces the same node execution order,
// modulo nodes whose own logic is non-deterministic.
type ReplaySession struct {
	ID          string     `json:"id"`
	ExecutionID string     `json:"execution_id"`
	Checkpoint  int64      `json:"checkpoint_sequence"`
	Type        ReplayType `json:"replay_type"`
	DebugMode   bool       `json:"debug_mode"`

	// ModifiedInputs and ModifiedContext override keys in the checkpoint's
	// execution state and context data when Type != exact.
	ModifiedInputs  map[string]any `json:"modified_inputs,omitempty"`
	ModifiedContext map[string]any `json:"modified_context,omitempty"`

	// SkipNodes lists node ids the replayed run must bypass.
	SkipNodes []string `json:"skip_nodes,omitempty"`

	Status ReplayStatus `json:"status"`

	// FailureReason explains a failed status (e.g. timeout).
	FailureReason string `json:"failure_reason,omitempty"`

	// ReplayExecutionID references the new execution the engine produced.
	ReplayExecutionID string `json:"replay_execution_id,omitempty"`

	// Purpose is free-text operator notes.
	Purpose string `json:"purpose,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Cancelable reports whether the session may still be cancelled.
func (s *ReplaySession) Cancelable() bool {
	return s.Status == ReplayCreated || s.Status == ReplayRunning
}

// StartReplayRequest carries the inputs for ReplayManager.StartReplay.
type StartReplayRequest struct {
	ExecutionID     string
	Checkpoint      int64
	Type            ReplayType
	ModifiedInputs  map[string]any
	ModifiedContext map[string]any
	SkipNodes       []string
	DebugMode       bool
	Purpose         string
}

// ReplayManager creates and runs replay sessions under the configured
// concurrency cap.
type ReplayManager struct {
	store   Store
	config  ConfigSource
	engine  ExecutionEngine
	emitter emit.Emitter
	metrics *PrometheusMetrics
}

// NewReplayManager creates a ReplayManager. The emitter and metrics are
// optional; pass nil to disable observability.
func NewReplayManager(st Store, cfg ConfigSource, engine ExecutionEngine, emitter emit.Emitter, metrics *PrometheusMetrics) *ReplayManager {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &ReplayManager{
		store:   st,
		config:  cfg,
		engine:  engine,
		emitter: emitter,
		metrics: metrics,
	}
}

// StartReplay creates a replay session and dispatches it to the execution
// engine.
//
// It rejects with ErrReplayDisabled when the active configuration has replay
// off, and with ErrTooManyConcurrentReplays when the running-session count
// has reached the cap; in both cases no session is persisted. The target
// checkpoint must belong to the execution and be recoverable.
//
// The session is created in the created state and transitions to running
// when the replay slot is acquired. It stays running until Complete, Cancel,
// or the timeout sweep closes it; the engine drives the replayed execution
// on its own schedule.
func (m *ReplayManager) StartReplay(ctx context.Context, req StartReplayRequest) (*ReplaySession, error) {
	cfg, err := m.config.Active(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.ReplayEnabled {
		return nil, ErrReplayDisabled
	}

	cp, err := m.store.GetCheckpoint(ctx, req.ExecutionID, req.Checkpoint)
	if err != nil {
		return nil, fmt.Errorf("load source checkpoint: %w", err)
	}
	if !cp.Recoverable {
		return nil, ErrCheckpointNotRecoverable
	}

	if req.Type == "" {
		req.Type = ReplayExact
	}

	session := &ReplaySession{
		ID:              uuid.NewString(),
		ExecutionID:     req.ExecutionID,
		Checkpoint:      cp.SequenceNumber,
		Type:            req.Type,
		DebugMode:       req.DebugMode || req.Type == ReplayDebug,
		ModifiedInputs:  req.ModifiedInputs,
		ModifiedContext: req.ModifiedContext,
		SkipNodes:       append([]string(nil), req.SkipNodes...),
		Status:          ReplayCreated,
		Purpose:         req.Purpose,
		CreatedAt:       time.Now().UTC(),
	}
	if err := m.store.InsertReplaySession(ctx, session); err != nil {
		return nil, err
	}

	acquired, err := m.store.AcquireReplaySlot(ctx, session.ID, cfg.MaxConcurrentReplays)
	if err != nil {
		_ = m.store.DeleteReplaySession(ctx, session.ID)
		return nil, err
	}
	if !acquired {
		// The cap was hit before the session could run; per contract no
		// session survives a rejected start.
		_ = m.store.DeleteReplaySession(ctx, session.ID)
		return nil, ErrTooManyConcurrentReplays
	}

	// The slot acquisition recorded the authoritative start time, which the
	// timeout sweep keys on; re-read the session rather than recomputing it.
	session, err = m.store.GetReplaySession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.SetRunningReplays(m.runningCount(ctx))
	}
	m.emitter.Emit(emit.Event{
		ExecutionID: session.ExecutionID,
		Sequence:    session.Checkpoint,
		Msg:         "replay_started",
		Meta: map[string]any{
			"session_id":  session.ID,
			"replay_type": string(session.Type),
			"debug_mode":  session.DebugMode,
		},
	})

	resume, err := m.buildResume(cp, session)
	if err != nil {
		return m.finalize(ctx, session, ReplayFailed, err.Error())
	}

	newID, err := m.engine.Resume(ctx, resume)
	if err != nil {
		return m.finalize(ctx, session, ReplayFailed, err.Error())
	}

	session.ReplayExecutionID = newID
	if err := m.store.UpdateReplaySession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// Complete closes a running session once the engine reports the replayed
// execution finished. success=false records the engine's failure reason.
func (m *ReplayManager) Complete(ctx context.Context, sessionID string, success bool, reason string) (*ReplaySession, error) {
	session, err := m.store.GetReplaySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != ReplayRunning {
		return nil, fmt.Errorf("replay session %s is not running", sessionID)
	}
	status := ReplayCompleted
	if !success {
		status = ReplayFailed
	}
	return m.finalize(ctx, session, status, reason)
}

// Cancel transitions a session to cancelled. Allowed only from created or
// running. Cancellation is cooperative: the execution engine observes the
// cancelled state at its next safe point and stops; checkpoints the partial
// replay produced are kept.
func (m *ReplayManager) Cancel(ctx context.Context, sessionID string) (*ReplaySession, error) {
	session, err := m.store.GetReplaySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !session.Cancelable() {
		return nil, ErrSessionNotCancelable
	}
	return m.finalize(ctx, session, ReplayCancelled, "")
}

// Get retrieves a replay session by id.
func (m *ReplayManager) Get(ctx context.Context, sessionID string) (*ReplaySession, error) {
	return m.store.GetReplaySession(ctx, sessionID)
}

// List returns replay sessions for an execution, or all sessions when
// executionID is empty.
func (m *ReplayManager) List(ctx context.Context, executionID string) ([]*ReplaySession, error) {
	return m.store.ListReplaySessions(ctx, executionID)
}

// TimeoutStale force-fails sessions still running past the configured replay
// timeout. Invoked periodically by the sweeper. Returns the count closed.
func (m *ReplayManager) TimeoutStale(ctx context.Context) (int64, error) {
	cfg, err := m.config.Active(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-cfg.ReplayTimeout)
	n, err := m.store.TimeoutReplaySessions(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if m.metrics != nil {
			m.metrics.AddReplaysTimedOut(n)
			m.metrics.SetRunningReplays(m.runningCount(ctx))
		}
		m.emitter.Emit(emit.Event{
			Msg:  "replays_timed_out",
			Meta: map[string]any{"count": n},
		})
	}
	return n, nil
}

// buildResume assembles the engine resume payload for a session, overlaying
// modifications onto the checkpoint blobs when the replay is not exact.
func (m *ReplayManager) buildResume(cp *Checkpoint, session *ReplaySession) (ResumeRequest, error) {
	state := cp.ExecutionState
	contextData := cp.ContextData
	if session.Type != ReplayExact {
		var err error
		state, err = overlayBlob(state, session.ModifiedInputs)
		if err != nil {
			return ResumeRequest{}, fmt.Errorf("overlay modified inputs: %w", err)
		}
		contextData, err = overlayBlob(contextData, session.ModifiedContext)
		if err != nil {
			return ResumeRequest{}, fmt.Errorf("overlay modified context: %w", err)
		}
	}
	return ResumeRequest{
		SourceExecutionID:  session.ExecutionID,
		CheckpointSequence: cp.SequenceNumber,
		ExecutionState:     state,
		ContextData:        contextData,
		NodeOutputs:        cp.NodeOutputs,
		SkipNodes:          session.SkipNodes,
		DebugMode:          session.DebugMode,
		Reason:             "replay",
	}, nil
}

// finalize moves a session to a terminal state and persists it.
func (m *ReplayManager) finalize(ctx context.Context, session *ReplaySession, status ReplayStatus, reason string) (*ReplaySession, error) {
	now := time.Now().UTC()
	session.Status = status
	session.FailureReason = reason
	session.CompletedAt = &now
	if err := m.store.UpdateReplaySession(ctx, session); err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.SetRunningReplays(m.runningCount(ctx))
	}
	m.emitter.Emit(emit.Event{
		ExecutionID: session.ExecutionID,
		Msg:         "replay_" + string(status),
		Meta:        map[string]any{"session_id": session.ID, "reason": reason},
	})
	return session, nil
}

func (m *ReplayManager) runningCount(ctx context.Context) int {
	n, err := m.store.CountRunningReplays(ctx)
	if err != nil {
		return 0
	}
	return n
}

// overlayBlob merges override keys into a JSON object blob. Keys are applied
// in sorted order so identical parameters always produce an identical merged
// payload, which keeps replays deterministic. An empty blob starts from an
// empty object.
func overlayBlob(blob json.RawMessage, overrides map[string]any) (json.RawMessage, error) {
	if len(overrides) == 0 {
		return blob, nil
	}
	merged := map[string]any{}
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &merged); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged[k] = overrides[k]
	}
	return json.Marshal(merged)
}
