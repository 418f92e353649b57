package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/recoflow/recoflow-go/recovery/emit"
)

// CheckpointType classifies when in an execution's node sequence a checkpoint
// was taken.
type CheckpointType string

const (
	// CheckpointNodeStart is taken just before a node begins executing.
	CheckpointNodeStart CheckpointType = "node_start"

	// CheckpointNodeComplete is taken after a node finishes successfully.
	CheckpointNodeComplete CheckpointType = "node_complete"

	// CheckpointManual is requested explicitly by a caller.
	CheckpointManual CheckpointType = "manual"

	// CheckpointMilestone marks a long-term recovery/audit point. Milestone
	// checkpoints are exempt from time-based expiry.
	CheckpointMilestone CheckpointType = "milestone"
)

// Checkpoint is a durable snapshot of an execution's state at a point in its
// node sequence, tagged with a monotonic sequence number.
//
// Sequence numbers are unique per execution, assigned at save time, and never
// reused. The state blobs are owned by the execution engine; this subsystem
// stores and retrieves them but never interprets their contents.
type Checkpoint struct {
	// ExecutionID identifies the workflow execution this checkpoint belongs to.
	ExecutionID string `json:"execution_id"`

	// SequenceNumber is the monotonically increasing position of this
	// checkpoint within its execution. Assigned atomically by the store.
	SequenceNumber int64 `json:"sequence_number"`

	// Type records when in the node sequence the checkpoint was taken.
	Type CheckpointType `json:"checkpoint_type"`

	// NodeID and NodeName identify the node the checkpoint was taken at.
	NodeID   string `json:"node_id"`
	NodeName string `json:"node_name"`

	// ExecutionState, ContextData, and NodeOutputs are opaque serialized
	// payloads owned by the execution engine.
	ExecutionState json.RawMessage `json:"execution_state,omitempty"`
	ContextData    json.RawMessage `json:"context_data,omitempty"`
	NodeOutputs    json.RawMessage `json:"node_outputs,omitempty"`

	// Recoverable marks whether this checkpoint may be selected as a retry,
	// rollback, or replay source. Non-recoverable checkpoints are stored for
	// audit only.
	Recoverable bool `json:"is_recoverable"`

	// Milestone checkpoints are retained until explicitly purged, regardless
	// of retention policy.
	Milestone bool `json:"is_milestone"`

	// SizeBytes is the combined serialized size of the state blobs.
	SizeBytes int64 `json:"size_bytes"`

	// CreatedAt records when the checkpoint was saved.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the retention deadline. Nil for milestone checkpoints,
	// which have no expiry.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SaveCheckpointRequest carries the inputs for CheckpointStore.Save.
//
// The three state fields accept any JSON-serializable value, including
// json.RawMessage for payloads that are already serialized.
type SaveCheckpointRequest struct {
	ExecutionID    string
	Type           CheckpointType
	NodeID         string
	NodeName       string
	ExecutionState any
	ContextData    any
	NodeOutputs    any
	Recoverable    bool
	Milestone      bool
}

// CheckpointStore is the durable repository of workflow checkpoints, keyed by
// execution, with append-only sequence numbering and expiry.
//
// It is called by the execution engine as it advances through nodes and read
// by the Orchestrator and ReplayManager when driving recovery. Retention is
// governed by the active RecoveryConfiguration, re-read on each operation so
// live configuration changes take effect without restart.
type CheckpointStore struct {
	store   Store
	config  ConfigSource
	emitter emit.Emitter
	metrics *PrometheusMetrics
}

// NewCheckpointStore creates a CheckpointStore backed by the given persistence
// store and configuration source.
//
// The emitter and metrics are optional; pass nil to disable observability.
func NewCheckpointStore(st Store, cfg ConfigSource, emitter emit.Emitter, metrics *PrometheusMetrics) *CheckpointStore {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &CheckpointStore{
		store:   st,
		config:  cfg,
		emitter: emitter,
		metrics: metrics,
	}
}

// Save persists a new checkpoint for an execution.
//
// The store assigns the next sequence number atomically, scoped to the
// execution id. The expiry is computed as now + retention unless the
// checkpoint is a milestone, in which case no expiry is set.
//
// Failures are reported as ErrCheckpointWrite: a missing execution id or a
// state blob that cannot be serialized. Callers must treat a failed save as
// non-fatal to the running step.
//
// After a successful save, the per-execution checkpoint cap from the active
// configuration is enforced by evicting the oldest non-milestone checkpoint.
// Milestones and the most recent checkpoint are never evicted.
func (cs *CheckpointStore) Save(ctx context.Context, req SaveCheckpointRequest) (*Checkpoint, error) {
	if req.ExecutionID == "" {
		return nil, fmt.Errorf("%w: execution id is required", ErrCheckpointWrite)
	}
	if req.Type == "" {
		req.Type = CheckpointManual
	}

	state, err := marshalBlob(req.ExecutionState)
	if err != nil {
		return nil, fmt.Errorf("%w: serialize execution state: %v", ErrCheckpointWrite, err)
	}
	contextData, err := marshalBlob(req.ContextData)
	if err != nil {
		return nil, fmt.Errorf("%w: serialize context data: %v", ErrCheckpointWrite, err)
	}
	outputs, err := marshalBlob(req.NodeOutputs)
	if err != nil {
		return nil, fmt.Errorf("%w: serialize node outputs: %v", ErrCheckpointWrite, err)
	}

	cfg, err := cs.config.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read configuration: %v", ErrCheckpointWrite, err)
	}

	now := time.Now().UTC()
	cp := &Checkpoint{
		ExecutionID:    req.ExecutionID,
		Type:           req.Type,
		NodeID:         req.NodeID,
		NodeName:       req.NodeName,
		ExecutionState: state,
		ContextData:    contextData,
		NodeOutputs:    outputs,
		Recoverable:    req.Recoverable,
		Milestone:      req.Milestone || req.Type == CheckpointMilestone,
		SizeBytes:      int64(len(state) + len(contextData) + len(outputs)),
		CreatedAt:      now,
	}
	if !cp.Milestone {
		expires := now.Add(time.Duration(cfg.RetentionDays) * 24 * time.Hour)
		cp.ExpiresAt = &expires
	}

	if err := cs.store.InsertCheckpoint(ctx, cp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointWrite, err)
	}

	if cs.metrics != nil {
		cs.metrics.RecordCheckpoint(string(cp.Type), cp.SizeBytes)
	}
	cs.emitter.Emit(emit.Event{
		ExecutionID: cp.ExecutionID,
		Sequence:    cp.SequenceNumber,
		NodeID:      cp.NodeID,
		Msg:         "checkpoint_saved",
		Meta: map[string]any{
			"checkpoint_type": string(cp.Type),
			"size_bytes":      cp.SizeBytes,
			"milestone":       cp.Milestone,
		},
	})

	if cfg.MaxCheckpointsPerExecution > 0 {
		if err := cs.enforceCap(ctx, req.ExecutionID, cfg.MaxCheckpointsPerExecution); err != nil {
			// Eviction failure does not invalidate the save itself.
			cs.emitter.Emit(emit.Event{
				ExecutionID: cp.ExecutionID,
				Msg:         "checkpoint_evict_failed",
				Meta:        map[string]any{"error": err.Error()},
			})
		}
	}

	return cp, nil
}

// Latest returns the highest-sequence-number checkpoint for an execution.
//
// With recoverableOnly=true (the common case for retry sources), checkpoints
// stored for audit only are excluded. Returns ErrNotFound when nothing matches.
func (cs *CheckpointStore) Latest(ctx context.Context, executionID string, recoverableOnly bool) (*Checkpoint, error) {
	return cs.store.LatestCheckpoint(ctx, executionID, recoverableOnly)
}

// Get retrieves a specific checkpoint by execution id and sequence number.
func (cs *CheckpointStore) Get(ctx context.Context, executionID string, sequence int64) (*Checkpoint, error) {
	return cs.store.GetCheckpoint(ctx, executionID, sequence)
}

// List returns all checkpoints for an execution in ascending sequence order.
// Callers may re-request at any time; the listing is finite and restartable.
func (cs *CheckpointStore) List(ctx context.Context, executionID string) ([]*Checkpoint, error) {
	return cs.store.ListCheckpoints(ctx, executionID)
}

// PurgeExpired deletes all non-milestone checkpoints whose expiry has passed.
//
// The delete is a conditional operation against the expiry column, not a
// read-then-write, so the sweep is idempotent and safe to run concurrently
// with itself and with in-flight checkpoint writes. Returns the number of
// checkpoints removed.
func (cs *CheckpointStore) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := cs.store.PurgeExpiredCheckpoints(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if cs.metrics != nil {
			cs.metrics.AddCheckpointsPurged(n)
		}
		cs.emitter.Emit(emit.Event{
			Msg:  "checkpoints_purged",
			Meta: map[string]any{"count": n},
		})
	}
	return n, nil
}

// PurgeMilestones explicitly removes milestone checkpoints for one execution.
// Milestones are otherwise retained indefinitely; this is the only deletion
// path that touches them.
func (cs *CheckpointStore) PurgeMilestones(ctx context.Context, executionID string) (int64, error) {
	return cs.store.PurgeMilestoneCheckpoints(ctx, executionID)
}

// enforceCap evicts the oldest non-milestone checkpoints until the execution
// is back under the configured cap. The most recent checkpoint is never
// evicted even when non-milestone.
func (cs *CheckpointStore) enforceCap(ctx context.Context, executionID string, maxCheckpoints int) error {
	cps, err := cs.store.ListCheckpoints(ctx, executionID)
	if err != nil {
		return err
	}
	excess := len(cps) - maxCheckpoints
	for i := 0; i < len(cps)-1 && excess > 0; i++ {
		if cps[i].Milestone {
			continue
		}
		if err := cs.store.DeleteCheckpoint(ctx, executionID, cps[i].SequenceNumber); err != nil {
			return err
		}
		excess--
	}
	return nil
}

// marshalBlob serializes a state payload to JSON. Nil payloads produce a nil
// blob rather than the JSON literal "null" so absent fields stay absent.
func marshalBlob(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil, nil
		}
		if !json.Valid(raw) {
			return nil, fmt.Errorf("invalid raw JSON payload")
		}
		return raw, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return data, nil
}
