package recovery

import (
	"context"
	"encoding/json"
)

// ResumeRequest is the payload handed to the execution engine when a
// recovery or replay produces a fresh run.
//
// The state blobs come from the source checkpoint, overlaid with any replay
// modifications. SkipNodes lists node ids the engine must bypass; the engine
// may reject a skip when the node's output is a hard dependency downstream.
type ResumeRequest struct {
	// SourceExecutionID is the execution being recovered or replayed.
	SourceExecutionID string `json:"source_execution_id"`

	// CheckpointSequence identifies the checkpoint the state was taken from.
	// Zero when resuming without a checkpoint (skip of an early node).
	CheckpointSequence int64 `json:"checkpoint_sequence,omitempty"`

	// ExecutionState and ContextData are the opaque blobs to resume with.
	ExecutionState json.RawMessage `json:"execution_state,omitempty"`
	ContextData    json.RawMessage `json:"context_data,omitempty"`

	// NodeOutputs carries previously produced node outputs so completed work
	// is not repeated.
	NodeOutputs json.RawMessage `json:"node_outputs,omitempty"`

	// SkipNodes lists node ids to bypass in the resumed run.
	SkipNodes []string `json:"skip_nodes,omitempty"`

	// DebugMode asks the engine to pause/step rather than run to completion.
	// The stepping protocol is the engine's concern; this subsystem only
	// carries the flag.
	DebugMode bool `json:"debug_mode,omitempty"`

	// Reason describes why the resume was requested: retry, rollback, skip,
	// or replay.
	Reason string `json:"reason"`
}

// ExecutionEngine is the contract this subsystem consumes from the component
// that actually drives workflow executions.
//
// Resume starts a new execution from the given state and returns its id. It
// must not be interpreted as synchronous completion of the workflow: the
// engine runs the new execution on its own schedule and reports any further
// failures back through the orchestrator.
type ExecutionEngine interface {
	Resume(ctx context.Context, req ResumeRequest) (newExecutionID string, err error)
}

// EngineFunc adapts a plain function to the ExecutionEngine interface.
type EngineFunc func(ctx context.Context, req ResumeRequest) (string, error)

// Resume implements ExecutionEngine.
func (f EngineFunc) Resume(ctx context.Context, req ResumeRequest) (string, error) {
	return f(ctx, req)
}
