package recovery

import "time"

// RecoveryStatus is the state machine for a recovery attempt:
// pending → in_progress → {completed, failed, cancelled}. Terminal states are
// final; history is appended, never edited.
type RecoveryStatus string

const (
	RecoveryPending    RecoveryStatus = "pending"
	RecoveryInProgress RecoveryStatus = "in_progress"
	RecoveryCompleted  RecoveryStatus = "completed"
	RecoveryFailed     RecoveryStatus = "failed"
	RecoveryCancelled  RecoveryStatus = "cancelled"
)

// Failure reasons recorded on a RecoveryLog when no action could be taken.
const (
	// ReasonAttemptsExhausted marks a failure lineage that exceeded the
	// configured maximum recovery attempts; escalated to manual without
	// evaluating strategies.
	ReasonAttemptsExhausted = "attempts_exhausted"

	// ReasonStrategyAttemptsExhausted marks a failure whose matched strategy
	// had already been applied max_retry_attempts times to the same lineage;
	// escalated to manual without running the strategy's action.
	ReasonStrategyAttemptsExhausted = "strategy_attempts_exhausted"

	// ReasonNoStrategyMatched marks a failure no active strategy covered.
	ReasonNoStrategyMatched = "no_strategy_matched"

	// ReasonNoRecoverableCheckpoint marks a retry or rollback with no
	// recoverable checkpoint to resume from.
	ReasonNoRecoverableCheckpoint = "no_recoverable_checkpoint"

	// ReasonTimeout marks a replay session force-failed by the sweep after
	// running past the configured window.
	ReasonTimeout = "timeout"

	// ReasonAutoRecoveryDisabled marks a failure reported while the active
	// configuration has automatic recovery turned off.
	ReasonAutoRecoveryDisabled = "auto_recovery_disabled"
)

// RecoveryLog is the immutable audit record of one recovery attempt: its
// inputs, the chosen strategy, the actions taken, and the outcome.
//
// Exactly one log is open (pending or in_progress) per execution at any time;
// concurrent recovery attempts on the same execution are serialized through a
// conditional insert rather than a held lock.
type RecoveryLog struct {
	// ID uniquely identifies this recovery attempt.
	ID string `json:"id"`

	// ExecutionID references the failed workflow execution.
	ExecutionID string `json:"execution_id"`

	// RecoveryType is the strategy type that was applied, when one matched.
	RecoveryType StrategyType `json:"recovery_type,omitempty"`

	// AttemptNumber is 1-based per execution+node failure lineage.
	AttemptNumber int `json:"attempt_number"`

	// StrategyID and StrategyName reference the selected strategy.
	StrategyID   string `json:"strategy_id,omitempty"`
	StrategyName string `json:"strategy_name,omitempty"`

	// CheckpointSequence is the sequence number of the source checkpoint the
	// recovery resumed from. Zero when no checkpoint was involved.
	CheckpointSequence int64 `json:"checkpoint_sequence,omitempty"`

	// ErrorText is the original failure message as reported by the engine.
	ErrorText string `json:"error_text"`

	// FailedNodeID and FailedNodeName identify the node that failed.
	FailedNodeID   string `json:"failed_node_id"`
	FailedNodeName string `json:"failed_node_name,omitempty"`

	// Status tracks the attempt through its state machine.
	Status RecoveryStatus `json:"status"`

	// FailureReason explains a failed status (attempts_exhausted,
	// no_strategy_matched, no_recoverable_checkpoint).
	FailureReason string `json:"failure_reason,omitempty"`

	// ActionsTaken lists the recovery actions actually executed, in order.
	ActionsTaken []string `json:"actions_taken,omitempty"`

	// EffectiveDelay is the computed inter-attempt delay:
	// retry_delay * backoff_multiplier^(attempt-1).
	EffectiveDelay time.Duration `json:"effective_delay,omitempty"`

	// NeedsManual flags the execution as requiring human intervention.
	NeedsManual bool `json:"needs_manual"`

	// WasSuccessful records whether the recovery produced a usable outcome.
	WasSuccessful bool `json:"was_successful"`

	// NewExecutionID references the fresh run produced by a successful
	// retry, rollback, or skip.
	NewExecutionID string `json:"new_execution_id,omitempty"`

	// RecoveryError captures a failure within the recovery machinery itself
	// (e.g. a checkpoint read failure during retry). Such failures terminate
	// the attempt; they are never retried within the same HandleFailure call.
	RecoveryError string `json:"recovery_error,omitempty"`

	// TriggeredBy records who or what reported the failure.
	TriggeredBy string `json:"triggered_by,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Open reports whether the log still holds the single recovery slot for its
// execution (pending or in_progress).
func (l *RecoveryLog) Open() bool {
	return l.Status == RecoveryPending || l.Status == RecoveryInProgress
}

// Terminal reports whether the log has reached a final state.
func (l *RecoveryLog) Terminal() bool {
	return !l.Open()
}
