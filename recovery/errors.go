// Package recovery provides the workflow checkpoint and recovery engine for Recoflow-Go.
package recovery

import "errors"

// ErrNotFound is returned when a requested checkpoint, strategy, log, session,
// or configuration record does not exist in the store.
var ErrNotFound = errors.New("not found")

// ErrCheckpointWrite is returned when a checkpoint cannot be persisted, either
// because the execution id is missing or because a state blob failed to serialize.
// Callers (the execution engine) should treat this as non-fatal to the running
// step but must log it: a missing checkpoint reduces recoverability.
var ErrCheckpointWrite = errors.New("checkpoint write failed")

// ErrNoStrategyMatched is returned by StrategyRegistry.Match when no active
// strategy applies to the failing execution. The orchestrator treats this as
// requiring manual escalation; the failure is never silently dropped.
var ErrNoStrategyMatched = errors.New("no recovery strategy matched")

// ErrNoRecoverableCheckpoint is returned when a retry or rollback action cannot
// locate any checkpoint with is_recoverable=true for the failed execution.
var ErrNoRecoverableCheckpoint = errors.New("no recoverable checkpoint available")

// ErrRecoveryInProgress is returned when a recovery log insert would violate the
// at-most-one-open-recovery-per-execution invariant. A second concurrent failure
// report for the same execution joins the existing attempt instead of starting
// a duplicate.
var ErrRecoveryInProgress = errors.New("recovery already in progress for execution")

// ErrReplayDisabled is returned by StartReplay when the active configuration has
// replay turned off.
var ErrReplayDisabled = errors.New("replay is disabled by configuration")

// ErrTooManyConcurrentReplays is returned when starting a replay would exceed
// the configured cap on sessions in the running state. No session is created.
var ErrTooManyConcurrentReplays = errors.New("too many concurrent replays")

// ErrCheckpointNotRecoverable is returned when a replay targets a checkpoint
// stored for audit only (is_recoverable=false).
var ErrCheckpointNotRecoverable = errors.New("checkpoint is not recoverable")

// ErrSessionNotCancelable is returned when Cancel is called on a replay session
// that has already reached a terminal state.
var ErrSessionNotCancelable = errors.New("replay session is not cancelable")

// ErrInvalidStrategy is returned by RecoveryStrategy.Validate when the strategy
// definition violates its constraints (unknown type, conflicting scope, bad
// retry parameters).
var ErrInvalidStrategy = errors.New("invalid recovery strategy")

// ErrNoActiveConfiguration is returned when no configuration record has
// is_active=true. A default must be seeded at startup via EnsureDefaultConfiguration.
var ErrNoActiveConfiguration = errors.New("no active recovery configuration")
