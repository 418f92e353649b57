package recovery

import (
	"context"
	"time"
)

// Store is the persistence contract for the five logical collections this
// subsystem owns: checkpoints, strategies, recovery logs, replay sessions,
// and configuration.
//
// Implementations can use:
//   - In-memory storage (for testing, see store.MemStore)
//   - SQLite for single-process deployments (store.SQLiteStore)
//   - MySQL/MariaDB for shared deployments (store.MySQLStore)
//
// The interface encodes the atomicity the concurrency model requires, so no
// caller ever needs a global lock:
//   - InsertCheckpoint assigns the per-execution sequence number atomically.
//   - InsertRecoveryLog is a conditional insert enforcing at most one open
//     recovery per execution.
//   - AcquireReplaySlot is a compare-and-set against the count of running
//     sessions.
//   - PurgeExpiredCheckpoints and TimeoutReplaySessions are conditional
//     deletes/updates, idempotent and safe to run concurrently.
type Store interface {
	// InsertCheckpoint persists a checkpoint, assigning the next sequence
	// number for its execution atomically (an increment scoped to the
	// execution id). The assigned number is written back to cp.
	InsertCheckpoint(ctx context.Context, cp *Checkpoint) error

	// GetCheckpoint retrieves one checkpoint by execution id and sequence
	// number. Returns ErrNotFound when absent.
	GetCheckpoint(ctx context.Context, executionID string, sequence int64) (*Checkpoint, error)

	// LatestCheckpoint returns the highest-sequence checkpoint for an
	// execution, optionally restricted to recoverable checkpoints.
	// Returns ErrNotFound when nothing matches.
	LatestCheckpoint(ctx context.Context, executionID string, recoverableOnly bool) (*Checkpoint, error)

	// ListCheckpoints returns an execution's checkpoints ascending by
	// sequence number.
	ListCheckpoints(ctx context.Context, executionID string) ([]*Checkpoint, error)

	// DeleteCheckpoint removes one checkpoint. Used by cap eviction.
	DeleteCheckpoint(ctx context.Context, executionID string, sequence int64) error

	// PurgeExpiredCheckpoints conditionally deletes all non-milestone
	// checkpoints with expires_at <= now and returns the count removed.
	PurgeExpiredCheckpoints(ctx context.Context, now time.Time) (int64, error)

	// PurgeMilestoneCheckpoints removes milestone checkpoints for one
	// execution; the only deletion path that touches milestones.
	PurgeMilestoneCheckpoints(ctx context.Context, executionID string) (int64, error)

	// SaveStrategy creates or replaces a strategy definition by id.
	SaveStrategy(ctx context.Context, s *RecoveryStrategy) error

	// GetStrategy retrieves a strategy by id. Returns ErrNotFound when absent.
	GetStrategy(ctx context.Context, id string) (*RecoveryStrategy, error)

	// ListStrategies returns all strategy definitions, active or not.
	ListStrategies(ctx context.Context) ([]*RecoveryStrategy, error)

	// RecordStrategyOutcome increments a strategy's usage counter, and its
	// success counter when success is true.
	RecordStrategyOutcome(ctx context.Context, strategyID string, success bool) error

	// InsertRecoveryLog persists a new recovery log. The insert is
	// conditional: if an open (pending or in_progress) log already exists for
	// the execution, it fails with ErrRecoveryInProgress and persists nothing.
	InsertRecoveryLog(ctx context.Context, lg *RecoveryLog) error

	// UpdateRecoveryLog replaces a log's mutable fields by id.
	UpdateRecoveryLog(ctx context.Context, lg *RecoveryLog) error

	// OpenRecoveryLog returns the execution's single open recovery log, or
	// ErrNotFound when none is open.
	OpenRecoveryLog(ctx context.Context, executionID string) (*RecoveryLog, error)

	// ListRecoveryLogs returns an execution's recovery history ascending by
	// start time.
	ListRecoveryLogs(ctx context.Context, executionID string) ([]*RecoveryLog, error)

	// CountRecoveryAttempts counts prior recovery attempts for one
	// execution+node failure lineage.
	CountRecoveryAttempts(ctx context.Context, executionID, nodeID string) (int, error)

	// InsertReplaySession persists a new replay session in the created state.
	InsertReplaySession(ctx context.Context, s *ReplaySession) error

	// GetReplaySession retrieves a session by id. Returns ErrNotFound when
	// absent.
	GetReplaySession(ctx context.Context, id string) (*ReplaySession, error)

	// UpdateReplaySession replaces a session's mutable fields by id.
	UpdateReplaySession(ctx context.Context, s *ReplaySession) error

	// DeleteReplaySession removes a session. Used to roll back a session
	// whose replay slot could not be acquired.
	DeleteReplaySession(ctx context.Context, id string) error

	// ListReplaySessions returns sessions for one execution, or all sessions
	// when executionID is empty, ascending by creation time.
	ListReplaySessions(ctx context.Context, executionID string) ([]*ReplaySession, error)

	// AcquireReplaySlot transitions a created session to running if and only
	// if the count of running sessions is below maxRunning. The check and the
	// transition are atomic. Returns false without error when the cap is hit.
	AcquireReplaySlot(ctx context.Context, sessionID string, maxRunning int) (bool, error)

	// CountRunningReplays returns the number of sessions in the running state.
	CountRunningReplays(ctx context.Context) (int, error)

	// TimeoutReplaySessions force-fails running sessions started at or before
	// the cutoff, recording the timeout reason. Returns the count transitioned.
	TimeoutReplaySessions(ctx context.Context, cutoff time.Time) (int64, error)

	// ActiveConfiguration returns the single configuration with
	// is_active=true, or ErrNotFound when none exists.
	ActiveConfiguration(ctx context.Context) (*RecoveryConfiguration, error)

	// SaveConfiguration creates or replaces a configuration by name. Saving
	// an active configuration deactivates all others in the same operation,
	// preserving the single-active invariant.
	SaveConfiguration(ctx context.Context, cfg *RecoveryConfiguration) error
}
