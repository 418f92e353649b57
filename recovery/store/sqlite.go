package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/recoflow/recoflow-go/recovery"
)

// SQLiteStore is a SQLite implementation of recovery.Store.
//
// It stores checkpoints, strategies, recovery logs, replay sessions, and
// configuration in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments
//   - Local deployments requiring persistence
//   - Prototyping before migrating to MySQL
//
// SQLiteStore uses WAL mode for concurrent reads and proper transactions.
//
// Features:
//   - Single file database (e.g., "./recovery.db")
//   - Auto-migration on first use
//   - WAL mode for concurrent reads
//   - Transactional writes for safety
//
// Schema:
//   - workflow_checkpoints: Per-execution state snapshots with sequence numbers
//   - recovery_strategies: Ranked recovery policy definitions
//   - recovery_logs: Append-only recovery attempt history
//   - replay_sessions: Replay session lifecycle records
//   - recovery_configurations: Tunable policy, one active at a time
//
// The atomic contracts of recovery.Store map onto SQL constraints:
//   - Sequence assignment runs in a transaction under the
//     UNIQUE(execution_id, sequence_number) constraint.
//   - The single open recovery log per execution is a partial unique index,
//     so the conditional insert is the constraint check itself.
//   - The replay slot is a count-then-update transaction over the single
//     writer connection.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore creates a new SQLite-backed store.
//
// The path parameter specifies the database file location:
//   - "./recovery.db" - file in current directory
//   - "/var/lib/recoflow/recovery.db" - absolute path
//   - ":memory:" - in-memory database (data lost on close)
//
// The store automatically:
//   - Creates the database file if it doesn't exist
//   - Creates required tables and indexes
//   - Enables WAL mode for concurrent reads
//   - Configures appropriate timeouts
//
// Example:
//
//	st, err := store.NewSQLiteStore("./recovery.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
//
// For testing with in-memory database:
//
//	st, err := store.NewSQLiteStore(":memory:")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(1)    // SQLite supports one writer at a time
	db.SetMaxIdleConns(1)    // Keep connection open
	db.SetConnMaxLifetime(0) // No max lifetime for SQLite

	// Enable WAL mode for better concurrency
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Set busy timeout (wait up to 5 seconds for locks)
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	store := &SQLiteStore{
		db:   db,
		path: path,
	}

	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// createTables creates the required database schema if it doesn't exist.
func (s *SQLiteStore) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			sequence_number INTEGER NOT NULL,
			checkpoint_type TEXT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			node_name TEXT NOT NULL DEFAULT '',
			execution_state TEXT,
			context_data TEXT,
			node_outputs TEXT,
			is_recoverable INTEGER NOT NULL DEFAULT 0,
			is_milestone INTEGER NOT NULL DEFAULT 0,
			size_bytes INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NULL,
			UNIQUE(execution_id, sequence_number)
		)
	`
	if _, err := s.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create workflow_checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_execution ON workflow_checkpoints(execution_id, sequence_number)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_execution: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_checkpoints_expiry ON workflow_checkpoints(expires_at) WHERE expires_at IS NOT NULL"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_expiry: %w", err)
	}

	strategiesTable := `
		CREATE TABLE IF NOT EXISTS recovery_strategies (
			id TEXT NOT NULL PRIMARY KEY,
			name TEXT NOT NULL,
			strategy_type TEXT NOT NULL,
			workflow_id TEXT NOT NULL DEFAULT '',
			node_type TEXT NOT NULL DEFAULT '',
			error_patterns TEXT,
			max_retry_attempts INTEGER NOT NULL DEFAULT 0,
			retry_delay_ms INTEGER NOT NULL DEFAULT 0,
			backoff_multiplier REAL NOT NULL DEFAULT 1,
			recovery_actions TEXT,
			priority INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			usage_count INTEGER NOT NULL DEFAULT 0,
			success_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, strategiesTable); err != nil {
		return fmt.Errorf("failed to create recovery_strategies table: %w", err)
	}

	logsTable := `
		CREATE TABLE IF NOT EXISTS recovery_logs (
			id TEXT NOT NULL PRIMARY KEY,
			execution_id TEXT NOT NULL,
			recovery_type TEXT NOT NULL DEFAULT '',
			attempt_number INTEGER NOT NULL DEFAULT 0,
			strategy_id TEXT NOT NULL DEFAULT '',
			strategy_name TEXT NOT NULL DEFAULT '',
			checkpoint_sequence INTEGER NOT NULL DEFAULT 0,
			error_text TEXT NOT NULL DEFAULT '',
			failed_node_id TEXT NOT NULL DEFAULT '',
			failed_node_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			actions_taken TEXT,
			effective_delay_ms INTEGER NOT NULL DEFAULT 0,
			needs_manual INTEGER NOT NULL DEFAULT 0,
			was_successful INTEGER NOT NULL DEFAULT 0,
			new_execution_id TEXT NOT NULL DEFAULT '',
			recovery_error TEXT NOT NULL DEFAULT '',
			triggered_by TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, logsTable); err != nil {
		return fmt.Errorf("failed to create recovery_logs table: %w", err)
	}
	// At most one open recovery per execution, enforced by the database so
	// the conditional insert needs no application-level lock.
	if _, err := s.db.ExecContext(ctx, "CREATE UNIQUE INDEX IF NOT EXISTS idx_recovery_logs_open ON recovery_logs(execution_id) WHERE status IN ('pending', 'in_progress')"); err != nil {
		return fmt.Errorf("failed to create idx_recovery_logs_open: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_recovery_logs_execution ON recovery_logs(execution_id, started_at)"); err != nil {
		return fmt.Errorf("failed to create idx_recovery_logs_execution: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_recovery_logs_node ON recovery_logs(execution_id, failed_node_id)"); err != nil {
		return fmt.Errorf("failed to create idx_recovery_logs_node: %w", err)
	}

	sessionsTable := `
		CREATE TABLE IF NOT EXISTS replay_sessions (
			id TEXT NOT NULL PRIMARY KEY,
			execution_id TEXT NOT NULL,
			checkpoint_sequence INTEGER NOT NULL,
			replay_type TEXT NOT NULL,
			debug_mode INTEGER NOT NULL DEFAULT 0,
			modified_inputs TEXT,
			modified_context TEXT,
			skip_nodes TEXT,
			status TEXT NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			replay_execution_id TEXT NOT NULL DEFAULT '',
			purpose TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP NULL,
			completed_at TIMESTAMP NULL
		)
	`
	if _, err := s.db.ExecContext(ctx, sessionsTable); err != nil {
		return fmt.Errorf("failed to create replay_sessions table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_replay_sessions_execution ON replay_sessions(execution_id, created_at)"); err != nil {
		return fmt.Errorf("failed to create idx_replay_sessions_execution: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "CREATE INDEX IF NOT EXISTS idx_replay_sessions_status ON replay_sessions(status)"); err != nil {
		return fmt.Errorf("failed to create idx_replay_sessions_status: %w", err)
	}

	configurationsTable := `
		CREATE TABLE IF NOT EXISTS recovery_configurations (
			name TEXT NOT NULL PRIMARY KEY,
			is_active INTEGER NOT NULL DEFAULT 0,
			checkpoint_interval INTEGER NOT NULL DEFAULT 1,
			max_checkpoints_per_execution INTEGER NOT NULL DEFAULT 0,
			retention_days INTEGER NOT NULL DEFAULT 7,
			auto_recovery INTEGER NOT NULL DEFAULT 1,
			max_recovery_attempts INTEGER NOT NULL DEFAULT 3,
			recovery_delay_ms INTEGER NOT NULL DEFAULT 0,
			replay_enabled INTEGER NOT NULL DEFAULT 1,
			max_concurrent_replays INTEGER NOT NULL DEFAULT 5,
			replay_timeout_ms INTEGER NOT NULL DEFAULT 0,
			cleanup_interval_ms INTEGER NOT NULL DEFAULT 0
		)
	`
	if _, err := s.db.ExecContext(ctx, configurationsTable); err != nil {
		return fmt.Errorf("failed to create recovery_configurations table: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// InsertCheckpoint persists a checkpoint, assigning the next sequence number
// for its execution inside a transaction. The UNIQUE(execution_id,
// sequence_number) constraint backstops the assignment: if a concurrent
// writer takes the same number first, the insert retries with a fresh read.
func (s *SQLiteStore) InsertCheckpoint(ctx context.Context, cp *recovery.Checkpoint) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		seq, err := s.tryInsertCheckpoint(ctx, cp)
		if err == nil {
			cp.SequenceNumber = seq
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
	}
	return fmt.Errorf("failed to insert checkpoint: sequence contention for execution %s", cp.ExecutionID)
}

func (s *SQLiteStore) tryInsertCheckpoint(ctx context.Context, cp *recovery.Checkpoint) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM workflow_checkpoints WHERE execution_id = ?",
		cp.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_checkpoints (
			execution_id, sequence_number, checkpoint_type, node_id, node_name,
			execution_state, context_data, node_outputs,
			is_recoverable, is_milestone, size_bytes, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ExecutionID, seq, string(cp.Type), cp.NodeID, cp.NodeName,
		nullableBlob(cp.ExecutionState), nullableBlob(cp.ContextData), nullableBlob(cp.NodeOutputs),
		boolToInt(cp.Recoverable), boolToInt(cp.Milestone), cp.SizeBytes,
		cp.CreatedAt.UTC().Format(time.RFC3339Nano), nullableTime(cp.ExpiresAt),
	)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

const checkpointColumns = `
	execution_id, sequence_number, checkpoint_type, node_id, node_name,
	execution_state, context_data, node_outputs,
	is_recoverable, is_milestone, size_bytes, created_at, expires_at`

// GetCheckpoint retrieves one checkpoint by execution id and sequence number.
func (s *SQLiteStore) GetCheckpoint(ctx context.Context, executionID string, sequence int64) (*recovery.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT"+checkpointColumns+" FROM workflow_checkpoints WHERE execution_id = ? AND sequence_number = ?",
		executionID, sequence,
	)
	return scanCheckpoint(row)
}

// LatestCheckpoint returns the highest-sequence checkpoint for an execution.
func (s *SQLiteStore) LatestCheckpoint(ctx context.Context, executionID string, recoverableOnly bool) (*recovery.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := "SELECT" + checkpointColumns + " FROM workflow_checkpoints WHERE execution_id = ?"
	if recoverableOnly {
		query += " AND is_recoverable = 1"
	}
	query += " ORDER BY sequence_number DESC LIMIT 1"

	return scanCheckpoint(s.db.QueryRowContext(ctx, query, executionID))
}

// ListCheckpoints returns an execution's checkpoints ascending by sequence.
func (s *SQLiteStore) ListCheckpoints(ctx context.Context, executionID string) ([]*recovery.Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT"+checkpointColumns+" FROM workflow_checkpoints WHERE execution_id = ? ORDER BY sequence_number ASC",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*recovery.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, rows.Err()
}

// DeleteCheckpoint removes one checkpoint.
func (s *SQLiteStore) DeleteCheckpoint(ctx context.Context, executionID string, sequence int64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM workflow_checkpoints WHERE execution_id = ? AND sequence_number = ?",
		executionID, sequence,
	)
	if err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return recovery.ErrNotFound
	}
	return nil
}

// PurgeExpiredCheckpoints deletes all non-milestone checkpoints whose expiry
// has passed. The delete is conditional on the expiry column, so concurrent
// passes and in-flight writes are safe.
func (s *SQLiteStore) PurgeExpiredCheckpoints(ctx context.Context, now time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM workflow_checkpoints WHERE is_milestone = 0 AND expires_at IS NOT NULL AND expires_at <= ?",
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired checkpoints: %w", err)
	}
	return res.RowsAffected()
}

// PurgeMilestoneCheckpoints removes milestone checkpoints for one execution.
func (s *SQLiteStore) PurgeMilestoneCheckpoints(ctx context.Context, executionID string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM workflow_checkpoints WHERE execution_id = ? AND is_milestone = 1",
		executionID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge milestone checkpoints: %w", err)
	}
	return res.RowsAffected()
}

// SaveStrategy creates or replaces a strategy definition by id. Usage
// counters and the creation timestamp survive a replace.
func (s *SQLiteStore) SaveStrategy(ctx context.Context, st *recovery.RecoveryStrategy) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	patterns, err := json.Marshal(st.ErrorPatterns)
	if err != nil {
		return fmt.Errorf("failed to marshal error patterns: %w", err)
	}
	actions, err := json.Marshal(st.Actions)
	if err != nil {
		return fmt.Errorf("failed to marshal recovery actions: %w", err)
	}

	now := time.Now().UTC()
	created := st.CreatedAt
	if created.IsZero() {
		created = now
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recovery_strategies (
			id, name, strategy_type, workflow_id, node_type, error_patterns,
			max_retry_attempts, retry_delay_ms, backoff_multiplier,
			recovery_actions, priority, is_active,
			usage_count, success_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			strategy_type = excluded.strategy_type,
			workflow_id = excluded.workflow_id,
			node_type = excluded.node_type,
			error_patterns = excluded.error_patterns,
			max_retry_attempts = excluded.max_retry_attempts,
			retry_delay_ms = excluded.retry_delay_ms,
			backoff_multiplier = excluded.backoff_multiplier,
			recovery_actions = excluded.recovery_actions,
			priority = excluded.priority,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at`,
		st.ID, st.Name, string(st.Type), st.WorkflowID, st.NodeType, string(patterns),
		st.MaxRetryAttempts, st.RetryDelay.Milliseconds(), st.BackoffMultiplier,
		string(actions), st.Priority, boolToInt(st.Active),
		st.UsageCount, st.SuccessCount,
		created.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save strategy: %w", err)
	}
	return nil
}

const strategyColumns = `
	id, name, strategy_type, workflow_id, node_type, error_patterns,
	max_retry_attempts, retry_delay_ms, backoff_multiplier,
	recovery_actions, priority, is_active,
	usage_count, success_count, created_at, updated_at`

// GetStrategy retrieves a strategy by id.
func (s *SQLiteStore) GetStrategy(ctx context.Context, id string) (*recovery.RecoveryStrategy, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT"+strategyColumns+" FROM recovery_strategies WHERE id = ?", id)
	return scanStrategy(row)
}

// ListStrategies returns all strategy definitions ordered by id.
func (s *SQLiteStore) ListStrategies(ctx context.Context) ([]*recovery.RecoveryStrategy, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT"+strategyColumns+" FROM recovery_strategies ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*recovery.RecoveryStrategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// RecordStrategyOutcome increments a strategy's usage counter, and its
// success counter when success is true. A single UPDATE keeps the increments
// atomic under concurrency.
func (s *SQLiteStore) RecordStrategyOutcome(ctx context.Context, strategyID string, success bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_strategies
		SET usage_count = usage_count + 1,
			success_count = success_count + ?,
			updated_at = ?
		WHERE id = ?`,
		boolToInt(success), time.Now().UTC().Format(time.RFC3339Nano), strategyID,
	)
	if err != nil {
		return fmt.Errorf("failed to record strategy outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return recovery.ErrNotFound
	}
	return nil
}

// InsertRecoveryLog persists a new recovery log. The partial unique index on
// open logs makes the insert conditional: a second open log for the same
// execution violates the index and maps to ErrRecoveryInProgress.
func (s *SQLiteStore) InsertRecoveryLog(ctx context.Context, lg *recovery.RecoveryLog) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	actions, err := json.Marshal(lg.ActionsTaken)
	if err != nil {
		return fmt.Errorf("failed to marshal actions taken: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recovery_logs (
			id, execution_id, recovery_type, attempt_number,
			strategy_id, strategy_name, checkpoint_sequence,
			error_text, failed_node_id, failed_node_name,
			status, failure_reason, actions_taken, effective_delay_ms,
			needs_manual, was_successful, new_execution_id, recovery_error,
			triggered_by, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lg.ID, lg.ExecutionID, string(lg.RecoveryType), lg.AttemptNumber,
		lg.StrategyID, lg.StrategyName, lg.CheckpointSequence,
		lg.ErrorText, lg.FailedNodeID, lg.FailedNodeName,
		string(lg.Status), lg.FailureReason, string(actions), lg.EffectiveDelay.Milliseconds(),
		boolToInt(lg.NeedsManual), boolToInt(lg.WasSuccessful), lg.NewExecutionID, lg.RecoveryError,
		lg.TriggeredBy, lg.StartedAt.UTC().Format(time.RFC3339Nano), nullableTime(lg.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return recovery.ErrRecoveryInProgress
		}
		return fmt.Errorf("failed to insert recovery log: %w", err)
	}
	return nil
}

// UpdateRecoveryLog replaces a log's mutable fields by id.
func (s *SQLiteStore) UpdateRecoveryLog(ctx context.Context, lg *recovery.RecoveryLog) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	actions, err := json.Marshal(lg.ActionsTaken)
	if err != nil {
		return fmt.Errorf("failed to marshal actions taken: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE recovery_logs SET
			recovery_type = ?, attempt_number = ?,
			strategy_id = ?, strategy_name = ?, checkpoint_sequence = ?,
			status = ?, failure_reason = ?, actions_taken = ?, effective_delay_ms = ?,
			needs_manual = ?, was_successful = ?, new_execution_id = ?, recovery_error = ?,
			completed_at = ?
		WHERE id = ?`,
		string(lg.RecoveryType), lg.AttemptNumber,
		lg.StrategyID, lg.StrategyName, lg.CheckpointSequence,
		string(lg.Status), lg.FailureReason, string(actions), lg.EffectiveDelay.Milliseconds(),
		boolToInt(lg.NeedsManual), boolToInt(lg.WasSuccessful), lg.NewExecutionID, lg.RecoveryError,
		nullableTime(lg.CompletedAt), lg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update recovery log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return recovery.ErrNotFound
	}
	return nil
}

const recoveryLogColumns = `
	id, execution_id, recovery_type, attempt_number,
	strategy_id, strategy_name, checkpoint_sequence,
	error_text, failed_node_id, failed_node_name,
	status, failure_reason, actions_taken, effective_delay_ms,
	needs_manual, was_successful, new_execution_id, recovery_error,
	triggered_by, started_at, completed_at`

// OpenRecoveryLog returns the execution's single open recovery log.
func (s *SQLiteStore) OpenRecoveryLog(ctx context.Context, executionID string) (*recovery.RecoveryLog, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT"+recoveryLogColumns+" FROM recovery_logs WHERE execution_id = ? AND status IN ('pending', 'in_progress')",
		executionID,
	)
	return scanRecoveryLog(row)
}

// ListRecoveryLogs returns an execution's recovery history ascending by start
// time.
func (s *SQLiteStore) ListRecoveryLogs(ctx context.Context, executionID string) ([]*recovery.RecoveryLog, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT"+recoveryLogColumns+" FROM recovery_logs WHERE execution_id = ? ORDER BY started_at ASC, id ASC",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*recovery.RecoveryLog
	for rows.Next() {
		lg, err := scanRecoveryLog(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, lg)
	}
	return result, rows.Err()
}

// CountRecoveryAttempts counts prior attempts for one execution+node lineage.
func (s *SQLiteStore) CountRecoveryAttempts(ctx context.Context, executionID, nodeID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM recovery_logs WHERE execution_id = ? AND failed_node_id = ?",
		executionID, nodeID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recovery attempts: %w", err)
	}
	return count, nil
}

// InsertReplaySession persists a new replay session.
func (s *SQLiteStore) InsertReplaySession(ctx context.Context, sess *recovery.ReplaySession) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	inputs, err := json.Marshal(sess.ModifiedInputs)
	if err != nil {
		return fmt.Errorf("failed to marshal modified inputs: %w", err)
	}
	contextData, err := json.Marshal(sess.ModifiedContext)
	if err != nil {
		return fmt.Errorf("failed to marshal modified context: %w", err)
	}
	skips, err := json.Marshal(sess.SkipNodes)
	if err != nil {
		return fmt.Errorf("failed to marshal skip nodes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO replay_sessions (
			id, execution_id, checkpoint_sequence, replay_type, debug_mode,
			modified_inputs, modified_context, skip_nodes,
			status, failure_reason, replay_execution_id, purpose,
			created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ExecutionID, sess.Checkpoint, string(sess.Type), boolToInt(sess.DebugMode),
		string(inputs), string(contextData), string(skips),
		string(sess.Status), sess.FailureReason, sess.ReplayExecutionID, sess.Purpose,
		sess.CreatedAt.UTC().Format(time.RFC3339Nano), nullableTime(sess.StartedAt), nullableTime(sess.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert replay session: %w", err)
	}
	return nil
}

const replaySessionColumns = `
	id, execution_id, checkpoint_sequence, replay_type, debug_mode,
	modified_inputs, modified_context, skip_nodes,
	status, failure_reason, replay_execution_id, purpose,
	created_at, started_at, completed_at`

// GetReplaySession retrieves a session by id.
func (s *SQLiteStore) GetReplaySession(ctx context.Context, id string) (*recovery.ReplaySession, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		"SELECT"+replaySessionColumns+" FROM replay_sessions WHERE id = ?", id)
	return scanReplaySession(row)
}

// UpdateReplaySession replaces a session's mutable fields by id.
func (s *SQLiteStore) UpdateReplaySession(ctx context.Context, sess *recovery.ReplaySession) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE replay_sessions SET
			status = ?, failure_reason = ?, replay_execution_id = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(sess.Status), sess.FailureReason, sess.ReplayExecutionID,
		nullableTime(sess.StartedAt), nullableTime(sess.CompletedAt), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update replay session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return recovery.ErrNotFound
	}
	return nil
}

// DeleteReplaySession removes a session.
func (s *SQLiteStore) DeleteReplaySession(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM replay_sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete replay session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return recovery.ErrNotFound
	}
	return nil
}

// ListReplaySessions returns sessions for one execution, or all sessions when
// executionID is empty, ascending by creation time.
func (s *SQLiteStore) ListReplaySessions(ctx context.Context, executionID string) ([]*recovery.ReplaySession, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := "SELECT" + replaySessionColumns + " FROM replay_sessions"
	args := []any{}
	if executionID != "" {
		query += " WHERE execution_id = ?"
		args = append(args, executionID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list replay sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*recovery.ReplaySession
	for rows.Next() {
		sess, err := scanReplaySession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// AcquireReplaySlot transitions a created session to running if the count of
// running sessions is below maxRunning. The count and the transition run in
// one transaction over the single writer connection, so concurrent
// acquisitions never exceed the cap.
func (s *SQLiteStore) AcquireReplaySlot(ctx context.Context, sessionID string, maxRunning int) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM replay_sessions WHERE id = ?", sessionID).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, recovery.ErrNotFound
	}

	if maxRunning > 0 {
		var running int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM replay_sessions WHERE status = 'running'").Scan(&running); err != nil {
			return false, err
		}
		if running >= maxRunning {
			return false, nil
		}
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE replay_sessions SET status = 'running', started_at = ? WHERE id = ? AND status = 'created'",
		time.Now().UTC().Format(time.RFC3339Nano), sessionID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// CountRunningReplays returns the number of sessions in the running state.
func (s *SQLiteStore) CountRunningReplays(ctx context.Context) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM replay_sessions WHERE status = 'running'").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count running replays: %w", err)
	}
	return count, nil
}

// TimeoutReplaySessions force-fails running sessions started at or before the
// cutoff. The update is conditional on the status and start columns, so
// concurrent passes are idempotent.
func (s *SQLiteStore) TimeoutReplaySessions(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		UPDATE replay_sessions
		SET status = 'failed', failure_reason = ?, completed_at = ?
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at <= ?`,
		recovery.ReasonTimeout, now, cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to timeout replay sessions: %w", err)
	}
	return res.RowsAffected()
}

// ActiveConfiguration returns the single configuration with is_active=1.
func (s *SQLiteStore) ActiveConfiguration(ctx context.Context) (*recovery.RecoveryConfiguration, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT name, is_active, checkpoint_interval, max_checkpoints_per_execution,
			retention_days, auto_recovery, max_recovery_attempts, recovery_delay_ms,
			replay_enabled, max_concurrent_replays, replay_timeout_ms, cleanup_interval_ms
		FROM recovery_configurations WHERE is_active = 1 LIMIT 1`)
	return scanConfiguration(row)
}

// SaveConfiguration creates or replaces a configuration by name. Saving an
// active configuration deactivates all others in the same transaction,
// preserving the single-active invariant.
func (s *SQLiteStore) SaveConfiguration(ctx context.Context, cfg *recovery.RecoveryConfiguration) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if cfg.Active {
		if _, err := tx.ExecContext(ctx,
			"UPDATE recovery_configurations SET is_active = 0 WHERE name != ?", cfg.Name); err != nil {
			return fmt.Errorf("failed to deactivate configurations: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO recovery_configurations (
			name, is_active, checkpoint_interval, max_checkpoints_per_execution,
			retention_days, auto_recovery, max_recovery_attempts, recovery_delay_ms,
			replay_enabled, max_concurrent_replays, replay_timeout_ms, cleanup_interval_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			is_active = excluded.is_active,
			checkpoint_interval = excluded.checkpoint_interval,
			max_checkpoints_per_execution = excluded.max_checkpoints_per_execution,
			retention_days = excluded.retention_days,
			auto_recovery = excluded.auto_recovery,
			max_recovery_attempts = excluded.max_recovery_attempts,
			recovery_delay_ms = excluded.recovery_delay_ms,
			replay_enabled = excluded.replay_enabled,
			max_concurrent_replays = excluded.max_concurrent_replays,
			replay_timeout_ms = excluded.replay_timeout_ms,
			cleanup_interval_ms = excluded.cleanup_interval_ms`,
		cfg.Name, boolToInt(cfg.Active), cfg.CheckpointInterval, cfg.MaxCheckpointsPerExecution,
		cfg.RetentionDays, boolToInt(cfg.AutoRecovery), cfg.MaxRecoveryAttempts, cfg.RecoveryDelay.Milliseconds(),
		boolToInt(cfg.ReplayEnabled), cfg.MaxConcurrentReplays, cfg.ReplayTimeout.Milliseconds(), cfg.CleanupInterval.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	return tx.Commit()
}

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*recovery.Checkpoint, error) {
	var (
		cp          recovery.Checkpoint
		cpType      string
		state       sql.NullString
		contextData sql.NullString
		outputs     sql.NullString
		recoverable int
		milestone   int
		createdAt   string
		expiresAt   sql.NullString
	)
	err := row.Scan(
		&cp.ExecutionID, &cp.SequenceNumber, &cpType, &cp.NodeID, &cp.NodeName,
		&state, &contextData, &outputs,
		&recoverable, &milestone, &cp.SizeBytes, &createdAt, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, recovery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint: %w", err)
	}

	cp.Type = recovery.CheckpointType(cpType)
	cp.ExecutionState = blobFromNull(state)
	cp.ContextData = blobFromNull(contextData)
	cp.NodeOutputs = blobFromNull(outputs)
	cp.Recoverable = recoverable != 0
	cp.Milestone = milestone != 0
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if cp.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	return &cp, nil
}

func scanStrategy(row rowScanner) (*recovery.RecoveryStrategy, error) {
	var (
		st        recovery.RecoveryStrategy
		stType    string
		patterns  sql.NullString
		delayMS   int64
		actions   sql.NullString
		active    int
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&st.ID, &st.Name, &stType, &st.WorkflowID, &st.NodeType, &patterns,
		&st.MaxRetryAttempts, &delayMS, &st.BackoffMultiplier,
		&actions, &st.Priority, &active,
		&st.UsageCount, &st.SuccessCount, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, recovery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan strategy: %w", err)
	}

	st.Type = recovery.StrategyType(stType)
	st.RetryDelay = time.Duration(delayMS) * time.Millisecond
	st.Active = active != 0
	if patterns.Valid && patterns.String != "" {
		if err := json.Unmarshal([]byte(patterns.String), &st.ErrorPatterns); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error patterns: %w", err)
		}
	}
	if actions.Valid && actions.String != "" {
		if err := json.Unmarshal([]byte(actions.String), &st.Actions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recovery actions: %w", err)
		}
	}
	if st.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if st.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &st, nil
}

func scanRecoveryLog(row rowScanner) (*recovery.RecoveryLog, error) {
	var (
		lg          recovery.RecoveryLog
		recType     string
		status      string
		actions     sql.NullString
		delayMS     int64
		needsManual int
		successful  int
		startedAt   string
		completedAt sql.NullString
	)
	err := row.Scan(
		&lg.ID, &lg.ExecutionID, &recType, &lg.AttemptNumber,
		&lg.StrategyID, &lg.StrategyName, &lg.CheckpointSequence,
		&lg.ErrorText, &lg.FailedNodeID, &lg.FailedNodeName,
		&status, &lg.FailureReason, &actions, &delayMS,
		&needsManual, &successful, &lg.NewExecutionID, &lg.RecoveryError,
		&lg.TriggeredBy, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, recovery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan recovery log: %w", err)
	}

	lg.RecoveryType = recovery.StrategyType(recType)
	lg.Status = recovery.RecoveryStatus(status)
	lg.EffectiveDelay = time.Duration(delayMS) * time.Millisecond
	lg.NeedsManual = needsManual != 0
	lg.WasSuccessful = successful != 0
	if actions.Valid && actions.String != "" {
		if err := json.Unmarshal([]byte(actions.String), &lg.ActionsTaken); err != nil {
			return nil, fmt.Errorf("failed to unmarshal actions taken: %w", err)
		}
	}
	if lg.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if lg.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &lg, nil
}

func scanReplaySession(row rowScanner) (*recovery.ReplaySession, error) {
	var (
		sess        recovery.ReplaySession
		repType     string
		debug       int
		inputs      sql.NullString
		contextData sql.NullString
		skips       sql.NullString
		status      string
		createdAt   string
		startedAt   sql.NullString
		completedAt sql.NullString
	)
	err := row.Scan(
		&sess.ID, &sess.ExecutionID, &sess.Checkpoint, &repType, &debug,
		&inputs, &contextData, &skips,
		&status, &sess.FailureReason, &sess.ReplayExecutionID, &sess.Purpose,
		&createdAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, recovery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan replay session: %w", err)
	}

	sess.Type = recovery.ReplayType(repType)
	sess.DebugMode = debug != 0
	sess.Status = recovery.ReplayStatus(status)
	if inputs.Valid && inputs.String != "" && inputs.String != "null" {
		if err := json.Unmarshal([]byte(inputs.String), &sess.ModifiedInputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal modified inputs: %w", err)
		}
	}
	if contextData.Valid && contextData.String != "" && contextData.String != "null" {
		if err := json.Unmarshal([]byte(contextData.String), &sess.ModifiedContext); err != nil {
			return nil, fmt.Errorf("failed to unmarshal modified context: %w", err)
		}
	}
	if skips.Valid && skips.String != "" && skips.String != "null" {
		if err := json.Unmarshal([]byte(skips.String), &sess.SkipNodes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal skip nodes: %w", err)
		}
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.StartedAt, err = parseNullTime(startedAt); err != nil {
		return nil, err
	}
	if sess.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

func scanConfiguration(row rowScanner) (*recovery.RecoveryConfiguration, error) {
	var (
		cfg       recovery.RecoveryConfiguration
		active    int
		autoRec   int
		replayOn  int
		delayMS   int64
		timeoutMS int64
		cleanMS   int64
	)
	err := row.Scan(
		&cfg.Name, &active, &cfg.CheckpointInterval, &cfg.MaxCheckpointsPerExecution,
		&cfg.RetentionDays, &autoRec, &cfg.MaxRecoveryAttempts, &delayMS,
		&replayOn, &cfg.MaxConcurrentReplays, &timeoutMS, &cleanMS,
	)
	if err == sql.ErrNoRows {
		return nil, recovery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan configuration: %w", err)
	}

	cfg.Active = active != 0
	cfg.AutoRecovery = autoRec != 0
	cfg.ReplayEnabled = replayOn != 0
	cfg.RecoveryDelay = time.Duration(delayMS) * time.Millisecond
	cfg.ReplayTimeout = time.Duration(timeoutMS) * time.Millisecond
	cfg.CleanupInterval = time.Duration(cleanMS) * time.Millisecond
	return &cfg, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBlob(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func blobFromNull(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}
