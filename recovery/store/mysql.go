package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/recoflow/recoflow-go/recovery"
)

// MySQLStore is a MySQL/MariaDB implementation of recovery.Store.
//
// It stores checkpoints, strategies, recovery logs, replay sessions, and
// configuration in a relational database. Designed for:
//   - Production deployments requiring persistence
//   - Distributed systems with multiple workers
//   - Long-running executions that survive process restarts
//   - Audit trails and compliance requirements
//
// MySQLStore uses connection pooling and transactions for reliability.
//
// The atomic contracts of recovery.Store map onto SQL constraints:
//   - Sequence assignment runs in a transaction under the
//     UNIQUE(execution_id, sequence_number) key, retrying on duplicate-key
//     errors from concurrent writers.
//   - The single open recovery log per execution is a unique key over a
//     generated column that is NULL for closed logs, so the conditional
//     insert is the constraint check itself.
//   - The replay slot is a locking count-then-update transaction.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore creates a new MySQL-backed store.
//
// The DSN (Data Source Name) format is:
//
//	[username[:password]@][protocol[(address)]]/dbname[?param1=value1&...&paramN=valueN]
//
// Example DSNs:
//
//	user:password@tcp(localhost:3306)/recoflow
//	user:password@tcp(127.0.0.1:3306)/recoflow?parseTime=true
//
// parseTime=true is required to scan DATETIME columns; it is appended
// automatically when missing.
//
// Security Warning:
//
//	NEVER hardcode credentials in your source code. Use environment variables:
//	    dsn := os.Getenv("MYSQL_DSN")
//	    if dsn == "" {
//	        log.Fatal("MYSQL_DSN environment variable not set")
//	    }
//	    st, err := store.NewMySQLStore(dsn)
//
// The store automatically:
//   - Creates required tables if they don't exist
//   - Configures connection pooling
//   - Sets appropriate timeouts
//
// Example:
//
//	st, err := store.NewMySQLStore("user:pass@tcp(localhost:3306)/recoflow")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	if !strings.Contains(dsn, "parseTime") {
		if strings.Contains(dsn, "?") {
			dsn += "&parseTime=true"
		} else {
			dsn += "?parseTime=true"
		}
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)                  // Maximum open connections
	db.SetMaxIdleConns(5)                   // Keep idle connections for reuse
	db.SetConnMaxLifetime(5 * time.Minute)  // Max connection lifetime (prevent stale connections)
	db.SetConnMaxIdleTime(10 * time.Minute) // Max idle time before closing

	// Verify connection
	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	store := &MySQLStore{db: db}

	if err := store.createTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// createTables creates the required database schema if it doesn't exist.
func (m *MySQLStore) createTables(ctx context.Context) error {
	checkpointsTable := `
		CREATE TABLE IF NOT EXISTS workflow_checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			execution_id VARCHAR(255) NOT NULL,
			sequence_number BIGINT NOT NULL,
			checkpoint_type VARCHAR(32) NOT NULL,
			node_id VARCHAR(255) NOT NULL DEFAULT '',
			node_name VARCHAR(255) NOT NULL DEFAULT '',
			execution_state JSON NULL,
			context_data JSON NULL,
			node_outputs JSON NULL,
			is_recoverable TINYINT(1) NOT NULL DEFAULT 0,
			is_milestone TINYINT(1) NOT NULL DEFAULT 0,
			size_bytes BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL,
			expires_at DATETIME(6) NULL,
			INDEX idx_checkpoints_expiry (expires_at),
			UNIQUE KEY unique_execution_sequence (execution_id, sequence_number)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, checkpointsTable); err != nil {
		return fmt.Errorf("failed to create workflow_checkpoints table: %w", err)
	}

	strategiesTable := `
		CREATE TABLE IF NOT EXISTS recovery_strategies (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			strategy_type VARCHAR(32) NOT NULL,
			workflow_id VARCHAR(255) NOT NULL DEFAULT '',
			node_type VARCHAR(255) NOT NULL DEFAULT '',
			error_patterns JSON NULL,
			max_retry_attempts INT NOT NULL DEFAULT 0,
			retry_delay_ms BIGINT NOT NULL DEFAULT 0,
			backoff_multiplier DOUBLE NOT NULL DEFAULT 1,
			recovery_actions JSON NULL,
			priority INT NOT NULL DEFAULT 0,
			is_active TINYINT(1) NOT NULL DEFAULT 1,
			usage_count BIGINT NOT NULL DEFAULT 0,
			success_count BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, strategiesTable); err != nil {
		return fmt.Errorf("failed to create recovery_strategies table: %w", err)
	}

	// open_execution is NULL for closed logs, so the unique key enforces at
	// most one open recovery per execution while allowing unlimited history.
	logsTable := `
		CREATE TABLE IF NOT EXISTS recovery_logs (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			execution_id VARCHAR(255) NOT NULL,
			recovery_type VARCHAR(32) NOT NULL DEFAULT '',
			attempt_number INT NOT NULL DEFAULT 0,
			strategy_id VARCHAR(255) NOT NULL DEFAULT '',
			strategy_name VARCHAR(255) NOT NULL DEFAULT '',
			checkpoint_sequence BIGINT NOT NULL DEFAULT 0,
			error_text TEXT NOT NULL,
			failed_node_id VARCHAR(255) NOT NULL DEFAULT '',
			failed_node_name VARCHAR(255) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			failure_reason VARCHAR(255) NOT NULL DEFAULT '',
			actions_taken JSON NULL,
			effective_delay_ms BIGINT NOT NULL DEFAULT 0,
			needs_manual TINYINT(1) NOT NULL DEFAULT 0,
			was_successful TINYINT(1) NOT NULL DEFAULT 0,
			new_execution_id VARCHAR(255) NOT NULL DEFAULT '',
			recovery_error TEXT NULL,
			triggered_by VARCHAR(255) NOT NULL DEFAULT '',
			started_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			open_execution VARCHAR(255) GENERATED ALWAYS AS (
				CASE WHEN status IN ('pending', 'in_progress') THEN execution_id ELSE NULL END
			) STORED,
			INDEX idx_recovery_logs_execution (execution_id, started_at),
			INDEX idx_recovery_logs_node (execution_id, failed_node_id),
			UNIQUE KEY unique_open_recovery (open_execution)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, logsTable); err != nil {
		return fmt.Errorf("failed to create recovery_logs table: %w", err)
	}

	sessionsTable := `
		CREATE TABLE IF NOT EXISTS replay_sessions (
			id VARCHAR(255) NOT NULL PRIMARY KEY,
			execution_id VARCHAR(255) NOT NULL,
			checkpoint_sequence BIGINT NOT NULL,
			replay_type VARCHAR(32) NOT NULL,
			debug_mode TINYINT(1) NOT NULL DEFAULT 0,
			modified_inputs JSON NULL,
			modified_context JSON NULL,
			skip_nodes JSON NULL,
			status VARCHAR(32) NOT NULL,
			failure_reason VARCHAR(255) NOT NULL DEFAULT '',
			replay_execution_id VARCHAR(255) NOT NULL DEFAULT '',
			purpose TEXT NULL,
			created_at DATETIME(6) NOT NULL,
			started_at DATETIME(6) NULL,
			completed_at DATETIME(6) NULL,
			INDEX idx_replay_sessions_execution (execution_id, created_at),
			INDEX idx_replay_sessions_status (status)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, sessionsTable); err != nil {
		return fmt.Errorf("failed to create replay_sessions table: %w", err)
	}

	configurationsTable := `
		CREATE TABLE IF NOT EXISTS recovery_configurations (
			name VARCHAR(255) NOT NULL PRIMARY KEY,
			is_active TINYINT(1) NOT NULL DEFAULT 0,
			checkpoint_interval INT NOT NULL DEFAULT 1,
			max_checkpoints_per_execution INT NOT NULL DEFAULT 0,
			retention_days INT NOT NULL DEFAULT 7,
			auto_recovery TINYINT(1) NOT NULL DEFAULT 1,
			max_recovery_attempts INT NOT NULL DEFAULT 3,
			recovery_delay_ms BIGINT NOT NULL DEFAULT 0,
			replay_enabled TINYINT(1) NOT NULL DEFAULT 1,
			max_concurrent_replays INT NOT NULL DEFAULT 5,
			replay_timeout_ms BIGINT NOT NULL DEFAULT 0,
			cleanup_interval_ms BIGINT NOT NULL DEFAULT 0
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, configurationsTable); err != nil {
		return fmt.Errorf("failed to create recovery_configurations table: %w", err)
	}

	return nil
}

// Close closes the database connection pool.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// isDuplicateKey reports whether err is a MySQL duplicate-key error (1062).
func isDuplicateKey(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

// InsertCheckpoint persists a checkpoint, assigning the next sequence number
// for its execution inside a transaction. Concurrent writers that race onto
// the same number hit the unique key; the loser retries with a fresh read.
func (m *MySQLStore) InsertCheckpoint(ctx context.Context, cp *recovery.Checkpoint) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	for attempt := 0; attempt < 5; attempt++ {
		seq, err := m.tryInsertCheckpoint(ctx, cp)
		if err == nil {
			cp.SequenceNumber = seq
			return nil
		}
		if !isDuplicateKey(err) {
			return fmt.Errorf("failed to insert checkpoint: %w", err)
		}
	}
	return fmt.Errorf("failed to insert checkpoint: sequence contention for execution %s", cp.ExecutionID)
}

func (m *MySQLStore) tryInsertCheckpoint(ctx context.Context, cp *recovery.Checkpoint) (int64, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM workflow_checkpoints WHERE execution_id = ? FOR UPDATE",
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
		cp.Recoverable, cp.Milestone, cp.SizeBytes,
		cp.CreatedAt.UTC(), mysqlNullableTime(cp.ExpiresAt),
	)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

// GetCheckpoint retrieves one checkpoint by execution id and sequence number.
func (m *MySQLStore) GetCheckpoint(ctx context.Context, executionID string, sequence int64) (*recovery.Checkpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	row := m.db.QueryRowContext(ctx,
		"SELECT"+checkpointColumns+" FROM workflow_checkpoints WHERE execution_id = ? AND sequence_number = ?",
		executionID, sequence,
	)
	return scanMySQLCheckpoint(row)
}

// LatestCheckpoint returns the highest-sequence checkpoint for an execution.
func (m *MySQLStore) LatestCheckpoint(ctx context.Context, executionID string, recoverableOnly bool) (*recovery.Checkpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	query := "SELECT" + checkpointColumns + " FROM workflow_checkpoints WHERE execution_id = ?"
	if recoverableOnly {
		query += " AND is_recoverable = 1"
	}
	query += " ORDER BY sequence_number DESC LIMIT 1"

	return scanMySQLCheckpoint(m.db.QueryRowContext(ctx, query, executionID))
}

// ListCheckpoints returns an execution's checkpoints ascending by sequence.
func (m *MySQLStore) ListCheckpoints(ctx context.Context, executionID string) ([]*recovery.Checkpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx,
		"SELECT"+checkpointColumns+" FROM workflow_checkpoints WHERE execution_id = ? ORDER BY sequence_number ASC",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*recovery.Checkpoint
	for rows.Next() {
		cp, err := scanMySQLCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	return result, rows.Err()
}

// DeleteCheckpoint removes one checkpoint.
func (m *MySQLStore) DeleteCheckpoint(ctx context.Context, executionID string, sequence int64) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	res, err := m.db.ExecContext(ctx,
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
// has passed.
func (m *MySQLStore) PurgeExpiredCheckpoints(ctx context.Context, now time.Time) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	res, err := m.db.ExecContext(ctx,
		"DELETE FROM workflow_checkpoints WHERE is_milestone = 0 AND expires_at IS NOT NULL AND expires_at <= ?",
		now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired checkpoints: %w", err)
	}
	return res.RowsAffected()
}

// PurgeMilestoneCheckpoints removes milestone checkpoints for one execution.
func (m *MySQLStore) PurgeMilestoneCheckpoints(ctx context.Context, executionID string) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	res, err := m.db.ExecContext(ctx,
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
func (m *MySQLStore) SaveStrategy(ctx context.Context, st *recovery.RecoveryStrategy) error {
	if err := m.checkOpen(); err != nil {
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

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO recovery_strategies (
			id, name, strategy_type, workflow_id, node_type, error_patterns,
			max_retry_attempts, retry_delay_ms, backoff_multiplier,
			recovery_actions, priority, is_active,
			usage_count, success_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			name = VALUES(name),
			strategy_type = VALUES(strategy_type),
			workflow_id = VALUES(workflow_id),
			node_type = VALUES(node_type),
			error_patterns = VALUES(error_patterns),
			max_retry_attempts = VALUES(max_retry_attempts),
			retry_delay_ms = VALUES(retry_delay_ms),
			backoff_multiplier = VALUES(backoff_multiplier),
			recovery_actions = VALUES(recovery_actions),
			priority = VALUES(priority),
			is_active = VALUES(is_active),
			updated_at = VALUES(updated_at)`,
		st.ID, st.Name, string(st.Type), st.WorkflowID, st.NodeType, string(patterns),
		st.MaxRetryAttempts, st.RetryDelay.Milliseconds(), st.BackoffMultiplier,
		string(actions), st.Priority, st.Active,
		st.UsageCount, st.SuccessCount, created, now,
	)
	if err != nil {
		return fmt.Errorf("failed to save strategy: %w", err)
	}
	return nil
}

// GetStrategy retrieves a strategy by id.
func (m *MySQLStore) GetStrategy(ctx context.Context, id string) (*recovery.RecoveryStrategy, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	row := m.db.QueryRowContext(ctx,
		"SELECT"+strategyColumns+" FROM recovery_strategies WHERE id = ?", id)
	return scanMySQLStrategy(row)
}

// ListStrategies returns all strategy definitions ordered by id.
func (m *MySQLStore) ListStrategies(ctx context.Context) ([]*recovery.RecoveryStrategy, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx,
		"SELECT"+strategyColumns+" FROM recovery_strategies ORDER BY id ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list strategies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*recovery.RecoveryStrategy
	for rows.Next() {
		st, err := scanMySQLStrategy(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, st)
	}
	return result, rows.Err()
}

// RecordStrategyOutcome increments a strategy's usage counter, and its
// success counter when success is true.
func (m *MySQLStore) RecordStrategyOutcome(ctx context.Context, strategyID string, success bool) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	res, err := m.db.ExecContext(ctx, `
		UPDATE recovery_strategies
		SET usage_count = usage_count + 1,
			success_count = success_count + ?,
			updated_at = ?
		WHERE id = ?`,
		boolToInt(success), time.Now().UTC(), strategyID,
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

// InsertRecoveryLog persists a new recovery log. The unique key over the
// generated open_execution column makes the insert conditional: a second open
// log for the same execution is a duplicate key and maps to
// ErrRecoveryInProgress.
func (m *MySQLStore) InsertRecoveryLog(ctx context.Context, lg *recovery.RecoveryLog) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	actions, err := json.Marshal(lg.ActionsTaken)
	if err != nil {
		return fmt.Errorf("failed to marshal actions taken: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `
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
		lg.NeedsManual, lg.WasSuccessful, lg.NewExecutionID, lg.RecoveryError,
		lg.TriggeredBy, lg.StartedAt.UTC(), mysqlNullableTime(lg.CompletedAt),
	)
	if err != nil {
		if isDuplicateKey(err) {
			return recovery.ErrRecoveryInProgress
		}
		return fmt.Errorf("failed to insert recovery log: %w", err)
	}
	return nil
}

// UpdateRecoveryLog replaces a log's mutable fields by id.
func (m *MySQLStore) UpdateRecoveryLog(ctx context.Context, lg *recovery.RecoveryLog) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	actions, err := json.Marshal(lg.ActionsTaken)
	if err != nil {
		return fmt.Errorf("failed to marshal actions taken: %w", err)
	}

	res, err := m.db.ExecContext(ctx, `
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
		lg.NeedsManual, lg.WasSuccessful, lg.NewExecutionID, lg.RecoveryError,
		mysqlNullableTime(lg.CompletedAt), lg.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update recovery log: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}
	return nil
}

// OpenRecoveryLog returns the execution's single open recovery log.
func (m *MySQLStore) OpenRecoveryLog(ctx context.Context, executionID string) (*recovery.RecoveryLog, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	row := m.db.QueryRowContext(ctx,
		"SELECT"+recoveryLogColumns+" FROM recovery_logs WHERE execution_id = ? AND status IN ('pending', 'in_progress')",
		executionID,
	)
	return scanMySQLRecoveryLog(row)
}

// ListRecoveryLogs returns an execution's recovery history ascending by start
// time.
func (m *MySQLStore) ListRecoveryLogs(ctx context.Context, executionID string) ([]*recovery.RecoveryLog, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx,
		"SELECT"+recoveryLogColumns+" FROM recovery_logs WHERE execution_id = ? ORDER BY started_at ASC, id ASC",
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*recovery.RecoveryLog
	for rows.Next() {
		lg, err := scanMySQLRecoveryLog(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, lg)
	}
	return result, rows.Err()
}

// CountRecoveryAttempts counts prior attempts for one execution+node lineage.
func (m *MySQLStore) CountRecoveryAttempts(ctx context.Context, executionID, nodeID string) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	var count int
	err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM recovery_logs WHERE execution_id = ? AND failed_node_id = ?",
		executionID, nodeID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count recovery attempts: %w", err)
	}
	return count, nil
}

// InsertReplaySession persists a new replay session.
func (m *MySQLStore) InsertReplaySession(ctx context.Context, sess *recovery.ReplaySession) error {
	if err := m.checkOpen(); err != nil {
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

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO replay_sessions (
			id, execution_id, checkpoint_sequence, replay_type, debug_mode,
			modified_inputs, modified_context, skip_nodes,
			status, failure_reason, replay_execution_id, purpose,
			created_at, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ExecutionID, sess.Checkpoint, string(sess.Type), sess.DebugMode,
		string(inputs), string(contextData), string(skips),
		string(sess.Status), sess.FailureReason, sess.ReplayExecutionID, sess.Purpose,
		sess.CreatedAt.UTC(), mysqlNullableTime(sess.StartedAt), mysqlNullableTime(sess.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert replay session: %w", err)
	}
	return nil
}

// GetReplaySession retrieves a session by id.
func (m *MySQLStore) GetReplaySession(ctx context.Context, id string) (*recovery.ReplaySession, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	row := m.db.QueryRowContext(ctx,
		"SELECT"+replaySessionColumns+" FROM replay_sessions WHERE id = ?", id)
	return scanMySQLReplaySession(row)
}

// UpdateReplaySession replaces a session's mutable fields by id.
func (m *MySQLStore) UpdateReplaySession(ctx context.Context, sess *recovery.ReplaySession) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	res, err := m.db.ExecContext(ctx, `
		UPDATE replay_sessions SET
			status = ?, failure_reason = ?, replay_execution_id = ?,
			started_at = ?, completed_at = ?
		WHERE id = ?`,
		string(sess.Status), sess.FailureReason, sess.ReplayExecutionID,
		mysqlNullableTime(sess.StartedAt), mysqlNullableTime(sess.CompletedAt), sess.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update replay session: %w", err)
	}
	if _, err := res.RowsAffected(); err != nil {
		return err
	}
	return nil
}

// DeleteReplaySession removes a session.
func (m *MySQLStore) DeleteReplaySession(ctx context.Context, id string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	res, err := m.db.ExecContext(ctx, "DELETE FROM replay_sessions WHERE id = ?", id)
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
func (m *MySQLStore) ListReplaySessions(ctx context.Context, executionID string) ([]*recovery.ReplaySession, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	query := "SELECT" + replaySessionColumns + " FROM replay_sessions"
	args := []any{}
	if executionID != "" {
		query += " WHERE execution_id = ?"
		args = append(args, executionID)
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list replay sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*recovery.ReplaySession
	for rows.Next() {
		sess, err := scanMySQLReplaySession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// AcquireReplaySlot transitions a created session to running if the count of
// running sessions is below maxRunning. The count uses a locking read so
// concurrent transactions serialize on the running set.
func (m *MySQLStore) AcquireReplaySlot(ctx context.Context, sessionID string, maxRunning int) (bool, error) {
	if err := m.checkOpen(); err != nil {
		return false, err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM replay_sessions WHERE id = ? FOR UPDATE", sessionID).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, recovery.ErrNotFound
	}

	if maxRunning > 0 {
		var running int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM replay_sessions WHERE status = 'running' FOR UPDATE").Scan(&running); err != nil {
			return false, err
		}
		if running >= maxRunning {
			return false, nil
		}
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE replay_sessions SET status = 'running', started_at = ? WHERE id = ? AND status = 'created'",
		time.Now().UTC(), sessionID,
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
func (m *MySQLStore) CountRunningReplays(ctx context.Context) (int, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	var count int
	err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM replay_sessions WHERE status = 'running'").Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count running replays: %w", err)
	}
	return count, nil
}

// TimeoutReplaySessions force-fails running sessions started at or before the
// cutoff.
func (m *MySQLStore) TimeoutReplaySessions(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := m.checkOpen(); err != nil {
		return 0, err
	}

	res, err := m.db.ExecContext(ctx, `
		UPDATE replay_sessions
		SET status = 'failed', failure_reason = ?, completed_at = ?
		WHERE status = 'running' AND started_at IS NOT NULL AND started_at <= ?`,
		recovery.ReasonTimeout, time.Now().UTC(), cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to timeout replay sessions: %w", err)
	}
	return res.RowsAffected()
}

// ActiveConfiguration returns the single configuration with is_active=1.
func (m *MySQLStore) ActiveConfiguration(ctx context.Context) (*recovery.RecoveryConfiguration, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	row := m.db.QueryRowContext(ctx, `
		SELECT name, is_active, checkpoint_interval, max_checkpoints_per_execution,
			retention_days, auto_recovery, max_recovery_attempts, recovery_delay_ms,
			replay_enabled, max_concurrent_replays, replay_timeout_ms, cleanup_interval_ms
		FROM recovery_configurations WHERE is_active = 1 LIMIT 1`)
	return scanConfiguration(row)
}

// SaveConfiguration creates or replaces a configuration by name. Saving an
// active configuration deactivates all others in the same transaction.
func (m *MySQLStore) SaveConfiguration(ctx context.Context, cfg *recovery.RecoveryConfiguration) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
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
		ON DUPLICATE KEY UPDATE
			is_active = VALUES(is_active),
			checkpoint_interval = VALUES(checkpoint_interval),
			max_checkpoints_per_execution = VALUES(max_checkpoints_per_execution),
			retention_days = VALUES(retention_days),
			auto_recovery = VALUES(auto_recovery),
			max_recovery_attempts = VALUES(max_recovery_attempts),
			recovery_delay_ms = VALUES(recovery_delay_ms),
			replay_enabled = VALUES(replay_enabled),
			max_concurrent_replays = VALUES(max_concurrent_replays),
			replay_timeout_ms = VALUES(replay_timeout_ms),
			cleanup_interval_ms = VALUES(cleanup_interval_ms)`,
		cfg.Name, cfg.Active, cfg.CheckpointInterval, cfg.MaxCheckpointsPerExecution,
		cfg.RetentionDays, cfg.AutoRecovery, cfg.MaxRecoveryAttempts, cfg.RecoveryDelay.Milliseconds(),
		cfg.ReplayEnabled, cfg.MaxConcurrentReplays, cfg.ReplayTimeout.Milliseconds(), cfg.CleanupInterval.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	return tx.Commit()
}

func mysqlNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func scanMySQLCheckpoint(row rowScanner) (*recovery.Checkpoint, error) {
	var (
		cp          recovery.Checkpoint
		cpType      string
		state       sql.NullString
		contextData sql.NullString
		outputs     sql.NullString
		expiresAt   sql.NullTime
	)
	err := row.Scan(
		&cp.ExecutionID, &cp.SequenceNumber, &cpType, &cp.NodeID, &cp.NodeName,
		&state, &contextData, &outputs,
		&cp.Recoverable, &cp.Milestone, &cp.SizeBytes, &cp.CreatedAt, &expiresAt,
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
	if expiresAt.Valid {
		expires := expiresAt.Time
		cp.ExpiresAt = &expires
	}
	return &cp, nil
}

func scanMySQLStrategy(row rowScanner) (*recovery.RecoveryStrategy, error) {
	var (
		st       recovery.RecoveryStrategy
		stType   string
		patterns sql.NullString
		delayMS  int64
		actions  sql.NullString
	)
	err := row.Scan(
		&st.ID, &st.Name, &stType, &st.WorkflowID, &st.NodeType, &patterns,
		&st.MaxRetryAttempts, &delayMS, &st.BackoffMultiplier,
		&actions, &st.Priority, &st.Active,
		&st.UsageCount, &st.SuccessCount, &st.CreatedAt, &st.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, recovery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan strategy: %w", err)
	}

	st.Type = recovery.StrategyType(stType)
	st.RetryDelay = time.Duration(delayMS) * time.Millisecond
	if patterns.Valid && patterns.String != "" && patterns.String != "null" {
		if err := json.Unmarshal([]byte(patterns.String), &st.ErrorPatterns); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error patterns: %w", err)
		}
	}
	if actions.Valid && actions.String != "" && actions.String != "null" {
		if err := json.Unmarshal([]byte(actions.String), &st.Actions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal recovery actions: %w", err)
		}
	}
	return &st, nil
}

func scanMySQLRecoveryLog(row rowScanner) (*recovery.RecoveryLog, error) {
	var (
		lg          recovery.RecoveryLog
		recType     string
		status      string
		actions     sql.NullString
		delayMS     int64
		recErr      sql.NullString
		completedAt sql.NullTime
	)
	err := row.Scan(
		&lg.ID, &lg.ExecutionID, &recType, &lg.AttemptNumber,
		&lg.StrategyID, &lg.StrategyName, &lg.CheckpointSequence,
		&lg.ErrorText, &lg.FailedNodeID, &lg.FailedNodeName,
		&status, &lg.FailureReason, &actions, &delayMS,
		&lg.NeedsManual, &lg.WasSuccessful, &lg.NewExecutionID, &recErr,
		&lg.TriggeredBy, &lg.StartedAt, &completedAt,
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
	lg.RecoveryError = recErr.String
	if actions.Valid && actions.String != "" && actions.String != "null" {
		if err := json.Unmarshal([]byte(actions.String), &lg.ActionsTaken); err != nil {
			return nil, fmt.Errorf("failed to unmarshal actions taken: %w", err)
		}
	}
	if completedAt.Valid {
		completed := completedAt.Time
		lg.CompletedAt = &completed
	}
	return &lg, nil
}

func scanMySQLReplaySession(row rowScanner) (*recovery.ReplaySession, error) {
	var (
		sess        recovery.ReplaySession
		repType     string
		inputs      sql.NullString
		contextData sql.NullString
		skips       sql.NullString
		status      string
		purpose     sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&sess.ID, &sess.ExecutionID, &sess.Checkpoint, &repType, &sess.DebugMode,
		&inputs, &contextData, &skips,
		&status, &sess.FailureReason, &sess.ReplayExecutionID, &purpose,
		&sess.CreatedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, recovery.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan replay session: %w", err)
	}

	sess.Type = recovery.ReplayType(repType)
	sess.Status = recovery.ReplayStatus(status)
	sess.Purpose = purpose.String
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
	if startedAt.Valid {
		started := startedAt.Time
		sess.StartedAt = &started
	}
	if completedAt.Valid {
		completed := completedAt.Time
		sess.CompletedAt = &completed
	}
	return &sess, nil
}
