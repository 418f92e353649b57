// Package store provides persistence backends for the recovery engine.
//
// Three implementations of recovery.Store are available:
//   - MemStore: in-memory, for testing and single-process embedding
//   - SQLiteStore: embedded SQLite file or in-memory database
//   - MySQLStore: shared MySQL/MariaDB database
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/recoflow/recoflow-go/recovery"
)

// MemStore is an in-memory implementation of recovery.Store.
//
// It keeps all five collections in maps and slices guarded by a single
// RWMutex. Designed for:
//   - Testing and development
//   - Single-process deployments where persistence isn't required
//
// MemStore is thread-safe and supports concurrent access. The atomic
// contracts of recovery.Store (sequence assignment, the single open recovery
// log, the replay slot) are enforced under the store mutex.
//
// Limitations:
//   - Data is lost when the process terminates
//   - Not suitable for multi-process deployments
//
// For production use with persistence, use SQLiteStore or MySQLStore.
type MemStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]*recovery.Checkpoint // executionID -> ascending by sequence
	sequences   map[string]int64                  // executionID -> last assigned sequence
	strategies  map[string]*recovery.RecoveryStrategy
	logs        []*recovery.RecoveryLog // insertion order
	logIndex    map[string]int          // log ID -> index in logs
	sessions    []*recovery.ReplaySession
	configs     map[string]*recovery.RecoveryConfiguration
}

// NewMemStore creates a new in-memory store.
//
// Example:
//
//	st := store.NewMemStore()
//	checkpoints := recovery.NewCheckpointStore(st, cfg, emitter, nil)
func NewMemStore() *MemStore {
	return &MemStore{
		checkpoints: make(map[string][]*recovery.Checkpoint),
		sequences:   make(map[string]int64),
		strategies:  make(map[string]*recovery.RecoveryStrategy),
		logIndex:    make(map[string]int),
		configs:     make(map[string]*recovery.RecoveryConfiguration),
	}
}

// InsertCheckpoint persists a checkpoint, assigning the next sequence number
// for its execution. The counter increment and the append happen under one
// lock, so concurrent saves for the same execution get distinct, gap-free
// sequence numbers.
func (m *MemStore) InsertCheckpoint(_ context.Context, cp *recovery.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.sequences[cp.ExecutionID] + 1
	m.sequences[cp.ExecutionID] = next
	cp.SequenceNumber = next

	m.checkpoints[cp.ExecutionID] = append(m.checkpoints[cp.ExecutionID], copyCheckpoint(cp))
	return nil
}

// GetCheckpoint retrieves one checkpoint by execution id and sequence number.
func (m *MemStore) GetCheckpoint(_ context.Context, executionID string, sequence int64) (*recovery.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cp := range m.checkpoints[executionID] {
		if cp.SequenceNumber == sequence {
			return copyCheckpoint(cp), nil
		}
	}
	return nil, recovery.ErrNotFound
}

// LatestCheckpoint returns the highest-sequence checkpoint for an execution.
func (m *MemStore) LatestCheckpoint(_ context.Context, executionID string, recoverableOnly bool) (*recovery.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.checkpoints[executionID]
	for i := len(cps) - 1; i >= 0; i-- {
		if recoverableOnly && !cps[i].Recoverable {
			continue
		}
		return copyCheckpoint(cps[i]), nil
	}
	return nil, recovery.ErrNotFound
}

// ListCheckpoints returns an execution's checkpoints ascending by sequence.
func (m *MemStore) ListCheckpoints(_ context.Context, executionID string) ([]*recovery.Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cps := m.checkpoints[executionID]
	result := make([]*recovery.Checkpoint, 0, len(cps))
	for _, cp := range cps {
		result = append(result, copyCheckpoint(cp))
	}
	return result, nil
}

// DeleteCheckpoint removes one checkpoint.
func (m *MemStore) DeleteCheckpoint(_ context.Context, executionID string, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cps := m.checkpoints[executionID]
	for i, cp := range cps {
		if cp.SequenceNumber == sequence {
			m.checkpoints[executionID] = append(cps[:i:i], cps[i+1:]...)
			return nil
		}
	}
	return recovery.ErrNotFound
}

// PurgeExpiredCheckpoints deletes all non-milestone checkpoints whose expiry
// has passed. Idempotent: a second pass over the same cutoff removes nothing.
func (m *MemStore) PurgeExpiredCheckpoints(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for executionID, cps := range m.checkpoints {
		kept := cps[:0]
		for _, cp := range cps {
			if !cp.Milestone && cp.ExpiresAt != nil && !cp.ExpiresAt.After(now) {
				removed++
				continue
			}
			kept = append(kept, cp)
		}
		m.checkpoints[executionID] = kept
	}
	return removed, nil
}

// PurgeMilestoneCheckpoints removes milestone checkpoints for one execution.
func (m *MemStore) PurgeMilestoneCheckpoints(_ context.Context, executionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cps := m.checkpoints[executionID]
	kept := cps[:0]
	var removed int64
	for _, cp := range cps {
		if cp.Milestone {
			removed++
			continue
		}
		kept = append(kept, cp)
	}
	m.checkpoints[executionID] = kept
	return removed, nil
}

// SaveStrategy creates or replaces a strategy definition by id.
func (m *MemStore) SaveStrategy(_ context.Context, s *recovery.RecoveryStrategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	cp := copyStrategy(s)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.strategies[cp.ID] = cp
	return nil
}

// GetStrategy retrieves a strategy by id.
func (m *MemStore) GetStrategy(_ context.Context, id string) (*recovery.RecoveryStrategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, exists := m.strategies[id]
	if !exists {
		return nil, recovery.ErrNotFound
	}
	return copyStrategy(s), nil
}

// ListStrategies returns all strategy definitions ordered by id.
func (m *MemStore) ListStrategies(_ context.Context) ([]*recovery.RecoveryStrategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*recovery.RecoveryStrategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		result = append(result, copyStrategy(s))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// RecordStrategyOutcome increments a strategy's usage counter, and its
// success counter when success is true.
func (m *MemStore) RecordStrategyOutcome(_ context.Context, strategyID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, exists := m.strategies[strategyID]
	if !exists {
		return recovery.ErrNotFound
	}
	s.UsageCount++
	if success {
		s.SuccessCount++
	}
	s.UpdatedAt = time.Now().UTC()
	return nil
}

// InsertRecoveryLog persists a new recovery log if and only if the execution
// has no open (pending or in_progress) log. The existence check and the
// append happen under one lock.
func (m *MemStore) InsertRecoveryLog(_ context.Context, lg *recovery.RecoveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.logs {
		if existing.ExecutionID == lg.ExecutionID && existing.Open() {
			return recovery.ErrRecoveryInProgress
		}
	}
	m.logIndex[lg.ID] = len(m.logs)
	m.logs = append(m.logs, copyLog(lg))
	return nil
}

// UpdateRecoveryLog replaces a log's mutable fields by id.
func (m *MemStore) UpdateRecoveryLog(_ context.Context, lg *recovery.RecoveryLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx, exists := m.logIndex[lg.ID]
	if !exists {
		return recovery.ErrNotFound
	}
	m.logs[idx] = copyLog(lg)
	return nil
}

// OpenRecoveryLog returns the execution's single open recovery log.
func (m *MemStore) OpenRecoveryLog(_ context.Context, executionID string) (*recovery.RecoveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, lg := range m.logs {
		if lg.ExecutionID == executionID && lg.Open() {
			return copyLog(lg), nil
		}
	}
	return nil, recovery.ErrNotFound
}

// ListRecoveryLogs returns an execution's recovery history ascending by start
// time.
func (m *MemStore) ListRecoveryLogs(_ context.Context, executionID string) ([]*recovery.RecoveryLog, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*recovery.RecoveryLog
	for _, lg := range m.logs {
		if lg.ExecutionID == executionID {
			result = append(result, copyLog(lg))
		}
	}
	return result, nil
}

// CountRecoveryAttempts counts prior attempts for one execution+node lineage.
func (m *MemStore) CountRecoveryAttempts(_ context.Context, executionID, nodeID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, lg := range m.logs {
		if lg.ExecutionID == executionID && lg.FailedNodeID == nodeID {
			count++
		}
	}
	return count, nil
}

// InsertReplaySession persists a new replay session.
func (m *MemStore) InsertReplaySession(_ context.Context, s *recovery.ReplaySession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sessions = append(m.sessions, copySession(s))
	return nil
}

// GetReplaySession retrieves a session by id.
func (m *MemStore) GetReplaySession(_ context.Context, id string) (*recovery.ReplaySession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, s := range m.sessions {
		if s.ID == id {
			return copySession(s), nil
		}
	}
	return nil, recovery.ErrNotFound
}

// UpdateReplaySession replaces a session's mutable fields by id.
func (m *MemStore) UpdateReplaySession(_ context.Context, s *recovery.ReplaySession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, existing := range m.sessions {
		if existing.ID == s.ID {
			m.sessions[i] = copySession(s)
			return nil
		}
	}
	return recovery.ErrNotFound
}

// DeleteReplaySession removes a session.
func (m *MemStore) DeleteReplaySession(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.sessions {
		if s.ID == id {
			m.sessions = append(m.sessions[:i:i], m.sessions[i+1:]...)
			return nil
		}
	}
	return recovery.ErrNotFound
}

// ListReplaySessions returns sessions for one execution, or all sessions when
// executionID is empty, in creation order.
func (m *MemStore) ListReplaySessions(_ context.Context, executionID string) ([]*recovery.ReplaySession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*recovery.ReplaySession
	for _, s := range m.sessions {
		if executionID != "" && s.ExecutionID != executionID {
			continue
		}
		result = append(result, copySession(s))
	}
	return result, nil
}

// AcquireReplaySlot transitions a created session to running if the count of
// running sessions is below maxRunning. The count and the transition happen
// under one lock, so concurrent acquisitions never exceed the cap.
func (m *MemStore) AcquireReplaySlot(_ context.Context, sessionID string, maxRunning int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	running := 0
	var target *recovery.ReplaySession
	for _, s := range m.sessions {
		if s.Status == recovery.ReplayRunning {
			running++
		}
		if s.ID == sessionID {
			target = s
		}
	}
	if target == nil {
		return false, recovery.ErrNotFound
	}
	if target.Status != recovery.ReplayCreated {
		return false, nil
	}
	if maxRunning > 0 && running >= maxRunning {
		return false, nil
	}

	now := time.Now().UTC()
	target.Status = recovery.ReplayRunning
	target.StartedAt = &now
	return true, nil
}

// CountRunningReplays returns the number of sessions in the running state.
func (m *MemStore) CountRunningReplays(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.sessions {
		if s.Status == recovery.ReplayRunning {
			count++
		}
	}
	return count, nil
}

// TimeoutReplaySessions force-fails running sessions started at or before the
// cutoff. Idempotent: already-failed sessions are never touched again.
func (m *MemStore) TimeoutReplaySessions(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var closed int64
	for _, s := range m.sessions {
		if s.Status != recovery.ReplayRunning || s.StartedAt == nil {
			continue
		}
		if s.StartedAt.After(cutoff) {
			continue
		}
		s.Status = recovery.ReplayFailed
		s.FailureReason = recovery.ReasonTimeout
		completed := now
		s.CompletedAt = &completed
		closed++
	}
	return closed, nil
}

// ActiveConfiguration returns the single configuration with Active=true.
func (m *MemStore) ActiveConfiguration(_ context.Context) (*recovery.RecoveryConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cfg := range m.configs {
		if cfg.Active {
			return copyConfig(cfg), nil
		}
	}
	return nil, recovery.ErrNotFound
}

// SaveConfiguration creates or replaces a configuration by name. Saving an
// active configuration deactivates all others under the same lock, preserving
// the single-active invariant.
func (m *MemStore) SaveConfiguration(_ context.Context, cfg *recovery.RecoveryConfiguration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Active {
		for _, existing := range m.configs {
			existing.Active = false
		}
	}
	m.configs[cfg.Name] = copyConfig(cfg)
	return nil
}

// Copy helpers return independent values so callers can never mutate the
// store's internal records through a returned pointer.

func copyCheckpoint(cp *recovery.Checkpoint) *recovery.Checkpoint {
	out := *cp
	out.ExecutionState = append([]byte(nil), cp.ExecutionState...)
	out.ContextData = append([]byte(nil), cp.ContextData...)
	out.NodeOutputs = append([]byte(nil), cp.NodeOutputs...)
	if cp.ExpiresAt != nil {
		expires := *cp.ExpiresAt
		out.ExpiresAt = &expires
	}
	return &out
}

func copyStrategy(s *recovery.RecoveryStrategy) *recovery.RecoveryStrategy {
	out := *s
	out.ErrorPatterns = append([]string(nil), s.ErrorPatterns...)
	if s.Actions != nil {
		out.Actions = make([]recovery.RecoveryAction, len(s.Actions))
		for i, a := range s.Actions {
			out.Actions[i] = recovery.RecoveryAction{Name: a.Name, Parameters: copyMap(a.Parameters)}
		}
	}
	return &out
}

func copyLog(lg *recovery.RecoveryLog) *recovery.RecoveryLog {
	out := *lg
	out.ActionsTaken = append([]string(nil), lg.ActionsTaken...)
	if lg.CompletedAt != nil {
		completed := *lg.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}

func copySession(s *recovery.ReplaySession) *recovery.ReplaySession {
	out := *s
	out.ModifiedInputs = copyMap(s.ModifiedInputs)
	out.ModifiedContext = copyMap(s.ModifiedContext)
	out.SkipNodes = append([]string(nil), s.SkipNodes...)
	if s.StartedAt != nil {
		started := *s.StartedAt
		out.StartedAt = &started
	}
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		out.CompletedAt = &completed
	}
	return &out
}

func copyConfig(cfg *recovery.RecoveryConfiguration) *recovery.RecoveryConfiguration {
	out := *cfg
	return &out
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
