package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory.
//
// This emitter captures all events and provides query capabilities for
// recovery history analysis. Events are organized by execution ID for
// efficient retrieval and filtering.
//
// Features:
//   - Thread-safe concurrent access
//   - Query by execution ID with optional filtering
//   - Filter by nodeID, message, sequence range
//   - Clear events by execution ID or all events
//
// Use cases:
//   - Development and debugging
//   - Testing and validation
//   - Post-recovery analysis
//
// Warning: This emitter stores all events in memory. For production
// deployments with long-running executions or high event volume, consider
// a persistent backend or event rotation.
//
// Example usage:
//
//	emitter := emit.NewBufferedEmitter()
//	orch := recovery.NewOrchestrator(st, reg, cfg, engine, emitter, nil)
//
//	// ... handle failures ...
//
//	allEvents := emitter.GetHistory("exec-001")
//	failures := emitter.GetHistoryWithFilter("exec-001", emit.HistoryFilter{Msg: "recovery_failed"})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // executionID -> events
}

// HistoryFilter specifies criteria for filtering recovery history.
//
// All filter fields are optional. When multiple fields are set, they are
// combined with AND logic (all conditions must match).
//
// Fields:
//   - NodeID: Filter by specific node
//   - Msg: Filter by message type (e.g., "checkpoint_saved", "recovery_failed")
//   - MinSequence: Filter events with sequence >= MinSequence (nil = no lower bound)
//   - MaxSequence: Filter events with sequence <= MaxSequence (nil = no upper bound)
type HistoryFilter struct {
	NodeID      string // Filter by node ID (empty = no filter)
	Msg         string // Filter by message (empty = no filter)
	MinSequence *int64 // Minimum sequence number (nil = no filter)
	MaxSequence *int64 // Maximum sequence number (nil = no filter)
}

// NewBufferedEmitter creates a new BufferedEmitter.
//
// Returns a BufferedEmitter that stores all events in memory and provides
// query capabilities. Safe for concurrent use.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores an event in the buffer.
//
// Events are organized by execution ID for efficient retrieval. This method
// is thread-safe and can be called concurrently from multiple goroutines.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// GetHistory retrieves all events for a specific execution ID.
//
// Returns events in the order they were emitted. Returns an empty slice
// if no events exist for the given execution ID.
//
// This method is thread-safe and returns a copy of the events to prevent
// concurrent modification issues.
func (b *BufferedEmitter) GetHistory(executionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[executionID]
	if events == nil {
		return []Event{} // Return empty slice instead of nil
	}

	// Return a copy to prevent external modification
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter retrieves filtered events for a specific execution ID.
//
// Applies the provided filter criteria to select matching events. All filter
// conditions must match for an event to be included (AND logic).
//
// Returns events in the order they were emitted. Returns an empty slice if
// no events match the filter.
func (b *BufferedEmitter) GetHistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[executionID]
	if events == nil {
		return []Event{}
	}

	// If filter is empty, return all events
	if filter.NodeID == "" && filter.Msg == "" && filter.MinSequence == nil && filter.MaxSequence == nil {
		result := make([]Event, len(events))
		copy(result, events)
		return result
	}

	var result []Event
	for _, event := range events {
		if !b.matchesFilter(event, filter) {
			continue
		}
		result = append(result, event)
	}

	if result == nil {
		return []Event{} // Return empty slice instead of nil
	}
	return result
}

// matchesFilter checks if an event matches the filter criteria.
func (b *BufferedEmitter) matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.NodeID != "" && event.NodeID != filter.NodeID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinSequence != nil && event.Sequence < *filter.MinSequence {
		return false
	}
	if filter.MaxSequence != nil && event.Sequence > *filter.MaxSequence {
		return false
	}
	return true
}

// Clear removes stored events.
//
// If executionID is non-empty, clears only events for that execution.
// If executionID is empty, clears all stored events.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionID == "" {
		b.events = make(map[string][]Event)
	} else {
		delete(b.events, executionID)
	}
}
