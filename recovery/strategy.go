package recovery

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"time"
)

// StrategyType is the closed set of recovery actions a strategy can drive.
//
// The orchestrator dispatches on this enum with one handler per variant:
// retry resumes from the latest recoverable checkpoint, rollback rewinds a
// configurable number of steps, skip continues past the failing node, and
// manual escalates to a human operator.
type StrategyType string

const (
	// StrategyRetry resumes a fresh execution from the latest recoverable
	// checkpoint after the computed backoff delay.
	StrategyRetry StrategyType = "retry"

	// StrategyRollback rewinds to an earlier recoverable checkpoint, selected
	// by the steps_back action parameter.
	StrategyRollback StrategyType = "rollback"

	// StrategySkip marks the failing node as skipped and continues past it.
	StrategySkip StrategyType = "skip"

	// StrategyManual escalates to a human operator with no automatic action.
	StrategyManual StrategyType = "manual"
)

// RecoveryAction is one step of a strategy's ordered action list: a named
// action plus free-form parameters interpreted by the handler for the
// strategy's type (e.g. steps_back for rollback).
type RecoveryAction struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// RecoveryStrategy is a ranked, scope-and-pattern-matched policy describing
// how to respond to a class of failures.
//
// Scope is global by default, or bound to a single workflow (WorkflowID set)
// or a single node type (NodeType set). Among matching strategies the highest
// priority wins; ties break by most specific scope (node-type > workflow >
// global).
//
// Strategies are authored out of band. The only runtime mutation is the
// usage/success counter increment recorded after each application.
type RecoveryStrategy struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Type StrategyType `json:"strategy_type"`

	// WorkflowID binds the strategy to one workflow when set.
	WorkflowID string `json:"workflow_id,omitempty"`

	// NodeType binds the strategy to one node type when set.
	NodeType string `json:"node_type,omitempty"`

	// ErrorPatterns are matched case-insensitively against the failure
	// message, each as a substring or a regular expression. An empty list
	// matches anything within scope.
	ErrorPatterns []string `json:"error_patterns,omitempty"`

	// MaxRetryAttempts caps how many times this strategy should be applied
	// to the same failure lineage before escalation.
	MaxRetryAttempts int `json:"max_retry_attempts"`

	// RetryDelay is the base inter-attempt delay.
	RetryDelay time.Duration `json:"retry_delay"`

	// BackoffMultiplier is the per-attempt growth factor applied to
	// RetryDelay. Values <= 0 are treated as 1 (constant delay).
	BackoffMultiplier float64 `json:"backoff_multiplier"`

	// Actions is the ordered list of recovery actions for this strategy.
	Actions []RecoveryAction `json:"recovery_actions,omitempty"`

	// Priority ranks this strategy among all matches; higher wins.
	Priority int `json:"priority"`

	// Active strategies participate in matching; inactive ones are retained
	// but never selected.
	Active bool `json:"is_active"`

	// UsageCount and SuccessCount are rolling counters incremented by the
	// orchestrator after each application.
	UsageCount   int64 `json:"usage_count"`
	SuccessCount int64 `json:"success_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks the strategy definition against its constraints:
//   - Type must be one of retry, rollback, skip, manual
//   - Scope may bind to a workflow or a node type, not both
//   - MaxRetryAttempts must be >= 0 and RetryDelay >= 0
func (s *RecoveryStrategy) Validate() error {
	switch s.Type {
	case StrategyRetry, StrategyRollback, StrategySkip, StrategyManual:
	default:
		return ErrInvalidStrategy
	}
	if s.WorkflowID != "" && s.NodeType != "" {
		return ErrInvalidStrategy
	}
	if s.MaxRetryAttempts < 0 || s.RetryDelay < 0 {
		return ErrInvalidStrategy
	}
	return nil
}

// AppliesTo reports whether this strategy's scope covers the given workflow
// and node type. Global strategies cover everything.
func (s *RecoveryStrategy) AppliesTo(workflowID, nodeType string) bool {
	if s.NodeType != "" {
		return s.NodeType == nodeType
	}
	if s.WorkflowID != "" {
		return s.WorkflowID == workflowID
	}
	return true
}

// MatchesError reports whether the strategy's error patterns cover the given
// failure message. An empty pattern list matches anything in scope. Each
// pattern is tried case-insensitively as a substring, then as a regular
// expression; patterns that fail to compile fall back to substring-only.
func (s *RecoveryStrategy) MatchesError(errorText string) bool {
	if len(s.ErrorPatterns) == 0 {
		return true
	}
	lower := strings.ToLower(errorText)
	for _, pattern := range s.ErrorPatterns {
		if pattern == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return true
		}
		if re, err := regexp.Compile("(?i)" + pattern); err == nil && re.MatchString(errorText) {
			return true
		}
	}
	return false
}

// DelayForAttempt computes the effective inter-attempt delay for a 1-based
// attempt number: RetryDelay * BackoffMultiplier^(attempt-1).
//
// With base=60s and multiplier=2, attempts 1..3 yield 60s, 120s, 240s.
func (s *RecoveryStrategy) DelayForAttempt(attempt int) time.Duration {
	return backoffDelay(s.RetryDelay, s.BackoffMultiplier, attempt)
}

func backoffDelay(base time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	factor := math.Pow(multiplier, float64(attempt-1))
	return time.Duration(float64(base) * factor)
}

// scopeSpecificity orders scope kinds for tie-breaking: node-type (2) >
// workflow (1) > global (0).
func (s *RecoveryStrategy) scopeSpecificity() int {
	switch {
	case s.NodeType != "":
		return 2
	case s.WorkflowID != "":
		return 1
	default:
		return 0
	}
}

// StrategyRegistry is the ranked catalog of recovery strategies, matched
// against failure text and scope.
//
// The registry is an explicit instance constructed at startup and passed by
// dependency injection into the orchestrator; there is no process-wide
// singleton, which keeps per-tenant and per-test isolation trivial. Strategy
// definitions are re-read from the store on each Match so administrative
// changes take effect for subsequent failures without restart.
type StrategyRegistry struct {
	store Store
}

// NewStrategyRegistry creates a registry over the given persistence store.
func NewStrategyRegistry(st Store) *StrategyRegistry {
	return &StrategyRegistry{store: st}
}

// Match selects the recovery strategy for a failure.
//
// Active strategies are filtered to those whose scope applies (global, or
// bound to the failing execution's workflow, or bound to the failed node's
// type) and whose error patterns cover the failure message. Candidates are
// ordered by (priority desc, scope specificity desc) and the first is
// returned. Name ascending breaks any remaining tie so selection is
// deterministic.
//
// Returns ErrNoStrategyMatched when nothing applies. Match never mutates
// strategy state; usage counters are the orchestrator's responsibility so
// mere evaluation has no side effects.
func (r *StrategyRegistry) Match(ctx context.Context, workflowID, nodeType, errorText string) (*RecoveryStrategy, error) {
	strategies, err := r.store.ListStrategies(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]*RecoveryStrategy, 0, len(strategies))
	for _, s := range strategies {
		if !s.Active {
			continue
		}
		if !s.AppliesTo(workflowID, nodeType) {
			continue
		}
		if !s.MatchesError(errorText) {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return nil, ErrNoStrategyMatched
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		si, sj := candidates[i].scopeSpecificity(), candidates[j].scopeSpecificity()
		if si != sj {
			return si > sj
		}
		return candidates[i].Name < candidates[j].Name
	})

	return candidates[0], nil
}

// Save validates and persists a strategy definition. Used by the
// administrative surface to author strategies; runtime matching only reads.
func (r *StrategyRegistry) Save(ctx context.Context, s *RecoveryStrategy) error {
	if err := s.Validate(); err != nil {
		return err
	}
	return r.store.SaveStrategy(ctx, s)
}

// List returns all persisted strategies, active or not.
func (r *StrategyRegistry) List(ctx context.Context) ([]*RecoveryStrategy, error) {
	return r.store.ListStrategies(ctx)
}
