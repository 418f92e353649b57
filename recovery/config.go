package recovery

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RecoveryConfiguration is the process-wide tunable policy consulted by the
// checkpoint store, orchestrator, replay manager, and sweeper.
//
// Exactly one configuration is active at a time. Components read it through a
// ConfigSource on every operation rather than caching, so an operator change
// takes effect for subsequent operations without a restart.
type RecoveryConfiguration struct {
	// Name identifies this configuration record.
	Name string `json:"name"`

	// Active marks the single configuration in force.
	Active bool `json:"is_active"`

	// CheckpointInterval is the checkpoint cadence: every N nodes. Consulted
	// by the execution engine when deciding when to call Save.
	CheckpointInterval int `json:"checkpoint_interval"`

	// MaxCheckpointsPerExecution caps retained checkpoints per execution;
	// the oldest non-milestone checkpoint is evicted beyond the cap.
	// Zero disables the cap.
	MaxCheckpointsPerExecution int `json:"max_checkpoints_per_execution"`

	// RetentionDays sets checkpoint expiry for non-milestone checkpoints.
	RetentionDays int `json:"retention_days"`

	// AutoRecovery enables automatic failure handling; when off, every
	// failure escalates straight to manual.
	AutoRecovery bool `json:"auto_recovery"`

	// MaxRecoveryAttempts bounds attempts per failure lineage before the
	// orchestrator escalates to manual without evaluating strategies.
	MaxRecoveryAttempts int `json:"max_recovery_attempts"`

	// RecoveryDelay is the fallback inter-attempt delay when a strategy does
	// not specify one.
	RecoveryDelay time.Duration `json:"recovery_delay"`

	// ReplayEnabled gates ReplayManager.StartReplay.
	ReplayEnabled bool `json:"replay_enabled"`

	// MaxConcurrentReplays caps sessions in the running state.
	MaxConcurrentReplays int `json:"max_concurrent_replays"`

	// ReplayTimeout force-fails sessions still running past this window.
	ReplayTimeout time.Duration `json:"replay_timeout"`

	// CleanupInterval is the cadence of the retention/timeout sweep.
	CleanupInterval time.Duration `json:"cleanup_interval"`
}

// DefaultConfiguration returns the configuration seeded when none exists.
func DefaultConfiguration() *RecoveryConfiguration {
	return &RecoveryConfiguration{
		Name:                       "default",
		Active:                     true,
		CheckpointInterval:         1,
		MaxCheckpointsPerExecution: 50,
		RetentionDays:              7,
		AutoRecovery:               true,
		MaxRecoveryAttempts:        3,
		RecoveryDelay:              60 * time.Second,
		ReplayEnabled:              true,
		MaxConcurrentReplays:       5,
		ReplayTimeout:              24 * time.Hour,
		CleanupInterval:            time.Hour,
	}
}

// ConfigSource yields the active configuration. Implementations must re-read
// on each call; callers must not cache the result across operations.
type ConfigSource interface {
	Active(ctx context.Context) (*RecoveryConfiguration, error)
}

// StoreConfigSource reads the active configuration from the persistence store
// on every call.
type StoreConfigSource struct {
	store Store
}

// NewConfigSource creates a store-backed configuration source. It fails with
// ErrNoActiveConfiguration if no active configuration exists; seed one first
// with EnsureDefaultConfiguration.
func NewConfigSource(ctx context.Context, st Store) (*StoreConfigSource, error) {
	src := &StoreConfigSource{store: st}
	if _, err := src.Active(ctx); err != nil {
		return nil, err
	}
	return src, nil
}

// Active implements ConfigSource.
func (s *StoreConfigSource) Active(ctx context.Context) (*RecoveryConfiguration, error) {
	cfg, err := s.store.ActiveConfiguration(ctx)
	if err != nil {
		if err == ErrNotFound {
			return nil, ErrNoActiveConfiguration
		}
		return nil, err
	}
	return cfg, nil
}

// StaticConfigSource serves a fixed configuration. Useful for tests and for
// embedders that manage configuration outside the store.
type StaticConfigSource struct {
	Config *RecoveryConfiguration
}

// Active implements ConfigSource.
func (s *StaticConfigSource) Active(context.Context) (*RecoveryConfiguration, error) {
	if s.Config == nil {
		return nil, ErrNoActiveConfiguration
	}
	return s.Config, nil
}

// EnsureDefaultConfiguration seeds the default configuration if no active one
// exists. Safe to call on every startup.
func EnsureDefaultConfiguration(ctx context.Context, st Store) (*RecoveryConfiguration, error) {
	cfg, err := st.ActiveConfiguration(ctx)
	if err == nil {
		return cfg, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	cfg = DefaultConfiguration()
	if err := st.SaveConfiguration(ctx, cfg); err != nil {
		return nil, fmt.Errorf("seed default configuration: %w", err)
	}
	return cfg, nil
}

// configurationFile is the YAML schema for a seed configuration file.
type configurationFile struct {
	Name                       string  `yaml:"name"`
	CheckpointInterval         int     `yaml:"checkpoint_interval"`
	MaxCheckpointsPerExecution int     `yaml:"max_checkpoints_per_execution"`
	RetentionDays              int     `yaml:"retention_days"`
	AutoRecovery               *bool   `yaml:"auto_recovery"`
	MaxRecoveryAttempts        int     `yaml:"max_recovery_attempts"`
	RecoveryDelaySeconds       float64 `yaml:"recovery_delay_seconds"`
	ReplayEnabled              *bool   `yaml:"replay_enabled"`
	MaxConcurrentReplays       int     `yaml:"max_concurrent_replays"`
	ReplayTimeoutHours         float64 `yaml:"replay_timeout_hours"`
	CleanupIntervalSeconds     float64 `yaml:"cleanup_interval_seconds"`
}

// LoadConfigurationFile reads a recovery configuration from a YAML file.
//
// Missing fields keep the defaults from DefaultConfiguration, so a seed file
// only needs to name the knobs it changes:
//
//	name: production
//	retention_days: 30
//	max_recovery_attempts: 5
//	recovery_delay_seconds: 120
//	replay_timeout_hours: 12
//
// The loaded configuration is marked active; persist it with
// Store.SaveConfiguration to put it in force.
func LoadConfigurationFile(path string) (*RecoveryConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration file: %w", err)
	}

	var file configurationFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse configuration file: %w", err)
	}

	cfg := DefaultConfiguration()
	if file.Name != "" {
		cfg.Name = file.Name
	}
	if file.CheckpointInterval > 0 {
		cfg.CheckpointInterval = file.CheckpointInterval
	}
	if file.MaxCheckpointsPerExecution > 0 {
		cfg.MaxCheckpointsPerExecution = file.MaxCheckpointsPerExecution
	}
	if file.RetentionDays > 0 {
		cfg.RetentionDays = file.RetentionDays
	}
	if file.AutoRecovery != nil {
		cfg.AutoRecovery = *file.AutoRecovery
	}
	if file.MaxRecoveryAttempts > 0 {
		cfg.MaxRecoveryAttempts = file.MaxRecoveryAttempts
	}
	if file.RecoveryDelaySeconds > 0 {
		cfg.RecoveryDelay = time.Duration(file.RecoveryDelaySeconds * float64(time.Second))
	}
	if file.ReplayEnabled != nil {
		cfg.ReplayEnabled = *file.ReplayEnabled
	}
	if file.MaxConcurrentReplays > 0 {
		cfg.MaxConcurrentReplays = file.MaxConcurrentReplays
	}
	if file.ReplayTimeoutHours > 0 {
		cfg.ReplayTimeout = time.Duration(file.ReplayTimeoutHours * float64(time.Hour))
	}
	if file.CleanupIntervalSeconds > 0 {
		cfg.CleanupInterval = time.Duration(file.CleanupIntervalSeconds * float64(time.Second))
	}
	cfg.Active = true

	return cfg, nil
}
