package recovery_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/recoflow/recoflow-go/recovery"
	"github.com/recoflow/recoflow-go/recovery/store"
)

func TestEnsureDefaultConfiguration(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	cfg, err := recovery.EnsureDefaultConfiguration(ctx, st)
	if err != nil {
		t.Fatalf("EnsureDefaultConfiguration failed: %v", err)
	}
	if cfg.Name != "default" || !cfg.Active {
		t.Errorf("seeded config = %s (active=%v)", cfg.Name, cfg.Active)
	}
	if cfg.MaxCheckpointsPerExecution != 50 || cfg.RetentionDays != 7 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}

	// Idempotent: a second call returns the existing configuration without
	// overwriting operator changes.
	cfg.RetentionDays = 30
	if err := st.SaveConfiguration(ctx, cfg); err != nil {
		t.Fatalf("SaveConfiguration failed: %v", err)
	}
	again, err := recovery.EnsureDefaultConfiguration(ctx, st)
	if err != nil {
		t.Fatalf("second EnsureDefaultConfiguration failed: %v", err)
	}
	if again.RetentionDays != 30 {
		t.Errorf("retention = %d, want 30 (existing config preserved)", again.RetentionDays)
	}
}

func TestNewConfigSourceRequiresActive(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()

	if _, err := recovery.NewConfigSource(ctx, st); !errors.Is(err, recovery.ErrNoActiveConfiguration) {
		t.Errorf("NewConfigSource on empty store = %v, want ErrNoActiveConfiguration", err)
	}

	if _, err := recovery.EnsureDefaultConfiguration(ctx, st); err != nil {
		t.Fatalf("EnsureDefaultConfiguration failed: %v", err)
	}
	src, err := recovery.NewConfigSource(ctx, st)
	if err != nil {
		t.Fatalf("NewConfigSource failed: %v", err)
	}

	cfg, err := src.Active(ctx)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if cfg.Name != "default" {
		t.Errorf("active config = %s, want default", cfg.Name)
	}
}

func TestConfigSourceSeesLiveChanges(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemStore()
	if _, err := recovery.EnsureDefaultConfiguration(ctx, st); err != nil {
		t.Fatalf("EnsureDefaultConfiguration failed: %v", err)
	}
	src, err := recovery.NewConfigSource(ctx, st)
	if err != nil {
		t.Fatalf("NewConfigSource failed: %v", err)
	}

	updated := recovery.DefaultConfiguration()
	updated.Name = "tuned"
	updated.MaxRecoveryAttempts = 7
	if err := st.SaveConfiguration(ctx, updated); err != nil {
		t.Fatalf("SaveConfiguration failed: %v", err)
	}

	cfg, err := src.Active(ctx)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if cfg.Name != "tuned" || cfg.MaxRecoveryAttempts != 7 {
		t.Errorf("source returned stale config: %+v", cfg)
	}
}

func TestStaticConfigSource(t *testing.T) {
	src := &recovery.StaticConfigSource{}
	if _, err := src.Active(context.Background()); !errors.Is(err, recovery.ErrNoActiveConfiguration) {
		t.Errorf("empty static source = %v, want ErrNoActiveConfiguration", err)
	}

	src.Config = recovery.DefaultConfiguration()
	cfg, err := src.Active(context.Background())
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if cfg.Name != "default" {
		t.Errorf("config = %s, want default", cfg.Name)
	}
}

func TestLoadConfigurationFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recovery.yaml")
	content := `name: production
retention_days: 30
max_recovery_attempts: 5
recovery_delay_seconds: 120
replay_enabled: false
replay_timeout_hours: 12
cleanup_interval_seconds: 600
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := recovery.LoadConfigurationFile(path)
	if err != nil {
		t.Fatalf("LoadConfigurationFile failed: %v", err)
	}

	if cfg.Name != "production" {
		t.Errorf("name = %s, want production", cfg.Name)
	}
	if cfg.RetentionDays != 30 || cfg.MaxRecoveryAttempts != 5 {
		t.Errorf("retention/attempts = %d/%d, want 30/5", cfg.RetentionDays, cfg.MaxRecoveryAttempts)
	}
	if cfg.RecoveryDelay != 2*time.Minute {
		t.Errorf("recovery delay = %v, want 2m", cfg.RecoveryDelay)
	}
	if cfg.ReplayEnabled {
		t.Error("replay_enabled: false not honored")
	}
	if cfg.ReplayTimeout != 12*time.Hour {
		t.Errorf("replay timeout = %v, want 12h", cfg.ReplayTimeout)
	}
	if cfg.CleanupInterval != 10*time.Minute {
		t.Errorf("cleanup interval = %v, want 10m", cfg.CleanupInterval)
	}

	// Unspecified knobs keep their defaults.
	if cfg.MaxCheckpointsPerExecution != 50 || cfg.MaxConcurrentReplays != 5 {
		t.Errorf("defaults not preserved: %+v", cfg)
	}
	if !cfg.Active {
		t.Error("loaded config not marked active")
	}
}

func TestLoadConfigurationFileErrors(t *testing.T) {
	if _, err := recovery.LoadConfigurationFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadConfigurationFile on missing file succeeded")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("retention_days: [not a number"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	if _, err := recovery.LoadConfigurationFile(path); err == nil {
		t.Error("LoadConfigurationFile on malformed YAML succeeded")
	}
}
