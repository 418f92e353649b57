package recovery_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/recoflow/recoflow-go/recovery"
	"github.com/recoflow/recoflow-go/recovery/store"
)

func TestMetricsCheckpointCounters(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	metrics := recovery.NewPrometheusMetrics(registry)
	cs := recovery.NewCheckpointStore(store.NewMemStore(), configSource(fastConfig()), nil, metrics)

	for i := 0; i < 3; i++ {
		if _, err := cs.Save(ctx, recovery.SaveCheckpointRequest{
			ExecutionID:    "exec-1",
			Type:           recovery.CheckpointNodeComplete,
			ExecutionState: map[string]any{"step": i},
			Recoverable:    true,
		}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}

	n, err := testutil.GatherAndCount(registry,
		"recoflow_checkpoints_saved_total", "recoflow_checkpoint_size_bytes")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if n != 2 {
		t.Errorf("gathered %d series, want 2", n)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	for _, f := range families {
		if f.GetName() != "recoflow_checkpoints_saved_total" {
			continue
		}
		if len(f.GetMetric()) != 1 {
			t.Fatalf("series = %d, want 1 (single checkpoint type)", len(f.GetMetric()))
		}
		m := f.GetMetric()[0]
		if got := m.GetCounter().GetValue(); got != 3 {
			t.Errorf("checkpoints_saved_total = %v, want 3", got)
		}
		if len(m.GetLabel()) != 1 || m.GetLabel()[0].GetValue() != "node_complete" {
			t.Errorf("unexpected labels: %v", m.GetLabel())
		}
	}
}

func TestMetricsRecoveryCounters(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	metrics := recovery.NewPrometheusMetrics(registry)

	env := newOrchestratorEnv(t)
	orch := recovery.NewOrchestrator(env.store, env.registry, configSource(env.config), env.engine, nil, metrics)
	env.addCheckpoint(t, "exec-1", "fetch", true)
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "retry", Name: "retry", Type: recovery.StrategyRetry, Priority: 1,
	})

	if _, err := orch.HandleFailure(ctx, recovery.Failure{
		ExecutionID: "exec-1", NodeID: "send", Error: "boom",
	}); err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}

	families, err := registry.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() != "recoflow_recoveries_total" {
			continue
		}
		found = true
		if len(f.GetMetric()) != 1 {
			t.Fatalf("series = %d, want 1", len(f.GetMetric()))
		}
		labels := map[string]string{}
		for _, l := range f.GetMetric()[0].GetLabel() {
			labels[l.GetName()] = l.GetValue()
		}
		if labels["strategy_type"] != "retry" || labels["status"] != "completed" || labels["successful"] != "true" {
			t.Errorf("labels = %v", labels)
		}
		if got := f.GetMetric()[0].GetCounter().GetValue(); got != 1 {
			t.Errorf("recoveries_total = %v, want 1", got)
		}
	}
	if !found {
		t.Error("recoveries_total not reported")
	}
}

func TestMetricsManualEscalations(t *testing.T) {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	metrics := recovery.NewPrometheusMetrics(registry)

	env := newOrchestratorEnv(t)
	orch := recovery.NewOrchestrator(env.store, env.registry, configSource(env.config), env.engine, nil, metrics)
	env.addStrategy(t, &recovery.RecoveryStrategy{
		ID: "manual", Name: "escalate", Type: recovery.StrategyManual, Priority: 1,
	})

	if _, err := orch.HandleFailure(ctx, recovery.Failure{
		ExecutionID: "exec-1", NodeID: "approve", Error: "needs review",
	}); err != nil {
		t.Fatalf("HandleFailure failed: %v", err)
	}

	n, err := testutil.GatherAndCount(registry, "recoflow_manual_escalations_total")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("manual_escalations_total series = %d, want 1", n)
	}
}
