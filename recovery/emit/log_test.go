package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitterTextOutput(t *testing.T) {
	t.Run("emits event with all fields", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{
			ExecutionID: "exec-001",
			Sequence:    3,
			NodeID:      "send_email",
			Msg:         "checkpoint_saved",
			Meta: map[string]any{
				"checkpoint_type": "node_complete",
			},
		})

		output := buf.String()
		if !strings.HasPrefix(output, "[checkpoint_saved]") {
			t.Errorf("output missing msg prefix: %s", output)
		}
		for _, want := range []string{"executionID=exec-001", "sequence=3", "nodeID=send_email", "meta="} {
			if !strings.Contains(output, want) {
				t.Errorf("output missing %q: %s", want, output)
			}
		}
	})

	t.Run("omits meta when empty", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{ExecutionID: "exec-001", Msg: "recovery_started"})

		if strings.Contains(buf.String(), "meta=") {
			t.Errorf("empty meta rendered: %s", buf.String())
		}
	})

	t.Run("one line per event", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{ExecutionID: "exec-001", Msg: "recovery_started"})
		emitter.Emit(Event{ExecutionID: "exec-001", Msg: "recovery_completed"})

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 2 {
			t.Errorf("got %d lines, want 2: %s", len(lines), buf.String())
		}
	})
}

func TestLogEmitterJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{
		ExecutionID: "exec-001",
		Sequence:    2,
		NodeID:      "render",
		Msg:         "recovery_completed",
		Meta: map[string]any{
			"attempt":        1,
			"was_successful": true,
		},
	})

	var parsed map[string]any
	if err := json.Unmarshal(buf.Bytes(), &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v\n%s", err, buf.String())
	}

	if parsed["executionID"] != "exec-001" {
		t.Errorf("executionID = %v", parsed["executionID"])
	}
	if parsed["sequence"] != float64(2) {
		t.Errorf("sequence = %v", parsed["sequence"])
	}
	if parsed["nodeID"] != "render" {
		t.Errorf("nodeID = %v", parsed["nodeID"])
	}
	if parsed["msg"] != "recovery_completed" {
		t.Errorf("msg = %v", parsed["msg"])
	}
	meta, ok := parsed["meta"].(map[string]any)
	if !ok {
		t.Fatalf("meta = %v", parsed["meta"])
	}
	if meta["attempt"] != float64(1) || meta["was_successful"] != true {
		t.Errorf("meta = %v", meta)
	}
}

func TestLogEmitterJSONL(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{ExecutionID: "exec-001", Msg: "replay_started"})
	emitter.Emit(Event{ExecutionID: "exec-001", Msg: "replay_completed"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	for i, line := range lines {
		var parsed map[string]any
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			t.Errorf("line %d is not valid JSON: %v", i, err)
		}
	}
}
