package hub

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEventEncodeOmitsAbsentFields(t *testing.T) {
	t.Parallel()

	ev := &Event{Type: EventTypeToolStart, AgentID: "A", Zone: "file_shed", Tool: "fs_read_file"}
	b, err := ev.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	// Absence is the contract: inapplicable fields must not appear, not even as null.
	for _, key := range []string{"result_preview", "success", "duration_ms", "error", "arguments"} {
		if _, present := m[key]; present {
			t.Fatalf("key %q present on tool_start: %s", key, b)
		}
	}
	if strings.Contains(string(b), "null") {
		t.Fatalf("payload contains null: %s", b)
	}
	ts, ok := m["timestamp"].(float64)
	if !ok || ts <= 0 {
		t.Fatalf("timestamp = %v, want assigned epoch-ms", m["timestamp"])
	}
}

func TestEventEncodeKeepsExplicitFalseSuccess(t *testing.T) {
	t.Parallel()

	success := false
	ev := &Event{Type: EventTypeToolError, AgentID: "A", Zone: "workshop", Tool: "execute_python", Error: "boom", Success: &success}
	b, err := ev.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, present := m["success"]
	if !present {
		t.Fatalf("success omitted on tool_error: %s", b)
	}
	if got != false {
		t.Fatalf("success = %v, want false", got)
	}
}

func TestEventEncodeKeepsSuppliedTimestamp(t *testing.T) {
	t.Parallel()

	ev := &Event{Type: EventTypeAgentIdle, AgentID: "A", Zone: DefaultZone, Timestamp: 12345}
	b, err := ev.encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m["timestamp"] != float64(12345) {
		t.Fatalf("timestamp = %v, want 12345", m["timestamp"])
	}
}

func TestPreviewString(t *testing.T) {
	t.Parallel()

	if got := previewString("plain"); got != "plain" {
		t.Fatalf("previewString(plain) = %q", got)
	}
	if got := previewString(42); got != "42" {
		t.Fatalf("previewString(42) = %q", got)
	}
	long := strings.Repeat("x", 101)
	if got := previewString(long); got != strings.Repeat("x", 100)+"..." {
		t.Fatalf("previewString(long) = %q", got)
	}
	exact := strings.Repeat("x", 100)
	if got := previewString(exact); got != exact {
		t.Fatalf("previewString(exact) modified: %q", got)
	}
}
