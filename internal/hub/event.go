package hub

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies what a broadcast event describes.
type EventType string

const (
	EventTypeConnection    EventType = "connection"
	EventTypeToolStart     EventType = "tool_start"
	EventTypeToolComplete  EventType = "tool_complete"
	EventTypeToolError     EventType = "tool_error"
	EventTypeAgentThinking EventType = "agent_thinking"
	EventTypeAgentIdle     EventType = "agent_idle"
)

const (
	// resultPreviewMaxRunes caps the stringified tool result on tool_complete.
	resultPreviewMaxRunes = 100
	// errorMaxRunes caps the error message on tool_error.
	errorMaxRunes = 200
)

// Event is one occurrence sent to every attached observer.
//
// Fields that do not apply to the event type are omitted from the wire form
// entirely; observers treat "key absent" and "not applicable" as the same
// thing, so the encoder must never emit null placeholders.
type Event struct {
	Type          EventType      `json:"type"`
	AgentID       string         `json:"agent_id"`
	Zone          string         `json:"zone"`
	Tool          string         `json:"tool,omitempty"`
	Arguments     map[string]any `json:"arguments,omitempty"`
	ResultPreview string         `json:"result_preview,omitempty"`
	Success       *bool          `json:"success,omitempty"`
	DurationMs    *int64         `json:"duration_ms,omitempty"`
	Error         string         `json:"error,omitempty"`
	Timestamp     int64          `json:"timestamp"`
}

// encode marshals the event once for a broadcast pass.
//
// Arguments come straight from tool callers and may contain values
// encoding/json cannot handle (channels, funcs, cycles). That must not kill
// the broadcast: on a marshal failure the payload is retried with the
// arguments replaced by their stringified form.
func (e *Event) encode() ([]byte, error) {
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	b, err := json.Marshal(e)
	if err == nil {
		return b, nil
	}
	if e.Arguments == nil {
		return nil, err
	}
	fallback := *e
	fallback.Arguments = map[string]any{
		"_raw": truncateRunes(fmt.Sprintf("%v", e.Arguments), errorMaxRunes, ""),
	}
	return json.Marshal(&fallback)
}

// previewString renders a tool result for the wire, capped at 100 runes with
// a "..." marker when truncated.
func previewString(result any) string {
	var s string
	switch v := result.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		s = fmt.Sprintf("%v", v)
	}
	return truncateRunes(s, resultPreviewMaxRunes, "...")
}

func truncateRunes(s string, maxRunes int, marker string) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + marker
}
