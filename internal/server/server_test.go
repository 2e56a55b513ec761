package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/villagemind/villaged/internal/hub"
	"github.com/villagemind/villaged/internal/llm"
	"github.com/villagemind/villaged/internal/store"
	"github.com/villagemind/villaged/internal/tools"
)

type echoProvider struct{}

func (echoProvider) Kind() string { return "openai" }

func (echoProvider) Complete(ctx context.Context, model string, prompt string) (string, error) {
	return "echo: " + prompt, nil
}

type testEnv struct {
	ts  *httptest.Server
	hub *hub.Hub
	st  *store.Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	st, err := store.Open(filepath.Join(t.TempDir(), "village.sqlite"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := hub.New(hub.Options{Logger: logger})
	t.Cleanup(h.Close)

	runner := tools.NewRunner(logger, h)
	for _, def := range tools.Builtins(t.TempDir(), st) {
		if err := runner.Register(def); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	svc := llm.NewService()
	if err := svc.AddProvider(echoProvider{}, []string{"test-model"}); err != nil {
		t.Fatalf("AddProvider: %v", err)
	}

	s, err := New(Options{Logger: logger, Hub: h, Runner: runner, Store: st, LLM: svc})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, hub: h, st: st}
}

func (e *testEnv) postJSON(t *testing.T, path string, body any) map[string]any {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(e.ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST %s: status %d: %s", path, resp.StatusCode, data)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func (e *testEnv) getJSON(t *testing.T, path string) map[string]any {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s: status %d: %s", path, resp.StatusCode, data)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func dialVillage(t *testing.T, e *testEnv) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws/village"
	c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial %s: %v", wsURL, err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) hub.Event {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var ev hub.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event %q: %v", data, err)
	}
	return ev
}

func TestVillageWSObservesToolExecution(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	c := dialVillage(t, e)

	welcome := readEvent(t, c)
	if welcome.Type != hub.EventTypeConnection {
		t.Fatalf("first event type = %q, want %q", welcome.Type, hub.EventTypeConnection)
	}
	if welcome.AgentID != "SYSTEM" {
		t.Fatalf("welcome agent = %q", welcome.AgentID)
	}

	out := e.postJSON(t, "/api/tools/execute", map[string]any{
		"tool":  "memory_store",
		"args":  map[string]any{"content": "the forge is hot", "topic": "forge"},
		"agent": "AZOTH",
	})
	if out["success"] != true {
		t.Fatalf("execute failed: %+v", out)
	}

	start := readEvent(t, c)
	if start.Type != hub.EventTypeToolStart || start.Tool != "memory_store" || start.AgentID != "AZOTH" {
		t.Fatalf("start event = %+v", start)
	}
	if start.Zone != "memory_garden" {
		t.Fatalf("start zone = %q", start.Zone)
	}
	done := readEvent(t, c)
	if done.Type != hub.EventTypeToolComplete || done.Success == nil || !*done.Success {
		t.Fatalf("complete event = %+v", done)
	}
}

func TestVillageWSDisconnectPrunes(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	c := dialVillage(t, e)
	_ = readEvent(t, c)

	_ = c.Close()

	// The read loop notices the close and detaches; poll the hub until the
	// connection count drops.
	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := e.hub.Snapshot(context.Background())
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if st.Connections == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection still registered: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAgentEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	if got := e.getJSON(t, "/api/village/agent"); got["agent"] != "CLAUDE" {
		t.Fatalf("default agent = %v", got["agent"])
	}
	e.postJSON(t, "/api/village/agent", map[string]any{"agent": "AZOTH"})
	if got := e.getJSON(t, "/api/village/agent"); got["agent"] != "AZOTH" {
		t.Fatalf("agent after set = %v", got["agent"])
	}
}

func TestToolListEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	out := e.getJSON(t, "/api/tools")
	raw, ok := out["tools"].([]any)
	if !ok || len(raw) == 0 {
		t.Fatalf("tools = %+v", out)
	}
	names := make(map[string]bool, len(raw))
	for _, item := range raw {
		m := item.(map[string]any)
		names[m["name"].(string)] = true
	}
	for _, want := range []string{"fs_read_file", "memory_store", "memory_search"} {
		if !names[want] {
			t.Fatalf("missing builtin %q in %v", want, names)
		}
	}
}

func TestChatPersistsConversation(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	created := e.postJSON(t, "/api/conversations", map[string]any{"title": "greetings"})
	convID, _ := created["conversation_id"].(string)
	if convID == "" {
		t.Fatalf("conversation_id missing: %+v", created)
	}

	out := e.postJSON(t, "/api/chat", map[string]any{
		"message":         "hello village",
		"model":           "test-model",
		"conversation_id": convID,
	})
	if out["response"] != "echo: hello village" || out["model"] != "test-model" {
		t.Fatalf("chat = %+v", out)
	}

	msgs := e.getJSON(t, "/api/conversations/messages?conversation_id="+convID)
	raw := msgs["messages"].([]any)
	if len(raw) != 2 {
		t.Fatalf("messages = %+v", raw)
	}
	first := raw[0].(map[string]any)
	second := raw[1].(map[string]any)
	if first["role"] != "user" || second["role"] != "assistant" {
		t.Fatalf("roles = %v / %v", first["role"], second["role"])
	}
}

func TestMemoryEndpoints(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	created := e.postJSON(t, "/api/memory", map[string]any{
		"agent_id": "AZOTH",
		"topic":    "festival",
		"content":  "the lantern festival is on the 7th",
	})
	id := int64(created["id"].(float64))
	if id <= 0 {
		t.Fatalf("memory id = %v", created["id"])
	}

	one := e.getJSON(t, fmt.Sprintf("/api/memory?id=%d", id))
	if one["topic"] != "festival" {
		t.Fatalf("get memory = %+v", one)
	}

	found := e.getJSON(t, "/api/memory?query=lantern")
	if raw := found["memories"].([]any); len(raw) != 1 {
		t.Fatalf("search = %+v", found)
	}

	req, err := http.NewRequest(http.MethodDelete, e.ts.URL+fmt.Sprintf("/api/memory?id=%d", id), nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE status = %d", resp.StatusCode)
	}

	resp, err = http.Get(e.ts.URL + fmt.Sprintf("/api/memory?id=%d", id))
	if err != nil {
		t.Fatalf("GET after delete: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET after delete status = %d", resp.StatusCode)
	}
}

func TestPresetEndpoints(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.postJSON(t, "/api/presets", map[string]any{
		"name":    "cozy-evening",
		"payload": map[string]any{"lighting": "warm", "music": "lofi"},
	})

	one := e.getJSON(t, "/api/presets?name=cozy-evening")
	if one["name"] != "cozy-evening" {
		t.Fatalf("preset = %+v", one)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(one["payload_json"].(string)), &payload); err != nil {
		t.Fatalf("payload_json: %v", err)
	}
	if payload["music"] != "lofi" {
		t.Fatalf("payload = %+v", payload)
	}

	all := e.getJSON(t, "/api/presets")
	if raw := all["presets"].([]any); len(raw) != 1 {
		t.Fatalf("presets = %+v", all)
	}
}

func TestStatsEndpoint(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	out := e.getJSON(t, "/api/stats")
	village, ok := out["village"].(map[string]any)
	if !ok {
		t.Fatalf("stats = %+v", out)
	}
	if village["current_agent"] != "CLAUDE" {
		t.Fatalf("village stats = %+v", village)
	}
}

func TestMethodChecks(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	resp, err := http.Get(e.ts.URL + "/api/tools/execute")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET execute status = %d", resp.StatusCode)
	}
}
