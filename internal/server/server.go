// Package server exposes the villaged HTTP surface: the observer websocket
// and the JSON API used by agents and dashboards.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/villagemind/villaged/internal/hub"
	"github.com/villagemind/villaged/internal/llm"
	"github.com/villagemind/villaged/internal/monitor"
	"github.com/villagemind/villaged/internal/store"
	"github.com/villagemind/villaged/internal/tools"
)

const maxBodyBytes = 1 << 20

type Options struct {
	Logger *slog.Logger
	Addr   string

	Hub     *hub.Hub
	Runner  *tools.Runner
	Store   *store.Store
	LLM     *llm.Service
	Monitor *monitor.Service
}

type Server struct {
	log  *slog.Logger
	addr string

	hub     *hub.Hub
	runner  *tools.Runner
	store   *store.Store
	llm     *llm.Service
	monitor *monitor.Service

	ln  net.Listener
	srv *http.Server
}

func New(opts Options) (*Server, error) {
	if opts.Hub == nil {
		return nil, errors.New("missing Hub")
	}
	if opts.Runner == nil {
		return nil, errors.New("missing Runner")
	}
	if opts.Store == nil {
		return nil, errors.New("missing Store")
	}
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		addr = "127.0.0.1:8765"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{
		log:     logger,
		addr:    addr,
		hub:     opts.Hub,
		runner:  opts.Runner,
		store:   opts.Store,
		llm:     opts.LLM,
		monitor: opts.Monitor,
	}, nil
}

// Handler builds the route table. Exposed separately so tests can mount it on
// an httptest server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/village", s.handleVillageWS)
	mux.HandleFunc("/api/village/agent", s.handleAgent)
	mux.HandleFunc("/api/tools", s.handleTools)
	mux.HandleFunc("/api/tools/execute", s.handleToolExecute)
	mux.HandleFunc("/api/chat", s.handleChat)
	mux.HandleFunc("/api/models", s.handleModels)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/api/memory", s.handleMemory)
	mux.HandleFunc("/api/presets", s.handlePresets)
	mux.HandleFunc("/api/conversations", s.handleConversations)
	mux.HandleFunc("/api/conversations/messages", s.handleMessages)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.ln = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("server stopped", "error", err)
		}
	}()

	s.log.Info("listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	if s == nil || s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Close() error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.srv.Shutdown(ctx)
	s.srv = nil
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

type agentResp struct {
	Agent string `json:"agent"`
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		st, err := s.hub.Snapshot(r.Context())
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, agentResp{Agent: st.CurrentAgent})
	case http.MethodPost:
		var req agentResp
		if !decodeBody(w, r, &req) {
			return
		}
		agent := strings.TrimSpace(req.Agent)
		if agent == "" {
			writeError(w, http.StatusBadRequest, "missing agent")
			return
		}
		s.hub.SetCurrentAgent(agent)
		writeJSON(w, http.StatusOK, agentResp{Agent: agent})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defs := s.runner.List()
	out := make([]toolInfo, 0, len(defs))
	for _, def := range defs {
		out = append(out, toolInfo{Name: def.Name, Description: def.Description})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

type toolExecuteReq struct {
	Tool  string         `json:"tool"`
	Args  map[string]any `json:"args"`
	Agent string         `json:"agent,omitempty"`
}

func (s *Server) handleToolExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req toolExecuteReq
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Tool) == "" {
		writeError(w, http.StatusBadRequest, "missing tool")
		return
	}
	result, err := s.runner.Execute(r.Context(), req.Tool, req.Args, req.Agent)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": result})
}

type chatReq struct {
	Message        string `json:"message"`
	Model          string `json:"model,omitempty"`
	Agent          string `json:"agent,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.llm == nil {
		writeError(w, http.StatusServiceUnavailable, "no model providers configured")
		return
	}
	var req chatReq
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "missing message")
		return
	}

	ctx := r.Context()
	_ = s.hub.NotifyAgentThinking(ctx, req.Agent)
	text, model, err := s.llm.Complete(ctx, req.Model, req.Message)
	_ = s.hub.NotifyAgentIdle(ctx, req.Agent)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	convID := strings.TrimSpace(req.ConversationID)
	if convID != "" {
		if _, err := s.store.AppendMessage(ctx, store.Message{ConversationID: convID, Role: "user", Content: req.Message}); err != nil {
			s.log.Warn("chat: append user message failed", "err", err)
		}
		if _, err := s.store.AppendMessage(ctx, store.Message{ConversationID: convID, Role: "assistant", Content: text}); err != nil {
			s.log.Warn("chat: append assistant message failed", "err", err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"response":        text,
		"model":           model,
		"conversation_id": convID,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var models []llm.ModelInfo
	if s.llm != nil {
		models = s.llm.Models()
	}
	if models == nil {
		models = []llm.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hubStats, err := s.hub.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	out := map[string]any{"village": hubStats}
	if s.monitor != nil {
		out["system"] = s.monitor.Snapshot(r.Context())
	}
	writeJSON(w, http.StatusOK, out)
}

type memoryReq struct {
	AgentID string `json:"agent_id,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Content string `json:"content"`
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		if idStr := strings.TrimSpace(q.Get("id")); idStr != "" {
			id, err := strconv.ParseInt(idStr, 10, 64)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid id")
				return
			}
			m, err := s.store.GetMemory(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "memory not found")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, m)
			return
		}
		limit := intQuery(q.Get("limit"), 100)
		var (
			memories []store.Memory
			err      error
		)
		if query := strings.TrimSpace(q.Get("query")); query != "" {
			memories, err = s.store.SearchMemories(ctx, query, limit)
		} else {
			memories, err = s.store.ListMemories(ctx, strings.TrimSpace(q.Get("agent")), limit)
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
	case http.MethodPost:
		var req memoryReq
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := s.store.PutMemory(ctx, store.Memory{AgentID: req.AgentID, Topic: req.Topic, Content: req.Content})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	case http.MethodDelete:
		id, err := strconv.ParseInt(strings.TrimSpace(r.URL.Query().Get("id")), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid id")
			return
		}
		if err := s.store.DeleteMemory(ctx, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "memory not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type presetReq struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		if name := strings.TrimSpace(r.URL.Query().Get("name")); name != "" {
			p, err := s.store.GetPreset(ctx, name)
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "preset not found")
				return
			}
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			writeJSON(w, http.StatusOK, p)
			return
		}
		presets, err := s.store.ListPresets(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"presets": presets})
	case http.MethodPost:
		var req presetReq
		if !decodeBody(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeError(w, http.StatusBadRequest, "missing name")
			return
		}
		if err := s.store.SavePreset(ctx, req.Name, string(req.Payload)); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"saved": true})
	case http.MethodDelete:
		name := strings.TrimSpace(r.URL.Query().Get("name"))
		if name == "" {
			writeError(w, http.StatusBadRequest, "missing name")
			return
		}
		if err := s.store.DeletePreset(ctx, name); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "preset not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type conversationReq struct {
	Title string `json:"title,omitempty"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		convs, err := s.store.ListConversations(ctx, intQuery(r.URL.Query().Get("limit"), 100))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
	case http.MethodPost:
		var req conversationReq
		if !decodeBody(w, r, &req) {
			return
		}
		id := uuid.NewString()
		if err := s.store.CreateConversation(ctx, id, req.Title); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type messageReq struct {
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
	Content        string `json:"content"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		convID := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
		if convID == "" {
			writeError(w, http.StatusBadRequest, "missing conversation_id")
			return
		}
		msgs, err := s.store.ListMessages(ctx, convID, intQuery(r.URL.Query().Get("limit"), 200))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
	case http.MethodPost:
		var req messageReq
		if !decodeBody(w, r, &req) {
			return
		}
		id, err := s.store.AppendMessage(ctx, store.Message{
			ConversationID: req.ConversationID,
			Role:           req.Role,
			Content:        req.Content,
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func intQuery(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
