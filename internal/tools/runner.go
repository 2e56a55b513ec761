// Package tools hosts the builtin tool registry and the runner that executes
// tool invocations on behalf of agents.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Handler executes one tool invocation.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Definition describes a registered tool.
type Definition struct {
	Name        string
	Description string
	Handler     Handler
}

// Notifier receives tool lifecycle notifications. Broadcasting is a side
// effect: the runner ignores notifier errors so telemetry can never change a
// tool result.
type Notifier interface {
	NotifyToolStart(ctx context.Context, tool string, args map[string]any, agentID string) error
	NotifyToolComplete(ctx context.Context, tool string, result any, success bool, agentID string) error
	NotifyToolError(ctx context.Context, tool string, errMsg string, agentID string) error
}

type Runner struct {
	log      *slog.Logger
	notifier Notifier

	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRunner(log *slog.Logger, notifier Notifier) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		log:      log,
		notifier: notifier,
		defs:     make(map[string]Definition),
	}
}

func (r *Runner) Register(def Definition) error {
	if r == nil {
		return errors.New("nil runner")
	}
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return errors.New("missing tool name")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	def.Name = name
	r.defs[name] = def
	return nil
}

// List returns the registered definitions sorted by name.
func (r *Runner) List() []Definition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Execute runs a registered tool, notifying start/complete/error around the
// call. Notifier failures are swallowed; the tool result is returned as-is.
func (r *Runner) Execute(ctx context.Context, name string, args map[string]any, agentID string) (any, error) {
	if r == nil {
		return nil, errors.New("nil runner")
	}
	name = strings.TrimSpace(name)
	r.mu.RLock()
	def, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}

	if r.notifier != nil {
		_ = r.notifier.NotifyToolStart(ctx, name, args, agentID)
	}

	result, err := def.Handler(ctx, args)
	if err != nil {
		r.log.Debug("tool failed", "tool", name, "err", err)
		if r.notifier != nil {
			_ = r.notifier.NotifyToolError(ctx, name, err.Error(), agentID)
		}
		return nil, err
	}
	if r.notifier != nil {
		_ = r.notifier.NotifyToolComplete(ctx, name, result, true, agentID)
	}
	return result, nil
}
