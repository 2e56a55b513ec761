package llm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ModelInfo describes one model exposed through /api/models.
type ModelInfo struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

// Service routes completion requests to the provider configured for the
// requested model.
type Service struct {
	byModel      map[string]Provider
	defaultModel string
}

// NewService wires providers to their model lists. The first model of the
// first entry becomes the default when a request names no model.
func NewService() *Service {
	return &Service{byModel: make(map[string]Provider)}
}

func (s *Service) AddProvider(p Provider, models []string) error {
	if s == nil {
		return errors.New("nil service")
	}
	if p == nil {
		return errors.New("nil provider")
	}
	if len(models) == 0 {
		return fmt.Errorf("provider %q has no models", p.Kind())
	}
	for _, model := range models {
		model = strings.TrimSpace(model)
		if model == "" {
			continue
		}
		if _, exists := s.byModel[model]; exists {
			return fmt.Errorf("model %q configured twice", model)
		}
		s.byModel[model] = p
		if s.defaultModel == "" {
			s.defaultModel = model
		}
	}
	return nil
}

// Models lists the configured models sorted by id.
func (s *Service) Models() []ModelInfo {
	if s == nil {
		return nil
	}
	out := make([]ModelInfo, 0, len(s.byModel))
	for model, p := range s.byModel {
		out = append(out, ModelInfo{ID: model, Provider: p.Kind()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Complete runs one prompt against the provider serving model. An empty
// model falls back to the default.
func (s *Service) Complete(ctx context.Context, model string, prompt string) (string, string, error) {
	if s == nil {
		return "", "", errors.New("nil service")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = s.defaultModel
	}
	if model == "" {
		return "", "", errors.New("no models configured")
	}
	p, ok := s.byModel[model]
	if !ok {
		return "", "", fmt.Errorf("unknown model %q", model)
	}
	text, err := p.Complete(ctx, model, prompt)
	if err != nil {
		return "", "", err
	}
	return text, model, nil
}
