// Package llm is a thin pass-through to hosted model providers. The chat
// surface of this backend is deliberately minimal: one prompt in, one
// completion out.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
)

const defaultMaxOutputTokens = 1024

// Provider completes a single-turn prompt against one hosted API.
type Provider interface {
	Kind() string
	Complete(ctx context.Context, model string, prompt string) (string, error)
}

// NewProvider builds a provider adapter for the given kind
// ("anthropic", "openai" or "openai_compatible").
func NewProvider(kind string, apiKey string, baseURL string) (Provider, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("missing provider api key")
	}
	switch kind {
	case "openai", "openai_compatible":
		opts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, ooption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &openAIProvider{kind: kind, client: openai.NewClient(opts...)}, nil
	case "anthropic":
		opts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(apiKey))}
		if strings.TrimSpace(baseURL) != "" {
			opts = append(opts, aoption.WithBaseURL(strings.TrimSpace(baseURL)))
		}
		return &anthropicProvider{client: anthropic.NewClient(opts...)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", kind)
	}
}

type openAIProvider struct {
	kind   string
	client openai.Client
}

func (p *openAIProvider) Kind() string { return p.kind }

func (p *openAIProvider) Complete(ctx context.Context, model string, prompt string) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	if strings.TrimSpace(model) == "" {
		return "", errors.New("missing model")
	}
	resp, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(strings.TrimSpace(model)),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(prompt),
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

type anthropicProvider struct {
	client anthropic.Client
}

func (p *anthropicProvider) Kind() string { return "anthropic" }

func (p *anthropicProvider) Complete(ctx context.Context, model string, prompt string) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	if strings.TrimSpace(model) == "" {
		return "", errors.New("missing model")
	}
	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(model)),
		MaxTokens: defaultMaxOutputTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	if sb.Len() == 0 {
		return "", errors.New("empty completion")
	}
	return sb.String(), nil
}
