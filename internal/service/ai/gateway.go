// Package ai proxies prompts to the hosted language model.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zhouzirui/carnage/backend/internal/config"
	"github.com/zhouzirui/carnage/backend/internal/model/persona"
	"github.com/zhouzirui/carnage/backend/pkg/apperr"
)

// Gateway applies defaults, the max_tokens ceiling, system prompt augmentation
// and the request deadline around a Completer. It holds no per-request state.
type Gateway struct {
	completer Completer
	personas  persona.Store
	cfg       config.AIConfig
	logger    *zap.Logger
}

// NewGateway wraps completer. A nil completer makes every call fail with
// ErrMisconfigured, which is how a missing credential is reported.
func NewGateway(completer Completer, personas persona.Store, cfg config.AIConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		completer: completer,
		personas:  personas,
		cfg:       cfg,
		logger:    logger.Named("gateway"),
	}
}

// NewFromConfig picks the Completer for cfg.Provider. Missing credentials are
// not an error here; the gateway reports them per request.
func NewFromConfig(ctx context.Context, cfg config.AIConfig, personas persona.Store, logger *zap.Logger) (*Gateway, error) {
	if !cfg.Configured() {
		return NewGateway(nil, personas, cfg, logger), nil
	}

	var completer Completer
	switch cfg.Provider {
	case config.ProviderArk:
		chatModel, err := cfg.NewArkChatModel(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating ark chat model: %w", err)
		}
		ark, err := NewArkCompleter(ctx, chatModel)
		if err != nil {
			return nil, err
		}
		completer = ark
	default:
		completer = NewAnthropicCompleter(cfg.APIKey, cfg.BaseURL)
	}
	return NewGateway(completer, personas, cfg, logger), nil
}

// Configured reports whether a credential is available.
func (g *Gateway) Configured() bool {
	return g.completer != nil
}

// Complete forwards a raw request, used by the HTTP passthrough.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Completion, error) {
	resolved, err := g.resolve(req)
	if err != nil {
		return nil, err
	}
	completion, err := g.call(ctx, resolved)
	if err != nil {
		return nil, err
	}
	for i, block := range completion.Content {
		if block.Type == "text" {
			completion.Content[i].Text = StripASCIIArt(block.Text)
		}
	}
	return completion, nil
}

// Ask sends text as a single user turn under the persona's system prompt.
func (g *Gateway) Ask(ctx context.Context, text, personaID string) (string, error) {
	p, ok := persona.Resolve(g.personas, personaID)
	if !ok {
		return "", apperr.Validation("unknown persona %q", personaID)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperr.Validation("prompt is empty")
	}

	resolved, err := g.resolve(Request{
		System:   p.SystemPrompt,
		Messages: []Message{{Role: RoleUser, Content: text}},
	})
	if err != nil {
		return "", err
	}
	completion, err := g.call(ctx, resolved)
	if err != nil {
		return "", err
	}

	answer := completion.Text()
	if p.StripASCIIArt {
		answer = StripASCIIArt(answer)
	}
	if strings.TrimSpace(answer) == "" {
		return "", apperr.Upstream(502, fmt.Sprintf("%s could not process your request. Please try again.", p.Label))
	}
	return answer, nil
}

func (g *Gateway) resolve(req Request) (CompletionRequest, error) {
	if len(req.Messages) == 0 {
		return CompletionRequest{}, apperr.Validation("messages are required")
	}
	for i, m := range req.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return CompletionRequest{}, apperr.Validation("message %d has unsupported role %q", i, m.Role)
		}
		if strings.TrimSpace(m.Content) == "" {
			return CompletionRequest{}, apperr.Validation("message %d is empty", i)
		}
	}

	out := CompletionRequest{
		Model:       req.Model,
		System:      AugmentSystemPrompt(req.System),
		Messages:    req.Messages,
		MaxTokens:   g.cfg.EffectiveMaxTokens(),
		Temperature: g.cfg.Temperature,
	}
	if out.Model == "" {
		out.Model = g.cfg.Model
	}
	if req.MaxTokens > 0 && req.MaxTokens < out.MaxTokens {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	return out, nil
}

func (g *Gateway) call(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if g.completer == nil {
		return nil, fmt.Errorf("%w: model API key is not set", apperr.ErrMisconfigured)
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	completion, err := g.completer.Complete(ctx, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			g.logger.Warn("model request timed out", zap.Duration("timeout", g.cfg.Timeout))
			return nil, fmt.Errorf("%w: the API request timed out", apperr.ErrTimeout)
		}
		g.logger.Warn("model request failed", zap.Error(err))
		return nil, apperr.FromContext(err)
	}
	g.logger.Debug("model request completed",
		zap.String("model", completion.Model),
		zap.Int64("output_tokens", completion.Usage.OutputTokens))
	return completion, nil
}
