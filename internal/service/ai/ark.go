package ai

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/carnage/backend/pkg/apperr"
)

// ArkCompleter runs requests through an eino chain around an Ark chat model.
type ArkCompleter struct {
	chain compose.Runnable[[]*schema.Message, *schema.Message]
}

// NewArkCompleter compiles the chain once.
func NewArkCompleter(ctx context.Context, chatModel model.BaseChatModel) (*ArkCompleter, error) {
	chain := compose.NewChain[[]*schema.Message, *schema.Message]()
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}
	return &ArkCompleter{chain: runnable}, nil
}

// Complete implements Completer. The configured Ark endpoint decides the
// model, so req.Model is only echoed back.
func (c *ArkCompleter) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	input := make([]*schema.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		input = append(input, schema.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == RoleAssistant {
			input = append(input, schema.AssistantMessage(m.Content, nil))
		} else {
			input = append(input, schema.UserMessage(m.Content))
		}
	}

	resp, err := c.chain.Invoke(ctx, input, compose.WithChatModelOption(
		model.WithMaxTokens(req.MaxTokens),
		model.WithTemperature(float32(req.Temperature)),
	))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperr.Upstream(0, fmt.Sprintf("ark: %v", err))
	}
	if resp == nil {
		return nil, apperr.Upstream(502, "ark returned no message")
	}

	out := &Completion{
		Type:    "message",
		Role:    RoleAssistant,
		Model:   req.Model,
		Content: []ContentBlock{{Type: "text", Text: resp.Content}},
	}
	if meta := resp.ResponseMeta; meta != nil {
		out.StopReason = meta.FinishReason
		if meta.Usage != nil {
			out.Usage = Usage{
				InputTokens:  int64(meta.Usage.PromptTokens),
				OutputTokens: int64(meta.Usage.CompletionTokens),
			}
		}
	}
	return out, nil
}
