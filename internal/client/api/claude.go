package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/zhouzirui/carnage/backend/internal/model/persona"
	"github.com/zhouzirui/carnage/backend/internal/service/ai"
	"github.com/zhouzirui/carnage/backend/pkg/apperr"
)

// Complete posts a raw request to the /claude passthrough.
func (c *Client) Complete(ctx context.Context, req ai.Request) (*ai.Completion, error) {
	var out ai.Completion
	if err := c.do(ctx, "claude", http.MethodPost, "/claude", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Asker answers direct prompts through the /claude passthrough, using the
// persona prompts the terminal ships with.
type Asker struct {
	client   *Client
	personas persona.Store
}

// NewAsker binds client to a persona set.
func NewAsker(client *Client, personas persona.Store) *Asker {
	return &Asker{client: client, personas: personas}
}

// Ask sends text as a single user turn under the persona's system prompt.
func (a *Asker) Ask(ctx context.Context, text, personaID string) (string, error) {
	p, ok := persona.Resolve(a.personas, personaID)
	if !ok {
		return "", apperr.Validation("unknown persona %q", personaID)
	}
	completion, err := a.client.Complete(ctx, ai.Request{
		System:   p.SystemPrompt,
		Messages: []ai.Message{{Role: ai.RoleUser, Content: text}},
	})
	if err != nil {
		return "", err
	}
	answer := completion.Text()
	if p.StripASCIIArt {
		answer = ai.StripASCIIArt(answer)
	}
	if strings.TrimSpace(answer) == "" {
		return "", apperr.Upstream(http.StatusBadGateway, fmt.Sprintf("%s could not process your request. Please try again.", p.Label))
	}
	return answer, nil
}
