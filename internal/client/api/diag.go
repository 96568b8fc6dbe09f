package api

import (
	"context"
	"encoding/json"
	"net/http"
)

// TestResult is the /test diagnostic answer.
type TestResult struct {
	Message   string `json:"message"`
	APIKey    string `json:"apiKey"`
	Timestamp string `json:"timestamp"`
}

// Test calls the /test diagnostic endpoint.
func (c *Client) Test(ctx context.Context) (TestResult, error) {
	var out TestResult
	err := c.do(ctx, "test", http.MethodGet, "/test", nil, &out)
	return out, err
}

// BaseInfo returns the raw body of the /api root.
func (c *Client) BaseInfo(ctx context.Context) (json.RawMessage, error) {
	var raw string
	if err := c.do(ctx, "base", http.MethodGet, "", nil, &raw); err != nil {
		return nil, err
	}
	return json.RawMessage(raw), nil
}

// Authorize fetches a channel signature. The result is empty when the server
// does not check signatures.
func (c *Client) Authorize(ctx context.Context, clientID, channel string) (string, error) {
	var out struct {
		Auth string `json:"auth"`
	}
	err := c.do(ctx, "broadcast.auth", http.MethodPost, "/broadcast/auth", map[string]string{
		"clientId": clientID,
		"channel":  channel,
	}, &out)
	return out.Auth, err
}
