package api

import (
	"context"
	"net/http"
	"time"

	"github.com/zhouzirui/carnage/backend/internal/model/chat"
)

// CreateResult is the answer to a create action.
type CreateResult struct {
	SessionID string    `json:"sessionId"`
	CreatedAt time.Time `json:"createdAt"`
}

// JoinResult carries the full authoritative member map.
type JoinResult struct {
	SessionID string                 `json:"sessionId"`
	ClientID  string                 `json:"clientId"`
	Username  string                 `json:"username"`
	Members   map[string]chat.Member `json:"users"`
}

// LeaveResult reports what the server did with the session.
type LeaveResult struct {
	Remaining int  `json:"remaining"`
	Deleted   bool `json:"deleted"`
}

// RenameResult is the answer to a rename action.
type RenameResult struct {
	Username  string `json:"username"`
	Previous  string `json:"previous"`
	Broadcast bool   `json:"broadcast"`
}

// MessageRequest is the body of POST /message.
type MessageRequest struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Message   string `json:"message"`
	MessageID string `json:"messageId,omitempty"`
	AskAgent  bool   `json:"askAgent,omitempty"`
	PersonaID string `json:"personaId,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// MessageResult tells whether the server managed to broadcast the line.
type MessageResult struct {
	MessageID string `json:"messageId"`
	RequestID string `json:"requestId"`
	Broadcast bool   `json:"broadcast"`
}

type sessionAction struct {
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Create asks the server for a fresh session.
func (c *Client) Create(ctx context.Context) (CreateResult, error) {
	var out CreateResult
	err := c.do(ctx, "session.create", http.MethodPost, "/session", sessionAction{Action: "create"}, &out)
	return out, err
}

// Join adds clientID to the session. Empty clientID or username let the
// server pick them.
func (c *Client) Join(ctx context.Context, sessionID, clientID, username string) (JoinResult, error) {
	if err := chat.ValidateSessionID(sessionID); err != nil {
		return JoinResult{}, err
	}
	var out JoinResult
	err := c.do(ctx, "session.join", http.MethodPost, "/session", sessionAction{
		Action:    "join",
		SessionID: sessionID,
		ClientID:  clientID,
		Username:  username,
	}, &out)
	return out, err
}

// Leave removes clientID from the session.
func (c *Client) Leave(ctx context.Context, sessionID, clientID string) (LeaveResult, error) {
	var out LeaveResult
	err := c.do(ctx, "session.leave", http.MethodDelete, "/session", sessionAction{
		SessionID: sessionID,
		ClientID:  clientID,
	}, &out)
	return out, err
}

// Get returns the session summary used by the reconciliation poll.
func (c *Client) Get(ctx context.Context, sessionID string) (chat.Summary, error) {
	var out struct {
		Session chat.Summary `json:"session"`
	}
	err := c.do(ctx, "session.get", http.MethodGet, "/session"+query("sessionId", sessionID), nil, &out)
	return out.Session, err
}

// List returns every live session.
func (c *Client) List(ctx context.Context) ([]chat.Summary, error) {
	var out struct {
		Sessions []chat.Summary `json:"sessions"`
	}
	err := c.do(ctx, "session.list", http.MethodGet, "/session", nil, &out)
	return out.Sessions, err
}

// Rename changes the member's username on the server.
func (c *Client) Rename(ctx context.Context, sessionID, clientID, username string) (RenameResult, error) {
	var out RenameResult
	err := c.do(ctx, "session.rename", http.MethodPost, "/session", sessionAction{
		Action:    "rename",
		SessionID: sessionID,
		ClientID:  clientID,
		Username:  username,
	}, &out)
	return out, err
}

// PostMessage appends a line to the session log and lets the server broadcast it.
func (c *Client) PostMessage(ctx context.Context, req MessageRequest) (MessageResult, error) {
	var out MessageResult
	err := c.do(ctx, "message", http.MethodPost, "/message", req, &out)
	return out, err
}

// Transcript returns the session log.
func (c *Client) Transcript(ctx context.Context, sessionID string) ([]chat.Message, error) {
	if err := chat.ValidateSessionID(sessionID); err != nil {
		return nil, err
	}
	var out struct {
		Messages []chat.Message `json:"messages"`
	}
	err := c.do(ctx, "session.transcript", http.MethodGet, "/session/"+sessionID+"/messages", nil, &out)
	return out.Messages, err
}
