// Package broadcast implements the per-session publish/subscribe channel with
// presence tracking.
package broadcast

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event names as they appear on the wire.
const (
	EventUserMessage           = "user-message"
	EventThinking              = "thinking"
	EventClaudeResponse        = "claude-response"
	EventClaudeError           = "claude-error"
	EventUsernameChanged       = "username-changed"
	EventSystemMessage         = "system-message"
	EventMemberAdded           = "member-added"
	EventMemberRemoved         = "member-removed"
	EventSubscriptionSucceeded = "subscription-succeeded"
	EventSubscriptionFailed    = "subscription-failed"
)

// Event is one of the typed payloads below.
type Event interface {
	EventName() string
}

// UserMessage carries a chat line from a member.
type UserMessage struct {
	SessionID string    `json:"sessionId"`
	MessageID string    `json:"messageId"`
	ClientID  string    `json:"clientId"`
	Username  string    `json:"username"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Thinking announces that a persona is working on requestId.
type Thinking struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Persona   string `json:"agentPersona"`
	RequestID string `json:"requestId"`
}

// ClaudeResponse is the agent answer for requestId.
type ClaudeResponse struct {
	SessionID string    `json:"sessionId"`
	ClientID  string    `json:"clientId"`
	Persona   string    `json:"agentPersona"`
	RequestID string    `json:"requestId"`
	MessageID string    `json:"messageId,omitempty"`
	Text      string    `json:"response"`
	Timestamp time.Time `json:"timestamp"`
}

// ClaudeError reports a failed agent request.
type ClaudeError struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Persona   string `json:"agentPersona"`
	RequestID string `json:"requestId"`
	Kind      string `json:"kind"`
	Message   string `json:"error"`
}

// UsernameChanged is the structured rename notification.
type UsernameChanged struct {
	SessionID   string `json:"sessionId"`
	ClientID    string `json:"clientId"`
	OldUsername string `json:"oldUsername"`
	NewUsername string `json:"newUsername"`
}

// SystemNotice is a plain text announcement, also the fallback form of a rename.
type SystemNotice struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"message"`
}

// Member is a presence entry.
type Member struct {
	ClientID string `json:"id"`
	Username string `json:"username"`
}

// MemberAdded is emitted by presence tracking when a client first subscribes.
type MemberAdded struct {
	Member
}

// MemberRemoved is emitted when a client's last subscription goes away.
type MemberRemoved struct {
	Member
}

// SubscriptionSucceeded is delivered to the subscriber once the channel accepts it.
type SubscriptionSucceeded struct {
	Channel string   `json:"channel"`
	Count   int      `json:"count"`
	Members []Member `json:"members"`
	Me      *Member  `json:"me,omitempty"`
}

// SubscriptionFailed is delivered locally when the channel refuses a subscriber.
type SubscriptionFailed struct {
	Channel string `json:"channel"`
	Reason  string `json:"reason"`
}

func (UserMessage) EventName() string           { return EventUserMessage }
func (Thinking) EventName() string              { return EventThinking }
func (ClaudeResponse) EventName() string        { return EventClaudeResponse }
func (ClaudeError) EventName() string           { return EventClaudeError }
func (UsernameChanged) EventName() string       { return EventUsernameChanged }
func (SystemNotice) EventName() string          { return EventSystemMessage }
func (MemberAdded) EventName() string           { return EventMemberAdded }
func (MemberRemoved) EventName() string         { return EventMemberRemoved }
func (SubscriptionSucceeded) EventName() string { return EventSubscriptionSucceeded }
func (SubscriptionFailed) EventName() string    { return EventSubscriptionFailed }

// ClientPublishable reports whether clients may publish name themselves.
// Presence and subscription events only originate from the hub.
func ClientPublishable(name string) bool {
	switch name {
	case EventUserMessage, EventThinking, EventClaudeResponse, EventClaudeError,
		EventUsernameChanged, EventSystemMessage:
		return true
	}
	return false
}

// Envelope is the wire form of an event on a channel.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Data    json.RawMessage `json:"data"`
}

// NewEnvelope encodes ev for channel.
func NewEnvelope(channel string, ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s: %w", ev.EventName(), err)
	}
	return Envelope{Channel: channel, Event: ev.EventName(), Data: data}, nil
}

// Decode turns the envelope back into its typed event.
func (e Envelope) Decode() (Event, error) {
	return DecodeEvent(e.Event, e.Data)
}

// DecodeEvent parses data as the payload of the named event.
func DecodeEvent(name string, data []byte) (Event, error) {
	var ev Event
	switch name {
	case EventUserMessage:
		ev = &UserMessage{}
	case EventThinking:
		ev = &Thinking{}
	case EventClaudeResponse:
		ev = &ClaudeResponse{}
	case EventClaudeError:
		ev = &ClaudeError{}
	case EventUsernameChanged:
		ev = &UsernameChanged{}
	case EventSystemMessage:
		ev = &SystemNotice{}
	case EventMemberAdded:
		ev = &MemberAdded{}
	case EventMemberRemoved:
		ev = &MemberRemoved{}
	case EventSubscriptionSucceeded:
		ev = &SubscriptionSucceeded{}
	case EventSubscriptionFailed:
		ev = &SubscriptionFailed{}
	default:
		return nil, fmt.Errorf("unknown event %q", name)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, ev); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", name, err)
		}
	}
	return deref(ev), nil
}

func deref(ev Event) Event {
	switch v := ev.(type) {
	case *UserMessage:
		return *v
	case *Thinking:
		return *v
	case *ClaudeResponse:
		return *v
	case *ClaudeError:
		return *v
	case *UsernameChanged:
		return *v
	case *SystemNotice:
		return *v
	case *MemberAdded:
		return *v
	case *MemberRemoved:
		return *v
	case *SubscriptionSucceeded:
		return *v
	case *SubscriptionFailed:
		return *v
	}
	return ev
}
