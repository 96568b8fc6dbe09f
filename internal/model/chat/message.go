package chat

import "time"

// MessageKind distinguishes transcript entries.
type MessageKind string

const (
	KindUser   MessageKind = "user"
	KindAgent  MessageKind = "agent"
	KindSystem MessageKind = "system"
)

// Valid reports whether k is one of the known kinds.
func (k MessageKind) Valid() bool {
	switch k {
	case KindUser, KindAgent, KindSystem:
		return true
	}
	return false
}

// Message is one append-only transcript entry.
type Message struct {
	ID        string      `json:"id"`
	ClientID  string      `json:"clientId,omitempty"`
	Username  string      `json:"username"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
	Kind      MessageKind `json:"kind"`
	Persona   string      `json:"persona,omitempty"`
	RequestID string      `json:"requestId,omitempty"`
}
