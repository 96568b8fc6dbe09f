package chat

import (
	"strings"
	"time"
)

// LocalSessionPrefix marks client-assigned ids that no server knows about.
const LocalSessionPrefix = "local-"

// Session captures a shared, volatile conversation.
type Session struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"createdAt"`
	Members   map[string]Member `json:"users"`
	Messages  []Message         `json:"-"`
}

// Member is one connected participant, keyed by client id in Session.Members.
type Member struct {
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Summary is the read-only view returned by get/list.
type Summary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UserCount int       `json:"userCount"`
}

// Summary returns the polling view of s.
func (s Session) Summary() Summary {
	return Summary{ID: s.ID, CreatedAt: s.CreatedAt, UserCount: len(s.Members)}
}

// CloneMembers copies a member map so callers never share the store's map.
func CloneMembers(in map[string]Member) map[string]Member {
	out := make(map[string]Member, len(in))
	for id, m := range in {
		out[id] = m
	}
	return out
}

// ChannelName is the broadcast channel carrying a session's events.
func ChannelName(sessionID string) string {
	return "presence-session-" + sessionID
}

// SessionIDFromChannel reverses ChannelName.
func SessionIDFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, "presence-session-")
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// IsLocalSessionID reports whether id was assigned by a client in local mode.
func IsLocalSessionID(id string) bool {
	return strings.HasPrefix(id, LocalSessionPrefix)
}
