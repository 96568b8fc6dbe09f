package session

import "time"

// LineKind classifies transcript output.
type LineKind string

const (
	LineUser     LineKind = "user"
	LineAgent    LineKind = "agent"
	LineSystem   LineKind = "system"
	LineThinking LineKind = "thinking"
)

// Line is one transcript entry handed to the View.
type Line struct {
	Kind    LineKind
	Persona string
	Text    string
}

// View receives transcript output. Print may be called from any goroutine.
type View interface {
	Print(Line)
}

// ViewFunc adapts a function to View.
type ViewFunc func(Line)

// Print implements View.
func (f ViewFunc) Print(l Line) { f(l) }

// Indicator is an active "thinking" marker for one agent request.
type Indicator struct {
	RequestID string
	Persona   string
	ClientID  string
	Since     time.Time
}

// MemberView is one entry of the member list.
type MemberView struct {
	ClientID string
	Username string
	Self     bool
}

// Mode tells how a message was sent.
type Mode string

const (
	ModeLocal  Mode = "local"
	ModeServer Mode = "server"
)

// SendResult exposes whether a message reached the session log and the
// channel. The two may diverge: a line that failed to log but was published
// directly is seen live but missing from the transcript.
type SendResult struct {
	MessageID string
	RequestID string
	Mode      Mode
	Logged    bool
	Broadcast bool
}
