package session

// Phase names a SessionClient state.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseInServerSession
	PhaseInLocalSession
	PhaseLeavingSession
)

func (p Phase) String() string {
	switch p {
	case PhaseDisconnected:
		return "disconnected"
	case PhaseConnecting:
		return "connecting"
	case PhaseInServerSession:
		return "server session"
	case PhaseInLocalSession:
		return "local session"
	case PhaseLeavingSession:
		return "leaving"
	default:
		return "unknown"
	}
}

// State is one of Disconnected, Connecting, InServerSession, InLocalSession
// or LeavingSession. Each variant carries only the data valid in that state.
type State interface {
	Phase() Phase
	isState()
}

// Disconnected is the idle state.
type Disconnected struct{}

// Connecting is a create (empty Target) or join in flight.
type Connecting struct {
	Target string
}

// InServerSession is a session backed by the server store. Live is false
// when the broadcast subscription failed and only polling keeps the view fresh.
type InServerSession struct {
	SessionID string
	Live      bool
}

// InLocalSession exists only in this client; nothing is broadcast.
type InLocalSession struct {
	SessionID string
	Reason    string
}

// LeavingSession is a leave in flight.
type LeavingSession struct {
	SessionID string
}

func (Disconnected) Phase() Phase    { return PhaseDisconnected }
func (Connecting) Phase() Phase      { return PhaseConnecting }
func (InServerSession) Phase() Phase { return PhaseInServerSession }
func (InLocalSession) Phase() Phase  { return PhaseInLocalSession }
func (LeavingSession) Phase() Phase  { return PhaseLeavingSession }

func (Disconnected) isState()    {}
func (Connecting) isState()      {}
func (InServerSession) isState() {}
func (InLocalSession) isState()  {}
func (LeavingSession) isState()  {}

// SessionID returns the id of the session s refers to, if any.
func SessionID(s State) string {
	switch v := s.(type) {
	case InServerSession:
		return v.SessionID
	case InLocalSession:
		return v.SessionID
	case LeavingSession:
		return v.SessionID
	}
	return ""
}
