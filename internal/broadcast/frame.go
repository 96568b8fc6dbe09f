package broadcast

import "encoding/json"

// Frame types sent by clients over the websocket transport. The server
// answers with Envelopes only.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
)

// Frame is a client-to-server websocket message.
type Frame struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	ClientID string          `json:"clientId,omitempty"`
	Username string          `json:"username,omitempty"`
	Auth     string          `json:"auth,omitempty"`
	Event    string          `json:"event,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
}
