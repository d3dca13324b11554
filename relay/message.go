package relay

import "encoding/json"

// Frame types exchanged over the relay WebSocket.
const (
	FramePublish     = "publish"
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameEvent       = "event"
	FrameEOSE        = "eose"
	FrameOK          = "ok"
	FrameNotice      = "notice"
)

// Frame is a message in either direction between client and relay.
// Which fields are set depends on Type.
type Frame struct {
	Type        string   `json:"type"`
	SubID       string   `json:"subId,omitempty"`
	Event       *Event   `json:"event,omitempty"`
	Filters     []Filter `json:"filters,omitempty"`
	CloseOnEOSE bool     `json:"closeOnEose,omitempty"`
	EventID     string   `json:"eventId,omitempty"`
	Accepted    bool     `json:"accepted,omitempty"`
	Message     string   `json:"message,omitempty"`
}

// Encode serializes a Frame to JSON bytes.
func (f Frame) Encode() []byte {
	b, _ := json.Marshal(f)
	return b
}
