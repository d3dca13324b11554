package relay

// MessageType tags a subscription message.
type MessageType int

const (
	// MessageEvent carries one event, stored or live.
	MessageEvent MessageType = iota
	// MessageEOSE signals that stored history is exhausted; everything after
	// it is live.
	MessageEOSE
	// MessageClosed signals that the subscription delivers nothing further.
	MessageClosed
)

// Message is one delivery on a subscription. Consumers read a single
// channel of tagged variants instead of registering per-signal callbacks.
type Message struct {
	Type  MessageType
	Event *Event
}

// SubscribeOptions controls subscription behavior.
type SubscribeOptions struct {
	// CloseOnEOSE ends the subscription once stored history is exhausted
	// instead of keeping it open for live events.
	CloseOnEOSE bool
}

// Subscription is one live filter set on a relay connection.
type Subscription struct {
	ID       string
	Messages chan Message

	client      *WSClient
	closeOnEOSE bool
}

// Close drops the subscription. It is safe to call more than once, and on
// a subscription without a backing connection.
func (s *Subscription) Close() {
	if s.client == nil {
		return
	}
	s.client.closeSubscription(s, true)
}
