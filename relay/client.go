package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned when an operation needs a live relay
// connection and there is none.
var ErrNotConnected = errors.New("relay: not connected")

// Client is the relay interface consumed by the sync layer.
type Client interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, filters []Filter, opts SubscribeOptions) (*Subscription, error)
	Publish(ctx context.Context, ev *Event) error
	Close() error
}

// WSClient is a WebSocket implementation of Client.
type WSClient struct {
	url    string
	pubKey string

	wmu sync.Mutex // serializes writes to the connection

	mu   sync.Mutex
	conn *websocket.Conn
	subs map[string]*Subscription
	acks map[string]chan error
	done chan struct{}
}

var _ Client = (*WSClient)(nil)

// NewWSClient creates a client for the relay at the given ws:// URL.
func NewWSClient(url string) *WSClient {
	id := uuid.New()
	return &WSClient{
		url:    url,
		pubKey: hex.EncodeToString(id[:]),
	}
}

// PubKey returns the identity this client stamps on published events.
func (c *WSClient) PubKey() string { return c.pubKey }

// Connect dials the relay, retrying transient failures with exponential
// backoff. It is a no-op if already connected.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	var conn *websocket.Conn
	dial := func() error {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			return err
		}
		conn = ws
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(dial, bo); err != nil {
		return fmt.Errorf("%w: dial %s: %v", ErrNotConnected, c.url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.subs = make(map[string]*Subscription)
	c.acks = make(map[string]chan error)
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.readLoop(conn, done)
	return nil
}

// Subscribe opens a subscription for the given filters. Stored matching
// events arrive first, then an EOSE message, then live events.
func (c *WSClient) Subscribe(_ context.Context, filters []Filter, opts SubscribeOptions) (*Subscription, error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	sub := &Subscription{
		ID:          uuid.NewString(),
		Messages:    make(chan Message, 64),
		client:      c,
		closeOnEOSE: opts.CloseOnEOSE,
	}
	c.subs[sub.ID] = sub
	c.mu.Unlock()

	err := c.writeFrame(Frame{
		Type:        FrameSubscribe,
		SubID:       sub.ID,
		Filters:     filters,
		CloseOnEOSE: opts.CloseOnEOSE,
	})
	if err != nil {
		c.closeSubscription(sub, false)
		return nil, err
	}
	return sub, nil
}

// Publish sends an event and waits for the relay's acknowledgement.
// Missing identity fields are filled in before the ID is computed.
func (c *WSClient) Publish(ctx context.Context, ev *Event) error {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	if ev.PubKey == "" {
		ev.PubKey = c.pubKey
	}
	if ev.CreatedAt == 0 {
		ev.CreatedAt = time.Now().Unix()
	}
	if ev.ID == "" {
		ev.ID = ev.ComputeID()
	}
	ack := make(chan error, 1)
	c.acks[ev.ID] = ack
	done := c.done
	c.mu.Unlock()

	if err := c.writeFrame(Frame{Type: FramePublish, Event: ev}); err != nil {
		c.dropAck(ev.ID)
		return err
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		c.dropAck(ev.ID)
		return ctx.Err()
	case <-done:
		return ErrNotConnected
	}
}

// Close drops the connection and terminates every subscription.
func (c *WSClient) Close() error {
	c.fail(nil)
	return nil
}

func (c *WSClient) readLoop(conn *websocket.Conn, done chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("relay client: invalid frame: %v", err)
			continue
		}

		switch frame.Type {
		case FrameEvent:
			c.dispatch(frame.SubID, Message{Type: MessageEvent, Event: frame.Event}, done)
		case FrameEOSE:
			c.dispatch(frame.SubID, Message{Type: MessageEOSE}, done)
			c.mu.Lock()
			sub := c.subs[frame.SubID]
			c.mu.Unlock()
			if sub != nil && sub.closeOnEOSE {
				c.closeSubscription(sub, false)
			}
		case FrameOK:
			c.mu.Lock()
			ack := c.acks[frame.EventID]
			delete(c.acks, frame.EventID)
			c.mu.Unlock()
			if ack != nil {
				if frame.Accepted {
					ack <- nil
				} else {
					ack <- fmt.Errorf("relay: publish rejected: %s", frame.Message)
				}
			}
		case FrameNotice:
			log.Printf("relay notice: %s", frame.Message)
		}
	}
}

func (c *WSClient) dispatch(subID string, msg Message, done chan struct{}) {
	c.mu.Lock()
	sub := c.subs[subID]
	c.mu.Unlock()
	if sub == nil {
		return
	}
	select {
	case sub.Messages <- msg:
	case <-done:
	}
}

func (c *WSClient) closeSubscription(sub *Subscription, sendUnsub bool) {
	c.mu.Lock()
	if _, ok := c.subs[sub.ID]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.subs, sub.ID)
	connected := c.conn != nil
	c.mu.Unlock()

	if sendUnsub && connected {
		c.writeFrame(Frame{Type: FrameUnsubscribe, SubID: sub.ID})
	}
	select {
	case sub.Messages <- Message{Type: MessageClosed}:
	default:
	}
}

// fail tears down the connection: every subscription receives a Closed
// message and every pending publish fails.
func (c *WSClient) fail(err error) {
	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	close(c.done)
	subs := c.subs
	acks := c.acks
	c.subs = nil
	c.acks = nil
	c.mu.Unlock()

	conn.Close()
	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		log.Printf("relay client %s: connection lost: %v", c.url, err)
	}
	for _, sub := range subs {
		select {
		case sub.Messages <- Message{Type: MessageClosed}:
		default:
		}
	}
	for _, ack := range acks {
		ack <- ErrNotConnected
	}
}

func (c *WSClient) writeFrame(f Frame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, f.Encode())
}

func (c *WSClient) dropAck(id string) {
	c.mu.Lock()
	delete(c.acks, id)
	c.mu.Unlock()
}
