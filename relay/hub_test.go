package relay

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func setupTestRelay(t *testing.T) (*httptest.Server, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	hub := NewHub(store)
	go hub.Run()
	server := httptest.NewServer(NewHandler(hub))
	t.Cleanup(func() {
		server.Close()
		hub.Stop()
	})
	return server, store
}

func dialClient(t *testing.T, server *httptest.Server) *WSClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	c := NewWSClient(url)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func nextMessage(t *testing.T, sub *Subscription) Message {
	t.Helper()
	select {
	case msg := <-sub.Messages:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for subscription message")
		return Message{}
	}
}

func TestRelay_SubscribeEmptyHistory(t *testing.T) {
	server, _ := setupTestRelay(t)
	c := dialClient(t, server)

	sub, err := c.Subscribe(context.Background(), []Filter{{Kinds: []int{1}}}, SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if msg := nextMessage(t, sub); msg.Type != MessageEOSE {
		t.Errorf("first message = %v, want EOSE", msg.Type)
	}
}

func TestRelay_PublishAndLiveDelivery(t *testing.T) {
	server, store := setupTestRelay(t)
	c := dialClient(t, server)

	sub, err := c.Subscribe(context.Background(), []Filter{{Kinds: []int{1}}}, SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if msg := nextMessage(t, sub); msg.Type != MessageEOSE {
		t.Fatalf("expected EOSE, got %v", msg.Type)
	}

	ev := &Event{Kind: 1, Content: "hello"}
	if err := c.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID == "" || ev.PubKey == "" {
		t.Error("publish did not fill identity fields")
	}

	// The publisher's own matching subscription receives the live event.
	msg := nextMessage(t, sub)
	if msg.Type != MessageEvent {
		t.Fatalf("expected live event, got %v", msg.Type)
	}
	if msg.Event.ID != ev.ID || msg.Event.Content != "hello" {
		t.Errorf("delivered event %+v does not match published %+v", msg.Event, ev)
	}

	if n, _ := store.Len(context.Background()); n != 1 {
		t.Errorf("store has %d events, want 1", n)
	}
}

func TestRelay_HistoryThenEOSEThenLive(t *testing.T) {
	server, _ := setupTestRelay(t)
	publisher := dialClient(t, server)

	for _, content := range []string{"one", "two"} {
		if err := publisher.Publish(context.Background(), &Event{Kind: 1, Content: content}); err != nil {
			t.Fatal(err)
		}
	}

	joiner := dialClient(t, server)
	sub, err := joiner.Subscribe(context.Background(), []Filter{{Kinds: []int{1}}}, SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{"one", "two"} {
		msg := nextMessage(t, sub)
		if msg.Type != MessageEvent || msg.Event.Content != want {
			t.Fatalf("history replay: got %v %v, want event %q", msg.Type, msg.Event, want)
		}
	}
	if msg := nextMessage(t, sub); msg.Type != MessageEOSE {
		t.Fatalf("expected EOSE after history, got %v", msg.Type)
	}

	if err := publisher.Publish(context.Background(), &Event{Kind: 1, Content: "three"}); err != nil {
		t.Fatal(err)
	}
	msg := nextMessage(t, sub)
	if msg.Type != MessageEvent || msg.Event.Content != "three" {
		t.Fatalf("live delivery after EOSE: got %v %v, want event %q", msg.Type, msg.Event, "three")
	}
}

func TestRelay_DuplicatePublishNotRebroadcast(t *testing.T) {
	server, store := setupTestRelay(t)
	c := dialClient(t, server)

	sub, err := c.Subscribe(context.Background(), []Filter{{Kinds: []int{1}}}, SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	nextMessage(t, sub) // EOSE

	ev := &Event{Kind: 1, Content: "once", CreatedAt: 1234, PubKey: "pk"}
	ev.ID = ev.ComputeID()
	if err := c.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if msg := nextMessage(t, sub); msg.Type != MessageEvent {
		t.Fatalf("expected first delivery, got %v", msg.Type)
	}

	// At-least-once redelivery by a client is acked but not broadcast again.
	if err := c.Publish(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	select {
	case msg := <-sub.Messages:
		t.Fatalf("duplicate was re-broadcast: %v", msg)
	case <-time.After(200 * time.Millisecond):
	}
	if n, _ := store.Len(context.Background()); n != 1 {
		t.Errorf("store has %d events, want 1", n)
	}
}

func TestRelay_CloseOnEOSE(t *testing.T) {
	server, _ := setupTestRelay(t)
	c := dialClient(t, server)

	sub, err := c.Subscribe(context.Background(), []Filter{{Kinds: []int{1}}}, SubscribeOptions{CloseOnEOSE: true})
	if err != nil {
		t.Fatal(err)
	}
	if msg := nextMessage(t, sub); msg.Type != MessageEOSE {
		t.Fatalf("expected EOSE, got %v", msg.Type)
	}
	if msg := nextMessage(t, sub); msg.Type != MessageClosed {
		t.Fatalf("expected Closed after EOSE, got %v", msg.Type)
	}

	// Nothing published afterwards reaches this subscription.
	if err := c.Publish(context.Background(), &Event{Kind: 1, Content: "late"}); err != nil {
		t.Fatal(err)
	}
	select {
	case msg, ok := <-sub.Messages:
		if ok && msg.Type == MessageEvent {
			t.Fatal("closed subscription still received events")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWSClient_NotConnected(t *testing.T) {
	c := NewWSClient("ws://127.0.0.1:1/ws")

	if _, err := c.Subscribe(context.Background(), nil, SubscribeOptions{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe error = %v, want ErrNotConnected", err)
	}
	if err := c.Publish(context.Background(), &Event{Kind: 1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Connect(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Connect error = %v, want ErrNotConnected", err)
	}
}

func TestWSClient_CloseTerminatesSubscriptions(t *testing.T) {
	server, _ := setupTestRelay(t)
	c := dialClient(t, server)

	sub, err := c.Subscribe(context.Background(), []Filter{{Kinds: []int{1}}}, SubscribeOptions{})
	if err != nil {
		t.Fatal(err)
	}
	nextMessage(t, sub) // EOSE

	c.Close()
	if msg := nextMessage(t, sub); msg.Type != MessageClosed {
		t.Errorf("expected Closed after client Close, got %v", msg.Type)
	}
}
