package relay

import (
	"context"
	"log"
)

type publishReq struct {
	conn *wsConn
	ev   Event
}

type subscribeReq struct {
	conn        *wsConn
	id          string
	filters     []Filter
	closeOnEOSE bool
}

type unsubscribeReq struct {
	conn *wsConn
	id   string
}

type serverSub struct {
	id      string
	filters []Filter
}

// Hub is the relay's core: it serializes all publishes and subscriptions
// through a single loop so every subscriber sees stored history, then EOSE,
// then live events, with no gap or duplicate between the two phases.
type Hub struct {
	store EventStore
	subs  map[*wsConn]map[string]*serverSub

	publish     chan publishReq
	subscribe   chan subscribeReq
	unsubscribe chan unsubscribeReq
	detach      chan *wsConn
	stop        chan struct{}
}

func NewHub(store EventStore) *Hub {
	return &Hub{
		store:       store,
		subs:        make(map[*wsConn]map[string]*serverSub),
		publish:     make(chan publishReq, 64),
		subscribe:   make(chan subscribeReq, 16),
		unsubscribe: make(chan unsubscribeReq, 16),
		detach:      make(chan *wsConn, 16),
		stop:        make(chan struct{}),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case req := <-h.publish:
			h.handlePublish(req)
		case req := <-h.subscribe:
			h.handleSubscribe(req)
		case req := <-h.unsubscribe:
			if conn, ok := h.subs[req.conn]; ok {
				delete(conn, req.id)
			}
		case c := <-h.detach:
			delete(h.subs, c)
		case <-h.stop:
			return
		}
	}
}

// Stop terminates the hub loop.
func (h *Hub) Stop() {
	close(h.stop)
}

func (h *Hub) handlePublish(req publishReq) {
	ev := req.ev
	if ev.ID == "" {
		ev.ID = ev.ComputeID()
	}

	stored, err := h.store.Append(context.Background(), ev)
	if err != nil {
		log.Printf("hub: failed to store event %s: %v", ev.ID, err)
		req.conn.sendFrame(Frame{Type: FrameOK, EventID: ev.ID, Message: "storage error"})
		return
	}
	req.conn.sendFrame(Frame{Type: FrameOK, EventID: ev.ID, Accepted: true})

	// A duplicate is acked but not re-broadcast; subscribers already have it
	// from history or from the first delivery.
	if !stored {
		return
	}
	for conn, subs := range h.subs {
		for _, sub := range subs {
			if MatchAny(sub.filters, &ev) {
				conn.sendFrame(Frame{Type: FrameEvent, SubID: sub.id, Event: &ev})
			}
		}
	}
}

func (h *Hub) handleSubscribe(req subscribeReq) {
	stored, err := h.store.Query(context.Background(), req.filters)
	if err != nil {
		log.Printf("hub: query for sub %s failed: %v", req.id, err)
		req.conn.sendFrame(Frame{Type: FrameNotice, SubID: req.id, Message: "query error"})
		return
	}
	for i := range stored {
		req.conn.sendFrame(Frame{Type: FrameEvent, SubID: req.id, Event: &stored[i]})
	}
	req.conn.sendFrame(Frame{Type: FrameEOSE, SubID: req.id})

	if req.closeOnEOSE {
		return
	}
	subs := h.subs[req.conn]
	if subs == nil {
		subs = make(map[string]*serverSub)
		h.subs[req.conn] = subs
	}
	subs[req.id] = &serverSub{id: req.id, filters: req.filters}
}
