package syncer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alimasry/go-crdt-sync/crdt"
	"github.com/alimasry/go-crdt-sync/relay"
)

// TransportOriginPrefix marks document mutations made by a sync transport.
// A provider never republishes a change whose origin carries this prefix:
// either it applied the change itself, or another transport bound to the
// same document did and owns its propagation.
const TransportOriginPrefix = "sync-provider/"

// DefaultDebounce is the quiet window local edits are batched over before
// a publish. Bursty editing (per keystroke) collapses into one relay event
// per window.
const DefaultDebounce = 100 * time.Millisecond

// publishTimeout bounds how long the provider loop blocks waiting for a
// publish acknowledgement.
const publishTimeout = 10 * time.Second

// Cipher optionally encrypts delta payloads on the wire. It is applied
// inside the transport encoding on publish and before decoding on receive.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// ReconciliationError reports a failed catch-up. Initialization fails
// rather than going live with possibly divergent replicas.
type ReconciliationError struct {
	Err error
}

func (e *ReconciliationError) Error() string {
	return "syncer: reconciliation failed: " + e.Err.Error()
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// Options configures a Provider.
type Options struct {
	// Cipher, when set, encrypts outbound payloads and decrypts inbound
	// ones. When nil, content travels unencrypted.
	Cipher Cipher
	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration
}

// Provider binds one local document to one room. The outbound half batches
// local edits into debounced publishes; the inbound half replays the room's
// history, reconciles local state against it once, and then applies live
// events as they arrive. The document is referenced, never owned: the
// hosting application keeps editing it directly.
type Provider struct {
	doc    crdt.DocHandle
	engine crdt.Engine
	client relay.Client
	roomID string
	kind   int
	opts   Options
	origin string

	changes chan []byte
	ready   chan error
	stop    chan struct{}
	done    chan struct{}

	closeOnce sync.Once

	// State below is touched only by the run loop.
	sub     *relay.Subscription
	initial [][]byte
	pending [][]byte
	timer   *time.Timer
	live    bool
}

// NewProvider creates a provider for the given document, engine, relay
// client and room. Nothing happens until Initialize.
func NewProvider(doc crdt.DocHandle, engine crdt.Engine, client relay.Client, roomID string, kind int, opts Options) *Provider {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Provider{
		doc:     doc,
		engine:  engine,
		client:  client,
		roomID:  roomID,
		kind:    kind,
		opts:    opts,
		origin:  TransportOriginPrefix + uuid.NewString(),
		changes: make(chan []byte, 64),
		ready:   make(chan error, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Origin returns the tag this provider stamps on its own merges.
func (p *Provider) Origin() string { return p.origin }

// Initialize binds the change listener, subscribes to the room and blocks
// until the room's stored history has been replayed and reconciled. On
// failure the provider is closed; it must not be reused.
func (p *Provider) Initialize(ctx context.Context) error {
	p.doc.OnChange(p.onDocChange)

	sub, err := p.client.Subscribe(ctx, []relay.Filter{
		// The seed event itself, by identifier.
		{IDs: []string{p.roomID}, Kinds: []int{p.kind}},
		// Every delta ever published to the room, by back-link.
		{Kinds: []int{p.kind}, ETags: []string{p.roomID}},
	}, relay.SubscribeOptions{})
	if err != nil {
		// The listener is already bound; releasing stop keeps onDocChange
		// from blocking the application's edits against a dead provider.
		p.Close()
		return err
	}
	p.sub = sub
	go p.run()

	select {
	case err := <-p.ready:
		if err != nil {
			p.Close()
			return err
		}
		return nil
	case <-ctx.Done():
		p.Close()
		return ctx.Err()
	}
}

// Close cancels any pending debounced publish and drops the subscription.
// No locally observed change is published after Close returns. An in-flight
// publish is not aborted.
func (p *Provider) Close() {
	p.closeOnce.Do(func() {
		close(p.stop)
		if p.sub != nil {
			p.sub.Close()
		}
	})
	if p.sub != nil {
		<-p.done
	}
}

// onDocChange is the document change listener. It runs on the mutating
// goroutine and classifies every mutation by origin.
func (p *Provider) onDocChange(delta []byte, origin string) {
	if origin == p.origin {
		// Our own inbound merge; publishing it back would loop forever.
		return
	}
	if strings.HasPrefix(origin, TransportOriginPrefix) {
		// Another transport applied this; it owns propagation.
		return
	}
	select {
	case p.changes <- delta:
	case <-p.stop:
	}
}

// run is the provider's single consumer loop.
func (p *Provider) run() {
	defer close(p.done)
	defer func() {
		if p.timer != nil {
			p.timer.Stop()
		}
	}()

	for {
		var timerC <-chan time.Time
		if p.timer != nil {
			timerC = p.timer.C
		}

		select {
		case msg := <-p.sub.Messages:
			switch msg.Type {
			case relay.MessageEvent:
				p.handleEvent(msg.Event)
			case relay.MessageEOSE:
				if p.live {
					continue
				}
				if err := p.reconcile(); err != nil {
					log.Printf("provider %s: %v", p.roomID, err)
					p.ready <- err
					return
				}
				// Edits made during catch-up are in the repair diff already;
				// flushing them again would only publish duplicates.
				p.pending = nil
				p.live = true
				p.ready <- nil
			case relay.MessageClosed:
				if !p.live {
					p.ready <- fmt.Errorf("syncer: subscription closed during catch-up: %w", relay.ErrNotConnected)
					return
				}
				log.Printf("provider %s: subscription closed, sync stopped", p.roomID)
				return
			}
		case delta := <-p.changes:
			p.pending = append(p.pending, delta)
			if p.timer != nil {
				p.timer.Stop()
			}
			p.timer = time.NewTimer(p.opts.Debounce)
		case <-timerC:
			p.timer = nil
			if p.live {
				p.flush()
			}
		case <-p.stop:
			return
		}
	}
}

// handleEvent buffers an event during history replay and applies it
// directly once live. A malformed event is logged and skipped: an untrusted
// relay must not be able to take down a live session.
func (p *Provider) handleEvent(ev *relay.Event) {
	delta, err := p.decodeContent(ev)
	if err != nil {
		log.Printf("provider %s: skipping event: %v", p.roomID, err)
		return
	}
	if !p.live {
		p.initial = append(p.initial, delta)
		return
	}
	if err := p.engine.Apply(p.doc, delta, p.origin); err != nil {
		log.Printf("provider %s: skipping unappliable event %s: %v", p.roomID, ev.ID, err)
	}
}

// reconcile runs the one-time catch-up at the end of history replay: the
// buffered history is merged into the document, and any pre-existing local
// state the relay has never seen is published as a single repair event.
func (p *Provider) reconcile() error {
	if err := p.reconcileOnce(); err != nil {
		return &ReconciliationError{Err: err}
	}
	return nil
}

func (p *Provider) reconcileOnce() error {
	// Capture local state before any history touches the document.
	localState, err := p.engine.EncodeState(p.doc)
	if err != nil {
		return err
	}
	localVector, err := p.engine.StateVector(localState)
	if err != nil {
		return err
	}
	oldSnap, err := p.engine.Snapshot(p.doc)
	if err != nil {
		return err
	}

	historyDelta, err := p.engine.Merge(p.initial)
	p.initial = nil
	if err != nil {
		return err
	}
	// Absorb history tagged as our own merge, so the change listener does
	// not republish what was just received.
	if err := p.engine.Apply(p.doc, historyDelta, p.origin); err != nil {
		return err
	}

	remoteVector, err := p.engine.StateVector(historyDelta)
	if err != nil {
		return err
	}
	missing, err := p.engine.Diff(localState, remoteVector)
	if err != nil {
		return err
	}

	// Tombstones cannot be diffed through a state vector: vectors track
	// insertion clocks, so a diff resurfaces the entire local delete set
	// even when the relay already has equivalent tombstones. If the diff is
	// exactly the tombstone-only baseline, compare tombstone sets through a
	// scratch document before deciding to republish.
	deleteSetOnly, err := p.engine.Diff(localState, localVector)
	if err != nil {
		return err
	}
	if BytesEqual(missing, deleteSetOnly) {
		scratch := p.engine.NewDoc()
		if err := p.engine.Apply(scratch, historyDelta, p.origin); err != nil {
			return err
		}
		scratchSnap, err := p.engine.Snapshot(scratch)
		if err != nil {
			return err
		}
		covered, err := p.engine.SnapshotCovers(scratchSnap, oldSnap)
		if err != nil {
			return err
		}
		if covered {
			return nil
		}
	}

	noop, err := p.engine.IsNoop(missing)
	if err != nil {
		return err
	}
	if noop {
		return nil
	}
	// One-time repair publish, separate from the debounced outbound path.
	return p.publishDelta(missing)
}

// flush merges everything buffered since the last quiet window into one
// delta and publishes it as a single relay event.
func (p *Provider) flush() {
	if len(p.pending) == 0 {
		return
	}
	merged, err := p.engine.Merge(p.pending)
	p.pending = nil
	if err != nil {
		log.Printf("provider %s: merge of pending deltas failed: %v", p.roomID, err)
		return
	}
	if err := p.publishDelta(merged); err != nil {
		log.Printf("provider %s: publish failed: %v", p.roomID, err)
	}
}

func (p *Provider) publishDelta(delta []byte) error {
	payload := delta
	if p.opts.Cipher != nil {
		var err error
		payload, err = p.opts.Cipher.Encrypt(delta)
		if err != nil {
			return fmt.Errorf("encrypt delta: %w", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return p.client.Publish(ctx, &relay.Event{
		Kind:    p.kind,
		Content: Encode(payload),
		Tags:    [][]string{{relay.TagBackLink, p.roomID}},
	})
}

func (p *Provider) decodeContent(ev *relay.Event) ([]byte, error) {
	raw, err := Decode(ev.Content)
	if err != nil {
		return nil, fmt.Errorf("event %s: malformed content: %w", ev.ID, err)
	}
	if p.opts.Cipher != nil {
		raw, err = p.opts.Cipher.Decrypt(raw)
		if err != nil {
			return nil, fmt.Errorf("event %s: decrypt: %w", ev.ID, err)
		}
	}
	return raw, nil
}
