package syncer

import (
	"context"
	"time"

	"github.com/alimasry/go-crdt-sync/relay"
)

// CreateRoom creates a synchronization room by publishing its seed event,
// carrying the document's initial encoded state, and waiting for the relay
// to echo the event back. The echoed event's identifier is the room's
// address.
//
// The subscription's lookback window starts one second before now to
// tolerate clock skew between subscribing and publishing, and it stays open
// past end of history: the seed arrives as a live event. No retry and no
// timeout are applied here; bound the call with ctx.
func CreateRoom(ctx context.Context, client relay.Client, label string, initialState []byte, kind int) (string, error) {
	sub, err := client.Subscribe(ctx, []relay.Filter{{
		Kinds: []int{kind},
		Since: time.Now().Add(-time.Second).Unix(),
	}}, relay.SubscribeOptions{})
	if err != nil {
		return "", err
	}
	defer sub.Close()

	seed := &relay.Event{
		Kind:    kind,
		Content: Encode(initialState),
		Tags:    [][]string{{relay.TagRoom, label}},
	}
	if err := client.Publish(ctx, seed); err != nil {
		return "", err
	}

	for {
		select {
		case msg := <-sub.Messages:
			switch msg.Type {
			case relay.MessageEvent:
				return msg.Event.ID, nil
			case relay.MessageClosed:
				return "", relay.ErrNotConnected
			}
			// EOSE is ignored: the seed arrives live, after stored history.
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
