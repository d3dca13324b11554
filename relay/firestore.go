package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreStore is a Firestore-backed implementation of EventStore.
// Each event is one document keyed by its event ID; append order is
// preserved via a server-set storedAt timestamp.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreStore creates a new FirestoreStore using the given Firestore client.
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client:     client,
		collection: "events",
	}
}

func (s *FirestoreStore) eventRef(id string) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(id)
}

func (s *FirestoreStore) Append(ctx context.Context, ev Event) (bool, error) {
	tags, err := json.Marshal(ev.Tags)
	if err != nil {
		return false, fmt.Errorf("encode tags for event %q: %w", ev.ID, err)
	}
	_, err = s.eventRef(ev.ID).Create(ctx, map[string]interface{}{
		"pubkey":    ev.PubKey,
		"createdAt": ev.CreatedAt,
		"kind":      ev.Kind,
		"tags":      string(tags),
		"content":   ev.Content,
		"storedAt":  time.Now(),
	})
	if status.Code(err) == codes.AlreadyExists {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *FirestoreStore) Query(ctx context.Context, filters []Filter) ([]Event, error) {
	iter := s.client.Collection(s.collection).
		OrderBy("storedAt", firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var events []Event
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		ev, err := snapshotToEvent(snap)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return filterEvents(events, filters), nil
}

func (s *FirestoreStore) Len(ctx context.Context) (int, error) {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()

	n := 0
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func snapshotToEvent(snap *firestore.DocumentSnapshot) (Event, error) {
	data := snap.Data()
	ev := Event{ID: snap.Ref.ID}
	ev.PubKey, _ = data["pubkey"].(string)
	if v, ok := data["createdAt"].(int64); ok {
		ev.CreatedAt = v
	}
	if v, ok := data["kind"].(int64); ok {
		ev.Kind = int(v)
	}
	ev.Content, _ = data["content"].(string)
	if raw, ok := data["tags"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &ev.Tags); err != nil {
			return Event{}, fmt.Errorf("invalid tags in event %s: %w", snap.Ref.ID, err)
		}
	}
	return ev, nil
}
