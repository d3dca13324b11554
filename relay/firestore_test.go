package relay

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
)

func testFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()
	projectID := os.Getenv("FIRESTORE_PROJECT")
	if projectID == "" {
		t.Skip("FIRESTORE_PROJECT not set, skipping Firestore tests")
	}
	client, err := firestore.NewClient(context.Background(), projectID)
	if err != nil {
		t.Fatalf("failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// uniqueKind returns a kind unlikely to collide with other test runs so
// queries can be isolated without wiping the collection.
func uniqueKind(t *testing.T) int {
	return 30000 + int(time.Now().UnixNano()%10000)
}

func cleanupEvent(t *testing.T, s *FirestoreStore, id string) {
	t.Helper()
	s.eventRef(id).Delete(context.Background())
}

func TestFirestoreStore_AppendAndQuery(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client)
	ctx := context.Background()
	kind := uniqueKind(t)

	content := fmt.Sprintf("payload-%d", time.Now().UnixNano())
	ev := testEvent(kind, content, [][]string{{TagBackLink, "room-seed"}, {TagRoom, "notes"}})
	t.Cleanup(func() { cleanupEvent(t, s, ev.ID) })

	stored, err := s.Append(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !stored {
		t.Fatal("first append reported duplicate")
	}

	got, err := s.Query(ctx, []Filter{{Kinds: []int{kind}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].ID != ev.ID || got[0].Content != ev.Content {
		t.Errorf("round trip mismatch: %+v vs %+v", got[0], ev)
	}
	if got[0].TagValue(TagBackLink) != "room-seed" {
		t.Errorf("tags not preserved: %v", got[0].Tags)
	}
}

func TestFirestoreStore_AppendDuplicate(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client)
	ctx := context.Background()

	ev := testEvent(uniqueKind(t), fmt.Sprintf("dup-%d", time.Now().UnixNano()), nil)
	t.Cleanup(func() { cleanupEvent(t, s, ev.ID) })

	if _, err := s.Append(ctx, ev); err != nil {
		t.Fatal(err)
	}
	stored, err := s.Append(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if stored {
		t.Error("second append of same ID reported as newly stored")
	}
}

func TestFirestoreStore_QueryByBackLink(t *testing.T) {
	client := testFirestoreClient(t)
	s := NewFirestoreStore(client)
	ctx := context.Background()
	kind := uniqueKind(t)
	seed := fmt.Sprintf("seed-%d", time.Now().UnixNano())

	for i := 0; i < 2; i++ {
		ev := testEvent(kind, fmt.Sprintf("%s-delta-%d", seed, i), [][]string{{TagBackLink, seed}})
		t.Cleanup(func() { cleanupEvent(t, s, ev.ID) })
		if _, err := s.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	other := testEvent(kind, seed+"-unrelated", nil)
	t.Cleanup(func() { cleanupEvent(t, s, other.ID) })
	if _, err := s.Append(ctx, other); err != nil {
		t.Fatal(err)
	}

	got, err := s.Query(ctx, []Filter{{Kinds: []int{kind}, ETags: []string{seed}}})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events for back-link %s, want 2", len(got), seed)
	}
}
