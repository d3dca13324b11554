package relay

import (
	"context"
	"sort"
)

// EventStore abstracts event log persistence.
// Implementations: MemoryStore, FirestoreStore, CachedStore.
type EventStore interface {
	// Append stores an event and reports whether it was new. Appending an
	// event whose ID is already stored is not an error; it returns false.
	Append(ctx context.Context, ev Event) (bool, error)
	// Query returns stored events matching any of the filters, oldest
	// first. An empty filter list matches everything.
	Query(ctx context.Context, filters []Filter) ([]Event, error)
	// Len returns the number of stored events.
	Len(ctx context.Context) (int, error)
}

// filterEvents applies filter-list semantics to an already-loaded, oldest-
// first event slice: per filter, matches are capped to the most recent
// Limit; the union is deduplicated by ID and returned oldest first.
func filterEvents(events []Event, filters []Filter) []Event {
	if len(filters) == 0 {
		out := make([]Event, len(events))
		copy(out, events)
		return out
	}

	order := make(map[string]int, len(events))
	for i, ev := range events {
		order[ev.ID] = i
	}

	seen := make(map[string]bool)
	var out []Event
	for _, f := range filters {
		var matches []Event
		for _, ev := range events {
			ev := ev
			if f.Matches(&ev) {
				matches = append(matches, ev)
			}
		}
		if f.Limit > 0 && len(matches) > f.Limit {
			matches = matches[len(matches)-f.Limit:]
		}
		for _, ev := range matches {
			if !seen[ev.ID] {
				seen[ev.ID] = true
				out = append(out, ev)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return order[out[i].ID] < order[out[j].ID] })
	return out
}
