package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Well-known tag names.
const (
	// TagBackLink links a sync event to the seed event of its room.
	TagBackLink = "e"
	// TagRoom marks the one seed event of a room and carries its label.
	TagRoom = "crdt"
)

// Event is one immutable entry in the relay's append-only log. The relay
// never inspects Content; it only stores events and matches them against
// subscription filters.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}

// ComputeID returns the event identifier: the hex SHA-256 of the canonical
// serialization of all fields except the ID itself.
func (e *Event) ComputeID() string {
	ser, _ := json.Marshal([]any{0, e.PubKey, e.CreatedAt, e.Kind, e.Tags, e.Content})
	sum := sha256.Sum256(ser)
	return hex.EncodeToString(sum[:])
}

// TagValue returns the first value of the named tag, or "" if absent.
func (e *Event) TagValue(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

// Filter selects events. All set conditions must hold (AND); a zero Filter
// matches everything.
type Filter struct {
	IDs   []string `json:"ids,omitempty"`
	Kinds []int    `json:"kinds,omitempty"`
	ETags []string `json:"#e,omitempty"`
	Since int64    `json:"since,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// Matches reports whether the event satisfies every set condition.
func (f Filter) Matches(e *Event) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, e.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, e.Kind) {
		return false
	}
	if len(f.ETags) > 0 && !containsString(f.ETags, e.TagValue(TagBackLink)) {
		return false
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	return true
}

// MatchAny reports whether any filter in the list matches. An empty list
// matches everything.
func MatchAny(filters []Filter, e *Event) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.Matches(e) {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func containsInt(list []int, n int) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}
