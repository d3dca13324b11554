package crdt

import (
	"encoding/json"
	"fmt"
	"sort"
)

// ID identifies a single item by the replica that created it and that
// replica's logical clock at creation time.
type ID struct {
	Client uint64 `json:"c"`
	Clock  uint64 `json:"k"`
}

// Item is one inserted rune together with the metadata needed to place it
// deterministically on every replica.
type Item struct {
	ID    ID       `json:"id"`
	Pos   []PosSeg `json:"p"`
	Field string   `json:"f"`
	Text  string   `json:"t"`
}

// Range is a run of consecutive clocks deleted from one client.
type Range struct {
	Clock uint64 `json:"c"`
	Len   uint64 `json:"l"`
}

// DeleteSet records tombstones per originating client. Ranges are kept
// normalized: sorted by clock with adjacent and overlapping runs coalesced.
type DeleteSet map[uint64][]Range

// Add records a single deleted ID and renormalizes the affected client.
func (ds DeleteSet) Add(id ID) {
	ds[id.Client] = normalizeRanges(append(ds[id.Client], Range{Clock: id.Clock, Len: 1}))
}

// Merge folds other into ds.
func (ds DeleteSet) Merge(other DeleteSet) {
	for client, ranges := range other {
		ds[client] = normalizeRanges(append(ds[client], ranges...))
	}
}

// Covers reports whether the ID is recorded as deleted.
func (ds DeleteSet) Covers(id ID) bool {
	for _, r := range ds[id.Client] {
		if id.Clock >= r.Clock && id.Clock < r.Clock+r.Len {
			return true
		}
	}
	return false
}

// CoversRange reports whether an entire run of clocks is already recorded.
func (ds DeleteSet) CoversRange(client uint64, run Range) bool {
	for _, r := range ds[client] {
		if run.Clock >= r.Clock && run.Clock+run.Len <= r.Clock+r.Len {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (ds DeleteSet) Clone() DeleteSet {
	if ds == nil {
		return nil
	}
	out := make(DeleteSet, len(ds))
	for client, ranges := range ds {
		cp := make([]Range, len(ranges))
		copy(cp, ranges)
		out[client] = cp
	}
	return out
}

func (ds DeleteSet) empty() bool {
	for _, ranges := range ds {
		if len(ranges) > 0 {
			return false
		}
	}
	return true
}

func normalizeRanges(ranges []Range) []Range {
	if len(ranges) < 2 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Clock < ranges[j].Clock })
	out := ranges[:1]
	for _, r := range ranges[1:] {
		last := &out[len(out)-1]
		if r.Clock <= last.Clock+last.Len {
			if end := r.Clock + r.Len; end > last.Clock+last.Len {
				last.Len = end - last.Clock
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// payload is the wire form of a delta (and of an encoded full state, which
// is just a delta against the empty document). Items are kept in canonical
// order so equal deltas encode to equal bytes.
type payload struct {
	Items   []Item    `json:"items,omitempty"`
	Deletes DeleteSet `json:"deletes,omitempty"`
}

func (p payload) encode() ([]byte, error) {
	return json.Marshal(p)
}

func decodePayload(delta []byte) (payload, error) {
	var p payload
	// An empty blob is the empty delta.
	if len(delta) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(delta, &p); err != nil {
		return payload{}, fmt.Errorf("crdt: decode delta: %w", err)
	}
	return p, nil
}

func sortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Field != items[j].Field {
			return items[i].Field < items[j].Field
		}
		return comparePos(items[i].Pos, items[j].Pos) < 0
	})
}

// vectorPayload is the wire form of a state vector: the next unseen clock
// per client.
type vectorPayload struct {
	SV map[uint64]uint64 `json:"sv"`
}

// StateVector summarizes which insertions a delta carries, as the next
// unseen clock per client. Deletions are not represented; vectors track
// insertion clocks only.
func StateVector(delta []byte) ([]byte, error) {
	p, err := decodePayload(delta)
	if err != nil {
		return nil, err
	}
	sv := make(map[uint64]uint64)
	for _, it := range p.Items {
		if next := it.ID.Clock + 1; next > sv[it.ID.Client] {
			sv[it.ID.Client] = next
		}
	}
	return json.Marshal(vectorPayload{SV: sv})
}

// Diff returns the portion of an encoded state not covered by the given
// state vector. The full delete set is always included: a vector cannot
// express which tombstones the other side already has.
func Diff(state, vector []byte) ([]byte, error) {
	p, err := decodePayload(state)
	if err != nil {
		return nil, err
	}
	var v vectorPayload
	if err := json.Unmarshal(vector, &v); err != nil {
		return nil, fmt.Errorf("crdt: decode state vector: %w", err)
	}
	var out payload
	for _, it := range p.Items {
		if it.ID.Clock >= v.SV[it.ID.Client] {
			out.Items = append(out.Items, it)
		}
	}
	out.Deletes = p.Deletes.Clone()
	sortItems(out.Items)
	return out.encode()
}

// Merge combines any number of deltas into one. Merging is a set union:
// duplicate items collapse by ID and delete sets coalesce, so the result is
// independent of ordering and grouping.
func Merge(deltas [][]byte) ([]byte, error) {
	var out payload
	seen := make(map[ID]bool)
	for _, d := range deltas {
		p, err := decodePayload(d)
		if err != nil {
			return nil, err
		}
		for _, it := range p.Items {
			if seen[it.ID] {
				continue
			}
			seen[it.ID] = true
			out.Items = append(out.Items, it)
		}
		if !p.Deletes.empty() {
			if out.Deletes == nil {
				out.Deletes = make(DeleteSet)
			}
			out.Deletes.Merge(p.Deletes)
		}
	}
	sortItems(out.Items)
	return out.encode()
}

// IsNoop reports whether a delta carries no insertions and no tombstones.
// This is a semantic check on the decoded delta, not a byte-length
// heuristic: an empty delta can still encode to a handful of bytes.
func IsNoop(delta []byte) (bool, error) {
	p, err := decodePayload(delta)
	if err != nil {
		return false, err
	}
	return len(p.Items) == 0 && p.Deletes.empty(), nil
}
