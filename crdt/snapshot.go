package crdt

import (
	"encoding/json"
	"fmt"
)

// snapshotPayload is the wire form of a snapshot: the document's causal
// history as a state vector plus its full tombstone set.
type snapshotPayload struct {
	SV map[uint64]uint64 `json:"sv"`
	DS DeleteSet         `json:"ds"`
}

// Snapshot captures the document's causal history, tombstones included.
// Snapshots are only ever compared, never applied.
func (d *Doc) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(map[uint64]uint64)
	for _, seq := range d.fields {
		for _, e := range seq {
			if next := e.ID.Clock + 1; next > sv[e.ID.Client] {
				sv[e.ID.Client] = next
			}
		}
	}
	return json.Marshal(snapshotPayload{SV: sv, DS: d.deletes.Clone()})
}

// SnapshotCovers reports whether newSnap's tombstone set contains every
// deletion recorded in oldSnap. The check is deliberately a containment,
// not an equality: newSnap may know about more deletions than oldSnap,
// never fewer. For every client in oldSnap, newSnap must record at least
// as many ranges, and each range present in both must match exactly.
func SnapshotCovers(newSnap, oldSnap []byte) (bool, error) {
	var newer, older snapshotPayload
	if err := json.Unmarshal(newSnap, &newer); err != nil {
		return false, fmt.Errorf("crdt: decode snapshot: %w", err)
	}
	if err := json.Unmarshal(oldSnap, &older); err != nil {
		return false, fmt.Errorf("crdt: decode snapshot: %w", err)
	}
	for client, oldRanges := range older.DS {
		if len(oldRanges) == 0 {
			continue
		}
		newRanges, ok := newer.DS[client]
		if !ok || len(newRanges) < len(oldRanges) {
			return false, nil
		}
		for i, r := range oldRanges {
			if newRanges[i] != r {
				return false, nil
			}
		}
	}
	return true, nil
}
