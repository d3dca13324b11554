package crdt

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

type entry struct {
	Item
	deleted bool
}

// Doc is one replica of a conflict-free document: a set of named rune
// sequences. Deleted runes stay in the sequence as tombstones so that
// concurrent edits around them still resolve to the same order everywhere.
//
// A Doc is mutated by local edits (InsertText, DeleteText, SetText) and by
// Apply, which merges a delta produced elsewhere. Both fire the change
// listeners with the applied delta and an origin tag; local edits carry an
// empty origin.
type Doc struct {
	mu      sync.Mutex
	client  uint64
	clock   uint64
	fields  map[string][]*entry
	index   map[ID]*entry
	deletes DeleteSet
	subs    []func(delta []byte, origin string)
}

// NewDoc creates an empty document with a fresh random replica identity.
func NewDoc() *Doc {
	id := uuid.New()
	return &Doc{
		client:  binary.BigEndian.Uint64(id[:8]),
		fields:  make(map[string][]*entry),
		index:   make(map[ID]*entry),
		deletes: make(DeleteSet),
	}
}

// Client returns the replica identifier of this document instance.
func (d *Doc) Client() uint64 { return d.client }

// OnChange registers a listener for every local or applied mutation.
// Listeners run on the mutating goroutine, after the document lock is
// released.
func (d *Doc) OnChange(fn func(delta []byte, origin string)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
}

// Text returns the visible content of a field.
func (d *Doc) Text(field string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []byte
	for _, e := range d.fields[field] {
		if !e.deleted {
			out = append(out, e.Text...)
		}
	}
	return string(out)
}

// Len returns the number of visible runes in a field.
func (d *Doc) Len(field string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.fields[field] {
		if !e.deleted {
			n++
		}
	}
	return n
}

// InsertText inserts text at the given visible rune index of a field.
func (d *Doc) InsertText(field string, index int, text string) error {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	d.mu.Lock()
	seq := d.fields[field]
	at, right, err := d.locate(seq, index)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("insert into %q: %w", field, err)
	}
	var left []PosSeg
	if at > 0 {
		left = seq[at-1].Pos
	}

	items := make([]Item, len(runes))
	for i, r := range runes {
		pos := posBetween(left, right, d.client)
		items[i] = Item{
			ID:    ID{Client: d.client, Clock: d.clock},
			Pos:   pos,
			Field: field,
			Text:  string(r),
		}
		d.clock++
		left = pos
	}

	grown := make([]*entry, 0, len(seq)+len(items))
	grown = append(grown, seq[:at]...)
	for i := range items {
		e := &entry{Item: items[i]}
		grown = append(grown, e)
		d.index[items[i].ID] = e
	}
	grown = append(grown, seq[at:]...)
	d.fields[field] = grown

	delta, err := payload{Items: items}.encode()
	subs := d.subs
	d.mu.Unlock()
	if err != nil {
		return err
	}
	fire(subs, delta, "")
	return nil
}

// DeleteText removes n visible runes starting at the given index of a field.
func (d *Doc) DeleteText(field string, index, n int) error {
	if n <= 0 {
		return nil
	}

	d.mu.Lock()
	seq := d.fields[field]
	ds := make(DeleteSet)
	remaining := n
	seen := 0
	for _, e := range seq {
		if e.deleted {
			continue
		}
		if seen >= index {
			e.deleted = true
			ds.Add(e.ID)
			remaining--
			if remaining == 0 {
				break
			}
		}
		seen++
	}
	if remaining > 0 {
		d.mu.Unlock()
		return fmt.Errorf("delete from %q: range [%d,%d) out of bounds", field, index, index+n)
	}
	d.deletes.Merge(ds)

	delta, err := payload{Deletes: ds}.encode()
	subs := d.subs
	d.mu.Unlock()
	if err != nil {
		return err
	}
	fire(subs, delta, "")
	return nil
}

// SetText replaces the whole visible content of a field.
func (d *Doc) SetText(field, text string) error {
	cur := d.Text(field)
	if cur == text {
		return nil
	}
	if n := len([]rune(cur)); n > 0 {
		if err := d.DeleteText(field, 0, n); err != nil {
			return err
		}
	}
	return d.InsertText(field, 0, text)
}

// Apply merges a delta into the document. Applying is idempotent (items
// already present are skipped by ID) and commutative (items carry their own
// positions, and tombstones for items not yet seen are remembered until the
// items arrive).
func (d *Doc) Apply(delta []byte, origin string) error {
	p, err := decodePayload(delta)
	if err != nil {
		return err
	}

	d.mu.Lock()
	changed := false

	for client, ranges := range p.Deletes {
		for _, run := range ranges {
			if !d.deletes.CoversRange(client, run) {
				changed = true
			}
			for clk := run.Clock; clk < run.Clock+run.Len; clk++ {
				if e := d.index[ID{Client: client, Clock: clk}]; e != nil {
					e.deleted = true
				}
			}
		}
	}
	if !p.Deletes.empty() {
		d.deletes.Merge(p.Deletes)
	}

	for i := range p.Items {
		it := p.Items[i]
		if _, ok := d.index[it.ID]; ok {
			continue
		}
		e := &entry{Item: it, deleted: d.deletes.Covers(it.ID)}
		seq := d.fields[it.Field]
		at := sort.Search(len(seq), func(j int) bool {
			return comparePos(seq[j].Pos, it.Pos) > 0
		})
		seq = append(seq, nil)
		copy(seq[at+1:], seq[at:])
		seq[at] = e
		d.fields[it.Field] = seq
		d.index[it.ID] = e
		// Keep the local clock ahead of anything attributed to this replica.
		if it.ID.Client == d.client && it.ID.Clock >= d.clock {
			d.clock = it.ID.Clock + 1
		}
		changed = true
	}

	subs := d.subs
	d.mu.Unlock()
	if changed {
		fire(subs, delta, origin)
	}
	return nil
}

// EncodeState encodes the full document, tombstones included, as a delta
// against the empty document.
func (d *Doc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var p payload
	for _, field := range d.fieldNames() {
		for _, e := range d.fields[field] {
			p.Items = append(p.Items, e.Item)
		}
	}
	p.Deletes = d.deletes.Clone()
	return p.encode()
}

// locate finds the slice index of the index-th visible entry and returns
// the position of the entry currently at that slot, if any.
func (d *Doc) locate(seq []*entry, index int) (int, []PosSeg, error) {
	if index < 0 {
		return 0, nil, fmt.Errorf("index %d out of bounds", index)
	}
	seen := 0
	for j, e := range seq {
		if e.deleted {
			continue
		}
		if seen == index {
			return j, e.Pos, nil
		}
		seen++
	}
	if index > seen {
		return 0, nil, fmt.Errorf("index %d out of bounds", index)
	}
	return len(seq), nil, nil
}

func (d *Doc) fieldNames() []string {
	names := make([]string, 0, len(d.fields))
	for name := range d.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func fire(subs []func([]byte, string), delta []byte, origin string) {
	for _, fn := range subs {
		fn(delta, origin)
	}
}
