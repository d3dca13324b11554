package crdt

import "fmt"

// DocHandle is the face a document shows to code that must not depend on
// its internals, such as a sync transport. The concrete document type is
// recovered by the engine that created it.
type DocHandle interface {
	OnChange(fn func(delta []byte, origin string))
}

// Engine abstracts the delta-CRDT algorithm behind opaque byte blobs.
// Deltas, encoded states, state vectors and snapshots are all engine-defined
// encodings; callers hold them, compare some of them byte-wise, and pass
// them back.
type Engine interface {
	// NewDoc creates an empty document.
	NewDoc() DocHandle
	// Apply merges a delta into the document, tagged with an origin that is
	// echoed to change listeners. Must be idempotent and commutative.
	Apply(doc DocHandle, delta []byte, origin string) error
	// EncodeState encodes the full document state as a delta.
	EncodeState(doc DocHandle) ([]byte, error)
	// Snapshot captures the document's causal history including tombstones.
	Snapshot(doc DocHandle) ([]byte, error)
	// StateVector summarizes which insertions a delta represents.
	StateVector(delta []byte) ([]byte, error)
	// Diff returns the portion of an encoded state not covered by a vector.
	Diff(state, vector []byte) ([]byte, error)
	// Merge combines deltas into one, independent of order and grouping.
	Merge(deltas [][]byte) ([]byte, error)
	// SnapshotCovers reports whether newSnap contains every tombstone of
	// oldSnap.
	SnapshotCovers(newSnap, oldSnap []byte) (bool, error)
	// IsNoop reports whether a delta carries no operations at all.
	IsNoop(delta []byte) (bool, error)
}

// LogootEngine is the default Engine, backed by this package's Doc.
type LogootEngine struct{}

func (LogootEngine) NewDoc() DocHandle { return NewDoc() }

func (LogootEngine) Apply(doc DocHandle, delta []byte, origin string) error {
	d, err := logootDoc(doc)
	if err != nil {
		return err
	}
	return d.Apply(delta, origin)
}

func (LogootEngine) EncodeState(doc DocHandle) ([]byte, error) {
	d, err := logootDoc(doc)
	if err != nil {
		return nil, err
	}
	return d.EncodeState()
}

func (LogootEngine) Snapshot(doc DocHandle) ([]byte, error) {
	d, err := logootDoc(doc)
	if err != nil {
		return nil, err
	}
	return d.Snapshot()
}

func (LogootEngine) StateVector(delta []byte) ([]byte, error) { return StateVector(delta) }

func (LogootEngine) Diff(state, vector []byte) ([]byte, error) { return Diff(state, vector) }

func (LogootEngine) Merge(deltas [][]byte) ([]byte, error) { return Merge(deltas) }

func (LogootEngine) SnapshotCovers(newSnap, oldSnap []byte) (bool, error) {
	return SnapshotCovers(newSnap, oldSnap)
}

func (LogootEngine) IsNoop(delta []byte) (bool, error) { return IsNoop(delta) }

func logootDoc(doc DocHandle) (*Doc, error) {
	d, ok := doc.(*Doc)
	if !ok {
		return nil, fmt.Errorf("crdt: doc type %T is not managed by LogootEngine", doc)
	}
	return d, nil
}
