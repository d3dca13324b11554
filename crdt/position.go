package crdt

import "math"

// PosSeg is one level of a dense position identifier. Positions are
// compared segment by segment, by value first and by site on ties, so
// concurrently generated positions from different replicas never collide.
type PosSeg struct {
	Val  uint32 `json:"v"`
	Site uint64 `json:"s"`
}

func comparePosSeg(a, b PosSeg) int {
	switch {
	case a.Val < b.Val:
		return -1
	case a.Val > b.Val:
		return 1
	case a.Site < b.Site:
		return -1
	case a.Site > b.Site:
		return 1
	}
	return 0
}

// comparePos orders two positions lexicographically. A position that is a
// strict prefix of another sorts before it.
func comparePos(a, b []PosSeg) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if c := comparePosSeg(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// posBetween allocates a position strictly between l and r. A nil l means
// the start of the sequence, a nil r the end. Allocation follows the left
// bound and descends one level whenever the current level has no room,
// so repeated appends stay short.
func posBetween(l, r []PosSeg, site uint64) []PosSeg {
	out := make([]PosSeg, 0, len(l)+1)
	for i := 0; ; i++ {
		lv := uint32(0)
		if i < len(l) {
			lv = l[i].Val
		}
		rv := uint32(math.MaxUint32)
		if r != nil && i < len(r) {
			rv = r[i].Val
		}
		if rv-lv > 1 {
			out = append(out, PosSeg{Val: lv + 1, Site: site})
			return out
		}

		var seg PosSeg
		switch {
		case i < len(l):
			seg = l[i]
		case rv == 0 && site < r[i].Site:
			seg = PosSeg{Val: 0, Site: site}
		case rv == 0:
			seg = r[i]
		default:
			// Left bound exhausted and the right bound sits at value 1:
			// slot in at value 0 and allocate one level deeper.
			seg = PosSeg{Val: lv, Site: site}
		}
		out = append(out, seg)

		// Once the emitted segment sorts strictly below the right bound,
		// deeper levels are unconstrained on the right.
		if r != nil && i < len(r) && comparePosSeg(seg, r[i]) < 0 {
			r = nil
		}
	}
}
