package crdt

import "testing"

func TestPosBetween_Ordering(t *testing.T) {
	const site = 7

	head := posBetween(nil, nil, site)
	tail := posBetween(head, nil, site)
	if comparePos(head, tail) >= 0 {
		t.Fatalf("append did not sort after head: %v vs %v", head, tail)
	}

	// Repeatedly bisect and check strict ordering.
	l, r := head, tail
	for i := 0; i < 64; i++ {
		mid := posBetween(l, r, site)
		if comparePos(l, mid) >= 0 {
			t.Fatalf("step %d: mid %v not after left %v", i, mid, l)
		}
		if comparePos(mid, r) >= 0 {
			t.Fatalf("step %d: mid %v not before right %v", i, mid, r)
		}
		if i%2 == 0 {
			r = mid
		} else {
			l = mid
		}
	}
}

func TestPosBetween_SequentialAppendsStayShort(t *testing.T) {
	var last []PosSeg
	for i := 0; i < 1000; i++ {
		next := posBetween(last, nil, 1)
		if last != nil && comparePos(last, next) >= 0 {
			t.Fatalf("append %d out of order", i)
		}
		if len(next) != 1 {
			t.Fatalf("append %d grew to depth %d", i, len(next))
		}
		last = next
	}
}

func TestPosBetween_DistinctSites(t *testing.T) {
	l := posBetween(nil, nil, 1)
	r := posBetween(l, nil, 1)

	a := posBetween(l, r, 2)
	b := posBetween(l, r, 3)
	if comparePos(a, b) == 0 {
		t.Error("different sites generated equal positions")
	}
	for _, p := range [][]PosSeg{a, b} {
		if comparePos(l, p) >= 0 || comparePos(p, r) >= 0 {
			t.Errorf("position %v escaped its bounds", p)
		}
	}
}
