package index

import (
	"testing"
)

func TestVersionIndexInsertLookup(t *testing.T) {
	vi := New()
	vi.Insert(10, Location{Begin: 0, End: 20})
	vi.Insert(20, Location{Begin: 20, End: 45})

	loc, ok := vi.Lookup(10)
	if !ok || loc.Begin != 0 || loc.End != 20 {
		t.Fatalf("Lookup(10) = %+v, %v", loc, ok)
	}
	if _, ok := vi.Lookup(15); ok {
		t.Fatalf("Lookup(15) should miss")
	}

	first, ok := vi.First()
	if !ok || first != 10 {
		t.Fatalf("First() = %v, %v", first, ok)
	}
}

func TestVersionIndexLocationOfFirstAfter(t *testing.T) {
	vi := New()
	vi.Insert(10, Location{Begin: 0, End: 20})
	vi.Insert(20, Location{Begin: 20, End: 45})
	vi.Insert(30, Location{Begin: 45, End: 70})

	if got := vi.LocationOfFirstAfter(10, 999); got != 20 {
		t.Fatalf("LocationOfFirstAfter(10) = %d, want 20", got)
	}
	if got := vi.LocationOfFirstAfter(30, 999); got != 999 {
		t.Fatalf("LocationOfFirstAfter(30) = %d, want end sentinel 999", got)
	}
}

func TestVersionIndexTrimThrough(t *testing.T) {
	vi := New()
	vi.Insert(10, Location{})
	vi.Insert(20, Location{})
	vi.Insert(30, Location{})
	vi.TrimThrough(20)
	if vi.Len() != 1 {
		t.Fatalf("Len() after trim = %d, want 1", vi.Len())
	}
	first, _ := vi.First()
	if first != 30 {
		t.Fatalf("First() after trim = %d, want 30", first)
	}
}

func TestTeamBufferAppendAndErase(t *testing.T) {
	tb := NewTeamBuffer(1)
	arena := NewArena([]byte("abcdef"), 30, 1)
	tb.Append(10, []byte("ab"), arena)
	tb.Append(20, []byte("cd"), arena)
	tb.Append(30, []byte("ef"), arena)

	if b, ok := tb.Get(20); !ok || string(b) != "cd" {
		t.Fatalf("Get(20) = %q, %v", b, ok)
	}

	rows := tb.RowsFrom(10, 20, true)
	if len(rows) != 2 {
		t.Fatalf("RowsFrom(10,20) len = %d, want 2", len(rows))
	}

	freed := tb.EraseThrough(20)
	if freed != 132 {
		t.Fatalf("EraseThrough(20) freed = %d, want 132", freed)
	}
	if tb.Len() != 1 {
		t.Fatalf("Len() after erase = %d, want 1", tb.Len())
	}
	if _, ok := tb.Get(10); ok {
		t.Fatalf("Get(10) should miss after erase")
	}
}

func TestTeamBufferPoppedMonotonic(t *testing.T) {
	tb := NewTeamBuffer(1)
	if !tb.SetPopped(10) {
		t.Fatalf("SetPopped(10) should advance from zero")
	}
	if tb.SetPopped(5) {
		t.Fatalf("SetPopped(5) should not regress popped=10")
	}
	if tb.GetPopped() != 10 {
		t.Fatalf("GetPopped() = %d, want 10", tb.GetPopped())
	}
}

func TestArenaReleaseFreesAfterAllReferencesGone(t *testing.T) {
	a := NewArena([]byte("xyz"), 1, 2)
	a.Release()
	if a.Bytes == nil {
		t.Fatalf("arena freed too early with one outstanding reference")
	}
	a.Release()
	if a.Bytes != nil {
		t.Fatalf("arena should be freed once every reference is released")
	}
}
