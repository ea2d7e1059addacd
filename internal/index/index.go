// Package index implements the Version Index (C3) and Storage-Team Buffer (C4): the
// in-memory map from version to its Durable Queue location, and the per-team decomposition
// of committed message bytes, with shared reference-counted arenas so one commit's bytes are
// allocated once and retained until every team that observed them has spilled or popped past
// the arena's last version (spec §4.3, §9 "shared arenas for message blocks").
package index

import (
	"sort"
	"sync"

	"github.com/sharedcode/tlog"
)

// Location is a half-open byte range [Begin, End) in the Durable Queue.
type Location struct {
	Begin int64
	End   int64
}

// VersionIndex is the ordered version -> DQ location map (C3). Commits only ever append at
// the high end, so a sorted slice with binary search is sufficient and allocates far less
// than a tree for the expected access pattern (append-heavy, range-scan reads).
type VersionIndex struct {
	mu      sync.RWMutex
	entries []versionLoc
}

type versionLoc struct {
	version tlog.Version
	loc     Location
}

// New returns an empty version index.
func New() *VersionIndex {
	return &VersionIndex{}
}

// Insert records where version v lives in the DQ. Callers (the commit path's critical
// section) are responsible for ensuring v is strictly greater than every previously inserted
// version, per invariant 4.
func (vi *VersionIndex) Insert(v tlog.Version, loc Location) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	vi.entries = append(vi.entries, versionLoc{version: v, loc: loc})
}

// Lookup returns the DQ location recorded for v, if any.
func (vi *VersionIndex) Lookup(v tlog.Version) (Location, bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	i := sort.Search(len(vi.entries), func(i int) bool { return vi.entries[i].version >= v })
	if i < len(vi.entries) && vi.entries[i].version == v {
		return vi.entries[i].loc, true
	}
	return Location{}, false
}

// First returns the oldest version still indexed, if any.
func (vi *VersionIndex) First() (tlog.Version, bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	if len(vi.entries) == 0 {
		return 0, false
	}
	return vi.entries[0].version, true
}

// Last returns the newest version indexed, if any.
func (vi *VersionIndex) Last() (tlog.Version, bool) {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	if len(vi.entries) == 0 {
		return 0, false
	}
	return vi.entries[len(vi.entries)-1].version, true
}

// LocationOfFirstAfter returns the DQ begin-location of the first indexed version strictly
// greater than v, or end (the next push location) when no such version is indexed. Used by
// the spiller to compute the recoveryLocation it persists after a spill cycle.
func (vi *VersionIndex) LocationOfFirstAfter(v tlog.Version, end int64) int64 {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	i := sort.Search(len(vi.entries), func(i int) bool { return vi.entries[i].version > v })
	if i < len(vi.entries) {
		return vi.entries[i].loc.Begin
	}
	return end
}

// TrimThrough discards index entries for versions <= v, called once those rows have been
// erased from the team buffers and fully accounted for in persistent_data_version.
func (vi *VersionIndex) TrimThrough(v tlog.Version) {
	vi.mu.Lock()
	defer vi.mu.Unlock()
	i := sort.Search(len(vi.entries), func(i int) bool { return vi.entries[i].version > v })
	vi.entries = vi.entries[i:]
}

// Len returns the number of indexed versions.
func (vi *VersionIndex) Len() int {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	return len(vi.entries)
}

// RangeVersions returns every indexed version in (after, through], oldest first. Used by the
// spiller to pick a batch of versions whose combined row weight fits its byte budget (spec
// §4.7).
func (vi *VersionIndex) RangeVersions(after, through tlog.Version) []tlog.Version {
	vi.mu.RLock()
	defer vi.mu.RUnlock()
	i := sort.Search(len(vi.entries), func(i int) bool { return vi.entries[i].version > after })
	var out []tlog.Version
	for ; i < len(vi.entries) && vi.entries[i].version <= through; i++ {
		out = append(out, vi.entries[i].version)
	}
	return out
}

// Arena is a bump-allocated block of commit bytes shared by reference among every team that
// was present in the commit that produced it. The arena is freed (eligible for GC) once
// every team referencing it has spilled or popped past LastVersion.
type Arena struct {
	mu          sync.Mutex
	Bytes       []byte
	LastVersion tlog.Version
	refCount    int
}

// NewArena wraps data as a new arena initially referenced once per team in teamCount.
func NewArena(data []byte, lastVersion tlog.Version, teamCount int) *Arena {
	return &Arena{Bytes: data, LastVersion: lastVersion, refCount: teamCount}
}

// Release drops one team's reference; the arena's backing bytes are dropped (set to nil, so
// the GC can reclaim them) once the last reference is released.
func (a *Arena) Release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.refCount--
	if a.refCount <= 0 {
		a.Bytes = nil
	}
}

// Row is one (version -> bytes) entry in a team buffer, plus the arena it was carved from.
type Row struct {
	Version tlog.Version
	Bytes   []byte
	arena   *Arena
}

// TeamBuffer is the per-(generation,team) ordered row container (C4). Commits always append
// in increasing version order and pops/spills only ever remove a versioned prefix, so a plain
// slice used as a deque is sufficient: no row is ever removed from the middle.
type TeamBuffer struct {
	mu sync.RWMutex

	TeamID StorageTeamIDHolder
	rows   []Row

	Popped            tlog.Version
	PersistentPopped  tlog.Version
	PoppedLocation    int64
	NothingPersistent bool
	PoppedRecently    bool
}

// StorageTeamIDHolder avoids importing tlog into every call site that only needs the id back.
type StorageTeamIDHolder = tlog.StorageTeamID

// NewTeamBuffer returns an empty buffer for teamID.
func NewTeamBuffer(teamID tlog.StorageTeamID) *TeamBuffer {
	return &TeamBuffer{TeamID: teamID, NothingPersistent: true}
}

// Append adds a row at version v, taking a reference on arena. Callers must append in
// strictly increasing version order (enforced by the commit path's per-generation
// serialization).
func (tb *TeamBuffer) Append(v tlog.Version, bytes []byte, arena *Arena) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.rows = append(tb.rows, Row{Version: v, Bytes: bytes, arena: arena})
}

// Get returns the bytes stored at v, if still resident in memory.
func (tb *TeamBuffer) Get(v tlog.Version) ([]byte, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	i := sort.Search(len(tb.rows), func(i int) bool { return tb.rows[i].Version >= v })
	if i < len(tb.rows) && tb.rows[i].Version == v {
		return tb.rows[i].Bytes, true
	}
	return nil, false
}

// RowsFrom returns a snapshot of rows with Version >= begin (and, if hasEnd, <= end), oldest
// first. The snapshot is safe for the caller to range over without holding the buffer lock.
func (tb *TeamBuffer) RowsFrom(begin tlog.Version, end tlog.Version, hasEnd bool) []Row {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	i := sort.Search(len(tb.rows), func(i int) bool { return tb.rows[i].Version >= begin })
	out := make([]Row, 0, len(tb.rows)-i)
	for ; i < len(tb.rows); i++ {
		if hasEnd && tb.rows[i].Version > end {
			break
		}
		out = append(out, tb.rows[i])
	}
	return out
}

// FirstVersion returns the oldest resident version, if any.
func (tb *TeamBuffer) FirstVersion() (tlog.Version, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if len(tb.rows) == 0 {
		return 0, false
	}
	return tb.rows[0].Version, true
}

// FirstVersionAfter returns the oldest resident version strictly greater than after, if any.
func (tb *TeamBuffer) FirstVersionAfter(after tlog.Version) (tlog.Version, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	i := sort.Search(len(tb.rows), func(i int) bool { return tb.rows[i].Version > after })
	if i < len(tb.rows) {
		return tb.rows[i].Version, true
	}
	return 0, false
}

// LastVersion returns the newest resident version, if any.
func (tb *TeamBuffer) LastVersion() (tlog.Version, bool) {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	if len(tb.rows) == 0 {
		return 0, false
	}
	return tb.rows[len(tb.rows)-1].Version, true
}

// PerEntryOverhead approximates the bookkeeping cost (map entry, slice header, arena
// reference) charged against bytes_input/bytes_durable per team row, so the hard limit
// reflects real memory pressure rather than just payload bytes. Both the commit path and the
// spiller must use the same constant for bytes_durable to ever catch up to bytes_input.
const PerEntryOverhead = 64

// EraseThrough removes rows with Version <= v, releasing each row's arena reference, and
// returns the number of bytes freed (payload plus PerEntryOverhead per row) for
// bytes_durable/bytes_input accounting.
func (tb *TeamBuffer) EraseThrough(v tlog.Version) int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	i := sort.Search(len(tb.rows), func(i int) bool { return tb.rows[i].Version > v })
	var freed int64
	for j := 0; j < i; j++ {
		freed += int64(len(tb.rows[j].Bytes)) + PerEntryOverhead
		if tb.rows[j].arena != nil {
			tb.rows[j].arena.Release()
		}
	}
	tb.rows = tb.rows[i:]
	return freed
}

// GetPoppedRecently reports whether the popped watermark has advanced since the last flush.
func (tb *TeamBuffer) GetPoppedRecently() bool {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.PoppedRecently
}

// ClearPoppedRecently marks the popped watermark as flushed to the Persistent Store.
func (tb *TeamBuffer) ClearPoppedRecently() {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.PoppedRecently = false
}

// SetPopped advances the in-memory popped watermark and marks the buffer dirty for the next
// PS flush. It is a no-op (besides the monotonicity guard) if to <= Popped already.
func (tb *TeamBuffer) SetPopped(to tlog.Version) (advanced bool) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	if to <= tb.Popped {
		return false
	}
	tb.Popped = to
	tb.PoppedRecently = true
	return true
}

// GetPopped returns the current popped watermark.
func (tb *TeamBuffer) GetPopped() tlog.Version {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return tb.Popped
}

// Len reports how many rows are resident in memory, for tests and diagnostics.
func (tb *TeamBuffer) Len() int {
	tb.mu.RLock()
	defer tb.mu.RUnlock()
	return len(tb.rows)
}
