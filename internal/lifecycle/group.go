package lifecycle

import (
	"sync"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/dq"
	"github.com/sharedcode/tlog/internal/ps"
)

// Group is the state shared across every generation of one log group (spec §3 "Group Data"):
// the Durable Queue and Persistent Store handles, the spiller/pop bookkeeping order, and the
// lock serializing PS writes across generations.
type Group struct {
	GroupID tlog.UUID
	PS      ps.Store
	DQ      dq.Queue
	Cfg     tlog.Config

	mu         sync.RWMutex
	spillOrder []*Generation // oldest (earliest recovery count) first
	popOrder   []*Generation

	// PersistentDataCommitLock serializes Update-Persistent-Data calls across generations of
	// this group, since they all share one PS handle (spec §4.2 "Write ordering", §5 "Shared
	// resource policy").
	PersistentDataCommitLock sync.Mutex

	// CommitLock serializes DQ.Push calls across generations of the group: push location is
	// monotonic across generations within a group (spec §3 "Group Data").
	CommitLock sync.Mutex
}

// NewGroup constructs a Group backed by ps and dq, using cfg for every volatile/spill knob.
func NewGroup(groupID tlog.UUID, store ps.Store, queue dq.Queue, cfg tlog.Config) *Group {
	return &Group{GroupID: groupID, PS: store, DQ: queue, Cfg: cfg}
}

// AddGeneration appends gen to both the spill and pop orderings (newest last).
func (grp *Group) AddGeneration(gen *Generation) {
	grp.mu.Lock()
	defer grp.mu.Unlock()
	grp.spillOrder = append(grp.spillOrder, gen)
	grp.popOrder = append(grp.popOrder, gen)
}

// RemoveGeneration drops gen from both orderings once it has been fully retired.
func (grp *Group) RemoveGeneration(gen *Generation) {
	grp.mu.Lock()
	defer grp.mu.Unlock()
	grp.spillOrder = removeGen(grp.spillOrder, gen)
	grp.popOrder = removeGen(grp.popOrder, gen)
}

func removeGen(list []*Generation, gen *Generation) []*Generation {
	out := list[:0]
	for _, g := range list {
		if g != gen {
			out = append(out, g)
		}
	}
	return out
}

// ActiveGeneration returns the most recent non-stopped generation, if any (spec §4.6 step 1:
// "there is at most one").
func (grp *Group) ActiveGeneration() *Generation {
	grp.mu.RLock()
	defer grp.mu.RUnlock()
	for i := len(grp.spillOrder) - 1; i >= 0; i-- {
		if !grp.spillOrder[i].IsStopped() {
			return grp.spillOrder[i]
		}
	}
	return nil
}

// Generations returns a snapshot of every generation currently hosted by this group, oldest
// first.
func (grp *Group) Generations() []*Generation {
	grp.mu.RLock()
	defer grp.mu.RUnlock()
	out := make([]*Generation, len(grp.spillOrder))
	copy(out, grp.spillOrder)
	return out
}

// Generation returns the generation with the given id, if hosted by this group.
func (grp *Group) Generation(id tlog.UUID) (*Generation, bool) {
	grp.mu.RLock()
	defer grp.mu.RUnlock()
	for _, g := range grp.spillOrder {
		if g.GenerationID == id {
			return g, true
		}
	}
	return nil, false
}

// OldestSpillCandidate returns the oldest generation still eligible for spilling (not yet
// fully drained), or nil.
func (grp *Group) OldestSpillCandidate() *Generation {
	grp.mu.RLock()
	defer grp.mu.RUnlock()
	for _, g := range grp.spillOrder {
		if g.PersistentDurableVersion() < g.Version.Get() {
			return g
		}
	}
	return nil
}

// LatestGeneration returns the most recently added generation regardless of stopped state,
// or nil if the group hosts none yet.
func (grp *Group) LatestGeneration() *Generation {
	grp.mu.RLock()
	defer grp.mu.RUnlock()
	if len(grp.spillOrder) == 0 {
		return nil
	}
	return grp.spillOrder[len(grp.spillOrder)-1]
}

// StopAllActive stops every non-stopped generation, used when a new recruitment arrives
// (spec §4.10 last paragraph: "A new recruitment request stops all prior non-stopped
// generations on this process before creating the new one").
func (grp *Group) StopAllActive() []tlog.Version {
	grp.mu.RLock()
	defer grp.mu.RUnlock()
	versions := make([]tlog.Version, 0, len(grp.spillOrder))
	for _, g := range grp.spillOrder {
		if !g.IsStopped() {
			versions = append(versions, g.Stop())
		}
	}
	return versions
}
