// Package group implements the Group Multiplexer (C12): the process-wide front door that
// routes an incoming request's group_id to the owning lifecycle.Group, picks the generation
// that should serve it, and fans a recruitment out across every group named in one request
// (spec §4.12). It also gates commit/peek/pop against the per-storage-team LOCKED/UNLOCKED
// state the metacluster tenant-movement controller propagates through storage-team boundaries
// (spec §4.13 "Metacluster tenant-move interaction"), and pins peek requests to one of a fixed
// pool of worker goroutines by rendezvous hashing on (group_id, storage_team_id) so repeated
// peeks from the same consumer keep landing on the same goroutine.
package group

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"

	"github.com/sharedcode/tlog"
	tlogcel "github.com/sharedcode/tlog/cel"
	"github.com/sharedcode/tlog/internal/commit"
	"github.com/sharedcode/tlog/internal/lifecycle"
	"github.com/sharedcode/tlog/internal/notify"
	"github.com/sharedcode/tlog/internal/peek"
	"github.com/sharedcode/tlog/internal/pop"
	"github.com/sharedcode/tlog/internal/wire"
)

// Multiplexer is the process-wide router. One Multiplexer is constructed per tlogd process and
// shared by every transport-facing handler.
type Multiplexer struct {
	cfg tlog.Config

	commitPath *commit.Path
	peekSvc    *peek.Service
	popSvc     *pop.Service

	mu          sync.RWMutex
	groups      map[tlog.UUID]*lifecycle.Group
	clusterInfo *notify.VersionNotifier // bumped each time a group is added or removed

	lockMu    sync.RWMutex
	lockState map[lockKey]map[string]any
	lockRule  *tlogcel.Evaluator

	ring      *rendezvous.Rendezvous
	workers   []chan func()
	workerIdx map[string]int
}

type lockKey struct {
	groupID tlog.UUID
	teamID  tlog.StorageTeamID
}

// defaultLockExpression blocks a request when the team's recorded lock epoch is strictly
// ahead of the epoch the request was issued against: "mapX" is the team's current tenant-move
// state, "mapY" the request's observed state. A movement controller bumps LockedEpoch on every
// START_LOCK transition (spec §4.13); once FINISH_UNLOCK lands it resets back to 0.
const defaultLockExpression = "mapX['lockedEpoch'] > mapY['asOfEpoch'] ? 1 : 0"

// New returns a Multiplexer with its own commit path, peek service, pop service, and a fixed
// worker pool sized from cfg.PeekWorkerCount.
func New(cfg tlog.Config, tracker peek.Tracker) (*Multiplexer, error) {
	rule, err := tlogcel.NewEvaluator("tenant-lock-state", defaultLockExpression)
	if err != nil {
		return nil, err
	}

	n := cfg.PeekWorkerCount
	if n <= 0 {
		n = 8
	}
	nodes := make([]string, n)
	idx := make(map[string]int, n)
	for i := range nodes {
		nodes[i] = fmt.Sprintf("peek-worker-%d", i)
		idx[nodes[i]] = i
	}

	m := &Multiplexer{
		cfg:         cfg,
		commitPath:  commit.New(cfg),
		peekSvc:     peek.New(cfg, tracker),
		popSvc:      pop.New(),
		groups:      make(map[tlog.UUID]*lifecycle.Group),
		clusterInfo: notify.New(0),
		lockState:   make(map[lockKey]map[string]any),
		lockRule:    rule,
		ring:        rendezvous.New(nodes, xxhash.Sum64String),
		workers:     make([]chan func(), n),
		workerIdx:   idx,
	}
	for i := range m.workers {
		m.workers[i] = make(chan func(), 64)
	}
	return m, nil
}

// Run drives every peek-worker goroutine until ctx is done (spec §5: one cooperative task per
// component in the core loop; the worker pool is the peek path's share of that model).
func (m *Multiplexer) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(len(m.workers))
	for _, ch := range m.workers {
		ch := ch
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-ch:
					job()
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// AddGroup registers grp for routing and wakes every multiplexer request blocked waiting for
// cluster info to include it (spec §4.12 "Peek requests may arrive before recovery publishes
// cluster info").
func (m *Multiplexer) AddGroup(grp *lifecycle.Group) {
	m.mu.Lock()
	m.groups[grp.GroupID] = grp
	m.mu.Unlock()
	m.clusterInfo.Set(m.clusterInfo.Get() + 1)
}

// RemoveGroup drops grp from routing, e.g. after a cluster displacement tells this process to
// give it up.
func (m *Multiplexer) RemoveGroup(groupID tlog.UUID) {
	m.mu.Lock()
	delete(m.groups, groupID)
	m.mu.Unlock()
	m.clusterInfo.Set(m.clusterInfo.Get() + 1)
}

// Group resolves groupID, waiting for cluster info to change (up to one notifier tick) if it
// is not yet hosted; this covers the race where a peek lands before recovery has published the
// group this process now owns.
func (m *Multiplexer) Group(ctx context.Context, groupID tlog.UUID) (*lifecycle.Group, error) {
	if grp, ok := m.lookupGroup(groupID); ok {
		return grp, nil
	}
	gen := m.clusterInfo.Get()
	if _, err := m.clusterInfo.Wait(ctx, gen+1); err != nil {
		return nil, err
	}
	if grp, ok := m.lookupGroup(groupID); ok {
		return grp, nil
	}
	return nil, tlog.NewError(tlog.GroupNotFound, groupID.String(), nil)
}

// Groups returns a snapshot of every group currently hosted by this process, for the admin
// status surface (SPEC_FULL.md §C internal/adminserver).
func (m *Multiplexer) Groups() []*lifecycle.Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*lifecycle.Group, 0, len(m.groups))
	for _, grp := range m.groups {
		out = append(out, grp)
	}
	return out
}

func (m *Multiplexer) lookupGroup(groupID tlog.UUID) (*lifecycle.Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	grp, ok := m.groups[groupID]
	return grp, ok
}

// Recruit creates every group named in req that this process does not already host, in one
// call (spec §4.12). It assigns no interface id: neither req nor the returned groups carry one.
func (m *Multiplexer) Recruit(req wire.RecruitmentRequest, store func(tlog.UUID) (*lifecycle.Group, error)) ([]*lifecycle.Group, error) {
	out := make([]*lifecycle.Group, 0, len(req.Groups))
	for _, groupID := range req.Groups {
		if grp, ok := m.lookupGroup(groupID); ok {
			out = append(out, grp)
			continue
		}
		grp, err := store(groupID)
		if err != nil {
			return nil, err
		}
		m.AddGroup(grp)
		out = append(out, grp)
	}
	return out, nil
}

// SetTenantLockState records the metacluster tenant-movement controller's latest observed
// attributes for one storage team. A movement controller calls this once per
// changeTenantLockState transition; the TLog itself never initiates a transition (spec §4.13:
// "the TLog is not aware of tenants").
func (m *Multiplexer) SetTenantLockState(groupID tlog.UUID, teamID tlog.StorageTeamID, attrs map[string]any) {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	m.lockState[lockKey{groupID, teamID}] = attrs
}

// checkLocked evaluates the tenant lock-state rule for (groupID, teamID) against reqAttrs. A
// team with no recorded state is always unlocked. A missing "asOfEpoch" defaults to 0, so a
// caller that never observed a tenant-move epoch is treated as arbitrarily stale.
func (m *Multiplexer) checkLocked(groupID tlog.UUID, teamID tlog.StorageTeamID, reqAttrs map[string]any) (bool, error) {
	m.lockMu.RLock()
	attrs, ok := m.lockState[lockKey{groupID, teamID}]
	m.lockMu.RUnlock()
	if !ok {
		return false, nil
	}
	if reqAttrs == nil {
		reqAttrs = map[string]any{}
	}
	if _, ok := reqAttrs["asOfEpoch"]; !ok {
		reqAttrs = map[string]any{"asOfEpoch": 0}
	}
	result, err := m.lockRule.Evaluate(attrs, reqAttrs)
	if err != nil {
		return false, err
	}
	return result != 0, nil
}

// resolveGeneration picks the generation a request with no explicit generation id should hit:
// the group's active generation if one is running, otherwise its most recently stopped one so
// in-flight peeks/pops against a just-displaced generation still complete (spec §4.10).
func resolveGeneration(grp *lifecycle.Group) (*lifecycle.Generation, error) {
	if gen := grp.ActiveGeneration(); gen != nil {
		return gen, nil
	}
	if gen := grp.LatestGeneration(); gen != nil {
		return gen, nil
	}
	return nil, tlog.NewError(tlog.GroupNotFound, grp.GroupID.String(), nil)
}

// HandleCommit routes req to its group's active generation and runs the commit path, refusing
// the whole batch if any named team is currently tenant-locked.
func (m *Multiplexer) HandleCommit(ctx context.Context, req wire.CommitRequest) (wire.CommitReply, error) {
	grp, err := m.Group(ctx, req.GroupID)
	if err != nil {
		return wire.CommitReply{}, err
	}
	gen, err := resolveGeneration(grp)
	if err != nil {
		return wire.CommitReply{}, err
	}
	for _, tm := range req.Teams {
		locked, err := m.checkLocked(req.GroupID, tm.TeamID, nil)
		if err != nil {
			return wire.CommitReply{}, err
		}
		if locked {
			return wire.CommitReply{}, tlog.NewError(tlog.StorageTeamNotFound, strconv.FormatInt(int64(tm.TeamID), 10), nil)
		}
	}
	return m.commitPath.Handle(ctx, gen, req)
}

// HandlePop routes req to groupID's active generation and runs the pop service directly,
// bypassing the peek-worker pool since pop never reads bulk bytes.
func (m *Multiplexer) HandlePop(ctx context.Context, groupID tlog.UUID, req wire.PopRequest) (wire.PopReply, error) {
	grp, err := m.Group(ctx, groupID)
	if err != nil {
		return wire.PopReply{}, err
	}
	gen, err := resolveGeneration(grp)
	if err != nil {
		return wire.PopReply{}, err
	}
	if locked, err := m.checkLocked(groupID, req.TeamID, nil); err != nil {
		return wire.PopReply{}, err
	} else if locked {
		return wire.PopReply{}, tlog.NewError(tlog.StorageTeamNotFound, strconv.FormatInt(int64(req.TeamID), 10), nil)
	}
	return m.popSvc.Handle(ctx, gen, req)
}

// HandlePeek routes req onto the worker bound to (group_id, storage_team_id) by rendezvous
// hashing, so retries and sequence-tracked follow-ups from the same consumer reuse the same
// goroutine (spec §4.12).
func (m *Multiplexer) HandlePeek(ctx context.Context, req wire.PeekRequest) (wire.PeekReply, error) {
	grp, err := m.Group(ctx, req.GroupID)
	if err != nil {
		return wire.PeekReply{}, err
	}
	gen, err := resolveGeneration(grp)
	if err != nil {
		return wire.PeekReply{}, err
	}
	if locked, err := m.checkLocked(req.GroupID, req.StorageTeamID, nil); err != nil {
		return wire.PeekReply{}, err
	} else if locked {
		return wire.PeekReply{}, tlog.NewError(tlog.StorageTeamNotFound, strconv.FormatInt(int64(req.StorageTeamID), 10), nil)
	}

	type result struct {
		reply wire.PeekReply
		err   error
	}
	done := make(chan result, 1)
	ch := m.workers[m.workerIndex(req.GroupID, req.StorageTeamID)]
	submit := func() {
		reply, err := m.peekSvc.Handle(ctx, gen, req)
		done <- result{reply, err}
	}
	select {
	case ch <- submit:
	case <-ctx.Done():
		return wire.PeekReply{}, ctx.Err()
	}
	select {
	case r := <-done:
		return r.reply, r.err
	case <-ctx.Done():
		return wire.PeekReply{}, ctx.Err()
	}
}

// workerIndex returns the fixed worker slot (group_id, storage_team_id) hashes to.
func (m *Multiplexer) workerIndex(groupID tlog.UUID, teamID tlog.StorageTeamID) int {
	key := fmt.Sprintf("%s/%d", groupID.String(), teamID)
	node := m.ring.Lookup(key)
	return m.workerIdx[node]
}

// HandleLock stops every generation of every group this process hosts and reports each one's
// resume point to a recovery controller (spec §4.10).
func (m *Multiplexer) HandleLock(ctx context.Context, req wire.LockRequest) (wire.LockReply, error) {
	m.mu.RLock()
	groups := make([]*lifecycle.Group, 0, len(m.groups))
	for _, grp := range m.groups {
		groups = append(groups, grp)
	}
	m.mu.RUnlock()
	return lifecycle.Lock(ctx, groups)
}
