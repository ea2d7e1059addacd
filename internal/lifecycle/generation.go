// Package lifecycle implements the Generation Lifecycle (C11): creating, locking/stopping,
// and retiring log generations within a group as the cluster recovers, plus the recovery
// replay that rebuilds in-memory state from the Persistent Store and Durable Queue on
// process start (spec §3 "Lifecycles", §4.10, §4.11).
//
// Generation and Group hold the state every other component (commit, queuecommitter,
// spiller, peek, pop) mutates or reads; lifecycle owns their construction and teardown so
// that invariant 8 (exactly one current metadata record per generation) has a single writer.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/acs"
	"github.com/sharedcode/tlog/internal/index"
	"github.com/sharedcode/tlog/internal/notify"
)

// Generation is one instantiation of a TLog for a (group, recovery-count) pair (spec §3
// "Generation Data"). All fields below are safe for concurrent use by the components listed
// in their doc comments; nothing here should be mutated directly from outside this package's
// exported methods except where noted.
type Generation struct {
	GroupID         tlog.UUID
	GenerationID    tlog.UUID
	RecoveryCount   int64
	ProtocolVersion uint32
	SpillType       tlog.SpillType
	Locality        tlog.Locality

	// Group is a non-owning back-pointer: the Group outlives every Generation it hosts, so
	// this is safe without reference counting (spec §9 "cyclic relationships").
	Group *Group

	Index *index.VersionIndex

	// ACSBuilder rolls a per-tag checksum forward as the commit path observes each team's
	// committed bytes; ACSValidator replays that same checksum on the peek path and reports a
	// MismatchError if what was consumed diverges from what was committed (spec §4.4, C5).
	// acsIndex 0 is this generation's own single in-process producer: there is no separate
	// commit-proxy process in this deployment, so the generation itself plays that role.
	ACSBuilder   *acs.Builder
	ACSValidator *acs.Validator

	acsMu    sync.Mutex
	acsState map[tlog.Tag]tlog.Mutation

	teamsMu  sync.RWMutex
	teams    map[tlog.StorageTeamID]*index.TeamBuffer
	teamTags map[tlog.StorageTeamID][]tlog.Tag

	// Version is the committed-version watermark; advanced only inside commitMu (C6 step 8).
	Version *notify.VersionNotifier
	// QueueCommittedVersion is published by the queue committer (C7) once DQ.Commit returns.
	QueueCommittedVersion *notify.VersionNotifier

	qMu                     sync.Mutex
	queueCommittingVersion tlog.Version

	persistMu                sync.Mutex
	persistentDataVersion    tlog.Version
	persistentDurableVersion tlog.Version

	kcvMu               sync.Mutex
	knownCommittedVersion tlog.Version
	unrecoveredBefore     tlog.Version

	bytesInput   atomic.Int64
	bytesDurable atomic.Int64

	stopped      atomic.Bool
	stopVersion  atomic.Int64
	removed      *notify.Trigger

	recoveryComplete    *notify.Trigger
	recoveryCompleteErr error
	recoveryCompleteMu   sync.Mutex

	// commitMu serializes the commit path's critical region (spec §5): check prev_version
	// through Version.Set, so invariant 4 (strictly increasing DQ append order per
	// generation) and the dedup-by-retry behavior in commit step 1 both hold.
	commitMu sync.Mutex
}

// NewGeneration constructs a fresh (non-recovered) generation starting at version 0.
func NewGeneration(groupID, generationID tlog.UUID, recoveryCount int64, protocolVersion uint32, spillType tlog.SpillType, locality tlog.Locality, group *Group) *Generation {
	return &Generation{
		GroupID:               groupID,
		GenerationID:          generationID,
		RecoveryCount:         recoveryCount,
		ProtocolVersion:       protocolVersion,
		SpillType:             spillType,
		Locality:              locality,
		Group:                 group,
		Index:                 index.New(),
		ACSBuilder:            acs.NewBuilder(0, uint32(recoveryCount), nil),
		ACSValidator:          acs.NewValidator(nil),
		acsState:              make(map[tlog.Tag]tlog.Mutation),
		teams:                 make(map[tlog.StorageTeamID]*index.TeamBuffer),
		teamTags:              make(map[tlog.StorageTeamID][]tlog.Tag),
		Version:               notify.New(0),
		QueueCommittedVersion: notify.New(0),
		removed:               notify.NewTrigger(),
		recoveryComplete:      notify.NewTrigger(),
	}
}

// CommitMu exposes the commit-path critical-section lock to internal/commit; it is held for
// the duration of the atomic region described in spec §5.
func (g *Generation) CommitMu() *sync.Mutex { return &g.commitMu }

// GetTeam returns the team buffer for teamID, if the generation currently hosts it.
func (g *Generation) GetTeam(teamID tlog.StorageTeamID) (*index.TeamBuffer, bool) {
	g.teamsMu.RLock()
	defer g.teamsMu.RUnlock()
	tb, ok := g.teams[teamID]
	return tb, ok
}

// GetOrCreateTeam returns the team buffer for teamID, creating an empty one (and recording
// its tags) if this is the first commit or replay row to touch it.
func (g *Generation) GetOrCreateTeam(teamID tlog.StorageTeamID, tags []tlog.Tag) *index.TeamBuffer {
	g.teamsMu.Lock()
	defer g.teamsMu.Unlock()
	tb, ok := g.teams[teamID]
	if !ok {
		tb = index.NewTeamBuffer(teamID)
		g.teams[teamID] = tb
	}
	if tags != nil {
		g.teamTags[teamID] = tags
	}
	return tb
}

// AddTeam adds teamID with the given tags, per an added_teams delta on a commit (spec §4.5
// step 5). It is idempotent.
func (g *Generation) AddTeam(teamID tlog.StorageTeamID, tags []tlog.Tag) {
	g.GetOrCreateTeam(teamID, tags)
}

// RemoveTeam drops teamID from the generation's team map. Per spec §E.3, removal only takes
// effect for the next commit; this commit's own message distribution has already captured a
// TeamBuffer reference and is unaffected by the removal applied afterward.
func (g *Generation) RemoveTeam(teamID tlog.StorageTeamID) {
	g.teamsMu.Lock()
	defer g.teamsMu.Unlock()
	delete(g.teams, teamID)
	delete(g.teamTags, teamID)
}

// Teams returns a snapshot slice of every storage team id currently hosted.
func (g *Generation) Teams() []tlog.StorageTeamID {
	g.teamsMu.RLock()
	defer g.teamsMu.RUnlock()
	out := make([]tlog.StorageTeamID, 0, len(g.teams))
	for id := range g.teams {
		out = append(out, id)
	}
	return out
}

// TeamTags returns the tags recorded for teamID, if any.
func (g *Generation) TeamTags(teamID tlog.StorageTeamID) ([]tlog.Tag, bool) {
	g.teamsMu.RLock()
	defer g.teamsMu.RUnlock()
	tags, ok := g.teamTags[teamID]
	return tags, ok
}

// StorageTeams returns a snapshot of every hosted team and its tags, in the shape persisted at
// ps.StorageTeamsKey (spec §4.11 step 2).
func (g *Generation) StorageTeams() []tlog.StorageTeam {
	g.teamsMu.RLock()
	defer g.teamsMu.RUnlock()
	out := make([]tlog.StorageTeam, 0, len(g.teams))
	for id := range g.teams {
		out = append(out, tlog.StorageTeam{ID: id, Tags: g.teamTags[id]})
	}
	return out
}

// SetACSMutation records tag's most recently emitted ACS mutation, the rolled-up checksum
// state the commit path last observed for it (spec §4.4). The peek path compares its own
// replayed state against whatever is recorded here when it finishes assembling a reply.
func (g *Generation) SetACSMutation(tag tlog.Tag, m tlog.Mutation) {
	g.acsMu.Lock()
	defer g.acsMu.Unlock()
	g.acsState[tag] = m
}

// ACSMutation returns tag's most recently recorded ACS mutation, if the commit path has
// observed one yet.
func (g *Generation) ACSMutation(tag tlog.Tag) (tlog.Mutation, bool) {
	g.acsMu.Lock()
	defer g.acsMu.Unlock()
	m, ok := g.acsState[tag]
	return m, ok
}

// AddBytesInput/AddBytesDurable maintain the bytes_input/bytes_durable counters (spec
// invariant 5: bytes_durable <= bytes_input at all times).
func (g *Generation) AddBytesInput(n int64)   { g.bytesInput.Add(n) }
func (g *Generation) AddBytesDurable(n int64) { g.bytesDurable.Add(n) }
func (g *Generation) BytesInput() int64       { return g.bytesInput.Load() }
func (g *Generation) BytesDurable() int64     { return g.bytesDurable.Load() }

// QueueCommittingVersion returns the version the queue committer has most recently started
// fsyncing (spec §4.6 step 3).
func (g *Generation) QueueCommittingVersion() tlog.Version {
	g.qMu.Lock()
	defer g.qMu.Unlock()
	return g.queueCommittingVersion
}

// SetQueueCommittingVersion records the version the queue committer is about to fsync.
func (g *Generation) SetQueueCommittingVersion(v tlog.Version) {
	g.qMu.Lock()
	defer g.qMu.Unlock()
	g.queueCommittingVersion = v
}

// PersistentDataVersion/PersistentDurableVersion report the spiller's watermarks (spec
// invariant 1: persistent_durable_version <= persistent_data_version <= queue_committed_version).
func (g *Generation) PersistentDataVersion() tlog.Version {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()
	return g.persistentDataVersion
}

func (g *Generation) PersistentDurableVersion() tlog.Version {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()
	return g.persistentDurableVersion
}

// SetPersistentVersions atomically advances both watermarks together, as Update-Persistent-
// Data does once PS.Commit succeeds (spec §4.7 step 6).
func (g *Generation) SetPersistentVersions(v tlog.Version) {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()
	g.persistentDataVersion = v
	g.persistentDurableVersion = v
}

// SeedPersistentVersions is used only by recovery replay to initialize both watermarks from
// the PS-persisted version/<gen> row, bypassing the normal monotonic advancement path.
func (g *Generation) SeedPersistentVersions(v tlog.Version) {
	g.persistMu.Lock()
	defer g.persistMu.Unlock()
	g.persistentDataVersion = v
	g.persistentDurableVersion = v
}

// KnownCommittedVersion returns the generation's current known-committed version.
func (g *Generation) KnownCommittedVersion() tlog.Version {
	g.kcvMu.Lock()
	defer g.kcvMu.Unlock()
	return g.knownCommittedVersion
}

// AdvanceKnownCommittedVersion sets known_committed_version to max(current, v), carrying the
// monotonic ratchet forward per SPEC_FULL.md §D.4, and returns the value in effect afterward.
func (g *Generation) AdvanceKnownCommittedVersion(v tlog.Version) tlog.Version {
	g.kcvMu.Lock()
	defer g.kcvMu.Unlock()
	if v > g.knownCommittedVersion {
		g.knownCommittedVersion = v
	}
	return g.knownCommittedVersion
}

// UnrecoveredBefore returns the marker version below which peeks must await recovery
// completion (spec §4.8 step 2, §4.11).
func (g *Generation) UnrecoveredBefore() tlog.Version {
	g.kcvMu.Lock()
	defer g.kcvMu.Unlock()
	return g.unrecoveredBefore
}

// SetUnrecoveredBefore records the marker committed when a recovering generation catches up
// to its recoverAt version (spec §4.11 last paragraph).
func (g *Generation) SetUnrecoveredBefore(v tlog.Version) {
	g.kcvMu.Lock()
	defer g.kcvMu.Unlock()
	g.unrecoveredBefore = v
}

// IsStopped reports whether this generation has been locked/stopped (spec §4.10).
func (g *Generation) IsStopped() bool { return g.stopped.Load() }

// StopVersion returns the version snapshotted at the moment Stop was called.
func (g *Generation) StopVersion() tlog.Version { return tlog.Version(g.stopVersion.Load()) }

// Stop marks the generation stopped at its current version and fails the recovery-complete
// promise (if not already fulfilled) so any peek blocked awaiting recovery unblocks with
// EndOfStream (spec §4.10 step 1). It is idempotent and returns the stop version.
func (g *Generation) Stop() tlog.Version {
	if g.stopped.CompareAndSwap(false, true) {
		g.stopVersion.Store(int64(g.Version.Get()))
		g.FailRecoveryComplete(tlog.NewError(tlog.EndOfStream, g.GenerationID.String(), nil))
	}
	return tlog.Version(g.stopVersion.Load())
}

// MarkRecoveredStopped marks a generation loaded from Persistent Store as stopped without
// failing the recovery-complete promise: unlike Stop, this is not a live displacement, so
// peeks that later await recovery completion should still see it succeed (spec §4.11 step 2,
// "create an in-memory generation record with stopped=true").
func (g *Generation) MarkRecoveredStopped() {
	g.stopped.Store(true)
	g.stopVersion.Store(int64(g.Version.Get()))
}

// Removed returns a trigger that fires once the generation has been fully retired (spec §3
// "Generation" lifecycle: removed when all consumers have popped past its last version and PS
// rows are erased).
func (g *Generation) Removed() *notify.Trigger { return g.removed }

// MarkRemoved fires the Removed trigger.
func (g *Generation) MarkRemoved() { g.removed.Fire() }

// AwaitRecoveryComplete blocks until recovery finishes for this generation, the context is
// done, or the generation stops before recovery finished (in which case it returns the stop
// error, typically EndOfStream per spec §4.8 step 2).
func (g *Generation) AwaitRecoveryComplete(ctx context.Context) error {
	select {
	case <-g.recoveryComplete.Done():
		g.recoveryCompleteMu.Lock()
		err := g.recoveryCompleteErr
		g.recoveryCompleteMu.Unlock()
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecoveryCompleteDone reports whether recovery has already finished, without blocking.
func (g *Generation) RecoveryCompleteDone() bool {
	select {
	case <-g.recoveryComplete.Done():
		return true
	default:
		return false
	}
}

// MarkRecoveryComplete fulfills the recovery-complete promise successfully.
func (g *Generation) MarkRecoveryComplete() {
	g.recoveryCompleteMu.Lock()
	if g.recoveryCompleteErr == nil {
		// leave nil: success
	}
	g.recoveryCompleteMu.Unlock()
	g.recoveryComplete.Fire()
}

// FailRecoveryComplete fulfills the recovery-complete promise with an error, unblocking any
// peek waiting on it (spec §4.10 step 1, §4.8 step 2).
func (g *Generation) FailRecoveryComplete(err error) {
	g.recoveryCompleteMu.Lock()
	if g.recoveryCompleteErr == nil {
		g.recoveryCompleteErr = err
	}
	g.recoveryCompleteMu.Unlock()
	g.recoveryComplete.Fire()
}

// pop/spiller bookkeeping helpers

// QueuePoppedVersion computes the minimum DQ-release watermark for this generation: the
// minimum of persistent_data_version and every reference-spilled team's popped version (spec
// §4.9 last paragraph).
func (g *Generation) QueuePoppedVersion() tlog.Version {
	min := g.PersistentDataVersion()
	g.teamsMu.RLock()
	defer g.teamsMu.RUnlock()
	for _, tb := range g.teams {
		if g.SpillType != tlog.SpillByReference {
			continue
		}
		if p := tb.GetPopped(); p < min {
			min = p
		}
	}
	return min
}
