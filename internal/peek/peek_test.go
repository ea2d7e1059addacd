package peek

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/dq"
	"github.com/sharedcode/tlog/internal/index"
	"github.com/sharedcode/tlog/internal/lifecycle"
	"github.com/sharedcode/tlog/internal/ps"
	"github.com/sharedcode/tlog/internal/spiller"
	"github.com/sharedcode/tlog/internal/wire"
)

const teamA tlog.StorageTeamID = 1
const teamB tlog.StorageTeamID = 2

func newTestGen(t *testing.T, spillType tlog.SpillType) *lifecycle.Generation {
	t.Helper()
	groupID := tlog.NewUUID()
	genID := tlog.NewUUID()
	cfg := tlog.DefaultConfig()
	grp := lifecycle.NewGroup(groupID, ps.NewSim(), dq.NewSim(), cfg)
	gen := lifecycle.NewGeneration(groupID, genID, 0, 1, spillType, tlog.LocalityStorageServer, grp)
	grp.AddGeneration(gen)
	gen.AddTeam(teamA, []tlog.Tag{{Locality: tlog.LocalityStorageServer, ID: 1}})
	return gen
}

// commit drives the same state transitions the commit path and queue committer would for one
// version touching the given teams, bypassing their wire-protocol waiting so tests can prepare
// fixture data directly (mirrors internal/spiller's test helper).
func commit(t *testing.T, ctx context.Context, gen *lifecycle.Generation, version tlog.Version, teamPayloads map[tlog.StorageTeamID][]byte) {
	t.Helper()

	teamIDs := make([]tlog.StorageTeamID, 0, len(teamPayloads))
	for id := range teamPayloads {
		teamIDs = append(teamIDs, id)
	}

	entry := tlog.CommitEntry{GenerationID: gen.GenerationID, Version: version}
	for _, id := range teamIDs {
		entry.Teams = append(entry.Teams, tlog.TeamMessages{TeamID: id, Bytes: teamPayloads[id]})
	}
	frame := wire.EncodeCommitEntry(entry)

	gen.Group.CommitLock.Lock()
	begin := gen.Group.DQ.GetNextPushLocation()
	end, err := gen.Group.DQ.Push(ctx, frame)
	gen.Group.CommitLock.Unlock()
	if err != nil {
		t.Fatalf("dq push: %v", err)
	}
	gen.Index.Insert(version, index.Location{Begin: begin, End: end})

	arena := index.NewArena(nil, version, len(teamIDs))
	for _, id := range teamIDs {
		payload := teamPayloads[id]
		tb := gen.GetOrCreateTeam(id, []tlog.Tag{{Locality: tlog.LocalityStorageServer, ID: int32(id)}})
		tb.Append(version, append([]byte(nil), payload...), arena)
		gen.AddBytesInput(int64(len(payload)) + index.PerEntryOverhead)
	}

	gen.Version.Set(version)
	if err := gen.Group.DQ.Commit(ctx); err != nil {
		t.Fatalf("dq commit: %v", err)
	}
	gen.QueueCommittedVersion.Set(version)
}

func TestPeekValueSpillMergesMemoryAndPersisted(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t, tlog.SpillByValue)

	for v := tlog.Version(1); v <= 5; v++ {
		commit(t, ctx, gen, v, map[tlog.StorageTeamID][]byte{teamA: {byte(v), byte(v)}})
	}

	sp := spiller.New(gen.Group, tlog.DefaultConfig())
	if err := sp.UpdatePersistentData(ctx, gen, 3); err != nil {
		t.Fatalf("UpdatePersistentData: %v", err)
	}

	svc := New(tlog.DefaultConfig(), nil)
	reply, err := svc.Handle(ctx, gen, wire.PeekRequest{
		StorageTeamID: teamA,
		BeginVersion:  1,
		EndVersion:    5,
		HasEndVersion: true,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.FirstVersion != 1 || reply.LastVersion != 5 {
		t.Fatalf("expected [1,5], got [%d,%d]", reply.FirstVersion, reply.LastVersion)
	}
	want := []byte{1, 1, 2, 2, 3, 3, 4, 4, 5, 5}
	if string(reply.SerializedBytes) != string(want) {
		t.Fatalf("unexpected merged bytes: %v, want %v", reply.SerializedBytes, want)
	}
}

func TestPeekReferenceSpillReadsFromDurableQueue(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t, tlog.SpillByReference)

	for v := tlog.Version(1); v <= 2; v++ {
		commit(t, ctx, gen, v, map[tlog.StorageTeamID][]byte{teamA: {byte(v), byte(v), byte(v)}})
	}

	sp := spiller.New(gen.Group, tlog.DefaultConfig())
	if err := sp.UpdatePersistentData(ctx, gen, 2); err != nil {
		t.Fatalf("UpdatePersistentData: %v", err)
	}

	svc := New(tlog.DefaultConfig(), nil)
	reply, err := svc.Handle(ctx, gen, wire.PeekRequest{
		StorageTeamID: teamA,
		BeginVersion:  1,
		EndVersion:    2,
		HasEndVersion: true,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if reply.FirstVersion != 1 || reply.LastVersion != 2 {
		t.Fatalf("expected [1,2], got [%d,%d]", reply.FirstVersion, reply.LastVersion)
	}
	want := []byte{1, 1, 1, 2, 2, 2}
	if string(reply.SerializedBytes) != string(want) {
		t.Fatalf("unexpected bytes fetched back through the durable queue: %v, want %v", reply.SerializedBytes, want)
	}
}

func TestPeekPoppedRangeShortCircuits(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t, tlog.SpillByValue)

	for v := tlog.Version(1); v <= 3; v++ {
		commit(t, ctx, gen, v, map[tlog.StorageTeamID][]byte{teamA: {byte(v)}})
	}
	tb, _ := gen.GetTeam(teamA)
	tb.SetPopped(2)

	svc := New(tlog.DefaultConfig(), nil)
	reply, err := svc.Handle(ctx, gen, wire.PeekRequest{
		StorageTeamID: teamA,
		BeginVersion:  1,
		EndVersion:    3,
		HasEndVersion: true,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !reply.Popped || reply.PoppedUpTo != 2 {
		t.Fatalf("expected popped reply up to 2, got %+v", reply)
	}
}

func TestPeekSparseTeamJumpsToNextPresentVersion(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t, tlog.SpillByValue)

	commit(t, ctx, gen, 1, map[tlog.StorageTeamID][]byte{teamA: {1}})
	commit(t, ctx, gen, 2, map[tlog.StorageTeamID][]byte{teamB: {2}})
	commit(t, ctx, gen, 3, map[tlog.StorageTeamID][]byte{teamB: {3}})
	commit(t, ctx, gen, 4, map[tlog.StorageTeamID][]byte{teamB: {4}})
	commit(t, ctx, gen, 5, map[tlog.StorageTeamID][]byte{teamA: {5}})

	svc := New(tlog.DefaultConfig(), nil)
	reply, err := svc.Handle(ctx, gen, wire.PeekRequest{
		StorageTeamID: teamA,
		BeginVersion:  2,
		EndVersion:    4,
		HasEndVersion: true,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(reply.SerializedBytes) != 0 {
		t.Fatalf("expected no bytes in the sparse range, got %v", reply.SerializedBytes)
	}
	if reply.LastVersion != 5 {
		t.Fatalf("expected cursor to jump to the next present version 5, got %d", reply.LastVersion)
	}
}

func TestPeekReturnIfBlockedYieldsEndOfStream(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t, tlog.SpillByValue)
	commit(t, ctx, gen, 1, map[tlog.StorageTeamID][]byte{teamA: {1}})

	svc := New(tlog.DefaultConfig(), nil)
	reply, err := svc.Handle(ctx, gen, wire.PeekRequest{
		StorageTeamID:   teamA,
		BeginVersion:    5,
		ReturnIfBlocked: true,
	})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !reply.EndOfStream {
		t.Fatalf("expected end-of-stream reply, got %+v", reply)
	}
}

func TestPeekSequenceTrackerResumesFromLastReply(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t, tlog.SpillByValue)
	for v := tlog.Version(1); v <= 3; v++ {
		commit(t, ctx, gen, v, map[tlog.StorageTeamID][]byte{teamA: {byte(v)}})
	}

	tracker := NewMemTracker(time.Minute)
	svc := New(tlog.DefaultConfig(), tracker)
	peekID := tlog.NewUUID()

	first, err := svc.Handle(ctx, gen, wire.PeekRequest{
		StorageTeamID: teamA,
		BeginVersion:  1,
		EndVersion:    2,
		HasEndVersion: true,
		PeekID:        peekID,
		HasSequence:   true,
	})
	if err != nil {
		t.Fatalf("Handle (seq 0): %v", err)
	}
	if first.LastVersion != 2 {
		t.Fatalf("expected first reply to end at version 2, got %d", first.LastVersion)
	}

	second, err := svc.Handle(ctx, gen, wire.PeekRequest{
		StorageTeamID:  teamA,
		EndVersion:     3,
		HasEndVersion:  true,
		PeekID:         peekID,
		HasSequence:    true,
		SequenceNumber: 1,
	})
	if err != nil {
		t.Fatalf("Handle (seq 1): %v", err)
	}
	if second.FirstVersion != 3 || second.LastVersion != 3 {
		t.Fatalf("expected second reply to resume at version 3, got [%d,%d]", second.FirstVersion, second.LastVersion)
	}
}
