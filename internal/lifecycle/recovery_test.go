package lifecycle

import (
	"context"
	"testing"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/dq"
	"github.com/sharedcode/tlog/internal/index"
	"github.com/sharedcode/tlog/internal/ps"
	"github.com/sharedcode/tlog/internal/wire"
)

const recoveryTeam tlog.StorageTeamID = 7

func bootstrapFormat(t *testing.T, ctx context.Context, store ps.Store) {
	t.Helper()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	if err := store.Set(ctx, ps.FormatKey(), []byte(ps.FormatValue)); err != nil {
		t.Fatalf("store.Set(format): %v", err)
	}
	if err := store.Commit(ctx); err != nil {
		t.Fatalf("store.Commit: %v", err)
	}
}

// pushCommitted appends one committed version directly to the queue and updates gen's live
// state the way the commit path and queue committer would, without their wire-protocol
// waiting (mirrors internal/spiller's test helper).
func pushCommitted(t *testing.T, ctx context.Context, gen *Generation, version tlog.Version, payload []byte) {
	t.Helper()
	entry := tlog.CommitEntry{
		GenerationID:          gen.GenerationID,
		Version:                version,
		KnownCommittedVersion: version,
		Teams:                  []tlog.TeamMessages{{TeamID: recoveryTeam, Bytes: payload}},
	}
	frame := wire.EncodeCommitEntry(entry)

	begin := gen.Group.DQ.GetNextPushLocation()
	end, err := gen.Group.DQ.Push(ctx, frame)
	if err != nil {
		t.Fatalf("dq push: %v", err)
	}
	gen.Index.Insert(version, index.Location{Begin: begin, End: end})

	tb := gen.GetOrCreateTeam(recoveryTeam, []tlog.Tag{{Locality: tlog.LocalityStorageServer, ID: 1}})
	arena := index.NewArena(append([]byte(nil), payload...), version, 1)
	tb.Append(version, arena.Bytes, arena)
	gen.AddBytesInput(int64(len(payload)) + index.PerEntryOverhead)

	gen.Version.Set(version)
	if err := gen.Group.DQ.Commit(ctx); err != nil {
		t.Fatalf("dq commit: %v", err)
	}
	gen.QueueCommittedVersion.Set(version)
}

func noopSpill(ctx context.Context, gen *Generation, newVersion tlog.Version) error { return nil }

func TestRecoverReplaysUncommittedDQEntriesIntoStoppedGeneration(t *testing.T) {
	ctx := context.Background()
	store := ps.NewSim()
	queue := dq.NewSim()
	cfg := tlog.DefaultConfig()
	groupID := tlog.NewUUID()
	genID := tlog.NewUUID()

	bootstrapFormat(t, ctx, store)

	grp := NewGroup(groupID, store, queue, cfg)
	gen := NewGeneration(groupID, genID, 0, 1, tlog.SpillByValue, tlog.LocalityStorageServer, grp)
	gen.AddTeam(recoveryTeam, []tlog.Tag{{Locality: tlog.LocalityStorageServer, ID: 1}})
	grp.AddGeneration(gen)
	if err := gen.PersistInit(ctx); err != nil {
		t.Fatalf("PersistInit: %v", err)
	}

	// Three versions land in the DQ as a live process would commit them, but the PS
	// watermark is never advanced (simulating a crash before the spiller's first cycle).
	for v := tlog.Version(1); v <= 3; v++ {
		pushCommitted(t, ctx, gen, v, []byte{byte(v), byte(v)})
	}

	recovered, err := Recover(ctx, groupID, store, queue, cfg, noopSpill)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	gens := recovered.Generations()
	if len(gens) != 1 {
		t.Fatalf("expected 1 recovered generation, got %d", len(gens))
	}
	recGen := gens[0]
	if !recGen.IsStopped() {
		t.Fatalf("expected recovered generation to be marked stopped")
	}
	if !recGen.RecoveryCompleteDone() {
		t.Fatalf("expected recovery-complete to be fulfilled")
	}
	if recGen.Version.Get() != 3 {
		t.Fatalf("expected version 3 replayed from DQ, got %d", recGen.Version.Get())
	}
	if recGen.QueueCommittedVersion.Get() != 3 {
		t.Fatalf("expected queue_committed_version 3 replayed from DQ, got %d", recGen.QueueCommittedVersion.Get())
	}
	tb, ok := recGen.GetTeam(recoveryTeam)
	if !ok {
		t.Fatalf("expected recoveryTeam rebuilt in Storage-Team Buffer")
	}
	if tb.Len() != 3 {
		t.Fatalf("expected 3 rows replayed into C4, got %d", tb.Len())
	}
}

func TestRecoverOnEmptyStoreReturnsWorkerRemoved(t *testing.T) {
	ctx := context.Background()
	store := ps.NewSim()
	queue := dq.NewSim()
	cfg := tlog.DefaultConfig()
	groupID := tlog.NewUUID()

	_, err := Recover(ctx, groupID, store, queue, cfg, noopSpill)
	if err == nil {
		t.Fatalf("expected error for empty store with no format key")
	}
	tlogErr, ok := err.(tlog.Error)
	if !ok || tlogErr.Code != tlog.WorkerRemoved {
		t.Fatalf("expected WorkerRemoved, got %v", err)
	}
}

func TestRecoverSkipsAlreadyPersistedVersions(t *testing.T) {
	ctx := context.Background()
	store := ps.NewSim()
	queue := dq.NewSim()
	cfg := tlog.DefaultConfig()
	groupID := tlog.NewUUID()
	genID := tlog.NewUUID()

	bootstrapFormat(t, ctx, store)

	grp := NewGroup(groupID, store, queue, cfg)
	gen := NewGeneration(groupID, genID, 0, 1, tlog.SpillByValue, tlog.LocalityStorageServer, grp)
	gen.AddTeam(recoveryTeam, []tlog.Tag{{Locality: tlog.LocalityStorageServer, ID: 1}})
	grp.AddGeneration(gen)
	if err := gen.PersistInit(ctx); err != nil {
		t.Fatalf("PersistInit: %v", err)
	}

	for v := tlog.Version(1); v <= 2; v++ {
		pushCommitted(t, ctx, gen, v, []byte{byte(v)})
	}
	// Simulate a spiller cycle that persisted through version 1 before the crash.
	if err := store.Set(ctx, ps.VersionKey(genID), ps.EncodeVersion(1)); err != nil {
		t.Fatalf("store.Set(version): %v", err)
	}
	if err := store.Commit(ctx); err != nil {
		t.Fatalf("store.Commit: %v", err)
	}

	recovered, err := Recover(ctx, groupID, store, queue, cfg, noopSpill)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	recGen, ok := recovered.Generation(genID)
	if !ok {
		t.Fatalf("expected recovered generation %s", genID)
	}
	tb, ok := recGen.GetTeam(recoveryTeam)
	if !ok {
		t.Fatalf("expected recoveryTeam present")
	}
	if tb.Len() != 1 {
		t.Fatalf("expected only version 2 replayed into C4 (version 1 already durable), got %d rows", tb.Len())
	}
	if recGen.Version.Get() != 2 {
		t.Fatalf("expected version 2, got %d", recGen.Version.Get())
	}
}
