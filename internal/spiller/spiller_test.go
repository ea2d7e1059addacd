package spiller

import (
	"context"
	"testing"

	"github.com/golang/snappy"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/dq"
	"github.com/sharedcode/tlog/internal/index"
	"github.com/sharedcode/tlog/internal/lifecycle"
	"github.com/sharedcode/tlog/internal/ps"
	"github.com/sharedcode/tlog/internal/wire"
)

const testTeam tlog.StorageTeamID = 1

func newTestGen(t *testing.T, spillType tlog.SpillType) *lifecycle.Generation {
	t.Helper()
	groupID := tlog.NewUUID()
	genID := tlog.NewUUID()
	store := ps.NewSim()
	queue := dq.NewSim()
	cfg := tlog.DefaultConfig()
	cfg.SpillThresholdBytes = 1 << 20

	grp := lifecycle.NewGroup(groupID, store, queue, cfg)
	gen := lifecycle.NewGeneration(groupID, genID, 0, 1, spillType, tlog.LocalityStorageServer, grp)
	grp.AddGeneration(gen)
	gen.AddTeam(testTeam, []tlog.Tag{{Locality: tlog.LocalityStorageServer, ID: 1}})

	return gen
}

// commitOne drives the same state transitions the commit path and queue committer would for
// one single-team version, without their wire-protocol waiting, so spiller tests can prepare
// fixture data directly.
func commitOne(t *testing.T, ctx context.Context, gen *lifecycle.Generation, version tlog.Version, payload []byte) {
	t.Helper()
	entry := tlog.CommitEntry{
		GenerationID: gen.GenerationID,
		Version:      version,
		Teams:        []tlog.TeamMessages{{TeamID: testTeam, Bytes: payload}},
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

	tb, _ := gen.GetTeam(testTeam)
	arena := index.NewArena(append([]byte(nil), payload...), version, 1)
	tb.Append(version, arena.Bytes, arena)
	gen.AddBytesInput(int64(len(payload)) + index.PerEntryOverhead)

	gen.Version.Set(version)
	if err := gen.Group.DQ.Commit(ctx); err != nil {
		t.Fatalf("dq commit: %v", err)
	}
	gen.QueueCommittedVersion.Set(version)
}

func TestUpdatePersistentDataSpillByValue(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t, tlog.SpillByValue)

	for v := tlog.Version(1); v <= 3; v++ {
		commitOne(t, ctx, gen, v, []byte{byte(v), byte(v), byte(v)})
	}

	sp := New(gen.Group, tlog.DefaultConfig())
	if err := sp.UpdatePersistentData(ctx, gen, 3); err != nil {
		t.Fatalf("UpdatePersistentData: %v", err)
	}

	if gen.PersistentDataVersion() != 3 {
		t.Fatalf("expected persistent_data_version 3, got %d", gen.PersistentDataVersion())
	}
	tb, _ := gen.GetTeam(testTeam)
	if tb.Len() != 0 {
		t.Fatalf("expected rows erased from memory after spill, got %d", tb.Len())
	}

	key := ps.TagMsgKey(gen.GenerationID, testTeam, 2)
	raw, ok, err := gen.Group.PS.ReadValue(ctx, key)
	if err != nil || !ok {
		t.Fatalf("ReadValue(TagMsgKey v=2): ok=%v err=%v", ok, err)
	}
	v, err := snappy.Decode(nil, raw)
	if err != nil {
		t.Fatalf("snappy.Decode: %v", err)
	}
	if len(v) != 3 || v[0] != 2 {
		t.Fatalf("unexpected spilled value %v", v)
	}
}

func TestUpdatePersistentDataSpillByReference(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t, tlog.SpillByReference)

	for v := tlog.Version(1); v <= 2; v++ {
		commitOne(t, ctx, gen, v, []byte{byte(v), byte(v)})
	}

	sp := New(gen.Group, tlog.DefaultConfig())
	if err := sp.UpdatePersistentData(ctx, gen, 2); err != nil {
		t.Fatalf("UpdatePersistentData: %v", err)
	}

	refKey := ps.TagMsgRefKey(gen.GenerationID, testTeam, 2)
	raw, ok, err := gen.Group.PS.ReadValue(ctx, refKey)
	if err != nil || !ok {
		t.Fatalf("ReadValue(TagMsgRefKey): ok=%v err=%v", ok, err)
	}
	batch, err := wire.DecodeSpilledDataBatch(raw)
	if err != nil {
		t.Fatalf("DecodeSpilledDataBatch: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("expected 2 spilled-data entries, got %d", len(batch))
	}
	if batch[0].Version != 1 || batch[1].Version != 2 {
		t.Fatalf("unexpected versions in batch: %+v", batch)
	}
}

func TestDrainStoppedRemovesGenerationFromSpillOrder(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t, tlog.SpillByValue)

	for v := tlog.Version(1); v <= 2; v++ {
		commitOne(t, ctx, gen, v, []byte{byte(v)})
	}
	gen.Stop()

	sp := New(gen.Group, tlog.DefaultConfig())
	if err := sp.drainStopped(ctx, gen); err != nil {
		t.Fatalf("drainStopped: %v", err)
	}

	if gen.PersistentDurableVersion() != gen.Version.Get() {
		t.Fatalf("expected fully drained generation, persistent_durable_version=%d version=%d",
			gen.PersistentDurableVersion(), gen.Version.Get())
	}
	if _, ok := gen.Group.Generation(gen.GenerationID); ok {
		t.Fatalf("expected generation removed from group after full drain")
	}
}
