package group

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/dq"
	"github.com/sharedcode/tlog/internal/lifecycle"
	"github.com/sharedcode/tlog/internal/ps"
	"github.com/sharedcode/tlog/internal/queuecommitter"
	"github.com/sharedcode/tlog/internal/wire"
)

const testTeam tlog.StorageTeamID = 1

func newMuxTestGroup(t *testing.T) (*Multiplexer, *lifecycle.Group, *lifecycle.Generation) {
	t.Helper()
	groupID := tlog.NewUUID()
	genID := tlog.NewUUID()
	store := ps.NewSim()
	queue := dq.NewSim()
	cfg := tlog.DefaultConfig()
	cfg.PeekWorkerCount = 4

	grp := lifecycle.NewGroup(groupID, store, queue, cfg)
	gen := lifecycle.NewGeneration(groupID, genID, 0, 1, tlog.SpillByValue, tlog.LocalityStorageServer, grp)
	gen.AddTeam(testTeam, []tlog.Tag{{Locality: tlog.LocalityStorageServer, ID: 1}})
	grp.AddGeneration(gen)
	gen.MarkRecoveryComplete()

	mux, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux.AddGroup(grp)

	// Commits wait for queue_committed_version, which only a running queue committer advances.
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go queuecommitter.New(grp, cfg).Run(ctx)
	return mux, grp, gen
}

func TestUnknownGroupFailsWhenClusterInfoNeverChanges(t *testing.T) {
	cfg := tlog.DefaultConfig()
	mux, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = mux.HandleCommit(ctx, wire.CommitRequest{GroupID: tlog.NewUUID()})
	if err == nil {
		t.Fatalf("expected error routing to an unknown group")
	}
}

func TestHandleCommitRoutesToActiveGeneration(t *testing.T) {
	ctx := context.Background()
	mux, _, gen := newMuxTestGroup(t)

	req := wire.CommitRequest{
		GroupID: gen.Group.GroupID,
		Version: 1,
		Teams:   []tlog.TeamMessages{{TeamID: testTeam, Bytes: []byte{1, 2, 3}}},
	}
	if _, err := mux.HandleCommit(ctx, req); err != nil {
		t.Fatalf("HandleCommit: %v", err)
	}
	if gen.Version.Get() != 1 {
		t.Fatalf("expected generation version advanced to 1, got %d", gen.Version.Get())
	}
}

func TestHandlePeekReturnsDataFromSameWorkerAcrossCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mux, _, gen := newMuxTestGroup(t)
	go mux.Run(ctx)

	commit := wire.CommitRequest{
		GroupID: gen.Group.GroupID,
		Version: 1,
		Teams:   []tlog.TeamMessages{{TeamID: testTeam, Bytes: []byte{9, 9, 9}}},
	}
	if _, err := mux.HandleCommit(ctx, commit); err != nil {
		t.Fatalf("HandleCommit: %v", err)
	}

	peekReq := wire.PeekRequest{
		GroupID:       gen.Group.GroupID,
		StorageTeamID: testTeam,
		BeginVersion:  1,
		EndVersion:    1,
		HasEndVersion: true,
	}
	want := mux.workerIndex(peekReq.GroupID, peekReq.StorageTeamID)
	for i := 0; i < 5; i++ {
		got := mux.workerIndex(peekReq.GroupID, peekReq.StorageTeamID)
		if got != want {
			t.Fatalf("expected stable worker affinity, got %d want %d", got, want)
		}
	}

	reply, err := mux.HandlePeek(ctx, peekReq)
	if err != nil {
		t.Fatalf("HandlePeek: %v", err)
	}
	if reply.FirstVersion != 1 || reply.LastVersion != 1 {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if string(reply.SerializedBytes) != string([]byte{9, 9, 9}) {
		t.Fatalf("unexpected payload %v", reply.SerializedBytes)
	}
}

func TestTenantLockStateBlocksCommitAndPeek(t *testing.T) {
	ctx := context.Background()
	mux, grp, _ := newMuxTestGroup(t)

	mux.SetTenantLockState(grp.GroupID, testTeam, map[string]any{"lockedEpoch": 2})

	_, err := mux.HandleCommit(ctx, wire.CommitRequest{
		GroupID: grp.GroupID,
		Version: 1,
		Teams:   []tlog.TeamMessages{{TeamID: testTeam, Bytes: []byte{1}}},
	})
	if err == nil {
		t.Fatalf("expected locked team to reject peek/commit access")
	}

	_, err = mux.HandlePeek(ctx, wire.PeekRequest{
		GroupID:       grp.GroupID,
		StorageTeamID: testTeam,
		BeginVersion:  0,
		HasEndVersion: true,
		EndVersion:    0,
	})
	if err == nil {
		t.Fatalf("expected locked team to reject peek")
	}
}

func TestHandleLockStopsHostedGroups(t *testing.T) {
	ctx := context.Background()
	mux, _, gen := newMuxTestGroup(t)
	gen.Version.Set(2)
	gen.QueueCommittedVersion.Set(2)

	reply, err := mux.HandleLock(ctx, wire.LockRequest{RecoveryEpoch: 1})
	if err != nil {
		t.Fatalf("HandleLock: %v", err)
	}
	if len(reply.Groups) != 1 {
		t.Fatalf("expected 1 group result, got %d", len(reply.Groups))
	}
	if !gen.IsStopped() {
		t.Fatalf("expected generation stopped by lock")
	}
}
