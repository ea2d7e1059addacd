package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/dq"
	"github.com/sharedcode/tlog/internal/ps"
	"github.com/sharedcode/tlog/internal/wire"
)

func newLockTestGroup(t *testing.T) (*Group, *Generation) {
	t.Helper()
	groupID := tlog.NewUUID()
	genID := tlog.NewUUID()
	store := ps.NewSim()
	queue := dq.NewSim()
	cfg := tlog.DefaultConfig()

	grp := NewGroup(groupID, store, queue, cfg)
	gen := NewGeneration(groupID, genID, 0, 1, tlog.SpillByValue, tlog.LocalityStorageServer, grp)
	gen.AddTeam(1, []tlog.Tag{{Locality: tlog.LocalityStorageServer, ID: 1}})
	grp.AddGeneration(gen)
	return grp, gen
}

func TestLockStopsGenerationAndReportsEndVersion(t *testing.T) {
	ctx := context.Background()
	grp, gen := newLockTestGroup(t)

	gen.Version.Set(5)
	gen.QueueCommittedVersion.Set(5)
	gen.AdvanceKnownCommittedVersion(4)

	reply, err := Lock(ctx, []*Group{grp})
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if len(reply.Groups) != 1 {
		t.Fatalf("expected 1 group result, got %d", len(reply.Groups))
	}
	result := reply.Groups[0]
	if result.EndVersion != 5 {
		t.Fatalf("expected end_version 5, got %d", result.EndVersion)
	}
	if result.KnownCommittedVersion != 4 {
		t.Fatalf("expected known_committed_version 4, got %d", result.KnownCommittedVersion)
	}
	if len(result.Teams) != 1 || result.Teams[0].ID != 1 {
		t.Fatalf("expected team 1 reported, got %+v", result.Teams)
	}
	if !gen.IsStopped() {
		t.Fatalf("expected generation stopped")
	}
}

func TestLockWaitsForQueueCommittedVersionBeforeReplying(t *testing.T) {
	grp, gen := newLockTestGroup(t)
	gen.Version.Set(3)
	// queue_committed_version lags behind version: Lock must block until it catches up.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan lockResult, 1)
	go func() {
		reply, err := Lock(ctx, []*Group{grp})
		done <- lockResult{reply: reply, err: err}
	}()

	select {
	case <-done:
		t.Fatalf("Lock returned before queue_committed_version reached stop_version")
	case <-time.After(30 * time.Millisecond):
	}

	gen.QueueCommittedVersion.Set(3)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Lock: %v", res.err)
		}
		if res.reply.Groups[0].EndVersion != 3 {
			t.Fatalf("expected end_version 3, got %d", res.reply.Groups[0].EndVersion)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Lock did not unblock after queue_committed_version advanced")
	}
}

type lockResult struct {
	reply wire.LockReply
	err   error
}
