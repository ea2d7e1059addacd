package commit

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

func newTestGen(t *testing.T, cfg tlog.Config) (*lifecycle.Generation, context.Context) {
	t.Helper()
	groupID := tlog.NewUUID()
	genID := tlog.NewUUID()
	grp := lifecycle.NewGroup(groupID, ps.NewSim(), dq.NewSim(), cfg)
	gen := lifecycle.NewGeneration(groupID, genID, 0, 1, tlog.SpillByValue, tlog.LocalityStorageServer, grp)
	grp.AddGeneration(gen)
	gen.AddTeam(testTeam, []tlog.Tag{{Locality: tlog.LocalityStorageServer, ID: 1}})
	gen.MarkRecoveryComplete()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	committer := queuecommitter.New(grp, cfg)
	go committer.Run(ctx)

	return gen, ctx
}

func commitReq(gen *lifecycle.Generation, prev, version tlog.Version, payload []byte) wire.CommitRequest {
	return wire.CommitRequest{
		GroupID:     gen.Group.GroupID,
		PrevVersion: prev,
		Version:     version,
		Teams:       []tlog.TeamMessages{{TeamID: testTeam, Bytes: payload}},
	}
}

func TestHandleFreshCommitAdvancesVersionAndIndex(t *testing.T) {
	gen, ctx := newTestGen(t, tlog.DefaultConfig())
	p := New(tlog.DefaultConfig())

	if _, err := p.Handle(ctx, gen, commitReq(gen, 0, 1, []byte{1, 2, 3})); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if gen.Version.Get() != 1 {
		t.Fatalf("expected version 1, got %d", gen.Version.Get())
	}
	if gen.BytesInput() == 0 {
		t.Fatalf("expected bytes_input to advance")
	}
}

// TestHandleDedupesRetriedCommit covers spec §4.5 step 1 / §8 "Idempotent commit": a proxy
// that retries a commit whose prev_version has already been superseded must get back the
// current known-committed-version without the commit path re-applying any state.
func TestHandleDedupesRetriedCommit(t *testing.T) {
	gen, ctx := newTestGen(t, tlog.DefaultConfig())
	p := New(tlog.DefaultConfig())

	if _, err := p.Handle(ctx, gen, commitReq(gen, 0, 1, []byte{1, 2, 3})); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	bytesBefore := gen.BytesInput()
	versionBefore := gen.Version.Get()

	// Re-submit the exact same request: prev_version(0) is now behind the generation's
	// current version(1), so this must be recognized as a retry and short-circuited.
	reply, err := p.Handle(ctx, gen, commitReq(gen, 0, 1, []byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("retried Handle: %v", err)
	}
	if reply.DurableKnownCommittedVersion != gen.KnownCommittedVersion() {
		t.Fatalf("expected retry reply to report the current known-committed version")
	}
	if gen.BytesInput() != bytesBefore {
		t.Fatalf("expected retried commit not to re-append bytes: before=%d after=%d", bytesBefore, gen.BytesInput())
	}
	if gen.Version.Get() != versionBefore {
		t.Fatalf("expected retried commit not to move the version watermark")
	}
}

// TestHandleRejectsCommitToStoppedGeneration covers spec §4.5 step 3: a stopped generation
// refuses new commits rather than silently accepting and losing them.
func TestHandleRejectsCommitToStoppedGeneration(t *testing.T) {
	gen, ctx := newTestGen(t, tlog.DefaultConfig())
	gen.Stop()

	p := New(tlog.DefaultConfig())
	_, err := p.Handle(ctx, gen, commitReq(gen, 0, 1, []byte{1, 2, 3}))
	if err == nil {
		t.Fatalf("expected an error committing to a stopped generation")
	}
	tlogErr, ok := err.(tlog.Error)
	if !ok || tlogErr.Code != tlog.TlogStopped {
		t.Fatalf("expected tlog.TlogStopped, got %v", err)
	}
}

// TestHandleYieldsToBackpressureUntilBytesDrain covers spec §4.5 step 2: a commit that would
// push bytes_input - bytes_durable past the hard limit blocks until the spiller (simulated
// here by directly advancing bytes_durable) drains enough to clear the limit.
func TestHandleYieldsToBackpressureUntilBytesDrain(t *testing.T) {
	cfg := tlog.DefaultConfig()
	cfg.HardLimitBytes = 1
	gen, ctx := newTestGen(t, cfg)
	p := New(cfg)

	gen.AddBytesInput(cfg.HardLimitBytes)

	done := make(chan error, 1)
	go func() {
		_, err := p.Handle(ctx, gen, commitReq(gen, 0, 1, []byte{1}))
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("expected Handle to block on back-pressure, returned early with err=%v", err)
	case <-time.After(30 * time.Millisecond):
	}

	gen.AddBytesDurable(cfg.HardLimitBytes)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Handle after backpressure drained: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Handle never unblocked after bytes_durable caught up")
	}
}
