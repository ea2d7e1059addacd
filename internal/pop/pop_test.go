package pop

import (
	"context"
	"testing"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/dq"
	"github.com/sharedcode/tlog/internal/lifecycle"
	"github.com/sharedcode/tlog/internal/ps"
	"github.com/sharedcode/tlog/internal/wire"
)

const testTeam tlog.StorageTeamID = 7

func newTestGen(t *testing.T) *lifecycle.Generation {
	t.Helper()
	cfg := tlog.DefaultConfig()
	grp := lifecycle.NewGroup(tlog.NewUUID(), ps.NewSim(), dq.NewSim(), cfg)
	gen := lifecycle.NewGeneration(grp.GroupID, tlog.NewUUID(), 0, 1, tlog.SpillByValue, tlog.LocalityStorageServer, grp)
	grp.AddGeneration(gen)
	tb := gen.GetOrCreateTeam(testTeam, []tlog.Tag{{Locality: tlog.LocalityStorageServer, ID: 42}})
	for v := tlog.Version(1); v <= 5; v++ {
		tb.Append(v, []byte{byte(v)}, nil)
	}
	gen.Version.Set(5)
	gen.AddBytesInput(5)
	return gen
}

func TestPopAdvancesWatermarkAndErasesUnspilledRows(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t)
	svc := New()

	reply, err := svc.Handle(ctx, gen, wire.PopRequest{TeamID: testTeam, ToVersion: 3})
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if !reply.Acked {
		t.Fatalf("expected ack")
	}

	tb, _ := gen.GetTeam(testTeam)
	if tb.GetPopped() != 3 {
		t.Fatalf("expected popped=3, got %d", tb.GetPopped())
	}
	if tb.Len() != 2 {
		t.Fatalf("expected 2 rows remaining (v4,v5), got %d", tb.Len())
	}
	if first, _ := tb.FirstVersion(); first != 4 {
		t.Fatalf("expected first remaining version 4, got %d", first)
	}
}

func TestPopIsIdempotent(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t)
	svc := New()

	if _, err := svc.Handle(ctx, gen, wire.PopRequest{TeamID: testTeam, ToVersion: 3}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := svc.Handle(ctx, gen, wire.PopRequest{TeamID: testTeam, ToVersion: 2}); err != nil {
		t.Fatalf("Handle (stale): %v", err)
	}
	tb, _ := gen.GetTeam(testTeam)
	if tb.GetPopped() != 3 {
		t.Fatalf("expected popped to stay at 3 after a stale request, got %d", tb.GetPopped())
	}
}

func TestPopIgnoreWindowRecordsWithoutApplying(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t)
	svc := New()
	svc.SetIgnorePop(true)

	if _, err := svc.Handle(ctx, gen, wire.PopRequest{TeamID: testTeam, ToVersion: 4}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	tb, _ := gen.GetTeam(testTeam)
	if tb.GetPopped() != 0 {
		t.Fatalf("expected no watermark advance while pop-ignore is set, got %d", tb.GetPopped())
	}
	if tb.Len() != 5 {
		t.Fatalf("expected all rows retained while pop-ignore is set, got %d", tb.Len())
	}
}

func TestPopByTagAppliesToEveryMatchingTeam(t *testing.T) {
	ctx := context.Background()
	gen := newTestGen(t)
	svc := New()

	tag := tlog.Tag{Locality: tlog.LocalityStorageServer, ID: 42}
	if _, err := svc.Handle(ctx, gen, wire.PopRequest{Tag: tag, HasTag: true, ToVersion: 5}); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	tb, _ := gen.GetTeam(testTeam)
	if tb.GetPopped() != 5 {
		t.Fatalf("expected popped=5 via tag routing, got %d", tb.GetPopped())
	}
}
