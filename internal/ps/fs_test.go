package ps

import (
	"context"
	"path/filepath"
	"testing"
)

func TestFSStoreSetCommitReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ps.snapshot")

	s, err := OpenFS(path)
	if err != nil {
		t.Fatalf("OpenFS: %v", err)
	}
	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Set(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, []byte("b"), []byte("2")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	v, ok, err := s.ReadValue(ctx, []byte("a"))
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("ReadValue(a) = %q, %v, %v", v, ok, err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen and verify the snapshot survives.
	s2, err := OpenFS(path)
	if err != nil {
		t.Fatalf("reopen OpenFS: %v", err)
	}
	v2, ok, err := s2.ReadValue(ctx, []byte("b"))
	if err != nil || !ok || string(v2) != "2" {
		t.Fatalf("reopened ReadValue(b) = %q, %v, %v", v2, ok, err)
	}
}

func TestFSStoreReadRangeSortedAndLimited(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ps.snapshot")
	s, err := OpenFS(path)
	if err != nil {
		t.Fatalf("OpenFS: %v", err)
	}
	ctx := context.Background()
	keys := []string{"k/1", "k/2", "k/3", "k/4"}
	for _, k := range keys {
		if err := s.Set(ctx, []byte(k), []byte("v")); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	out, err := s.ReadRange(ctx, []byte("k/"), []byte("k0"), 0, 0)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	if len(out) != 4 {
		t.Fatalf("expected 4 rows, got %d", len(out))
	}
	for i, kv := range out {
		if string(kv.Key) != keys[i] {
			t.Fatalf("row %d: expected key %q, got %q", i, keys[i], kv.Key)
		}
	}

	limited, err := s.ReadRange(ctx, []byte("k/"), []byte("k0"), 2, 0)
	if err != nil {
		t.Fatalf("ReadRange limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 rows with limit, got %d", len(limited))
	}
}

func TestFSStoreClearRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ps.snapshot")
	s, err := OpenFS(path)
	if err != nil {
		t.Fatalf("OpenFS: %v", err)
	}
	ctx := context.Background()
	for _, k := range []string{"t/1", "t/2", "u/1"} {
		if err := s.Set(ctx, []byte(k), []byte("v")); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.ClearRange(ctx, []byte("t/"), []byte("t0")); err != nil {
		t.Fatalf("ClearRange: %v", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if _, ok, _ := s.ReadValue(ctx, []byte("t/1")); ok {
		t.Fatalf("t/1 should have been cleared")
	}
	if _, ok, _ := s.ReadValue(ctx, []byte("u/1")); !ok {
		t.Fatalf("u/1 should survive the clear range")
	}
}

func TestFSStoreDispose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ps.snapshot")
	s, err := OpenFS(path)
	if err != nil {
		t.Fatalf("OpenFS: %v", err)
	}
	ctx := context.Background()
	if err := s.Set(ctx, []byte("a"), []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Dispose(ctx); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if _, ok, _ := s.ReadValue(ctx, []byte("a")); ok {
		t.Fatalf("expected no data after Dispose")
	}
}

func TestSimStoreMatchesFSStoreBehavior(t *testing.T) {
	ctx := context.Background()
	s := NewSim()
	if err := s.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := s.Set(ctx, []byte("x"), []byte("y")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := s.ReadValue(ctx, []byte("x")); ok {
		t.Fatalf("uncommitted write should not be visible")
	}
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	v, ok, err := s.ReadValue(ctx, []byte("x"))
	if err != nil || !ok || string(v) != "y" {
		t.Fatalf("ReadValue(x) = %q, %v, %v", v, ok, err)
	}
}
