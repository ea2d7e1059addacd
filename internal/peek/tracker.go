package peek

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/cache"
)

// Tracker remembers, for a (peek_id, sequence_number) pair, the begin_version the next call
// in that sequence should resume from, so a consumer that passes sequence N+1 always starts
// exactly where sequence N's reply ended (spec §4.8 "Sequence tracking"). Entries expire
// after an inactivity window; an expired lookup fails so the caller restarts with a fresh
// sequence.
type Tracker interface {
	Record(ctx context.Context, peekID tlog.UUID, sequence int64, nextBegin tlog.Version) error
	Lookup(ctx context.Context, peekID tlog.UUID, sequence int64) (tlog.Version, bool, error)
}

// RedisTracker backs the sequence tracker with the shared Redis connection (spec §4.8,
// SPEC_FULL.md domain stack): entries expire on their own via Redis TTL, matching "Tracker
// entries expire after an inactivity interval" without any separate sweep.
type RedisTracker struct {
	conn *cache.Connection
	ttl  time.Duration
}

// NewRedisTracker returns a Tracker backed by conn with entries expiring after ttl.
func NewRedisTracker(conn *cache.Connection, ttl time.Duration) *RedisTracker {
	return &RedisTracker{conn: conn, ttl: ttl}
}

func trackerKey(peekID tlog.UUID, sequence int64) string {
	return fmt.Sprintf("peekseq/%s/%d", peekID.String(), sequence)
}

func (t *RedisTracker) Record(ctx context.Context, peekID tlog.UUID, sequence int64, nextBegin tlog.Version) error {
	return t.conn.Set(ctx, trackerKey(peekID, sequence), fmt.Sprint(int64(nextBegin)), t.ttl)
}

func (t *RedisTracker) Lookup(ctx context.Context, peekID tlog.UUID, sequence int64) (tlog.Version, bool, error) {
	s, err := t.conn.Get(ctx, trackerKey(peekID, sequence))
	if err != nil {
		if cache.IsNil(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	var v int64
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, false, err
	}
	return tlog.Version(v), true, nil
}

// MemTracker is an in-process Tracker used by tests and single-process deployments without
// Redis configured. It mirrors RedisTracker's expiry semantics with a plain map.
type MemTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memEntry
}

type memEntry struct {
	begin   tlog.Version
	expires time.Time
}

// NewMemTracker returns an empty in-process Tracker with entries expiring after ttl.
func NewMemTracker(ttl time.Duration) *MemTracker {
	return &MemTracker{ttl: ttl, entries: make(map[string]memEntry)}
}

func (t *MemTracker) Record(ctx context.Context, peekID tlog.UUID, sequence int64, nextBegin tlog.Version) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[trackerKey(peekID, sequence)] = memEntry{begin: nextBegin, expires: tlog.Now().Add(t.ttl)}
	return nil
}

func (t *MemTracker) Lookup(ctx context.Context, peekID tlog.UUID, sequence int64) (tlog.Version, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[trackerKey(peekID, sequence)]
	if !ok || tlog.Now().After(e.expires) {
		delete(t.entries, trackerKey(peekID, sequence))
		return 0, false, nil
	}
	return e.begin, true, nil
}
