// Package ps implements the Persistent Store (C2): a sorted byte->byte key/value store
// holding spilled mutations, popped watermarks, and generation metadata. Three backends are
// provided, and cmd/tlogd selects one of them per process: an embedded filesystem store, a
// Cassandra-backed store, and an S3-backed store.
package ps

import "context"

// KV is a single sorted-store row.
type KV struct {
	Key   []byte
	Value []byte
}

// Store is the interface every Persistent Store backend implements.
type Store interface {
	Init(ctx context.Context) error
	Set(ctx context.Context, key, value []byte) error
	Clear(ctx context.Context, key []byte) error
	// ClearRange clears every key in [begin, end).
	ClearRange(ctx context.Context, begin, end []byte) error
	ReadValue(ctx context.Context, key []byte) ([]byte, bool, error)
	// ReadRange returns up to limit rows (or byteLimit bytes, whichever is hit first)
	// starting at begin, ordered by key.
	ReadRange(ctx context.Context, begin, end []byte, limit int, byteLimit int64) ([]KV, error)
	// Commit durably applies every Set/Clear issued since the last Commit (or Init) as one
	// atomic batch.
	Commit(ctx context.Context) error
	Close() error
	Dispose(ctx context.Context) error
	GetStorageBytes(ctx context.Context) (int64, error)
}
