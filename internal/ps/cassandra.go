package ps

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/gocql/gocql"

	"github.com/sharedcode/tlog"
)

// CassandraKeyspace is the keyspace used for the cold-tier Persistent Store table, grounded on
// the teacher's store/cassandra connection package.
var CassandraKeyspace = "tlog"

// cassandraConnection is the singleton cluster session, mirroring the teacher's
// store/cassandra/connection.go GetConnection pattern: one session per process, created lazily
// and reused by every CassandraStore.
type cassandraConnection struct {
	session *gocql.Session
	hosts   []string
}

var (
	conn    *cassandraConnection
	connMu  sync.Mutex
)

func getCassandraConnection(hosts []string) (*cassandraConnection, error) {
	connMu.Lock()
	defer connMu.Unlock()
	if conn != nil {
		return conn, nil
	}
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = CassandraKeyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, tlog.NewError(tlog.FailoverQualifiedError, hosts, err)
	}
	conn = &cassandraConnection{session: session, hosts: hosts}
	return conn, nil
}

// CassandraStore is a Cassandra-backed Store (spec SPEC_FULL.md §B "Cold Persistent Store
// tier"), keyed by the same sorted byte key space as FSStore. cmd/tlogd selects one backend per
// process; no code moves rows between backends.
type CassandraStore struct {
	session *gocql.Session
	table   string

	mu      sync.Mutex
	pending map[string][]byte // nil marks a pending Clear
}

// OpenCassandra connects (or reuses the singleton connection) to hosts and returns a Store
// backed by table, creating it if it does not already exist.
func OpenCassandra(ctx context.Context, hosts []string, table string) (*CassandraStore, error) {
	c, err := getCassandraConnection(hosts)
	if err != nil {
		return nil, err
	}
	s := &CassandraStore{session: c.session, table: table, pending: make(map[string][]byte)}
	if err := s.session.Query(
		"CREATE TABLE IF NOT EXISTS " + table + " (key blob PRIMARY KEY, value blob)",
	).WithContext(ctx).Exec(); err != nil {
		return nil, tlog.NewError(tlog.FileIOError, table, err)
	}
	return s, nil
}

func (s *CassandraStore) Init(ctx context.Context) error {
	return s.Set(ctx, FormatKey(), []byte(FormatValue))
}

func (s *CassandraStore) Set(ctx context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *CassandraStore) Clear(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[string(key)] = nil
	return nil
}

func (s *CassandraStore) ClearRange(ctx context.Context, begin, end []byte) error {
	rows, err := s.ReadRange(ctx, begin, end, 0, 0)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, kv := range rows {
		s.pending[string(kv.Key)] = nil
	}
	return nil
}

func (s *CassandraStore) ReadValue(ctx context.Context, key []byte) ([]byte, bool, error) {
	var value []byte
	err := s.session.Query("SELECT value FROM "+s.table+" WHERE key = ?", key).
		WithContext(ctx).Scan(&value)
	if err == gocql.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, tlog.NewError(tlog.FileIOError, s.table, err)
	}
	return value, true, nil
}

// ReadRange does a full-table scan filtered and sorted in-process: gocql has no native range
// scan over an opaque byte key without a clustering column ordered the same way, so this
// mirrors FSStore's in-memory filter-then-sort rather than pushing the range down to CQL.
func (s *CassandraStore) ReadRange(ctx context.Context, begin, end []byte, limit int, byteLimit int64) ([]KV, error) {
	iter := s.session.Query("SELECT key, value FROM " + s.table).WithContext(ctx).Iter()
	var rows []KV
	var key, value []byte
	for iter.Scan(&key, &value) {
		if inRange(key, begin, end) {
			rows = append(rows, KV{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)})
		}
		key, value = nil, nil
	}
	if err := iter.Close(); err != nil {
		return nil, tlog.NewError(tlog.FileIOError, s.table, err)
	}
	sort.Slice(rows, func(i, j int) bool { return bytes.Compare(rows[i].Key, rows[j].Key) < 0 })

	var bytesSeen int64
	out := rows[:0]
	for _, kv := range rows {
		if limit > 0 && len(out) >= limit {
			break
		}
		if byteLimit > 0 && bytesSeen+int64(len(kv.Value)) > byteLimit && len(out) > 0 {
			break
		}
		out = append(out, kv)
		bytesSeen += int64(len(kv.Value))
	}
	return out, nil
}

// Commit applies every pending Set/Clear as a logged batch, using tlog.KeyValuePair to carry
// each row's key alongside its pending value (or its absence, for a pending Clear) through to
// the batch builder.
func (s *CassandraStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string][]byte)
	s.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	rows := make([]tlog.KeyValuePair[string, []byte], 0, len(pending))
	for k, v := range pending {
		rows = append(rows, tlog.KeyValuePair[string, []byte]{Key: k, Value: v})
	}

	batch := s.session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
	for _, row := range rows {
		if row.Value == nil {
			batch.Query("DELETE FROM "+s.table+" WHERE key = ?", []byte(row.Key))
			continue
		}
		batch.Query("INSERT INTO "+s.table+" (key, value) VALUES (?, ?)", []byte(row.Key), row.Value)
	}
	if err := s.session.ExecuteBatch(batch); err != nil {
		return tlog.NewError(tlog.FailoverQualifiedError, s.table, err)
	}
	return nil
}

func (s *CassandraStore) Close() error { return nil }

func (s *CassandraStore) Dispose(ctx context.Context) error {
	return s.session.Query("TRUNCATE " + s.table).WithContext(ctx).Exec()
}

func (s *CassandraStore) GetStorageBytes(ctx context.Context) (int64, error) {
	rows, err := s.ReadRange(ctx, nil, nil, 0, 0)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, kv := range rows {
		total += int64(len(kv.Key) + len(kv.Value))
	}
	return total, nil
}
