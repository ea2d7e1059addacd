package ps

import (
	"bytes"
	"context"
	"encoding/gob"
	"os"
	"sort"
	"sync"

	"github.com/sharedcode/tlog"
)

// FSStore is a filesystem-backed Store (the hot tier): an in-memory sorted map snapshotted
// to a single file on Commit, grounded on the teacher's fs package pattern of a writer owning
// its own file and flushing full state atomically (write-to-temp, rename) rather than
// maintaining a WAL of its own — the Durable Queue already is the WAL for everything the
// TLog writes here.
type FSStore struct {
	mu      sync.RWMutex
	path    string
	data    map[string][]byte
	pending map[string][]byte // nil value marks a pending Clear
}

// OpenFS opens or creates an FSStore snapshot file at path.
func OpenFS(path string) (*FSStore, error) {
	s := &FSStore{path: path, data: make(map[string][]byte), pending: make(map[string][]byte)}
	if err := s.load(); err != nil {
		return nil, tlog.NewError(tlog.FileIOError, path, err)
	}
	return s, nil
}

func (s *FSStore) load() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(b) == 0 {
		return nil
	}
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(&s.data)
}

func (s *FSStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[string(FormatKey())]; !ok {
		s.data[string(FormatKey())] = []byte(FormatValue)
	}
	return nil
}

func (s *FSStore) Set(ctx context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]byte(nil), value...)
	s.pending[string(key)] = cp
	return nil
}

func (s *FSStore) Clear(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[string(key)] = nil
	return nil
}

func (s *FSStore) ClearRange(ctx context.Context, begin, end []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if inRange([]byte(k), begin, end) {
			s.pending[k] = nil
		}
	}
	return nil
}

func inRange(k, begin, end []byte) bool {
	if bytes.Compare(k, begin) < 0 {
		return false
	}
	if end != nil && bytes.Compare(k, end) >= 0 {
		return false
	}
	return true
}

func (s *FSStore) ReadValue(ctx context.Context, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *FSStore) ReadRange(ctx context.Context, begin, end []byte, limit int, byteLimit int64) ([]KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		if inRange([]byte(k), begin, end) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []KV
	var bytesSeen int64
	for _, k := range keys {
		if limit > 0 && len(out) >= limit {
			break
		}
		v := s.data[k]
		if byteLimit > 0 && bytesSeen+int64(len(v)) > byteLimit && len(out) > 0 {
			break
		}
		out = append(out, KV{Key: []byte(k), Value: append([]byte(nil), v...)})
		bytesSeen += int64(len(v))
	}
	return out, nil
}

// Commit applies every pending Set/Clear as one atomic batch, then fsyncs a full snapshot to
// disk via write-temp-then-rename (spec §4.2 "Write ordering": version/<gen> lands in the
// same commit as the rows that established it).
func (s *FSStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, v := range s.pending {
		if v == nil {
			delete(s.data, k)
			continue
		}
		s.data[k] = v
	}
	s.pending = make(map[string][]byte)

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.data); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return tlog.NewError(tlog.FileIOError, s.path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return tlog.NewError(tlog.FileIOError, s.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return tlog.NewError(tlog.FileIOError, s.path, err)
	}
	if err := f.Close(); err != nil {
		return tlog.NewError(tlog.FileIOError, s.path, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return tlog.NewError(tlog.FileIOError, s.path, err)
	}
	return nil
}

func (s *FSStore) Close() error { return nil }

func (s *FSStore) Dispose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return os.Remove(s.path)
}

func (s *FSStore) GetStorageBytes(ctx context.Context) (int64, error) {
	fi, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return fi.Size(), nil
}
