package ps

import (
	"context"
	"sort"
	"sync"
)

// SimStore is an in-memory Store used by unit tests in place of a real backend.
type SimStore struct {
	mu      sync.RWMutex
	data    map[string][]byte
	pending map[string][]byte
}

// NewSim returns an empty in-memory store.
func NewSim() *SimStore {
	return &SimStore{data: make(map[string][]byte), pending: make(map[string][]byte)}
}

func (s *SimStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[string(FormatKey())]; !ok {
		s.data[string(FormatKey())] = []byte(FormatValue)
	}
	return nil
}

func (s *SimStore) Set(ctx context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[string(key)] = append([]byte(nil), value...)
	return nil
}

func (s *SimStore) Clear(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[string(key)] = nil
	return nil
}

func (s *SimStore) ClearRange(ctx context.Context, begin, end []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.data {
		if inRange([]byte(k), begin, end) {
			s.pending[k] = nil
		}
	}
	return nil
}

func (s *SimStore) ReadValue(ctx context.Context, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *SimStore) ReadRange(ctx context.Context, begin, end []byte, limit int, byteLimit int64) ([]KV, error) {
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

func (s *SimStore) Commit(ctx context.Context) error {
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
	return nil
}

func (s *SimStore) Close() error { return nil }

func (s *SimStore) Dispose(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	return nil
}

func (s *SimStore) GetStorageBytes(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for k, v := range s.data {
		n += int64(len(k) + len(v))
	}
	return n, nil
}
