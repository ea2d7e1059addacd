package dq

import (
	"context"
	"io"
	"sync"

	"github.com/sharedcode/tlog/internal/wire"
)

// SimQueue is an in-memory Queue used by unit tests in place of a real file, mirroring the
// production FileQueue's framing and location semantics without touching disk.
type SimQueue struct {
	mu       sync.Mutex
	buf      []byte
	nextRead int64
}

// NewSim returns an empty in-memory queue.
func NewSim() *SimQueue {
	return &SimQueue{}
}

func (q *SimQueue) Push(ctx context.Context, payload []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	frame := wire.EncodeDQRecord(payload)
	q.buf = append(q.buf, frame...)
	return int64(len(q.buf)), nil
}

func (q *SimQueue) Commit(ctx context.Context) error { return nil }

func (q *SimQueue) ReadNext(ctx context.Context) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r := &sliceReader{buf: q.buf, off: &q.nextRead}
	return wire.DecodeDQRecord(r)
}

func (q *SimQueue) Pop(ctx context.Context, location int64) error { return nil }

func (q *SimQueue) InitializeRecovery(ctx context.Context, minLocation int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextRead = minLocation
	return q.nextRead >= int64(len(q.buf)), nil
}

func (q *SimQueue) GetNextReadLocation() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextRead
}

func (q *SimQueue) GetNextPushLocation() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.buf))
}

func (q *SimQueue) Close() error { return nil }

func (q *SimQueue) ReadAt(begin int64, length uint32) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]byte(nil), q.buf[begin:begin+int64(length)]...), nil
}

type sliceReader struct {
	buf []byte
	off *int64
}

func (r *sliceReader) Read(p []byte) (int, error) {
	if *r.off >= int64(len(r.buf)) {
		return 0, io.EOF
	}
	n := copy(p, r.buf[*r.off:])
	*r.off += int64(n)
	if n < len(p) {
		return n, io.ErrUnexpectedEOF
	}
	return n, nil
}
