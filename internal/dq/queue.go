// Package dq implements the Durable Queue (C1): an append-only byte log with crash-safe
// framing, sequential read for recovery, push, and pop-by-location. The wire framing matches
// internal/wire.EncodeDQRecord so the format stays bit-exact across restarts.
package dq

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"sync"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/wire"
)

// Queue is the interface consumed by every component that appends to or reads from the
// durable queue (commit path, queue committer, spiller, peek service, recovery replay).
type Queue interface {
	// Push frames payload and appends it, returning the location of the frame's end (the
	// next push's start location).
	Push(ctx context.Context, payload []byte) (int64, error)
	// Commit fsyncs every push issued so far; a prefix of bytes is durable on return.
	Commit(ctx context.Context) error
	// ReadNext sequentially reads and decodes the next frame starting at the current read
	// cursor. It is used only during recovery replay.
	ReadNext(ctx context.Context) ([]byte, error)
	// Pop releases storage strictly before location. Implementations may defer actual
	// reclamation (e.g. ftruncate/hole-punch) to a maintenance pass.
	Pop(ctx context.Context, location int64) error
	// InitializeRecovery seeks the read cursor to minLocation and reports whether there is
	// nothing to replay (an empty or already-consumed queue).
	InitializeRecovery(ctx context.Context, minLocation int64) (nothingToReplay bool, err error)
	GetNextReadLocation() int64
	GetNextPushLocation() int64
	Close() error
}

// FileQueue is a single-file append-only implementation of Queue. Pushes are buffered and
// fsynced in Commit, matching the teacher's file-writer-plus-replicator pattern: a writer
// owns its own offset bookkeeping and never reopens the file mid-stream.
type FileQueue struct {
	mu           sync.Mutex
	path         string
	f            *os.File
	nextPush     int64
	nextRead     int64
	readF        *os.File
	pendingZero  int64 // bytes of a torn tail to zero-fill before the next push
}

// Open opens or creates the queue file at path.
func Open(path string) (*FileQueue, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, tlog.NewError(tlog.FileIOError, path, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, tlog.NewError(tlog.FileIOError, path, err)
	}
	rf, err := os.Open(path)
	if err != nil {
		f.Close()
		return nil, tlog.NewError(tlog.FileIOError, path, err)
	}
	return &FileQueue{
		path:     path,
		f:        f,
		nextPush: fi.Size(),
		nextRead: 0,
		readF:    rf,
	}, nil
}

func (q *FileQueue) Push(ctx context.Context, payload []byte) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pendingZero > 0 {
		if err := q.zeroFillLocked(); err != nil {
			return 0, err
		}
	}

	frame := wire.EncodeDQRecord(payload)
	var werr error
	retryErr := tlog.Retry(ctx, func(ctx context.Context) error {
		if _, err := q.f.WriteAt(frame, q.nextPush); err != nil {
			werr = err
			return err
		}
		werr = nil
		return nil
	}, func(ctx context.Context) {
		log.Error(fmt.Sprintf("dq: push to %s failed after retries: %v", q.path, werr))
	})
	if retryErr != nil {
		return 0, tlog.NewError(q.ioErrorCode(retryErr), q.path, retryErr)
	}
	q.nextPush += int64(len(frame))
	return q.nextPush, nil
}

// zeroFillLocked overwrites a torn tail left by a crash mid-write so the next reader sees a
// clean frame boundary at the next push location. Caller must hold q.mu.
func (q *FileQueue) zeroFillLocked() error {
	zeros := make([]byte, q.pendingZero)
	if _, err := q.f.WriteAt(zeros, q.nextPush); err != nil {
		return tlog.NewError(q.ioErrorCode(err), q.path, err)
	}
	q.pendingZero = 0
	return nil
}

func (q *FileQueue) Commit(ctx context.Context) error {
	q.mu.Lock()
	f := q.f
	q.mu.Unlock()
	var serr error
	retryErr := tlog.Retry(ctx, func(ctx context.Context) error {
		serr = f.Sync()
		return serr
	}, func(ctx context.Context) {
		log.Error(fmt.Sprintf("dq: fsync of %s failed after retries: %v", q.path, serr))
	})
	if retryErr != nil {
		return tlog.NewError(q.ioErrorCode(retryErr), q.path, retryErr)
	}
	return nil
}

// ioErrorCode classifies a final (post-retry) I/O failure per spec §C "Failover": errors that
// indicate the active drive itself is unhealthy are FailoverQualifiedError, so a supervising
// process can decide to redirect this queue to its passive mount; anything else is a plain
// FileIOError. Grounded on the root package's failover.go (IsFailoverQualifiedIOError), which
// this is the first real caller of.
func (q *FileQueue) ioErrorCode(err error) tlog.ErrorCode {
	if tlog.IsFailoverQualifiedIOError(err) {
		return tlog.FailoverQualifiedError
	}
	return tlog.FileIOError
}

func (q *FileQueue) ReadNext(ctx context.Context) ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	payload, err := wire.DecodeDQRecord(&offsetReader{f: q.readF, off: &q.nextRead})
	if err != nil {
		if errors.Is(err, wire.ErrTruncatedRecord) || errors.Is(err, wire.ErrInvalidRecord) {
			// Torn tail: remember how much to zero-fill once we resume pushing here.
			q.pendingZero = q.nextPush - q.nextRead
			q.nextRead = q.nextPush
			return nil, err
		}
		return nil, tlog.NewError(tlog.FileIOError, q.path, err)
	}
	return payload, nil
}

func (q *FileQueue) Pop(ctx context.Context, location int64) error {
	// Pop ignores location: no space is reclaimed and no watermark is recorded, so the queue
	// file keeps every frame ever pushed.
	return nil
}

func (q *FileQueue) InitializeRecovery(ctx context.Context, minLocation int64) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextRead = minLocation
	if q.nextRead >= q.nextPush {
		return true, nil
	}
	return false, nil
}

func (q *FileQueue) GetNextReadLocation() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextRead
}

func (q *FileQueue) GetNextPushLocation() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextPush
}

// Path returns the queue's backing file path, used by operator tooling (the admin server's
// archive endpoint) that needs to act on the file directly rather than through the Queue
// interface.
func (q *FileQueue) Path() string {
	return q.path
}

func (q *FileQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err1 := q.f.Close()
	err2 := q.readF.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// offsetReader adapts os.File.ReadAt random access reads into an io.Reader that advances a
// caller-owned offset, so ReadNext can decode sequential recovery records with
// DecodeDQRecord. Reference-spill reads go through ReadAt below instead.
type offsetReader struct {
	f   *os.File
	off *int64
}

func (r *offsetReader) Read(p []byte) (int, error) {
	n, err := r.f.ReadAt(p, *r.off)
	*r.off += int64(n)
	return n, err
}

// ReadAt reads length bytes starting at begin, used by the peek service to fetch
// reference-spilled message bytes directly out of the queue.
func (q *FileQueue) ReadAt(begin int64, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := q.f.ReadAt(buf, begin); err != nil {
		return nil, tlog.NewError(tlog.FileIOError, q.path, err)
	}
	return buf, nil
}
