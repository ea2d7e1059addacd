package tlog

import (
	"encoding/json"
	"os"
	"time"

	"github.com/sharedcode/tlog/cache"
)

// Config holds every per-process knob named by the operational surface, plus backend
// selection. It is constructed once at process start and threaded explicitly through every
// component constructor; no component reaches for an ambient singleton.
type Config struct {
	// HardLimitBytes is the commit-path back-pressure ceiling on bytes_input - bytes_durable.
	HardLimitBytes int64
	// TargetVolatileBytes is the spiller's lazy-drain threshold for an active generation.
	TargetVolatileBytes int64
	// SpillThresholdBytes caps the row bytes the spiller moves in one Update-Persistent-Data
	// batch (at least one version is always taken).
	SpillThresholdBytes int64
	// PeekMemoryBytes bounds the global peek-memory semaphore.
	PeekMemoryBytes int64
	// MaxQueueCommitBytes is loaded and carried in Config; no component reads it, and the
	// queue committer fsyncs on version advances only.
	MaxQueueCommitBytes int64
	// UpdateStorageMinInterval is loaded and carried in Config; no component reads it, so
	// Update-Persistent-Data runs are not spaced by it.
	UpdateStorageMinInterval time.Duration
	// RecoveryMemoryLimit bounds in-memory bytes accumulated during recovery replay before
	// the spiller is invoked inline.
	RecoveryMemoryLimit int64
	// PeekTrackerExpiration is the inactivity window after which a peek sequence tracker
	// entry expires and in-flight waiters fail with TimedOut.
	PeekTrackerExpiration time.Duration
	// MaxMessageSize is loaded and carried in Config; no component reads it, so message sizes
	// are not checked against it.
	MaxMessageSize int
	// PeekWorkerCount sizes the Group Multiplexer's peek-worker pool, across which peek
	// requests are pinned by rendezvous hashing on (group_id, storage_team_id).
	PeekWorkerCount int

	RedisOptions cache.Options
	CassandraHosts []string
	S3Bucket       string
}

// DefaultConfig returns knob values sized for a single-process development/test instance.
func DefaultConfig() Config {
	return Config{
		HardLimitBytes:           1 << 30,
		TargetVolatileBytes:      512 << 20,
		SpillThresholdBytes:      64 << 20,
		PeekMemoryBytes:          256 << 20,
		MaxQueueCommitBytes:      16 << 20,
		UpdateStorageMinInterval: 10 * time.Millisecond,
		RecoveryMemoryLimit:      256 << 20,
		PeekTrackerExpiration:    2 * time.Minute,
		MaxMessageSize:           4 << 20,
		PeekWorkerCount:          8,
		RedisOptions:             cache.DefaultOptions(),
	}
}

// LoadConfig reads a JSON file and overlays it onto DefaultConfig.
func LoadConfig(filename string) (Config, error) {
	c := DefaultConfig()
	b, err := os.ReadFile(filename)
	if err != nil {
		return Config{}, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	return c, nil
}
