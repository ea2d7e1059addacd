// Package queuecommitter implements the Queue Committer (C7): a background loop that fsyncs
// the Durable Queue and publishes the durable version, one loop per group (spec §4.6).
package queuecommitter

import (
	"context"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/lifecycle"
)

// Committer drives the queue-commit loop for one group.
type Committer struct {
	group *lifecycle.Group
	cfg   tlog.Config

	accumulatedBytes int64
}

// New returns a Committer for group. cfg is stored, but no committer code reads
// MaxQueueCommitBytes: there is no byte-based early fsync.
func New(group *lifecycle.Group, cfg tlog.Config) *Committer {
	return &Committer{group: group, cfg: cfg}
}

// Run drives the loop until ctx is done. It is meant to be launched once per group as a
// long-lived background task (spec §5 "Scheduling model": one task per component, never an
// OS thread per request).
func (c *Committer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		gen := c.group.ActiveGeneration()
		if gen == nil {
			// Nothing active to drive; a stopped generation's in-flight commit (if any) is
			// still serviced by whichever RunOnce call observed it before it stopped. Idle
			// briefly and re-check.
			tlog.Sleep(ctx, tlog.BackpressurePollInterval)
			continue
		}
		if err := c.RunOnce(ctx, gen); err != nil {
			return err
		}
	}
}

// RunOnce executes one iteration of spec §4.6 against gen: wait for version to advance past
// what is committing or committed, snapshot the version, fsync, publish. Accumulated queue
// bytes are not tracked, so only a version advance starts a commit.
func (c *Committer) RunOnce(ctx context.Context, gen *lifecycle.Generation) error {
	committing := gen.QueueCommittingVersion()
	committed := gen.QueueCommittedVersion.Get()
	threshold := committing
	if committed > threshold {
		threshold = committed
	}

	ver, err := gen.Version.Wait(ctx, threshold+1)
	if err != nil {
		if gen.IsStopped() {
			// Step 5: finish the in-flight commit, then emit the final watermark so no
			// waiter is stranded, even though the version notifier itself returned an error.
			return c.finalizeStopped(ctx, gen)
		}
		return err
	}

	gen.SetQueueCommittingVersion(ver)
	if err := gen.Group.DQ.Commit(ctx); err != nil {
		return err
	}
	gen.QueueCommittedVersion.Set(ver)

	if gen.IsStopped() && ver >= gen.StopVersion() {
		return c.finalizeStopped(ctx, gen)
	}
	return nil
}

// finalizeStopped ensures queue_committed_version reaches version.get() once a stopped
// generation's in-flight commit has drained, per spec §4.6 step 5.
func (c *Committer) finalizeStopped(ctx context.Context, gen *lifecycle.Generation) error {
	final := gen.Version.Get()
	if gen.QueueCommittedVersion.Get() >= final {
		return nil
	}
	if err := gen.Group.DQ.Commit(ctx); err != nil {
		return err
	}
	gen.QueueCommittedVersion.Set(final)
	return nil
}
