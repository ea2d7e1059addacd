package lifecycle

import (
	"context"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/wire"
)

// Lock implements the Lock/Stop protocol (C11, spec §4.10): a recovery controller sends one
// LockRequest to displace every generation this process currently hosts. Groups are locked one
// after another, in the order given; the first error ends the call.
func Lock(ctx context.Context, groups []*Group) (wire.LockReply, error) {
	results := make([]wire.GroupLockResult, len(groups))
	for i, grp := range groups {
		result, err := lockGroup(ctx, grp)
		if err != nil {
			return wire.LockReply{}, err
		}
		results[i] = result
	}
	return wire.LockReply{Groups: results}, nil
}

// lockGroup stops every active generation of grp, waits for the latest generation's
// queue_committed_version to reach its stop version, and reports that generation, the one a
// recovery controller should resume from:
// the most recently added one, whether or not it was already stopped before this call.
func lockGroup(ctx context.Context, grp *Group) (wire.GroupLockResult, error) {
	grp.StopAllActive()

	gen := grp.LatestGeneration()
	if gen == nil {
		return wire.GroupLockResult{GroupID: grp.GroupID}, nil
	}

	stopVersion := gen.StopVersion()
	if _, err := gen.QueueCommittedVersion.Wait(ctx, stopVersion); err != nil {
		return wire.GroupLockResult{}, err
	}

	return wire.GroupLockResult{
		GroupID:               grp.GroupID,
		EndVersion:             stopVersion,
		KnownCommittedVersion: gen.KnownCommittedVersion(),
		Teams:                  gen.StorageTeams(),
	}, nil
}
