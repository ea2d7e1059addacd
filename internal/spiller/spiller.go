// Package spiller implements the Spiller (C8): the background loop that moves committed
// messages out of the Storage-Team Buffer into the Persistent Store, in two modes depending
// on whether the owning generation is still active or has been stopped (spec §4.7).
package spiller

import (
	"context"

	"github.com/golang/snappy"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/lifecycle"
	"github.com/sharedcode/tlog/internal/ps"
	"github.com/sharedcode/tlog/internal/wire"
)

// spillRefBatchLimit bounds how many SpilledData entries accumulate in one rolling
// spill-by-reference buffer before it is flushed to a TagMsgRef row (spec §4.7 step 2).
const spillRefBatchLimit = 512

// Spiller drives Update-Persistent-Data for every generation of one group.
type Spiller struct {
	group *lifecycle.Group
	cfg   tlog.Config
}

// New returns a Spiller for group, using cfg's drain thresholds.
func New(group *lifecycle.Group, cfg tlog.Config) *Spiller {
	return &Spiller{group: group, cfg: cfg}
}

// Run drives the spill loop until ctx is done, one iteration per candidate generation (spec
// §5: one cooperative task per component, never a thread per request).
func (s *Spiller) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		gen := s.group.OldestSpillCandidate()
		if gen == nil {
			tlog.Sleep(ctx, tlog.BackpressurePollInterval)
			continue
		}
		if gen.IsStopped() {
			if err := s.drainStopped(ctx, gen); err != nil {
				return err
			}
			continue
		}
		if err := s.drainActive(ctx, gen); err != nil {
			return err
		}
	}
}

// drainStopped aggressively drains gen — spec §4.7 "Stopped generation": repeatedly batch and
// wait for queue_committed_version, until persistent_durable_version == version, then retires
// the generation from the group's spill order.
func (s *Spiller) drainStopped(ctx context.Context, gen *lifecycle.Generation) error {
	for gen.PersistentDurableVersion() < gen.Version.Get() {
		if err := ctx.Err(); err != nil {
			return err
		}
		batchEnd := s.pickBatchEnd(gen, gen.PersistentDataVersion(), gen.Version.Get())
		if batchEnd <= gen.PersistentDataVersion() {
			break
		}
		if _, err := gen.QueueCommittedVersion.Wait(ctx, batchEnd); err != nil {
			return err
		}
		if err := s.UpdatePersistentData(ctx, gen, batchEnd); err != nil {
			return err
		}
	}
	if gen.PersistentDurableVersion() >= gen.Version.Get() {
		s.group.RemoveGeneration(gen)
		gen.MarkRemoved()
	}
	return nil
}

// drainActive lazily drains gen — spec §4.7 "Active generation": only while bytes_input -
// bytes_durable exceeds target_volatile_bytes, yielding between batches.
func (s *Spiller) drainActive(ctx context.Context, gen *lifecycle.Generation) error {
	drained := false
	for gen.BytesInput()-gen.BytesDurable() >= s.cfg.TargetVolatileBytes {
		if err := ctx.Err(); err != nil {
			return err
		}
		committed := gen.QueueCommittedVersion.Get()
		batchEnd := s.pickBatchEnd(gen, gen.PersistentDataVersion(), committed)
		if batchEnd <= gen.PersistentDataVersion() {
			break
		}
		if err := s.UpdatePersistentData(ctx, gen, batchEnd); err != nil {
			return err
		}
		drained = true
		tlog.Sleep(ctx, tlog.BackpressurePollInterval)
	}
	if !drained {
		tlog.Sleep(ctx, tlog.BackpressurePollInterval)
	}
	return nil
}

// pickBatchEnd chooses the largest version in (after, through] whose cumulative row weight
// across every team is <= SpillThresholdBytes, always advancing by at least one version when
// one is available so a single oversized version cannot stall the spiller forever.
func (s *Spiller) pickBatchEnd(gen *lifecycle.Generation, after, through tlog.Version) tlog.Version {
	if through <= after {
		return after
	}
	versions := gen.Index.RangeVersions(after, through)
	if len(versions) == 0 {
		return after
	}
	budget := s.cfg.SpillThresholdBytes
	end := versions[0]
	var total int64
	for _, v := range versions {
		sz := s.versionSize(gen, v)
		if total > 0 && total+sz > budget {
			break
		}
		total += sz
		end = v
	}
	return end
}

func (s *Spiller) versionSize(gen *lifecycle.Generation, v tlog.Version) int64 {
	var total int64
	for _, teamID := range gen.Teams() {
		tb, ok := gen.GetTeam(teamID)
		if !ok {
			continue
		}
		if b, ok := tb.Get(v); ok {
			total += int64(len(b))
		}
	}
	return total
}

// UpdatePersistentData runs spec §4.7's Update-Persistent-Data algorithm against gen, moving
// every team's rows in (persistent_data_version, newPersistVer] into the Persistent Store and
// advancing both persistent watermarks together. Callers must have already waited for
// queue_committed_version >= newPersistVer.
// UpdatePersistentData reads the group from gen rather than s.group, so a Spiller can be
// constructed ahead of its group (e.g. as the recovery-replay inline-spill callback, built
// before lifecycle.Recover has returned the Group it will run against).
func (s *Spiller) UpdatePersistentData(ctx context.Context, gen *lifecycle.Generation, newPersistVer tlog.Version) error {
	gen.Group.PersistentDataCommitLock.Lock()
	defer gen.Group.PersistentDataCommitLock.Unlock()

	prev := gen.PersistentDataVersion()
	if newPersistVer <= prev || gen.PersistentDataVersion() != gen.PersistentDurableVersion() {
		return nil
	}

	store := gen.Group.PS

	// Step 1: flush popped watermarks for teams whose pop advanced since the last flush.
	for _, teamID := range gen.Teams() {
		tb, ok := gen.GetTeam(teamID)
		if !ok || !tb.GetPoppedRecently() {
			continue
		}
		tags, _ := gen.TeamTags(teamID)
		popped := tb.GetPopped()
		rec := wire.TagPopRecord{Tags: tags, PoppedVersion: popped}
		if err := store.Set(ctx, ps.TagPopKey(gen.GenerationID, teamID), wire.EncodeTagPop(rec)); err != nil {
			return err
		}
		// Per spec §4.9 step 5, a spill cycle also clears PS rows below the new popped
		// watermark; TagMsgRef batches are only cleared once their *last* version has popped,
		// so a batch straddling the watermark survives until the next cycle catches up.
		if popped > 0 {
			if err := store.ClearRange(ctx, ps.TagMsgPrefix(gen.GenerationID, teamID), ps.TagMsgKey(gen.GenerationID, teamID, popped)); err != nil {
				return err
			}
			if err := store.ClearRange(ctx, ps.TagMsgRefPrefix(gen.GenerationID, teamID), ps.TagMsgRefKey(gen.GenerationID, teamID, popped)); err != nil {
				return err
			}
		}
		tb.ClearPoppedRecently()
	}

	// Step 2: move each team's rows in (prev, newPersistVer] into PS.
	for _, teamID := range gen.Teams() {
		tb, ok := gen.GetTeam(teamID)
		if !ok {
			continue
		}
		tags, _ := gen.TeamTags(teamID)
		rows := tb.RowsFrom(prev+1, newPersistVer, true)
		if len(rows) == 0 {
			continue
		}
		if gen.SpillType != tlog.SpillByReference || isTxsTeam(tags) {
			for _, row := range rows {
				key := ps.TagMsgKey(gen.GenerationID, teamID, row.Version)
				if err := store.Set(ctx, key, snappy.Encode(nil, row.Bytes)); err != nil {
					return err
				}
			}
			continue
		}

		var batch []tlog.SpilledData
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			key := ps.TagMsgRefKey(gen.GenerationID, teamID, batch[len(batch)-1].Version)
			if err := store.Set(ctx, key, wire.EncodeSpilledDataBatch(batch)); err != nil {
				return err
			}
			batch = batch[:0]
			return nil
		}
		for _, row := range rows {
			loc, ok := gen.Index.Lookup(row.Version)
			if !ok {
				continue
			}
			batch = append(batch, tlog.SpilledData{
				Version:       row.Version,
				DQBegin:       loc.Begin,
				DQLength:      uint32(loc.End - loc.Begin),
				MutationBytes: uint32(len(row.Bytes)),
			})
			if len(batch) >= spillRefBatchLimit {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := flush(); err != nil {
			return err
		}
	}

	// Step 3: recoveryLocation = DQ location of the first version > newPersistVer (or
	// end-of-queue).
	recoveryLocation := gen.Index.LocationOfFirstAfter(newPersistVer, gen.Group.DQ.GetNextPushLocation())

	// Step 4: persist the new watermarks.
	if err := store.Set(ctx, ps.VersionKey(gen.GenerationID), ps.EncodeVersion(newPersistVer)); err != nil {
		return err
	}
	if err := store.Set(ctx, ps.KnownCommittedKey(gen.GenerationID), ps.EncodeVersion(gen.KnownCommittedVersion())); err != nil {
		return err
	}
	if err := store.Set(ctx, ps.RecoveryLocationKey(gen.GenerationID), ps.EncodeVersion(tlog.Version(recoveryLocation))); err != nil {
		return err
	}
	if err := store.Set(ctx, ps.StorageTeamsKey(gen.GenerationID), wire.EncodeStorageTeams(gen.StorageTeams())); err != nil {
		return err
	}

	// Step 5: fsync the batch.
	if err := store.Commit(ctx); err != nil {
		return tlog.NewError(tlog.FileIOError, gen.GenerationID.String(), err)
	}

	// Step 6: advance both watermarks together and erase the now-durable C4 rows.
	gen.SetPersistentVersions(newPersistVer)
	for _, teamID := range gen.Teams() {
		tb, ok := gen.GetTeam(teamID)
		if !ok {
			continue
		}
		freed := tb.EraseThrough(newPersistVer)
		gen.AddBytesDurable(freed)
	}

	// Step 7 (arena release) happens inside EraseThrough as each row's reference is dropped.

	// Step 8: release DQ storage up to the generation's (and group's) minimum pop watermark.
	if err := s.maybePopDQ(ctx, gen, recoveryLocation); err != nil {
		return err
	}

	gen.Index.TrimThrough(newPersistVer)
	return nil
}

func isTxsTeam(tags []tlog.Tag) bool {
	for _, t := range tags {
		if t.IsTxs() {
			return true
		}
	}
	return false
}

// maybePopDQ releases Durable Queue storage up to recoveryLocation once every generation
// hosted by the group permits it (spec §4.7 step 8, §4.9 last paragraph: the global minimum
// of every generation's queue-popped version).
func (s *Spiller) maybePopDQ(ctx context.Context, gen *lifecycle.Generation, recoveryLocation int64) error {
	for _, g := range s.group.Generations() {
		if g.QueuePoppedVersion() < gen.QueuePoppedVersion() {
			return nil
		}
	}
	return s.group.DQ.Pop(ctx, recoveryLocation)
}
