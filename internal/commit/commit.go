// Package commit implements the Commit Path (C6): accepts batched mutations from commit
// proxies, writes them to the Durable Queue and Version Index, distributes them into the
// Storage-Team Buffer, and advances the committed-version notifier (spec §4.5).
package commit

import (
	"context"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/acs"
	"github.com/sharedcode/tlog/internal/index"
	"github.com/sharedcode/tlog/internal/lifecycle"
	"github.com/sharedcode/tlog/internal/wire"
)

// Path runs the commit algorithm of spec §4.5 against one generation.
type Path struct {
	cfg tlog.Config
}

// New returns a commit Path configured with cfg's back-pressure and message-size knobs.
func New(cfg tlog.Config) *Path {
	return &Path{cfg: cfg}
}

// Handle processes one CommitRequest against gen, implementing spec §4.5 steps 1-10.
func (p *Path) Handle(ctx context.Context, gen *lifecycle.Generation, req wire.CommitRequest) (wire.CommitReply, error) {
	cur := gen.Version.Get()

	// Step 1: wait until version.get() >= prev_version.
	if req.PrevVersion > cur {
		var err error
		cur, err = gen.Version.Wait(ctx, req.PrevVersion)
		if err != nil {
			return wire.CommitReply{}, classifyWaitErr(gen, err)
		}
	}
	if req.PrevVersion < cur {
		// A retry: the version this proxy expected to extend from has already moved past.
		return wire.CommitReply{DurableKnownCommittedVersion: gen.KnownCommittedVersion()}, nil
	}

	// Step 2: honor memory back-pressure by yielding to the spiller.
	for gen.BytesInput()-gen.BytesDurable() >= p.cfg.HardLimitBytes && !gen.IsStopped() {
		tlog.Sleep(ctx, tlog.BackpressurePollInterval)
		if err := ctx.Err(); err != nil {
			return wire.CommitReply{}, err
		}
	}

	// Step 3: stopped generations refuse new commits.
	if gen.IsStopped() {
		return wire.CommitReply{}, tlog.NewError(tlog.TlogStopped, gen.GenerationID.String(), nil)
	}

	gen.CommitMu().Lock()
	reply, err := p.commitLocked(ctx, gen, req)
	gen.CommitMu().Unlock()
	if err != nil {
		return wire.CommitReply{}, err
	}

	// Step 9: wait for the queue committer to fsync through this version.
	if _, err := gen.QueueCommittedVersion.Wait(ctx, req.Version); err != nil {
		return wire.CommitReply{}, classifyWaitErr(gen, err)
	}

	return reply, nil
}

// commitLocked performs the atomic region of spec §5: re-check, distribute, push, advance.
// Caller holds gen.CommitMu().
func (p *Path) commitLocked(ctx context.Context, gen *lifecycle.Generation, req wire.CommitRequest) (wire.CommitReply, error) {
	if req.Version <= gen.Version.Get() {
		// Another commit for this version (or later) already landed while we waited for the
		// lock: dedup per spec §4.5 "Ordering & tie-breaking".
		return wire.CommitReply{DurableKnownCommittedVersion: gen.KnownCommittedVersion()}, nil
	}
	if gen.IsStopped() {
		return wire.CommitReply{}, tlog.NewError(tlog.TlogStopped, gen.GenerationID.String(), nil)
	}

	// §E.3: added teams are applied before messages are distributed, so a team added in this
	// same batch still receives this batch's messages.
	for _, t := range req.AddedTeams {
		gen.AddTeam(t.ID, t.Tags)
	}

	stripped := make([][]byte, len(req.Teams))
	total := 0
	for i, tm := range req.Teams {
		stripped[i] = wire.StripTeamHeader(tm.Bytes)
		total += len(stripped[i])
	}

	// One shared arena per commit, amortising allocation across every team present in this
	// batch (spec §4.3, §9 "shared arenas for message blocks").
	block := make([]byte, total)
	offset := 0
	arena := index.NewArena(block, req.Version, len(req.Teams))
	for i, tm := range req.Teams {
		n := copy(block[offset:], stripped[i])
		row := block[offset : offset+n]
		offset += n

		tags := req.TeamToTags[tm.TeamID]
		tb := gen.GetOrCreateTeam(tm.TeamID, tags)
		tb.Append(req.Version, row, arena)
		gen.AddBytesInput(int64(n) + index.PerEntryOverhead)

		// Roll this team's committed bytes into the per-tag accumulative checksum (spec
		// §4.4): the peek path recomputes the same checksum over the bytes it consumes and
		// compares the result against the rolled-up state recorded here.
		if tags == nil {
			tags, _ = gen.TeamTags(tm.TeamID)
		}
		checksum := acs.ChecksumBytes(row)
		for _, tag := range tags {
			gen.ACSBuilder.Observe(tag, req.Version, checksum)
			if m, ok := gen.ACSBuilder.Emit(tag); ok {
				gen.SetACSMutation(tag, m)
			}
		}
	}

	for _, id := range req.RemovedTeams {
		gen.RemoveTeam(id)
	}

	kcv := gen.AdvanceKnownCommittedVersion(req.KnownCommittedVersion)

	entry := tlog.CommitEntry{
		GenerationID:          gen.GenerationID,
		Version:                req.Version,
		KnownCommittedVersion: kcv,
		Teams:                  make([]tlog.TeamMessages, len(req.Teams)),
	}
	for i, tm := range req.Teams {
		entry.Teams[i] = tlog.TeamMessages{TeamID: tm.TeamID, Bytes: stripped[i]}
	}
	payload := wire.EncodeCommitEntry(entry)

	gen.Group.CommitLock.Lock()
	begin := gen.Group.DQ.GetNextPushLocation()
	end, err := gen.Group.DQ.Push(ctx, payload)
	gen.Group.CommitLock.Unlock()
	if err != nil {
		return wire.CommitReply{}, err
	}
	gen.Index.Insert(req.Version, index.Location{Begin: begin, End: end})

	// Step 8: advance the committed-version watermark, notifying every waiter.
	gen.Version.Set(req.Version)

	return wire.CommitReply{DurableKnownCommittedVersion: kcv}, nil
}

func classifyWaitErr(gen *lifecycle.Generation, err error) error {
	if gen.IsStopped() {
		return tlog.NewError(tlog.TlogStopped, gen.GenerationID.String(), err)
	}
	return err
}
