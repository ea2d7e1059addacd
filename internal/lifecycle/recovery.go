package lifecycle

import (
	log "log/slog"

	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/dq"
	"github.com/sharedcode/tlog/internal/index"
	"github.com/sharedcode/tlog/internal/ps"
	"github.com/sharedcode/tlog/internal/wire"
)

// SpillFunc drains a generation's Storage-Team Buffer into the Persistent Store through
// newVersion. Recovery replay takes this as a parameter instead of importing internal/spiller
// directly, since spiller already imports lifecycle.
type SpillFunc func(ctx context.Context, gen *Generation, newVersion tlog.Version) error

// generationMetadata is the fixed row set PersistInit writes once per generation and Recover
// reads back on restart (spec §4.2 "Generation Data", §4.11 step 2).
type generationMetadata struct {
	recoveryCount    int64
	protocolVersion  uint32
	spillType        tlog.SpillType
	locality         tlog.Locality
	teams            []tlog.StorageTeam
	version          tlog.Version
	knownCommitted   tlog.Version
	recoveryLocation int64
}

// PersistInit writes the fixed metadata rows for a freshly recruited generation, establishing
// invariant 8 (exactly one current metadata record) before it accepts its first commit (spec
// §4.2, §4.11 step 2).
func (g *Generation) PersistInit(ctx context.Context) error {
	store := g.Group.PS
	if err := store.Set(ctx, ps.RecoveryCountKey(g.GenerationID), ps.EncodeVersion(tlog.Version(g.RecoveryCount))); err != nil {
		return err
	}
	if err := store.Set(ctx, ps.ProtocolVersionKey(g.GenerationID), ps.EncodeVersion(tlog.Version(g.ProtocolVersion))); err != nil {
		return err
	}
	if err := store.Set(ctx, ps.SpillTypeKey(g.GenerationID), []byte{byte(g.SpillType)}); err != nil {
		return err
	}
	if err := store.Set(ctx, ps.LocalityKey(g.GenerationID), []byte{byte(g.Locality)}); err != nil {
		return err
	}
	if err := store.Set(ctx, ps.StorageTeamsKey(g.GenerationID), wire.EncodeStorageTeams(g.StorageTeams())); err != nil {
		return err
	}
	if err := store.Set(ctx, ps.VersionKey(g.GenerationID), ps.EncodeVersion(0)); err != nil {
		return err
	}
	if err := store.Set(ctx, ps.KnownCommittedKey(g.GenerationID), ps.EncodeVersion(0)); err != nil {
		return err
	}
	if err := store.Set(ctx, ps.RecoveryLocationKey(g.GenerationID), ps.EncodeVersion(0)); err != nil {
		return err
	}
	return store.Commit(ctx)
}

// Recover rebuilds a Group's in-memory state from the Persistent Store and Durable Queue on
// process start (spec §4.11). The returned Group hosts one stopped Generation per
// generation found in the store; a later recruitment decides whether to resume one of them
// or start a fresh active generation with a recoverFrom descriptor.
func Recover(ctx context.Context, groupID tlog.UUID, store ps.Store, queue dq.Queue, cfg tlog.Config, spill SpillFunc) (*Group, error) {
	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	formatVal, ok, err := store.ReadValue(ctx, ps.FormatKey())
	if err != nil {
		return nil, err
	}
	if !ok {
		size, err := store.GetStorageBytes(ctx)
		if err != nil {
			return nil, err
		}
		if size == 0 {
			return nil, tlog.NewError(tlog.WorkerRemoved, groupID.String(), nil)
		}
		return nil, tlog.NewError(tlog.IntegrityFailure, groupID.String(), fmt.Errorf("ps: missing format key on non-empty store"))
	}
	if string(formatVal) != ps.FormatValue {
		return nil, tlog.NewError(tlog.IntegrityFailure, groupID.String(), fmt.Errorf("ps: unreadable format %q", formatVal))
	}

	grp := NewGroup(groupID, store, queue, cfg)

	genIDs, err := discoverGenerations(ctx, store)
	if err != nil {
		return nil, err
	}

	gens := make([]*Generation, len(genIDs))
	metas := make([]generationMetadata, len(genIDs))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, genID := range genIDs {
		i, genID := i, genID
		eg.Go(func() error {
			gen, meta, err := loadGeneration(egCtx, grp, genID, store)
			if err != nil {
				return err
			}
			gens[i] = gen
			metas[i] = meta
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	minRecoveryLocation := int64(-1)
	for i, gen := range gens {
		grp.AddGeneration(gen)
		if minRecoveryLocation < 0 || metas[i].recoveryLocation < minRecoveryLocation {
			minRecoveryLocation = metas[i].recoveryLocation
		}
	}
	if minRecoveryLocation < 0 {
		minRecoveryLocation = 0
	}

	genByID := make(map[tlog.UUID]*Generation, len(gens))
	for _, gen := range gens {
		genByID[gen.GenerationID] = gen
	}

	nothingToReplay, err := queue.InitializeRecovery(ctx, minRecoveryLocation)
	if err != nil {
		return nil, err
	}
	if !nothingToReplay {
		if err := replayQueue(ctx, queue, genByID, cfg, spill); err != nil {
			return nil, err
		}
	}

	for _, gen := range gens {
		gen.MarkRecoveryComplete()
	}
	return grp, nil
}

// discoverGenerations finds every generation id persisted for this group by scanning the
// version/<gen> key prefix; there is no separate generations index (spec §4.11 step 2).
func discoverGenerations(ctx context.Context, store ps.Store) ([]tlog.UUID, error) {
	prefix := ps.VersionKeyPrefix()
	rows, err := store.ReadRange(ctx, prefix, ps.PrefixUpperBound(prefix), 0, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]tlog.UUID, 0, len(rows))
	for _, row := range rows {
		id, err := ps.GenerationIDFromVersionKey(row.Key)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// loadGeneration reconstructs one stopped Generation from its persisted metadata rows.
func loadGeneration(ctx context.Context, grp *Group, genID tlog.UUID, store ps.Store) (*Generation, generationMetadata, error) {
	var meta generationMetadata

	recoveryCount, err := readVersion(ctx, store, ps.RecoveryCountKey(genID))
	if err != nil {
		return nil, meta, err
	}
	protocolVersion, err := readVersion(ctx, store, ps.ProtocolVersionKey(genID))
	if err != nil {
		return nil, meta, err
	}
	spillTypeByte, _, err := store.ReadValue(ctx, ps.SpillTypeKey(genID))
	if err != nil {
		return nil, meta, err
	}
	localityByte, _, err := store.ReadValue(ctx, ps.LocalityKey(genID))
	if err != nil {
		return nil, meta, err
	}
	teamsVal, _, err := store.ReadValue(ctx, ps.StorageTeamsKey(genID))
	if err != nil {
		return nil, meta, err
	}
	teams, err := wire.DecodeStorageTeams(teamsVal)
	if err != nil {
		return nil, meta, err
	}
	version, err := readVersion(ctx, store, ps.VersionKey(genID))
	if err != nil {
		return nil, meta, err
	}
	knownCommitted, err := readVersion(ctx, store, ps.KnownCommittedKey(genID))
	if err != nil {
		return nil, meta, err
	}
	recoveryLocation, err := readVersion(ctx, store, ps.RecoveryLocationKey(genID))
	if err != nil {
		return nil, meta, err
	}

	var spillType tlog.SpillType
	if len(spillTypeByte) > 0 {
		spillType = tlog.SpillType(spillTypeByte[0])
	}
	var locality tlog.Locality
	if len(localityByte) > 0 {
		locality = tlog.Locality(int8(localityByte[0]))
	}

	gen := NewGeneration(grp.GroupID, genID, int64(recoveryCount), uint32(protocolVersion), spillType, locality, grp)
	for _, team := range teams {
		gen.AddTeam(team.ID, team.Tags)
	}
	gen.SeedPersistentVersions(version)
	gen.Version.Set(version)
	gen.QueueCommittedVersion.Set(version)
	gen.AdvanceKnownCommittedVersion(knownCommitted)
	gen.MarkRecoveredStopped()

	meta = generationMetadata{
		recoveryCount:    int64(recoveryCount),
		protocolVersion:  uint32(protocolVersion),
		spillType:        spillType,
		locality:         locality,
		teams:            teams,
		version:          version,
		knownCommitted:   knownCommitted,
		recoveryLocation: int64(recoveryLocation),
	}
	return gen, meta, nil
}

func readVersion(ctx context.Context, store ps.Store, key []byte) (tlog.Version, error) {
	val, _, err := store.ReadValue(ctx, key)
	if err != nil {
		return 0, err
	}
	return ps.DecodeVersion(val), nil
}

// replayQueue sequentially reads every Durable Queue entry from the current read cursor,
// redistributing any row not yet reflected in its generation's watermark into the Storage-
// Team Buffer and advancing version/queue_committed_version together (spec §4.11 step 4).
func replayQueue(ctx context.Context, queue dq.Queue, genByID map[tlog.UUID]*Generation, cfg tlog.Config, spill SpillFunc) error {
	for {
		begin := queue.GetNextReadLocation()
		payload, err := queue.ReadNext(ctx)
		if err != nil {
			if isEndOfLog(err) {
				return nil
			}
			return err
		}
		end := queue.GetNextReadLocation()

		entry, err := wire.DecodeCommitEntry(payload)
		if err != nil {
			return err
		}

		gen, ok := genByID[entry.GenerationID]
		if !ok {
			log.Warn("recovery: skipping DQ entry for unknown generation", "generation", entry.GenerationID.String(), "version", int64(entry.Version))
			continue
		}
		if entry.Version <= gen.Version.Get() {
			continue
		}

		loc := index.Location{Begin: begin, End: end}

		// One shared arena per replayed entry, matching the commit path's amortised
		// allocation across every team present in the batch (spec §4.3).
		total := 0
		for _, tm := range entry.Teams {
			total += len(tm.Bytes)
		}
		block := make([]byte, total)
		offset := 0
		arena := index.NewArena(block, entry.Version, len(entry.Teams))
		for _, tm := range entry.Teams {
			n := copy(block[offset:], tm.Bytes)
			row := block[offset : offset+n]
			offset += n

			tb := gen.GetOrCreateTeam(tm.TeamID, nil)
			tb.Append(entry.Version, row, arena)
			gen.AddBytesInput(int64(n) + index.PerEntryOverhead)
		}
		gen.Index.Insert(entry.Version, loc)
		gen.AdvanceKnownCommittedVersion(entry.KnownCommittedVersion)
		gen.Version.Set(entry.Version)
		gen.QueueCommittedVersion.Set(entry.Version)

		if gen.BytesInput()-gen.BytesDurable() > cfg.RecoveryMemoryLimit {
			if err := spill(ctx, gen, entry.Version); err != nil {
				return err
			}
		}
	}
}

func isEndOfLog(err error) bool {
	return errors.Is(err, wire.ErrTruncatedRecord) || errors.Is(err, wire.ErrInvalidRecord)
}
