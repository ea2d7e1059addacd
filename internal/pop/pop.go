// Package pop implements the Pop Service (C10): advances a storage team's (or tag's) popped
// watermark, releasing Storage-Team Buffer rows that have not yet been spilled and leaving
// the rest for the next spill cycle to reclaim from the Persistent Store (spec §4.9).
package pop

import (
	"context"
	"sync"

	"github.com/sharedcode/tlog"
	"github.com/sharedcode/tlog/internal/lifecycle"
	"github.com/sharedcode/tlog/internal/wire"
)

// Service runs the pop algorithm. It also holds the process-wide "pop-ignore" flag used
// during a backup snapshot window (spec §4.9 step 1), when incoming pops must be recorded
// but not applied so the snapshot sees a stable view.
type Service struct {
	mu        sync.Mutex
	ignorePop bool
	recorded  map[tlog.StorageTeamID]tlog.Version
}

// New returns a Service with pop-ignore disabled.
func New() *Service {
	return &Service{recorded: make(map[tlog.StorageTeamID]tlog.Version)}
}

// SetIgnorePop toggles the backup-snapshot pop-ignore window.
func (s *Service) SetIgnorePop(ignore bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignorePop = ignore
}

// Handle processes one PopRequest against gen, implementing spec §4.9 steps 1-5.
func (s *Service) Handle(ctx context.Context, gen *lifecycle.Generation, req wire.PopRequest) (wire.PopReply, error) {
	s.mu.Lock()
	ignore := s.ignorePop
	if ignore {
		if req.ToVersion > s.recorded[req.TeamID] {
			s.recorded[req.TeamID] = req.ToVersion
		}
		s.mu.Unlock()
		return wire.PopReply{Acked: true}, nil
	}
	s.mu.Unlock()

	for _, teamID := range resolveTeams(gen, req) {
		tb := gen.GetOrCreateTeam(teamID, nil)
		if req.ToVersion <= tb.GetPopped() {
			continue // idempotent: already popped at least this far
		}
		tb.SetPopped(req.ToVersion)
		if req.ToVersion > gen.PersistentDataVersion() {
			freed := tb.EraseThrough(req.ToVersion)
			gen.AddBytesDurable(freed)
		}
	}

	gen.AdvanceKnownCommittedVersion(req.DurableKnownCommittedVersion)
	return wire.PopReply{Acked: true}, nil
}

// resolveTeams returns the storage teams a pop request applies to: the named team directly,
// or every team currently hosting req.Tag when the request addresses a log-router tag instead
// of a storage team (spec §4.9 "team_id_or_tag").
func resolveTeams(gen *lifecycle.Generation, req wire.PopRequest) []tlog.StorageTeamID {
	if !req.HasTag {
		return []tlog.StorageTeamID{req.TeamID}
	}
	var out []tlog.StorageTeamID
	for _, teamID := range gen.Teams() {
		tags, _ := gen.TeamTags(teamID)
		for _, t := range tags {
			if t == req.Tag {
				out = append(out, teamID)
				break
			}
		}
	}
	return out
}
