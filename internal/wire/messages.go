// Package wire defines the request/reply messages exchanged between the transaction log and
// its collaborators (commit proxies, storage servers, log routers, and the recovery
// controller), plus the on-disk byte formats that must remain bit-exact across restarts.
package wire

import "github.com/sharedcode/tlog"

// CommitRequest is sent by a commit proxy once it has batched and ordered mutations for a
// version.
type CommitRequest struct {
	GroupID                 tlog.UUID
	PrevVersion              tlog.Version
	Version                  tlog.Version
	KnownCommittedVersion    tlog.Version
	MinKnownCommittedVersion tlog.Version
	Teams                    []tlog.TeamMessages

	AddedTeams   []tlog.StorageTeam
	RemovedTeams []tlog.StorageTeamID
	TeamToTags   map[tlog.StorageTeamID][]tlog.Tag

	SpanID  tlog.UUID
	DebugID tlog.UUID
}

// CommitReply answers a CommitRequest.
type CommitReply struct {
	DurableKnownCommittedVersion tlog.Version
}

// PeekRequest asks for a range of committed versions for one storage team.
type PeekRequest struct {
	DebugID         tlog.UUID
	BeginVersion    tlog.Version
	EndVersion      tlog.Version
	HasEndVersion   bool
	ReturnIfBlocked bool
	StorageTeamID   tlog.StorageTeamID
	GroupID         tlog.UUID

	PeekID         tlog.UUID
	HasSequence    bool
	SequenceNumber int64

	TagForLogRouter tlog.Tag
}

// PeekReply answers a PeekRequest. Popped is set (with LastVersion == PoppedUpTo) when the requested range
// has already been popped past BeginVersion.
type PeekReply struct {
	FirstVersion             tlog.Version
	LastVersion              tlog.Version
	SerializedBytes          []byte
	MaxKnownVersion          tlog.Version
	MinKnownCommittedVersion tlog.Version

	Popped      bool
	PoppedUpTo  tlog.Version
	EndOfStream bool
}

// PopRequest advances a tag's popped watermark.
type PopRequest struct {
	TeamID                   tlog.StorageTeamID
	Tag                      tlog.Tag
	HasTag                   bool
	ToVersion                tlog.Version
	DurableKnownCommittedVersion tlog.Version
}

// PopReply acknowledges a PopRequest.
type PopReply struct {
	Acked bool
}

// LockRequest is sent by the recovery controller to stop every generation on this process.
type LockRequest struct {
	RecoveryEpoch int64
}

// GroupLockResult is one group's portion of a LockReply.
type GroupLockResult struct {
	GroupID             tlog.UUID
	EndVersion           tlog.Version
	KnownCommittedVersion tlog.Version
	Teams                []tlog.StorageTeam
}

// LockReply answers a LockRequest with one result per group hosted on this process.
type LockReply struct {
	Groups []GroupLockResult
}

// TLogRejoinRequest is sent repeatedly to the cluster master until acknowledged.
type TLogRejoinRequest struct {
	InterfaceID tlog.UUID
}

// RecoverFromDescriptor tells a newly recruited generation how to pull historical mutations
// from the log system it is replacing during a live recovery.
type RecoverFromDescriptor struct {
	OldGenerationID tlog.UUID
	RecoverAt       tlog.Version
}

// RecruitmentRequest asks this process to host one or more log groups for a new generation.
type RecruitmentRequest struct {
	RecruitmentID tlog.UUID
	Epoch         int64
	GenerationID  tlog.UUID
	Locality      tlog.Locality
	Groups        []tlog.UUID
	StorageTeams  map[tlog.UUID][]tlog.StorageTeam
	SpillType     tlog.SpillType

	HasRecoverFrom bool
	RecoverFrom    RecoverFromDescriptor
}
