package tlog

import "fmt"

// Version is the monotonic commit version assigned by the sequencer.
type Version int64

// Subsequence orders mutations within one version for one storage team; starts at 1.
type Subsequence int32

// Locality distinguishes the kind of consumer a Tag addresses.
type Locality int8

const (
	LocalityLogRouter Locality = iota
	LocalityStorageServer
	LocalityTxs
)

// Tag is the opaque 2-tuple identifying a logical destination for mutations: a storage
// server, a log router, or the reserved txs tag for system-transaction data.
type Tag struct {
	Locality Locality
	ID       int32
}

func (t Tag) String() string {
	return fmt.Sprintf("%d:%d", t.Locality, t.ID)
}

// IsTxs reports whether this tag is the reserved system-transaction tag, which is exempt
// from ACS validation.
func (t Tag) IsTxs() bool {
	return t.Locality == LocalityTxs
}

// StorageTeamID identifies a set of tags that jointly receive a copy of a mutation.
type StorageTeamID int64

// MutationType enumerates the mutation kinds carried in the wire format.
type MutationType uint8

const (
	MutationSet MutationType = iota
	MutationClearRange
	MutationAtomicAdd
	MutationAtomicMax
	MutationAtomicMin
	MutationAtomicOr
	MutationAtomicAnd
	MutationAtomicXor
	MutationAtomicCompareAndClear
	// MutationACS is a synthetic mutation carrying a rolled-up accumulative-checksum state;
	// it never reaches storage and is interpreted only by the ACS validator.
	MutationACS
)

// Mutation is a single logical write. A single-key mutation uses Param1 only; a range
// mutation uses [Param1, Param2).
type Mutation struct {
	Type   MutationType
	Param1 []byte
	Param2 []byte

	// Checksum and ACSIndex are present only when the producer attaches an ACS sample to
	// this mutation (see internal/acs).
	HasChecksum bool
	Checksum    uint32
	ACSIndex    uint16
}

// SpillType selects how a storage team's messages are moved from the in-memory buffer to
// the persistent store.
type SpillType uint8

const (
	SpillByValue SpillType = iota
	SpillByReference
)

func (s SpillType) String() string {
	if s == SpillByReference {
		return "reference"
	}
	return "value"
}

// StorageTeam is the set of tags that jointly receive a copy of a mutation.
type StorageTeam struct {
	ID   StorageTeamID
	Tags []Tag
}

// CommitEntry is the durable unit written to the Durable Queue: one proxy batch at one
// version, decomposed per storage team.
type CommitEntry struct {
	GenerationID        UUID
	Version             Version
	KnownCommittedVersion Version
	Teams                []TeamMessages
}

// TeamMessages is the serialized-message block one storage team received in one commit.
type TeamMessages struct {
	TeamID StorageTeamID
	Bytes  []byte
}

// SpilledData describes, for spill-by-reference rows, where in the Durable Queue the
// original bytes for a version still live.
type SpilledData struct {
	Version      Version
	DQBegin      int64
	DQLength     uint32
	MutationBytes uint32
}
