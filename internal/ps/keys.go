package ps

import (
	"encoding/binary"
	"fmt"

	"github.com/sharedcode/tlog"
)

// FormatValue identifies the on-disk schema; an unknown value aborts recovery (spec §4.2,
// §6).
const FormatValue = "TLog/LogServer/3/0"

// FormatKey is the fixed key holding FormatValue.
func FormatKey() []byte { return []byte("format") }

func genKey(prefix string, gen tlog.UUID) []byte {
	return []byte(fmt.Sprintf("%s/%s", prefix, gen.String()))
}

// VersionKey holds the latest persisted version for gen.
func VersionKey(gen tlog.UUID) []byte { return genKey("version", gen) }

// VersionKeyPrefix is the shared prefix of every VersionKey row. Recovery replay has no
// separate index of known generations, so it discovers them by scanning this prefix and
// parsing the generation id back out of each key (spec §4.11 step 2).
func VersionKeyPrefix() []byte { return []byte("version/") }

// GenerationIDFromVersionKey extracts the generation id encoded in a VersionKey.
func GenerationIDFromVersionKey(key []byte) (tlog.UUID, error) {
	prefix := VersionKeyPrefix()
	if len(key) <= len(prefix) {
		return tlog.UUID{}, fmt.Errorf("ps: malformed version key %q", key)
	}
	return tlog.ParseUUID(string(key[len(prefix):]))
}

// KnownCommittedKey holds the durable known-committed version for gen.
func KnownCommittedKey(gen tlog.UUID) []byte { return genKey("knownCommitted", gen) }

// RecoveryCountKey holds gen's recovery-count (epoch), fixed at init.
func RecoveryCountKey(gen tlog.UUID) []byte { return genKey("recoveryCount", gen) }

// ProtocolVersionKey holds gen's protocol version, fixed at init.
func ProtocolVersionKey(gen tlog.UUID) []byte { return genKey("protocolVersion", gen) }

// SpillTypeKey holds gen's configured spill strategy, fixed at init.
func SpillTypeKey(gen tlog.UUID) []byte { return genKey("spillType", gen) }

// LocalityKey holds gen's locality, fixed at init.
func LocalityKey(gen tlog.UUID) []byte { return genKey("locality", gen) }

// StorageTeamsKey holds gen's storage-team-to-tag map, fixed at init.
func StorageTeamsKey(gen tlog.UUID) []byte { return genKey("storageTeams", gen) }

// RecoveryLocationKey is the DQ location at which gen may safely begin re-reading on the
// next restart (spec §4.2, §4.7 step 3).
func RecoveryLocationKey(gen tlog.UUID) []byte { return genKey("recoveryLocation", gen) }

// TagMsgKey is the spill-by-value row key for one team's messages at version v.
func TagMsgKey(gen tlog.UUID, team tlog.StorageTeamID, v tlog.Version) []byte {
	return []byte(fmt.Sprintf("TagMsg/%s/%d/%016x", gen.String(), team, uint64(v)))
}

// TagMsgPrefix returns the key prefix shared by every TagMsg row of (gen, team), for
// ReadRange scans during peek and recovery.
func TagMsgPrefix(gen tlog.UUID, team tlog.StorageTeamID) []byte {
	return []byte(fmt.Sprintf("TagMsg/%s/%d/", gen.String(), team))
}

// TagMsgKeyForVersion decodes the trailing big-endian version suffix of a TagMsg key.
func TagMsgKeyForVersion(key []byte) (tlog.Version, error) {
	if len(key) < 16 {
		return 0, fmt.Errorf("ps: malformed TagMsg key %q", key)
	}
	hexPart := key[len(key)-16:]
	var v uint64
	if _, err := fmt.Sscanf(string(hexPart), "%016x", &v); err != nil {
		return 0, err
	}
	return tlog.Version(v), nil
}

// TagMsgRefKey is the spill-by-reference batch row key for one team, keyed by the batch's
// last version.
func TagMsgRefKey(gen tlog.UUID, team tlog.StorageTeamID, lastVersion tlog.Version) []byte {
	return []byte(fmt.Sprintf("TagMsgRef/%s/%d/%016x", gen.String(), team, uint64(lastVersion)))
}

// TagMsgRefPrefix returns the key prefix shared by every TagMsgRef row of (gen, team).
func TagMsgRefPrefix(gen tlog.UUID, team tlog.StorageTeamID) []byte {
	return []byte(fmt.Sprintf("TagMsgRef/%s/%d/", gen.String(), team))
}

// TagPopKey holds the (tag-set, popped_version) record for one team.
func TagPopKey(gen tlog.UUID, team tlog.StorageTeamID) []byte {
	return []byte(fmt.Sprintf("TagPop/%s/%d", gen.String(), team))
}

// PrefixUpperBound returns the smallest key strictly greater than every key sharing prefix,
// for use as a ReadRange/ClearRange end bound that scans exactly one key prefix.
func PrefixUpperBound(prefix []byte) []byte {
	b := append([]byte(nil), prefix...)
	return append(b, 0xff)
}

// EncodeVersion / DecodeVersion store a Version as an 8-byte big-endian value, matching the
// byte-lexicographic ordering sorted stores rely on for ReadRange scans.
func EncodeVersion(v tlog.Version) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b[:]
}

func DecodeVersion(b []byte) tlog.Version {
	if len(b) < 8 {
		return 0
	}
	return tlog.Version(binary.BigEndian.Uint64(b))
}
