package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/sharedcode/tlog"
)

// ErrTruncatedRecord is returned by DecodeDQRecord when payload_len claims more bytes than
// are available; the caller (recovery replay) treats this as the log tail.
var ErrTruncatedRecord = errors.New("wire: truncated durable-queue record")

// ErrInvalidRecord is returned when a record's valid_flag is not 1.
var ErrInvalidRecord = errors.New("wire: invalid-flag record")

// TeamHeaderSize is the width of the per-team header a commit proxy prepends to its
// serialized message bytes (reserved for the proxy's own subsequence-count bookkeeping); the
// commit path strips it before storing rows in the Storage-Team Buffer (spec §4.5 step 4).
const TeamHeaderSize = 4

// EncodeTeamHeader builds the subsequence-count header prepended to one team's serialized
// message bytes on the wire.
func EncodeTeamHeader(subsequenceCount uint32) []byte {
	var b [TeamHeaderSize]byte
	binary.LittleEndian.PutUint32(b[:], subsequenceCount)
	return b[:]
}

// StripTeamHeader removes the fixed header prefix from one team's wire bytes, returning the
// serialized messages underneath. Bytes shorter than the header are returned unchanged.
func StripTeamHeader(b []byte) []byte {
	if len(b) < TeamHeaderSize {
		return b
	}
	return b[TeamHeaderSize:]
}

// EncodeDQRecord frames payload as `uint32 payload_len | payload | uint8 valid_flag(=1)`,
// the durable-queue on-disk record format.
func EncodeDQRecord(payload []byte) []byte {
	buf := make([]byte, 4+len(payload)+1)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	copy(buf[4:4+len(payload)], payload)
	buf[len(buf)-1] = 1
	return buf
}

// DecodeDQRecord reads one framed record from r, returning the payload. It returns
// ErrTruncatedRecord when fewer bytes remain than the frame declares (a crash-torn tail) and
// ErrInvalidRecord when valid_flag != 1.
func DecodeDQRecord(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedRecord
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedRecord
		}
		return nil, err
	}
	var flag [1]byte
	if _, err := io.ReadFull(r, flag[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncatedRecord
		}
		return nil, err
	}
	if flag[0] != 1 {
		return nil, ErrInvalidRecord
	}
	return payload, nil
}

// EncodeCommitEntry serializes a CommitEntry to its versioned DQ payload. The first byte is a
// format tag reserved for forward-compatible schema evolution.
func EncodeCommitEntry(e tlog.CommitEntry) []byte {
	var w bytes.Buffer
	w.WriteByte(1) // format tag
	w.Write(e.GenerationID[:])
	writeInt64(&w, int64(e.Version))
	writeInt64(&w, int64(e.KnownCommittedVersion))
	writeUint32(&w, uint32(len(e.Teams)))
	for _, t := range e.Teams {
		writeInt64(&w, int64(t.TeamID))
		writeUint32(&w, uint32(len(t.Bytes)))
		w.Write(t.Bytes)
	}
	return w.Bytes()
}

// DecodeCommitEntry is the inverse of EncodeCommitEntry.
func DecodeCommitEntry(data []byte) (tlog.CommitEntry, error) {
	r := bytes.NewReader(data)
	var e tlog.CommitEntry
	format, err := r.ReadByte()
	if err != nil {
		return e, err
	}
	if format != 1 {
		return e, errors.New("wire: unknown commit-entry format tag")
	}
	var gen [16]byte
	if _, err := io.ReadFull(r, gen[:]); err != nil {
		return e, err
	}
	e.GenerationID = tlog.UUID(gen)
	v, err := readInt64(r)
	if err != nil {
		return e, err
	}
	e.Version = tlog.Version(v)
	kcv, err := readInt64(r)
	if err != nil {
		return e, err
	}
	e.KnownCommittedVersion = tlog.Version(kcv)
	count, err := readUint32(r)
	if err != nil {
		return e, err
	}
	e.Teams = make([]tlog.TeamMessages, 0, count)
	for i := uint32(0); i < count; i++ {
		teamID, err := readInt64(r)
		if err != nil {
			return e, err
		}
		n, err := readUint32(r)
		if err != nil {
			return e, err
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(r, b); err != nil {
			return e, err
		}
		e.Teams = append(e.Teams, tlog.TeamMessages{TeamID: tlog.StorageTeamID(teamID), Bytes: b})
	}
	return e, nil
}

// DecodeFramedCommitEntry strips the Durable Queue frame wrapper from raw (the bytes read
// directly off disk at a SpilledData's DQBegin/DQLength) and decodes the CommitEntry
// underneath. Used by the peek service to recover a reference-spilled team's bytes straight
// from the queue (spec §4.8 step 6).
func DecodeFramedCommitEntry(raw []byte) (tlog.CommitEntry, error) {
	payload, err := DecodeDQRecord(bytes.NewReader(raw))
	if err != nil {
		return tlog.CommitEntry{}, err
	}
	return DecodeCommitEntry(payload)
}

// EncodeSpilledDataBatch serializes `uint32 count | count x SpilledData`, the
// spill-by-reference record format.
func EncodeSpilledDataBatch(entries []tlog.SpilledData) []byte {
	var w bytes.Buffer
	writeUint32(&w, uint32(len(entries)))
	for _, e := range entries {
		writeInt64(&w, int64(e.Version))
		writeInt64(&w, e.DQBegin)
		writeUint32(&w, e.DQLength)
		writeUint32(&w, e.MutationBytes)
	}
	return w.Bytes()
}

// DecodeSpilledDataBatch is the inverse of EncodeSpilledDataBatch.
func DecodeSpilledDataBatch(data []byte) ([]tlog.SpilledData, error) {
	r := bytes.NewReader(data)
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]tlog.SpilledData, 0, count)
	for i := uint32(0); i < count; i++ {
		v, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		begin, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		length, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		mb, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		out = append(out, tlog.SpilledData{
			Version:       tlog.Version(v),
			DQBegin:       begin,
			DQLength:      length,
			MutationBytes: mb,
		})
	}
	return out, nil
}

// TagPopRecord is the versioned value stored at TagPop/<gen>/<team>.
type TagPopRecord struct {
	Tags          []tlog.Tag
	PoppedVersion tlog.Version
}

// EncodeTagPop serializes a TagPopRecord.
func EncodeTagPop(r TagPopRecord) []byte {
	var w bytes.Buffer
	writeUint32(&w, uint32(len(r.Tags)))
	for _, t := range r.Tags {
		w.WriteByte(byte(t.Locality))
		writeInt64(&w, int64(t.ID))
	}
	writeInt64(&w, int64(r.PoppedVersion))
	return w.Bytes()
}

// DecodeTagPop is the inverse of EncodeTagPop.
func DecodeTagPop(data []byte) (TagPopRecord, error) {
	r := bytes.NewReader(data)
	var out TagPopRecord
	count, err := readUint32(r)
	if err != nil {
		return out, err
	}
	out.Tags = make([]tlog.Tag, 0, count)
	for i := uint32(0); i < count; i++ {
		loc, err := r.ReadByte()
		if err != nil {
			return out, err
		}
		id, err := readInt64(r)
		if err != nil {
			return out, err
		}
		out.Tags = append(out.Tags, tlog.Tag{Locality: tlog.Locality(int8(loc)), ID: int32(id)})
	}
	v, err := readInt64(r)
	if err != nil {
		return out, err
	}
	out.PoppedVersion = tlog.Version(v)
	return out, nil
}

// EncodeStorageTeams serializes the generation-wide team-id-to-tags map persisted at
// ps.StorageTeamsKey, so recovery replay can reconstruct C4 without re-deriving it from commit
// history (spec §4.11 step 2).
func EncodeStorageTeams(teams []tlog.StorageTeam) []byte {
	var w bytes.Buffer
	writeUint32(&w, uint32(len(teams)))
	for _, t := range teams {
		writeInt64(&w, int64(t.ID))
		writeUint32(&w, uint32(len(t.Tags)))
		for _, tag := range t.Tags {
			w.WriteByte(byte(tag.Locality))
			var idBuf [4]byte
			binary.LittleEndian.PutUint32(idBuf[:], uint32(tag.ID))
			w.Write(idBuf[:])
		}
	}
	return w.Bytes()
}

// DecodeStorageTeams is the inverse of EncodeStorageTeams.
func DecodeStorageTeams(data []byte) ([]tlog.StorageTeam, error) {
	r := bytes.NewReader(data)
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([]tlog.StorageTeam, 0, count)
	for i := uint32(0); i < count; i++ {
		id, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		tagCount, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		tags := make([]tlog.Tag, 0, tagCount)
		for j := uint32(0); j < tagCount; j++ {
			loc, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			var idBuf [4]byte
			if _, err := io.ReadFull(r, idBuf[:]); err != nil {
				return nil, err
			}
			tags = append(tags, tlog.Tag{Locality: tlog.Locality(int8(loc)), ID: int32(binary.LittleEndian.Uint32(idBuf[:]))})
		}
		out = append(out, tlog.StorageTeam{ID: tlog.StorageTeamID(id), Tags: tags})
	}
	return out, nil
}

func writeInt64(w *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	w.Write(b[:])
}

func writeUint32(w *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.Write(b[:])
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}
