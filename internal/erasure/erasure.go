// Package erasure implements Reed-Solomon erasure coding for cold, fully-spilled generation
// blocks (spec §4.7 step 7 / §6 domain stack): once a generation is fully drained to the
// Persistent Store and its DQ bytes reclaimed, the reference-spill tier may optionally
// erasure-code the spilled message blocks across drives before archiving them, trading a
// little write amplification for tolerance of a lost shard.
//
// Adapted from the teacher's fs/erasure package (encoder.go/decoder.go), generalized from
// "blob" terminology to spill-block terminology.
package erasure

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"fmt"
	log "log/slog"

	"github.com/klauspost/reedsolomon"
)

// MetaDataSize is 1 stuffed-byte-count byte + a 16-byte checksum.
const MetaDataSize = 17

// Coder erasure-codes spill blocks into data + parity shards and reverses the process.
type Coder struct {
	DataShardsCount   int
	ParityShardsCount int
	encoder           reedsolomon.Encoder
}

// New constructs a Coder with dataShards data shards and parityShards parity shards.
func New(dataShards, parityShards int) (*Coder, error) {
	if dataShards+parityShards > 256 {
		return nil, fmt.Errorf("erasure: sum of data and parity shards cannot exceed 256")
	}
	enc, err := reedsolomon.New(dataShards, parityShards)
	if err != nil {
		return nil, err
	}
	return &Coder{DataShardsCount: dataShards, ParityShardsCount: parityShards, encoder: enc}, nil
}

// Encode splits data into DataShardsCount+ParityShardsCount shards and fills in parity.
func (c *Coder) Encode(data []byte) ([][]byte, error) {
	shards, err := c.encoder.Split(data)
	if err != nil {
		return nil, err
	}
	if err := c.encoder.Encode(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

// ShardMetadata returns the checksum + stuffed-byte-count metadata for shards[shardIndex].
func (c *Coder) ShardMetadata(dataSize int, shards [][]byte, shardIndex int) []byte {
	checksum := md5.Sum(shards[shardIndex])
	r := make([]byte, 1+len(checksum))
	if dataSize%c.DataShardsCount != 0 {
		r[0] = byte(c.DataShardsCount - dataSize%c.DataShardsCount)
	}
	copy(r[1:], checksum[:])
	return r
}

// DecodeResult is the outcome of reassembling a spill block from its shards.
type DecodeResult struct {
	Data []byte
	// ReconstructedShards lists indices that were nil or failed their checksum and had to be
	// rebuilt from parity; callers may choose to rewrite those shards in place.
	ReconstructedShards []int
	Error               error
}

// Decode reassembles the original spill-block bytes from shards, reconstructing any missing
// or corrupted shard (detected via shardsMetaData checksums) from parity first.
func (c *Coder) Decode(shards [][]byte, shardsMetaData [][]byte) *DecodeResult {
	if len(shards) == 0 {
		return &DecodeResult{Error: fmt.Errorf("erasure: shards can't be nil or empty")}
	}

	r := &DecodeResult{}
	ok, _ := c.encoder.Verify(shards)
	if !ok {
		log.Info("erasure: verification failed, reconstructing")
		r = c.reconstructMissing(shards)
		if r.Error != nil {
			return r
		}
		ok, _ = c.encoder.Verify(shards)
		if !ok {
			dr := c.detectBadThenReconstruct(shards, shardsMetaData)
			if dr.Error != nil {
				return &DecodeResult{Error: fmt.Errorf("erasure: reconstruction failed: %w", dr.Error)}
			}
			r = dr
		}
	}

	var b bytes.Buffer
	w := bufio.NewWriter(&b)
	if err := c.encoder.Join(w, shards, len(shards[0])*c.DataShardsCount); err != nil {
		return &DecodeResult{Error: fmt.Errorf("erasure: join failed: %w", err)}
	}
	w.Flush()
	ba := make([]byte, len(b.Bytes())-int(shardsMetaData[0][0]))
	copy(ba, b.Bytes())
	r.Data = ba
	return r
}

func (c *Coder) detectBadThenReconstruct(shards [][]byte, shardsMetaData [][]byte) *DecodeResult {
	bad := make([]int, 0, 2)
	for i := range shards {
		expected := shardsMetaData[i][1:]
		got := md5.Sum(shards[i])
		if !bytes.Equal(expected, got[:]) {
			bad = append(bad, i)
			shards[i] = nil
		}
	}
	if len(bad) == 0 {
		return &DecodeResult{Error: fmt.Errorf("erasure: shards passed checksum, nothing to reconstruct")}
	}
	if err := c.encoder.Reconstruct(shards); err != nil {
		return &DecodeResult{Error: err}
	}
	if ok, err := c.encoder.Verify(shards); !ok {
		return &DecodeResult{Error: err}
	}
	return &DecodeResult{ReconstructedShards: bad}
}

func (c *Coder) reconstructMissing(shards [][]byte) *DecodeResult {
	r := DecodeResult{}
	want := make([]bool, len(shards))
	for i := range shards {
		if shards[i] == nil {
			r.ReconstructedShards = append(r.ReconstructedShards, i)
			want[i] = true
		}
	}
	if err := c.encoder.ReconstructSome(shards, want); err != nil {
		r.Error = err
	}
	return &r
}
