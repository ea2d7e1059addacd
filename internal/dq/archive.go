package dq

import (
	"errors"
	"io"
	"os"

	"github.com/ncw/directio"

	"github.com/sharedcode/tlog"
)

// ArchiveDirect copies srcPath to dstPath using O_DIRECT writes, bypassing the page cache.
// It is grounded on the teacher's fs/direct_io.go directIO (directio.OpenFile,
// directio.AlignedBlock): an operator archiving a retired generation's durable-queue file to
// cold storage shouldn't evict the live process's working set from cache to do it.
//
// Unlike the live queue file, the destination here is write-once and never read back through
// DecodeDQRecord, so padding the final block with zeros is safe; the returned count is the
// number of real (unpadded) bytes copied.
func ArchiveDirect(srcPath, dstPath string) (int64, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return 0, tlog.NewError(tlog.FileIOError, srcPath, err)
	}
	defer src.Close()

	dst, err := directio.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, tlog.NewError(tlog.FileIOError, dstPath, err)
	}
	defer dst.Close()

	blockSize := directio.BlockSize
	block := directio.AlignedBlock(blockSize)

	var offset, copied int64
	for {
		for i := range block {
			block[i] = 0
		}
		n, rerr := io.ReadFull(src, block)
		if n > 0 {
			if _, werr := dst.WriteAt(block, offset); werr != nil {
				return copied, tlog.NewError(tlog.FileIOError, dstPath, werr)
			}
			offset += int64(blockSize)
			copied += int64(n)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				break
			}
			return copied, tlog.NewError(tlog.FileIOError, srcPath, rerr)
		}
	}
	return copied, nil
}
