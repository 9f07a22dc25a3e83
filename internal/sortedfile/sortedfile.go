// Package sortedfile implements the immutable on-disk sorted file format
// (SortedFile, spec component C3): a sequence of compressed, checksummed
// data blocks holding Cells in key order, a multi-level block index, an
// optional bloom filter, and a trailing file-info block — closed out by a
// fixed trailer at the end of the file.
//
// Layout:
//
//	[data block]...
//	[leaf index block]...  (only if the index entries exceed 4x BlockSize)
//	[root index block]
//	[bloom chunk]          (only if bloom filtering is enabled)
//	[bloom meta]           (only if bloom filtering is enabled)
//	[file info block]
//	[trailer]
package sortedfile

import (
	"encoding/binary"
	"errors"
	"os"

	"github.com/keyspace/keyspace/internal/blockcodec"
)

// Magic identifies a SortedFile. It is checked on every Open.
var Magic = [8]byte{'K', 'S', 'S', 'R', 'T', 'F', 'I', 'L'}

// TrailerSize is the fixed size, in bytes, of the trailer block written at
// the very end of the file.
const TrailerSize = 8 + 16 + 16 + 16 + 1 + 1 + 4

// BloomGranularity controls what a family's bloom filter is keyed on.
type BloomGranularity uint8

const (
	// BloomNone disables the bloom filter for a family.
	BloomNone BloomGranularity = 0
	// BloomRow keys the filter on the row alone — fast negative checks for
	// Get calls that address a whole row, but less selective for scans
	// limited to one column.
	BloomRow BloomGranularity = 1
	// BloomRowCol keys the filter on row+family+qualifier, trading filter
	// size for selectivity on column-qualified lookups.
	BloomRowCol BloomGranularity = 2
)

var (
	// ErrNotFound is returned by Get when the key is absent from the file.
	ErrNotFound = errors.New("sortedfile: not found")
	// ErrCorruptFile is returned when the trailer or a required block
	// cannot be parsed.
	ErrCorruptFile = errors.New("sortedfile: corrupt file")
)

func encodeHandle(dst []byte, h blockcodec.Handle) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, h.Offset)
	dst = binary.LittleEndian.AppendUint64(dst, h.Size)
	return dst
}

func decodeHandle(src []byte) blockcodec.Handle {
	return blockcodec.Handle{
		Offset: binary.LittleEndian.Uint64(src[0:8]),
		Size:   binary.LittleEndian.Uint64(src[8:16]),
	}
}

// FileInfo carries file-level metadata, written into the FILE_INFO block.
type FileInfo struct {
	EntryCount             uint64
	EarliestTimestamp      uint64
	LatestTimestamp        uint64
	TotalUncompressedBytes uint64
	// MaxSequence is the largest per-region WAL sequence number among the
	// cells this file contains. Reads prefer this file over the MemBuffer
	// for any sequence <= MaxSequence once the file is published.
	MaxSequence uint64
}

func encodeFileInfo(fi FileInfo) []byte {
	dst := make([]byte, 0, 40)
	dst = binary.LittleEndian.AppendUint64(dst, fi.EntryCount)
	dst = binary.LittleEndian.AppendUint64(dst, fi.EarliestTimestamp)
	dst = binary.LittleEndian.AppendUint64(dst, fi.LatestTimestamp)
	dst = binary.LittleEndian.AppendUint64(dst, fi.TotalUncompressedBytes)
	dst = binary.LittleEndian.AppendUint64(dst, fi.MaxSequence)
	return dst
}

func decodeFileInfo(src []byte) (FileInfo, error) {
	if len(src) < 32 {
		return FileInfo{}, ErrCorruptFile
	}
	fi := FileInfo{
		EntryCount:             binary.LittleEndian.Uint64(src[0:8]),
		EarliestTimestamp:      binary.LittleEndian.Uint64(src[8:16]),
		LatestTimestamp:        binary.LittleEndian.Uint64(src[16:24]),
		TotalUncompressedBytes: binary.LittleEndian.Uint64(src[24:32]),
	}
	if len(src) >= 40 {
		fi.MaxSequence = binary.LittleEndian.Uint64(src[32:40])
	}
	return fi, nil
}

// closeQuietly is used in defers where the write path has already failed
// and the close error would only mask the original one.
func closeQuietly(f *os.File) { _ = f.Close() }
