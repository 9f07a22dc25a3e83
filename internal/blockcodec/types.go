// Package blockcodec implements the on-disk block format shared by every
// SortedFile: data blocks, the multi-level block index, the bloom filter
// chunks, the file-info block, and the trailer (BlockCodec, spec component
// C2).
//
// Every block is written with a fixed header — type, compression type,
// on-disk size, uncompressed size, the file offset of the previous block of
// the same type (for backward scans), a checksum type, and the checksum
// itself — followed by the (possibly compressed) payload.
package blockcodec

import (
	"errors"

	"github.com/keyspace/keyspace/internal/checksum"
)

// Type identifies the kind of block.
type Type uint8

const (
	// TypeData holds Cells encoded with the block's KeyEncoding.
	TypeData Type = 1
	// TypeEncodedData is a data block using a non-PREFIX key encoding.
	// Reserved for encodings that need different block-level metadata than
	// TypeData; PREFIX-encoded data is always written as TypeData today.
	TypeEncodedData Type = 2
	// TypeLeafIndex maps last-key → data block handle. A SortedFile with
	// more data blocks than fit in one index block has many leaf index
	// blocks, themselves indexed by a root index block.
	TypeLeafIndex Type = 3
	// TypeIntermediateIndex maps last-key → leaf index block handle.
	// Reserved for files large enough to need a third index level.
	TypeIntermediateIndex Type = 4
	// TypeRootIndex is the single entry point into the index: either a
	// direct map of last-key → data block handle (single-level) or of
	// last-key → leaf index block handle (multi-level).
	TypeRootIndex Type = 5
	// TypeBloomChunk holds one chunk of the bloom filter's bit array.
	TypeBloomChunk Type = 6
	// TypeBloomMeta holds the bloom filter's parameters (granularity,
	// number of hash functions, number of chunks).
	TypeBloomMeta Type = 7
	// TypeFileInfo holds file-level metadata (key count, entry count,
	// earliest/latest timestamp, comparator name, total uncompressed size).
	TypeFileInfo Type = 8
	// TypeTrailer is the fixed-size final block: magic number plus the
	// handles of the root index, bloom meta, and file-info blocks.
	TypeTrailer Type = 9
)

func (t Type) String() string {
	switch t {
	case TypeData:
		return "DATA"
	case TypeEncodedData:
		return "ENCODED_DATA"
	case TypeLeafIndex:
		return "LEAF_INDEX"
	case TypeIntermediateIndex:
		return "INTERMEDIATE_INDEX"
	case TypeRootIndex:
		return "ROOT_INDEX"
	case TypeBloomChunk:
		return "BLOOM_CHUNK"
	case TypeBloomMeta:
		return "BLOOM_META"
	case TypeFileInfo:
		return "FILE_INFO"
	case TypeTrailer:
		return "TRAILER"
	default:
		return "UNKNOWN"
	}
}

// KeyEncoding identifies how keys within a data block are delta-encoded.
type KeyEncoding uint8

const (
	// EncodingPrefix stores each key as a shared-prefix-length plus the
	// unshared suffix, with periodic restart points holding the full key.
	EncodingPrefix KeyEncoding = 0
	// EncodingDiff additionally factors the family and qualifier out of
	// the shared prefix independently of the row, so qualifier-heavy
	// column families compress better. Implemented as EncodingPrefix today;
	// the block format reserves the code for a true column-aware encoder.
	EncodingDiff KeyEncoding = 1
	// EncodingFastDiff is EncodingDiff with a cheaper per-entry shared-byte
	// scan. Implemented as EncodingPrefix today, see EncodingDiff.
	EncodingFastDiff KeyEncoding = 2
)

func (e KeyEncoding) String() string {
	switch e {
	case EncodingPrefix:
		return "PREFIX"
	case EncodingDiff:
		return "DIFF"
	case EncodingFastDiff:
		return "FAST_DIFF"
	default:
		return "UNKNOWN"
	}
}

// HeaderSize is the size in bytes of the fixed block header written
// immediately before every block's (possibly compressed) payload.
const HeaderSize = 23

// Handle locates a block within a SortedFile.
type Handle struct {
	Offset uint64
	Size   uint64 // on-disk size, including HeaderSize
}

var (
	// ErrChecksumMismatch is returned by ReadBlock when the stored checksum
	// does not match the recomputed one.
	ErrChecksumMismatch = errors.New("blockcodec: checksum mismatch")
	// ErrCorruptBlock is returned when a block header or payload cannot be
	// parsed.
	ErrCorruptBlock = errors.New("blockcodec: corrupt block")
)

// DefaultChecksumType is used when a family does not override it via
// `cells.checksum.xxh3`.
const DefaultChecksumType = checksum.TypeCRC32C

// Priority tells a caching BlockSource which eviction band a freshly loaded
// block should start in. sortedfile.Reader reads root index, bloom and
// file-info blocks directly, never through a cache, so this only matters
// for data and leaf index blocks.
type Priority uint8

const (
	// PrioritySingle is the default: a block's first cache residency.
	PrioritySingle Priority = 0
	// PriorityMulti marks a block known in advance to be reaccessed soon,
	// e.g. a compaction reading its own just-written output.
	PriorityMulti Priority = 1
	// PriorityMemory is for blocks belonging to a family configured with
	// `cells.cache.in_memory`; evicted only when no other band has anything
	// left to give up.
	PriorityMemory Priority = 2
)
