package blockcodec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/keyspace/keyspace/internal/checksum"
	"github.com/keyspace/keyspace/internal/compression"
)

// WriteBlock compresses payload per compressionType, computes a checksum of
// the given type, and writes [header][compressed payload] to w. prevOffset
// is the file offset of the previous block of the same Type (0 for the
// first), threaded through so a reader can walk same-type blocks backwards
// without consulting the index. It returns the Handle locating the block;
// Handle.Size is the total bytes written (header plus payload).
func WriteBlock(w io.Writer, blockType Type, payload []byte, compressionType compression.Type, checksumType checksum.Type, offset, prevOffset uint64) (Handle, error) {
	compressed, err := compression.Compress(compressionType, payload)
	if err != nil {
		return Handle{}, fmt.Errorf("blockcodec: compress %s block: %w", blockType, err)
	}
	if compressed == nil {
		// Compressor signaled no benefit; store uncompressed.
		compressed = payload
		compressionType = compression.NoCompression
	}

	var header [HeaderSize]byte
	header[0] = byte(blockType)
	header[1] = byte(compressionType)
	binary.LittleEndian.PutUint32(header[2:6], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(header[6:10], uint32(len(payload)))
	binary.LittleEndian.PutUint64(header[10:18], prevOffset)
	header[18] = byte(checksumType)
	sum := checksum.ComputeChecksum(checksumType, compressed, byte(compressionType))
	binary.LittleEndian.PutUint32(header[19:23], sum)

	if _, err := w.Write(header[:]); err != nil {
		return Handle{}, fmt.Errorf("blockcodec: write header: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return Handle{}, fmt.Errorf("blockcodec: write payload: %w", err)
	}

	total := uint64(HeaderSize + len(compressed))
	return Handle{Offset: offset, Size: total}, nil
}

// ReadBlock reads and validates the block at src (a [header][payload]
// buffer exactly Handle.Size long, as returned by a prior WriteBlock),
// decompressing it and returning the block type, the decompressed payload,
// and the prev-offset link.
func ReadBlock(src []byte) (blockType Type, payload []byte, prevOffset uint64, err error) {
	if len(src) < HeaderSize {
		return 0, nil, 0, ErrCorruptBlock
	}
	blockType = Type(src[0])
	compressionType := compression.Type(src[1])
	onDiskSize := binary.LittleEndian.Uint32(src[2:6])
	uncompressedSize := binary.LittleEndian.Uint32(src[6:10])
	prevOffset = binary.LittleEndian.Uint64(src[10:18])
	checksumType := checksum.Type(src[18])
	wantSum := binary.LittleEndian.Uint32(src[19:23])

	body := src[HeaderSize:]
	if uint32(len(body)) != onDiskSize {
		return 0, nil, 0, ErrCorruptBlock
	}

	gotSum := checksum.ComputeChecksum(checksumType, body, byte(compressionType))
	if checksumType != checksum.TypeNone && gotSum != wantSum {
		return 0, nil, 0, ErrChecksumMismatch
	}

	payload, derr := compression.DecompressWithSize(compressionType, body, int(uncompressedSize))
	if derr != nil {
		return 0, nil, 0, fmt.Errorf("blockcodec: decompress %s block: %w", blockType, derr)
	}
	return blockType, payload, prevOffset, nil
}
