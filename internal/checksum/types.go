package checksum

import "github.com/zeebo/xxh3"

// Type represents the type of checksum algorithm recorded in a block header.
type Type uint8

const (
	// TypeNone means no checksum is used; the reader falls back to the
	// file system's own checksum layer.
	TypeNone Type = 0
	// TypeCRC32C is CRC32C (Castagnoli) checksum. Default.
	TypeCRC32C Type = 1
	// TypeXXH3 is the XXH3 checksum, configurable per family via
	// `cells.checksum.xxh3`.
	TypeXXH3 Type = 2
)

// String returns a human-readable name for the checksum type.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeCRC32C:
		return "CRC32C"
	case TypeXXH3:
		return "XXH3"
	default:
		return "Unknown"
	}
}

// XXH3ChecksumWithLastByte computes the XXH3 checksum over data with an
// additional trailing byte folded in (used for block checksums where the
// block-type/compression byte sits outside the payload buffer) and masks
// the low 32 bits of the hash the same way CRC32C is masked.
func XXH3ChecksumWithLastByte(data []byte, lastByte byte) uint32 {
	combined := make([]byte, len(data)+1)
	copy(combined, data)
	combined[len(data)] = lastByte
	h := xxh3.Hash(combined)
	return Mask(uint32(h))
}

// XXH3_64bits returns the 64-bit XXH3 hash of data, used by the bloom
// filter builder where a full 64-bit hash (split into two 32-bit halves) is
// needed rather than the masked 32-bit block checksum.
func XXH3_64bits(data []byte) uint64 {
	return xxh3.Hash(data)
}

// ComputeChecksum computes a checksum of the given type over data, folding
// in lastByte (typically the compression-type byte stored just outside the
// block payload in the on-disk header).
func ComputeChecksum(t Type, data []byte, lastByte byte) uint32 {
	switch t {
	case TypeCRC32C:
		crc := Extend(Value(data), []byte{lastByte})
		return Mask(crc)
	case TypeXXH3:
		return XXH3ChecksumWithLastByte(data, lastByte)
	case TypeNone:
		return 0
	default:
		return 0
	}
}
