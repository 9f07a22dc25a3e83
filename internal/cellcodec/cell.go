// Package cellcodec implements the canonical byte-level encoding and
// comparison of Cells (KeyCodec, spec component C1).
//
// A Cell is addressed by (row, family, qualifier, timestamp, type) and
// carries a value plus optional tags. Ordering is row ascending, family
// ascending, qualifier ascending, timestamp descending (newest first),
// type ascending within equal timestamp.
package cellcodec

import (
	"errors"
	"fmt"

	"github.com/keyspace/keyspace/internal/encoding"
)

// MaxRowLength is the largest permitted row key, per the data model.
const MaxRowLength = 32 * 1024

// Type is the kind of mutation a Cell represents. These values are embedded
// in the on-disk format and must not change once written.
type Type uint8

// Type codes are ordered so that, at equal timestamp, broader-scope delete
// markers sort before narrower ones and all deletes sort before a Put. This
// lets the compaction merge iterator encounter a tombstone before the Put
// entries it may need to mask when both share a timestamp.
const (
	TypeDeleteFamily        Type = 0
	TypeDeleteFamilyVersion Type = 1
	TypeDeleteColumn        Type = 2
	TypeDeleteCell          Type = 3
	TypePut                 Type = 4

	typeMin = TypeDeleteFamily
	typeMax = TypePut
)

func (t Type) String() string {
	switch t {
	case TypeDeleteFamily:
		return "DeleteFamily"
	case TypeDeleteFamilyVersion:
		return "DeleteFamilyVersion"
	case TypeDeleteColumn:
		return "DeleteColumn"
	case TypeDeleteCell:
		return "DeleteCell"
	case TypePut:
		return "Put"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// IsValid reports whether t is a recognized type code.
func (t Type) IsValid() bool { return t >= typeMin && t <= typeMax }

// IsDelete reports whether t is any delete marker.
func IsDelete(t Type) bool { return t != TypePut }

// IsDeleteFamily reports whether t removes an entire family.
func IsDeleteFamily(t Type) bool { return t == TypeDeleteFamily || t == TypeDeleteFamilyVersion }

// IsDeleteColumn reports whether t removes a column (qualifier) outright.
func IsDeleteColumn(t Type) bool { return t == TypeDeleteColumn }

var (
	// ErrCorruptEncoding is returned when a Cell cannot be decoded.
	ErrCorruptEncoding = errors.New("cellcodec: corrupt encoding")
	// ErrRowTooLong is returned when a row exceeds MaxRowLength.
	ErrRowTooLong = errors.New("cellcodec: row exceeds maximum length")
)

// Cell is the atomic unit of the store.
type Cell struct {
	Row       []byte
	Family    []byte
	Qualifier []byte
	Timestamp uint64
	Type      Type
	Value     []byte
	Tags      []Tag
}

// Key returns the encoded sort key for c (row, family, qualifier, timestamp,
// type, tags — everything but Value). This is what callers compare and what
// gets stored as the block entry's key.
func Key(c *Cell) ([]byte, error) {
	if len(c.Row) > MaxRowLength {
		return nil, ErrRowTooLong
	}
	tagBytes, err := EncodeTags(c.Tags)
	if err != nil {
		return nil, err
	}
	size := encoding.VarintLength(uint64(len(c.Row))) + len(c.Row) +
		encoding.VarintLength(uint64(len(c.Family))) + len(c.Family) +
		encoding.VarintLength(uint64(len(c.Qualifier))) + len(c.Qualifier) +
		8 + 1 +
		encoding.VarintLength(uint64(len(tagBytes))) + len(tagBytes)
	dst := make([]byte, 0, size)
	dst = encoding.AppendVarint64(dst, uint64(len(c.Row)))
	dst = append(dst, c.Row...)
	dst = encoding.AppendVarint64(dst, uint64(len(c.Family)))
	dst = append(dst, c.Family...)
	dst = encoding.AppendVarint64(dst, uint64(len(c.Qualifier)))
	dst = append(dst, c.Qualifier...)
	// Invert the timestamp so that byte-ascending order within an equal
	// (row, family, qualifier) prefix yields descending logical timestamps.
	dst = encoding.AppendFixed64(dst, ^c.Timestamp)
	dst = append(dst, byte(c.Type))
	dst = encoding.AppendVarint64(dst, uint64(len(tagBytes)))
	dst = append(dst, tagBytes...)
	return dst, nil
}

// Decode parses an encoded key (as produced by Key) plus an associated
// value back into a Cell.
func Decode(key, value []byte) (*Cell, error) {
	s := encoding.NewSlice(key)

	rowLen, ok := s.GetVarint64()
	if !ok {
		return nil, ErrCorruptEncoding
	}
	row, ok := s.GetBytes(int(rowLen))
	if !ok {
		return nil, ErrCorruptEncoding
	}

	famLen, ok := s.GetVarint64()
	if !ok {
		return nil, ErrCorruptEncoding
	}
	family, ok := s.GetBytes(int(famLen))
	if !ok {
		return nil, ErrCorruptEncoding
	}

	qualLen, ok := s.GetVarint64()
	if !ok {
		return nil, ErrCorruptEncoding
	}
	qualifier, ok := s.GetBytes(int(qualLen))
	if !ok {
		return nil, ErrCorruptEncoding
	}

	tsBytes, ok := s.GetBytes(8)
	if !ok {
		return nil, ErrCorruptEncoding
	}
	ts := ^encoding.DecodeFixed64(tsBytes)

	typByte, ok := s.GetBytes(1)
	if !ok {
		return nil, ErrCorruptEncoding
	}
	typ := Type(typByte[0])
	if !typ.IsValid() {
		return nil, ErrCorruptEncoding
	}

	tagLen, ok := s.GetVarint64()
	if !ok {
		return nil, ErrCorruptEncoding
	}
	tagBytes, ok := s.GetBytes(int(tagLen))
	if !ok {
		return nil, ErrCorruptEncoding
	}
	tags, err := DecodeTags(tagBytes)
	if err != nil {
		return nil, err
	}

	return &Cell{
		Row:       append([]byte(nil), row...),
		Family:    append([]byte(nil), family...),
		Qualifier: append([]byte(nil), qualifier...),
		Timestamp: ts,
		Type:      typ,
		Value:     append([]byte(nil), value...),
		Tags:      tags,
	}, nil
}
