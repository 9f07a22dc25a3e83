package cellcodec

import "github.com/keyspace/keyspace/internal/encoding"

// TagType identifies the kind of metadata a Tag carries. Tag types are
// opaque to the storage engine itself; observers and replication filters
// interpret them.
type TagType uint8

const (
	// TagTypeACL carries access-control metadata attached by a observer hook.
	TagTypeACL TagType = 1
	// TagTypeTTL carries a per-cell expiration hint.
	TagTypeTTL TagType = 2
	// TagTypeVisibility carries a cell-visibility label.
	TagTypeVisibility TagType = 3
	// TagTypeReplication marks a cell as already shipped by ReplicationTap,
	// preventing re-shipping loops between peers.
	TagTypeReplication TagType = 4
	// TagTypeSequence carries the region-scoped WAL sequence number a cell
	// was written under, as a fixed 8-byte big-endian value. Region attaches
	// it when the family is configured to retain MVCC provenance on disk;
	// Store's flush/compaction path reads it back to compute a file's
	// MaxSequence without needing a separate per-cell field in Cell itself.
	TagTypeSequence TagType = 5
)

// SequenceTag returns a Tag carrying seq, suitable for Cell.Tags.
func SequenceTag(seq uint64) Tag {
	v := make([]byte, 8)
	for i := 0; i < 8; i++ {
		v[7-i] = byte(seq >> (8 * i))
	}
	return Tag{Type: TagTypeSequence, Value: v}
}

// Sequence returns the cell's TagTypeSequence value, if present.
func Sequence(c *Cell) (uint64, bool) {
	for _, t := range c.Tags {
		if t.Type == TagTypeSequence && len(t.Value) == 8 {
			var v uint64
			for _, b := range t.Value {
				v = v<<8 | uint64(b)
			}
			return v, true
		}
	}
	return 0, false
}

// Tag is a small type-length-value attached to a Cell, carried alongside
// the value but excluded from it.
type Tag struct {
	Type  TagType
	Value []byte
}

// EncodeTags serializes tags as a sequence of [varint totalLen][type byte][value].
func EncodeTags(tags []Tag) ([]byte, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	var dst []byte
	for _, t := range tags {
		dst = encoding.AppendVarint64(dst, uint64(len(t.Value)+1))
		dst = append(dst, byte(t.Type))
		dst = append(dst, t.Value...)
	}
	return dst, nil
}

// DecodeTags parses the tag blob produced by EncodeTags.
func DecodeTags(data []byte) ([]Tag, error) {
	if len(data) == 0 {
		return nil, nil
	}
	s := encoding.NewSlice(data)
	var tags []Tag
	for s.Remaining() > 0 {
		tagLen, ok := s.GetVarint64()
		if !ok || tagLen == 0 {
			return nil, ErrCorruptEncoding
		}
		raw, ok := s.GetBytes(int(tagLen))
		if !ok {
			return nil, ErrCorruptEncoding
		}
		tags = append(tags, Tag{
			Type:  TagType(raw[0]),
			Value: append([]byte(nil), raw[1:]...),
		})
	}
	return tags, nil
}
