package cellcodec

import (
	"bytes"

	"github.com/keyspace/keyspace/internal/encoding"
)

// Compare orders two encoded keys (as produced by Key) per the data model:
// row ascending, family ascending, qualifier ascending, timestamp descending
// (newest first), type ascending within equal timestamp. Tag bytes are
// compared last and only matter for otherwise-identical entries.
//
// The encoded form length-prefixes each field with a varint, so a raw
// byte-for-byte comparison of the whole buffer does not track lexical order
// of the fields (e.g. a 2-byte field can sort before a 1-byte field purely
// because its length varint differs). Fields are therefore extracted and
// compared individually, mirroring the teacher's InternalKeyComparator.
func Compare(a, b []byte) int {
	af, arest, ok := splitKeyFields(a)
	if !ok {
		return bytes.Compare(a, b)
	}
	bf, brest, ok := splitKeyFields(b)
	if !ok {
		return bytes.Compare(a, b)
	}

	if c := bytes.Compare(af.row, bf.row); c != 0 {
		return c
	}
	if c := bytes.Compare(af.family, bf.family); c != 0 {
		return c
	}
	if c := bytes.Compare(af.qualifier, bf.qualifier); c != 0 {
		return c
	}
	// Timestamps are stored inverted, so ascending byte order of the raw
	// 8-byte field already yields descending logical timestamps.
	if c := bytes.Compare(af.invertedTS, bf.invertedTS); c != 0 {
		return c
	}
	if af.typ != bf.typ {
		if af.typ < bf.typ {
			return -1
		}
		return 1
	}
	return bytes.Compare(arest, brest)
}

type keyFields struct {
	row        []byte
	family     []byte
	qualifier  []byte
	invertedTS []byte
	typ        Type
}

// splitKeyFields extracts the comparable fields out of an encoded key,
// returning the trailing tag bytes separately for a final tiebreak.
func splitKeyFields(key []byte) (keyFields, []byte, bool) {
	s := encoding.NewSlice(key)
	var f keyFields

	rowLen, ok := s.GetVarint64()
	if !ok {
		return f, nil, false
	}
	row, ok := s.GetBytes(int(rowLen))
	if !ok {
		return f, nil, false
	}
	f.row = row

	famLen, ok := s.GetVarint64()
	if !ok {
		return f, nil, false
	}
	family, ok := s.GetBytes(int(famLen))
	if !ok {
		return f, nil, false
	}
	f.family = family

	qualLen, ok := s.GetVarint64()
	if !ok {
		return f, nil, false
	}
	qualifier, ok := s.GetBytes(int(qualLen))
	if !ok {
		return f, nil, false
	}
	f.qualifier = qualifier

	ts, ok := s.GetBytes(8)
	if !ok {
		return f, nil, false
	}
	f.invertedTS = ts

	typByte, ok := s.GetBytes(1)
	if !ok {
		return f, nil, false
	}
	f.typ = Type(typByte[0])

	return f, s.Data(), true
}

// UserKeyPrefix returns the row+family+qualifier portion of an encoded key,
// used by scanners to detect when they have crossed onto a new column.
func UserKeyPrefix(key []byte) ([]byte, bool) {
	s := encoding.NewSlice(key)

	rowLen, ok := s.GetVarint64()
	if !ok {
		return nil, false
	}
	if _, ok := s.GetBytes(int(rowLen)); !ok {
		return nil, false
	}

	famLen, ok := s.GetVarint64()
	if !ok {
		return nil, false
	}
	if _, ok := s.GetBytes(int(famLen)); !ok {
		return nil, false
	}

	qualLen, ok := s.GetVarint64()
	if !ok {
		return nil, false
	}
	if _, ok := s.GetBytes(int(qualLen)); !ok {
		return nil, false
	}

	return key[:len(key)-s.Remaining()], true
}
