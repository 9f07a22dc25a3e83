package wal

import (
	"errors"

	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/encoding"
)

// Kind identifies what a logical WAL record carries. A compatible reader
// must be able to skip any kind it doesn't recognize — compaction markers
// and future control records ride the same log stream as edits and must
// never fault a replay that doesn't understand them.
type Kind uint8

const (
	// KindEdit carries one region's committed Cells.
	KindEdit Kind = 1
	// KindCompactionMarker records that a compaction completed, so a reader
	// reconstructing flush/compaction scope can recognize the boundary
	// without needing to re-derive it from file state.
	KindCompactionMarker Kind = 2
)

// ErrUnknownRecordKind is returned by decodeLogRecord for a kind byte this
// build doesn't recognize. Replay treats it as a skip signal, not corruption.
var ErrUnknownRecordKind = errors.New("wal: unknown record kind")

// LogRecord is the logical unit appended to and replayed from a Log: one
// region's edits at one sequence number, or a control record.
type LogRecord struct {
	Kind      Kind
	RegionID  uint64
	Sequence  uint64
	WriteTime int64 // unix nanoseconds
	Cells     []cellcodec.Cell
}

func encodeLogRecord(rec LogRecord) ([]byte, error) {
	dst := make([]byte, 0, 64)
	dst = append(dst, byte(rec.Kind))
	dst = encoding.AppendFixed64(dst, rec.RegionID)
	dst = encoding.AppendFixed64(dst, rec.Sequence)
	dst = encoding.AppendFixed64(dst, uint64(rec.WriteTime))
	dst = encoding.AppendVarint32(dst, uint32(len(rec.Cells)))
	for i := range rec.Cells {
		key, err := cellcodec.Key(&rec.Cells[i])
		if err != nil {
			return nil, err
		}
		dst = encoding.AppendLengthPrefixedSlice(dst, key)
		dst = encoding.AppendLengthPrefixedSlice(dst, rec.Cells[i].Value)
	}
	return dst, nil
}

// decodeLogRecord parses one logical record's payload. A kind this build
// doesn't recognize yields ErrUnknownRecordKind, which callers replaying the
// log treat as "skip, don't fail".
func decodeLogRecord(payload []byte) (LogRecord, error) {
	if len(payload) < 1 {
		return LogRecord{}, errors.New("wal: empty record payload")
	}
	kind := Kind(payload[0])
	if kind != KindEdit && kind != KindCompactionMarker {
		return LogRecord{}, ErrUnknownRecordKind
	}

	s := encoding.NewSlice(payload[1:])
	regionID, ok := s.GetFixed64()
	if !ok {
		return LogRecord{}, errors.New("wal: truncated record header")
	}
	sequence, ok := s.GetFixed64()
	if !ok {
		return LogRecord{}, errors.New("wal: truncated record header")
	}
	writeTime, ok := s.GetFixed64()
	if !ok {
		return LogRecord{}, errors.New("wal: truncated record header")
	}
	count, ok := s.GetVarint32()
	if !ok {
		return LogRecord{}, errors.New("wal: truncated record header")
	}

	rec := LogRecord{Kind: kind, RegionID: regionID, Sequence: sequence, WriteTime: int64(writeTime)}
	if kind != KindEdit {
		return rec, nil
	}

	rec.Cells = make([]cellcodec.Cell, 0, count)
	for i := uint32(0); i < count; i++ {
		key, ok := s.GetLengthPrefixedSlice()
		if !ok {
			return LogRecord{}, errors.New("wal: truncated cell key")
		}
		value, ok := s.GetLengthPrefixedSlice()
		if !ok {
			return LogRecord{}, errors.New("wal: truncated cell value")
		}
		c, err := cellcodec.Decode(key, value)
		if err != nil {
			return LogRecord{}, err
		}
		rec.Cells = append(rec.Cells, *c)
	}
	return rec, nil
}
