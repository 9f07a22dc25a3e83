package region

import (
	"fmt"
	"time"

	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/encoding"
	"github.com/keyspace/keyspace/internal/wal"
	"github.com/keyspace/keyspace/observer"
)

// Increment atomically adds each delta to the current stored value of its
// qualifier (interpreted as a little-endian uint64, 0 when absent) and writes
// the result as a new Put version, all under a single row latch so a
// concurrent Increment on the same row can never read a value this one is
// about to overwrite. It returns the post-increment value of every
// qualifier named in deltas.
func (r *Region) Increment(row []byte, family string, deltas map[string]int64, durability wal.Durability) (result map[string]int64, err error) {
	if err := r.requireOpen(); err != nil {
		return nil, err
	}
	if _, err := r.store(family); err != nil {
		return nil, err
	}
	event := observer.MutationEvent{RegionID: r.opts.ID, Row: row}
	if ctx := r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreIncrement(c, event) }); ctx.Bypassed() {
		return nil, nil
	}
	defer func() {
		event.Err = err
		r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PostIncrement(c, event) })
	}()

	release := r.latch.lockRows([][]byte{row})
	defer release()

	cells, err := r.getLocked(row, family, 0)
	if err != nil {
		return nil, err
	}
	current := make(map[string]uint64, len(deltas))
	for i := range cells {
		qual := string(cells[i].Qualifier)
		if _, wanted := deltas[qual]; !wanted {
			continue
		}
		if _, seen := current[qual]; seen {
			continue // cells are most-recent-first; keep only the latest version
		}
		v, err := decodeCounter(cells[i].Value)
		if err != nil {
			return nil, fmt.Errorf("region: increment: %w", err)
		}
		current[qual] = v
	}

	ts := uint64(time.Now().UnixMilli())
	result = make(map[string]int64, len(deltas))
	mutations := make([]Mutation, 0, len(deltas))
	edits := make([]cellcodec.Cell, 0, len(deltas))
	for qual, delta := range deltas {
		newVal := int64(current[qual]) + delta
		result[qual] = newVal
		cell := cellcodec.Cell{
			Row: row, Family: []byte(family), Qualifier: []byte(qual),
			Timestamp: ts, Type: cellcodec.TypePut, Value: encodeCounter(uint64(newVal)),
		}
		mutations = append(mutations, Mutation{Family: family, Cell: cell})
		edits = append(edits, cell)
	}

	if err := r.applyLocked(kindPut, [][]byte{row}, mutations, durability, edits); err != nil {
		return nil, err
	}
	return result, nil
}

// Append atomically concatenates each value in appends onto the current
// stored value of its qualifier (empty when absent) and writes the result
// as a new Put version, under the same single-latch discipline as
// Increment.
func (r *Region) Append(row []byte, family string, appends map[string][]byte, durability wal.Durability) (result map[string][]byte, err error) {
	if err := r.requireOpen(); err != nil {
		return nil, err
	}
	if _, err := r.store(family); err != nil {
		return nil, err
	}
	event := observer.MutationEvent{RegionID: r.opts.ID, Row: row}
	if ctx := r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreAppend(c, event) }); ctx.Bypassed() {
		return nil, nil
	}
	defer func() {
		event.Err = err
		r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PostAppend(c, event) })
	}()

	release := r.latch.lockRows([][]byte{row})
	defer release()

	cells, err := r.getLocked(row, family, 0)
	if err != nil {
		return nil, err
	}
	current := make(map[string][]byte, len(appends))
	for i := range cells {
		qual := string(cells[i].Qualifier)
		if _, wanted := appends[qual]; !wanted {
			continue
		}
		if _, seen := current[qual]; seen {
			continue
		}
		current[qual] = cells[i].Value
	}

	ts := uint64(time.Now().UnixMilli())
	result = make(map[string][]byte, len(appends))
	mutations := make([]Mutation, 0, len(appends))
	edits := make([]cellcodec.Cell, 0, len(appends))
	for qual, suffix := range appends {
		newVal := append(append([]byte(nil), current[qual]...), suffix...)
		result[qual] = newVal
		cell := cellcodec.Cell{
			Row: row, Family: []byte(family), Qualifier: []byte(qual),
			Timestamp: ts, Type: cellcodec.TypePut, Value: newVal,
		}
		mutations = append(mutations, Mutation{Family: family, Cell: cell})
		edits = append(edits, cell)
	}

	if err := r.applyLocked(kindPut, [][]byte{row}, mutations, durability, edits); err != nil {
		return nil, err
	}
	return result, nil
}

func decodeCounter(v []byte) (uint64, error) {
	if len(v) == 0 {
		return 0, nil
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("region: counter value is %d bytes, want 8", len(v))
	}
	return encoding.DecodeFixed64(v), nil
}

func encodeCounter(v uint64) []byte {
	dst := make([]byte, 8)
	encoding.EncodeFixed64(dst, v)
	return dst
}
