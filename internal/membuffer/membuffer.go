package membuffer

import (
	"sync"
	"sync/atomic"

	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/encoding"
)

// perEntryOverhead approximates the bookkeeping cost of one skip list node
// (key slice header, pointer array, struct) on top of the raw key+value
// bytes, matching the spec's "size accounting includes per-cell overhead".
const perEntryOverhead = 64

// entry is what's actually stored in the skip list: the cell's comparable
// key (see cellcodec.Key) length-prefixed, followed by the cell's value.
// The comparator only ever looks at the key portion.
func encodeEntry(key, value []byte) []byte {
	dst := make([]byte, 0, encoding.VarintLength(uint64(len(key)))+len(key)+len(value))
	dst = encoding.AppendVarint64(dst, uint64(len(key)))
	dst = append(dst, key...)
	dst = append(dst, value...)
	return dst
}

func splitEntry(e []byte) (key, value []byte, ok bool) {
	s := encoding.NewSlice(e)
	keyLen, ok := s.GetVarint64()
	if !ok {
		return nil, nil, false
	}
	key, ok = s.GetBytes(int(keyLen))
	if !ok {
		return nil, nil, false
	}
	return key, s.Data(), true
}

func entryKey(e []byte) []byte {
	s := encoding.NewSlice(e)
	keyLen, ok := s.GetVarint64()
	if !ok {
		return nil
	}
	key, ok := s.GetBytes(int(keyLen))
	if !ok {
		return nil
	}
	return key
}

func compareEntries(a, b []byte) int {
	return cellcodec.Compare(entryKey(a), entryKey(b))
}

// generation is one skip list plus its own size counters. A MemBuffer holds
// exactly one live generation at a time; SnapshotForFlush swaps it out for
// a fresh, empty one and hands the old one back as an immutable Snapshot.
type generation struct {
	list                    *skipList
	size                    int64 // atomic: bytes including overhead, all cells
	mutationsWithoutWALSize int64 // atomic: subset of size from SkipWAL inserts
}

func newGeneration() *generation {
	return &generation{list: newSkipList(compareEntries)}
}

func (g *generation) newIterator() *Iterator {
	return &Iterator{it: g.list.newIterator()}
}

// MemBuffer is the per-family in-memory sorted buffer: a single logical
// writer inserts Cells while any number of readers iterate concurrently,
// including across a flush. Insert and SnapshotForFlush share insertMu so a
// snapshot always sees a consistent, un-torn generation swap; the mutex
// guards each insert and the swap, while the (potentially slow) flush I/O
// runs against the returned Snapshot without holding it.
type MemBuffer struct {
	insertMu sync.Mutex
	gen      atomic.Pointer[generation]
}

// New returns an empty MemBuffer.
func New() *MemBuffer {
	mb := &MemBuffer{}
	mb.gen.Store(newGeneration())
	return mb
}

// Insert adds a cell to the buffer. skipWAL marks a cell that was durably
// recorded nowhere but here (Durability == SkipWAL at the WAL layer), so its
// bytes are also tallied into MutationsWithoutWALSize.
func (mb *MemBuffer) Insert(cell cellcodec.Cell, skipWAL bool) error {
	key, err := cellcodec.Key(&cell)
	if err != nil {
		return err
	}
	entry := encodeEntry(key, cell.Value)
	charge := int64(len(entry)) + perEntryOverhead

	mb.insertMu.Lock()
	g := mb.gen.Load()
	g.list.insert(entry)
	atomic.AddInt64(&g.size, charge)
	if skipWAL {
		atomic.AddInt64(&g.mutationsWithoutWALSize, charge)
	}
	mb.insertMu.Unlock()
	return nil
}

// Size returns the current generation's total accounted size in bytes.
func (mb *MemBuffer) Size() int64 {
	return atomic.LoadInt64(&mb.gen.Load().size)
}

// MutationsWithoutWALSize returns the portion of Size contributed by cells
// inserted with SkipWAL durability.
func (mb *MemBuffer) MutationsWithoutWALSize() int64 {
	return atomic.LoadInt64(&mb.gen.Load().mutationsWithoutWALSize)
}

// Count returns the number of cells in the current generation.
func (mb *MemBuffer) Count() int64 {
	return mb.gen.Load().list.Count()
}

// Empty reports whether the current generation holds no cells.
func (mb *MemBuffer) Empty() bool {
	return mb.Count() == 0
}

// NewIterator returns an iterator over the live generation. Safe to call
// concurrently with Insert and with SnapshotForFlush; an iterator obtained
// before a swap keeps iterating the generation it was created against.
func (mb *MemBuffer) NewIterator() *Iterator {
	return mb.gen.Load().newIterator()
}

// SnapshotForFlush atomically installs a fresh empty generation and returns
// the previous one as an immutable Snapshot for the flush to iterate. An
// Insert waits at most for the O(1) swap, never for the flush I/O that
// follows it.
func (mb *MemBuffer) SnapshotForFlush() *Snapshot {
	mb.insertMu.Lock()
	old := mb.gen.Load()
	mb.gen.Store(newGeneration())
	mb.insertMu.Unlock()
	return &Snapshot{gen: old}
}

// Snapshot is an immutable view of one generation of a MemBuffer, produced
// by SnapshotForFlush. Nothing ever inserts into it again.
type Snapshot struct {
	gen *generation
}

// NewIterator returns an iterator over the snapshot.
func (s *Snapshot) NewIterator() *Iterator { return s.gen.newIterator() }

// Size returns the snapshot's total accounted size in bytes.
func (s *Snapshot) Size() int64 { return atomic.LoadInt64(&s.gen.size) }

// MutationsWithoutWALSize returns the snapshot's SkipWAL-sourced size.
func (s *Snapshot) MutationsWithoutWALSize() int64 {
	return atomic.LoadInt64(&s.gen.mutationsWithoutWALSize)
}

// Count returns the number of cells in the snapshot.
func (s *Snapshot) Count() int64 { return s.gen.list.Count() }

// Iterator walks cells of a MemBuffer generation (live or snapshotted) in
// cellcodec.Compare order.
type Iterator struct {
	it  *listIterator
	cur cellcodec.Cell
	err error
}

func (it *Iterator) parse() {
	if !it.it.Valid() {
		return
	}
	key, value, ok := splitEntry(it.it.Entry())
	if !ok {
		it.err = cellcodec.ErrCorruptEncoding
		return
	}
	c, err := cellcodec.Decode(key, value)
	if err != nil {
		it.err = err
		return
	}
	it.cur = *c
}

// Valid reports whether the iterator is positioned at an entry.
func (it *Iterator) Valid() bool { return it.it.Valid() && it.err == nil }

// SeekToFirst positions the iterator at the first cell.
func (it *Iterator) SeekToFirst() { it.it.SeekToFirst(); it.parse() }

// SeekToLast positions the iterator at the last cell.
func (it *Iterator) SeekToLast() { it.it.SeekToLast(); it.parse() }

// Seek positions the iterator at the first cell whose key is >= the key of
// target (Value, if set, is ignored for positioning).
func (it *Iterator) Seek(target cellcodec.Cell) {
	key, err := cellcodec.Key(&target)
	if err != nil {
		it.err = err
		return
	}
	it.it.Seek(encodeEntry(key, nil))
	it.parse()
}

// Next advances to the next cell.
func (it *Iterator) Next() { it.it.Next(); it.parse() }

// Prev moves to the previous cell.
func (it *Iterator) Prev() { it.it.Prev(); it.parse() }

// Cell returns the cell at the current position.
func (it *Iterator) Cell() cellcodec.Cell { return it.cur }

// Err returns any decode error encountered while parsing the current entry.
func (it *Iterator) Err() error { return it.err }
