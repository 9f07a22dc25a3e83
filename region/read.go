package region

import (
	"container/heap"

	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/membuffer"
	"github.com/keyspace/keyspace/internal/sortedfile"
)

// cellSource is a position over a key-ordered stream of Cells, satisfied by
// both the live MemBuffer and any on-disk SortedFile scanner. The read path
// merges one of these per source the same way storage's compaction merge
// does, but stops at masking rather than rewriting a file.
type cellSource interface {
	Valid() bool
	Cell() cellcodec.Cell
	Next()
}

type memSource struct{ it *membuffer.Iterator }

func (m *memSource) Valid() bool          { return m.it.Valid() }
func (m *memSource) Cell() cellcodec.Cell { return m.it.Cell() }
func (m *memSource) Next()                { m.it.Next() }

type fileSource struct {
	sc  *sortedfile.Scanner
	cur cellcodec.Cell
	err error
}

func newFileSource(sc *sortedfile.Scanner) *fileSource {
	fs := &fileSource{sc: sc}
	fs.load()
	return fs
}

func (f *fileSource) load() {
	if !f.sc.Valid() {
		return
	}
	c, err := f.sc.Cell()
	if err != nil {
		f.err = err
		return
	}
	f.cur = *c
}

func (f *fileSource) Valid() bool          { return f.err == nil && f.sc.Valid() }
func (f *fileSource) Cell() cellcodec.Cell { return f.cur }
func (f *fileSource) Next()                { f.sc.Next(); f.load() }

type readItem struct {
	src  cellSource
	cell cellcodec.Cell
	key  []byte
}

type readHeap struct{ items []*readItem }

func (h *readHeap) Len() int { return len(h.items) }
func (h *readHeap) Less(i, j int) bool {
	return cellcodec.Compare(h.items[i].key, h.items[j].key) < 0
}
func (h *readHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *readHeap) Push(x any)    { h.items = append(h.items, x.(*readItem)) }
func (h *readHeap) Pop() any {
	old := h.items
	n := len(old)
	it := old[n-1]
	h.items = old[:n-1]
	return it
}

// familyReader merges a family's MemBuffer and SortedFile set into a single
// key-ordered stream of live Cells, masking tombstoned and version-shadowed
// Puts as it goes. readPoint bounds visibility to Cells whose WAL sequence
// (carried via cellcodec.TagTypeSequence, when the family retains it) is
// at or before the reader's MVCC snapshot; cells with no sequence tag are
// always visible, matching families that don't track provenance on disk.
type familyReader struct {
	h                                *readHeap
	readPoint                        uint64
	curRow, curFamily, curQualifier  []byte
	haveCur                          bool
	deleteFamilyTS, deleteColumnTS   uint64
	cellDeletes                      map[uint64]bool
	maxVersions                      int
	versionsEmitted                  int
	next                             *cellcodec.Cell
	err                              error
}

func newFamilyReader(mem *membuffer.MemBuffer, files []*storeFile, readPoint uint64, maxVersions int) *familyReader {
	h := &readHeap{}
	push := func(src cellSource) {
		if src.Valid() {
			c := src.Cell()
			key, err := cellcodec.Key(&c)
			if err != nil {
				return
			}
			heap.Push(h, &readItem{src: src, cell: c, key: key})
		}
	}

	it := mem.NewIterator()
	it.SeekToFirst()
	push(&memSource{it: it})
	for _, f := range files {
		sc := f.reader.NewScanner()
		sc.SeekToFirst()
		push(newFileSource(sc))
	}
	heap.Init(h)

	fr := &familyReader{h: h, readPoint: readPoint, maxVersions: maxVersions}
	fr.advance()
	return fr
}

// storeFile is the minimal view a familyReader needs of a storage file
// entry, decoupling this package from storage's FileEntry type.
type storeFile struct {
	reader *sortedfile.Reader
}

func (fr *familyReader) visible(c cellcodec.Cell) bool {
	if fr.readPoint == 0 {
		return true
	}
	seq, ok := cellcodec.Sequence(&c)
	return !ok || seq <= fr.readPoint
}

func (fr *familyReader) advance() {
	for fr.h.Len() > 0 {
		item := heap.Pop(fr.h).(*readItem)
		c := item.cell

		item.src.Next()
		if item.src.Valid() {
			nc := item.src.Cell()
			key, err := cellcodec.Key(&nc)
			if err == nil {
				heap.Push(fr.h, &readItem{src: item.src, cell: nc, key: key})
			}
		}

		if !fr.visible(c) {
			continue
		}

		if !fr.haveCur || !bytesEqual(c.Row, fr.curRow) {
			fr.curRow, fr.curFamily, fr.curQualifier = c.Row, nil, nil
			fr.haveCur = true
		}
		if !bytesEqual(c.Family, fr.curFamily) {
			fr.curFamily = c.Family
			fr.curQualifier = nil
			fr.deleteFamilyTS = 0
		}
		if !bytesEqual(c.Qualifier, fr.curQualifier) {
			fr.curQualifier = c.Qualifier
			fr.deleteColumnTS = 0
			fr.cellDeletes = nil
			fr.versionsEmitted = 0
		}

		switch c.Type {
		case cellcodec.TypeDeleteFamily, cellcodec.TypeDeleteFamilyVersion:
			if c.Timestamp > fr.deleteFamilyTS {
				fr.deleteFamilyTS = c.Timestamp
			}
			continue
		case cellcodec.TypeDeleteColumn:
			if c.Timestamp > fr.deleteColumnTS {
				fr.deleteColumnTS = c.Timestamp
			}
			continue
		case cellcodec.TypeDeleteCell:
			if fr.cellDeletes == nil {
				fr.cellDeletes = make(map[uint64]bool)
			}
			fr.cellDeletes[c.Timestamp] = true
			continue
		case cellcodec.TypePut:
			masked := c.Timestamp <= fr.deleteFamilyTS || c.Timestamp <= fr.deleteColumnTS || fr.cellDeletes[c.Timestamp]
			if masked {
				continue
			}
			if fr.maxVersions > 0 && fr.versionsEmitted >= fr.maxVersions {
				continue
			}
			fr.versionsEmitted++
			cc := c
			fr.next = &cc
			return
		}
	}
	fr.next = nil
}

func (fr *familyReader) Valid() bool          { return fr.next != nil }
func (fr *familyReader) Cell() cellcodec.Cell { return *fr.next }
func (fr *familyReader) Next()                { fr.advance() }

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
