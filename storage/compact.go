package storage

import (
	"container/heap"
	"fmt"
	"os"

	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/sortedfile"
)

// PickMinorCompaction selects a contiguous newest-to-oldest run of concrete
// (non-reference) files in which no file is larger than CompactionRatio
// times the sum of the files before it in the run, honoring the store's
// file-count bounds. It returns nil if no selection qualifies. Mirrors the
// teacher's size-ratio run picker: extend a window from each starting point
// while the next candidate is no larger than ratio times the running sum,
// and accept the first window that clears the minimum file count.
func (s *Store) PickMinorCompaction() []*FileEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []*FileEntry
	for _, f := range s.files {
		if f.Reference != nil {
			break // references only ever appear newest-first as a contiguous block after split; stop there
		}
		candidates = append(candidates, f)
	}
	if len(candidates) < s.opts.MinFilesToCompact {
		return nil
	}

	max := s.opts.MaxFilesToCompact
	if max <= 0 {
		max = len(candidates)
	}

	for start := 0; start < len(candidates); start++ {
		end := start + 1
		sum := candidates[start].Info.TotalUncompressedBytes
		for end < len(candidates) && end-start < max {
			next := candidates[end].Info.TotalUncompressedBytes
			if next == 0 || float64(next) > s.opts.CompactionRatio*float64(sum) {
				break
			}
			sum += next
			end++
		}
		if end-start >= s.opts.MinFilesToCompact {
			out := make([]*FileEntry, end-start)
			copy(out, candidates[start:end])
			return out
		}
	}
	return nil
}

// PickReferenceRewrite returns the leading run of reference files, if any,
// the way AddReference leaves them: newest-first, contiguous at the front
// of the set. A non-nil result is a candidate input to Compact so that
// references become true files on the store's next compaction, the way
// the split-file-lifecycle property requires.
func (s *Store) PickReferenceRewrite() []*FileEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var refs []*FileEntry
	for _, f := range s.files {
		if f.Reference == nil {
			break
		}
		refs = append(refs, f)
	}
	return refs
}

// Compact merges the given files (selected by PickMinorCompaction, or the
// store's entire concrete file set for a major compaction) into a single
// new output file, applying version, TTL and tombstone-masking rules, and
// atomically replaces the inputs with the output. A selected entry may be a
// reference file (Reader == nil): its cells are read through to the parent
// file it points at, bounded to the half of the key space the reference
// covers, so a reference is rewritten into an ordinary, independently
// readable file exactly like any other compaction input.
//
// major must be true only when selected spans every concrete file in the
// store: a major compaction is the only point at which a tombstone can be
// safely dropped once it has masked everything it needs to, since no older
// file remains outside the selection that it might still need to shadow.
func (s *Store) Compact(selected []*FileEntry, major bool, nowMillis uint64) (*FileEntry, error) {
	if len(selected) == 0 {
		return nil, fmt.Errorf("storage: compact: no input files")
	}
	s.mu.Lock()
	if s.compacting {
		s.mu.Unlock()
		return nil, fmt.Errorf("storage: compact: a compaction is already running for this store")
	}
	s.compacting = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.compacting = false
		s.mu.Unlock()
	}()

	fileID := s.allocFileID()
	staged := s.stagedPath(fileID)
	w, err := sortedfile.Create(staged, s.opts.Writer)
	if err != nil {
		return nil, fmt.Errorf("storage: compact create: %w", err)
	}

	var parentReaders []*sortedfile.Reader
	closeParents := func() {
		for _, r := range parentReaders {
			r.Close()
		}
	}

	sources := make([]cellSource, len(selected))
	for i, f := range selected {
		if f.Reference != nil {
			var cache sortedfile.BlockSource
			if s.opts.BlockCacheEnabled {
				cache = s.cache
			}
			parent, err := sortedfile.Open(f.Reference.ParentPath, f.Reference.ParentFileID, cache)
			if err != nil {
				closeParents()
				os.Remove(staged)
				return nil, fmt.Errorf("storage: compact open reference parent: %w", err)
			}
			parentReaders = append(parentReaders, parent)
			sc := parent.NewScanner()
			sc.SeekToFirst()
			sources[i] = &referenceSource{sc: sc, splitKey: f.Reference.SplitKey, side: f.Reference.Side}
			continue
		}
		sc := f.Reader.NewScanner()
		sc.SeekToFirst()
		sources[i] = &scannerSource{sc: sc}
	}

	maxSeq, err := mergeAndWrite(sources, w, mergeOptions{
		maxVersions: s.opts.MaxVersions,
		ttlMillis:   s.opts.TTLMillis,
		nowMillis:   nowMillis,
		dropMasked:  major,
	})
	closeParents()
	if err != nil {
		os.Remove(staged)
		return nil, fmt.Errorf("storage: compact merge: %w", err)
	}
	w.SetMaxSequence(maxSeq)
	if err := w.Finish(); err != nil {
		os.Remove(staged)
		return nil, fmt.Errorf("storage: compact finish: %w", err)
	}

	final := s.finalPath(fileID)
	if err := os.Rename(staged, final); err != nil {
		return nil, fmt.Errorf("storage: compact publish: %w", err)
	}
	entry, err := s.openEntry(fileID, final)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.files = replaceFiles(s.files, selected, entry)
	s.mu.Unlock()

	for _, f := range selected {
		if f.Reader != nil {
			f.Reader.Close()
		}
	}
	return entry, nil
}

// referenceSource reads a reference file's parent, skipping cells outside
// the half of the key space (relative to splitKey) the reference covers:
// Top keeps rows >= splitKey, Bottom keeps rows < splitKey.
type referenceSource struct {
	sc       *sortedfile.Scanner
	splitKey []byte
	err      error
	cur      cellcodec.Cell
	loaded   bool
	side     ReferenceSide
}

func (r *referenceSource) inBounds(row []byte) bool {
	if r.splitKey == nil {
		return true // a merge reference covers its whole parent file, unsplit
	}
	cmp := cellcodec.Compare(row, r.splitKey)
	if r.side == ReferenceTop {
		return cmp >= 0
	}
	return cmp < 0
}

func (r *referenceSource) seek() {
	for r.sc.Valid() {
		c, err := r.sc.Cell()
		if err != nil {
			r.err = err
			r.loaded = false
			return
		}
		if r.inBounds(c.Row) {
			r.cur = *c
			r.loaded = true
			return
		}
		r.sc.Next()
	}
	r.loaded = false
}

func (r *referenceSource) Valid() bool {
	if !r.loaded && r.err == nil {
		r.seek()
	}
	return r.loaded || r.err != nil
}

func (r *referenceSource) Cell() (cellcodec.Cell, error) {
	if r.err != nil {
		return cellcodec.Cell{}, r.err
	}
	return r.cur, nil
}

func (r *referenceSource) Next() {
	r.sc.Next()
	r.loaded = false
	r.seek()
}

// replaceFiles returns a copy of files with every entry in selected removed
// and replacement inserted at the position of the first removed entry,
// preserving newest-first order.
func replaceFiles(files, selected []*FileEntry, replacement *FileEntry) []*FileEntry {
	removed := make(map[uint64]bool, len(selected))
	for _, f := range selected {
		removed[f.FileID] = true
	}
	out := make([]*FileEntry, 0, len(files)-len(selected)+1)
	inserted := false
	for _, f := range files {
		if removed[f.FileID] {
			if !inserted {
				out = append(out, replacement)
				inserted = true
			}
			continue
		}
		out = append(out, f)
	}
	if !inserted {
		out = append([]*FileEntry{replacement}, out...)
	}
	return out
}

// cellSource is a position over a sorted stream of Cells in cellcodec.Key
// order, satisfied by both a sortedfile.Scanner and a membuffer.Iterator.
type cellSource interface {
	Valid() bool
	Cell() (cellcodec.Cell, error)
	Next()
}

type scannerSource struct{ sc *sortedfile.Scanner }

func (s *scannerSource) Valid() bool { return s.sc.Valid() }
func (s *scannerSource) Cell() (cellcodec.Cell, error) {
	c, err := s.sc.Cell()
	if err != nil {
		return cellcodec.Cell{}, err
	}
	return *c, nil
}
func (s *scannerSource) Next() { s.sc.Next() }

type mergeOptions struct {
	maxVersions int
	ttlMillis   uint64
	nowMillis   uint64
	// dropMasked, when true, omits tombstones from the output once they
	// have masked everything they can within this merge (valid only when
	// the merge spans every file in the store, i.e. a major compaction).
	dropMasked bool
}

// mergeAndWrite performs a key-ordered heap merge of sources, applies
// tombstone masking, version capping and TTL expiry, and writes surviving
// cells to w in order. It returns the largest sequence number seen (via
// cellcodec.Sequence tags, when present).
func mergeAndWrite(sources []cellSource, w *sortedfile.Writer, opts mergeOptions) (uint64, error) {
	h := &sourceHeap{}
	for _, src := range sources {
		if src.Valid() {
			c, err := src.Cell()
			if err != nil {
				return 0, err
			}
			key, err := cellcodec.Key(&c)
			if err != nil {
				return 0, err
			}
			heap.Push(h, &sourceItem{src: src, cell: c, key: key})
		}
	}
	heap.Init(h)

	var (
		maxSeq                          uint64
		curRow, curFamily, curQualifier []byte
		haveCur                         bool
		deleteFamilyTS                  uint64
		deleteColumnTS                  uint64
		cellDeletes                     map[uint64]bool
		versionsEmitted                 int
	)

	for h.Len() > 0 {
		item := heap.Pop(h).(*sourceItem)
		c := item.cell

		item.src.Next()
		if item.src.Valid() {
			nc, err := item.src.Cell()
			if err != nil {
				return 0, err
			}
			key, err := cellcodec.Key(&nc)
			if err != nil {
				return 0, err
			}
			heap.Push(h, &sourceItem{src: item.src, cell: nc, key: key})
		}

		if seq, ok := cellcodec.Sequence(&c); ok && seq > maxSeq {
			maxSeq = seq
		}

		if !haveCur || !bytesEqual(c.Row, curRow) {
			curRow, curFamily, curQualifier = c.Row, nil, nil
			haveCur = true
		}
		if !bytesEqual(c.Family, curFamily) {
			curFamily = c.Family
			curQualifier = nil
			deleteFamilyTS = 0
		}
		if !bytesEqual(c.Qualifier, curQualifier) {
			curQualifier = c.Qualifier
			deleteColumnTS = 0
			cellDeletes = nil
			versionsEmitted = 0
		}

		switch c.Type {
		case cellcodec.TypeDeleteFamily, cellcodec.TypeDeleteFamilyVersion:
			if c.Timestamp > deleteFamilyTS {
				deleteFamilyTS = c.Timestamp
			}
			if !opts.dropMasked {
				if err := w.Add(&c); err != nil {
					return 0, err
				}
			}
		case cellcodec.TypeDeleteColumn:
			if c.Timestamp > deleteColumnTS {
				deleteColumnTS = c.Timestamp
			}
			if !opts.dropMasked {
				if err := w.Add(&c); err != nil {
					return 0, err
				}
			}
		case cellcodec.TypeDeleteCell:
			if cellDeletes == nil {
				cellDeletes = make(map[uint64]bool)
			}
			cellDeletes[c.Timestamp] = true
			if !opts.dropMasked {
				if err := w.Add(&c); err != nil {
					return 0, err
				}
			}
		case cellcodec.TypePut:
			masked := c.Timestamp <= deleteFamilyTS || c.Timestamp <= deleteColumnTS || cellDeletes[c.Timestamp]
			expired := opts.ttlMillis > 0 && opts.nowMillis > c.Timestamp && opts.nowMillis-c.Timestamp > opts.ttlMillis
			if masked || expired {
				continue
			}
			if opts.maxVersions > 0 && versionsEmitted >= opts.maxVersions {
				continue
			}
			versionsEmitted++
			if err := w.Add(&c); err != nil {
				return 0, err
			}
		}
	}
	return maxSeq, nil
}

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

type sourceItem struct {
	src  cellSource
	cell cellcodec.Cell
	key  []byte
}

type sourceHeap struct {
	items []*sourceItem
}

func (h *sourceHeap) Len() int { return len(h.items) }
func (h *sourceHeap) Less(i, j int) bool {
	return cellcodec.Compare(h.items[i].key, h.items[j].key) < 0
}
func (h *sourceHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *sourceHeap) Push(x any)    { h.items = append(h.items, x.(*sourceItem)) }
func (h *sourceHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
