// Package region implements Region, the unit of distribution: one
// contiguous row-key range served by exactly one node at a time, holding
// one Store per column family plus the row-latch and MVCC bookkeeping that
// lets concurrent mutations and scans observe a consistent view.
package region

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/logging"
	"github.com/keyspace/keyspace/internal/sortedfile"
	"github.com/keyspace/keyspace/internal/wal"
	"github.com/keyspace/keyspace/observer"
	"github.com/keyspace/keyspace/replication"
	"github.com/keyspace/keyspace/scheduler"
	"github.com/keyspace/keyspace/storage"
)

// State is a Region's position in its lifecycle state machine.
type State int

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
	StateSplitting
	StateSplit
	StateMerging
	StateMerged
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	case StateSplitting:
		return "SPLITTING"
	case StateSplit:
		return "SPLIT"
	case StateMerging:
		return "MERGING"
	case StateMerged:
		return "MERGED"
	default:
		return "UNKNOWN"
	}
}

// FamilyOptions configures one column family within a Region.
type FamilyOptions struct {
	Store storage.Options
	// RetainSequence attaches cellcodec.SequenceTag to every written Cell,
	// letting MVCC reads bound visibility by WAL sequence instead of only
	// by wall-clock timestamp. Families that don't need point-in-time
	// snapshot reads can leave this off to save the 9 bytes per cell.
	RetainSequence bool
}

// Options configures a Region.
type Options struct {
	ID         uint64
	StartKey   []byte // inclusive; nil means unbounded
	EndKey     []byte // exclusive; nil means unbounded
	Dir        string
	Families   map[string]FamilyOptions
	Log        *wal.Log
	BlockCache sortedfile.BlockSource
	Logger     logging.Logger
	// Observers, if set, receives the fixed pre/post hook dispatch around
	// every mutation and read. Nil means no policy plug-ins are attached.
	Observers *observer.Chain
	// Gate, if set, is consulted by Put, Delete and BatchMutate before they
	// insert into a MemBuffer, so those writes block or slow down under
	// memory/file-count pressure. CheckAndMutate, Increment and Append do
	// not consult it.
	Gate *scheduler.WriteGate
	// Replication, if set, receives every committed edit as a WAL action;
	// it is responsible for its own GLOBAL-scope family filtering.
	Replication *replication.Tap
	// StartFileID seeds every family Store's file-id allocator. A region
	// created via Split or Merge sets this above every reference FileID it
	// wired in, so a later Flush or Compact can never allocate an id that
	// collides with one of those references.
	StartFileID uint64
}

// Region owns one row-key range's Stores and serializes mutation visibility
// through row latches and a monotonically increasing MVCC sequence.
type Region struct {
	opts Options

	stateMu sync.RWMutex
	state   State

	stores map[string]*storage.Store
	latch  *rowLatches

	readPoint atomic.Uint64 // highest sequence known fully durable+applied
}

// Open brings up a Region's Stores (empty; WAL replay populates them
// separately via Apply) and marks it OPEN.
func Open(opts Options) (*Region, error) {
	stores := make(map[string]*storage.Store, len(opts.Families))
	for name, fam := range opts.Families {
		dir := filepath.Join(opts.Dir, name)
		s, err := storage.Open(dir, fam.Store, opts.BlockCache, opts.StartFileID)
		if err != nil {
			return nil, fmt.Errorf("region: open family %s: %w", name, err)
		}
		stores[name] = s
	}
	r := &Region{
		opts:   opts,
		state:  StateOpen,
		stores: stores,
		latch:  newRowLatches(),
	}
	return r, nil
}

func (r *Region) State() State {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

func (r *Region) setState(s State) {
	r.stateMu.Lock()
	r.state = s
	r.stateMu.Unlock()
}

func (r *Region) requireOpen() error {
	if r.State() != StateOpen {
		return ErrRegionNotOnline
	}
	return nil
}

func (r *Region) store(family string) (*storage.Store, error) {
	s, ok := r.stores[family]
	if !ok {
		return nil, ErrNoSuchFamily
	}
	return s, nil
}

// contains reports whether row falls within [StartKey, EndKey).
func (r *Region) contains(row []byte) bool {
	if r.opts.StartKey != nil && cellcodec.Compare(row, r.opts.StartKey) < 0 {
		return false
	}
	if r.opts.EndKey != nil && cellcodec.Compare(row, r.opts.EndKey) >= 0 {
		return false
	}
	return true
}

// Mutation is one Cell destined for a named family.
type Mutation struct {
	Family string
	Cell   cellcodec.Cell
}

// mutationKind selects which pre/post hook pair apply dispatches.
type mutationKind int

const (
	kindPut mutationKind = iota
	kindDelete
	kindBatchMutate
)

// Put writes one or more Cells for a single row under one latch, WAL-logged
// per durability, then inserted into each named family's MemBuffer.
func (r *Region) Put(row []byte, mutations []Mutation, durability wal.Durability) error {
	return r.apply(kindPut, [][]byte{row}, mutations, durability)
}

// Delete appends tombstone Cells for a row. Callers choose the Cell Type
// (DeleteFamily, DeleteColumn, DeleteCell) to control masking scope.
func (r *Region) Delete(row []byte, mutations []Mutation, durability wal.Durability) error {
	return r.apply(kindDelete, [][]byte{row}, mutations, durability)
}

// BatchMutate applies mutations to multiple rows as one WAL append, latching
// every distinct row (in ascending order, to avoid deadlocking against a
// concurrent batch) before any Cell becomes visible.
func (r *Region) BatchMutate(rows [][]byte, mutations []Mutation, durability wal.Durability) error {
	return r.apply(kindBatchMutate, rows, mutations, durability)
}

func (r *Region) dispatch(call func(h observer.Hooks, ctx *observer.Context)) *observer.Context {
	if r.opts.Observers == nil {
		return &observer.Context{}
	}
	return r.opts.Observers.Dispatch(call)
}

func (r *Region) apply(kind mutationKind, rows [][]byte, mutations []Mutation, durability wal.Durability) (err error) {
	if err := r.requireOpen(); err != nil {
		return err
	}
	for _, row := range rows {
		if !r.contains(row) {
			return fmt.Errorf("region: row out of range")
		}
	}
	for _, m := range mutations {
		if _, err := r.store(m.Family); err != nil {
			return err
		}
	}

	edits := make([]cellcodec.Cell, len(mutations))
	writeSize := 0
	for i, m := range mutations {
		edits[i] = m.Cell
		writeSize += len(m.Cell.Row) + len(m.Cell.Family) + len(m.Cell.Qualifier) + len(m.Cell.Value)
	}
	event := observer.MutationEvent{RegionID: r.opts.ID, Row: rows[0], Mutations: edits}

	switch kind {
	case kindPut:
		if ctx := r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PrePut(c, event) }); ctx.Bypassed() {
			return nil
		}
	case kindDelete:
		if ctx := r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreDelete(c, event) }); ctx.Bypassed() {
			return nil
		}
	case kindBatchMutate:
		if ctx := r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreBatchMutate(c, event) }); ctx.Bypassed() {
			return nil
		}
	}

	defer func() {
		event.Err = err
		switch kind {
		case kindPut:
			r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PostPut(c, event) })
		case kindDelete:
			r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PostDelete(c, event) })
		case kindBatchMutate:
			r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PostBatchMutate(c, event) })
			r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PostBatchMutateIndispensably(c, event) })
		}
	}()

	if r.opts.Gate != nil {
		r.opts.Gate.Wait(writeSize)
	}

	release := r.latch.lockRows(rows)
	defer release()

	return r.applyLocked(kind, rows, mutations, durability, edits)
}

// applyLocked performs the WAL-append-then-MemBuffer-insert half of apply
// for a caller that already holds the row latches for rows (CheckAndMutate,
// Increment, Append all read-then-conditionally-write under one latch and
// must not re-acquire it, which would deadlock).
func (r *Region) applyLocked(kind mutationKind, rows [][]byte, mutations []Mutation, durability wal.Durability, edits []cellcodec.Cell) (err error) {
	var seq uint64
	if r.opts.Log != nil {
		seq, err = r.opts.Log.Append(r.opts.ID, edits, durability)
		if err != nil {
			return fmt.Errorf("region: wal append: %w", err)
		}
		if durability != wal.SkipWAL && r.opts.Replication != nil {
			r.opts.Replication.OnCommit(wal.LogRecord{
				Kind: wal.KindEdit, RegionID: r.opts.ID, Sequence: seq, Cells: edits,
			})
		}
	}

	skipWAL := durability == wal.SkipWAL
	for _, m := range mutations {
		c := m.Cell
		if fam := r.opts.Families[m.Family]; fam.RetainSequence && seq != 0 {
			c.Tags = append(append([]cellcodec.Tag(nil), c.Tags...), cellcodec.SequenceTag(seq))
		}
		s, _ := r.store(m.Family)
		if err = s.Insert(c, skipWAL); err != nil {
			return fmt.Errorf("region: membuffer insert: %w", err)
		}
	}

	if seq > r.readPoint.Load() {
		r.readPoint.Store(seq)
	}
	return nil
}

// Get returns the live Cells visible at readPoint (0 means "latest") for
// row in family, most-recent first, honoring MaxVersions configured for
// that family's Store.
func (r *Region) Get(row []byte, family string, readPoint uint64) ([]cellcodec.Cell, error) {
	if err := r.requireOpen(); err != nil {
		return nil, err
	}
	readEvent := observer.ReadEvent{RegionID: r.opts.ID, Row: row, Family: []byte(family)}
	if ctx := r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreGet(c, readEvent) }); ctx.Bypassed() {
		return nil, nil
	}
	defer r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PostGet(c, readEvent) })
	return r.getLocked(row, family, readPoint)
}

// getLocked is Get's engine logic without the PreGet/PostGet dispatch,
// for callers (checkAndMutate, Increment, Append) that already dispatch
// their own observer events and already hold the row's latch.
func (r *Region) getLocked(row []byte, family string, readPoint uint64) ([]cellcodec.Cell, error) {
	s, err := r.store(family)
	if err != nil {
		return nil, err
	}
	if readPoint == 0 {
		readPoint = r.readPoint.Load()
	}

	files := toStoreFiles(s.Files())
	fr := newFamilyReader(s.MemBuffer(), files, readPoint, r.opts.Families[family].Store.MaxVersions)

	var out []cellcodec.Cell
	for fr.Valid() {
		c := fr.Cell()
		if cmp := bytes.Compare(c.Row, row); cmp < 0 {
			fr.Next()
			continue
		} else if cmp > 0 {
			break
		}
		out = append(out, c)
		fr.Next()
	}
	return out, nil
}

// ScanResult is one Cell yielded by Scan, tagged with its source family.
type ScanResult struct {
	Family string
	Cell   cellcodec.Cell
}

// Scan streams every visible Cell across startRow (inclusive) and stopRow
// (exclusive, nil means unbounded) for the given families, merged in row
// order across families' own key order.
func (r *Region) Scan(startRow, stopRow []byte, families []string, readPoint uint64, fn func(ScanResult) bool) error {
	if err := r.requireOpen(); err != nil {
		return err
	}
	if readPoint == 0 {
		readPoint = r.readPoint.Load()
	}

	readers := make(map[string]*familyReader, len(families))
	for _, fam := range families {
		s, err := r.store(fam)
		if err != nil {
			return err
		}
		readers[fam] = newFamilyReader(s.MemBuffer(), toStoreFiles(s.Files()), readPoint, 0)
	}

	for {
		var bestFam string
		var bestCell cellcodec.Cell
		found := false
		for fam, fr := range readers {
			for startRow != nil && fr.Valid() && cellcodec.Compare(fr.Cell().Row, startRow) < 0 {
				fr.Next()
			}
			if !fr.Valid() {
				continue
			}
			c := fr.Cell()
			if stopRow != nil && cellcodec.Compare(c.Row, stopRow) >= 0 {
				continue
			}
			if !found || cellcodec.Compare(c.Row, bestCell.Row) < 0 {
				bestFam, bestCell, found = fam, c, true
			}
		}
		if !found {
			return nil
		}
		if !fn(ScanResult{Family: bestFam, Cell: bestCell}) {
			return nil
		}
		readers[bestFam].Next()
	}
}

// CheckAndMutate atomically applies mutations only if the most recent
// visible value at (row, family, qualifier) satisfies comparator against
// expectedValue. A nil current cell (no such qualifier) satisfies
// ComparatorEqual/ComparatorNotEqual exactly when expectedValue is nil and
// never satisfies an ordering comparator. It returns ErrCheckFailed (not a
// fault) when the condition does not hold. The row stays latched from the
// read through the write, so no concurrent mutation can invalidate the
// condition between check and apply.
func (r *Region) CheckAndMutate(row []byte, family string, qualifier []byte, comparator Comparator, expectedValue []byte, mutations []Mutation, durability wal.Durability) error {
	return r.checkAndMutate(row, family, qualifier, func(current *cellcodec.Cell) bool {
		if current == nil {
			return (comparator == ComparatorEqual || comparator == ComparatorNotEqual) && expectedValue == nil
		}
		return comparator.evaluate(current.Value, expectedValue)
	}, mutations, durability)
}

// checkAndMutate is the predicate-based implementation CheckAndMutate
// builds on; kept unexported so comparator evaluation always funnels
// through the named Comparator contract from outside this package.
func (r *Region) checkAndMutate(row []byte, family string, qualifier []byte, check func(current *cellcodec.Cell) bool, mutations []Mutation, durability wal.Durability) (err error) {
	if err := r.requireOpen(); err != nil {
		return err
	}
	isDelete := len(mutations) > 0 && cellcodec.IsDelete(mutations[0].Cell.Type)
	event := observer.MutationEvent{RegionID: r.opts.ID, Row: row}
	var ctx *observer.Context
	if isDelete {
		ctx = r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreCheckAndDelete(c, event) })
	} else {
		ctx = r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreCheckAndPut(c, event) })
	}
	if ctx.Bypassed() {
		return nil
	}
	defer func() {
		event.Err = err
		if isDelete {
			r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PostCheckAndDelete(c, event) })
		} else {
			r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PostCheckAndPut(c, event) })
		}
	}()

	release := r.latch.lockRows([][]byte{row})
	defer release()

	cells, err := r.getLocked(row, family, 0)
	if err != nil {
		return err
	}
	var current *cellcodec.Cell
	for i := range cells {
		if bytesEqual(cells[i].Qualifier, qualifier) {
			current = &cells[i]
			break
		}
	}
	if !check(current) {
		return ErrCheckFailed
	}

	applyKind := kindPut
	if isDelete {
		applyKind = kindDelete
	}
	edits := make([]cellcodec.Cell, len(mutations))
	for i, m := range mutations {
		edits[i] = m.Cell
	}
	return r.applyLocked(applyKind, [][]byte{row}, mutations, durability, edits)
}

func toStoreFiles(entries []*storage.FileEntry) []*storeFile {
	out := make([]*storeFile, 0, len(entries))
	for _, e := range entries {
		if e.Reader == nil {
			continue // a bare reference file awaiting compaction rewrite
		}
		out = append(out, &storeFile{reader: e.Reader})
	}
	return out
}
