package region

import (
	"fmt"
	"os"

	"github.com/keyspace/keyspace/observer"
	"github.com/keyspace/keyspace/regionfs"
	"github.com/keyspace/keyspace/storage"
)

// SplitOptions configures a Split transaction.
type SplitOptions struct {
	// SplitKey becomes daughterA's EndKey and daughterB's StartKey.
	SplitKey []byte
	// RootDir is the parent directory daughter regions are created under
	// (the same root the parent's own Dir was created under).
	RootDir                 string
	DaughterAID, DaughterBID uint64
}

// Split runs the two-phase split transaction: flush every family so the
// parent's file set is stable, quiesce the parent (state SPLITTING already
// rejects new mutations via requireOpen), create daughter directories and
// reference files pointing at the parent's files (before PONR, fully
// undoable), flip the parent to SPLIT (the PONR — daughters become
// authoritative from this instant), then open the daughters (after PONR,
// forward-only: a failure here cannot roll back and must be retried by
// reopening the daughters against the reference files already on disk).
func (r *Region) Split(opts SplitOptions) (daughterA, daughterB *Region, err error) {
	if err := r.requireOpen(); err != nil {
		return nil, nil, err
	}
	if !r.contains(opts.SplitKey) {
		return nil, nil, fmt.Errorf("region: split: split key out of range")
	}

	event := observer.SplitEvent{
		RegionID: r.opts.ID, SplitKey: opts.SplitKey,
		DaughterAID: opts.DaughterAID, DaughterBID: opts.DaughterBID,
	}
	r.setState(StateSplitting)

	rollback := func(cause error) (*Region, *Region, error) {
		r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreSplitRollback(c, event) })
		os.RemoveAll(regionDir(opts.RootDir, opts.DaughterAID))
		os.RemoveAll(regionDir(opts.RootDir, opts.DaughterBID))
		r.setState(StateOpen)
		return nil, nil, cause
	}

	for family, s := range r.stores {
		if _, err := s.Flush(); err != nil {
			return rollback(fmt.Errorf("region: split: flush %s: %w", family, err))
		}
	}

	r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreSplitBeforePONR(c, event) })

	layoutA, err := regionfs.Open(opts.RootDir, opts.DaughterAID)
	if err != nil {
		return rollback(fmt.Errorf("region: split: open daughter A layout: %w", err))
	}
	layoutB, err := regionfs.Open(opts.RootDir, opts.DaughterBID)
	if err != nil {
		return rollback(fmt.Errorf("region: split: open daughter B layout: %w", err))
	}

	type refPair struct {
		family      string
		fileID      uint64
		bottom, top storage.ReferenceMeta
	}
	var refs []refPair
	var maxParentFileID uint64
	for family, s := range r.stores {
		for _, f := range s.Files() {
			if f.Reference != nil {
				continue // a never-yet-compacted reference in the parent is skipped; it becomes concrete on the parent's next compaction before any further split
			}
			if f.FileID > maxParentFileID {
				maxParentFileID = f.FileID
			}
			name := fmt.Sprintf("%020d", f.FileID)
			bottom := storage.ReferenceMeta{ParentFileID: f.FileID, ParentPath: f.Path, SplitKey: opts.SplitKey, Side: storage.ReferenceBottom}
			top := storage.ReferenceMeta{ParentFileID: f.FileID, ParentPath: f.Path, SplitKey: opts.SplitKey, Side: storage.ReferenceTop}
			if err := layoutA.ReferenceFile(family, name, storage.EncodeReferenceMeta(bottom)); err != nil {
				return rollback(fmt.Errorf("region: split: reference daughter A: %w", err))
			}
			if err := layoutB.ReferenceFile(family, name, storage.EncodeReferenceMeta(top)); err != nil {
				return rollback(fmt.Errorf("region: split: reference daughter B: %w", err))
			}
			refs = append(refs, refPair{family: family, fileID: f.FileID, bottom: bottom, top: top})
		}
	}

	// PONR: the parent's state flips to SPLIT. Everything before this point
	// is undoable; nothing after it is.
	r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreSplitAfterPONR(c, event) })
	r.setState(StateSplit)

	daughterAOpts := r.opts
	daughterAOpts.ID = opts.DaughterAID
	daughterAOpts.EndKey = opts.SplitKey
	daughterAOpts.Dir = layoutA.Dir()
	daughterAOpts.StartFileID = maxParentFileID
	a, err := Open(daughterAOpts)
	if err != nil {
		return nil, nil, fmt.Errorf("region: split: open daughter A (forward retry required): %w", err)
	}

	daughterBOpts := r.opts
	daughterBOpts.ID = opts.DaughterBID
	daughterBOpts.StartKey = opts.SplitKey
	daughterBOpts.Dir = layoutB.Dir()
	daughterBOpts.StartFileID = maxParentFileID
	b, err := Open(daughterBOpts)
	if err != nil {
		return a, nil, fmt.Errorf("region: split: open daughter B (forward retry required): %w", err)
	}

	for _, ref := range refs {
		a.stores[ref.family].AddReference(ref.fileID, ref.bottom)
		b.stores[ref.family].AddReference(ref.fileID, ref.top)
	}

	r.dispatch(func(h observer.Hooks, c *observer.Context) { h.PostSplit(c, event) })
	return a, b, nil
}

// MergeOptions configures a Merge transaction.
type MergeOptions struct {
	RootDir  string
	MergedID uint64
}

// Merge runs the two-phase merge transaction mirroring Split: flush both
// inputs, quiesce them (state MERGING), create the merged region's
// directory with reference files to both parents' whole file sets (before
// PONR), flip both parents to MERGED (the PONR), then open the merged
// region (after PONR, forward-only). r and other must be adjacent (one's
// EndKey equals the other's StartKey) and both OPEN.
func (r *Region) Merge(other *Region, opts MergeOptions) (merged *Region, err error) {
	if r.State() != StateOpen || other.State() != StateOpen {
		return nil, ErrMergeRegion
	}
	lo, hi := r, other
	if !bytesEqual(lo.opts.EndKey, hi.opts.StartKey) {
		lo, hi = other, r
		if !bytesEqual(lo.opts.EndKey, hi.opts.StartKey) {
			return nil, ErrMergeRegion
		}
	}

	event := observer.MergeEvent{RegionAID: lo.opts.ID, RegionBID: hi.opts.ID, MergedID: opts.MergedID}
	lo.setState(StateMerging)
	hi.setState(StateMerging)

	rollback := func(cause error) (*Region, error) {
		lo.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreMergeRollback(c, event) })
		os.RemoveAll(regionDir(opts.RootDir, opts.MergedID))
		lo.setState(StateOpen)
		hi.setState(StateOpen)
		return nil, cause
	}

	for family, s := range lo.stores {
		if _, err := s.Flush(); err != nil {
			return rollback(fmt.Errorf("region: merge: flush %s (A): %w", family, err))
		}
	}
	for family, s := range hi.stores {
		if _, err := s.Flush(); err != nil {
			return rollback(fmt.Errorf("region: merge: flush %s (B): %w", family, err))
		}
	}

	lo.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreMergeBeforePONR(c, event) })

	mergedLayout, err := regionfs.Open(opts.RootDir, opts.MergedID)
	if err != nil {
		return rollback(fmt.Errorf("region: merge: open merged layout: %w", err))
	}

	type parentFile struct {
		family string
		meta   storage.ReferenceMeta
	}
	var refs []parentFile
	for _, side := range []*Region{lo, hi} {
		for family, s := range side.stores {
			for _, f := range s.Files() {
				if f.Reference != nil {
					continue
				}
				meta := storage.ReferenceMeta{ParentFileID: f.FileID, ParentPath: f.Path}
				name := fmt.Sprintf("%d-%020d", side.opts.ID, f.FileID)
				if err := mergedLayout.ReferenceFile(family, name, storage.EncodeReferenceMeta(meta)); err != nil {
					return rollback(fmt.Errorf("region: merge: reference %s: %w", family, err))
				}
				refs = append(refs, parentFile{family: family, meta: meta})
			}
		}
	}

	// PONR: both parents flip to MERGED.
	lo.dispatch(func(h observer.Hooks, c *observer.Context) { h.PreMergeAfterPONR(c, event) })
	lo.setState(StateMerged)
	hi.setState(StateMerged)

	mergedOpts := lo.opts
	mergedOpts.ID = opts.MergedID
	mergedOpts.StartKey = lo.opts.StartKey
	mergedOpts.EndKey = hi.opts.EndKey
	mergedOpts.Dir = mergedLayout.Dir()
	mergedOpts.StartFileID = uint64(len(refs))
	merged, err = Open(mergedOpts)
	if err != nil {
		return nil, fmt.Errorf("region: merge: open merged region (forward retry required): %w", err)
	}

	for i, ref := range refs {
		merged.stores[ref.family].AddReference(uint64(i)+1, ref.meta)
	}

	lo.dispatch(func(h observer.Hooks, c *observer.Context) { h.PostMerge(c, event) })
	return merged, nil
}

func regionDir(root string, regionID uint64) string {
	l, _ := regionfs.Open(root, regionID)
	if l == nil {
		return ""
	}
	return l.Dir()
}
