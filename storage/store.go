// Package storage implements Store, the per-family unit that owns one
// MemBuffer and the family's ordered, immutable SortedFile set: flush,
// compaction selection and execution, and reference-file bookkeeping for
// split.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/encoding"
	"github.com/keyspace/keyspace/internal/membuffer"
	"github.com/keyspace/keyspace/internal/sortedfile"
)

// ReferenceSide marks which half of a parent file a reference file covers.
type ReferenceSide uint8

const (
	// ReferenceTop covers keys >= the split key.
	ReferenceTop ReferenceSide = 1
	// ReferenceBottom covers keys < the split key.
	ReferenceBottom ReferenceSide = 2
)

// FileEntry is one member of a Store's ordered SortedFile set.
type FileEntry struct {
	FileID uint64
	Path   string
	Info   sortedfile.FileInfo
	Reader *sortedfile.Reader

	// Reference is non-nil when this entry is a reference file created
	// during a split rather than a concrete, independently-readable file.
	Reference *ReferenceMeta
}

// ReferenceMeta describes a reference file's parent and boundary.
type ReferenceMeta struct {
	ParentFileID uint64
	ParentPath   string
	SplitKey     []byte
	Side         ReferenceSide
}

// Options configures a Store.
type Options struct {
	Family string
	Writer sortedfile.WriterOptions

	// MaxVersions caps how many Put versions of a column survive
	// compaction. 0 means unlimited.
	MaxVersions int
	// TTLMillis expires Puts older than now-TTLMillis during compaction.
	// 0 disables TTL-based expiry.
	TTLMillis uint64

	// CompactionRatio bounds minor compaction selection: a file is
	// eligible only if its size <= CompactionRatio * sum(smaller files
	// already selected in the contiguous newest-to-oldest run).
	CompactionRatio float64
	// MinFilesToCompact and MaxFilesToCompact bound a minor compaction's
	// file count.
	MinFilesToCompact int
	MaxFilesToCompact int

	// BlockCacheEnabled decides whether this family's Readers use the
	// shared block cache at all. When false, no block of the family enters
	// the cache: data and leaf index blocks are read from disk on each
	// access. The root index and bloom filter are read once at open and
	// held by the Reader either way; they are never put in the cache.
	BlockCacheEnabled bool
}

// DefaultOptions returns reasonable defaults for family.
func DefaultOptions(family string) Options {
	return Options{
		Family:            family,
		Writer:            sortedfile.DefaultWriterOptions(),
		MaxVersions:       1,
		CompactionRatio:   1.2,
		MinFilesToCompact: 3,
		MaxFilesToCompact: 10,
		BlockCacheEnabled: true,
	}
}

// Store owns one family's MemBuffer and its ordered SortedFile set.
type Store struct {
	dir   string
	opts  Options
	cache sortedfile.BlockSource

	mu         sync.RWMutex
	mem        *membuffer.MemBuffer
	files      []*FileEntry // newest-first by sequence
	nextFileID uint64
	compacting bool
}

// Open creates (or reopens an empty) Store rooted at dir. startFileID seeds
// the file-id allocator used by Flush and Compact.
func Open(dir string, opts Options, cache sortedfile.BlockSource, startFileID uint64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
	}
	return &Store{
		dir:        dir,
		opts:       opts,
		cache:      cache,
		mem:        membuffer.New(),
		nextFileID: startFileID,
	}, nil
}

// Insert adds a cell to the live MemBuffer generation. skipWAL marks a cell
// whose durability bypassed the WAL, for MutationsWithoutWALSize accounting.
func (s *Store) Insert(cell cellcodec.Cell, skipWAL bool) error {
	return s.mem.Insert(cell, skipWAL)
}

// MemBuffer returns the Store's MemBuffer, for read-path merging iterators.
func (s *Store) MemBuffer() *membuffer.MemBuffer { return s.mem }

// Files returns a snapshot of the current file list, newest-first.
func (s *Store) Files() []*FileEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*FileEntry, len(s.files))
	copy(out, s.files)
	return out
}

// HasReferences reports whether any file in the set is still a reference.
func (s *Store) HasReferences() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.files {
		if f.Reference != nil {
			return true
		}
	}
	return false
}

func (s *Store) allocFileID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFileID++
	return s.nextFileID
}

func (s *Store) stagedPath(fileID uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%020d.sf.tmp", fileID))
}

func (s *Store) finalPath(fileID uint64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%020d.sf", fileID))
}

// Flush snapshots the MemBuffer, writes its contents to a new SortedFile,
// and atomically publishes it at the front of the file set (newest). It
// returns nil, nil if there was nothing to flush. A failed flush is fatal
// to the caller's region: the WAL content backing the snapshot is still
// durable, but the MemBuffer generation it came from is gone and cannot be
// retried from memory.
func (s *Store) Flush() (*FileEntry, error) {
	snap := s.mem.SnapshotForFlush()
	if snap.Count() == 0 {
		return nil, nil
	}

	fileID := s.allocFileID()
	staged := s.stagedPath(fileID)
	w, err := sortedfile.Create(staged, s.opts.Writer)
	if err != nil {
		return nil, fmt.Errorf("storage: flush create: %w", err)
	}

	it := snap.NewIterator()
	it.SeekToFirst()
	var maxSeq uint64
	for it.Valid() {
		c := it.Cell()
		if seq, ok := cellcodec.Sequence(&c); ok && seq > maxSeq {
			maxSeq = seq
		}
		if err := w.Add(&c); err != nil {
			return nil, fmt.Errorf("storage: flush add: %w", err)
		}
		it.Next()
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("storage: flush iterate: %w", err)
	}
	w.SetMaxSequence(maxSeq)
	if err := w.Finish(); err != nil {
		return nil, fmt.Errorf("storage: flush finish: %w", err)
	}

	final := s.finalPath(fileID)
	if err := os.Rename(staged, final); err != nil {
		return nil, fmt.Errorf("storage: flush publish: %w", err)
	}

	entry, err := s.openEntry(fileID, final)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.files = append([]*FileEntry{entry}, s.files...)
	s.mu.Unlock()
	return entry, nil
}

func (s *Store) openEntry(fileID uint64, path string) (*FileEntry, error) {
	var cache sortedfile.BlockSource
	if s.opts.BlockCacheEnabled {
		cache = s.cache
	}
	r, err := sortedfile.Open(path, fileID, cache)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	return &FileEntry{FileID: fileID, Path: path, Info: r.FileInfo(), Reader: r}, nil
}

// AddReference registers a reference file pointing at a parent file, used
// during split before the parent has been rewritten. The reference becomes
// a plain entry in subsequent selection once compaction rewrites it into a
// concrete file.
func (s *Store) AddReference(fileID uint64, ref ReferenceMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append([]*FileEntry{{FileID: fileID, Reference: &ref}}, s.files...)
}

// EncodeReferenceMeta serializes a ReferenceMeta for on-disk storage as a
// regionfs.Layout reference file's payload.
func EncodeReferenceMeta(m ReferenceMeta) []byte {
	dst := encoding.AppendFixed64(nil, m.ParentFileID)
	dst = encoding.AppendLengthPrefixedSlice(dst, []byte(m.ParentPath))
	dst = encoding.AppendLengthPrefixedSlice(dst, m.SplitKey)
	return append(dst, byte(m.Side))
}

// DecodeReferenceMeta parses the payload EncodeReferenceMeta produced.
func DecodeReferenceMeta(b []byte) (ReferenceMeta, error) {
	if len(b) < 8 {
		return ReferenceMeta{}, fmt.Errorf("storage: decode reference meta: truncated")
	}
	parentFileID := encoding.DecodeFixed64(b[:8])
	rest := b[8:]

	parentPath, n, err := encoding.DecodeLengthPrefixedSlice(rest)
	if err != nil {
		return ReferenceMeta{}, fmt.Errorf("storage: decode reference meta: parent path: %w", err)
	}
	rest = rest[n:]

	splitKey, n, err := encoding.DecodeLengthPrefixedSlice(rest)
	if err != nil {
		return ReferenceMeta{}, fmt.Errorf("storage: decode reference meta: split key: %w", err)
	}
	rest = rest[n:]

	if len(rest) < 1 {
		return ReferenceMeta{}, fmt.Errorf("storage: decode reference meta: missing side byte")
	}
	return ReferenceMeta{
		ParentFileID: parentFileID,
		ParentPath:   string(parentPath),
		SplitKey:     splitKey,
		Side:         ReferenceSide(rest[0]),
	}, nil
}
