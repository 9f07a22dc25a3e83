package sortedfile

import (
	"bytes"
	"fmt"
	"os"

	"github.com/keyspace/keyspace/internal/blockcodec"
	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/checksum"
	"github.com/keyspace/keyspace/internal/filter"
)

// BlockSource loads a raw, on-disk block (header+payload) for a Handle,
// optionally through a cache. The blockcache package implements this.
type BlockSource interface {
	Get(fileID uint64, h blockcodec.Handle, priority blockcodec.Priority, load func() ([]byte, error)) ([]byte, error)
}

// directSource reads blocks straight from the file, bypassing any cache.
// Open uses it when given no BlockSource, so leaf index and data blocks are
// then read from disk on every access.
type directSource struct{}

func (directSource) Get(_ uint64, h blockcodec.Handle, _ blockcodec.Priority, load func() ([]byte, error)) ([]byte, error) {
	return load()
}

// Reader opens a SortedFile for point lookups and range scans.
type Reader struct {
	f      *os.File
	fileID uint64
	cache  BlockSource

	rootIndex    *blockcodec.Block
	rootIsLeaves bool // true if the root index points at leaf index blocks, not data
	bloom        *filter.BloomFilterReader
	bloomGran    BloomGranularity
	info         FileInfo
}

// Open opens path as a SortedFile. fileID identifies the file to the block
// cache; cache may be nil to bypass caching entirely. The root index, bloom
// and file-info blocks are read directly at Open and held by the Reader;
// they are never inserted into cache. Leaf index blocks and data blocks are
// read through cache, so with a nil cache they come from disk every time.
func Open(path string, fileID uint64, cache BlockSource) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sortedfile: open %s: %w", path, err)
	}
	r := &Reader{f: f, fileID: fileID, cache: cache}
	if r.cache == nil {
		r.cache = directSource{}
	}

	if err := r.readTrailer(); err != nil {
		closeQuietly(f)
		return nil, err
	}
	return r, nil
}

func (r *Reader) readTrailer() error {
	info, err := r.f.Stat()
	if err != nil {
		return err
	}
	if info.Size() < TrailerSize {
		return ErrCorruptFile
	}
	buf := make([]byte, TrailerSize)
	if _, err := r.f.ReadAt(buf, info.Size()-TrailerSize); err != nil {
		return fmt.Errorf("sortedfile: read trailer: %w", err)
	}

	if !bytes.Equal(buf[:8], Magic[:]) {
		return ErrCorruptFile
	}
	sum := uint32(buf[58]) | uint32(buf[59])<<8 | uint32(buf[60])<<16 | uint32(buf[61])<<24
	if checksum.Value(buf[:58]) != sum {
		return ErrCorruptFile
	}

	rootIndexHandle := decodeHandle(buf[8:24])
	bloomMetaHandle := decodeHandle(buf[24:40])
	fileInfoHandle := decodeHandle(buf[40:56])

	fiType, fiPayload, err := r.readDirectBlock(fileInfoHandle)
	if err != nil {
		return err
	}
	if fiType != blockcodec.TypeFileInfo {
		return ErrCorruptFile
	}
	fi, err := decodeFileInfo(fiPayload)
	if err != nil {
		return err
	}
	r.info = fi

	riType, riPayload, err := r.readDirectBlock(rootIndexHandle)
	if err != nil {
		return err
	}
	if riType != blockcodec.TypeRootIndex {
		return ErrCorruptFile
	}
	block, err := blockcodec.ParseBlock(riPayload)
	if err != nil {
		return err
	}
	r.rootIndex = block
	r.rootIsLeaves = r.hasLeafLevel(block)

	if bloomMetaHandle.Size > 0 {
		bmType, bmPayload, err := r.readDirectBlock(bloomMetaHandle)
		if err != nil {
			return err
		}
		if bmType != blockcodec.TypeBloomMeta || len(bmPayload) < 17 {
			return ErrCorruptFile
		}
		r.bloomGran = BloomGranularity(bmPayload[0])
		chunkHandle := decodeHandle(bmPayload[1:17])
		_, chunkPayload, err := r.readDirectBlock(chunkHandle)
		if err != nil {
			return err
		}
		r.bloom = filter.NewBloomFilterReader(chunkPayload)
	}
	return nil
}

// hasLeafLevel inspects the first index entry's value: a leaf index block
// handle has the same shape as a data block handle, so the distinguishing
// signal is whether that handle's block, when read, is itself a leaf index
// block. Writer always builds a uniform tree, so one probe suffices.
func (r *Reader) hasLeafLevel(block *blockcodec.Block) bool {
	it := block.NewIterator(cellcodec.Compare)
	it.SeekToFirst()
	if !it.Valid() {
		return false
	}
	h := decodeHandle(it.Value())
	t, _, err := r.readDirectBlock(h)
	if err != nil {
		return false
	}
	return t == blockcodec.TypeLeafIndex
}

func (r *Reader) readDirectBlock(h blockcodec.Handle) (blockcodec.Type, []byte, error) {
	buf := make([]byte, h.Size)
	if _, err := r.f.ReadAt(buf, int64(h.Offset)); err != nil {
		return 0, nil, fmt.Errorf("sortedfile: read block at %d: %w", h.Offset, err)
	}
	t, payload, _, err := blockcodec.ReadBlock(buf)
	return t, payload, err
}

func (r *Reader) readBlock(h blockcodec.Handle) (blockcodec.Type, []byte, error) {
	raw, err := r.cache.Get(r.fileID, h, blockcodec.PrioritySingle, func() ([]byte, error) {
		buf := make([]byte, h.Size)
		if _, err := r.f.ReadAt(buf, int64(h.Offset)); err != nil {
			return nil, fmt.Errorf("sortedfile: read block at %d: %w", h.Offset, err)
		}
		return buf, nil
	})
	if err != nil {
		return 0, nil, err
	}
	t, payload, _, err := blockcodec.ReadBlock(raw)
	return t, payload, err
}

// FileInfo returns the file-level metadata recorded at Finish time.
func (r *Reader) FileInfo() FileInfo { return r.info }

// Close releases the underlying file descriptor.
func (r *Reader) Close() error { return r.f.Close() }

// MayContain reports whether key could be present, consulting the bloom
// filter if one was built. A false result guarantees absence.
func (r *Reader) MayContain(c *cellcodec.Cell) bool {
	if r.bloom == nil {
		return true
	}
	if r.bloomGran == BloomRow {
		return r.bloom.MayContain(c.Row)
	}
	key, err := cellcodec.Key(c)
	if err != nil {
		return true
	}
	prefix, ok := cellcodec.UserKeyPrefix(key)
	if !ok {
		return true
	}
	return r.bloom.MayContain(prefix)
}

// dataBlockHandle locates the data block that would contain encodedKey.
func (r *Reader) dataBlockHandle(encodedKey []byte) (blockcodec.Handle, bool) {
	it := r.rootIndex.NewIterator(cellcodec.Compare)
	it.Seek(encodedKey)
	if !it.Valid() {
		return blockcodec.Handle{}, false
	}
	h := decodeHandle(it.Value())

	if !r.rootIsLeaves {
		return h, true
	}

	_, leafPayload, err := r.readBlock(h)
	if err != nil {
		return blockcodec.Handle{}, false
	}
	leaf, err := blockcodec.ParseBlock(leafPayload)
	if err != nil {
		return blockcodec.Handle{}, false
	}
	leafIt := leaf.NewIterator(cellcodec.Compare)
	leafIt.Seek(encodedKey)
	if !leafIt.Valid() {
		return blockcodec.Handle{}, false
	}
	return decodeHandle(leafIt.Value()), true
}

// Get returns the Cell whose encoded key matches c's (row, family,
// qualifier, timestamp, type) exactly. Use Scan for range lookups or to
// find the newest version at or before a timestamp.
func (r *Reader) Get(c *cellcodec.Cell) (*cellcodec.Cell, error) {
	if !r.MayContain(c) {
		return nil, ErrNotFound
	}
	key, err := cellcodec.Key(c)
	if err != nil {
		return nil, err
	}
	h, ok := r.dataBlockHandle(key)
	if !ok {
		return nil, ErrNotFound
	}
	_, payload, err := r.readBlock(h)
	if err != nil {
		return nil, err
	}
	block, err := blockcodec.ParseBlock(payload)
	if err != nil {
		return nil, err
	}
	it := block.NewIterator(cellcodec.Compare)
	it.Seek(key)
	if !it.Valid() || cellcodec.Compare(it.Key(), key) != 0 {
		return nil, ErrNotFound
	}
	return cellcodec.Decode(it.Key(), it.Value())
}

// Scanner iterates Cells in key order starting at or after a seek key.
type Scanner struct {
	r           *Reader
	blockIt     *blockcodec.Iterator
	currentLast []byte
	err         error
}

// NewScanner creates a Scanner positioned before the first entry.
func (r *Reader) NewScanner() *Scanner {
	return &Scanner{r: r}
}

// Seek positions the scanner at the first entry with key >= encodedKey.
func (s *Scanner) Seek(encodedKey []byte) {
	h, ok := s.r.dataBlockHandle(encodedKey)
	if !ok {
		s.blockIt = nil
		return
	}
	_, payload, err := s.r.readBlock(h)
	if err != nil {
		s.err = err
		s.blockIt = nil
		return
	}
	block, err := blockcodec.ParseBlock(payload)
	if err != nil {
		s.err = err
		s.blockIt = nil
		return
	}
	it := block.NewIterator(cellcodec.Compare)
	it.Seek(encodedKey)
	s.blockIt = it
}

// SeekToFirst positions the scanner at the file's first entry.
func (s *Scanner) SeekToFirst() {
	s.Seek(nil)
	if s.blockIt == nil {
		return
	}
	// A nil seek key sorts before everything, so Seek already lands on the
	// first entry of the first block.
}

// Valid reports whether the scanner is at a usable entry.
func (s *Scanner) Valid() bool { return s.blockIt != nil && s.blockIt.Valid() }

// Error returns any error encountered while scanning.
func (s *Scanner) Error() error { return s.err }

// Cell decodes the current entry.
func (s *Scanner) Cell() (*cellcodec.Cell, error) {
	return cellcodec.Decode(s.blockIt.Key(), s.blockIt.Value())
}

// Next advances to the next entry, crossing into the following data block
// if the current one is exhausted.
func (s *Scanner) Next() {
	if s.blockIt == nil {
		return
	}
	s.blockIt.Next()
	if s.blockIt.Valid() {
		return
	}
	last := append([]byte(nil), s.blockIt.Key()...)
	s.advanceToNextBlock(last)
}

func (s *Scanner) advanceToNextBlock(afterKey []byte) {
	it := s.r.rootIndex.NewIterator(cellcodec.Compare)
	it.Seek(afterKey)
	if s.r.rootIsLeaves && it.Valid() {
		// Prefer the next data block within afterKey's own leaf.
		if _, leafPayload, err := s.r.readBlock(decodeHandle(it.Value())); err == nil {
			if leaf, err := blockcodec.ParseBlock(leafPayload); err == nil {
				leafIt := leaf.NewIterator(cellcodec.Compare)
				leafIt.Seek(afterKey)
				if leafIt.Next(); leafIt.Valid() {
					s.Seek(leafIt.Key()) // lands on that block's last entry
					if s.blockIt != nil {
						s.blockIt.SeekToFirst()
					}
					return
				}
			}
		}
	}
	it.Next() // move past the block that contained afterKey
	if !it.Valid() {
		s.blockIt = nil
		return
	}
	h := decodeHandle(it.Value())
	if s.r.rootIsLeaves {
		_, leafPayload, err := s.r.readBlock(h)
		if err != nil {
			s.err = err
			s.blockIt = nil
			return
		}
		leaf, err := blockcodec.ParseBlock(leafPayload)
		if err != nil {
			s.err = err
			s.blockIt = nil
			return
		}
		leafIt := leaf.NewIterator(cellcodec.Compare)
		leafIt.SeekToFirst()
		if !leafIt.Valid() {
			s.blockIt = nil
			return
		}
		h = decodeHandle(leafIt.Value())
	}
	_, payload, err := s.r.readBlock(h)
	if err != nil {
		s.err = err
		s.blockIt = nil
		return
	}
	block, err := blockcodec.ParseBlock(payload)
	if err != nil {
		s.err = err
		s.blockIt = nil
		return
	}
	bit := block.NewIterator(cellcodec.Compare)
	bit.SeekToFirst()
	s.blockIt = bit
}
