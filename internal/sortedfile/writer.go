package sortedfile

import (
	"fmt"
	"os"

	"github.com/keyspace/keyspace/internal/blockcodec"
	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/checksum"
	"github.com/keyspace/keyspace/internal/compression"
	"github.com/keyspace/keyspace/internal/filter"
)

// WriterOptions configures a Writer.
type WriterOptions struct {
	BlockSize            int // target uncompressed size of a data block
	BlockRestartInterval int
	Compression          compression.Type
	Checksum             checksum.Type
	Bloom                BloomGranularity
	BloomBitsPerKey      int
}

// DefaultWriterOptions returns the defaults used when a family does not
// override them.
func DefaultWriterOptions() WriterOptions {
	return WriterOptions{
		BlockSize:            64 * 1024,
		BlockRestartInterval: 16,
		Compression:          compression.SnappyCompression,
		Checksum:             checksum.TypeCRC32C,
		Bloom:                BloomRow,
		BloomBitsPerKey:      10,
	}
}

type indexEntry struct {
	lastKey []byte
	handle  blockcodec.Handle
}

// Writer builds one SortedFile. Cells must be added in ascending key order
// (per cellcodec.Compare); the writer does not sort its input.
type Writer struct {
	f        *os.File
	opts     WriterOptions
	offset   uint64
	prevData uint64
	prevLeaf uint64

	data    *blockcodec.Builder
	pending []indexEntry // data-block entries not yet folded into a leaf

	bloom    *filter.BloomFilterBuilder
	fileInfo FileInfo

	lastKeyAdded []byte
	closed       bool
}

// Create opens path for writing and returns a Writer over it.
func Create(path string, opts WriterOptions) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sortedfile: create %s: %w", path, err)
	}
	w := &Writer{
		f:    f,
		opts: opts,
		data: blockcodec.NewBuilder(opts.BlockRestartInterval),
	}
	if opts.Bloom != BloomNone {
		w.bloom = filter.NewBloomFilterBuilder(opts.BloomBitsPerKey)
	}
	return w, nil
}

// SetMaxSequence records the file's MaxSequence metadata, written into the
// FILE_INFO block at Finish. The writer never derives this itself: Cells
// carry no sequence number, only the caller assembling the file (Store's
// flush/compaction path) knows the WAL sequence each cell came from.
func (w *Writer) SetMaxSequence(seq uint64) {
	if seq > w.fileInfo.MaxSequence {
		w.fileInfo.MaxSequence = seq
	}
}

// Add appends one Cell's encoded key/value pair. It must be called in
// ascending key order.
func (w *Writer) Add(c *cellcodec.Cell) error {
	key, err := cellcodec.Key(c)
	if err != nil {
		return fmt.Errorf("sortedfile: encode key: %w", err)
	}

	if w.fileInfo.EarliestTimestamp == 0 || c.Timestamp < w.fileInfo.EarliestTimestamp {
		w.fileInfo.EarliestTimestamp = c.Timestamp
	}
	if c.Timestamp > w.fileInfo.LatestTimestamp {
		w.fileInfo.LatestTimestamp = c.Timestamp
	}
	w.fileInfo.EntryCount++

	if w.bloom != nil {
		w.bloom.AddKey(w.bloomKey(c, key))
	}

	w.data.Add(key, c.Value)
	w.lastKeyAdded = append(w.lastKeyAdded[:0], key...)
	if w.data.EstimatedSize() >= w.opts.BlockSize {
		if err := w.flushDataBlock(key); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) bloomKey(c *cellcodec.Cell, encodedKey []byte) []byte {
	if w.opts.Bloom == BloomRow {
		return c.Row
	}
	prefix, ok := cellcodec.UserKeyPrefix(encodedKey)
	if !ok {
		return encodedKey
	}
	return prefix
}

// flushDataBlock writes the current data block and records its index entry.
// lastKey is the last key added to the block (kept to index by).
func (w *Writer) flushDataBlock(lastKey []byte) error {
	if w.data.Empty() {
		return nil
	}
	payload := w.data.Finish()
	h, err := blockcodec.WriteBlock(w.f, blockcodec.TypeData, payload, w.opts.Compression, w.opts.Checksum, w.offset, w.prevData)
	if err != nil {
		return err
	}
	w.offset += h.Size
	w.prevData = h.Offset
	w.fileInfo.TotalUncompressedBytes += uint64(len(payload))

	w.pending = append(w.pending, indexEntry{lastKey: append([]byte(nil), lastKey...), handle: h})
	w.data.Reset()
	return nil
}

// Finish flushes any remaining data, writes the index (one or two levels),
// the bloom filter, the file-info block, and the trailer.
func (w *Writer) Finish() error {
	if w.closed {
		return fmt.Errorf("sortedfile: Finish called twice")
	}
	w.closed = true
	defer closeQuietly(w.f)

	if !w.data.Empty() {
		if err := w.flushDataBlock(w.lastKeyAdded); err != nil {
			return err
		}
	}

	rootIndexHandle, err := w.writeIndex()
	if err != nil {
		return err
	}

	var bloomMetaHandle blockcodec.Handle
	if w.bloom != nil {
		bloomMetaHandle, err = w.writeBloom()
		if err != nil {
			return err
		}
	}

	fileInfoPayload := encodeFileInfo(w.fileInfo)
	fileInfoHandle, err := blockcodec.WriteBlock(w.f, blockcodec.TypeFileInfo, fileInfoPayload, compression.NoCompression, w.opts.Checksum, w.offset, 0)
	if err != nil {
		return err
	}
	w.offset += fileInfoHandle.Size

	return w.writeTrailer(rootIndexHandle, bloomMetaHandle, fileInfoHandle)
}

// writeIndex folds pending data-block index entries into leaf index blocks
// (if there are enough to need more than one index block) and writes the
// root index block. It returns the root index block's handle.
func (w *Writer) writeIndex() (blockcodec.Handle, error) {
	entries := w.pending
	if len(entries) == 0 {
		return blockcodec.Handle{}, fmt.Errorf("sortedfile: no data written")
	}

	// Single-level index: root maps last-key -> data block handle directly.
	if w.fitsOneBlock(entries) {
		return w.writeIndexBlock(blockcodec.TypeRootIndex, entries)
	}

	// Multi-level: fold entries into leaf index blocks, then index those.
	var leafEntries []indexEntry
	var group []indexEntry
	groupBuilder := blockcodec.NewBuilder(w.opts.BlockRestartInterval)
	flushGroup := func() error {
		if len(group) == 0 {
			return nil
		}
		payload := groupBuilder.Finish()
		h, err := blockcodec.WriteBlock(w.f, blockcodec.TypeLeafIndex, payload, w.opts.Compression, w.opts.Checksum, w.offset, w.prevLeaf)
		if err != nil {
			return err
		}
		w.offset += h.Size
		w.prevLeaf = h.Offset
		leafEntries = append(leafEntries, indexEntry{lastKey: group[len(group)-1].lastKey, handle: h})
		group = group[:0]
		groupBuilder.Reset()
		return nil
	}

	for _, e := range entries {
		groupBuilder.Add(e.lastKey, encodeHandle(nil, e.handle))
		group = append(group, e)
		if groupBuilder.EstimatedSize() >= w.opts.BlockSize {
			if err := flushGroup(); err != nil {
				return blockcodec.Handle{}, err
			}
		}
	}
	if err := flushGroup(); err != nil {
		return blockcodec.Handle{}, err
	}

	return w.writeIndexBlock(blockcodec.TypeRootIndex, leafEntries)
}

func (w *Writer) fitsOneBlock(entries []indexEntry) bool {
	b := blockcodec.NewBuilder(w.opts.BlockRestartInterval)
	for _, e := range entries {
		b.Add(e.lastKey, encodeHandle(nil, e.handle))
	}
	return b.EstimatedSize() < w.opts.BlockSize*4
}

func (w *Writer) writeIndexBlock(t blockcodec.Type, entries []indexEntry) (blockcodec.Handle, error) {
	b := blockcodec.NewBuilder(w.opts.BlockRestartInterval)
	for _, e := range entries {
		b.Add(e.lastKey, encodeHandle(nil, e.handle))
	}
	payload := b.Finish()
	h, err := blockcodec.WriteBlock(w.f, t, payload, w.opts.Compression, w.opts.Checksum, w.offset, 0)
	if err != nil {
		return blockcodec.Handle{}, err
	}
	w.offset += h.Size
	return h, nil
}

func (w *Writer) writeBloom() (blockcodec.Handle, error) {
	filterData := w.bloom.Finish()
	chunkHandle, err := blockcodec.WriteBlock(w.f, blockcodec.TypeBloomChunk, filterData, compression.NoCompression, w.opts.Checksum, w.offset, 0)
	if err != nil {
		return blockcodec.Handle{}, err
	}
	w.offset += chunkHandle.Size

	meta := make([]byte, 0, 16)
	meta = append(meta, byte(w.opts.Bloom))
	meta = encodeHandle(meta, chunkHandle)
	metaHandle, err := blockcodec.WriteBlock(w.f, blockcodec.TypeBloomMeta, meta, compression.NoCompression, w.opts.Checksum, w.offset, 0)
	if err != nil {
		return blockcodec.Handle{}, err
	}
	w.offset += metaHandle.Size
	return metaHandle, nil
}

func (w *Writer) writeTrailer(rootIndex, bloomMeta, fileInfo blockcodec.Handle) error {
	trailer := make([]byte, 0, TrailerSize)
	trailer = append(trailer, Magic[:]...)
	trailer = encodeHandle(trailer, rootIndex)
	trailer = encodeHandle(trailer, bloomMeta)
	trailer = encodeHandle(trailer, fileInfo)
	trailer = append(trailer, 1)                // format version
	trailer = append(trailer, byte(w.opts.Checksum))
	sum := checksum.Value(trailer)
	trailer = append(trailer, byte(sum), byte(sum>>8), byte(sum>>16), byte(sum>>24))

	if len(trailer) != TrailerSize {
		return fmt.Errorf("sortedfile: trailer size mismatch: got %d want %d", len(trailer), TrailerSize)
	}
	_, err := w.f.Write(trailer)
	return err
}
