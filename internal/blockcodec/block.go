package blockcodec

import (
	"encoding/binary"

	"github.com/keyspace/keyspace/internal/encoding"
)

// Builder assembles a single data or index block using shared-prefix key
// compression with periodic restart points, so random access only needs to
// scan back to the nearest restart point rather than the start of the
// block.
//
// Entry format: [shared varint32][unshared varint32][value_len varint32]
// [unshared key bytes][value bytes]. The block ends with the restart point
// offsets (uint32 each) followed by a uint32 count of restarts.
type Builder struct {
	buffer          []byte
	restarts        []uint32
	counter         int
	restartInterval int
	lastKey         []byte
	finished        bool
}

// NewBuilder creates a block builder. restartInterval controls how often a
// full (non-delta) key is written; 16 is a typical value.
func NewBuilder(restartInterval int) *Builder {
	if restartInterval < 1 {
		restartInterval = 1
	}
	return &Builder{
		buffer:          make([]byte, 0, 4096),
		restartInterval: restartInterval,
		restarts:        []uint32{0},
	}
}

// Reset clears the builder for reuse.
func (b *Builder) Reset() {
	b.buffer = b.buffer[:0]
	b.restarts = b.restarts[:1]
	b.restarts[0] = 0
	b.counter = 0
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

// Add appends a key-value entry. Keys must be added in increasing order.
func (b *Builder) Add(key, value []byte) {
	if b.finished {
		panic("blockcodec: Add called after Finish")
	}

	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLength(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buffer)))
		b.counter = 0
	}
	unshared := len(key) - shared

	b.buffer = encoding.AppendVarint32(b.buffer, uint32(shared))
	b.buffer = encoding.AppendVarint32(b.buffer, uint32(unshared))
	b.buffer = encoding.AppendVarint32(b.buffer, uint32(len(value)))
	b.buffer = append(b.buffer, key[shared:]...)
	b.buffer = append(b.buffer, value...)

	b.lastKey = append(b.lastKey[:0], key...)
	b.counter++
}

// Empty reports whether any entries have been added.
func (b *Builder) Empty() bool { return len(b.buffer) == 0 }

// EstimatedSize estimates the in-progress block size, including the
// restart array that Finish will append.
func (b *Builder) EstimatedSize() int {
	return len(b.buffer) + len(b.restarts)*4 + 4
}

// Finish appends the restart array and count, returning the block payload.
// The returned slice is valid until Reset is called.
func (b *Builder) Finish() []byte {
	for _, r := range b.restarts {
		b.buffer = encoding.AppendFixed32(b.buffer, r)
	}
	b.buffer = encoding.AppendFixed32(b.buffer, uint32(len(b.restarts)))
	b.finished = true
	return b.buffer
}

func sharedPrefixLength(a, b []byte) int {
	n := min(len(a), len(b))
	for i := range n {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}

// Block is a parsed, decompressed block ready for iteration.
type Block struct {
	data        []byte
	restarts    int
	numRestarts int
}

// ParseBlock wraps a decompressed block payload (as produced by Finish) for
// iteration.
func ParseBlock(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, ErrCorruptBlock
	}
	numRestarts := binary.LittleEndian.Uint32(data[len(data)-4:])
	if numRestarts == 0 {
		return nil, ErrCorruptBlock
	}
	restartsSize := int(numRestarts)*4 + 4
	if restartsSize > len(data) {
		return nil, ErrCorruptBlock
	}
	return &Block{
		data:        data,
		restarts:    len(data) - restartsSize,
		numRestarts: int(numRestarts),
	}, nil
}

// NumRestarts returns the number of restart points in the block.
func (b *Block) NumRestarts() int { return b.numRestarts }

func (b *Block) restartOffset(i int) int {
	return int(binary.LittleEndian.Uint32(b.data[b.restarts+i*4:]))
}

// CompareFunc orders two encoded keys, matching cellcodec.Compare.
type CompareFunc func(a, b []byte) int

// Iterator walks the entries of a Block in order.
type Iterator struct {
	block   *Block
	cmp     CompareFunc
	current int
	next     int
	key     []byte
	value   []byte
	valid   bool
	err     error
}

// NewIterator creates an iterator over b, ordering keys with cmp.
func (b *Block) NewIterator(cmp CompareFunc) *Iterator {
	return &Iterator{block: b, cmp: cmp}
}

// Valid reports whether the iterator is at a usable entry.
func (it *Iterator) Valid() bool { return it.valid && it.err == nil }

// Key returns the current entry's key.
func (it *Iterator) Key() []byte { return it.key }

// Value returns the current entry's value.
func (it *Iterator) Value() []byte { return it.value }

// Error returns any error encountered during iteration.
func (it *Iterator) Error() error { return it.err }

// SeekToFirst positions the iterator at the first entry.
func (it *Iterator) SeekToFirst() {
	it.key = it.key[:0]
	it.value = nil
	it.valid = false
	it.current = 0
	it.next = 0
	it.Next()
}

// Next advances to the next entry.
func (it *Iterator) Next() {
	if it.err != nil {
		it.valid = false
		return
	}
	if it.next >= it.block.restarts {
		it.valid = false
		return
	}
	it.current = it.next
	it.parseCurrent()
}

func (it *Iterator) parseCurrent() {
	data := it.block.data[it.current:]

	shared, n1, err := encoding.DecodeVarint32(data)
	if err != nil {
		it.err = ErrCorruptBlock
		it.valid = false
		return
	}
	data = data[n1:]

	unshared, n2, err := encoding.DecodeVarint32(data)
	if err != nil {
		it.err = ErrCorruptBlock
		it.valid = false
		return
	}
	data = data[n2:]

	valueLen, n3, err := encoding.DecodeVarint32(data)
	if err != nil {
		it.err = ErrCorruptBlock
		it.valid = false
		return
	}
	data = data[n3:]

	if int(shared) > len(it.key) || len(data) < int(unshared)+int(valueLen) {
		it.err = ErrCorruptBlock
		it.valid = false
		return
	}

	it.key = append(it.key[:shared], data[:unshared]...)
	data = data[unshared:]
	it.value = data[:valueLen]

	consumed := n1 + n2 + n3 + int(unshared) + int(valueLen)
	it.next = it.current + consumed
	it.valid = true
}

func (it *Iterator) seekToRestart(i int) {
	it.key = it.key[:0]
	it.value = nil
	it.valid = false
	off := max(it.block.restartOffset(i), 0)
	it.current = off
	it.next = off
}

// Seek positions the iterator at the first entry with key >= target.
func (it *Iterator) Seek(target []byte) {
	left, right := 0, it.block.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		it.seekToRestart(mid)
		it.Next()
		if !it.Valid() || it.cmp(it.key, target) > 0 {
			right = mid - 1
		} else {
			left = mid
		}
	}
	it.seekToRestart(left)
	for {
		it.Next()
		if !it.Valid() {
			return
		}
		if it.cmp(it.key, target) >= 0 {
			return
		}
	}
}
