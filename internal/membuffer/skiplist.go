// Package membuffer implements the in-memory sorted buffer that sits in
// front of each family's SortedFile set: a lock-free-read skip list holding
// encoded Cells, with size accounting and an atomic flush-time snapshot
// swap.
package membuffer

import (
	"math/rand"
	"sync/atomic"
)

const (
	// defaultMaxHeight bounds the tallest possible skip list node.
	defaultMaxHeight = 12
	// defaultBranchingFactor: on average 1/branchingFactor nodes are
	// promoted to the next level.
	defaultBranchingFactor = 4
)

// comparator compares two raw skip list entries and returns negative, zero
// or positive as the first sorts before, at, or after the second.
type comparator func(a, b []byte) int

// skipNode is one node of the skip list. Forward pointers are atomic so
// reads never need to lock.
type skipNode struct {
	entry []byte
	next  []*atomic.Pointer[skipNode]
}

func newSkipNode(entry []byte, height int) *skipNode {
	n := &skipNode{entry: entry, next: make([]*atomic.Pointer[skipNode], height)}
	for i := range n.next {
		n.next[i] = &atomic.Pointer[skipNode]{}
	}
	return n
}

func (n *skipNode) getNext(level int) *skipNode   { return n.next[level].Load() }
func (n *skipNode) setNext(level int, v *skipNode) { n.next[level].Store(v) }

// skipList is a skip list whose reads are safe without locking. Writes
// (Insert) require external synchronization — membuffer.MemBuffer supplies
// it via insertMu.
type skipList struct {
	head      *skipNode
	maxHeight int32
	compare   comparator
	rng       *rand.Rand

	kMaxHeight  int
	kScaledInvB uint32

	count int64
}

func newSkipList(cmp comparator) *skipList {
	return &skipList{
		head:        newSkipNode(nil, defaultMaxHeight),
		maxHeight:   1,
		compare:     cmp,
		rng:         rand.New(rand.NewSource(0xC511)),
		kMaxHeight:  defaultMaxHeight,
		kScaledInvB: uint32(0xFFFFFFFF) / uint32(defaultBranchingFactor),
	}
}

// insert adds entry to the list. REQUIRES external synchronization and that
// no entry comparing equal is already present.
func (sl *skipList) insert(entry []byte) {
	prev := make([]*skipNode, sl.kMaxHeight)
	x := sl.findGreaterOrEqual(entry, prev)
	if x != nil && sl.compare(entry, x.entry) == 0 {
		return
	}

	height := sl.randomHeight()
	maxH := int(atomic.LoadInt32(&sl.maxHeight))
	if height > maxH {
		for i := maxH; i < height; i++ {
			prev[i] = sl.head
		}
		atomic.StoreInt32(&sl.maxHeight, int32(height))
	}

	node := newSkipNode(entry, height)
	for i := range height {
		node.setNext(i, prev[i].getNext(i))
		prev[i].setNext(i, node)
	}
	atomic.AddInt64(&sl.count, 1)
}

func (sl *skipList) Count() int64 { return atomic.LoadInt64(&sl.count) }

func (sl *skipList) findGreaterOrEqual(entry []byte, prev []*skipNode) *skipNode {
	x := sl.head
	level := int(atomic.LoadInt32(&sl.maxHeight)) - 1
	for {
		next := x.getNext(level)
		if next != nil && sl.compare(entry, next.entry) > 0 {
			x = next
			continue
		}
		if prev != nil {
			prev[level] = x
		}
		if level == 0 {
			return next
		}
		level--
	}
}

func (sl *skipList) findLessThan(entry []byte) *skipNode {
	x := sl.head
	level := int(atomic.LoadInt32(&sl.maxHeight)) - 1
	for {
		next := x.getNext(level)
		if next != nil && sl.compare(next.entry, entry) < 0 {
			x = next
			continue
		}
		if level == 0 {
			if x == sl.head {
				return nil
			}
			return x
		}
		level--
	}
}

func (sl *skipList) findLast() *skipNode {
	x := sl.head
	level := int(atomic.LoadInt32(&sl.maxHeight)) - 1
	for {
		next := x.getNext(level)
		if next != nil {
			x = next
			continue
		}
		if level == 0 {
			if x == sl.head {
				return nil
			}
			return x
		}
		level--
	}
}

func (sl *skipList) randomHeight() int {
	height := 1
	for height < sl.kMaxHeight && sl.rng.Uint32() < sl.kScaledInvB {
		height++
	}
	return height
}

// listIterator walks a skipList in key order. It is safe to use
// concurrently with inserts into the same list: a node once linked is never
// mutated or unlinked.
type listIterator struct {
	list *skipList
	node *skipNode
}

func (sl *skipList) newIterator() *listIterator { return &listIterator{list: sl} }

func (it *listIterator) Valid() bool { return it.node != nil }
func (it *listIterator) Entry() []byte {
	if it.node == nil {
		return nil
	}
	return it.node.entry
}
func (it *listIterator) Next() {
	if it.node != nil {
		it.node = it.node.getNext(0)
	}
}
func (it *listIterator) Prev() {
	if it.node != nil {
		it.node = it.list.findLessThan(it.node.entry)
	}
}
func (it *listIterator) Seek(target []byte)  { it.node = it.list.findGreaterOrEqual(target, nil) }
func (it *listIterator) SeekToFirst()        { it.node = it.list.head.getNext(0) }
func (it *listIterator) SeekToLast()         { it.node = it.list.findLast() }
