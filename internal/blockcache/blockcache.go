// Package blockcache implements the category-aware block cache shared by
// every Store's SortedFiles (BlockCache, spec component C4).
//
// Cached blocks are split into three priority bands:
//
//   - Single: a block's first cache residency. Most blocks live and die
//     here without ever being looked up twice.
//   - Multi: a block promoted here after a second access, so a scan that
//     revisits the same hot blocks doesn't keep losing them to a flood of
//     single-access blocks from someone else's scan.
//   - Memory: blocks from families configured to stay resident (small
//     lookup tables, hot metadata) — evicted only as an absolute last
//     resort, never by the ordinary single/multi eviction path.
//
// Each band targets a configurable fraction of total capacity. Eviction
// always takes from whichever of single/multi is furthest over its target
// fraction, so one band's churn cannot immediately evict the other's
// working set.
package blockcache

import (
	"container/list"
	"sync"

	"github.com/keyspace/keyspace/internal/blockcodec"
)

// Priority is blockcodec.Priority; re-exported so callers that only need
// the cache don't also need to import blockcodec for it.
type Priority = blockcodec.Priority

const (
	PrioritySingle = blockcodec.PrioritySingle
	PriorityMulti  = blockcodec.PriorityMulti
	PriorityMemory = blockcodec.PriorityMemory
)

// Key identifies a cached block by file and on-disk offset.
type Key struct {
	FileID uint64
	Offset uint64
}

// Options configures the fraction of capacity targeted by each band.
// The three factors should sum to 1.0; they are not required to.
type Options struct {
	Capacity      uint64
	SingleFactor  float64
	MultiFactor   float64
	MemoryFactor  float64
}

// DefaultOptions mirrors the conventional single/multi/in-memory split:
// a quarter of the cache for first-touch blocks, half for blocks proven hot
// by a second access, and a quarter reserved for pinned families.
func DefaultOptions(capacity uint64) Options {
	return Options{
		Capacity:     capacity,
		SingleFactor: 0.25,
		MultiFactor:  0.50,
		MemoryFactor: 0.25,
	}
}

type entry struct {
	key      Key
	value    []byte
	charge   uint64
	priority Priority
	elem     *list.Element
}

type band struct {
	target uint64
	usage  uint64
	order  *list.List // of *entry, front = most recently used
}

func newBand(target uint64) *band {
	return &band{target: target, order: list.New()}
}

// Cache is a thread-safe, category-aware LRU block cache.
type Cache struct {
	mu    sync.Mutex
	opts  Options
	table map[Key]*entry
	bands map[Priority]*band

	hits      uint64
	misses    uint64
	evictions uint64
}

// New creates a Cache per opts.
func New(opts Options) *Cache {
	cap := opts.Capacity
	return &Cache{
		opts:  opts,
		table: make(map[Key]*entry),
		bands: map[Priority]*band{
			PrioritySingle: newBand(uint64(float64(cap) * opts.SingleFactor)),
			PriorityMulti:  newBand(uint64(float64(cap) * opts.MultiFactor)),
			PriorityMemory: newBand(uint64(float64(cap) * opts.MemoryFactor)),
		},
	}
}

// Get loads the block at key via the cache, calling load on a miss and
// inserting the result under the given priority. A second lookup of a
// Single-band block promotes it to Multi.
func (c *Cache) Get(fileID uint64, h blockcodec.Handle, priority Priority, load func() ([]byte, error)) ([]byte, error) {
	key := Key{FileID: fileID, Offset: h.Offset}

	c.mu.Lock()
	if e, ok := c.table[key]; ok {
		c.hits++
		c.touch(e)
		value := e.value
		c.mu.Unlock()
		return value, nil
	}
	c.misses++
	c.mu.Unlock()

	value, err := load()
	if err != nil {
		return nil, err
	}

	c.insert(key, value, uint64(len(value)), priority)
	return value, nil
}

// touch records a re-access: Single-band entries promote to Multi on their
// second touch; all entries move to the front of their current band.
// Must be called with mu held.
func (c *Cache) touch(e *entry) {
	if e.priority == PrioritySingle {
		b := c.bands[PrioritySingle]
		b.order.Remove(e.elem)
		b.usage -= e.charge

		e.priority = PriorityMulti
		nb := c.bands[PriorityMulti]
		e.elem = nb.order.PushFront(e)
		nb.usage += e.charge
		return
	}
	b := c.bands[e.priority]
	b.order.MoveToFront(e.elem)
}

func (c *Cache) insert(key Key, value []byte, charge uint64, priority Priority) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.table[key]; ok {
		b := c.bands[existing.priority]
		b.order.Remove(existing.elem)
		b.usage -= existing.charge
		delete(c.table, key)
	}

	c.evictFor(charge, priority)

	e := &entry{key: key, value: value, charge: charge, priority: priority}
	b := c.bands[priority]
	e.elem = b.order.PushFront(e)
	b.usage += charge
	c.table[key] = e
}

// evictFor makes room for an incoming entry of the given charge destined
// for priority's band. Must be called with mu held.
func (c *Cache) evictFor(charge uint64, incomingPriority Priority) {
	for c.totalUsage()+charge > c.opts.Capacity {
		victim := c.pickVictimBand(incomingPriority)
		if victim == nil || victim.order.Len() == 0 {
			return // nothing left to evict; let the cache exceed capacity
		}
		back := victim.order.Back()
		e, _ := back.Value.(*entry)
		victim.order.Remove(back)
		victim.usage -= e.charge
		delete(c.table, e.key)
		c.evictions++
	}
}

// pickVictimBand chooses the evictable band furthest over its target
// fraction. The Memory band is only picked when it is the sole band with
// anything left to evict, and only to make room for another Memory-priority
// insert; a Single or Multi insert never displaces pinned families.
func (c *Cache) pickVictimBand(incomingPriority Priority) *band {
	single := c.bands[PrioritySingle]
	multi := c.bands[PriorityMulti]

	singleOver := int64(single.usage) - int64(single.target)
	multiOver := int64(multi.usage) - int64(multi.target)

	switch {
	case single.order.Len() > 0 && multi.order.Len() > 0:
		if singleOver >= multiOver {
			return single
		}
		return multi
	case single.order.Len() > 0:
		return single
	case multi.order.Len() > 0:
		return multi
	}

	if incomingPriority != PriorityMemory {
		return nil
	}
	return c.bands[PriorityMemory]
}

func (c *Cache) totalUsage() uint64 {
	var total uint64
	for _, b := range c.bands {
		total += b.usage
	}
	return total
}

// InvalidateFile drops every cached block belonging to fileID, called when
// a SortedFile is deleted (compacted away or archived).
func (c *Cache) InvalidateFile(fileID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.table {
		if key.FileID != fileID {
			continue
		}
		b := c.bands[e.priority]
		b.order.Remove(e.elem)
		b.usage -= e.charge
		delete(c.table, key)
	}
}

// Stats summarizes cache behavior for observability.
type Stats struct {
	Size           uint64
	Capacity       uint64
	Count          uint64
	Hits           uint64
	Misses         uint64
	Evictions      uint64
	HitPercent     float64
	CachingPercent float64 // hit rate among requests that went through the cache at all
}

// Stats returns a point-in-time snapshot of cache metrics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.hits + c.misses
	var hitPct float64
	if total > 0 {
		hitPct = float64(c.hits) / float64(total) * 100
	}
	return Stats{
		Size:           c.totalUsage(),
		Capacity:       c.opts.Capacity,
		Count:          uint64(len(c.table)),
		Hits:           c.hits,
		Misses:         c.misses,
		Evictions:      c.evictions,
		HitPercent:     hitPct,
		CachingPercent: hitPct,
	}
}
