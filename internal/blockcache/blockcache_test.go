package blockcache

import (
	"testing"

	"github.com/keyspace/keyspace/internal/blockcodec"
)

func load(data string) func() ([]byte, error) {
	return func() ([]byte, error) { return []byte(data), nil }
}

func TestGetMissThenHit(t *testing.T) {
	c := New(DefaultOptions(1 << 20))
	calls := 0
	loader := func() ([]byte, error) {
		calls++
		return []byte("value"), nil
	}

	v, err := c.Get(1, blockcodec.Handle{Offset: 10, Size: 5}, PrioritySingle, loader)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "value" {
		t.Fatalf("value = %q", v)
	}
	if calls != 1 {
		t.Fatalf("loader called %d times, want 1", calls)
	}

	v, err = c.Get(1, blockcodec.Handle{Offset: 10, Size: 5}, PrioritySingle, loader)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "value" {
		t.Fatalf("value = %q", v)
	}
	if calls != 1 {
		t.Fatalf("loader called %d times on cache hit, want 1", calls)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit 1 miss", stats)
	}
}

func TestSecondTouchPromotesToMulti(t *testing.T) {
	c := New(DefaultOptions(1 << 20))
	key := blockcodec.Handle{Offset: 1, Size: 4}

	if _, err := c.Get(1, key, PrioritySingle, load("aaaa")); err != nil {
		t.Fatalf("Get: %v", err)
	}
	e := c.table[Key{FileID: 1, Offset: 1}]
	if e.priority != PrioritySingle {
		t.Fatalf("priority after first touch = %v, want Single", e.priority)
	}

	if _, err := c.Get(1, key, PrioritySingle, load("aaaa")); err != nil {
		t.Fatalf("Get: %v", err)
	}
	e = c.table[Key{FileID: 1, Offset: 1}]
	if e.priority != PriorityMulti {
		t.Fatalf("priority after second touch = %v, want Multi", e.priority)
	}
}

func TestInvalidateFile(t *testing.T) {
	c := New(DefaultOptions(1 << 20))
	if _, err := c.Get(1, blockcodec.Handle{Offset: 0, Size: 4}, PrioritySingle, load("aaaa")); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := c.Get(2, blockcodec.Handle{Offset: 0, Size: 4}, PrioritySingle, load("bbbb")); err != nil {
		t.Fatalf("Get: %v", err)
	}

	c.InvalidateFile(1)

	if _, ok := c.table[Key{FileID: 1, Offset: 0}]; ok {
		t.Errorf("file 1 block still cached after InvalidateFile")
	}
	if _, ok := c.table[Key{FileID: 2, Offset: 0}]; !ok {
		t.Errorf("file 2 block evicted by InvalidateFile(1)")
	}
}

func TestEvictionUnderCapacity(t *testing.T) {
	// Capacity sized for exactly 2 ten-byte entries; a third insert must
	// evict something rather than grow unbounded.
	c := New(DefaultOptions(20))
	for i := 0; i < 5; i++ {
		if _, err := c.Get(1, blockcodec.Handle{Offset: uint64(i * 100), Size: 10}, PrioritySingle, load("0123456789")); err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
	}
	stats := c.Stats()
	if stats.Evictions == 0 {
		t.Errorf("expected evictions under tight capacity, got 0")
	}
	if stats.Size > stats.Capacity {
		t.Errorf("size %d exceeds capacity %d", stats.Size, stats.Capacity)
	}
}

func TestMemoryBandResistsEviction(t *testing.T) {
	c := New(DefaultOptions(1000))

	memKey := blockcodec.Handle{Offset: 0, Size: 10}
	if _, err := c.Get(1, memKey, PriorityMemory, load("0123456789")); err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Flood the single/multi bands with many distinct blocks.
	for i := 1; i < 300; i++ {
		if _, err := c.Get(1, blockcodec.Handle{Offset: uint64(i * 16), Size: 10}, PrioritySingle, load("0123456789")); err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
	}

	if _, ok := c.table[Key{FileID: 1, Offset: 0}]; !ok {
		t.Errorf("memory-priority block was evicted by single-band churn")
	}
}
