package region

import (
	"bytes"
	"sort"
	"sync"
)

// rowLatches grants exclusive per-row critical sections for the duration of
// a mutation, the way the teacher's LockManager grants per-key locks for a
// transaction — but scoped to a single call rather than a transaction's
// lifetime, and always released before the call returns. Rows are striped
// across a fixed shard count so unrelated rows essentially never contend,
// the way a lock manager shards its key table.
type rowLatches struct {
	shards [rowLatchShards]struct {
		mu   sync.Mutex
		held map[string]*sync.Mutex
	}
}

const rowLatchShards = 64

func newRowLatches() *rowLatches {
	rl := &rowLatches{}
	for i := range rl.shards {
		rl.shards[i].held = make(map[string]*sync.Mutex)
	}
	return rl
}

func (rl *rowLatches) shardFor(row []byte) *struct {
	mu   sync.Mutex
	held map[string]*sync.Mutex
} {
	var h uint32 = 2166136261
	for _, b := range row {
		h ^= uint32(b)
		h *= 16777619
	}
	return &rl.shards[h%rowLatchShards]
}

func (rl *rowLatches) lockOne(row []byte) func() {
	shard := rl.shardFor(row)
	shard.mu.Lock()
	key := string(row)
	m, ok := shard.held[key]
	if !ok {
		m = &sync.Mutex{}
		shard.held[key] = m
	}
	shard.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		shard.mu.Lock()
		if shard.held[key] == m {
			delete(shard.held, key)
		}
		shard.mu.Unlock()
	}
}

// lockRows acquires latches for every distinct row in rows, always in
// row-bytes-ascending order regardless of call order, so two batches
// touching overlapping row sets can never deadlock against each other. It
// returns a single release function that unlocks all of them.
func (rl *rowLatches) lockRows(rows [][]byte) func() {
	uniq := make(map[string][]byte, len(rows))
	for _, r := range rows {
		uniq[string(r)] = r
	}
	ordered := make([][]byte, 0, len(uniq))
	for _, r := range uniq {
		ordered = append(ordered, r)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return bytes.Compare(ordered[i], ordered[j]) < 0
	})

	releases := make([]func(), 0, len(ordered))
	for _, r := range ordered {
		releases = append(releases, rl.lockOne(r))
	}
	return func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
}
