// Package replication implements ReplicationTap: shipping committed WAL
// edits belonging to GLOBAL-scope column families to a selected subset of
// peer sinks, with per-region ordering, at-least-once delivery, and
// bad-sink eviction.
package replication

import (
	"fmt"
	"math"
	"sync"

	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/logging"
	"github.com/keyspace/keyspace/internal/wal"
)

// DefaultBadSinkThreshold is the consecutive reported failure count at
// which Tap evicts a sink from the live set, mirroring the
// teacher's background-error escalation idiom: isolated faults are
// logged and absorbed, repeated faults against the same peer are not.
const DefaultBadSinkThreshold = 3

// Scope marks a column family's replication policy. Only GLOBAL-scope
// families are shipped; LOCAL is the default and never leaves the node.
type Scope int

const (
	ScopeLocal Scope = iota
	ScopeGlobal
)

// Sink is a peer replication endpoint. Ship delivers one batch; it must be
// safe to call concurrently with ReportBad from a different goroutine
// watching the same sink's health.
type Sink interface {
	ID() string
	Ship(batch []Edit) error
}

// Edit is one replicated unit: a region's committed Cells at one WAL
// sequence, already filtered to GLOBAL-scope families.
type Edit struct {
	RegionID uint64
	Sequence uint64
	Cells    []cellcodec.Cell
}

// Catalog resolves the current set of peer sinks available to ship to,
// re-queried when Tap's live set drops to zero.
type Catalog interface {
	Sinks() ([]Sink, error)
}

// sinkHealth tracks one sink's consecutive-failure count since its last
// success, the trigger for eviction.
type sinkHealth struct {
	sink    Sink
	strikes int
}

// Tap registers on WAL actions, filters to GLOBAL-scope edits, and ships
// batches to a fraction of the live sink set.
type Tap struct {
	mu       sync.Mutex
	catalog  Catalog
	live     map[string]*sinkHealth
	ratio    float64
	badLimit int
	logger   logging.Logger

	families map[string]Scope

	// delivered records, per region, the highest sequence shipped
	// successfully within this process's lifetime, as reported by
	// Delivered. Flush does not consult it when choosing what to send.
	delivered map[uint64]uint64 // regionID -> highest sequence shipped

	// pending preserves ship order within a region: a region's edits are
	// appended to a pending queue and drained strictly in sequence order,
	// even though different regions may ship out of order relative to
	// each other.
	pending map[uint64][]Edit
}

// Options configures a Tap.
type Options struct {
	Catalog          Catalog
	SelectionRatio   float64 // k = max(1, floor(ratio * liveSinks))
	BadSinkThreshold int
	Families         map[string]Scope
	Logger           logging.Logger
}

// New constructs a Tap and performs its initial sink refresh.
func New(opts Options) (*Tap, error) {
	if opts.SelectionRatio <= 0 {
		opts.SelectionRatio = 1.0
	}
	if opts.BadSinkThreshold <= 0 {
		opts.BadSinkThreshold = DefaultBadSinkThreshold
	}
	t := &Tap{
		catalog:   opts.Catalog,
		ratio:     opts.SelectionRatio,
		badLimit:  opts.BadSinkThreshold,
		logger:    opts.Logger,
		families:  opts.Families,
		delivered: make(map[uint64]uint64),
		pending:   make(map[uint64][]Edit),
		live:      make(map[string]*sinkHealth),
	}
	if err := t.refresh(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tap) refresh() error {
	sinks, err := t.catalog.Sinks()
	if err != nil {
		return fmt.Errorf("replication: refresh catalog: %w", err)
	}
	live := make(map[string]*sinkHealth, len(sinks))
	for _, s := range sinks {
		live[s.ID()] = &sinkHealth{sink: s}
	}
	t.mu.Lock()
	t.live = live
	t.mu.Unlock()
	return nil
}

// Consume walks every record of it through OnCommit, the same way recovery
// walks a ReplayIterator to rebuild a MemBuffer. it is exhausted by this
// call; the caller still owns closing it.
func (t *Tap) Consume(it *wal.ReplayIterator) error {
	for it.Next() {
		t.OnCommit(it.Record())
	}
	return it.Err()
}

// OnCommit is the WAL action hook: it filters rec's Cells to GLOBAL-scope
// families (dropping control records and anything with no surviving
// cells), and enqueues the result for the owning region.
func (t *Tap) OnCommit(rec wal.LogRecord) {
	if rec.Kind != wal.KindEdit {
		return // control records (e.g. compaction markers) never replicate
	}
	var filtered []cellcodec.Cell
	for _, c := range rec.Cells {
		if t.families[string(c.Family)] == ScopeGlobal {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return
	}

	t.mu.Lock()
	t.pending[rec.RegionID] = append(t.pending[rec.RegionID], Edit{
		RegionID: rec.RegionID,
		Sequence: rec.Sequence,
		Cells:    filtered,
	})
	t.mu.Unlock()
}

// pickSinks selects k = max(1, floor(ratio * liveSinks)) sinks from the
// live set.
func (t *Tap) pickSinks() []Sink {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.live)
	if n == 0 {
		return nil
	}
	k := int(math.Floor(t.ratio * float64(n)))
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	out := make([]Sink, 0, k)
	for _, h := range t.live {
		out = append(out, h.sink)
		if len(out) == k {
			break
		}
	}
	return out
}

// Flush ships every region's pending edits, in per-region sequence order,
// to a freshly selected sink subset. A region's queue is drained entirely
// before moving to the next; failures are reported per sink via
// ReportBad and the edit remains pending for the next Flush (at-least-once:
// the receiver is expected to de-duplicate by (regionId, sequence)).
func (t *Tap) Flush() error {
	sinks := t.pickSinks()
	if len(sinks) == 0 {
		if err := t.refresh(); err != nil {
			return err
		}
		sinks = t.pickSinks()
		if len(sinks) == 0 {
			return fmt.Errorf("replication: no live sinks available")
		}
	}

	t.mu.Lock()
	regions := make([]uint64, 0, len(t.pending))
	for rid := range t.pending {
		regions = append(regions, rid)
	}
	t.mu.Unlock()

	for _, rid := range regions {
		t.mu.Lock()
		batch := t.pending[rid]
		t.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		shipped := false
		for _, s := range sinks {
			if err := s.Ship(batch); err != nil {
				t.ReportBad(s.ID())
				continue
			}
			shipped = true
			t.mu.Lock()
			if h, ok := t.live[s.ID()]; ok {
				h.strikes = 0
			}
			t.mu.Unlock()
			break
		}
		if !shipped {
			continue // stays pending; next Flush retries after resolving sink health
		}

		t.mu.Lock()
		last := batch[len(batch)-1].Sequence
		if last > t.delivered[rid] {
			t.delivered[rid] = last
		}
		// Keep edits OnCommit enqueued while Ship was running.
		t.pending[rid] = t.pending[rid][len(batch):]
		t.mu.Unlock()
	}
	return nil
}

// ReportBad records a delivery failure against sink. Once a sink's
// consecutive-failure count reaches BadSinkThreshold it is evicted from the
// live set; a later successful Ship resets its strike count.
func (t *Tap) ReportBad(sinkID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.live[sinkID]
	if !ok {
		return
	}
	h.strikes++
	if h.strikes >= t.badLimit {
		delete(t.live, sinkID)
		if t.logger != nil {
			t.logger.Warnf(logging.NSReplication+"evicted sink %s after %d consecutive failures", sinkID, h.strikes)
		}
	}
}

// LiveSinkCount reports how many sinks are currently considered healthy.
func (t *Tap) LiveSinkCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Delivered returns the highest sequence successfully shipped for region,
// or 0 if none has.
func (t *Tap) Delivered(regionID uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delivered[regionID]
}
