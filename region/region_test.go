package region

import (
	"path/filepath"
	"testing"

	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/wal"
	"github.com/keyspace/keyspace/observer"
	"github.com/keyspace/keyspace/replication"
	"github.com/keyspace/keyspace/scheduler"
	"github.com/keyspace/keyspace/storage"
)

func openTestRegion(t *testing.T) *Region {
	t.Helper()
	dir := t.TempDir()

	log, err := wal.Open(wal.Options{
		Dir:        filepath.Join(dir, "wal"),
		ArchiveDir: filepath.Join(dir, "wal-archive"),
	}, 1)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	r, err := Open(Options{
		ID:  1,
		Dir: filepath.Join(dir, "region"),
		Families: map[string]FamilyOptions{
			"cf": {Store: storage.DefaultOptions("cf"), RetainSequence: true},
		},
		Log: log,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return r
}

func put(row, qualifier, value string, ts uint64) Mutation {
	return Mutation{
		Family: "cf",
		Cell: cellcodec.Cell{
			Row:       []byte(row),
			Family:    []byte("cf"),
			Qualifier: []byte(qualifier),
			Timestamp: ts,
			Type:      cellcodec.TypePut,
			Value:     []byte(value),
		},
	}
}

func TestPutThenGet(t *testing.T) {
	r := openTestRegion(t)
	if err := r.Put([]byte("row1"), []Mutation{put("row1", "q", "v1", 1)}, wal.AsyncWAL); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cells, err := r.Get([]byte("row1"), "cf", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(cells) != 1 || string(cells[0].Value) != "v1" {
		t.Fatalf("Get = %+v, want one cell v1", cells)
	}
}

func TestGetHonorsReadPoint(t *testing.T) {
	r := openTestRegion(t)
	if err := r.Put([]byte("row1"), []Mutation{put("row1", "q", "v1", 1)}, wal.AsyncWAL); err != nil {
		t.Fatalf("Put: %v", err)
	}
	firstSeq := r.readPoint.Load()
	if err := r.Put([]byte("row1"), []Mutation{put("row1", "q", "v2", 2)}, wal.AsyncWAL); err != nil {
		t.Fatalf("Put: %v", err)
	}

	cells, err := r.Get([]byte("row1"), "cf", firstSeq)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(cells) != 1 || string(cells[0].Value) != "v1" {
		t.Fatalf("Get at old read point = %+v, want v1 only", cells)
	}

	latest, err := r.Get([]byte("row1"), "cf", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(latest) != 1 || string(latest[0].Value) != "v2" {
		t.Fatalf("Get at latest = %+v, want v2", latest)
	}
}

func TestScanAcrossRows(t *testing.T) {
	r := openTestRegion(t)
	for _, row := range []string{"a", "b", "c"} {
		if err := r.Put([]byte(row), []Mutation{put(row, "q", "v-"+row, 1)}, wal.AsyncWAL); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	var rows []string
	err := r.Scan(nil, nil, []string{"cf"}, 0, func(sr ScanResult) bool {
		rows = append(rows, string(sr.Cell.Row))
		return true
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(rows) != 3 || rows[0] != "a" || rows[1] != "b" || rows[2] != "c" {
		t.Fatalf("Scan rows = %v, want [a b c]", rows)
	}
}

func TestCheckAndMutate(t *testing.T) {
	r := openTestRegion(t)
	if err := r.Put([]byte("row1"), []Mutation{put("row1", "q", "v1", 1)}, wal.AsyncWAL); err != nil {
		t.Fatalf("Put: %v", err)
	}

	err := r.CheckAndMutate([]byte("row1"), "cf", []byte("q"), ComparatorEqual, []byte("v1"),
		[]Mutation{put("row1", "q", "v2", 2)}, wal.AsyncWAL)
	if err != nil {
		t.Fatalf("CheckAndMutate: %v", err)
	}

	err = r.CheckAndMutate([]byte("row1"), "cf", []byte("q"), ComparatorEqual, []byte("v1"), // stale condition now
		[]Mutation{put("row1", "q", "v3", 3)}, wal.AsyncWAL)
	if err != ErrCheckFailed {
		t.Fatalf("CheckAndMutate err = %v, want ErrCheckFailed", err)
	}
}

func TestCheckAndMutateComparators(t *testing.T) {
	r := openTestRegion(t)
	if err := r.Put([]byte("row1"), []Mutation{put("row1", "q", "5", 1)}, wal.AsyncWAL); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := r.CheckAndMutate([]byte("row1"), "cf", []byte("q"), ComparatorGreater, []byte("3"),
		[]Mutation{put("row1", "q", "6", 2)}, wal.AsyncWAL); err != nil {
		t.Fatalf("CheckAndMutate(GREATER): %v", err)
	}

	err := r.CheckAndMutate([]byte("row1"), "cf", []byte("q"), ComparatorLess, []byte("3"),
		[]Mutation{put("row1", "q", "7", 3)}, wal.AsyncWAL)
	if err != ErrCheckFailed {
		t.Fatalf("CheckAndMutate(LESS) err = %v, want ErrCheckFailed", err)
	}

	if err := r.CheckAndMutate([]byte("missing-row"), "cf", []byte("q"), ComparatorEqual, nil,
		[]Mutation{put("missing-row", "q", "v", 1)}, wal.AsyncWAL); err != nil {
		t.Fatalf("CheckAndMutate(EQUAL, nil) on absent cell: %v", err)
	}
}

func TestDeleteColumnMasksOlderPut(t *testing.T) {
	r := openTestRegion(t)
	if err := r.Put([]byte("row1"), []Mutation{put("row1", "q", "v1", 1)}, wal.AsyncWAL); err != nil {
		t.Fatalf("Put: %v", err)
	}
	del := Mutation{
		Family: "cf",
		Cell: cellcodec.Cell{
			Row: []byte("row1"), Family: []byte("cf"), Qualifier: []byte("q"),
			Timestamp: 2, Type: cellcodec.TypeDeleteColumn,
		},
	}
	if err := r.Delete([]byte("row1"), []Mutation{del}, wal.AsyncWAL); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	cells, err := r.Get([]byte("row1"), "cf", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(cells) != 0 {
		t.Fatalf("Get = %+v, want empty after DeleteColumn masks the put", cells)
	}
}

func TestRowOutOfRangeRejected(t *testing.T) {
	dir := t.TempDir()
	log, err := wal.Open(wal.Options{Dir: filepath.Join(dir, "wal"), ArchiveDir: filepath.Join(dir, "wal-archive")}, 1)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	r, err := Open(Options{
		ID:       1,
		StartKey: []byte("m"),
		EndKey:   []byte("z"),
		Dir:      filepath.Join(dir, "region"),
		Families: map[string]FamilyOptions{"cf": {Store: storage.DefaultOptions("cf")}},
		Log:      log,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := r.Put([]byte("a"), []Mutation{put("a", "q", "v", 1)}, wal.AsyncWAL); err == nil {
		t.Fatal("expected out-of-range row to be rejected")
	}
}

func TestNotOnlineRejectsOps(t *testing.T) {
	r := openTestRegion(t)
	r.setState(StateClosing)
	if err := r.Put([]byte("row1"), []Mutation{put("row1", "q", "v1", 1)}, wal.AsyncWAL); err != ErrRegionNotOnline {
		t.Fatalf("Put err = %v, want ErrRegionNotOnline", err)
	}
}

type countingHooks struct {
	observer.BaseHooks
	prePuts, postPuts int
}

func (h *countingHooks) PrePut(ctx *observer.Context, e observer.MutationEvent)  { h.prePuts++ }
func (h *countingHooks) PostPut(ctx *observer.Context, e observer.MutationEvent) { h.postPuts++ }

func TestPutDispatchesObserverHooks(t *testing.T) {
	dir := t.TempDir()
	log, err := wal.Open(wal.Options{Dir: filepath.Join(dir, "wal"), ArchiveDir: filepath.Join(dir, "wal-archive")}, 1)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	chain := observer.NewChain(observer.LogAndContinue, nil)
	hooks := &countingHooks{}
	chain.Register(hooks)

	r, err := Open(Options{
		ID:        1,
		Dir:       filepath.Join(dir, "region"),
		Families:  map[string]FamilyOptions{"cf": {Store: storage.DefaultOptions("cf")}},
		Log:       log,
		Observers: chain,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := r.Put([]byte("row1"), []Mutation{put("row1", "q", "v1", 1)}, wal.AsyncWAL); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if hooks.prePuts != 1 || hooks.postPuts != 1 {
		t.Fatalf("prePuts=%d postPuts=%d, want 1,1", hooks.prePuts, hooks.postPuts)
	}
}

type bypassingHooks struct{ observer.BaseHooks }

func (bypassingHooks) PrePut(ctx *observer.Context, e observer.MutationEvent) { ctx.Bypass() }

func TestPutBypassSkipsEngineWrite(t *testing.T) {
	dir := t.TempDir()
	log, err := wal.Open(wal.Options{Dir: filepath.Join(dir, "wal"), ArchiveDir: filepath.Join(dir, "wal-archive")}, 1)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	chain := observer.NewChain(observer.LogAndContinue, nil)
	chain.Register(bypassingHooks{})

	r, err := Open(Options{
		ID:        1,
		Dir:       filepath.Join(dir, "region"),
		Families:  map[string]FamilyOptions{"cf": {Store: storage.DefaultOptions("cf")}},
		Log:       log,
		Observers: chain,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := r.Put([]byte("row1"), []Mutation{put("row1", "q", "v1", 1)}, wal.AsyncWAL); err != nil {
		t.Fatalf("Put: %v", err)
	}
	cells, err := r.Get([]byte("row1"), "cf", 0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(cells) != 0 {
		t.Fatalf("Get = %+v, want empty (PrePut bypass should have skipped the write)", cells)
	}
}

type staticCatalog struct{ sinks []replication.Sink }

func (c staticCatalog) Sinks() ([]replication.Sink, error) { return c.sinks, nil }

type recordingSink struct{ batches [][]replication.Edit }

func (s *recordingSink) ID() string { return "sink-0" }
func (s *recordingSink) Ship(batch []replication.Edit) error {
	s.batches = append(s.batches, batch)
	return nil
}

func TestPutForwardsCommittedEditsToReplicationTap(t *testing.T) {
	dir := t.TempDir()
	log, err := wal.Open(wal.Options{Dir: filepath.Join(dir, "wal"), ArchiveDir: filepath.Join(dir, "wal-archive")}, 1)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	sink := &recordingSink{}
	tap, err := replication.New(replication.Options{
		Catalog:        staticCatalog{sinks: []replication.Sink{sink}},
		SelectionRatio: 1.0,
		Families:       map[string]replication.Scope{"cf": replication.ScopeGlobal},
	})
	if err != nil {
		t.Fatalf("replication.New: %v", err)
	}

	r, err := Open(Options{
		ID:          1,
		Dir:         filepath.Join(dir, "region"),
		Families:    map[string]FamilyOptions{"cf": {Store: storage.DefaultOptions("cf")}},
		Log:         log,
		Replication: tap,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := r.Put([]byte("row1"), []Mutation{put("row1", "q", "v1", 1)}, wal.SyncWAL); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tap.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if len(sink.batches) != 1 || len(sink.batches[0]) != 1 {
		t.Fatalf("sink.batches = %+v, want one batch with one edit", sink.batches)
	}
}

func TestPutConsultsWriteGate(t *testing.T) {
	r := openTestRegion(t)
	gate := scheduler.NewWriteGate()
	r.opts.Gate = gate
	gate.Recalculate(0, 1<<30, 1<<30, 0, 0, 0) // stays Normal; Wait must not block

	if err := r.Put([]byte("row1"), []Mutation{put("row1", "q", "v1", 1)}, wal.AsyncWAL); err != nil {
		t.Fatalf("Put: %v", err)
	}
}
