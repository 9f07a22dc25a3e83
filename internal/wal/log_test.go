package wal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/keyspace/keyspace/internal/cellcodec"
)

func sampleCell(row string, ts uint64) cellcodec.Cell {
	return cellcodec.Cell{
		Row:       []byte(row),
		Family:    []byte("cf"),
		Qualifier: []byte("q"),
		Timestamp: ts,
		Type:      cellcodec.TypePut,
		Value:     []byte("v-" + row),
	}
}

func TestAppendAssignsIncreasingSequence(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Dir: dir}, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	var seqs []uint64
	for i := 0; i < 5; i++ {
		seq, err := l.Append(42, []cellcodec.Cell{sampleCell("r", uint64(i))}, AsyncWAL)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		seqs = append(seqs, seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("sequence not strictly increasing: %v", seqs)
		}
	}
}

func TestSkipWALStillAdvancesSequence(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Dir: dir}, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	seq1, err := l.Append(1, []cellcodec.Cell{sampleCell("a", 1)}, SkipWAL)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	seq2, err := l.Append(1, []cellcodec.Cell{sampleCell("b", 2)}, AsyncWAL)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq2 != seq1+1 {
		t.Errorf("seq2 = %d, want %d", seq2, seq1+1)
	}
}

func TestSequencesPerRegionAreIndependent(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Dir: dir}, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	seqA1, _ := l.Append(1, []cellcodec.Cell{sampleCell("a", 1)}, AsyncWAL)
	seqB1, _ := l.Append(2, []cellcodec.Cell{sampleCell("b", 1)}, AsyncWAL)
	seqA2, _ := l.Append(1, []cellcodec.Cell{sampleCell("a", 2)}, AsyncWAL)

	if seqA1 != 1 || seqB1 != 1 || seqA2 != 2 {
		t.Errorf("got seqA1=%d seqB1=%d seqA2=%d, want 1,1,2", seqA1, seqB1, seqA2)
	}
}

func TestAppendAndReplayRoundtrip(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Dir: dir}, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	cells := []cellcodec.Cell{sampleCell("row1", 10), sampleCell("row2", 11)}
	seq, err := l.Append(7, cells, SyncWAL)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	it, err := OpenReplay(filepath.Join(dir, fileName(1)), 1)
	if err != nil {
		t.Fatalf("OpenReplay: %v", err)
	}
	defer it.Close()

	if !it.Next() {
		t.Fatalf("expected one record, got none (err=%v)", it.Err())
	}
	rec := it.Record()
	if rec.RegionID != 7 || rec.Sequence != seq || len(rec.Cells) != 2 {
		t.Fatalf("record mismatch: %+v", rec)
	}
	if string(rec.Cells[0].Row) != "row1" || string(rec.Cells[1].Row) != "row2" {
		t.Fatalf("cell content mismatch: %+v", rec.Cells)
	}
	if it.Next() {
		t.Fatalf("expected exactly one record")
	}
}

func TestReplaySkipsUnknownRecordKind(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(Options{Dir: dir}, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	// A record with a kind this build doesn't recognize should be skipped,
	// not fail the whole replay.
	unknown := append([]byte{99}, make([]byte, 16)...)
	l.mu.Lock()
	if _, err := l.writer.AddRecord(unknown); err != nil {
		l.mu.Unlock()
		t.Fatalf("AddRecord: %v", err)
	}
	l.mu.Unlock()

	if _, err := l.Append(3, []cellcodec.Cell{sampleCell("x", 1)}, SyncWAL); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	it, err := OpenReplay(filepath.Join(dir, fileName(1)), 1)
	if err != nil {
		t.Fatalf("OpenReplay: %v", err)
	}
	defer it.Close()

	if !it.Next() {
		t.Fatalf("expected the edit record to survive the unknown-kind record, err=%v", it.Err())
	}
	if rec := it.Record(); rec.RegionID != 3 {
		t.Fatalf("got region %d, want 3", rec.RegionID)
	}
	if it.Next() {
		t.Fatalf("expected exactly one replayable record")
	}
}

func TestRollCreatesNewFileAndArchivesOld(t *testing.T) {
	dir := t.TempDir()
	archive := t.TempDir()
	l, err := Open(Options{Dir: dir, ArchiveDir: archive}, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	if _, err := l.Append(1, []cellcodec.Cell{sampleCell("a", 1)}, SyncWAL); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Roll(); err != nil {
		t.Fatalf("Roll: %v", err)
	}
	if l.FileNumber() != 2 {
		t.Errorf("FileNumber after roll = %d, want 2", l.FileNumber())
	}
	if _, err := os.Stat(filepath.Join(archive, fileName(1))); err != nil {
		t.Errorf("archived file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, fileName(2))); err != nil {
		t.Errorf("new active file missing: %v", err)
	}
}

type countingListener struct {
	rolls int
}

func (c *countingListener) PreLogRoll(uint64, uint64)  {}
func (c *countingListener) PostLogRoll(uint64, uint64) { c.rolls++ }

// TestLogRollPeriodIdleness is a scaled-down version of the "4000ms roll
// period, 20s idle, >=5 rolls" scenario: with no write traffic, the idle
// ticker alone must still drive at least floor(window/period) rolls.
func TestLogRollPeriodIdleness(t *testing.T) {
	dir := t.TempDir()
	listener := &countingListener{}
	period := 40 * time.Millisecond
	l, err := Open(Options{Dir: dir, RollPeriod: period, Listener: listener}, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer l.Close()

	window := 220 * time.Millisecond
	time.Sleep(window)

	want := int(window / period)
	l.mu.Lock()
	got := listener.rolls
	l.mu.Unlock()
	if got < want {
		t.Errorf("idle rolls = %d, want >= %d over a %v window with period %v", got, want, window, period)
	}
}

func TestDurabilityString(t *testing.T) {
	cases := map[Durability]string{
		SkipWAL:  "SKIP_WAL",
		AsyncWAL: "ASYNC_WAL",
		SyncWAL:  "SYNC_WAL",
		FsyncWAL: "FSYNC_WAL",
	}
	for d, want := range cases {
		if got := d.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", d, got, want)
		}
	}
}
