package region

import (
	"path/filepath"
	"strconv"
	"testing"

	"github.com/keyspace/keyspace/internal/wal"
	"github.com/keyspace/keyspace/storage"
)

func openTestRegionAt(t *testing.T, dir string, id uint64, startKey, endKey []byte) *Region {
	t.Helper()
	log, err := wal.Open(wal.Options{
		Dir:        filepath.Join(dir, "wal"),
		ArchiveDir: filepath.Join(dir, "wal-archive"),
	}, id)
	if err != nil {
		t.Fatalf("wal.Open: %v", err)
	}
	t.Cleanup(func() { log.Close() })

	r, err := Open(Options{
		ID:       id,
		StartKey: startKey,
		EndKey:   endKey,
		Dir:      filepath.Join(dir, "regions", strconv.FormatUint(id, 10)),
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

func TestSplitProducesTwoDaughtersCoveringOriginalRange(t *testing.T) {
	root := t.TempDir()
	r := openTestRegionAt(t, root, 1, nil, nil)
	for _, row := range []string{"a", "b", "m", "n", "z"} {
		if err := r.Put([]byte(row), []Mutation{put(row, "q", "v-"+row, 1)}, wal.AsyncWAL); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	a, b, err := r.Split(SplitOptions{
		SplitKey:    []byte("m"),
		RootDir:     filepath.Join(root, "regions"),
		DaughterAID: 2,
		DaughterBID: 3,
	})
	if err != nil {
		t.Fatalf("Split: %v", err)
	}

	if r.State() != StateSplit {
		t.Fatalf("parent state = %v, want StateSplit", r.State())
	}
	if a.State() != StateOpen || b.State() != StateOpen {
		t.Fatal("daughters must be OPEN after split")
	}

	var gotA, gotB []string
	for _, row := range []string{"a", "b", "m", "n", "z"} {
		if cells, _ := a.Get([]byte(row), "cf", 0); len(cells) == 1 {
			gotA = append(gotA, row)
		}
		if cells, _ := b.Get([]byte(row), "cf", 0); len(cells) == 1 {
			gotB = append(gotB, row)
		}
	}
	if len(gotA) != 2 || gotA[0] != "a" || gotA[1] != "b" {
		t.Fatalf("daughter A rows = %v, want [a b]", gotA)
	}
	if len(gotB) != 3 || gotB[0] != "m" || gotB[1] != "n" || gotB[2] != "z" {
		t.Fatalf("daughter B rows = %v, want [m n z]", gotB)
	}
}

func TestSplitRejectsOutOfRangeSplitKey(t *testing.T) {
	root := t.TempDir()
	r := openTestRegionAt(t, root, 1, []byte("d"), []byte("k"))
	_, _, err := r.Split(SplitOptions{
		SplitKey:    []byte("z"),
		RootDir:     filepath.Join(root, "regions"),
		DaughterAID: 2,
		DaughterBID: 3,
	})
	if err == nil {
		t.Fatal("expected an error splitting on an out-of-range key")
	}
	if r.State() != StateOpen {
		t.Fatalf("parent state = %v, want StateOpen after a rejected split", r.State())
	}
}

func TestSplitQuiescesParentDuringTransaction(t *testing.T) {
	root := t.TempDir()
	r := openTestRegionAt(t, root, 1, nil, nil)
	r.setState(StateSplitting)
	err := r.Put([]byte("a"), []Mutation{put("a", "q", "v", 1)}, wal.AsyncWAL)
	if err != ErrRegionNotOnline {
		t.Fatalf("Put during SPLITTING err = %v, want ErrRegionNotOnline", err)
	}
}

func TestMergeProducesSingleRegionCoveringBothRanges(t *testing.T) {
	root := t.TempDir()
	a := openTestRegionAt(t, root, 1, nil, []byte("m"))
	b := openTestRegionAt(t, root, 2, []byte("m"), nil)

	if err := a.Put([]byte("b"), []Mutation{put("b", "q", "vb", 1)}, wal.AsyncWAL); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := b.Put([]byte("z"), []Mutation{put("z", "q", "vz", 1)}, wal.AsyncWAL); err != nil {
		t.Fatalf("Put: %v", err)
	}

	merged, err := a.Merge(b, MergeOptions{RootDir: filepath.Join(root, "regions"), MergedID: 3})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if a.State() != StateMerged || b.State() != StateMerged {
		t.Fatal("both inputs must be MERGED after a successful merge")
	}
	if merged.State() != StateOpen {
		t.Fatalf("merged region state = %v, want StateOpen", merged.State())
	}

	cb, err := merged.Get([]byte("b"), "cf", 0)
	if err != nil || len(cb) != 1 || string(cb[0].Value) != "vb" {
		t.Fatalf("merged.Get(b) = %+v, %v", cb, err)
	}
	cz, err := merged.Get([]byte("z"), "cf", 0)
	if err != nil || len(cz) != 1 || string(cz[0].Value) != "vz" {
		t.Fatalf("merged.Get(z) = %+v, %v", cz, err)
	}
}

func TestMergeRejectsNonAdjacentRegions(t *testing.T) {
	root := t.TempDir()
	a := openTestRegionAt(t, root, 1, nil, []byte("d"))
	b := openTestRegionAt(t, root, 2, []byte("m"), nil)

	_, err := a.Merge(b, MergeOptions{RootDir: filepath.Join(root, "regions"), MergedID: 3})
	if err != ErrMergeRegion {
		t.Fatalf("Merge err = %v, want ErrMergeRegion", err)
	}
	if a.State() != StateOpen || b.State() != StateOpen {
		t.Fatal("rejected merge must leave both inputs OPEN")
	}
}
