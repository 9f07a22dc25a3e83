package regionfs

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStageAndPublish(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	staged, err := l.StagePath("cf", "00000001.sf")
	if err != nil {
		t.Fatalf("StagePath: %v", err)
	}
	if err := os.WriteFile(staged, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	final, err := l.Publish(staged, "cf", "00000001.sf")
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if _, err := os.Stat(final); err != nil {
		t.Fatalf("published file missing: %v", err)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatalf("staged file should no longer exist, stat err = %v", err)
	}
}

func TestRegionInfoWriteOnce(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := l.WriteRegionInfo([]byte("v1")); err != nil {
		t.Fatalf("WriteRegionInfo: %v", err)
	}
	if err := l.WriteRegionInfo([]byte("v2")); err != nil {
		t.Fatalf("WriteRegionInfo (second call): %v", err)
	}
	got, err := l.ReadRegionInfo()
	if err != nil {
		t.Fatalf("ReadRegionInfo: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("ReadRegionInfo = %q, want %q (second write must be a no-op)", got, "v1")
	}
}

func TestArchiveMovesFileOutOfLiveDir(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	dir, err := l.FamilyDir("cf")
	if err != nil {
		t.Fatalf("FamilyDir: %v", err)
	}
	path := filepath.Join(dir, "00000001.sf")
	if err := os.WriteFile(path, []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := l.Archive("cf", "00000001.sf"); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("file should no longer be in the live family dir")
	}
	archiveDir, err := l.ArchiveDir("cf")
	if err != nil {
		t.Fatalf("ArchiveDir: %v", err)
	}
	if _, err := os.Stat(filepath.Join(archiveDir, "00000001.sf")); err != nil {
		t.Fatalf("archived file missing: %v", err)
	}
}

func TestSnapshotAndClone(t *testing.T) {
	root := t.TempDir()
	l, err := Open(root, 1)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	dir, err := l.FamilyDir("cf")
	if err != nil {
		t.Fatalf("FamilyDir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "00000001.sf"), []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := l.WriteRegionInfo([]byte("info")); err != nil {
		t.Fatalf("WriteRegionInfo: %v", err)
	}

	snapDir := filepath.Join(root, "snap")
	if err := l.Snapshot(snapDir, map[string][]string{"cf": {"00000001.sf"}}); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	clonedRoot := filepath.Join(root, "cloned")
	clone, err := Clone(snapDir, clonedRoot, 2)
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	cloneFile := filepath.Join(clone.Dir(), "cf", "00000001.sf")
	got, err := os.ReadFile(cloneFile)
	if err != nil {
		t.Fatalf("read cloned file: %v", err)
	}
	if string(got) != "data" {
		t.Fatalf("cloned file content = %q, want %q", got, "data")
	}
	info, err := clone.ReadRegionInfo()
	if err != nil {
		t.Fatalf("ReadRegionInfo on clone: %v", err)
	}
	if string(info) != "info" {
		t.Fatalf("cloned region info = %q, want %q", info, "info")
	}
}
