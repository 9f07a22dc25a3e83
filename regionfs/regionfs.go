// Package regionfs implements RegionFileSystem: the on-disk directory
// layout one Region occupies, the atomic stage-then-rename publish
// discipline every written file passes through, reference-file creation at
// split, and archive/snapshot/clone/restore for backup and split/merge
// recovery.
package regionfs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

const (
	regionInfoFile = ".regioninfo"
	stagingSuffix  = ".tmp"
	archiveDirName = "archive"
)

// Layout describes one region's on-disk directory tree:
//
//	<root>/<regionID>/.regioninfo
//	<root>/<regionID>/<family>/*.sf
//	<root>/<regionID>/<family>/archive/*.sf
type Layout struct {
	root     string
	regionID uint64

	mu           sync.Mutex
	infoWritten  bool
}

// Open returns a Layout rooted at filepath.Join(root, regionID), creating
// the region directory if needed.
func Open(root string, regionID uint64) (*Layout, error) {
	dir := filepath.Join(root, fmt.Sprintf("%d", regionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("regionfs: mkdir %s: %w", dir, err)
	}
	l := &Layout{root: root, regionID: regionID}
	if _, err := os.Stat(filepath.Join(dir, regionInfoFile)); err == nil {
		l.infoWritten = true
	}
	return l, nil
}

// Dir returns the region's root directory.
func (l *Layout) Dir() string {
	return filepath.Join(l.root, fmt.Sprintf("%d", l.regionID))
}

// FamilyDir returns (and creates) the directory a family's SortedFiles
// live in.
func (l *Layout) FamilyDir(family string) (string, error) {
	dir := filepath.Join(l.Dir(), family)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("regionfs: mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// ArchiveDir returns (and creates) a family's archive directory, where
// files removed from the live set by compaction are moved instead of
// deleted outright, so an in-flight reader or snapshot can still reach
// them.
func (l *Layout) ArchiveDir(family string) (string, error) {
	dir := filepath.Join(l.Dir(), family, archiveDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("regionfs: mkdir %s: %w", dir, err)
	}
	return dir, nil
}

// StagePath returns the staging path a file destined for finalName should
// be written to before Publish renames it into place.
func (l *Layout) StagePath(family, finalName string) (string, error) {
	dir, err := l.FamilyDir(family)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, finalName+stagingSuffix), nil
}

// Publish atomically renames a staged file into its final, reader-visible
// name. Every file a reader ever opens has passed through exactly this
// call: a reader can assume a file present under its final name is
// complete and internally consistent, never partially written.
func (l *Layout) Publish(stagedPath, family, finalName string) (string, error) {
	dir, err := l.FamilyDir(family)
	if err != nil {
		return "", err
	}
	final := filepath.Join(dir, finalName)
	if err := os.Rename(stagedPath, final); err != nil {
		return "", fmt.Errorf("regionfs: publish %s: %w", finalName, err)
	}
	return final, nil
}

// Archive moves a file out of the live family directory into its archive,
// rather than deleting it, so readers that opened it before the rename
// (e.g. a long-running scan, or a snapshot export) keep a valid path.
func (l *Layout) Archive(family, fileName string) error {
	archiveDir, err := l.ArchiveDir(family)
	if err != nil {
		return err
	}
	familyDir, err := l.FamilyDir(family)
	if err != nil {
		return err
	}
	src := filepath.Join(familyDir, fileName)
	dst := filepath.Join(archiveDir, fileName)
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("regionfs: archive %s: %w", fileName, err)
	}
	return nil
}

// WriteRegionInfo writes the region's identity/boundary descriptor exactly
// once: subsequent calls are a no-op so a restarted open can't clobber a
// payload a split/merge transaction already committed. Callers that need
// to change region metadata must go through the split/merge path instead.
func (l *Layout) WriteRegionInfo(payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.infoWritten {
		return nil
	}
	path := filepath.Join(l.Dir(), regionInfoFile)
	staged := path + stagingSuffix
	if err := os.WriteFile(staged, payload, 0o644); err != nil {
		return fmt.Errorf("regionfs: write %s: %w", regionInfoFile, err)
	}
	if err := os.Rename(staged, path); err != nil {
		return fmt.Errorf("regionfs: publish %s: %w", regionInfoFile, err)
	}
	l.infoWritten = true
	return nil
}

// ReadRegionInfo reads back a previously written .regioninfo payload.
func (l *Layout) ReadRegionInfo() ([]byte, error) {
	return os.ReadFile(filepath.Join(l.Dir(), regionInfoFile))
}

// ReferenceFile creates a reference file in dstFamily recording that
// srcPath (a parent's SortedFile) should be treated as covering only one
// side of splitKey, without copying any data: splits are metadata-only
// until a later compaction rewrites the reference into a concrete file.
func (l *Layout) ReferenceFile(dstFamily, name string, meta []byte) error {
	dir, err := l.FamilyDir(dstFamily)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, name+".ref")
	staged := path + stagingSuffix
	if err := os.WriteFile(staged, meta, 0o644); err != nil {
		return fmt.Errorf("regionfs: write reference %s: %w", name, err)
	}
	return os.Rename(staged, path)
}

// copyFile copies src to dst and fsyncs the destination before returning,
// the way a checkpoint's file copy must guarantee durability before the
// checkpoint is considered complete.
func copyFile(src, dst string) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer srcFile.Close()

	dstFile, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, srcFile); err != nil {
		return err
	}
	return dstFile.Sync()
}

// linkOrCopy hard-links src at dst when the filesystem allows it (the
// common case: a snapshot sharing a SortedFile with the live region costs
// no extra disk), falling back to a full copy when linking fails (e.g.
// cross-device snapshot destinations).
func linkOrCopy(src, dst string) error {
	if err := os.Link(src, dst); err == nil {
		return nil
	}
	return copyFile(src, dst)
}

// Snapshot hard-links (or copies) every SortedFile under family directories
// named in files into destDir, preserving the family subdirectory
// structure, without touching the live region at all.
func (l *Layout) Snapshot(destDir string, files map[string][]string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("regionfs: mkdir snapshot dir: %w", err)
	}
	for family, names := range files {
		srcDir, err := l.FamilyDir(family)
		if err != nil {
			return err
		}
		dstDir := filepath.Join(destDir, family)
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			return err
		}
		for _, name := range names {
			if err := linkOrCopy(filepath.Join(srcDir, name), filepath.Join(dstDir, name)); err != nil {
				return fmt.Errorf("regionfs: snapshot %s/%s: %w", family, name, err)
			}
		}
	}
	if info, err := l.ReadRegionInfo(); err == nil {
		_ = os.WriteFile(filepath.Join(destDir, regionInfoFile), info, 0o644)
	}
	return nil
}

// Clone materializes a snapshot directory as a new, independently writable
// region directory at destRoot/destRegionID: every file is link-or-copied
// again so mutating the clone's files (via compaction) never touches the
// snapshot's own files.
func Clone(snapshotDir string, destRoot string, destRegionID uint64) (*Layout, error) {
	dest, err := Open(destRoot, destRegionID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(snapshotDir)
	if err != nil {
		return nil, fmt.Errorf("regionfs: read snapshot dir: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		family := e.Name()
		srcDir := filepath.Join(snapshotDir, family)
		names, err := os.ReadDir(srcDir)
		if err != nil {
			return nil, err
		}
		dstDir, err := dest.FamilyDir(family)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			if n.IsDir() {
				continue
			}
			if err := linkOrCopy(filepath.Join(srcDir, n.Name()), filepath.Join(dstDir, n.Name())); err != nil {
				return nil, fmt.Errorf("regionfs: clone %s/%s: %w", family, n.Name(), err)
			}
		}
	}
	if info, err := os.ReadFile(filepath.Join(snapshotDir, regionInfoFile)); err == nil {
		if err := dest.WriteRegionInfo(info); err != nil {
			return nil, err
		}
	}
	return dest, nil
}

// Restore replaces a region's on-disk contents with a snapshot's, for
// recovery from a corrupted or lost region directory. The region directory
// must not currently be open for writes by any Store.
func Restore(snapshotDir, destRoot string, destRegionID uint64) (*Layout, error) {
	dest := filepath.Join(destRoot, fmt.Sprintf("%d", destRegionID))
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("regionfs: remove existing region dir: %w", err)
	}
	return Clone(snapshotDir, destRoot, destRegionID)
}
