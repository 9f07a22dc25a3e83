package wal

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/logging"
)

// Durability controls how durably an Append must land before it may be
// acknowledged to the caller.
type Durability uint8

const (
	// SkipWAL bypasses the log entirely; the edit is only ever visible in
	// the MemBuffer and is lost on crash before flush.
	SkipWAL Durability = 0
	// AsyncWAL appends to the log's in-memory writer but does not sync.
	AsyncWAL Durability = 1
	// SyncWAL appends and fsyncs the log file before returning.
	SyncWAL Durability = 2
	// FsyncWAL appends and fsyncs both data and metadata. On this platform
	// that is the same underlying syscall as SyncWAL — os.File.Sync() does
	// not expose a metadata-only variant — so the two behave identically;
	// the level is kept distinct because callers and tests reason about it
	// as a separate contract point.
	FsyncWAL Durability = 3
)

func (d Durability) String() string {
	switch d {
	case SkipWAL:
		return "SKIP_WAL"
	case AsyncWAL:
		return "ASYNC_WAL"
	case SyncWAL:
		return "SYNC_WAL"
	case FsyncWAL:
		return "FSYNC_WAL"
	default:
		return "UNKNOWN"
	}
}

// RollListener is notified around a roll, mirroring ObserverHooks'
// pre/post log-roll callbacks.
type RollListener interface {
	PreLogRoll(oldFileNumber, newFileNumber uint64)
	PostLogRoll(oldFileNumber, newFileNumber uint64)
}

// Options configures a Log.
type Options struct {
	Dir        string // directory holding the active log file
	ArchiveDir string // directory rolled-but-unreclaimed files move to
	RollSize   int64  // roll when the current file reaches this size
	RollPeriod time.Duration
	Recyclable bool
	Logger     logging.Logger
	Listener   RollListener // may be nil
}

// Log is the node-shared write-ahead log: a sequence of rolled files, each
// holding (regionId, sequence, edit) records for every region on the node.
type Log struct {
	opts Options

	mu         sync.Mutex
	file       *os.File
	writer     *Writer
	fileNumber uint64
	size       int64
	lastRoll   time.Time

	seqMu sync.Mutex
	seqs  map[uint64]uint64 // regionID -> last assigned sequence

	stopTicker chan struct{}
	tickerDone chan struct{}
}

// Open creates opts.Dir if needed and opens a fresh log file as file number
// startFileNumber, starting the idle-roll ticker.
func Open(opts Options, startFileNumber uint64) (*Log, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir %s: %w", opts.Dir, err)
	}
	if opts.ArchiveDir != "" {
		if err := os.MkdirAll(opts.ArchiveDir, 0o755); err != nil {
			return nil, fmt.Errorf("wal: mkdir %s: %w", opts.ArchiveDir, err)
		}
	}
	l := &Log{
		opts:       opts,
		fileNumber: startFileNumber,
		seqs:       make(map[uint64]uint64),
		stopTicker: make(chan struct{}),
		tickerDone: make(chan struct{}),
	}
	if err := l.openFile(startFileNumber); err != nil {
		return nil, err
	}
	if opts.RollPeriod > 0 {
		go l.runIdleRollTicker()
	} else {
		close(l.tickerDone)
	}
	return l, nil
}

func fileName(number uint64) string {
	return fmt.Sprintf("%010d.wal", number)
}

func (l *Log) openFile(number uint64) error {
	path := filepath.Join(l.opts.Dir, fileName(number))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: open %s: %w", path, err)
	}
	l.file = f
	l.writer = NewWriter(f, number, l.opts.Recyclable)
	l.fileNumber = number
	l.size = 0
	l.lastRoll = time.Now()
	return nil
}

// nextSequence returns the next strictly-increasing sequence number for
// regionID. Sequences advance even for SkipWAL edits: they still occupy a
// position in the region's total order.
func (l *Log) nextSequence(regionID uint64) uint64 {
	l.seqMu.Lock()
	defer l.seqMu.Unlock()
	next := l.seqs[regionID] + 1
	l.seqs[regionID] = next
	return next
}

// Append assigns regionID its next sequence number, durably records edits
// per durability, and returns the assigned sequence. A write-ahead append
// failure is fatal to the node: the log's integrity can no longer be
// trusted once a physical write is lost mid-stream.
func (l *Log) Append(regionID uint64, edits []cellcodec.Cell, durability Durability) (uint64, error) {
	sequence := l.nextSequence(regionID)
	if durability == SkipWAL {
		return sequence, nil
	}

	rec := LogRecord{
		Kind:      KindEdit,
		RegionID:  regionID,
		Sequence:  sequence,
		WriteTime: time.Now().UnixNano(),
		Cells:     edits,
	}
	payload, err := encodeLogRecord(rec)
	if err != nil {
		return sequence, fmt.Errorf("wal: encode record: %w", err)
	}

	l.mu.Lock()
	n, err := l.writer.AddRecord(payload)
	l.size += int64(n)
	if err != nil {
		l.mu.Unlock()
		l.fatalf("append failed for region %d seq %d: %v", regionID, sequence, err)
		return sequence, fmt.Errorf("wal: append: %w", err)
	}
	if durability >= SyncWAL {
		if err := l.writer.Sync(); err != nil {
			l.mu.Unlock()
			l.fatalf("sync failed for region %d seq %d: %v", regionID, sequence, err)
			return sequence, fmt.Errorf("wal: sync: %w", err)
		}
	}
	needRoll := l.opts.RollSize > 0 && l.size >= l.opts.RollSize
	l.mu.Unlock()

	if needRoll {
		if err := l.Roll(); err != nil {
			return sequence, err
		}
	}
	return sequence, nil
}

func (l *Log) fatalf(format string, args ...any) {
	if l.opts.Logger != nil {
		l.opts.Logger.Fatalf(logging.NSWAL+format, args...)
	}
}

// Roll closes the current file, archives it, and opens the next one.
func (l *Log) Roll() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rollLocked()
}

func (l *Log) rollLocked() error {
	oldNumber := l.fileNumber
	newNumber := oldNumber + 1

	if l.opts.Listener != nil {
		l.opts.Listener.PreLogRoll(oldNumber, newNumber)
	}

	oldPath := filepath.Join(l.opts.Dir, fileName(oldNumber))
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync before roll: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("wal: close before roll: %w", err)
	}

	if l.opts.ArchiveDir != "" {
		archivePath := filepath.Join(l.opts.ArchiveDir, fileName(oldNumber))
		if err := os.Rename(oldPath, archivePath); err != nil {
			return fmt.Errorf("wal: archive %s: %w", oldPath, err)
		}
	}

	if err := l.openFile(newNumber); err != nil {
		return err
	}

	if l.opts.Listener != nil {
		l.opts.Listener.PostLogRoll(oldNumber, newNumber)
	}
	return nil
}

// runIdleRollTicker drives period-based rolls even with no write traffic.
// It wakes at a fraction of RollPeriod so a roll fires promptly once the
// period has elapsed, rather than only on the next write.
func (l *Log) runIdleRollTicker() {
	defer close(l.tickerDone)

	interval := l.opts.RollPeriod / 10
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopTicker:
			return
		case <-ticker.C:
			l.mu.Lock()
			due := time.Since(l.lastRoll) >= l.opts.RollPeriod
			l.mu.Unlock()
			if due {
				_ = l.Roll()
			}
		}
	}
}

// FileNumber returns the current active log file's number.
func (l *Log) FileNumber() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.fileNumber
}

// Close stops the idle-roll ticker and closes the active file.
func (l *Log) Close() error {
	if l.opts.RollPeriod > 0 {
		close(l.stopTicker)
		<-l.tickerDone
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
