package wal

import (
	"errors"
	"io"
	"os"
)

// replayReporter collects the errors of corruption reports during replay;
// replay tolerates a corrupted tail (the last
// record of the most recently active file, possibly torn by a crash) but
// must not silently skip corruption anywhere else.
type replayReporter struct {
	drops []error
}

func (r *replayReporter) Corruption(_ int, err error) { r.drops = append(r.drops, err) }
func (r *replayReporter) OldLogRecord(_ int)          {}

// ReplayIterator walks the logical records of one rolled or active log
// file in order, skipping record kinds this build doesn't recognize.
type ReplayIterator struct {
	f        *os.File
	r        *Reader
	reporter *replayReporter
	cur      LogRecord
	err      error
	done     bool
}

// OpenReplay opens path for sequential replay. logNumber is the file's own
// number, used to reject recyclable-format tail garbage left by a previous
// tenant of a reused file.
func OpenReplay(path string, logNumber uint64) (*ReplayIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	reporter := &replayReporter{}
	return &ReplayIterator{
		f:        f,
		r:        NewReader(f, reporter, true, logNumber),
		reporter: reporter,
	}, nil
}

// Next advances to the next replayable record, skipping unknown kinds. A
// checksum-corrupted physical record ends the replay and is reported by Err;
// a record cut short at the end of the file ends it without an error.
func (it *ReplayIterator) Next() bool {
	for {
		payload, err := it.r.ReadRecord()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				it.err = err
			}
			it.done = true
			return false
		}
		rec, err := decodeLogRecord(payload)
		if err != nil {
			if errors.Is(err, ErrUnknownRecordKind) {
				continue
			}
			it.err = err
			it.done = true
			return false
		}
		it.cur = rec
		return true
	}
}

// Record returns the record just produced by Next.
func (it *ReplayIterator) Record() LogRecord { return it.cur }

// Err returns the first error encountered, if any. io.EOF is not reported
// here; it.Next simply returns false at end of stream.
func (it *ReplayIterator) Err() error { return it.err }

// Close releases the underlying file.
func (it *ReplayIterator) Close() error { return it.f.Close() }
