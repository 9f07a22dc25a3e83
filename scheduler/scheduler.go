// Package scheduler implements FlushCompactScheduler: the node-wide worker
// pools that drive memory-watermark-triggered flush and per-store
// compaction, and the write-blocking gate that protects the node when
// flush falls behind writes.
package scheduler

import (
	"sync"
	"time"

	"github.com/keyspace/keyspace/internal/logging"
)

// StallCondition mirrors the teacher's three-state write stall model,
// generalized from memtable/L0 triggers to MemBuffer bytes and pending
// Store file counts.
type StallCondition int

const (
	StallNormal StallCondition = iota
	StallDelayed
	StallStopped
)

func (c StallCondition) String() string {
	switch c {
	case StallNormal:
		return "NORMAL"
	case StallDelayed:
		return "DELAYED"
	case StallStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// StallCause identifies why WriteGate is stalling writers.
type StallCause int

const (
	StallCauseNone StallCause = iota
	// StallCauseMemoryWatermark means the node's aggregate MemBuffer size
	// has reached the soft limit (writes delayed) or the hard limit (writes
	// stopped until flush drains it) passed to Recalculate.
	StallCauseMemoryWatermark
	// StallCauseFileCount means a store's SortedFile count has reached the
	// slowdown trigger (writes delayed) or the stop trigger (writes
	// stopped) passed to Recalculate, and compaction must catch up.
	StallCauseFileCount
)

// WriteGate blocks or slows writers when flush/compaction falls behind,
// the way the teacher's writeController gates writers on memtable/L0
// pressure. Region.apply calls Wait before inserting into a MemBuffer.
type WriteGate struct {
	mu   sync.Mutex
	cond *sync.Cond

	condition StallCondition
	cause     StallCause
	delayRate uint64 // bytes/sec, applied under StallDelayed

	closed bool

	totalStopped uint64
	totalDelayed uint64
	blockedSince time.Time
}

// NewWriteGate returns a gate in the Normal state.
func NewWriteGate() *WriteGate {
	g := &WriteGate{condition: StallNormal, delayRate: 64 * 1024 * 1024}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Recalculate derives the gate's condition from current pressure signals,
// mirroring the teacher's recalculateWriteStallCondition: memory pressure
// takes precedence over file-count pressure, and a delay band sits below
// each hard stop.
func (g *WriteGate) Recalculate(memBufferBytes, memSoftLimit, memHardLimit int64, maxFiles, fileStopTrigger, fileSlowdownTrigger int) {
	var cond StallCondition
	var cause StallCause

	switch {
	case memHardLimit > 0 && memBufferBytes >= memHardLimit:
		cond, cause = StallStopped, StallCauseMemoryWatermark
	case maxFiles >= fileStopTrigger && fileStopTrigger > 0:
		cond, cause = StallStopped, StallCauseFileCount
	case memSoftLimit > 0 && memBufferBytes >= memSoftLimit:
		cond, cause = StallDelayed, StallCauseMemoryWatermark
	case maxFiles >= fileSlowdownTrigger && fileSlowdownTrigger > 0:
		cond, cause = StallDelayed, StallCauseFileCount
	default:
		cond, cause = StallNormal, StallCauseNone
	}
	g.set(cond, cause)
}

func (g *WriteGate) set(condition StallCondition, cause StallCause) {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.condition
	g.condition, g.cause = condition, cause

	if prev == StallStopped && condition != StallStopped {
		g.cond.Broadcast()
	}
	if condition == StallStopped && prev != StallStopped {
		g.blockedSince = time.Now()
	}
	switch condition {
	case StallStopped:
		g.totalStopped++
	case StallDelayed:
		g.totalDelayed++
	}
}

// Condition returns the gate's current state and cause.
func (g *WriteGate) Condition() (StallCondition, StallCause) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.condition, g.cause
}

// Wait blocks the calling writer while the gate is Stopped, and sleeps
// proportionally to writeSize while Delayed. It returns immediately once
// Close has been called, so shutdown never deadlocks on a stuck writer.
func (g *WriteGate) Wait(writeSize int) {
	g.mu.Lock()
	for g.condition == StallStopped && !g.closed {
		g.cond.Wait()
	}
	if g.closed {
		g.mu.Unlock()
		return
	}
	if g.condition == StallDelayed && g.delayRate > 0 {
		delay := time.Duration(int64(writeSize) * int64(time.Second) / int64(g.delayRate))
		g.mu.Unlock()
		if delay > 0 {
			time.Sleep(delay)
		}
		return
	}
	g.mu.Unlock()
}

// Stats returns cumulative stall counters, for UpdatesBlockedTime-style
// observability.
func (g *WriteGate) Stats() (stopped, delayed uint64, blockedSince time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totalStopped, g.totalDelayed, g.blockedSince
}

// Close wakes every writer blocked in Wait and disables further blocking,
// for graceful node shutdown.
func (g *WriteGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.cond.Broadcast()
}

// FlushTask is one unit of flush work: the named store to flush, identified
// by the caller's own key (typically "<regionID>/<family>").
type FlushTask struct {
	Key   string
	Flush func() error
}

// CompactionTask is one unit of compaction work. Store-level serialization
// (never two compactions on the same store concurrently) is the caller's
// responsibility — Store.Compact itself already refuses concurrent runs —
// so the scheduler only needs to bound global compaction concurrency.
type CompactionTask struct {
	Key     string
	Compact func() error
}

// Scheduler runs bounded worker pools for flush and compaction tasks,
// queuing work beyond pool capacity the way the teacher's background job
// queues back pressure into its thread pool rather than spawning unbounded
// goroutines.
type Scheduler struct {
	logger logging.Logger

	flushQueue   chan FlushTask
	compactQueue chan CompactionTask

	wg     sync.WaitGroup
	stop   chan struct{}
	closed bool
	mu     sync.Mutex

	mu2              sync.Mutex
	queuedFlush      int
	queuedCompaction int
}

// Options configures a Scheduler's worker pool sizes and queue depths.
type Options struct {
	FlushWorkers      int
	CompactionWorkers int
	QueueDepth        int
	Logger            logging.Logger
}

// New starts a Scheduler's worker pools.
func New(opts Options) *Scheduler {
	if opts.FlushWorkers <= 0 {
		opts.FlushWorkers = 1
	}
	if opts.CompactionWorkers <= 0 {
		opts.CompactionWorkers = 1
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	s := &Scheduler{
		logger:       opts.Logger,
		flushQueue:   make(chan FlushTask, opts.QueueDepth),
		compactQueue: make(chan CompactionTask, opts.QueueDepth),
		stop:         make(chan struct{}),
	}
	for i := 0; i < opts.FlushWorkers; i++ {
		s.wg.Add(1)
		go s.runFlushWorker()
	}
	for i := 0; i < opts.CompactionWorkers; i++ {
		s.wg.Add(1)
		go s.runCompactionWorker()
	}
	return s
}

func (s *Scheduler) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Infof(logging.NSFlush+format, args...)
	}
}

func (s *Scheduler) runFlushWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case t := <-s.flushQueue:
			s.mu2.Lock()
			s.queuedFlush--
			s.mu2.Unlock()
			if err := t.Flush(); err != nil && s.logger != nil {
				s.logger.Errorf(logging.NSFlush+"flush %s failed: %v", t.Key, err)
			}
		}
	}
}

func (s *Scheduler) runCompactionWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case t := <-s.compactQueue:
			s.mu2.Lock()
			s.queuedCompaction--
			s.mu2.Unlock()
			if err := t.Compact(); err != nil && s.logger != nil {
				s.logger.Errorf(logging.NSCompact+"compaction %s failed: %v", t.Key, err)
			}
		}
	}
}

// SubmitFlush enqueues a flush task. It returns false without blocking if
// the queue is full, so a caller driven by a memory watermark can fall back
// to flushing synchronously rather than stack up unbounded backlog.
func (s *Scheduler) SubmitFlush(t FlushTask) bool {
	select {
	case s.flushQueue <- t:
		s.mu2.Lock()
		s.queuedFlush++
		s.mu2.Unlock()
		return true
	default:
		return false
	}
}

// SubmitCompaction enqueues a compaction task, non-blocking like SubmitFlush.
func (s *Scheduler) SubmitCompaction(t CompactionTask) bool {
	select {
	case s.compactQueue <- t:
		s.mu2.Lock()
		s.queuedCompaction++
		s.mu2.Unlock()
		return true
	default:
		return false
	}
}

// QueueLengths reports pending (not yet picked up) flush and compaction
// task counts, for observability.
func (s *Scheduler) QueueLengths() (flush, compaction int) {
	s.mu2.Lock()
	defer s.mu2.Unlock()
	return s.queuedFlush, s.queuedCompaction
}

// Close stops the worker pools and waits for the tasks they are running to
// finish. Tasks still queued are not run, and SubmitFlush and
// SubmitCompaction do not check whether the Scheduler has been closed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	s.wg.Wait()
}
