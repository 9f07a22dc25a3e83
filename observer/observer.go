// Package observer implements ObserverHooks: a fixed taxonomy of pre/post
// lifecycle callbacks that policy plug-ins (coprocessors) register against,
// with the ability to bypass default processing or short-circuit the
// remaining observer chain for a given call.
package observer

import (
	"fmt"

	"github.com/keyspace/keyspace/internal/cellcodec"
	"github.com/keyspace/keyspace/internal/logging"
)

// Context is passed to every hook invocation. An observer may call Bypass
// to suppress the engine's default handling of the operation, or
// ByPassRemaining to stop invoking later observers for this call. Contract:
// hooks are synchronous and in-process; a Context must never be retained
// past the call that received it.
type Context struct {
	bypassed bool
	skipRest bool
}

// Bypass suppresses the engine's default processing for this call.
func (c *Context) Bypass() { c.bypassed = true }

// Bypassed reports whether any observer in the chain called Bypass.
func (c *Context) Bypassed() bool { return c.bypassed }

// ByPassRemaining stops the chain from invoking any observer after the
// current one for this call.
func (c *Context) ByPassRemaining() { c.skipRest = true }

// MutationEvent describes a put/delete/batch-mutate/increment/append call.
type MutationEvent struct {
	RegionID  uint64
	Row       []byte
	Mutations []cellcodec.Cell
	// Err is set on the post-side call of a hook whose engine-side
	// operation failed; "indispensably" hooks run even then.
	Err error
}

// ReadEvent describes a get/exists/check call.
type ReadEvent struct {
	RegionID  uint64
	Row       []byte
	Family    []byte
	Qualifier []byte
}

// ScannerEvent describes a scanner open/next/close/filter-row call.
type ScannerEvent struct {
	RegionID uint64
	Cell     *cellcodec.Cell // set for Next and FilterRow
}

// FlushEvent describes a flush or flush-scanner-open call.
type FlushEvent struct {
	RegionID uint64
	Family   string
	FileID   uint64
}

// CompactEvent describes a compact/compact-selection/compact-scanner-open
// call.
type CompactEvent struct {
	RegionID uint64
	Family   string
	Major    bool
	Inputs   []uint64
	Output   uint64
}

// SplitEvent describes a split transaction's before-PONR / after-PONR /
// rollback points. PONR (point of no return) is the atomic rename that
// makes daughter regions visible; rollback only ever happens before it.
type SplitEvent struct {
	RegionID          uint64
	SplitKey          []byte
	DaughterAID       uint64
	DaughterBID       uint64
}

// MergeEvent mirrors SplitEvent for a merge transaction.
type MergeEvent struct {
	RegionAID uint64
	RegionBID uint64
	MergedID  uint64
}

// Hooks is the fixed callback taxonomy a policy plug-in implements. Every
// method has a safe default via BaseHooks, so an implementation only
// overrides what it cares about.
type Hooks interface {
	PreOpen(ctx *Context, regionID uint64)
	PostOpen(ctx *Context, regionID uint64)
	PreClose(ctx *Context, regionID uint64)
	PostClose(ctx *Context, regionID uint64)
	PreWALRestore(ctx *Context, regionID uint64)
	PostWALRestore(ctx *Context, regionID uint64)

	PreFlush(ctx *Context, e FlushEvent)
	PreFlushScannerOpen(ctx *Context, e FlushEvent)
	PostFlush(ctx *Context, e FlushEvent)

	PreCompact(ctx *Context, e CompactEvent)
	PreCompactSelection(ctx *Context, e CompactEvent)
	PreCompactScannerOpen(ctx *Context, e CompactEvent)
	PostCompact(ctx *Context, e CompactEvent)

	PreSplitBeforePONR(ctx *Context, e SplitEvent)
	PreSplitAfterPONR(ctx *Context, e SplitEvent)
	PreSplitRollback(ctx *Context, e SplitEvent)
	PostSplit(ctx *Context, e SplitEvent)

	PreMergeBeforePONR(ctx *Context, e MergeEvent)
	PreMergeAfterPONR(ctx *Context, e MergeEvent)
	PreMergeRollback(ctx *Context, e MergeEvent)
	PostMerge(ctx *Context, e MergeEvent)

	PreGet(ctx *Context, e ReadEvent)
	PostGet(ctx *Context, e ReadEvent)
	PreExists(ctx *Context, e ReadEvent)
	PostExists(ctx *Context, e ReadEvent)

	PrePut(ctx *Context, e MutationEvent)
	PostPut(ctx *Context, e MutationEvent)
	PreDelete(ctx *Context, e MutationEvent)
	PostDelete(ctx *Context, e MutationEvent)
	PreBatchMutate(ctx *Context, e MutationEvent)
	PostBatchMutate(ctx *Context, e MutationEvent)
	// PostBatchMutateIndispensably runs even when the batch failed, so an
	// observer tracking side effects (metrics, audit log) never misses one.
	PostBatchMutateIndispensably(ctx *Context, e MutationEvent)

	PreCheckAndPut(ctx *Context, e MutationEvent)
	PostCheckAndPut(ctx *Context, e MutationEvent)
	PreCheckAndDelete(ctx *Context, e MutationEvent)
	PostCheckAndDelete(ctx *Context, e MutationEvent)

	PreAppend(ctx *Context, e MutationEvent)
	PostAppend(ctx *Context, e MutationEvent)
	PreIncrement(ctx *Context, e MutationEvent)
	PostIncrement(ctx *Context, e MutationEvent)

	PreScannerOpen(ctx *Context, e ScannerEvent)
	PostScannerOpen(ctx *Context, e ScannerEvent)
	PreScannerNext(ctx *Context, e ScannerEvent)
	PostScannerNext(ctx *Context, e ScannerEvent)
	PreScannerClose(ctx *Context, e ScannerEvent)
	PostScannerClose(ctx *Context, e ScannerEvent)
	PreFilterRow(ctx *Context, e ScannerEvent)

	PreBulkLoad(ctx *Context, regionID uint64)
	PostBulkLoad(ctx *Context, regionID uint64)
}

// BaseHooks implements Hooks with no-op methods; embed it in a concrete
// observer to override only the calls it needs.
type BaseHooks struct{}

func (BaseHooks) PreOpen(*Context, uint64)       {}
func (BaseHooks) PostOpen(*Context, uint64)      {}
func (BaseHooks) PreClose(*Context, uint64)      {}
func (BaseHooks) PostClose(*Context, uint64)     {}
func (BaseHooks) PreWALRestore(*Context, uint64) {}
func (BaseHooks) PostWALRestore(*Context, uint64) {}

func (BaseHooks) PreFlush(*Context, FlushEvent)             {}
func (BaseHooks) PreFlushScannerOpen(*Context, FlushEvent)  {}
func (BaseHooks) PostFlush(*Context, FlushEvent)            {}

func (BaseHooks) PreCompact(*Context, CompactEvent)          {}
func (BaseHooks) PreCompactSelection(*Context, CompactEvent) {}
func (BaseHooks) PreCompactScannerOpen(*Context, CompactEvent) {}
func (BaseHooks) PostCompact(*Context, CompactEvent)          {}

func (BaseHooks) PreSplitBeforePONR(*Context, SplitEvent) {}
func (BaseHooks) PreSplitAfterPONR(*Context, SplitEvent)  {}
func (BaseHooks) PreSplitRollback(*Context, SplitEvent)   {}
func (BaseHooks) PostSplit(*Context, SplitEvent)          {}

func (BaseHooks) PreMergeBeforePONR(*Context, MergeEvent) {}
func (BaseHooks) PreMergeAfterPONR(*Context, MergeEvent)  {}
func (BaseHooks) PreMergeRollback(*Context, MergeEvent)   {}
func (BaseHooks) PostMerge(*Context, MergeEvent)          {}

func (BaseHooks) PreGet(*Context, ReadEvent)    {}
func (BaseHooks) PostGet(*Context, ReadEvent)   {}
func (BaseHooks) PreExists(*Context, ReadEvent) {}
func (BaseHooks) PostExists(*Context, ReadEvent) {}

func (BaseHooks) PrePut(*Context, MutationEvent)          {}
func (BaseHooks) PostPut(*Context, MutationEvent)         {}
func (BaseHooks) PreDelete(*Context, MutationEvent)       {}
func (BaseHooks) PostDelete(*Context, MutationEvent)      {}
func (BaseHooks) PreBatchMutate(*Context, MutationEvent)  {}
func (BaseHooks) PostBatchMutate(*Context, MutationEvent) {}
func (BaseHooks) PostBatchMutateIndispensably(*Context, MutationEvent) {}

func (BaseHooks) PreCheckAndPut(*Context, MutationEvent)     {}
func (BaseHooks) PostCheckAndPut(*Context, MutationEvent)    {}
func (BaseHooks) PreCheckAndDelete(*Context, MutationEvent)  {}
func (BaseHooks) PostCheckAndDelete(*Context, MutationEvent) {}

func (BaseHooks) PreAppend(*Context, MutationEvent)    {}
func (BaseHooks) PostAppend(*Context, MutationEvent)   {}
func (BaseHooks) PreIncrement(*Context, MutationEvent) {}
func (BaseHooks) PostIncrement(*Context, MutationEvent) {}

func (BaseHooks) PreScannerOpen(*Context, ScannerEvent)  {}
func (BaseHooks) PostScannerOpen(*Context, ScannerEvent) {}
func (BaseHooks) PreScannerNext(*Context, ScannerEvent)  {}
func (BaseHooks) PostScannerNext(*Context, ScannerEvent) {}
func (BaseHooks) PreScannerClose(*Context, ScannerEvent) {}
func (BaseHooks) PostScannerClose(*Context, ScannerEvent) {}
func (BaseHooks) PreFilterRow(*Context, ScannerEvent)    {}

func (BaseHooks) PreBulkLoad(*Context, uint64)  {}
func (BaseHooks) PostBulkLoad(*Context, uint64) {}

// AbortMode controls what the Chain does when a hook panics.
type AbortMode int

const (
	// LogAndContinue recovers a panicking hook, logs it, and proceeds with
	// the remaining observers and default processing.
	LogAndContinue AbortMode = iota
	// AbortOnError re-panics after logging, intended to bring the server
	// down rather than run with a coprocessor known to be broken.
	AbortOnError
)

// Chain dispatches each hook call to every registered Hooks implementation
// in registration order, stopping early if one calls ByPassRemaining.
type Chain struct {
	observers []Hooks
	mode      AbortMode
	logger    logging.Logger
}

// NewChain returns an empty Chain.
func NewChain(mode AbortMode, logger logging.Logger) *Chain {
	return &Chain{mode: mode, logger: logger}
}

// Register appends an observer to the chain.
func (c *Chain) Register(h Hooks) {
	c.observers = append(c.observers, h)
}

// Dispatch runs call against every registered observer, recovering panics
// per c.mode, and returns the Context so the caller can check Bypassed.
func (c *Chain) Dispatch(call func(h Hooks, ctx *Context)) *Context {
	ctx := &Context{}
	for _, h := range c.observers {
		c.invoke(h, ctx, call)
		if ctx.skipRest {
			break
		}
	}
	return ctx
}

func (c *Chain) invoke(h Hooks, ctx *Context, call func(h Hooks, ctx *Context)) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("observer: hook panicked: %v", r)
			if c.logger != nil {
				c.logger.Errorf(logging.NSRegion + err.Error())
			}
			if c.mode == AbortOnError {
				panic(r)
			}
		}
	}()
	call(h, ctx)
}
