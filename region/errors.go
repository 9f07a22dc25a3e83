package region

import "errors"

var (
	// ErrRegionNotOnline is returned by any mutation or read when the
	// region is not in the OPEN state.
	ErrRegionNotOnline = errors.New("region: not online")
	// ErrNoSuchFamily is returned when an operation names a family the
	// region was not opened with.
	ErrNoSuchFamily = errors.New("region: no such family")
	// ErrUnknownRegion names a request for a region ID this node has no
	// open Region for. No function in this package returns it.
	ErrUnknownRegion = errors.New("region: unknown region")
	// ErrMergeRegion is returned when a merge precondition fails: regions
	// not adjacent, not both online, or one already splitting/merging.
	ErrMergeRegion = errors.New("region: merge precondition failed")
	// ErrCorruptedSnapshot names a snapshot or stored cell that fails to
	// decode. No function in this package returns it: on the read path, a
	// file cell that fails to decode ends that file's part of the read.
	ErrCorruptedSnapshot = errors.New("region: corrupted snapshot")
	// ErrCheckFailed is returned by CheckAndMutate when the condition does
	// not hold; it is not a fault, just a negative result.
	ErrCheckFailed = errors.New("region: check condition failed")
)
