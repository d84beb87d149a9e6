// Package revocation provides the temporal-safety side of the allocator:
// the shadow bitmap that marks freed memory and the revoker backends that
// sweep the address space invalidating dangling capabilities.
package revocation

import "time"

// Revoker is the interface the heap uses to coordinate reuse of freed
// memory. Revocation proceeds in epochs: an odd epoch means a sweep is in
// progress, an even epoch means the revoker is idle. A chunk freed while the
// epoch was E may be reused only once a full sweep that started after the
// free has completed (see EpochFinished).
type Revoker interface {
	// EpochGet returns the current revocation epoch.
	EpochGet() uint32

	// HasFinishedForEpoch reports whether memory freed at the given epoch
	// is safe to reuse. Synchronous implementations may use this query as
	// an opportunity to do a bounded amount of sweeping work.
	HasFinishedForEpoch(previous uint32) bool

	// Kick asks the revoker to begin (or continue) a sweep. It never
	// blocks.
	Kick()

	// IsAsynchronous reports whether sweeps proceed in the background
	// without the caller driving them.
	IsAsynchronous() bool

	// ShadowPaintSingle sets or clears the shadow bit covering one
	// granule.
	ShadowPaintSingle(addr uint32, fill bool)

	// ShadowPaintRange sets or clears the shadow bits covering
	// [base, top).
	ShadowPaintRange(base, top uint32, fill bool)

	// ShadowBitGet returns the shadow bit covering addr.
	ShadowBitGet(addr uint32) bool

	// IsFreeTargetValid reports whether base looks like the start of a
	// live allocation: the granule immediately below it is painted (the
	// header) and the granule at base is not. Revokers that do not track
	// shadow state report every target as valid.
	IsFreeTargetValid(base uint32) bool
}

// CompletionNotifier is implemented by asynchronous revokers that can block
// a caller until a sweep completes.
type CompletionNotifier interface {
	// WaitForCompletion blocks until memory freed at the given epoch is
	// reusable, or the timeout expires. A negative timeout waits forever.
	// It returns whether the epoch finished.
	WaitForCompletion(timeout time.Duration, epoch uint32) bool
}

// EpochFinished reports whether a sweep has completed since previous. If
// previous was even (idle), two transitions are needed: one to start a sweep
// and one to finish it. If previous was odd (mid-sweep), that sweep may have
// started before the free, so a further complete sweep is required.
func EpochFinished(current, previous uint32) bool {
	return current-previous >= 2+(previous&1)
}
