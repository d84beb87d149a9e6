package qalloc

import "github.com/pkg/errors"

var (
	// ErrTimedOut: the timeout expired before the allocation could be
	// satisfied.
	ErrTimedOut = errors.New("timed out")
	// ErrNoMemory: the request cannot be satisfied right now and the
	// flags forbid blocking on the condition that would unblock it.
	ErrNoMemory = errors.New("out of memory")
	// ErrInvalid: the request can never succeed (zero size, arithmetic
	// overflow, unrepresentable bounds, larger than the heap).
	ErrInvalid = errors.New("invalid allocation request")
	// ErrPermission: the supplied allocator capability or sealing key
	// does not authorize the operation.
	ErrPermission = errors.New("permission denied")
	// ErrExhausted: a finite namespace (sealing types, owner
	// identifiers) has run out; this never recovers.
	ErrExhausted = errors.New("identifier space exhausted")
)
