package heap

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrOutOfHeap indicates a capability whose bounds are not inside the
	// managed region.
	ErrOutOfHeap = errors.New("capability does not point into the heap")
	// ErrNotOwner indicates a free attempted with an allocator capability
	// that does not own the allocation.
	ErrNotOwner = errors.New("allocation is owned by a different allocator capability")
	// ErrSealedChunk indicates an operation on a chunk that holds a sealed
	// object and must go through the token layer.
	ErrSealedChunk = errors.New("chunk holds a sealed object")
)

// CorruptionError wraps an inconsistency found in allocator metadata. It is
// always delivered by panicking: a corrupt heap cannot be used safely, so
// there is no error-return path for it.
type CorruptionError struct {
	err error
}

func corrupt(format string, args ...interface{}) *CorruptionError {
	return &CorruptionError{err: fmt.Errorf(format, args...)}
}

func (e *CorruptionError) Error() string {
	return "heap corruption: " + e.err.Error()
}

func (e *CorruptionError) Unwrap() error { return e.err }
