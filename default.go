package qalloc

import "sync"

var (
	defaultOnce      sync.Once
	defaultAllocator *Allocator
)

// Default returns the process-wide allocator, creating it with default
// options on first use. Initialization is concurrency-safe: every caller
// gets the same instance.
func Default() *Allocator {
	defaultOnce.Do(func() {
		a, err := New(Options{})
		if err != nil {
			panic(err)
		}
		defaultAllocator = a
	})
	return defaultAllocator
}
