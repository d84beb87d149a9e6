// Package futex provides a futex-style 32-bit blocking word: sleep while
// the word holds an expected value, wake every sleeper when it changes
// meaningfully. The allocator uses one to park threads that are waiting for
// another thread to free memory.
package futex

import (
	"sync"
	"time"
)

// Word is a 32-bit value that goroutines can sleep on.
type Word struct {
	mu    sync.Mutex
	value uint32
	gen   chan struct{}
}

func (w *Word) init() {
	if w.gen == nil {
		w.gen = make(chan struct{})
	}
}

// Load returns the current value.
func (w *Word) Load() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.value
}

// Store sets the value without waking sleepers.
func (w *Word) Store(v uint32) {
	w.mu.Lock()
	w.value = v
	w.mu.Unlock()
}

// Wait sleeps until the word is woken or the timeout expires, provided the
// word still holds expected; if it does not, Wait returns immediately. A
// negative timeout sleeps forever. The return value is false only on
// timeout.
func (w *Word) Wait(expected uint32, timeout time.Duration) bool {
	w.mu.Lock()
	w.init()
	if w.value != expected {
		w.mu.Unlock()
		return true
	}
	gen := w.gen
	w.mu.Unlock()

	if timeout < 0 {
		<-gen
		return true
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	select {
	case <-gen:
		return true
	case <-deadline.C:
		return false
	}
}

// WakeAll wakes every sleeper.
func (w *Word) WakeAll() {
	w.mu.Lock()
	w.init()
	close(w.gen)
	w.gen = make(chan struct{})
	w.mu.Unlock()
}
