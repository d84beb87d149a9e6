package revocation

import (
	"sync"
	"time"
)

// HardwareRevoker models a memory-background-revoker: sweeps run
// asynchronously on a dedicated goroutine and callers can sleep until an
// epoch of interest completes. The shadow bitmap is only painted by the
// allocator, which serializes access externally; only the epoch counter is
// shared with the sweeper.
type HardwareRevoker struct {
	*Bitmap

	mu    sync.Mutex
	epoch uint32
	gen   chan struct{}

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	// sweepDelay simulates the wall-clock cost of one full sweep.
	sweepDelay time.Duration
}

var (
	_ Revoker            = (*HardwareRevoker)(nil)
	_ CompletionNotifier = (*HardwareRevoker)(nil)
)

// NewHardwareRevoker creates an asynchronous revoker over [baseAddr,
// baseAddr+size) and starts its sweeper goroutine. Close must be called to
// stop it.
func NewHardwareRevoker(baseAddr, size uint32, granuleShift uint, sweepDelay time.Duration) (*HardwareRevoker, error) {
	bitmap, err := NewBitmap(baseAddr, size, granuleShift)
	if err != nil {
		return nil, err
	}
	r := &HardwareRevoker{
		Bitmap:     bitmap,
		gen:        make(chan struct{}),
		kick:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		sweepDelay: sweepDelay,
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Close stops the sweeper goroutine.
func (r *HardwareRevoker) Close() {
	close(r.done)
	r.wg.Wait()
}

func (r *HardwareRevoker) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case <-r.kick:
			r.sweep()
		}
	}
}

func (r *HardwareRevoker) sweep() {
	r.mu.Lock()
	r.epoch++ // odd: sweeping
	r.mu.Unlock()

	if r.sweepDelay > 0 {
		select {
		case <-time.After(r.sweepDelay):
		case <-r.done:
		}
	}

	r.mu.Lock()
	r.epoch++ // even: idle
	close(r.gen)
	r.gen = make(chan struct{})
	r.mu.Unlock()
}

func (r *HardwareRevoker) EpochGet() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.epoch
}

func (r *HardwareRevoker) IsAsynchronous() bool { return true }

func (r *HardwareRevoker) HasFinishedForEpoch(previous uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return EpochFinished(r.epoch, previous)
}

// Kick requests a sweep. A request arriving while a sweep is running is
// coalesced into at most one further sweep.
func (r *HardwareRevoker) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// WaitForCompletion blocks until memory freed at epoch becomes reusable or
// the timeout expires. A negative timeout waits forever.
func (r *HardwareRevoker) WaitForCompletion(timeout time.Duration, epoch uint32) bool {
	var deadline *time.Timer
	var expired <-chan time.Time
	if timeout >= 0 {
		deadline = time.NewTimer(timeout)
		expired = deadline.C
		defer deadline.Stop()
	}

	for {
		r.mu.Lock()
		if EpochFinished(r.epoch, epoch) {
			r.mu.Unlock()
			return true
		}
		gen := r.gen
		r.mu.Unlock()

		r.Kick()

		select {
		case <-gen:
		case <-expired:
			return false
		case <-r.done:
			return false
		}
	}
}
