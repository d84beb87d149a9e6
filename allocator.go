// Package qalloc is a capability-aware heap allocator with quarantine-based
// temporal safety. Freed memory is zeroed and held in quarantine until the
// revoker has swept the address space and invalidated every dangling
// capability to it; only then does it return to the free lists. Allocations
// are charged against quota-bearing allocator capabilities, and a sealing
// layer lets callers hand out opaque, unforgeable references to heap
// objects.
package qalloc

import (
	"math"
	"math/bits"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/cheriot-platform/qalloc/cheri"
	"github.com/cheriot-platform/qalloc/heap"
	"github.com/cheriot-platform/qalloc/internal/futex"
	"github.com/cheriot-platform/qalloc/revocation"
)

// DefaultHeapSize is used when Options does not name one.
const DefaultHeapSize = 256 * 1024

const defaultHeapBase = 0x2000_0000

// AllocateFlags selects which failure classes an allocation may block on.
type AllocateFlags uint32

const (
	// AllocateWaitRevocationNeeded permits sleeping until the revoker
	// releases quarantined memory.
	AllocateWaitRevocationNeeded AllocateFlags = 1 << iota
	// AllocateWaitHeapFull permits sleeping until another thread frees
	// memory.
	AllocateWaitHeapFull
	// AllocateWaitQuotaExceeded permits sleeping until a free against the
	// same allocator capability restores quota.
	AllocateWaitQuotaExceeded
)

// AllocateWaitAny blocks on every recoverable failure class.
const AllocateWaitAny = AllocateWaitRevocationNeeded | AllocateWaitHeapFull | AllocateWaitQuotaExceeded

// AllocateWaitNone makes every failure immediate.
const AllocateWaitNone AllocateFlags = 0

// Options configures New. Zero values pick defaults.
type Options struct {
	// HeapSize in bytes.
	HeapSize uint32
	// HeapBaseAddress of the managed region in the simulated address
	// space.
	HeapBaseAddress uint32
	// Revoker backend; nil selects a software revoker over the region.
	Revoker revocation.Revoker
	// Logger for debug output; nil selects slog.Default().
	Logger *slog.Logger
	// Config is the heap policy; zero fields select the corresponding
	// heap.DefaultConfig() values.
	Config heap.Config
}

// Allocator is the public front end. One mutex serializes all heap state;
// blocking paths drop it while parked and reacquire it afterwards.
type Allocator struct {
	mu        sync.Mutex
	m         *heap.MState
	rev       revocation.Revoker
	arena     *cheri.Arena
	freeFutex futex.Word
	log       *slog.Logger

	caps      *swiss.Map[uint16, *AllocatorCapability]
	nextOwner uint16

	sealRoot     cheri.Capability
	nextSealType uint32
	issuedKeys   *swiss.Map[uint32, cheri.Permissions]
}

// AllocatorCapability authorizes allocation against a byte quota. Every
// allocation is charged its full chunk size; frees refund it. The identity
// is recorded in chunk headers so only the owning capability can free an
// allocation.
type AllocatorCapability struct {
	a     *Allocator
	id    uint16
	quota uint32
}

// New creates an allocator over a fresh arena.
func New(opts Options) (*Allocator, error) {
	if opts.HeapSize == 0 {
		opts.HeapSize = DefaultHeapSize
	}
	if opts.HeapBaseAddress == 0 {
		opts.HeapBaseAddress = defaultHeapBase
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	arena, err := cheri.NewArena(int(opts.HeapSize), opts.HeapBaseAddress)
	if err != nil {
		return nil, errors.Wrap(err, "creating heap arena")
	}

	rev := opts.Revoker
	if rev == nil {
		rev, err = revocation.NewSoftwareRevoker(opts.HeapBaseAddress, opts.HeapSize, heap.MallocAlignShift, 0)
		if err != nil {
			return nil, errors.Wrap(err, "creating software revoker")
		}
	}

	m, err := heap.Init(arena.Root(), rev, opts.Config, opts.Logger)
	if err != nil {
		return nil, errors.Wrap(err, "initializing heap state")
	}

	return &Allocator{
		m:            m,
		rev:          rev,
		arena:        arena,
		log:          opts.Logger,
		caps:         swiss.NewMap[uint16, *AllocatorCapability](8),
		nextOwner:    1,
		sealRoot:     cheri.NewSealingKey(allocatorSealType, cheri.SealingKeyPerms),
		nextSealType: math.MaxUint32,
		issuedKeys:   swiss.NewMap[uint32, cheri.Permissions](8),
	}, nil
}

// NewAllocatorCapability mints a capability with the given byte quota.
func (a *Allocator) NewAllocatorCapability(quota uint32) (*AllocatorCapability, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nextOwner == 0 {
		return nil, errors.Wrap(ErrExhausted, "allocator capability identifiers")
	}
	acap := &AllocatorCapability{a: a, id: a.nextOwner, quota: quota}
	a.caps.Put(acap.id, acap)
	a.nextOwner++
	return acap, nil
}

func (a *Allocator) checkCapability(acap *AllocatorCapability) error {
	if acap == nil || acap.a != a {
		return errors.Wrap(ErrPermission, "allocator capability does not belong to this allocator")
	}
	if known, ok := a.caps.Get(acap.id); !ok || known != acap {
		return errors.Wrap(ErrPermission, "unknown allocator capability")
	}
	return nil
}

// Allocate returns a capability to at least bytes of zeroed memory, blocking
// on any recoverable condition up to the timeout. A nil timeout never
// blocks.
func (a *Allocator) Allocate(t *Timeout, acap *AllocatorCapability, bytes uint32) (cheri.Capability, error) {
	return a.AllocateWithFlags(t, acap, bytes, AllocateWaitAny)
}

// AllocateWithFlags is Allocate with control over which failure classes may
// block.
func (a *Allocator) AllocateWithFlags(t *Timeout, acap *AllocatorCapability, bytes uint32, flags AllocateFlags) (cheri.Capability, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked(t, acap, bytes, flags, false)
}

// AllocateArray allocates count*elemSize bytes, failing rather than
// wrapping on multiplication overflow.
func (a *Allocator) AllocateArray(t *Timeout, acap *AllocatorCapability, count, elemSize uint32) (cheri.Capability, error) {
	hi, total := bits.Mul32(count, elemSize)
	if hi != 0 {
		return cheri.Capability{}, errors.Wrapf(ErrInvalid, "%d * %d overflows", count, elemSize)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked(t, acap, total, AllocateWaitAny, false)
}

func (a *Allocator) allocateLocked(t *Timeout, acap *AllocatorCapability, bytes uint32, flags AllocateFlags, sealed bool) (cheri.Capability, error) {
	if err := a.checkCapability(acap); err != nil {
		return cheri.Capability{}, err
	}
	if t == nil {
		t = NonBlocking()
	}

	for {
		res := a.m.Dispatch(bytes, acap.quota, acap.id, sealed)
		switch res.Failure {
		case heap.FailureNone:
			acap.quota -= res.ChunkSize
			return res.Cap, nil

		case heap.FailurePermanent:
			return cheri.Capability{}, errors.Wrapf(ErrInvalid, "allocation of %d bytes can never succeed", bytes)

		case heap.FailureRevocationNeeded:
			if flags&AllocateWaitRevocationNeeded == 0 {
				return cheri.Capability{}, errors.Wrap(ErrNoMemory, "memory is quarantined and blocking is disabled")
			}
			if !t.MayBlock() {
				return cheri.Capability{}, errors.Wrap(ErrTimedOut, "memory is quarantined")
			}
			if a.m.QuarantineDequeue() {
				continue
			}
			a.log.Debug("allocation waiting on revocation",
				slog.Uint64("bytes", uint64(bytes)),
				slog.Uint64("epoch", uint64(res.WaitingEpoch)))
			a.rev.Kick()
			if !a.waitForRevoker(t, res.WaitingEpoch) {
				return cheri.Capability{}, errors.Wrap(ErrTimedOut, "revocation did not complete in time")
			}

		case heap.FailureDeallocationNeeded, heap.FailureQuotaExceeded:
			wait := AllocateWaitHeapFull
			reason := "heap is full"
			if res.Failure == heap.FailureQuotaExceeded {
				wait = AllocateWaitQuotaExceeded
				reason = "quota exceeded"
			}
			if flags&wait == 0 {
				return cheri.Capability{}, errors.Wrap(ErrNoMemory, reason)
			}
			if !t.MayBlock() {
				return cheri.Capability{}, errors.Wrap(ErrTimedOut, reason)
			}
			if !a.waitForFree(t) {
				return cheri.Capability{}, errors.Wrap(ErrTimedOut, reason)
			}
		}
	}
}

// waitForFree parks the caller until any free (or free-all) happens, then
// lets the dispatch loop reassess. The futex word is a generation counter
// bumped by every free: a freed chunk lands in quarantine, so the free-list
// size alone cannot carry the signal. A free between unlock and sleep
// changes the word and fails the expected-value check, so the wake cannot
// be missed.
func (a *Allocator) waitForFree(t *Timeout) bool {
	expected := a.freeFutex.Load()

	a.mu.Unlock()
	start := time.Now()
	woken := a.freeFutex.Wait(expected, t.Duration())
	a.mu.Lock()
	t.ElapseDuration(time.Since(start))
	return woken
}

// waitForRevoker blocks until memory freed at epoch is reusable.
// Asynchronous revokers provide a completion wait; with a synchronous one
// the caller drives the sweep itself, yielding between slices.
func (a *Allocator) waitForRevoker(t *Timeout, epoch uint32) bool {
	if notifier, ok := a.rev.(revocation.CompletionNotifier); ok && a.rev.IsAsynchronous() {
		a.mu.Unlock()
		start := time.Now()
		finished := notifier.WaitForCompletion(t.Duration(), epoch)
		a.mu.Lock()
		t.ElapseDuration(time.Since(start))
		return finished
	}

	for !a.rev.HasFinishedForEpoch(epoch) {
		if a.rev.EpochGet()&1 == 0 {
			a.rev.Kick()
		}
		if !t.MayBlock() {
			return false
		}
		a.mu.Unlock()
		time.Sleep(TickDuration)
		a.mu.Lock()
		t.Elapse(1)
	}
	return true
}

// Free zeroes and quarantines the allocation that c points at and refunds
// the owning capability. Freeing an untagged capability is a no-op; a
// capability outside the heap, owned by someone else, or holding a sealed
// object is rejected; a pointer that fails the shadow-bitmap
// allocation-start check (a double free among other things) panics with a
// *heap.CorruptionError.
func (a *Allocator) Free(acap *AllocatorCapability, c cheri.Capability) error {
	if !c.IsValid() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkCapability(acap); err != nil {
		return err
	}
	size, err := a.m.Free(c, acap.id, false)
	if err != nil {
		return err
	}
	a.refundLocked(acap, size)
	return nil
}

// FreeAll frees every live, unsealed allocation owned by acap and returns
// the number of bytes released.
func (a *Allocator) FreeAll(acap *AllocatorCapability) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkCapability(acap); err != nil {
		return 0, err
	}
	freed := a.m.FreeOwned(acap.id)
	if freed > 0 {
		a.refundLocked(acap, freed)
	}
	return freed, nil
}

func (a *Allocator) refundLocked(acap *AllocatorCapability, size uint32) {
	acap.quota += size
	a.freeFutex.Store(a.freeFutex.Load() + 1)
	a.freeFutex.WakeAll()
}

// QuarantineFlush drains the quarantine completely, driving the revoker as
// needed, or fails with ErrTimedOut. A nil timeout waits forever.
func (a *Allocator) QuarantineFlush(t *Timeout) error {
	if t == nil {
		t = Forever()
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	// Round the epoch up to idle so that one full sweep from here covers
	// everything currently in quarantine.
	epoch := (a.rev.EpochGet() + 1) &^ 1
	for {
		if a.m.QuarantineDrain() {
			return nil
		}
		a.rev.Kick()
		if !a.waitForRevoker(t, epoch) {
			return errors.Wrap(ErrTimedOut, "quarantine did not drain")
		}
	}
}

// QuotaRemaining returns the capability's unspent quota.
func (a *Allocator) QuotaRemaining(acap *AllocatorCapability) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkCapability(acap); err != nil {
		return 0, err
	}
	return acap.quota, nil
}

// HeapAvailable returns the bytes currently on the free lists.
func (a *Allocator) HeapAvailable() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m.FreeSize()
}

// HeapQuarantined returns the bytes currently held in quarantine.
func (a *Allocator) HeapQuarantined() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m.QuarantineSize()
}

// Statistics takes a detailed snapshot of heap occupancy.
func (a *Allocator) Statistics() heap.DetailedStatistics {
	a.mu.Lock()
	defer a.mu.Unlock()
	var stats heap.DetailedStatistics
	stats.Clear()
	a.m.AddDetailedStatistics(&stats)
	return stats
}

// RenderJSON serializes the heap map (counters plus one record per chunk)
// for diagnostics.
func (a *Allocator) RenderJSON() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	w := jwriter.NewWriter()
	a.m.PrintDetailedMap(&w)
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "rendering heap map")
	}
	return w.Bytes(), nil
}

// Validate runs the full-state consistency check.
func (a *Allocator) Validate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.m.Validate()
}
