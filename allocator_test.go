package qalloc_test

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	qalloc "github.com/cheriot-platform/qalloc"
	"github.com/cheriot-platform/qalloc/cheri"
	"github.com/cheriot-platform/qalloc/heap"
	"github.com/cheriot-platform/qalloc/revocation"
)

func newTestAllocator(t *testing.T, heapSize uint32) *qalloc.Allocator {
	t.Helper()
	a, err := qalloc.New(qalloc.Options{HeapSize: heapSize})
	require.NoError(t, err)
	return a
}

func TestAllocateChargesAndFreeRefundsQuota(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	acap, err := a.NewAllocatorCapability(4096)
	require.NoError(t, err)

	c, err := a.Allocate(nil, acap, 100)
	require.NoError(t, err)
	require.Equal(t, uint32(100), c.Length())

	// The full chunk (request plus header, rounded up) is charged.
	remaining, err := a.QuotaRemaining(acap)
	require.NoError(t, err)
	require.Equal(t, uint32(4096-128), remaining)

	mem, err := c.Bytes()
	require.NoError(t, err)
	mem[0] = 1

	require.NoError(t, a.Free(acap, c))
	remaining, err = a.QuotaRemaining(acap)
	require.NoError(t, err)
	require.Equal(t, uint32(4096), remaining)
	require.NotZero(t, a.HeapQuarantined())
	require.NoError(t, a.Validate())
}

func TestAllocateArray(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	acap, err := a.NewAllocatorCapability(1 << 20)
	require.NoError(t, err)

	c, err := a.AllocateArray(nil, acap, 16, 32)
	require.NoError(t, err)
	require.Equal(t, uint32(512), c.Length())

	_, err = a.AllocateArray(nil, acap, 1<<20, 1<<20)
	require.ErrorIs(t, err, qalloc.ErrInvalid)
}

func TestAllocateZeroBytesIsInvalid(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	acap, err := a.NewAllocatorCapability(4096)
	require.NoError(t, err)

	_, err = a.Allocate(nil, acap, 0)
	require.ErrorIs(t, err, qalloc.ErrInvalid)
}

func TestAllocatorCapabilityIdentity(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	other := newTestAllocator(t, 1<<16)
	foreign, err := other.NewAllocatorCapability(4096)
	require.NoError(t, err)

	_, err = a.Allocate(nil, nil, 64)
	require.ErrorIs(t, err, qalloc.ErrPermission)
	_, err = a.Allocate(nil, foreign, 64)
	require.ErrorIs(t, err, qalloc.ErrPermission)

	c, err := other.Allocate(nil, foreign, 64)
	require.NoError(t, err)
	require.ErrorIs(t, a.Free(foreign, c), qalloc.ErrPermission)
}

func TestQuotaExceededFailsFast(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	acap, err := a.NewAllocatorCapability(100)
	require.NoError(t, err)

	_, err = a.AllocateWithFlags(qalloc.Forever(), acap, 1024, qalloc.AllocateWaitNone)
	require.ErrorIs(t, err, qalloc.ErrNoMemory)

	// Blocking is allowed, but a non-blocking timeout still fails, just
	// with a different verdict.
	_, err = a.Allocate(nil, acap, 1024)
	require.ErrorIs(t, err, qalloc.ErrTimedOut)
}

func TestQuotaCannotBeBypassedByHeaderOverhead(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	acap, err := a.NewAllocatorCapability(100)
	require.NoError(t, err)

	// 96 bytes needs a 112-byte chunk, which the 100-byte quota cannot
	// cover; admitting it would underflow the quota on the charge.
	_, err = a.AllocateWithFlags(nil, acap, 96, qalloc.AllocateWaitNone)
	require.ErrorIs(t, err, qalloc.ErrNoMemory)

	remaining, err := a.QuotaRemaining(acap)
	require.NoError(t, err)
	require.Equal(t, uint32(100), remaining)

	// The quota really is still 100 bytes: a large allocation against it
	// must also fail.
	_, err = a.AllocateWithFlags(nil, acap, 8192, qalloc.AllocateWaitNone)
	require.ErrorIs(t, err, qalloc.ErrNoMemory)

	// An exactly covering quota is spendable to zero.
	exact, err := a.NewAllocatorCapability(112)
	require.NoError(t, err)
	c, err := a.Allocate(nil, exact, 96)
	require.NoError(t, err)
	remaining, err = a.QuotaRemaining(exact)
	require.NoError(t, err)
	require.Zero(t, remaining)
	require.NoError(t, a.Free(exact, c))
}

func TestPartialConfigDefaultsMissingPolicy(t *testing.T) {
	rev, err := revocation.NewHardwareRevoker(0x2000_0000, 1<<14, heap.MallocAlignShift, time.Millisecond)
	require.NoError(t, err)
	defer rev.Close()

	// Only the dequeue batches are set; the kick-policy divisors must be
	// defaulted, not left zero.
	a, err := qalloc.New(qalloc.Options{
		HeapSize: 1 << 14,
		Revoker:  rev,
		Config:   heap.Config{FreeDequeueBatch: 3, AllocDequeueBatch: 4},
	})
	require.NoError(t, err)
	acap, err := a.NewAllocatorCapability(1 << 20)
	require.NoError(t, err)

	c, err := a.Allocate(nil, acap, 256)
	require.NoError(t, err)
	require.NotPanics(t, func() {
		require.NoError(t, a.Free(acap, c))
	})
	require.NoError(t, a.Validate())
}

func TestHeapFullFailsFastWithWaitNone(t *testing.T) {
	a := newTestAllocator(t, 4096)
	acap, err := a.NewAllocatorCapability(1 << 20)
	require.NoError(t, err)

	for {
		_, err := a.AllocateWithFlags(nil, acap, 1024, qalloc.AllocateWaitNone)
		if err != nil {
			require.ErrorIs(t, err, qalloc.ErrNoMemory)
			break
		}
	}
}

func TestBlockingAllocateIsWokenByFree(t *testing.T) {
	a := newTestAllocator(t, 1<<14)
	acap, err := a.NewAllocatorCapability(1 << 20)
	require.NoError(t, err)

	first, err := a.Allocate(nil, acap, 8000)
	require.NoError(t, err)
	second, err := a.Allocate(nil, acap, 8000)
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = a.Free(acap, first)
	}()

	// No room until the goroutine frees; the freed chunk then has to pass
	// through quarantine before this can succeed.
	c, err := a.Allocate(qalloc.NewTimeout(5000), acap, 8000)
	require.NoError(t, err)
	require.Equal(t, first.Base(), c.Base())
	require.NoError(t, a.Validate())

	require.NoError(t, a.Free(acap, second))
}

func TestQuarantineFlush(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	acap, err := a.NewAllocatorCapability(1 << 20)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		c, err := a.Allocate(nil, acap, 500)
		require.NoError(t, err)
		require.NoError(t, a.Free(acap, c))
	}
	require.NotZero(t, a.HeapQuarantined())

	require.NoError(t, a.QuarantineFlush(nil))
	require.Zero(t, a.HeapQuarantined())
	require.NoError(t, a.Validate())
}

func TestFreeAllRefundsEverything(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	acap, err := a.NewAllocatorCapability(8192)
	require.NoError(t, err)
	other, err := a.NewAllocatorCapability(8192)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := a.Allocate(nil, acap, 200)
		require.NoError(t, err)
	}
	survivor, err := a.Allocate(nil, other, 200)
	require.NoError(t, err)

	freed, err := a.FreeAll(acap)
	require.NoError(t, err)
	require.Equal(t, uint32(3*224), freed)

	remaining, err := a.QuotaRemaining(acap)
	require.NoError(t, err)
	require.Equal(t, uint32(8192), remaining)

	// The other capability's allocation is untouched.
	require.NoError(t, a.Free(other, survivor))
	require.NoError(t, a.Validate())
}

func TestFreeUntaggedIsNoOp(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	acap, err := a.NewAllocatorCapability(4096)
	require.NoError(t, err)

	require.NoError(t, a.Free(acap, cheri.Capability{}))
}

func TestStatisticsSnapshot(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	acap, err := a.NewAllocatorCapability(1 << 20)
	require.NoError(t, err)

	_, err = a.Allocate(nil, acap, 100)
	require.NoError(t, err)
	_, err = a.Allocate(nil, acap, 300)
	require.NoError(t, err)

	stats := a.Statistics()
	require.Equal(t, 2, stats.LiveAllocations)
	require.Equal(t, 128, stats.AllocationSizeMin)
	require.Equal(t, 320, stats.AllocationSizeMax)
	require.Equal(t, stats.TotalBytes,
		stats.FreeBytes+stats.QuarantineBytes+stats.LiveBytes)
}

func TestRenderJSON(t *testing.T) {
	a := newTestAllocator(t, 1<<16)
	acap, err := a.NewAllocatorCapability(4096)
	require.NoError(t, err)
	_, err = a.Allocate(nil, acap, 100)
	require.NoError(t, err)

	out, err := a.RenderJSON()
	require.NoError(t, err)
	require.True(t, json.Valid(out), "output is not valid JSON: %s", out)
	require.True(t, strings.Contains(string(out), `"TotalBytes"`))
	require.True(t, strings.Contains(string(out), `"allocated"`))
}

func TestDefaultAllocatorIsASingleton(t *testing.T) {
	const callers = 8
	results := make([]*qalloc.Allocator, callers)

	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = qalloc.Default()
		}(i)
	}
	wg.Wait()

	require.NotNil(t, results[0])
	for _, a := range results[1:] {
		require.Same(t, results[0], a)
	}
}
