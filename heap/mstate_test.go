package heap_test

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"

	"github.com/cheriot-platform/qalloc/cheri"
	"github.com/cheriot-platform/qalloc/heap"
	"github.com/cheriot-platform/qalloc/revocation"
	"github.com/cheriot-platform/qalloc/revocation/mock_revocation"
)

const (
	testHeapBase = 0x1000_0000
	testQuota    = 1 << 30
)

// manualRevoker is a revoker whose epoch only moves when the test says so,
// making quarantine eligibility deterministic.
type manualRevoker struct {
	*revocation.Bitmap
	epoch uint32
}

func (r *manualRevoker) EpochGet() uint32 { return r.epoch }

func (r *manualRevoker) HasFinishedForEpoch(previous uint32) bool {
	return revocation.EpochFinished(r.epoch, previous)
}

func (r *manualRevoker) Kick() {}

func (r *manualRevoker) IsAsynchronous() bool { return false }

func (r *manualRevoker) completeSweep() { r.epoch += 2 }

func newTestHeap(t *testing.T, size uint32) (*heap.MState, *manualRevoker, *cheri.Arena) {
	t.Helper()
	arena, err := cheri.NewArena(int(size), testHeapBase)
	require.NoError(t, err)
	bitmap, err := revocation.NewBitmap(testHeapBase, size, heap.MallocAlignShift)
	require.NoError(t, err)
	rev := &manualRevoker{Bitmap: bitmap}
	m, err := heap.Init(arena.Root(), rev, heap.DefaultConfig(), slog.Default())
	require.NoError(t, err)
	return m, rev, arena
}

func mustAllocate(t *testing.T, m *heap.MState, bytes uint32) cheri.Capability {
	t.Helper()
	res := m.Dispatch(bytes, testQuota, 1, false)
	require.Equal(t, heap.FailureNone, res.Failure)
	require.True(t, res.Cap.IsValid())
	return res.Cap
}

func mustFree(t *testing.T, m *heap.MState, c cheri.Capability) {
	t.Helper()
	_, err := m.Free(c, 1, false)
	require.NoError(t, err)
}

func requireCorruptionPanic(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		recovered := recover()
		require.NotNil(t, recovered, "expected a corruption panic")
		_, ok := recovered.(*heap.CorruptionError)
		require.True(t, ok, "panic value %v is not a *heap.CorruptionError", recovered)
	}()
	fn()
}

func TestHeapInitStatistics(t *testing.T) {
	m, _, _ := newTestHeap(t, 1<<16)

	// Sentinel table and footer come off the top.
	total := 1<<16 - 80 - 16

	var stats heap.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)

	require.Equal(t, heap.DetailedStatistics{
		Statistics: heap.Statistics{
			TotalBytes: total,
			FreeBytes:  total,
			FreeChunks: 1,
		},
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
		FreeRangeSizeMin:  total,
		FreeRangeSizeMax:  total,
	}, stats)
	require.NoError(t, m.Validate())
}

func TestAllocateFreeRoundTrip(t *testing.T) {
	m, rev, _ := newTestHeap(t, 1<<16)
	total := uint32(1<<16 - 80 - 16)

	res := m.Dispatch(100, testQuota, 7, false)
	require.Equal(t, heap.FailureNone, res.Failure)
	require.Equal(t, uint32(100), res.Cap.Length())
	// First allocation is carved from the start of the region.
	require.Equal(t, uint32(testHeapBase+96), res.Cap.Base())
	// 100 bytes plus header, rounded to the granule.
	require.Equal(t, uint32(128), res.ChunkSize)
	require.False(t, res.Cap.Perms().Has(cheri.PermSeal))
	require.Equal(t, total-128, m.FreeSize())
	require.NoError(t, m.Validate())

	size, err := m.Free(res.Cap, 7, false)
	require.NoError(t, err)
	require.Equal(t, uint32(128), size)
	require.Equal(t, uint32(128), m.QuarantineSize())
	require.NoError(t, m.Validate())

	rev.completeSweep()
	require.True(t, m.QuarantineDrain())
	require.Equal(t, total, m.FreeSize())
	require.Equal(t, uint32(0), m.QuarantineSize())
	require.NoError(t, m.Validate())
}

func TestAdjacentAllocations(t *testing.T) {
	m, _, _ := newTestHeap(t, 1<<16)

	a := mustAllocate(t, m, 48)
	b := mustAllocate(t, m, 48)
	// Both requests pad to one 64-byte chunk; splitting the same free
	// range places them back to back.
	require.Equal(t, a.Base()+64, b.Base())
	require.NoError(t, m.Validate())
}

func TestExactReuseAfterRevocation(t *testing.T) {
	m, rev, _ := newTestHeap(t, 1<<16)

	a := mustAllocate(t, m, 48)
	b := mustAllocate(t, m, 48)
	c := mustAllocate(t, m, 48)

	mustFree(t, m, b)
	require.NotZero(t, m.QuarantineSize())

	rev.completeSweep()
	// The freed chunk sits between two live ones, so it cannot merge and
	// lands in its exact-size bin.
	reused := mustAllocate(t, m, 48)
	require.Equal(t, b.Base(), reused.Base())
	require.NoError(t, m.Validate())

	mustFree(t, m, a)
	mustFree(t, m, c)
	mustFree(t, m, reused)
}

func TestCoalescingRestoresRange(t *testing.T) {
	m, rev, _ := newTestHeap(t, 1<<16)

	a := mustAllocate(t, m, 48)
	b := mustAllocate(t, m, 48)
	guard := mustAllocate(t, m, 48)

	mustFree(t, m, a)
	mustFree(t, m, b)
	rev.completeSweep()
	require.True(t, m.QuarantineDrain())
	require.NoError(t, m.Validate())

	// The two 64-byte chunks merged; a 128-byte request fits it exactly.
	merged := mustAllocate(t, m, 112)
	require.Equal(t, a.Base(), merged.Base())
	require.NoError(t, m.Validate())

	mustFree(t, m, guard)
	mustFree(t, m, merged)
}

func TestQuarantineBlocksReuse(t *testing.T) {
	m, rev, _ := newTestHeap(t, 4096)

	big := mustAllocate(t, m, 3000)
	mustFree(t, m, big)
	require.NotZero(t, m.QuarantineSize())

	// Enough memory exists, but it is quarantined: the failure says to
	// wait for the revoker, naming the epoch to wait out.
	res := m.Dispatch(3000, testQuota, 1, false)
	require.Equal(t, heap.FailureRevocationNeeded, res.Failure)
	require.Equal(t, rev.EpochGet(), res.WaitingEpoch)

	rev.completeSweep()
	reused := mustAllocate(t, m, 3000)
	require.Equal(t, big.Base(), reused.Base())
	require.NoError(t, m.Validate())
}

func TestMemoryIsZeroedOnReuse(t *testing.T) {
	m, rev, _ := newTestHeap(t, 1<<16)

	a := mustAllocate(t, m, 256)
	mem, err := a.Bytes()
	require.NoError(t, err)
	for i := range mem {
		require.Zero(t, mem[i], "fresh allocation byte %d", i)
		mem[i] = 0xA5
	}

	mustFree(t, m, a)
	rev.completeSweep()

	b := mustAllocate(t, m, 256)
	require.Equal(t, a.Base(), b.Base())
	mem, err = b.Bytes()
	require.NoError(t, err)
	for i := range mem {
		require.Zero(t, mem[i], "reused allocation byte %d", i)
	}
}

func TestDoubleFreePanics(t *testing.T) {
	m, _, _ := newTestHeap(t, 1<<16)

	a := mustAllocate(t, m, 64)
	mustFree(t, m, a)

	requireCorruptionPanic(t, func() {
		_, _ = m.Free(a, 1, false)
	})
}

func TestInteriorPointerPanics(t *testing.T) {
	m, _, _ := newTestHeap(t, 1<<16)

	a := mustAllocate(t, m, 256)
	interior, err := a.WithAddress(a.Base() + 64)
	require.NoError(t, err)
	interior, err = interior.WithBounds(16)
	require.NoError(t, err)

	requireCorruptionPanic(t, func() {
		_, _ = m.Free(interior, 1, false)
	})
}

func TestForeignCapabilityRejected(t *testing.T) {
	m, _, _ := newTestHeap(t, 1<<16)

	other, err := cheri.NewArena(4096, 0x4000_0000)
	require.NoError(t, err)
	_, err = m.Free(other.Root(), 1, false)
	require.ErrorIs(t, err, heap.ErrOutOfHeap)

	_, err = m.Free(cheri.Capability{}, 1, false)
	require.ErrorIs(t, err, heap.ErrOutOfHeap)
}

func TestFreeEnforcesOwner(t *testing.T) {
	m, _, _ := newTestHeap(t, 1<<16)

	res := m.Dispatch(64, testQuota, 3, false)
	require.Equal(t, heap.FailureNone, res.Failure)

	_, err := m.Free(res.Cap, 4, false)
	require.ErrorIs(t, err, heap.ErrNotOwner)

	_, err = m.Free(res.Cap, 3, false)
	require.NoError(t, err)
}

func TestSealedChunkNeedsTokenLayer(t *testing.T) {
	m, _, _ := newTestHeap(t, 1<<16)

	res := m.Dispatch(64, testQuota, 1, true)
	require.Equal(t, heap.FailureNone, res.Failure)

	_, err := m.Free(res.Cap, 1, false)
	require.ErrorIs(t, err, heap.ErrSealedChunk)

	_, err = m.Free(res.Cap, 1, true)
	require.NoError(t, err)
}

func TestFreeOwnedSkipsOthersAndSealed(t *testing.T) {
	m, _, _ := newTestHeap(t, 1<<16)

	var mine uint32
	for i := 0; i < 3; i++ {
		res := m.Dispatch(100, testQuota, 1, false)
		require.Equal(t, heap.FailureNone, res.Failure)
		mine += res.ChunkSize
	}
	theirs := m.Dispatch(100, testQuota, 2, false)
	require.Equal(t, heap.FailureNone, theirs.Failure)
	sealed := m.Dispatch(100, testQuota, 1, true)
	require.Equal(t, heap.FailureNone, sealed.Failure)

	require.Equal(t, mine, m.FreeOwned(1))
	require.NoError(t, m.Validate())

	var stats heap.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)
	require.Equal(t, 2, stats.LiveAllocations)
}

func TestFailureClassification(t *testing.T) {
	m, _, _ := newTestHeap(t, 4096)

	// Permanent: nothing can ever satisfy these.
	require.Equal(t, heap.FailurePermanent, m.Dispatch(0, testQuota, 1, false).Failure)
	require.Equal(t, heap.FailurePermanent, m.Dispatch(1<<24, testQuota, 1, false).Failure)

	// Quota: checked before any heap work.
	require.Equal(t, heap.FailureQuotaExceeded, m.Dispatch(1024, 100, 1, false).Failure)

	// Deallocation needed: heap genuinely full, quarantine empty.
	for {
		res := m.Dispatch(1024, testQuota, 1, false)
		if res.Failure != heap.FailureNone {
			require.Equal(t, heap.FailureDeallocationNeeded, res.Failure)
			break
		}
	}
	require.NoError(t, m.Validate())
}

func TestLargeAllocationBoundsAreRepresentable(t *testing.T) {
	m, _, _ := newTestHeap(t, 1<<18)

	res := m.Dispatch(100000, testQuota, 1, false)
	require.Equal(t, heap.FailureNone, res.Failure)
	// 100000 needs 17 bits: bounds round to a multiple of 1<<8 and the
	// base must be aligned the same way.
	require.Equal(t, uint32(100096), res.Cap.Length())
	require.Zero(t, res.Cap.Base()%256)
	require.NoError(t, m.Validate())

	mustFree(t, m, res.Cap)
}

func TestRandomizedTrieConsistency(t *testing.T) {
	m, rev, _ := newTestHeap(t, 1<<18)
	total := uint32(1<<18 - 80 - 16)
	rng := rand.New(rand.NewSource(0x9A110C))

	var live []cheri.Capability
	for op := 0; op < 400; op++ {
		switch {
		case len(live) == 0 || rng.Intn(3) != 0:
			bytes := uint32(150 + rng.Intn(5000))
			res := m.Dispatch(bytes, testQuota, 1, false)
			if res.Failure == heap.FailureNone {
				live = append(live, res.Cap)
			} else {
				rev.completeSweep()
				m.QuarantineDrain()
			}
		default:
			i := rng.Intn(len(live))
			mustFree(t, m, live[i])
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		}
		if op%16 == 0 {
			rev.completeSweep()
		}
		require.NoError(t, m.Validate(), "after op %d", op)
	}

	for _, c := range live {
		mustFree(t, m, c)
	}
	rev.completeSweep()
	require.True(t, m.QuarantineDrain())
	require.Equal(t, total, m.FreeSize())

	var stats heap.DetailedStatistics
	stats.Clear()
	m.AddDetailedStatistics(&stats)
	require.Equal(t, 1, stats.FreeChunks)
	require.NoError(t, m.Validate())
}

func TestValidateDetectsCorruptedHeader(t *testing.T) {
	m, _, arena := newTestHeap(t, 1<<16)

	mustAllocate(t, m, 64)
	require.NoError(t, m.Validate())

	mem, err := arena.Root().Bytes()
	require.NoError(t, err)
	// Smash the first chunk's size field.
	mem[80+2] ^= 0xFF
	require.Error(t, m.Validate())
}

func TestQuotaChargeCoversWholeChunk(t *testing.T) {
	m, _, _ := newTestHeap(t, 1<<16)

	// 96 bytes pads to a 112-byte chunk; a quota between payload and
	// chunk size must refuse, not undercharge.
	res := m.Dispatch(96, 100, 1, false)
	require.Equal(t, heap.FailureQuotaExceeded, res.Failure)

	res = m.Dispatch(96, 112, 1, false)
	require.Equal(t, heap.FailureNone, res.Failure)
	require.Equal(t, uint32(112), res.ChunkSize)
}

func TestQuotaCoversSplitSlack(t *testing.T) {
	m, rev, _ := newTestHeap(t, 1<<16)

	// Isolate a 128-byte free chunk between two live neighbours.
	a := mustAllocate(t, m, 112)
	guard := mustAllocate(t, m, 48)
	mustFree(t, m, a)
	rev.completeSweep()
	require.True(t, m.QuarantineDrain())

	// A 96-byte request is served from that chunk, and the 16-byte
	// remainder is too small to carve off, so the full 128 bytes are
	// charged. A quota covering only the padded request must be refused
	// with the chunk returned intact.
	freeBefore := m.FreeSize()
	res := m.Dispatch(96, 112, 1, false)
	require.Equal(t, heap.FailureQuotaExceeded, res.Failure)
	require.Equal(t, freeBefore, m.FreeSize())
	require.NoError(t, m.Validate())

	res = m.Dispatch(96, 128, 1, false)
	require.Equal(t, heap.FailureNone, res.Failure)
	require.Equal(t, uint32(128), res.ChunkSize)
	require.Equal(t, a.Base(), res.Cap.Base())

	mustFree(t, m, guard)
}

func TestSustainedDispatchesKeepCountersConsistent(t *testing.T) {
	m, _, _ := newTestHeap(t, 1<<16)

	// Enough dispatches to cross the periodic full-state check several
	// times; the counters must agree with the physical walk at every
	// point in a dispatch, not just between them.
	for i := 0; i < 3*heap.DefaultConfig().SanityCheckInterval; i++ {
		res := m.Dispatch(48, testQuota, 1, false)
		require.Equal(t, heap.FailureNone, res.Failure, "dispatch %d", i)
	}
	require.NoError(t, m.Validate())
}

func TestTreeSplitLeavesUsableRemainder(t *testing.T) {
	m, rev, _ := newTestHeap(t, 1<<16)

	big := mustAllocate(t, m, 4096)
	guard := mustAllocate(t, m, 48)
	mustFree(t, m, big)
	rev.completeSweep()
	require.True(t, m.QuarantineDrain())

	// Carve all but 64 bytes off the freed range.
	res := m.Dispatch(4032, testQuota, 1, false)
	require.Equal(t, heap.FailureNone, res.Failure)
	require.Equal(t, big.Base(), res.Cap.Base())
	require.Equal(t, uint32(4048), res.ChunkSize)

	// The remainder is a real chunk and separately allocatable.
	rest := mustAllocate(t, m, 48)
	require.Equal(t, big.Base()+4048, rest.Base())
	require.NoError(t, m.Validate())

	mustFree(t, m, guard)
}

func TestPermanentFailureIsIdempotent(t *testing.T) {
	m, _, _ := newTestHeap(t, 4096)

	var before heap.DetailedStatistics
	before.Clear()
	m.AddDetailedStatistics(&before)

	for i := 0; i < 3; i++ {
		// Beyond the chunk size limit, and beyond the whole region.
		require.Equal(t, heap.FailurePermanent, m.Dispatch(1<<24, testQuota, 1, false).Failure)
		require.Equal(t, heap.FailurePermanent, m.Dispatch(8192, testQuota, 1, false).Failure)
	}

	var after heap.DetailedStatistics
	after.Clear()
	m.AddDetailedStatistics(&after)
	require.Equal(t, before, after)
	require.NoError(t, m.Validate())
}

func TestRevokerKickedUnderQuarantinePressure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	rev := mock_revocation.NewMockRevoker(ctrl)
	rev.EXPECT().IsAsynchronous().Return(false).AnyTimes()
	rev.EXPECT().EpochGet().Return(uint32(0)).AnyTimes()
	rev.EXPECT().HasFinishedForEpoch(gomock.Any()).Return(false).AnyTimes()
	rev.EXPECT().IsFreeTargetValid(gomock.Any()).Return(true).AnyTimes()
	rev.EXPECT().ShadowPaintSingle(gomock.Any(), gomock.Any()).AnyTimes()
	rev.EXPECT().ShadowPaintRange(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	// Freeing most of the heap pushes quarantine over the sync threshold.
	rev.EXPECT().Kick().MinTimes(1)

	arena, err := cheri.NewArena(4096, testHeapBase)
	require.NoError(t, err)
	m, err := heap.Init(arena.Root(), rev, heap.DefaultConfig(), slog.Default())
	require.NoError(t, err)

	big := mustAllocate(t, m, 3000)
	mustFree(t, m, big)
}
