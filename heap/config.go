// Package heap implements the allocator core: a boundary-tagged chunk heap
// with segregated free lists (exact-size small bins plus a size-keyed bit
// trie for large chunks) and a quarantine stage that holds freed memory
// until the revoker has swept the address space.
package heap

const (
	// MallocAlignShift fixes the granule: every chunk size and every chunk
	// address is a multiple of 1<<MallocAlignShift. The shadow bitmap
	// carries one bit per granule.
	MallocAlignShift = 4
	// MallocAlignment is the allocation granule in bytes.
	MallocAlignment = 1 << MallocAlignShift
	// MallocAlignMask masks the sub-granule bits of an address.
	MallocAlignMask = MallocAlignment - 1

	// HeaderSize is the boundary-tag header, exactly one granule so that
	// the shadow bit below an allocation covers its header and nothing
	// else.
	HeaderSize = MallocAlignment

	// NSmallBinsShift and NSmallBins size the array of exact-size bins.
	NSmallBinsShift = 3
	NSmallBins      = 1 << NSmallBinsShift
	// NTreeBins is the number of large-chunk trie bins.
	NTreeBins = 12
	// TreeBinShift: chunks of size >= 1<<TreeBinShift go to tree bins.
	TreeBinShift = MallocAlignShift + NSmallBinsShift
	// MaxSmallSize is one past the largest small-bin chunk size.
	MaxSmallSize = 1 << TreeBinShift
	// MaxSmallRequest is the largest byte request served from small bins.
	MaxSmallRequest = MaxSmallSize - HeaderSize

	// MinChunkSize is a header plus enough body for a free-list link cell,
	// rounded to the granule.
	MinChunkSize = 2 * MallocAlignment
	// MinRequest is the smallest byte request that does not get padded up.
	MinRequest = MinChunkSize - HeaderSize

	// MaxChunkSize bounds a single chunk: sizes are stored granule-scaled
	// in 16 bits.
	MaxChunkSize = (1 << 16) << MallocAlignShift
)

// Link-cell table at the base of the managed region: one ring sentinel per
// small bin plus one for the quarantine FIFO, padded to the granule.
const (
	linkCellSize    = 8
	sentinelCells   = NSmallBins + 1
	quarantineCell  = NSmallBins * linkCellSize
	firstChunkStart = (sentinelCells*linkCellSize + MallocAlignMask) &^ MallocAlignMask
)

func smallbinCell(index uint32) uint32 {
	return index * linkCellSize
}

// Config collects the allocator's policy knobs. These tune when the revoker
// is prodded and how much quarantine is drained opportunistically; they do
// not affect correctness.
type Config struct {
	// FreeDequeueBatch chunks are eligible-checked on every free.
	FreeDequeueBatch int
	// AllocDequeueBatch chunks are eligible-checked on every allocation.
	AllocDequeueBatch int

	// Asynchronous revokers are kicked when quarantine exceeds
	// free/AsyncQuarantineDivisor or free drops below
	// total/AsyncFreePressureDivisor.
	AsyncQuarantineDivisor   uint32
	AsyncFreePressureDivisor uint32

	// Synchronous revokers are kicked when
	// quarantine*SyncQuarantineDenominator >
	// free*SyncQuarantineNumerator.
	SyncQuarantineNumerator   uint32
	SyncQuarantineDenominator uint32

	// SanityCheckInterval is the dispatch period of the full-state debug
	// validation (debug builds only).
	SanityCheckInterval int
}

// DefaultConfig returns the policy the firmware ships with.
func DefaultConfig() Config {
	return Config{
		FreeDequeueBatch:          3,
		AllocDequeueBatch:         4,
		AsyncQuarantineDivisor:    4,
		AsyncFreePressureDivisor:  8,
		SyncQuarantineNumerator:   3,
		SyncQuarantineDenominator: 4,
		SanityCheckInterval:       128,
	}
}

// withDefaults fills zero policy fields from DefaultConfig. The dequeue
// batches and kick-policy divisors must be non-zero, so a partially
// populated Config is treated as "defaults except where set".
// SanityCheckInterval is left alone: zero disables the periodic check.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FreeDequeueBatch == 0 {
		c.FreeDequeueBatch = def.FreeDequeueBatch
	}
	if c.AllocDequeueBatch == 0 {
		c.AllocDequeueBatch = def.AllocDequeueBatch
	}
	if c.AsyncQuarantineDivisor == 0 {
		c.AsyncQuarantineDivisor = def.AsyncQuarantineDivisor
	}
	if c.AsyncFreePressureDivisor == 0 {
		c.AsyncFreePressureDivisor = def.AsyncFreePressureDivisor
	}
	if c.SyncQuarantineNumerator == 0 {
		c.SyncQuarantineNumerator = def.SyncQuarantineNumerator
	}
	if c.SyncQuarantineDenominator == 0 {
		c.SyncQuarantineDenominator = def.SyncQuarantineDenominator
	}
	return c
}

// AlignUp rounds value up to the next multiple of alignment (a power of
// two).
func AlignUp(value, alignment uint32) uint32 {
	return (value + alignment - 1) &^ (alignment - 1)
}

// AlignDown rounds value down to a multiple of alignment (a power of two).
func AlignDown(value, alignment uint32) uint32 {
	return value &^ (alignment - 1)
}

func padRequest(bytes uint32) uint32 {
	if bytes < MinRequest {
		return MinChunkSize
	}
	return AlignUp(bytes+HeaderSize, MallocAlignment)
}
