package heap

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/cheriot-platform/qalloc/cheri"
	"github.com/cheriot-platform/qalloc/revocation"
)

// MState is the allocator state for one managed region. It is not
// synchronized; the front end serializes access.
//
// The region layout is: sentinel link-cell table, then chunks, then a
// one-header footer that is permanently marked in use so coalescing never
// runs off the end.
type MState struct {
	heap     cheri.Capability
	heapBase uint32
	mem      []byte
	rev      revocation.Revoker
	cfg      Config
	log      *slog.Logger

	smallmap uint32
	treemap  uint32
	treebins [NTreeBins]uint32

	freeSize       uint32
	quarantineSize uint32
	totalSize      uint32

	footerOff     uint32
	sanityCounter int
}

// Failure classifies an allocation that could not be served.
type Failure int

const (
	// FailureNone: the allocation succeeded.
	FailureNone Failure = iota
	// FailurePermanent: the request can never succeed (zero,
	// unrepresentable, or larger than the heap).
	FailurePermanent
	// FailureRevocationNeeded: enough memory exists but some of it is in
	// quarantine; waiting for the revoker may help.
	FailureRevocationNeeded
	// FailureDeallocationNeeded: the heap is genuinely full; only another
	// thread freeing memory can help.
	FailureDeallocationNeeded
	// FailureQuotaExceeded: the allocator capability's quota cannot cover
	// the request.
	FailureQuotaExceeded
)

// DispatchResult is the outcome of one allocation attempt.
type DispatchResult struct {
	Cap cheri.Capability
	// ChunkSize is the total size charged to the owner's quota, header
	// included.
	ChunkSize uint32
	Failure   Failure
	// WaitingEpoch is the revocation epoch to wait out when Failure is
	// FailureRevocationNeeded.
	WaitingEpoch uint32
}

// Init builds an MState over the region named by heapCap, which must be
// tagged, unsealed, granule-aligned and writable.
func Init(heapCap cheri.Capability, rev revocation.Revoker, cfg Config, log *slog.Logger) (*MState, error) {
	if !heapCap.IsValid() || heapCap.IsSealed() {
		return nil, errors.New("heap capability must be tagged and unsealed")
	}
	if !heapCap.Perms().Has(cheri.PermLoad | cheri.PermStore) {
		return nil, errors.New("heap capability must be readable and writable")
	}
	base, length := heapCap.Base(), heapCap.Length()
	if base&MallocAlignMask != 0 || length&MallocAlignMask != 0 {
		return nil, errors.Newf("heap [0x%x, +%d) is not %d-byte aligned", base, length, MallocAlignment)
	}
	if length < firstChunkStart+MinChunkSize+HeaderSize {
		return nil, errors.Newf("heap of %d bytes is too small", length)
	}
	if length > MaxChunkSize {
		return nil, errors.Newf("heap of %d bytes exceeds the %d-byte chunk size limit", length, MaxChunkSize)
	}
	mem, err := heapCap.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "mapping heap region")
	}
	if log == nil {
		log = slog.Default()
	}

	m := &MState{
		heap:     heapCap,
		heapBase: base,
		mem:      mem,
		rev:      rev,
		cfg:      cfg.withDefaults(),
		log:      log,
	}

	for i := uint32(0); i < NSmallBins; i++ {
		m.ringReset(smallbinCell(i))
	}
	m.ringReset(quarantineCell)

	// One big free chunk, then the footer.
	size := length - firstChunkStart - HeaderSize
	first := m.headerAt(firstChunkStart)
	first.setSize(size)
	first.setFlag(flagPrevInUse, true)
	m.shadowPaintHeader(first.off, true)

	footer := m.headerAt(firstChunkStart + size)
	footer.setSize(HeaderSize)
	footer.setPrevSize(size)
	footer.setFlag(flagCurrInUse, true)
	m.shadowPaintHeader(footer.off, true)
	m.footerOff = footer.off

	m.totalSize = size
	m.freeSize = size
	m.insertChunk(first, size)

	m.log.Debug("heap initialized",
		slog.Uint64("base", uint64(base)),
		slog.Uint64("usable", uint64(size)))
	return m, nil
}

func (m *MState) addr(off uint32) uint32 { return m.heapBase + off }

func (m *MState) shadowPaintHeader(off uint32, fill bool) {
	m.rev.ShadowPaintSingle(m.addr(off), fill)
}

// FreeSize returns the number of bytes on the free lists.
func (m *MState) FreeSize() uint32 { return m.freeSize }

// QuarantineSize returns the number of bytes held in quarantine.
func (m *MState) QuarantineSize() uint32 { return m.quarantineSize }

// TotalSize returns the usable size of the region.
func (m *MState) TotalSize() uint32 { return m.totalSize }

// Dispatch attempts one allocation of bytes, charged to owner with the
// given remaining quota. On success the returned capability is narrowed to
// the representable length and stripped of sealing permissions; on failure
// the result classifies what could unblock the request.
func (m *MState) Dispatch(bytes, quota uint32, owner uint16, sealed bool) DispatchResult {
	alignSize := cheri.RepresentableLength(bytes)
	if bytes == 0 || alignSize == 0 || alignSize > MaxChunkSize-HeaderSize {
		return DispatchResult{Failure: FailurePermanent}
	}
	// The charge is the chunk size, header included, so the admission
	// check must be against that, not the payload.
	if quota < padRequest(alignSize) {
		return DispatchResult{Failure: FailureQuotaExceeded}
	}

	h, ok := m.memalign(alignSize, cheri.RepresentableAlignment(alignSize))
	if !ok {
		needed := uint64(alignSize) + HeaderSize
		switch {
		case m.quarantineSize > 0 && uint64(m.quarantineSize)+uint64(m.freeSize) >= needed:
			return DispatchResult{
				Failure:      FailureRevocationNeeded,
				WaitingEpoch: m.rev.EpochGet(),
			}
		case uint64(m.totalSize) < needed:
			return DispatchResult{Failure: FailurePermanent}
		default:
			return DispatchResult{Failure: FailureDeallocationNeeded}
		}
	}
	return m.mallocSuccess(h, alignSize, quota, owner, sealed)
}

func (m *MState) mallocSuccess(h header, alignSize, quota uint32, owner uint16, sealed bool) DispatchResult {
	size := h.size()
	if size > quota {
		// Splitting slack (a remainder too small to carve off) can make
		// the chunk larger than the padded request. Give it back rather
		// than undercharging.
		m.freeInternal(h)
		return DispatchResult{Failure: FailureQuotaExceeded}
	}

	h.setOwner(owner)
	h.setEpoch(0)
	h.setFlag(flagSealed, sealed)
	h.setFlag(flagQuarantine, false)
	m.freeSize -= size

	m.sanityCounter++
	if debugChecksEnabled {
		if m.cfg.SanityCheckInterval > 0 && m.sanityCounter%m.cfg.SanityCheckInterval == 0 {
			debugValidate(m)
		}
		for i, b := range m.mem[h.body() : h.off+size] {
			if b != 0 {
				panic(corrupt("reused memory at 0x%x is not zero", m.addr(h.body())+uint32(i)))
			}
		}
	}

	ret, err := m.heap.WithAddress(m.addr(h.body()))
	if err == nil {
		ret, err = ret.WithBounds(alignSize)
	}
	if err != nil {
		panic(corrupt("deriving capability for chunk at 0x%x: %v", m.addr(h.off), err))
	}
	ret = ret.WithoutPerms(cheri.PermSeal | cheri.PermUnseal)
	return DispatchResult{Cap: ret, ChunkSize: size}
}

// mallocInternal finds, unlinks and marks in use a chunk of at least
// padRequest(bytes) bytes. It does not touch the size counters.
func (m *MState) mallocInternal(bytes uint32) (header, bool) {
	m.qtbinDeqn(m.cfg.AllocDequeueBatch)

	nb := padRequest(bytes)
	if bytes <= MaxSmallRequest {
		idx := smallIndex(nb)
		smallbits := m.smallmap >> idx
		if smallbits&1 != 0 {
			// Exact fit.
			h := m.unlinkFirstSmallChunk(idx)
			h.markInUse()
			return h, true
		}
		if smallbits != 0 {
			// Next non-empty small bin; split off the remainder.
			i := bit2idx(isolateLeastBit(m.smallmap & bitsAbove(idx2bit(idx))))
			h := m.unlinkFirstSmallChunk(i)
			if rsize := smallIndex2Size(i) - nb; rsize >= MinChunkSize {
				r := h.split(nb)
				m.insertChunk(r, rsize)
			}
			h.markInUse()
			return h, true
		}
		if m.treemap != 0 {
			return m.tmallocSmall(nb), true
		}
	} else if m.treemap != 0 {
		if h, ok := m.tmallocLarge(nb); ok {
			return h, true
		}
	}

	// Nothing fits. Make sure a sweep is underway so quarantined memory
	// can eventually feed the free lists.
	m.kickRevoker(true)
	return header{}, false
}

// memalign serves an allocation whose start must be alignment-aligned for
// the capability bounds to be representable. Over-allocates, then gives the
// leading and trailing slop back.
func (m *MState) memalign(bytes, alignment uint32) (header, bool) {
	if alignment <= MallocAlignment {
		return m.mallocInternal(bytes)
	}

	nb := padRequest(bytes)
	h, ok := m.mallocInternal(nb + alignment + MinChunkSize - HeaderSize)
	if !ok {
		return header{}, false
	}

	if addr := m.addr(h.body()); addr&(alignment-1) != 0 {
		alignpad := alignment - (addr & (alignment - 1))
		if alignpad < MinChunkSize {
			alignpad += alignment
		}
		aligned := h.split(alignpad)
		m.freeInternal(h)
		h = aligned
	}
	if h.size() >= nb+MinChunkSize {
		r := h.split(nb)
		m.freeInternal(r)
	}
	return h, true
}

// Free validates c, zeroes the allocation and moves it into quarantine.
// The shadow-bitmap start check makes a double free (or a pointer into the
// middle of an allocation) indistinguishable from corruption, and both are
// fatal. allowSealed is set only by the token layer, which has already
// unsealed the object.
func (m *MState) Free(c cheri.Capability, owner uint16, allowSealed bool) (uint32, error) {
	if !c.IsValid() || c.IsSealed() {
		return 0, errors.Wrap(ErrOutOfHeap, "capability is untagged or sealed")
	}
	base := c.Base()
	if !m.heap.Covers(base, c.Length()) {
		return 0, errors.Wrapf(ErrOutOfHeap, "[0x%x, +%d)", base, c.Length())
	}
	if !m.rev.IsFreeTargetValid(base) {
		panic(corrupt("0x%x is not the start of a live allocation (double free?)", base))
	}

	h := m.headerForBody(base - m.heapBase)
	size := h.size()
	if !h.isInUse() || h.isQuarantined() || size < MinChunkSize || h.off+size > m.footerOff {
		panic(corrupt("header at 0x%x is inconsistent with a live allocation", m.addr(h.off)))
	}
	if h.isSealed() && !allowSealed {
		return 0, errors.Wrapf(ErrSealedChunk, "allocation at 0x%x", base)
	}
	if h.owner() != owner {
		return 0, errors.Wrapf(ErrNotOwner, "allocation at 0x%x belongs to %d", base, h.owner())
	}
	return m.freeChunk(h), nil
}

// freeChunk zeroes the body, stamps the current epoch and appends the chunk
// to the quarantine FIFO.
func (m *MState) freeChunk(h header) uint32 {
	size := h.size()
	h.zeroBody()
	h.setOwner(0)
	h.setFlag(flagSealed, false)
	h.setFlag(flagQuarantine, true)
	h.setEpoch(m.rev.EpochGet())
	m.rev.ShadowPaintRange(m.addr(h.body()), m.addr(h.off+size), true)
	m.ringAppend(quarantineCell, h.body())
	m.quarantineSize += size

	m.qtbinDeqn(m.cfg.FreeDequeueBatch)
	m.kickRevoker(false)
	return size
}

// FreeOwned frees every live, unsealed allocation charged to owner and
// returns the number of bytes released.
func (m *MState) FreeOwned(owner uint16) uint32 {
	var bodies []uint32
	for off := uint32(firstChunkStart); off < m.footerOff; {
		h := m.headerAt(off)
		if h.isInUse() && !h.isQuarantined() && !h.isSealed() && h.owner() == owner {
			bodies = append(bodies, h.body())
		}
		off += h.size()
	}

	var freed uint32
	for _, body := range bodies {
		freed += m.freeChunk(m.headerForBody(body))
	}
	return freed
}

// qtbinDeqn moves up to loops chunks from the head of the quarantine FIFO
// back to the free lists. Chunks are stamped in arrival order, so an
// ineligible head means nothing behind it is eligible either.
func (m *MState) qtbinDeqn(loops int) int {
	dequeued := 0
	for ; loops > 0; loops-- {
		if m.ringIsEmpty(quarantineCell) {
			break
		}
		body := m.cellNext(quarantineCell)
		h := m.headerForBody(body)
		if !m.rev.HasFinishedForEpoch(h.epoch()) {
			break
		}

		m.ringRemove(body)
		m.cellClear(body)
		size := h.size()
		m.quarantineSize -= size
		m.freeSize += size
		m.rev.ShadowPaintRange(m.addr(body), m.addr(h.off+size), false)
		h.setEpoch(0)
		h.setFlag(flagQuarantine, false)
		m.freeInternal(h)
		dequeued++
	}
	return dequeued
}

// QuarantineDequeue runs one opportunistic dequeue batch and reports
// whether anything was released.
func (m *MState) QuarantineDequeue() bool {
	return m.qtbinDeqn(m.cfg.AllocDequeueBatch) > 0
}

// QuarantineDrain dequeues until the quarantine is empty or its head is not
// yet eligible, and reports whether it emptied.
func (m *MState) QuarantineDrain() bool {
	for m.qtbinDeqn(m.cfg.AllocDequeueBatch) > 0 {
	}
	return m.quarantineSize == 0
}

// freeInternal coalesces an unlinked, in-use-marked chunk with its free
// neighbours and inserts the result into the right bin. Counters are the
// caller's business.
func (m *MState) freeInternal(h header) {
	debugAssert(h.isInUse(), "freeInternal on a chunk that is not marked in use")

	if !h.isPrevInUse() {
		p := h.prev()
		debugAssert(!p.isInUse(), "prev-in-use clear but previous chunk at 0x%x is in use", m.addr(p.off))
		m.unlinkChunk(p)
		m.shadowPaintHeader(h.off, false)
		p.absorbNext(h)
		h.clear()
		h = p
	}

	n := h.next()
	if !n.isInUse() {
		m.unlinkChunk(n)
		m.shadowPaintHeader(n.off, false)
		h.absorbNext(n)
		n.clear()
	}

	h.markFree()
	m.insertChunk(h, h.size())
}

// kickRevoker prods the revoker if quarantine pressure warrants it (or
// force is set). With an empty quarantine there is nothing to gain.
func (m *MState) kickRevoker(force bool) {
	if m.quarantineSize == 0 {
		return
	}
	should := force
	if !should {
		if m.rev.IsAsynchronous() {
			should = m.quarantineSize > m.freeSize/m.cfg.AsyncQuarantineDivisor ||
				m.freeSize < m.totalSize/m.cfg.AsyncFreePressureDivisor
		} else {
			should = m.quarantineSize*m.cfg.SyncQuarantineDenominator >
				m.freeSize*m.cfg.SyncQuarantineNumerator
		}
	}
	if should {
		m.log.Debug("kicking revoker",
			slog.Uint64("quarantine", uint64(m.quarantineSize)),
			slog.Uint64("free", uint64(m.freeSize)))
		m.rev.Kick()
	}
}

// ChunkInfo describes one chunk during a heap walk.
type ChunkInfo struct {
	// Address of the chunk body.
	Address     uint32
	Size        uint32
	InUse       bool
	Quarantined bool
	Sealed      bool
	Owner       uint16
}

// ForEachChunk walks the physical chunk chain in address order. Returning
// false from fn stops the walk. The heap must not be mutated during the
// walk.
func (m *MState) ForEachChunk(fn func(ChunkInfo) bool) {
	for off := uint32(firstChunkStart); off < m.footerOff; {
		h := m.headerAt(off)
		info := ChunkInfo{
			Address:     m.addr(h.body()),
			Size:        h.size(),
			InUse:       h.isInUse(),
			Quarantined: h.isQuarantined(),
			Sealed:      h.isSealed(),
			Owner:       h.owner(),
		}
		if !fn(info) {
			return
		}
		off += info.Size
	}
}
