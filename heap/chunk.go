package heap

// Chunk headers live in the managed region itself, one granule ahead of the
// body they describe:
//
//	[0:2]  size of the previous chunk, granule-scaled
//	[2:4]  size of this chunk, granule-scaled
//	[4]    flag bits
//	[6:8]  owner identifier of the allocator capability charged
//	[8:12] revocation epoch at which the chunk entered quarantine
//
// Sizes include the header. The in-use bit of a chunk is mirrored into the
// prev-in-use bit of its successor so that coalescing can look both ways
// without a footer.
const (
	flagPrevInUse  = 1 << 0
	flagCurrInUse  = 1 << 1
	flagSealed     = 1 << 2
	flagQuarantine = 1 << 3
)

// header addresses one chunk header by its offset within the region.
type header struct {
	m   *MState
	off uint32
}

func (m *MState) headerAt(off uint32) header {
	return header{m: m, off: off}
}

func (m *MState) headerForBody(body uint32) header {
	return header{m: m, off: body - HeaderSize}
}

func (m *MState) loadU16(off uint32) uint16 {
	return uint16(m.mem[off]) | uint16(m.mem[off+1])<<8
}

func (m *MState) storeU16(off uint32, v uint16) {
	m.mem[off] = byte(v)
	m.mem[off+1] = byte(v >> 8)
}

func (m *MState) loadU32(off uint32) uint32 {
	return uint32(m.mem[off]) | uint32(m.mem[off+1])<<8 |
		uint32(m.mem[off+2])<<16 | uint32(m.mem[off+3])<<24
}

func (m *MState) storeU32(off uint32, v uint32) {
	m.mem[off] = byte(v)
	m.mem[off+1] = byte(v >> 8)
	m.mem[off+2] = byte(v >> 16)
	m.mem[off+3] = byte(v >> 24)
}

func (h header) size() uint32 {
	return uint32(h.m.loadU16(h.off+2)) << MallocAlignShift
}

func (h header) setSize(size uint32) {
	h.m.storeU16(h.off+2, uint16(size>>MallocAlignShift))
}

func (h header) prevSize() uint32 {
	return uint32(h.m.loadU16(h.off)) << MallocAlignShift
}

func (h header) setPrevSize(size uint32) {
	h.m.storeU16(h.off, uint16(size>>MallocAlignShift))
}

func (h header) flag(bit byte) bool { return h.m.mem[h.off+4]&bit != 0 }

func (h header) setFlag(bit byte, v bool) {
	if v {
		h.m.mem[h.off+4] |= bit
	} else {
		h.m.mem[h.off+4] &^= bit
	}
}

func (h header) isInUse() bool       { return h.flag(flagCurrInUse) }
func (h header) isPrevInUse() bool   { return h.flag(flagPrevInUse) }
func (h header) isSealed() bool      { return h.flag(flagSealed) }
func (h header) isQuarantined() bool { return h.flag(flagQuarantine) }

func (h header) owner() uint16      { return h.m.loadU16(h.off + 6) }
func (h header) setOwner(id uint16) { h.m.storeU16(h.off+6, id) }
func (h header) epoch() uint32      { return h.m.loadU32(h.off + 8) }
func (h header) setEpoch(e uint32)  { h.m.storeU32(h.off+8, e) }

// body returns the offset of the first byte past the header.
func (h header) body() uint32 { return h.off + HeaderSize }

// next returns the physically following chunk's header.
func (h header) next() header { return h.m.headerAt(h.off + h.size()) }

// prev returns the physically preceding chunk's header. Only meaningful
// when the previous chunk is free (prevSize is stale otherwise).
func (h header) prev() header { return h.m.headerAt(h.off - h.prevSize()) }

// markInUse sets the in-use bit and mirrors it into the successor.
func (h header) markInUse() {
	h.setFlag(flagCurrInUse, true)
	h.next().setFlag(flagPrevInUse, true)
}

// markFree clears the in-use bit and mirrors it into the successor.
func (h header) markFree() {
	h.setFlag(flagCurrInUse, false)
	n := h.next()
	n.setFlag(flagPrevInUse, false)
	n.setPrevSize(h.size())
}

// clear zeroes the whole header.
func (h header) clear() {
	for i := uint32(0); i < HeaderSize; i++ {
		h.m.mem[h.off+i] = 0
	}
}

// split carves the chunk at offset bytes from its header, creating a new
// chunk header there. Both halves inherit the in-use state. The new header's
// shadow bit is painted so that allocation-start validation keeps working.
func (h header) split(offset uint32) header {
	oldSize := h.size()
	n := h.m.headerAt(h.off + offset)
	n.clear()
	h.m.shadowPaintHeader(n.off, true)

	n.setSize(oldSize - offset)
	n.setPrevSize(offset)
	h.m.headerAt(h.off + oldSize).setPrevSize(oldSize - offset)
	h.setSize(offset)

	inUse := h.isInUse()
	n.setFlag(flagCurrInUse, inUse)
	n.setFlag(flagPrevInUse, inUse)
	return n
}

// absorbNext grows the chunk over its (already unlinked) successor q.
func (h header) absorbNext(q header) {
	newSize := h.size() + q.size()
	h.setSize(newSize)
	h.m.headerAt(h.off + newSize).setPrevSize(newSize)
}

// zeroBody zeroes the chunk body.
func (h header) zeroBody() {
	body := h.body()
	end := h.off + h.size()
	mem := h.m.mem[body:end]
	for i := range mem {
		mem[i] = 0
	}
}
