package heap

import "math/bits"

// Small bins hold chunks of one exact size class each; treemap/smallmap
// bits track which bins are non-empty so lookup is a couple of bit
// instructions.

func isSmall(size uint32) bool {
	return size>>MallocAlignShift <= NSmallBins
}

func smallIndex(size uint32) uint32 {
	return (size - 1) >> MallocAlignShift
}

func smallIndex2Size(index uint32) uint32 {
	return (index + 1) << MallocAlignShift
}

func idx2bit(index uint32) uint32 { return 1 << index }

func bit2idx(bit uint32) uint32 { return uint32(bits.TrailingZeros32(bit)) }

func isolateLeastBit(x uint32) uint32 { return x & (^x + 1) }

// bitsAbove returns a mask of all bits strictly above the single set bit of
// b.
func bitsAbove(b uint32) uint32 {
	l := b << 1
	return l | (^l + 1)
}

func (m *MState) smallmapMark(i uint32)  { m.smallmap |= idx2bit(i) }
func (m *MState) smallmapClear(i uint32) { m.smallmap &^= idx2bit(i) }
func (m *MState) treemapMark(i uint32)   { m.treemap |= idx2bit(i) }
func (m *MState) treemapClear(i uint32)  { m.treemap &^= idx2bit(i) }

func (m *MState) insertSmallChunk(h header, size uint32) {
	i := smallIndex(size)
	m.smallmapMark(i)
	m.ringAppend(smallbinCell(i), h.body())
}

func (m *MState) unlinkSmallChunk(body, size uint32) {
	i := smallIndex(size)
	sentinel := smallbinCell(i)
	next := m.cellNext(body)
	prev := m.cellPrev(body)
	if next == sentinel && prev == sentinel {
		m.ringRemove(body)
		m.smallmapClear(i)
	} else {
		m.ringRemove(body)
	}
	m.cellClear(body)
}

// unlinkFirstSmallChunk pops the head of a known-non-empty small bin.
func (m *MState) unlinkFirstSmallChunk(i uint32) header {
	sentinel := smallbinCell(i)
	body := m.cellNext(sentinel)
	if body == sentinel {
		panic(corrupt("small bin %d marked non-empty but ring is empty", i))
	}
	m.ringRemove(body)
	if m.ringIsEmpty(sentinel) {
		m.smallmapClear(i)
	}
	m.cellClear(body)

	h := m.headerForBody(body)
	debugAssert(h.size() == smallIndex2Size(i),
		"chunk of size %d found in small bin %d", h.size(), i)
	return h
}

func (m *MState) insertChunk(h header, size uint32) {
	if isSmall(size) {
		m.insertSmallChunk(h, size)
	} else {
		m.insertLargeChunk(h, size)
	}
}

func (m *MState) unlinkChunk(h header) {
	size := h.size()
	if isSmall(size) {
		m.unlinkSmallChunk(h.body(), size)
	} else {
		m.unlinkLargeChunk(h.body())
	}
}
