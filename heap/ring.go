package heap

// Free chunks carry a doubly linked ring cell in the first eight bytes of
// their body: two 32-bit region offsets pointing at the next and previous
// cells. Bin sentinels are cells in the reserved table at the base of the
// region, so every ring operation is uniform offset arithmetic.

func (m *MState) cellNext(c uint32) uint32 { return m.loadU32(c) }
func (m *MState) setCellNext(c, v uint32)  { m.storeU32(c, v) }
func (m *MState) cellPrev(c uint32) uint32 { return m.loadU32(c + 4) }
func (m *MState) setCellPrev(c, v uint32)  { m.storeU32(c+4, v) }

func (m *MState) ringReset(sentinel uint32) {
	m.setCellNext(sentinel, sentinel)
	m.setCellPrev(sentinel, sentinel)
}

func (m *MState) ringIsEmpty(sentinel uint32) bool {
	return m.cellNext(sentinel) == sentinel
}

func (m *MState) ringIsSingleton(c uint32) bool {
	return m.cellNext(c) == c
}

// ringAppend inserts cell immediately before pos (at the tail when pos is a
// sentinel).
func (m *MState) ringAppend(pos, cell uint32) {
	prev := m.cellPrev(pos)
	m.setCellNext(prev, cell)
	m.setCellPrev(cell, prev)
	m.setCellNext(cell, pos)
	m.setCellPrev(pos, cell)
}

// ringRemove unlinks cell, checking that its neighbours agree it is linked.
func (m *MState) ringRemove(cell uint32) {
	next := m.cellNext(cell)
	prev := m.cellPrev(cell)
	if m.cellPrev(next) != cell || m.cellNext(prev) != cell {
		panic(corrupt("free-list ring at offset 0x%x has inconsistent links (next 0x%x, prev 0x%x)", cell, next, prev))
	}
	m.setCellNext(prev, next)
	m.setCellPrev(next, prev)
}

// cellClear zeroes the link cell so the body is zero when the chunk is
// handed out or merged.
func (m *MState) cellClear(c uint32) {
	m.storeU32(c, 0)
	m.storeU32(c+4, 0)
}
