package heap

import "github.com/cockroachdb/errors"

// Validate walks every structure in the region and cross-checks them: the
// physical chunk chain against the mirrored in-use bits and the size
// counters, every bin against its bitmap bit, every tree against its trie
// invariants and the quarantine FIFO against its stamps. It is cheap enough
// for tests and debug builds, not for release hot paths.
func (m *MState) Validate() error {
	freeBytes := uint32(0)
	quarantineBytes := uint32(0)
	freeChunks := 0
	quarantineChunks := 0

	prevInUse := true
	prevSize := uint32(0)
	for off := uint32(firstChunkStart); off < m.footerOff; {
		h := m.headerAt(off)
		size := h.size()
		if size < MinChunkSize || size&MallocAlignMask != 0 {
			return errors.Newf("chunk at 0x%x has invalid size %d", m.addr(off), size)
		}
		if off+size > m.footerOff {
			return errors.Newf("chunk at 0x%x (size %d) runs past the footer", m.addr(off), size)
		}
		if h.isPrevInUse() != prevInUse {
			return errors.Newf("chunk at 0x%x: prev-in-use bit disagrees with predecessor", m.addr(off))
		}
		if !prevInUse && h.prevSize() != prevSize {
			return errors.Newf("chunk at 0x%x: prevSize %d, predecessor is %d bytes", m.addr(off), h.prevSize(), prevSize)
		}
		switch {
		case h.isQuarantined():
			if !h.isInUse() {
				return errors.Newf("quarantined chunk at 0x%x is not marked in use", m.addr(off))
			}
			quarantineBytes += size
			quarantineChunks++
		case !h.isInUse():
			freeBytes += size
			freeChunks++
		}
		prevInUse = h.isInUse()
		prevSize = size
		off += size
	}
	footer := m.headerAt(m.footerOff)
	if footer.isPrevInUse() != prevInUse {
		return errors.New("footer prev-in-use bit disagrees with the last chunk")
	}

	if freeBytes != m.freeSize {
		return errors.Newf("free bytes: counter %d, walk found %d", m.freeSize, freeBytes)
	}
	if quarantineBytes != m.quarantineSize {
		return errors.Newf("quarantine bytes: counter %d, walk found %d", m.quarantineSize, quarantineBytes)
	}
	if m.footerOff-firstChunkStart != m.totalSize {
		return errors.Newf("total size: counter %d, region holds %d", m.totalSize, m.footerOff-firstChunkStart)
	}

	binned, err := m.validateSmallBins()
	if err != nil {
		return err
	}
	treed, err := m.validateTreeBins()
	if err != nil {
		return err
	}
	if binned+treed != freeChunks {
		return errors.Newf("free chunks: %d binned, physical walk found %d", binned+treed, freeChunks)
	}

	ringed, err := m.validateQuarantineRing()
	if err != nil {
		return err
	}
	if ringed != quarantineChunks {
		return errors.Newf("quarantine: %d on the ring, physical walk found %d", ringed, quarantineChunks)
	}
	return nil
}

func (m *MState) validateRing(sentinel uint32, visit func(body uint32) error) (int, error) {
	count := 0
	limit := int(m.totalSize / MinChunkSize)
	for c := m.cellNext(sentinel); c != sentinel; c = m.cellNext(c) {
		if count++; count > limit {
			return 0, errors.Newf("ring at cell 0x%x does not close", sentinel)
		}
		if m.cellPrev(m.cellNext(c)) != c || m.cellNext(m.cellPrev(c)) != c {
			return 0, errors.Newf("ring cell at 0x%x has inconsistent links", c)
		}
		if err := visit(c); err != nil {
			return 0, err
		}
	}
	return count, nil
}

func (m *MState) validateSmallBins() (int, error) {
	total := 0
	for i := uint32(0); i < NSmallBins; i++ {
		empty := m.ringIsEmpty(smallbinCell(i))
		if marked := m.smallmap&idx2bit(i) != 0; marked == empty {
			return 0, errors.Newf("small bin %d: bitmap bit %v but ring empty=%v", i, marked, empty)
		}
		n, err := m.validateRing(smallbinCell(i), func(body uint32) error {
			h := m.headerForBody(body)
			if h.isInUse() {
				return errors.Newf("in-use chunk at 0x%x on small bin %d", m.addr(h.off), i)
			}
			if h.size() != smallIndex2Size(i) {
				return errors.Newf("chunk of size %d on small bin %d", h.size(), i)
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (m *MState) validateTreeBins() (int, error) {
	total := 0
	for i := uint32(0); i < NTreeBins; i++ {
		root := m.treebins[i]
		if marked := m.treemap&idx2bit(i) != 0; marked != (root != nilChild) {
			return 0, errors.Newf("tree bin %d: bitmap bit %v but root 0x%x", i, marked, root)
		}
		if root == nilChild {
			continue
		}
		if m.tParent(root) != rootParent {
			return 0, errors.Newf("tree bin %d: root 0x%x does not carry the root marker", i, root)
		}
		n, err := m.validateSubtree(root, i)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (m *MState) validateSubtree(t, bin uint32) (int, error) {
	size := m.chunkSizeOfBody(t)
	if m.tIndex(t) != bin {
		return 0, errors.Newf("tree node 0x%x carries index %d in bin %d", t, m.tIndex(t), bin)
	}
	if computeTreeIndex(size) != bin {
		return 0, errors.Newf("chunk of size %d in tree bin %d", size, bin)
	}
	if m.headerForBody(t).isInUse() {
		return 0, errors.Newf("in-use chunk at body 0x%x in tree bin %d", t, bin)
	}

	// Same-size siblings hang off the trie node's ring.
	count, err := m.validateRing(t, func(body uint32) error {
		if m.chunkSizeOfBody(body) != size {
			return errors.Newf("ring sibling of 0x%x has size %d, expected %d", t, m.chunkSizeOfBody(body), size)
		}
		if !m.tIsRingNode(body) {
			return errors.Newf("ring sibling 0x%x of 0x%x is not marked as a ring node", body, t)
		}
		if m.headerForBody(body).isInUse() {
			return errors.Newf("in-use chunk at body 0x%x on a tree ring", body)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	count++ // the trie node itself

	for which := 0; which < 2; which++ {
		c := m.tChild(t, which)
		if c == nilChild {
			continue
		}
		if m.tParent(c) != t {
			return 0, errors.Newf("tree node 0x%x: child 0x%x points back at 0x%x", t, c, m.tParent(c))
		}
		n, err := m.validateSubtree(c, bin)
		if err != nil {
			return 0, err
		}
		count += n
	}
	return count, nil
}

func (m *MState) validateQuarantineRing() (int, error) {
	lastEpoch := uint32(0)
	first := true
	return m.validateRing(quarantineCell, func(body uint32) error {
		h := m.headerForBody(body)
		if !h.isQuarantined() || !h.isInUse() {
			return errors.Newf("chunk at 0x%x on the quarantine ring is not quarantined", m.addr(h.off))
		}
		// FIFO: stamps never decrease along the ring.
		if !first && h.epoch()-lastEpoch > 1<<31 {
			return errors.Newf("quarantine ring is not stamped in FIFO order at 0x%x", m.addr(h.off))
		}
		lastEpoch = h.epoch()
		first = false
		return nil
	})
}
