package heap

import "math/bits"

// Large chunks live in a bitwise digital trie per bin: left/right children
// chosen by successive bits of the size, with chunks of identical size
// collected on the sibling ring of whichever one is in the trie. A tree
// node's fields follow the ring cell in the chunk body:
//
//	body[0:8]   ring cell (next, prev)
//	body[8:12]  child 0
//	body[12:16] child 1
//	body[16:20] parent (or ringParent / rootParent markers)
//	body[20:24] bin index
//
// Offset 0 is inside the sentinel table, so it can serve as the null child.
const (
	nilChild   = 0
	ringParent = 0
	rootParent = 1
)

const maxTreeComputeMask = (1 << (NTreeBins >> 1)) - 1

func computeTreeIndex(size uint32) uint32 {
	x := size >> TreeBinShift
	if x == 0 {
		return 0
	}
	if x > maxTreeComputeMask {
		return NTreeBins - 1
	}
	k := uint32(bits.Len32(x) - 1)
	return (k << 1) + ((size >> (k + TreeBinShift - 1)) & 1)
}

// leftshiftForTreeIndex positions a size's first distinguishing bit at the
// top of a 32-bit word, for trie descent.
func leftshiftForTreeIndex(i uint32) uint32 {
	if i == NTreeBins-1 {
		return 0
	}
	return 32 - ((i >> 1) + TreeBinShift - 1)
}

func (m *MState) tChild(t uint32, which int) uint32 {
	return m.loadU32(t + 8 + uint32(which)*4)
}

func (m *MState) setTChild(t uint32, which int, v uint32) {
	m.storeU32(t+8+uint32(which)*4, v)
}

func (m *MState) tParent(t uint32) uint32 { return m.loadU32(t + 16) }
func (m *MState) setTParent(t, v uint32)  { m.storeU32(t+16, v) }
func (m *MState) tIndex(t uint32) uint32  { return m.loadU32(t + 20) }
func (m *MState) setTIndex(t, v uint32)   { m.storeU32(t+20, v) }

func (m *MState) tIsRingNode(t uint32) bool { return m.tParent(t) == ringParent }

func (m *MState) tLeftmostChild(t uint32) uint32 {
	if c := m.tChild(t, 0); c != nilChild {
		return c
	}
	return m.tChild(t, 1)
}

// treeMetadataClear zeroes the link cell and trie fields.
func (m *MState) treeMetadataClear(t uint32) {
	for off := uint32(0); off < 24; off += 4 {
		m.storeU32(t+off, 0)
	}
}

func (m *MState) chunkSizeOfBody(body uint32) uint32 {
	return m.headerForBody(body).size()
}

func (m *MState) insertLargeChunk(h header, size uint32) {
	i := computeTreeIndex(size)
	body := h.body()

	m.setTChild(body, 0, nilChild)
	m.setTChild(body, 1, nilChild)
	m.setTIndex(body, i)

	if m.treemap&idx2bit(i) == 0 {
		m.treemapMark(i)
		m.treebins[i] = body
		m.setTParent(body, rootParent)
		m.ringReset(body)
		return
	}

	t := m.treebins[i]
	k := size << leftshiftForTreeIndex(i)
	for {
		if m.chunkSizeOfBody(t) == size {
			// Same size: join t's sibling ring rather than the trie.
			m.setTParent(body, ringParent)
			m.ringAppend(t, body)
			return
		}
		which := int(k >> 31)
		c := m.tChild(t, which)
		if c == nilChild {
			m.setTChild(t, which, body)
			m.setTParent(body, t)
			m.ringReset(body)
			return
		}
		t = c
		k <<= 1
	}
}

// unlinkLargeChunk removes the chunk with body offset x from its tree bin.
// A node that still has same-size siblings is replaced by one of them; a
// trie node without siblings is replaced by its rightmost-reachable
// descendant, which necessarily has at most a ring to its name and can be
// detached cheaply.
func (m *MState) unlinkLargeChunk(x uint32) {
	xp := m.tParent(x)
	var r uint32

	if !m.ringIsSingleton(x) {
		r = m.cellPrev(x)
		m.ringRemove(x)
	} else {
		type slot struct {
			node  uint32
			which int
		}
		var rp slot
		if c := m.tChild(x, 1); c != nilChild {
			r = c
			rp = slot{x, 1}
		} else if c := m.tChild(x, 0); c != nilChild {
			r = c
			rp = slot{x, 0}
		}
		if r != nilChild {
			for {
				if c := m.tChild(r, 1); c != nilChild {
					rp = slot{r, 1}
					r = c
					continue
				}
				if c := m.tChild(r, 0); c != nilChild {
					rp = slot{r, 0}
					r = c
					continue
				}
				break
			}
			m.setTChild(rp.node, rp.which, nilChild)
		}
	}

	if !m.tIsRingNode(x) {
		i := m.tIndex(x)
		if m.treebins[i] == x {
			m.treebins[i] = r
			if r == nilChild {
				m.treemapClear(i)
			} else {
				m.setTParent(r, rootParent)
			}
		} else {
			if m.tChild(xp, 0) == x {
				m.setTChild(xp, 0, r)
			} else if m.tChild(xp, 1) == x {
				m.setTChild(xp, 1, r)
			} else {
				panic(corrupt("tree node 0x%x is not a child of its parent 0x%x", x, xp))
			}
			if r != nilChild {
				m.setTParent(r, xp)
			}
		}
		if r != nilChild {
			if c := m.tChild(x, 0); c != nilChild {
				m.setTChild(r, 0, c)
				m.setTParent(c, r)
			}
			if c := m.tChild(x, 1); c != nilChild {
				m.setTChild(r, 1, c)
				m.setTParent(c, r)
			}
			m.setTIndex(r, i)
		}
	}

	m.treeMetadataClear(x)
}

// tmallocSmallest takes the best fit for nb out of the subtree rooted at t,
// preferring a ring sibling over surgery on the trie.
func (m *MState) tmallocSmallest(t, nb uint32) header {
	v := t
	rsize := m.chunkSizeOfBody(t) - nb
	for c := m.tLeftmostChild(t); c != nilChild; c = m.tLeftmostChild(c) {
		if trem := m.chunkSizeOfBody(c) - nb; trem < rsize {
			rsize = trem
			v = c
		}
	}
	v = m.cellNext(v)

	h := m.headerForBody(v)
	m.unlinkLargeChunk(v)
	if rsize >= MinChunkSize {
		r := h.split(nb)
		m.insertChunk(r, rsize)
	}
	h.markInUse()
	return h
}

// tmallocLarge serves a tree-bin-sized request: best fit across the bin
// that the size maps to, falling back to the smallest chunk of any larger
// bin.
func (m *MState) tmallocLarge(nb uint32) (header, bool) {
	var v, t uint32
	// Chunks smaller than nb underflow their remainder computation past
	// this starting value and are never selected.
	rsize := -nb

	idx := computeTreeIndex(nb)
	if t = m.treebins[idx]; t != nilChild {
		sizebits := nb << leftshiftForTreeIndex(idx)
		var rst uint32
		for {
			trem := m.chunkSizeOfBody(t) - nb
			if trem < rsize {
				v = t
				rsize = trem
				if trem == 0 {
					break
				}
			}
			rt := m.tChild(t, 1)
			t = m.tChild(t, int(sizebits>>31))
			if rt != nilChild && rt != t {
				rst = rt
			}
			if t == nilChild {
				t = rst
				break
			}
			sizebits <<= 1
		}
	}

	if t == nilChild && v == nilChild {
		leftbits := bitsAbove(idx2bit(idx)) & m.treemap
		if leftbits == 0 {
			return header{}, false
		}
		t = m.treebins[bit2idx(isolateLeastBit(leftbits))]
	} else if v != nilChild {
		t = v
	}

	return m.tmallocSmallest(t, nb), true
}

// tmallocSmall serves a small request from the tree bins when every small
// bin that could fit is empty.
func (m *MState) tmallocSmall(nb uint32) header {
	i := bit2idx(isolateLeastBit(m.treemap))
	return m.tmallocSmallest(m.treebins[i], nb)
}
