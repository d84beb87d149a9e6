package revocation

import "github.com/cockroachdb/errors"

const (
	shadowWordShift = 5
	shadowWordBits  = 1 << shadowWordShift
)

// Bitmap is the shadow bitmap: one bit per heap granule, set while the
// granule belongs to freed (quarantined) memory or to an allocator header.
// Loads of capabilities pointing into painted memory are what the revoker
// invalidates; the allocator additionally uses the bit pattern to recognise
// allocation starts.
type Bitmap struct {
	words        []uint32
	baseAddr     uint32
	granuleShift uint
}

// NewBitmap creates a shadow bitmap covering [baseAddr, baseAddr+size) with
// the given granule size (1 << granuleShift bytes per bit).
func NewBitmap(baseAddr, size uint32, granuleShift uint) (*Bitmap, error) {
	granule := uint32(1) << granuleShift
	if baseAddr&(granule-1) != 0 || size&(granule-1) != 0 {
		return nil, errors.Newf("shadow region [0x%x, +%d) is not %d-byte aligned", baseAddr, size, granule)
	}
	bitCount := size >> granuleShift
	wordCount := (bitCount + shadowWordBits - 1) / shadowWordBits
	return &Bitmap{
		words:        make([]uint32, wordCount),
		baseAddr:     baseAddr,
		granuleShift: granuleShift,
	}, nil
}

func (b *Bitmap) offsetBits(addr uint32) uint32 {
	return (addr - b.baseAddr) >> b.granuleShift
}

// ShadowPaintSingle sets or clears the single bit covering addr.
func (b *Bitmap) ShadowPaintSingle(addr uint32, fill bool) {
	bit := b.offsetBits(addr)
	word := bit >> shadowWordShift
	mask := uint32(1) << (bit & (shadowWordBits - 1))
	if fill {
		b.words[word] |= mask
	} else {
		b.words[word] &^= mask
	}
}

// ShadowPaintRange sets or clears every bit covering [base, top).
func (b *Bitmap) ShadowPaintRange(base, top uint32, fill bool) {
	if top <= base {
		return
	}
	first := b.offsetBits(base)
	last := b.offsetBits(top - 1)

	firstWord := first >> shadowWordShift
	lastWord := last >> shadowWordShift

	maskLo := ^uint32(0) << (first & (shadowWordBits - 1))
	maskHi := ^uint32(0) >> (shadowWordBits - 1 - last&(shadowWordBits-1))

	if firstWord == lastWord {
		mask := maskLo & maskHi
		if fill {
			b.words[firstWord] |= mask
		} else {
			b.words[firstWord] &^= mask
		}
		return
	}

	if fill {
		b.words[firstWord] |= maskLo
		for w := firstWord + 1; w < lastWord; w++ {
			b.words[w] = ^uint32(0)
		}
		b.words[lastWord] |= maskHi
	} else {
		b.words[firstWord] &^= maskLo
		for w := firstWord + 1; w < lastWord; w++ {
			b.words[w] = 0
		}
		b.words[lastWord] &^= maskHi
	}
}

// ShadowBitGet returns the bit covering addr.
func (b *Bitmap) ShadowBitGet(addr uint32) bool {
	bit := b.offsetBits(addr)
	word := bit >> shadowWordShift
	return b.words[word]&(uint32(1)<<(bit&(shadowWordBits-1))) != 0
}

// IsFreeTargetValid reports whether base is the start of a live allocation:
// granule-aligned, header granule painted, first payload granule clear.
func (b *Bitmap) IsFreeTargetValid(base uint32) bool {
	granule := uint32(1) << b.granuleShift
	if base&(granule-1) != 0 {
		return false
	}
	if base < b.baseAddr+granule {
		return false
	}
	return b.ShadowBitGet(base-granule) && !b.ShadowBitGet(base)
}
