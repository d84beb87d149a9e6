package cheri

import "math/bits"

// The CHERIoT compressed capability encoding stores bounds with a 9-bit
// mantissa. Lengths below 1<<MantissaWidth are exactly representable; larger
// lengths must be rounded up to a multiple of 1<<e, where e is the bit width
// of the length minus the mantissa width, and base/top must be aligned on
// the same boundary.
const MantissaWidth = 9

func boundsExponent(length uint32) uint {
	l := bits.Len32(length)
	if l <= MantissaWidth {
		return 0
	}
	return uint(l - MantissaWidth)
}

// RepresentableLength returns the smallest representable length that is
// >= length, or 0 if rounding overflows the 32-bit address space.
func RepresentableLength(length uint32) uint32 {
	for {
		mask := ^RepresentableAlignmentMask(length)
		rounded := (length + mask) &^ mask
		if rounded < length {
			return 0
		}
		// Rounding can push the length into the next exponent; in that
		// case recompute with the wider alignment.
		if boundsExponent(rounded) == boundsExponent(length) {
			return rounded
		}
		length = rounded
	}
}

// RepresentableAlignmentMask returns the mask that base and top must be
// aligned with for a capability of the given length: ones in the high bits,
// zeroes in the low bits that the encoding cannot express.
func RepresentableAlignmentMask(length uint32) uint32 {
	return ^uint32(0) << boundsExponent(length)
}

// RepresentableAlignment returns the alignment requirement, in bytes, for a
// capability of the given length.
func RepresentableAlignment(length uint32) uint32 {
	return 1 << boundsExponent(length)
}
