package cheri

import "github.com/cockroachdb/errors"

// Arena is a single contiguous region of addressable memory. All
// capabilities ultimately derive from an arena's root capability, and all
// loads and stores performed through a capability resolve into the arena's
// backing slice.
//
// Addresses are 32-bit, as on the target architecture. The arena occupies
// [baseAddr, baseAddr+size).
type Arena struct {
	mem      []byte
	baseAddr uint32
}

// NewArena creates an arena of the given size, starting at baseAddr in the
// simulated address space.
func NewArena(size int, baseAddr uint32) (*Arena, error) {
	if size <= 0 {
		return nil, errors.Newf("arena size %d must be positive", size)
	}
	if uint64(baseAddr)+uint64(size) > 1<<32 {
		return nil, errors.Newf("arena [0x%x, 0x%x+%d) exceeds the 32-bit address space", baseAddr, baseAddr, size)
	}

	return &Arena{
		mem:      make([]byte, size),
		baseAddr: baseAddr,
	}, nil
}

// Size returns the arena size in bytes.
func (a *Arena) Size() int { return len(a.mem) }

// BaseAddr returns the address of the first byte of the arena.
func (a *Arena) BaseAddr() uint32 { return a.baseAddr }

// Root returns the root capability for the arena: tagged, unsealed, spanning
// the whole region, with every permission. Everything else is derived from
// it by narrowing.
func (a *Arena) Root() Capability {
	return Capability{
		arena:   a,
		base:    a.baseAddr,
		length:  uint32(len(a.mem)),
		address: a.baseAddr,
		perms:   HeapDataPerms | PermSeal | PermUnseal,
		valid:   true,
	}
}

func (a *Arena) contains(base, top uint32) bool {
	return base >= a.baseAddr && top >= base && top <= a.baseAddr+uint32(len(a.mem))
}

func (a *Arena) slice(base, top uint32) []byte {
	return a.mem[base-a.baseAddr : top-a.baseAddr]
}
