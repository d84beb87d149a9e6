package cheri

import "github.com/cockroachdb/errors"

// Capability models a CHERIoT memory capability: a tagged pointer carrying
// bounds, an address within (or one past) those bounds, a permission set and
// an optional seal. Capabilities are values; deriving a narrower capability
// never mutates the original.
//
// The zero Capability is untagged (invalid).
type Capability struct {
	arena   *Arena
	base    uint32
	length  uint32
	address uint32
	perms   Permissions
	sealTyp uint32
	valid   bool
}

var (
	errUntagged     = errors.New("capability is untagged")
	errSealed       = errors.New("capability is sealed")
	errBounds       = errors.New("bounds are not a subset of the source capability")
	errBadKey       = errors.New("capability is not a valid sealing key")
	errWrongKey     = errors.New("seal type does not match the key")
	errNoPermission = errors.New("capability lacks the required permission")
)

// IsValid reports whether the tag is set.
func (c Capability) IsValid() bool { return c.valid }

// IsSealed reports whether the capability is sealed. Sealed capabilities
// cannot be dereferenced or modified, only unsealed with the matching key.
func (c Capability) IsSealed() bool { return c.sealTyp != 0 }

// Base returns the lowest dereferenceable address.
func (c Capability) Base() uint32 { return c.base }

// Length returns the size of the dereferenceable range.
func (c Capability) Length() uint32 { return c.length }

// Top returns one past the highest dereferenceable address.
func (c Capability) Top() uint32 { return c.base + c.length }

// Address returns the current address field.
func (c Capability) Address() uint32 { return c.address }

// Perms returns the permission set.
func (c Capability) Perms() Permissions { return c.perms }

// SealType returns the object type the capability is sealed with, or 0 if
// unsealed.
func (c Capability) SealType() uint32 { return c.sealTyp }

// Covers reports whether [base, base+length) of other lies entirely within
// this capability's bounds.
func (c Capability) Covers(base, length uint32) bool {
	return c.valid && base >= c.base && uint64(base)+uint64(length) <= uint64(c.Top())
}

// WithAddress returns a copy of the capability with the address field set.
// The address may be anywhere within the bounds, including one past the top.
func (c Capability) WithAddress(addr uint32) (Capability, error) {
	if !c.valid {
		return Capability{}, errUntagged
	}
	if c.IsSealed() {
		return Capability{}, errSealed
	}
	if addr < c.base || addr > c.Top() {
		return Capability{}, errors.Wrapf(errBounds, "address 0x%x outside [0x%x, 0x%x]", addr, c.base, c.Top())
	}
	c.address = addr
	return c, nil
}

// WithBounds returns a copy of the capability whose base is the current
// address and whose length is the given length. Bounds are monotonic: the
// new range must be a subset of the old one.
func (c Capability) WithBounds(length uint32) (Capability, error) {
	if !c.valid {
		return Capability{}, errUntagged
	}
	if c.IsSealed() {
		return Capability{}, errSealed
	}
	if uint64(c.address)+uint64(length) > uint64(c.Top()) {
		return Capability{}, errors.Wrapf(errBounds, "[0x%x, 0x%x+%d) exceeds top 0x%x", c.address, c.address, length, c.Top())
	}
	c.base = c.address
	c.length = length
	return c, nil
}

// WithoutPerms returns a copy of the capability with the given permissions
// removed.
func (c Capability) WithoutPerms(p Permissions) Capability {
	c.perms = c.perms.Without(p)
	return c
}

// Seal returns a copy of the capability sealed with the key's address as its
// object type. The key must carry PermSeal.
func (c Capability) Seal(key Capability) (Capability, error) {
	if !c.valid {
		return Capability{}, errUntagged
	}
	if c.IsSealed() {
		return Capability{}, errSealed
	}
	if !key.valid || !key.perms.Has(PermSeal) || key.address == 0 {
		return Capability{}, errBadKey
	}
	c.sealTyp = key.address
	return c, nil
}

// Unseal returns an unsealed copy of the capability. The key must carry
// PermUnseal and its address must equal the seal type.
func (c Capability) Unseal(key Capability) (Capability, error) {
	if !c.valid {
		return Capability{}, errUntagged
	}
	if !key.valid || !key.perms.Has(PermUnseal) {
		return Capability{}, errBadKey
	}
	if !c.IsSealed() || c.sealTyp != key.address {
		return Capability{}, errWrongKey
	}
	c.sealTyp = 0
	return c, nil
}

// Bytes returns the backing bytes for the capability's full bounds. The
// capability must be tagged, unsealed, carry PermLoad, and be backed by an
// arena.
func (c Capability) Bytes() ([]byte, error) {
	if !c.valid {
		return nil, errUntagged
	}
	if c.IsSealed() {
		return nil, errSealed
	}
	if !c.perms.Has(PermLoad) {
		return nil, errNoPermission
	}
	if c.arena == nil || !c.arena.contains(c.base, c.Top()) {
		return nil, errors.Wrapf(errBounds, "capability [0x%x, 0x%x) is not arena-backed", c.base, c.Top())
	}
	return c.arena.slice(c.base, c.Top()), nil
}

// NewSealingKey builds a software sealing key: an arena-less capability
// whose address names the object type.
func NewSealingKey(typ uint32, perms Permissions) Capability {
	return Capability{
		base:    typ,
		length:  1,
		address: typ,
		perms:   perms,
		valid:   true,
	}
}
