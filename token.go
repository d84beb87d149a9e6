package qalloc

import (
	"github.com/cockroachdb/errors"

	"github.com/cheriot-platform/qalloc/cheri"
)

// Sealed heap objects: an allocation whose chunk is flagged sealed carries
// a small header naming the sealing type, immediately followed by the
// payload, which sits at the very top of the allocation so that both the
// whole-allocation bounds and the payload-only bounds are representable.
// The sealed capability the caller holds spans the whole allocation (it is
// sealed with the allocator's own root type, so the caller cannot look
// inside); the unsealed view spans the payload only.
const (
	// allocatorSealType is the object type the allocator seals handed-out
	// objects with. Reserved, never issued to callers.
	allocatorSealType = 1

	// minSealType is one past the top of the reserved type range; key
	// issuance counts down from the top of the space and permanently
	// fails when it reaches this.
	minSealType = 16

	// TokenHeaderSize is the per-object header: the 32-bit sealing type
	// plus padding to keep the payload 8-byte aligned.
	TokenHeaderSize = 8
)

// NewSealingKey issues a fresh sealing key: a capability whose address is a
// never-before-issued object type, carrying seal and unseal permissions.
// The type space is finite and issuance permanently fails with ErrExhausted
// when it runs out; callers that need many types must layer their own
// multiplexing on one key.
func (a *Allocator) NewSealingKey() (cheri.Capability, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.nextSealType <= minSealType {
		return cheri.Capability{}, errors.Wrap(ErrExhausted, "sealing types")
	}
	a.nextSealType--
	typ := a.nextSealType
	key := cheri.NewSealingKey(typ, cheri.SealingKeyPerms)
	a.issuedKeys.Put(typ, cheri.SealingKeyPerms)
	return key, nil
}

func (a *Allocator) checkKey(key cheri.Capability, need cheri.Permissions) error {
	if !key.IsValid() || key.IsSealed() || !key.Perms().Has(need) {
		return errors.Wrap(ErrPermission, "not a usable sealing key")
	}
	if _, ok := a.issuedKeys.Get(key.Address()); !ok {
		return errors.Wrap(ErrPermission, "sealing key was not issued by this allocator")
	}
	return nil
}

// SealedAlloc allocates size bytes and returns two views of it: a sealed
// capability spanning the whole allocation, which the caller can pass
// around but not dereference, and an unsealed capability spanning just the
// payload. The key must carry both seal and unseal permissions.
func (a *Allocator) SealedAlloc(t *Timeout, acap *AllocatorCapability, key cheri.Capability, size uint32) (sealed, unsealed cheri.Capability, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkKey(key, cheri.PermSeal|cheri.PermUnseal); err != nil {
		return cheri.Capability{}, cheri.Capability{}, err
	}

	payloadSize := cheri.RepresentableLength(size)
	if size == 0 || payloadSize == 0 || payloadSize > ^uint32(0)-TokenHeaderSize {
		return cheri.Capability{}, cheri.Capability{}, errors.Wrapf(ErrInvalid, "sealed allocation of %d bytes", size)
	}

	alloc, err := a.allocateLocked(t, acap, payloadSize+TokenHeaderSize, AllocateWaitAny, true)
	if err != nil {
		return cheri.Capability{}, cheri.Capability{}, err
	}

	// The payload occupies the top payloadSize bytes; the chunk's own
	// alignment guarantees the payload start is representable-aligned.
	payload := alloc.Top() - payloadSize
	mem, err := alloc.Bytes()
	if err != nil {
		return cheri.Capability{}, cheri.Capability{}, errors.Wrap(err, "mapping sealed allocation")
	}
	hdr := payload - TokenHeaderSize - alloc.Base()
	typ := key.Address()
	mem[hdr] = byte(typ)
	mem[hdr+1] = byte(typ >> 8)
	mem[hdr+2] = byte(typ >> 16)
	mem[hdr+3] = byte(typ >> 24)

	at, err := alloc.WithAddress(payload)
	if err != nil {
		return cheri.Capability{}, cheri.Capability{}, err
	}
	sealed, err = at.Seal(a.sealRoot)
	if err != nil {
		return cheri.Capability{}, cheri.Capability{}, err
	}
	unsealed, err = at.WithBounds(payloadSize)
	if err != nil {
		return cheri.Capability{}, cheri.Capability{}, err
	}
	return sealed, unsealed.WithoutPerms(cheri.PermSeal | cheri.PermUnseal), nil
}

// unsealLocked validates a sealed object against key and returns the inner
// whole-allocation capability, address at the payload.
func (a *Allocator) unsealLocked(key, sealed cheri.Capability) (cheri.Capability, error) {
	inner, err := sealed.Unseal(a.sealRoot)
	if err != nil {
		return cheri.Capability{}, errors.Wrap(ErrInvalid, "not a sealed heap object")
	}
	payload := inner.Address()
	if payload < inner.Base()+TokenHeaderSize || payload > inner.Top() {
		return cheri.Capability{}, errors.Wrap(ErrInvalid, "sealed object header is out of bounds")
	}
	mem, err := inner.Bytes()
	if err != nil {
		return cheri.Capability{}, errors.Wrap(ErrInvalid, "sealed object is not heap-backed")
	}
	hdr := payload - TokenHeaderSize - inner.Base()
	typ := uint32(mem[hdr]) | uint32(mem[hdr+1])<<8 | uint32(mem[hdr+2])<<16 | uint32(mem[hdr+3])<<24
	if typ != key.Address() {
		return cheri.Capability{}, errors.Wrap(ErrInvalid, "sealed object belongs to a different key")
	}
	return inner, nil
}

// Unseal returns the payload view of a sealed object, or an error if the
// key lacks unseal permission or does not match the object's type. No
// allocator state is touched until the key checks out.
func (a *Allocator) Unseal(key, sealed cheri.Capability) (cheri.Capability, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkKey(key, cheri.PermUnseal); err != nil {
		return cheri.Capability{}, err
	}
	inner, err := a.unsealLocked(key, sealed)
	if err != nil {
		return cheri.Capability{}, err
	}
	payload, err := inner.WithBounds(inner.Top() - inner.Address())
	if err != nil {
		return cheri.Capability{}, err
	}
	return payload.WithoutPerms(cheri.PermSeal | cheri.PermUnseal), nil
}

// Destroy validates a sealed object exactly as Unseal does, then frees the
// underlying allocation and refunds acap. Existing sealed references become
// useless: the memory is zeroed and quarantined like any other free.
func (a *Allocator) Destroy(acap *AllocatorCapability, key, sealed cheri.Capability) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.checkCapability(acap); err != nil {
		return err
	}
	if err := a.checkKey(key, cheri.PermUnseal); err != nil {
		return err
	}
	inner, err := a.unsealLocked(key, sealed)
	if err != nil {
		return err
	}
	whole, err := inner.WithAddress(inner.Base())
	if err != nil {
		return err
	}
	size, err := a.m.Free(whole, acap.id, true)
	if err != nil {
		return err
	}
	a.refundLocked(acap, size)
	return nil
}
