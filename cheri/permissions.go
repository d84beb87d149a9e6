package cheri

// Permissions is the subset of the CHERIoT permission lattice that the
// allocator cares about. Permissions can only ever be removed from a
// capability, never added.
type Permissions uint32

const (
	// PermGlobal allows the capability to be stored anywhere.
	PermGlobal Permissions = 1 << iota
	// PermLoad allows data loads through the capability.
	PermLoad
	// PermStore allows data stores through the capability.
	PermStore
	// PermLoadStoreCap allows capabilities to be loaded or stored through
	// this capability.
	PermLoadStoreCap
	// PermSeal allows the capability to be used as a sealing key.
	PermSeal
	// PermUnseal allows the capability to be used as an unsealing key.
	PermUnseal
)

// HeapDataPerms is the permission set carried by capabilities returned from
// the allocator.
const HeapDataPerms = PermGlobal | PermLoad | PermStore | PermLoadStoreCap

// SealingKeyPerms is the permission set carried by freshly issued sealing
// keys.
const SealingKeyPerms = PermGlobal | PermSeal | PermUnseal

// Has reports whether every permission in q is present in p.
func (p Permissions) Has(q Permissions) bool {
	return p&q == q
}

// Without returns p with every permission in q removed.
func (p Permissions) Without(q Permissions) Permissions {
	return p &^ q
}
