// Package pmap declares the platform physical-map contract the VM core
// consumes (spec §6.1) and, because the real MMU driver is explicitly
// out of scope (spec §1), ships an in-memory Fake implementation used
// by tests and by any caller that just wants a working address space
// without real hardware underneath.
package pmap

import "vmcore/page"

// Prot is the VM_PROT_* subset: a bitmask of read/write/execute.
type Prot uint8

const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2
)

// Subset reports whether every bit set in access is also set in prot —
// the "access is not a subset of protection" test of spec §4.5 step 3.
func (prot Prot) Subset(access Prot) bool {
	return access&^prot == 0
}

// EnterFlags carries extra hints to Enter/Kenter, e.g. M_ZERO.
type EnterFlags uint

const (
	// Zero requests that newly mapped memory be cleared.
	Zero EnterFlags = 1 << iota
)

// Pmap is the per-address-space contract of spec §6.1.
type Pmap interface {
	// Enter installs or updates a mapping of va to pg's physical address
	// with the given protection.
	Enter(va uintptr, pg *page.Page_t, prot Prot, flags EnterFlags)
	// Extract returns the physical address currently mapped at va.
	Extract(va uintptr) (addr uintptr, ok bool)
	// Remove tears down every mapping in [start, end).
	Remove(start, end uintptr)
	// Protect changes the protection of every mapping in [start, end).
	Protect(start, end uintptr, prot Prot)
	// Activate makes this pmap the active one for the running CPU —
	// called from the test harness's "restore original vm_map" dance
	// (original_source/sys/tests/vm_map.c's vm_map_activate) and, in a
	// real kernel, from context switch.
	Activate()
}

// PageOps operates directly on physical frames rather than through a
// particular address space, matching pmap_zero_page/pmap_copy_page/
// pmap_set_page_readonly's signatures in spec §6.1 (they take vm_page_t*,
// not pmap_t*).
type PageOps interface {
	// ZeroPage clears pg's contents.
	ZeroPage(pg *page.Page_t)
	// CopyPage copies src's contents into dst.
	CopyPage(src, dst *page.Page_t)
	// SetPageReadonly downgrades every existing mapping of pg to
	// read-only, across every pmap that maps it (spec §4.1 set_readonly).
	SetPageReadonly(pg *page.Page_t)
	// ClearPageReadonly undoes SetPageReadonly for a single freshly
	// produced page that a pager just inserted privately (mirrors the
	// original source's pmap_remove_page_readonly call in
	// shadow_pager_fault, original_source/sys/kern/vm_pager.c).
	ClearPageReadonly(pg *page.Page_t)
}

// KernelOps is the kernel-only subset of pmap (spec §6.1's pmap_kenter/
// pmap_kremove/pmap_kextract), addressed without a Pmap handle because
// there is exactly one kernel address space.
type KernelOps interface {
	Kenter(va, pa uintptr, prot Prot, flags EnterFlags)
	Kremove(va uintptr, size uintptr)
	Kextract(va uintptr) (pa uintptr, ok bool)
}
