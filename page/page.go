// Package page defines the VM page frame record (spec §3) and the
// contract it expects from the physical page allocator, which the spec
// places out of scope (§1: "The physical page allocator ... produces
// page frames of requested size; reference-counted"). The Page_t shape
// and its atomic refcount style are adapted from biscuit's
// mem.Physpg_t/mem.Physmem_t (mem/mem.go in the teacher), which tracks
// a per-frame int32 refcount manipulated with sync/atomic rather than a
// lock.
package page

import "sync/atomic"

// Size is the fixed page size in bytes. The spec's arena, kva layer and
// fault resolver all operate in units of Size.
const Size = 4096

// Shift is log2(Size).
const Shift = 12

// Offset masks the in-page offset bits of an address.
const Offset = Size - 1

// Owner is the back-reference a page holds to the object it is
// currently inserted into. It is non-owning (spec §9 "Cyclic
// references"): the page does not hold a reference on the object simply
// by pointing to it.
type Owner interface {
	// Npages reports the object's current page count, used only for
	// diagnostics/assertions; it must not be used to infer ownership.
	Npages() int
}

// Flags records per-page bookkeeping the fault resolver and pager
// consult. It deliberately excludes the modified/referenced bits the
// spec says are queryable-but-unused by this core (spec §6.1).
type Flags uint32

const (
	// ReadOnly marks a page whose every pmap mapping must be read-only
	// regardless of the owning segment's protection — set by
	// set_readonly (spec §4.1) so a subsequent write traps for COW.
	ReadOnly Flags = 1 << iota
)

// Page_t is a physical frame descriptor: the record type of spec §3.
//
// The frame spans 2^Order contiguous base pages; Order is always 0 (a
// single base page) while a page is held by a VM object in this
// core (object pages are never huge pages here — spec Non-goals exclude
// huge-page coalescing beyond the allocator's own runs). kmem's kva_map
// uses Order > 0 directly against the physical allocator, bypassing
// vm objects entirely, which is why Order lives on the frame rather
// than being assumed to be 1.
type Page_t struct {
	// Addr is the physical address of the frame.
	Addr uintptr

	// Order is log2 of the number of contiguous base pages in the run.
	Order uint

	// refcnt is manipulated with atomic ops rather than a lock, mirroring
	// mem.Physmem_t's Refup/Refdown (teacher mem/mem.go).
	refcnt int32

	// Object is a non-owning back-reference to the VM object that
	// currently contains this page, or nil. Offset is meaningful only
	// when Object != nil.
	Object Owner
	Offset int64

	Flags Flags
}

// New wraps a freshly allocated physical frame. The physical allocator
// (out of scope) is expected to hand back a frame with refcount 1,
// matching spec §6.2 ("reference count 1").
func New(addr uintptr, order uint) *Page_t {
	return &Page_t{Addr: addr, Order: order, refcnt: 1}
}

// Ref returns the current reference count.
func (p *Page_t) Ref() int32 {
	return atomic.LoadInt32(&p.refcnt)
}

// Refup acquires one reference on the page.
func (p *Page_t) Refup() {
	if atomic.AddInt32(&p.refcnt, 1) <= 1 {
		panic("page: refup from non-positive refcount")
	}
}

// Refdown releases one reference and reports whether it reached zero
// (the caller must then return the frame to the physical allocator).
func (p *Page_t) Refdown() bool {
	c := atomic.AddInt32(&p.refcnt, -1)
	if c < 0 {
		panic("page: refcount underflow")
	}
	return c == 0
}

// Aligned reports whether off is page-aligned, an invariant the spec
// requires of every page's offset (spec §8 property 1).
func Aligned(off int64) bool {
	return off&Offset == 0
}

// Floor rounds va down to the containing page boundary.
func Floor(va uintptr) uintptr {
	return va &^ uintptr(Offset)
}

// Ceil rounds sz up to a whole number of pages.
func Ceil(sz uintptr) uintptr {
	return Floor(sz + uintptr(Offset))
}

// Allocator is the physical page allocator contract consumed by package
// kmem and by vm object pagers (spec §6.2). It is implemented outside
// this core in a real kernel; package pmap ships an in-memory Allocator
// used only by tests.
type Allocator interface {
	// Alloc returns a fresh frame spanning 2^order base pages, or nil on
	// exhaustion.
	Alloc(order uint) *Page_t
	// Free returns a frame with a zero refcount to the free pool.
	Free(p *Page_t)
	// Find returns the frame owning the given physical address, or nil.
	Find(addr uintptr) *Page_t
}
