// Package vmem is the boundary-tag virtual-address-range allocator of
// spec §4 item 1: it tracks free extents of a numeric address space and
// hands out aligned sub-ranges on request. It is grounded directly on
// original_source/sys/kern/kmem.c's use of a Bonwick-style vmem_t
// ("vmem_create", "vmem_add", "vmem_alloc(..., M_NOGROW)",
// "vmem_free") — package kmem builds the kernel VA layer on top of this
// exactly the way kmem.c does.
//
// Free space is kept as a list of disjoint [start, end) extents sorted
// by start address. Allocation and free are O(n) in the number of free
// extents, which is adequate for the handful of seed ranges and
// long-lived allocations a kernel VA arena carries; a quantum-caching
// slab layer (as real vmem implementations add) is outside this core's
// scope.
package vmem

import (
	"fmt"
	"sort"
	"sync"

	"vmcore/errno"
	"vmcore/klog"
)

// Flags mirrors kmem_flags_t / the M_* flags passed to vmem_alloc.
type Flags uint

const (
	// NoGrow requests that Alloc fail with NoMemory rather than try to
	// add backing store when no extent is large enough. This core never
	// grows an arena automatically (spec §4.6: "On allocator exhaustion
	// the core panics" for the no-growth kernel paths, or returns
	// NoMemory at syscall scope), so every allocation in practice
	// behaves as if NoGrow were set; the flag is kept for fidelity with
	// the original call sites.
	NoGrow Flags = 1 << iota
)

type extent struct {
	start, end uintptr // [start, end)
}

func (e extent) len() uintptr { return e.end - e.start }

// Arena is a single boundary-tag address-range allocator.
type Arena struct {
	name    string
	quantum uintptr

	mu   sync.Mutex
	free []extent // sorted by start, pairwise disjoint and non-adjacent
}

// New creates an empty arena. quantum is the minimum alignment unit for
// both the base of Add'ed ranges and for allocation sizes; kmem always
// passes the page size, matching "vmem_create(\"kvspace\", PAGESIZE)".
func New(name string, quantum uintptr) *Arena {
	if quantum == 0 {
		panic("vmem: zero quantum")
	}
	return &Arena{name: name, quantum: quantum}
}

// Add seeds the arena with an additional disjoint free range
// [base, base+size). vmem supports multiple disjoint seed ranges (spec
// §4 item 1); kmem.c calls Add twice, once for the hole before the
// kernel image and once for the range after it.
func (a *Arena) Add(base, size uintptr) {
	if size == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.insertFree(extent{start: base, end: base + size})
	klog.For(klog.ARENA).WithFields(map[string]interface{}{
		"arena": a.name, "base": fmt.Sprintf("%#x", base), "size": size,
	}).Debug("seeded")
}

// insertFree inserts e into a.free, coalescing with adjacent extents.
// Caller holds a.mu.
func (a *Arena) insertFree(e extent) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].start >= e.start })
	a.free = append(a.free, extent{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = e

	// merge with successor
	if i+1 < len(a.free) && a.free[i].end == a.free[i+1].start {
		a.free[i].end = a.free[i+1].end
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	// merge with predecessor
	if i > 0 && a.free[i-1].end == a.free[i].start {
		a.free[i-1].end = a.free[i].end
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Alloc returns the lowest-addressed free range of size bytes, or
// NoMemory if none fits. size must already be a multiple of the
// arena's quantum (kva_alloc asserts page_aligned_p(size) before
// calling through).
func (a *Arena) Alloc(size uintptr, flags Flags) (uintptr, errno.Err_t) {
	if size == 0 || size%a.quantum != 0 {
		return 0, errno.EINVAL
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, e := range a.free {
		if e.len() >= size {
			start := e.start
			if e.len() == size {
				a.free = append(a.free[:i], a.free[i+1:]...)
			} else {
				a.free[i].start += size
			}
			return start, 0
		}
	}
	return 0, errno.ENOMEM
}

// Free returns [addr, addr+size) to the arena, coalescing with any
// neighboring free extents.
func (a *Arena) Free(addr, size uintptr) {
	if size == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.insertFree(extent{start: addr, end: addr + size})
}

// Len reports the number of disjoint free extents, used by tests to
// assert on coalescing behavior.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.free)
}
