// Package kmem is the kernel virtual-address layer of spec §4 item 2 /
// §4.6: kva_alloc/kva_map/kva_unmap/kva_free and kmem_alloc/kmem_free/
// kmem_map built on top of package vmem plus the physical allocator and
// pmap contracts. It is a direct port of
// original_source/sys/kern/kmem.c's init_kmem/kva_alloc/kva_map/
// kva_unmap/kmem_alloc/kmem_free/kmem_map, down to the "allocate the
// largest power-of-two run that still fits" loop in kva_map.
package kmem

import (
	"vmcore/config"
	"vmcore/klog"
	"vmcore/page"
	"vmcore/pmap"
	"vmcore/vmem"
)

// Flags mirrors kmem_flags_t.
type Flags uint

const (
	// Zero requests the mapped range be cleared after kva_map installs it.
	Zero Flags = 1 << iota
)

// KVA is the kernel virtual-address layer: one process-wide instance is
// expected to be created at boot (spec §9 "Global state"), seeded from
// the kernel VA range minus the statically occupied kernel image.
type KVA struct {
	arena *vmem.Arena
	alloc page.Allocator
	kops  pmap.KernelOps
	pops  pmap.PageOps
}

// New creates the kernel VA arena from boot configuration and seeds it
// with the kernel range minus the kernel image, mirroring init_kmem:
//
//	if KERNEL_SPACE_BEGIN < (vaddr_t)__kernel_start
//	  vmem_add(kvspace, KERNEL_SPACE_BEGIN, __kernel_start-KERNEL_SPACE_BEGIN)
//	vmem_add(kvspace, vm_kernel_end, KERNEL_SPACE_END-vm_kernel_end)
func New(boot config.Boot, alloc page.Allocator, kops pmap.KernelOps, pops pmap.PageOps) *KVA {
	arena := vmem.New("kvspace", page.Size)
	if boot.KernelVAStart < boot.KernelImageStart {
		arena.Add(uintptr(boot.KernelVAStart), uintptr(boot.KernelImageStart-boot.KernelVAStart))
	}
	if boot.KernelImageEnd < boot.KernelVAEnd {
		arena.Add(uintptr(boot.KernelImageEnd), uintptr(boot.KernelVAEnd-boot.KernelImageEnd))
	}
	return &KVA{arena: arena, alloc: alloc, kops: kops, pops: pops}
}

func kickSwapper() {
	klog.For(klog.KMEM).Panic("cannot allocate more kernel memory: swapper not implemented")
}

// KvaAlloc reserves size bytes of kernel virtual address space without
// backing it with physical memory. size must be page-aligned. Returns 0
// on failure (spec §4.6).
func (k *KVA) KvaAlloc(size uintptr) uintptr {
	if size%page.Size != 0 {
		panic("kmem: kva_alloc: unaligned size")
	}
	start, err := k.arena.Alloc(size, vmem.NoGrow)
	if err != 0 {
		return 0
	}
	return start
}

// KvaFree returns a range reserved by KvaAlloc. ptr and size must be
// page-aligned.
func (k *KVA) KvaFree(ptr, size uintptr) {
	if ptr%page.Size != 0 || size%page.Size != 0 {
		panic("kmem: kva_free: unaligned range")
	}
	k.arena.Free(ptr, size)
}

// KvaMap backs an already-reserved virtual range with physical pages,
// allocated in the largest power-of-two runs that fit (largest to
// smallest, exactly as kva_map's "pagecnt := 1 << log2(npages)" loop
// does), entering each with pmap_kenter at kernel RW. If flags has Zero
// set the whole range is cleared afterward.
func (k *KVA) KvaMap(ptr, size uintptr, flags Flags) {
	if size%page.Size != 0 {
		panic("kmem: kva_map: unaligned size")
	}
	npages := size / page.Size
	va := ptr
	for npages > 0 {
		order := log2(npages)
		pagecnt := uintptr(1) << order
		pg := k.alloc.Alloc(order)
		if pg == nil {
			kickSwapper()
			return
		}
		for i := uintptr(0); i < pagecnt; i++ {
			k.kops.Kenter(va+page.Size*i, pg.Addr+page.Size*i, pmap.ProtRead|pmap.ProtWrite, 0)
		}
		npages -= pagecnt
		va += pagecnt * page.Size
	}
	if flags&Zero != 0 {
		zeroRange(k, ptr, size)
	}
}

func zeroRange(k *KVA, ptr, size uintptr) {
	for va := ptr; va < ptr+size; va += page.Size {
		pa, ok := k.kops.Kextract(va)
		if !ok {
			continue
		}
		pg := k.alloc.Find(pa)
		if pg != nil {
			k.pops.ZeroPage(pg)
		}
	}
}

// log2 returns floor(log2(n)) for n >= 1.
func log2(n uintptr) uint {
	var o uint
	for n > 1 {
		n >>= 1
		o++
	}
	return o
}

// kvaFindPage mirrors kva_find_page: translate va through the kernel
// pmap, then resolve the owning frame from the physical allocator.
func (k *KVA) kvaFindPage(va uintptr) *page.Page_t {
	pa, ok := k.kops.Kextract(va)
	if !ok {
		return nil
	}
	return k.alloc.Find(pa)
}

// KvaUnmap walks [ptr, ptr+size), releasing each backing frame and
// removing the kernel mapping, mirroring kva_unmap.
func (k *KVA) KvaUnmap(ptr, size uintptr) {
	if ptr%page.Size != 0 || size%page.Size != 0 {
		panic("kmem: kva_unmap: unaligned range")
	}
	va := ptr
	end := ptr + size
	for va < end {
		pg := k.kvaFindPage(va)
		if pg == nil {
			panic("kmem: kva_unmap: unmapped page in range")
		}
		pagecnt := uintptr(1) << pg.Order
		va += pagecnt * page.Size
		if pg.Refdown() {
			k.alloc.Free(pg)
		}
	}
	k.kops.Kremove(ptr, end-ptr)
}

// KmemAlloc is kva_alloc + kva_map: reserve and back size bytes of
// kernel memory, panicking (via the swapper stub) on exhaustion since
// this path must not fail (spec §7).
func (k *KVA) KmemAlloc(size uintptr, flags Flags) uintptr {
	if size%page.Size != 0 {
		panic("kmem: kmem_alloc: unaligned size")
	}
	start, err := k.arena.Alloc(size, vmem.NoGrow)
	if err != 0 {
		kickSwapper()
		return 0
	}
	k.KvaMap(start, size, flags)
	return start
}

// KmemFree reverses KmemAlloc: unmap then release the virtual range.
func (k *KVA) KmemFree(ptr, size uintptr) {
	klog.For(klog.KMEM).WithField("size", size).Debug("free")
	k.KvaUnmap(ptr, size)
	k.arena.Free(ptr, size)
}

// KmemMap produces a kernel mapping of an externally owned physical
// range (e.g. device memory): it reserves virtual space but never
// touches the physical allocator, matching kmem_map's contract.
func (k *KVA) KmemMap(pa, size uintptr) uintptr {
	if pa%page.Size != 0 || size%page.Size != 0 {
		panic("kmem: kmem_map: unaligned range")
	}
	start, err := k.arena.Alloc(size, vmem.NoGrow)
	if err != 0 {
		kickSwapper()
		return 0
	}
	klog.For(klog.KMEM).WithFields(map[string]interface{}{
		"pa": pa, "size": size, "va": start,
	}).Debug("map")
	for off := uintptr(0); off < size; off += page.Size {
		k.kops.Kenter(start+off, pa+off, pmap.ProtRead|pmap.ProtWrite, 0)
	}
	return start
}
