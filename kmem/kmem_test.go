package kmem

import (
	"testing"

	"vmcore/config"
	"vmcore/page"
	"vmcore/pmap"
)

func testKVA(t *testing.T) (*KVA, *pmap.FakeAllocator, *pmap.FakePmap) {
	t.Helper()
	boot := config.Default()
	alloc := pmap.NewFakeAllocator()
	kpmap := pmap.NewFakePmap(alloc)
	return New(boot, alloc, kpmap, kpmap), alloc, kpmap
}

func TestKvaAllocFree(t *testing.T) {
	k, _, _ := testKVA(t)

	va := k.KvaAlloc(4 * page.Size)
	if va == 0 {
		t.Fatal("kva_alloc failed on fresh arena")
	}
	if va%page.Size != 0 {
		t.Fatalf("unaligned va %#x", va)
	}

	va2 := k.KvaAlloc(4 * page.Size)
	if va2 == va {
		t.Fatal("kva_alloc returned overlapping range")
	}

	k.KvaFree(va, 4*page.Size)
	k.KvaFree(va2, 4*page.Size)

	// after freeing both, the arena should be able to satisfy a bigger
	// request spanning the coalesced space
	big := k.KvaAlloc(8 * page.Size)
	if big == 0 {
		t.Fatal("kva_alloc failed after coalescing frees")
	}
}

func TestKvaMapUnmap(t *testing.T) {
	k, _, kp := testKVA(t)

	size := uintptr(3 * page.Size)
	va := k.KvaAlloc(size)
	if va == 0 {
		t.Fatal("kva_alloc failed")
	}
	k.KvaMap(va, size, Zero)

	for off := uintptr(0); off < size; off += page.Size {
		pa, ok := kp.Extract(va + off)
		if !ok {
			t.Fatalf("page at %#x not mapped after kva_map", va+off)
		}
		if pa == 0 {
			t.Fatalf("zero physical address mapped at %#x", va+off)
		}
	}

	k.KvaUnmap(va, size)
	for off := uintptr(0); off < size; off += page.Size {
		if _, ok := kp.Extract(va + off); ok {
			t.Fatalf("page at %#x still mapped after kva_unmap", va+off)
		}
	}
	k.KvaFree(va, size)
}

func TestKmemAllocFree(t *testing.T) {
	k, _, kp := testKVA(t)

	va := k.KmemAlloc(2*page.Size, 0)
	if va == 0 {
		t.Fatal("kmem_alloc failed")
	}
	if _, ok := kp.Extract(va); !ok {
		t.Fatal("kmem_alloc did not establish a mapping")
	}
	k.KmemFree(va, 2*page.Size)
	if _, ok := kp.Extract(va); ok {
		t.Fatal("kmem_free left a stale mapping")
	}

	// the range must be reusable once fully freed
	va2 := k.KmemAlloc(2*page.Size, 0)
	if va2 == 0 {
		t.Fatal("kmem_alloc failed to reuse freed range")
	}
}

func TestKmemMapDoesNotTouchAllocator(t *testing.T) {
	k, alloc, kp := testKVA(t)

	// a device-memory-like physical range the allocator never produced
	const devicePA = 0x1000_0000

	va := k.KmemMap(devicePA, page.Size)
	if va == 0 {
		t.Fatal("kmem_map failed")
	}
	pa, ok := kp.Extract(va)
	if !ok || pa != devicePA {
		t.Fatalf("kmem_map mapped %#x, want %#x", pa, devicePA)
	}
	if alloc.Find(devicePA) != nil {
		t.Fatal("kmem_map must not register the range with the physical allocator")
	}
}
