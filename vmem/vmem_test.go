package vmem

import (
	"testing"

	"vmcore/errno"
)

func TestAllocFirstFit(t *testing.T) {
	a := New("test", 0x1000)
	a.Add(0x1000, 0x4000) // [0x1000, 0x5000)

	addr, err := a.Alloc(0x1000, 0)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	if addr != 0x1000 {
		t.Fatalf("alloc = %#x, want %#x", addr, 0x1000)
	}

	addr2, err := a.Alloc(0x1000, 0)
	if err != 0 {
		t.Fatalf("alloc 2: %v", err)
	}
	if addr2 != 0x2000 {
		t.Fatalf("alloc 2 = %#x, want %#x", addr2, 0x2000)
	}
}

func TestAllocRejectsUnalignedSize(t *testing.T) {
	a := New("test", 0x1000)
	a.Add(0, 0x4000)
	if _, err := a.Alloc(0x123, 0); err != errno.EINVAL {
		t.Fatalf("unaligned alloc: got %v, want EINVAL", err)
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := New("test", 0x1000)
	a.Add(0, 0x1000)
	if _, err := a.Alloc(0x1000, 0); err != 0 {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := a.Alloc(0x1000, 0); err != errno.ENOMEM {
		t.Fatalf("exhausted alloc: got %v, want ENOMEM", err)
	}
}

func TestFreeCoalescesWithNeighbors(t *testing.T) {
	a := New("test", 0x1000)
	a.Add(0, 0x3000)

	p1, _ := a.Alloc(0x1000, 0)
	p2, _ := a.Alloc(0x1000, 0)
	p3, _ := a.Alloc(0x1000, 0)
	if _, err := a.Alloc(0x1000, 0); err != errno.ENOMEM {
		t.Fatal("arena should be fully allocated")
	}

	a.Free(p2, 0x1000)
	if got := a.Len(); got != 1 {
		t.Fatalf("after freeing middle block, Len = %d, want 1", got)
	}
	a.Free(p1, 0x1000)
	a.Free(p3, 0x1000)
	if got := a.Len(); got != 1 {
		t.Fatalf("after freeing all blocks, Len = %d, want 1 (fully coalesced)", got)
	}

	// the arena must now satisfy the original whole-range request again
	if _, err := a.Alloc(0x3000, 0); err != 0 {
		t.Fatalf("realloc of coalesced range: %v", err)
	}
}

func TestAddCoalescesDisjointSeeds(t *testing.T) {
	a := New("test", 0x1000)
	a.Add(0x2000, 0x1000) // [0x2000,0x3000)
	a.Add(0x0000, 0x1000) // [0x0000,0x1000) - disjoint, gap at [0x1000,0x2000)
	if got := a.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2 disjoint extents", got)
	}
	a.Add(0x1000, 0x1000) // fills the gap, should coalesce into one
	if got := a.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1 after filling the gap", got)
	}
}
