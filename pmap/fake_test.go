package pmap

import "testing"

func TestFakePmapEnterExtractRemove(t *testing.T) {
	alloc := NewFakeAllocator()
	pm := NewFakePmap(alloc)

	pg := alloc.Alloc(0)
	pm.Enter(0x1000, pg, ProtRead|ProtWrite, 0)

	pa, ok := pm.Extract(0x1000)
	if !ok || pa != pg.Addr {
		t.Fatalf("extract after enter: pa=%#x ok=%v, want %#x true", pa, ok, pg.Addr)
	}

	pm.Remove(0x1000, 0x2000)
	if _, ok := pm.Extract(0x1000); ok {
		t.Fatal("mapping still present after remove")
	}
}

func TestFakePmapSetPageReadonlyAffectsAllMappers(t *testing.T) {
	alloc := NewFakeAllocator()
	p1 := NewFakePmap(alloc)
	p2 := NewFakePmap(alloc)

	pg := alloc.Alloc(0)
	p1.Enter(0x1000, pg, ProtRead|ProtWrite, 0)
	p2.Enter(0x5000, pg, ProtRead|ProtWrite, 0)

	alloc.SetPageReadonly(pg)

	prot1, _ := p1.ProtAt(0x1000)
	prot2, _ := p2.ProtAt(0x5000)
	if prot1&ProtWrite != 0 || prot2&ProtWrite != 0 {
		t.Fatal("SetPageReadonly did not downgrade every mapping of the shared page")
	}

	alloc.ClearPageReadonly(pg)
	prot1, _ = p1.ProtAt(0x1000)
	prot2, _ = p2.ProtAt(0x5000)
	if prot1&ProtWrite == 0 || prot2&ProtWrite == 0 {
		t.Fatal("ClearPageReadonly did not restore write access")
	}
}

func TestFakeAllocatorBytesPersist(t *testing.T) {
	alloc := NewFakeAllocator()
	pg := alloc.Alloc(0)
	b := alloc.Bytes(pg)
	b[0] = 42
	if alloc.Bytes(pg)[0] != 42 {
		t.Fatal("frame contents did not persist across Bytes calls")
	}
}

func TestProtSubset(t *testing.T) {
	if !(ProtRead | ProtWrite).Subset(ProtRead) {
		t.Error("RW must be a superset of R")
	}
	if ProtRead.Subset(ProtWrite) {
		t.Error("R must not be a superset of W")
	}
}
