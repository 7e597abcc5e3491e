package fault

import (
	"testing"

	"vmcore/errno"
	"vmcore/page"
	"vmcore/pmap"
	"vmcore/vmmap"
	"vmcore/vmobject"
)

func newMap(t *testing.T, min, max uintptr) (*vmmap.Map, *pmap.FakeAllocator, *pmap.FakePmap) {
	t.Helper()
	alloc := pmap.NewFakeAllocator()
	kp := pmap.NewFakePmap(alloc)
	return vmmap.New(min, max, kp), alloc, kp
}

// TestRedzoneScenario mirrors
// original_source/sys/tests/vm_map.c's paging_on_demand_and_memory_
// protection_demo: a writable data segment flanked by two VM_PROT_NONE
// redzones.
func TestRedzoneScenario(t *testing.T) {
	const (
		preStart = 0x1000000
		start    = 0x1001000
		end      = 0x1003000
		postEnd  = 0x1004000
	)
	m, alloc, kp := newMap(t, 0, 0x2000000)

	redzonePre := vmobject.New(vmobject.Dummy, alloc, kp)
	if err := m.Insert(&vmmap.Segment{Start: preStart, End: start, Prot: pmap.ProtNone, Object: redzonePre}, vmmap.Fixed); err != 0 {
		t.Fatalf("insert pre redzone: %v", err)
	}

	data := vmobject.New(vmobject.Anonymous, alloc, kp)
	if err := m.Insert(&vmmap.Segment{Start: start, End: end, Prot: pmap.ProtRead | pmap.ProtWrite, Object: data}, vmmap.Fixed); err != 0 {
		t.Fatalf("insert data segment: %v", err)
	}

	redzonePost := vmobject.New(vmobject.Dummy, alloc, kp)
	if err := m.Insert(&vmmap.Segment{Start: end, End: postEnd, Prot: pmap.ProtNone, Object: redzonePost}, vmmap.Fixed); err != 0 {
		t.Fatalf("insert post redzone: %v", err)
	}

	for va := uintptr(start); va < end; va += page.Size {
		if sig := Resolve(m, va, pmap.ProtWrite); sig != errno.SigNone {
			t.Fatalf("fault at %#x in data segment: %v", va, sig)
		}
	}

	if sig := Resolve(m, preStart, pmap.ProtRead); sig != errno.SigSegvProtection {
		t.Fatalf("fault in preceding redzone: got %v, want protection violation", sig)
	}
	if sig := Resolve(m, postEnd, pmap.ProtRead); sig != errno.SigSegvNoMapping {
		t.Fatalf("fault past post redzone: got %v, want no mapping", sig)
	}
}

func TestWriteToReadOnlySegmentSignals(t *testing.T) {
	m, alloc, kp := newMap(t, 0, 0x100000)
	obj := vmobject.New(vmobject.Anonymous, alloc, kp)
	if err := m.Insert(&vmmap.Segment{Start: 0x1000, End: 0x2000, Prot: pmap.ProtRead, Object: obj}, vmmap.Fixed); err != 0 {
		t.Fatalf("insert: %v", err)
	}

	if sig := Resolve(m, 0x1000, pmap.ProtRead); sig != errno.SigNone {
		t.Fatalf("read fault: %v", sig)
	}
	if sig := Resolve(m, 0x1000, pmap.ProtWrite); sig != errno.SigSegvProtection {
		t.Fatalf("write to read-only segment: got %v, want protection violation", sig)
	}
}

// TestForkCopyOnWriteScenario reproduces spec §8's S3 end to end
// through the real map/fault/object stack: a parent map forks over a
// writable anonymous segment, and the first write from either side
// produces an independent private copy while the other side's view is
// left untouched.
func TestForkCopyOnWriteScenario(t *testing.T) {
	const (
		segStart = 0x10000000
		segEnd   = 0x30000000
		off      = 0x10001000
	)
	alloc := pmap.NewFakeAllocator()
	parentPmap := pmap.NewFakePmap(alloc)
	m := vmmap.New(0, 0x40000000, parentPmap)

	obj := vmobject.New(vmobject.Anonymous, alloc, parentPmap)
	if err := m.Insert(&vmmap.Segment{Start: segStart, End: segEnd, Prot: pmap.ProtRead | pmap.ProtWrite, Object: obj}, vmmap.Fixed); err != 0 {
		t.Fatalf("insert: %v", err)
	}

	if sig := Resolve(m, off, pmap.ProtWrite); sig != errno.SigNone {
		t.Fatalf("initial write fault: %v", sig)
	}
	a := obj.FindPage(int64(off - segStart))
	if a == nil {
		t.Fatal("page A not resident after the initial write")
	}

	childPmap := pmap.NewFakePmap(alloc)
	child := m.Fork(childPmap, alloc, parentPmap)

	parentSeg := m.FindSegment(off)
	childSeg := child.FindSegment(off)
	if parentSeg.Object == obj || childSeg.Object == obj {
		t.Fatal("fork must install a private shadow over the backing object on both sides")
	}

	// child reads 0x10001000: sees A's content, copied into its shadow.
	if sig := Resolve(child, off, pmap.ProtRead); sig != errno.SigNone {
		t.Fatalf("child read fault: %v", sig)
	}
	childPg := childSeg.Object.FindPage(int64(off - segStart))
	if childPg == nil || alloc.Bytes(childPg)[0] != alloc.Bytes(a)[0] {
		t.Fatal("child's read-through copy did not inherit A's content")
	}

	// child writes 0xDEAD.
	if sig := Resolve(child, off, pmap.ProtWrite); sig != errno.SigNone {
		t.Fatalf("child write fault: %v", sig)
	}
	alloc.Bytes(childPg)[0] = 0xDE
	alloc.Bytes(childPg)[1] = 0xAD

	// parent read still yields the original content.
	if sig := Resolve(m, off, pmap.ProtRead); sig != errno.SigNone {
		t.Fatalf("parent read fault: %v", sig)
	}
	parentPg := parentSeg.Object.FindPage(int64(off - segStart))
	if parentPg == nil || parentPg == childPg {
		t.Fatal("parent must get its own page, independent of the child's")
	}
	if alloc.Bytes(parentPg)[0] == 0xDE {
		t.Fatal("child's write leaked into the parent's view")
	}

	// parent write yields a second independent copy, distinct from both
	// the original backing page and the child's copy.
	if sig := Resolve(m, off, pmap.ProtWrite); sig != errno.SigNone {
		t.Fatalf("parent write fault: %v", sig)
	}
	parentPg2 := parentSeg.Object.FindPage(int64(off - segStart))
	if parentPg2 == a || parentPg2 == childPg {
		t.Fatal("parent's copy must remain independent of both the backing page and the child's copy")
	}
}

func TestFaultAfterMunmapSignalsNoMapping(t *testing.T) {
	m, alloc, kp := newMap(t, 0, 0x100000)
	obj := vmobject.New(vmobject.Anonymous, alloc, kp)
	seg := &vmmap.Segment{Start: 0x1000, End: 0x4000, Prot: pmap.ProtRead | pmap.ProtWrite, Object: obj}
	if err := m.Insert(seg, vmmap.Fixed); err != 0 {
		t.Fatalf("insert: %v", err)
	}
	if sig := Resolve(m, 0x2000, pmap.ProtWrite); sig != errno.SigNone {
		t.Fatalf("fault before unmap: %v", sig)
	}
	if err := m.Delete(0x1000, 0x4000); err != 0 {
		t.Fatalf("delete: %v", err)
	}
	if sig := Resolve(m, 0x2000, pmap.ProtWrite); sig != errno.SigSegvNoMapping {
		t.Fatalf("fault after unmap: got %v, want no mapping", sig)
	}
}
