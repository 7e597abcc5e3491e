package pmap

import (
	"sync"

	"vmcore/page"
)

// FakeAllocator is a reference implementation of page.Allocator used by
// tests and by any harness that wants a working VM core without real
// hardware. It is the test-only stand-in for the physical allocator the
// spec places out of scope (§1, §6.2); production code plugs in a real
// one instead.
//
// Frames are addressed by a monotonically increasing counter rather
// than a real physical address, and each frame's bytes live in an
// ordinary Go slice, which is what lets Bytes() give callers something
// to read and write — the fake's equivalent of biscuit's direct map
// (mem.Physmem_t.Dmap in the teacher's mem/mem.go).
type FakeAllocator struct {
	mu       sync.Mutex
	next     uintptr
	frames   map[uintptr]*page.Page_t
	content  map[uintptr][]byte
	watchers []*FakePmap
}

// NewFakeAllocator returns an empty allocator. next starts at page.Size so that
// a zero address can still mean "no mapping" in callers that use 0 as a
// sentinel.
func NewFakeAllocator() *FakeAllocator {
	return &FakeAllocator{
		next:    uintptr(page.Size),
		frames:  make(map[uintptr]*page.Page_t),
		content: make(map[uintptr][]byte),
	}
}

func (a *FakeAllocator) Alloc(order uint) *page.Page_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := a.next
	a.next += uintptr(page.Size) << order
	pg := page.New(addr, order)
	a.frames[addr] = pg
	a.content[addr] = make([]byte, uintptr(page.Size)<<order)
	return pg
}

func (a *FakeAllocator) Free(p *page.Page_t) {
	if p.Ref() != 0 {
		panic("pmap: freeing a page with nonzero refcount")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.frames, p.Addr)
	delete(a.content, p.Addr)
}

func (a *FakeAllocator) Find(addr uintptr) *page.Page_t {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frames[addr]
}

// Bytes exposes pg's backing storage, the fake's equivalent of a direct
// map: the only place in this module that a page's content is touched.
func (a *FakeAllocator) Bytes(pg *page.Page_t) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.content[pg.Addr]
	if !ok {
		panic("pmap: unknown page")
	}
	return b
}

// FakePmap implements Pmap, PageOps and KernelOps against a FakeAllocator.
// Distinct FakePmap values sharing the same FakeAllocator behave like
// distinct address spaces mapping the same physical memory, exactly as
// parent and child do after fork.
type FakePmap struct {
	alloc *FakeAllocator

	mu      sync.Mutex
	entries map[uintptr]fakeEntry
	active  bool
}

type fakeEntry struct {
	pa       uintptr
	prot     Prot
	readonly bool
}

// NewFakePmap creates a new, empty address space over alloc.
func NewFakePmap(alloc *FakeAllocator) *FakePmap {
	p := &FakePmap{alloc: alloc, entries: make(map[uintptr]fakeEntry)}
	alloc.mu.Lock()
	alloc.watchers = append(alloc.watchers, p)
	alloc.mu.Unlock()
	return p
}

func (p *FakePmap) Enter(va uintptr, pg *page.Page_t, prot Prot, flags EnterFlags) {
	va = page.Floor(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[va] = fakeEntry{pa: pg.Addr, prot: prot}
	if flags&Zero != 0 {
		b := p.alloc.Bytes(pg)
		for i := range b {
			b[i] = 0
		}
	}
}

func (p *FakePmap) Extract(va uintptr) (uintptr, bool) {
	va = page.Floor(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[va]
	if !ok {
		return 0, false
	}
	return e.pa, true
}

func (p *FakePmap) Remove(start, end uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for va := page.Floor(start); va < end; va += uintptr(page.Size) {
		delete(p.entries, va)
	}
}

func (p *FakePmap) Protect(start, end uintptr, prot Prot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for va := page.Floor(start); va < end; va += uintptr(page.Size) {
		if e, ok := p.entries[va]; ok {
			e.prot = prot
			p.entries[va] = e
		}
	}
}

func (p *FakePmap) Activate() {
	p.mu.Lock()
	p.active = true
	p.mu.Unlock()
}

// ProtAt returns the protection currently in effect at va (read-only
// override applied), used by tests to assert on mapping state without
// reaching into the pmap's internals.
func (p *FakePmap) ProtAt(va uintptr) (Prot, bool) {
	va = page.Floor(va)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[va]
	if !ok {
		return 0, false
	}
	prot := e.prot
	if e.readonly {
		prot &^= ProtWrite
	}
	return prot, true
}

func (p *FakePmap) ZeroPage(pg *page.Page_t) {
	b := p.alloc.Bytes(pg)
	for i := range b {
		b[i] = 0
	}
}

func (p *FakePmap) CopyPage(src, dst *page.Page_t) {
	copy(p.alloc.Bytes(dst), p.alloc.Bytes(src))
}

// SetPageReadonly downgrades every mapping of pg across every FakePmap
// built on the same allocator. The fake tracks this per-pmap-per-va
// rather than per global page table, so it walks its own entries; a
// realistic pmap driver would instead walk the page's own mapping list.
// Tests construct scenarios where all sharing pmaps are reachable, so
// SetPageReadonly is a method on the allocator instead of a single pmap.
func (a *FakeAllocator) SetPageReadonly(pg *page.Page_t) {
	a.mu.Lock()
	pmaps := a.watchers
	a.mu.Unlock()
	for _, p := range pmaps {
		p.mu.Lock()
		for va, e := range p.entries {
			if e.pa == pg.Addr {
				e.readonly = true
				p.entries[va] = e
			}
		}
		p.mu.Unlock()
	}
}

func (a *FakeAllocator) ClearPageReadonly(pg *page.Page_t) {
	a.mu.Lock()
	pmaps := a.watchers
	a.mu.Unlock()
	for _, p := range pmaps {
		p.mu.Lock()
		for va, e := range p.entries {
			if e.pa == pg.Addr {
				e.readonly = false
				p.entries[va] = e
			}
		}
		p.mu.Unlock()
	}
}

func (p *FakePmap) Kenter(va, pa uintptr, prot Prot, flags EnterFlags) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[page.Floor(va)] = fakeEntry{pa: pa, prot: prot}
}

func (p *FakePmap) Kremove(va uintptr, size uintptr) {
	p.Remove(va, va+size)
}

func (p *FakePmap) Kextract(va uintptr) (uintptr, bool) {
	return p.Extract(va)
}

// SetPageReadonly and ClearPageReadonly satisfy PageOps by delegating
// to the shared allocator, which is what actually tracks every pmap
// that maps a given frame.
func (p *FakePmap) SetPageReadonly(pg *page.Page_t) {
	p.alloc.SetPageReadonly(pg)
}

func (p *FakePmap) ClearPageReadonly(pg *page.Page_t) {
	p.alloc.ClearPageReadonly(pg)
}
