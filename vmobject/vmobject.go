// Package vmobject implements the VM object of spec §2: an
// offset-indexed, shadow-linked, reference-counted container of pages,
// together with its three pager strategies. It is grounded directly on
// original_source/sys/kern/vm_object.c and vm_pager.c, carried over
// into Go in the style of biscuit's mem.Pg_t/mem.Physmem_t reference
// counting (teacher mem/mem.go) but replacing the TAILQ page list with
// an offset-ordered github.com/google/btree.BTreeG, which gives
// find/insert/remove-range the same O(log n) behavior the original's
// linear TAILQ walk only approximates for small objects.
package vmobject

import (
	"sync"

	"github.com/google/btree"
	"golang.org/x/sync/singleflight"

	"vmcore/page"
	"vmcore/pmap"
)

// Kind selects a pager strategy, mirroring vm_pgr_type_t.
type Kind int

const (
	Dummy Kind = iota
	Anonymous
	Shadow
)

// entry is one slot of the offset-ordered page index.
type entry struct {
	offset int64
	page   *page.Page_t
}

func entryLess(a, b entry) bool { return a.offset < b.offset }

// Object is a VM object: spec §2's "Object". The zero value is not
// usable; build one with New.
type Object struct {
	kind Kind

	mu     sync.RWMutex // guards pages, shadow, shadows, refs
	pages  *btree.BTreeG[entry]
	npages int

	refs int32

	// shadow is the backing object this one was cloned from (nil for a
	// non-shadow object), shadows is the reverse list used by merge-on-
	// last-reference (spec §4.2 / original's shadows_list).
	shadow  *Object
	shadows []*Object

	pops pmap.PageOps
	palc page.Allocator

	// sf serializes concurrent faults on the same (object, offset) pair,
	// the Go analogue of the original's prev_obj/prev_offset/prev_proc
	// reentrancy assertion in shadow_pager_fault — instead of asserting
	// the races can't happen, we make them not happen.
	sf singleflight.Group
}

// New allocates an object of the given pager kind with one reference,
// matching vm_object_alloc's ref_counter = 1.
func New(kind Kind, palc page.Allocator, pops pmap.PageOps) *Object {
	return &Object{
		kind:  kind,
		pages: btree.NewG(32, entryLess),
		refs:  1,
		palc:  palc,
		pops:  pops,
	}
}

// Npages reports the number of pages currently resident, satisfying
// page.Owner.
func (o *Object) Npages() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.npages
}

// Ref acquires an additional reference on the object.
func (o *Object) Ref() {
	o.mu.Lock()
	o.refs++
	o.mu.Unlock()
}

// findPageLocked is vm_object_find_page_nolock.
func (o *Object) findPageLocked(offset int64) *page.Page_t {
	if pg, ok := o.pages.Get(entry{offset: offset}); ok {
		return pg.page
	}
	return nil
}

// FindPage returns the page resident at offset, or nil.
func (o *Object) FindPage(offset int64) *page.Page_t {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.findPageLocked(offset)
}

// addPageLocked is vm_object_add_page_nolock: insert pg at offset,
// taking a reference on it, and assert the slot was empty.
func (o *Object) addPageLocked(offset int64, pg *page.Page_t) {
	if !page.Aligned(offset) {
		panic("vmobject: unaligned page offset")
	}
	if _, exists := o.pages.Get(entry{offset: offset}); exists {
		panic("vmobject: page already present at offset")
	}
	pg.Refup()
	pg.Object = o
	pg.Offset = offset
	o.pages.ReplaceOrInsert(entry{offset: offset, page: pg})
	o.npages++
}

// AddPage is vm_object_add_page.
func (o *Object) AddPage(offset int64, pg *page.Page_t) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.addPageLocked(offset, pg)
}

// removePageLocked is vm_object_remove_page_nolock.
func (o *Object) removePageLocked(pg *page.Page_t) {
	o.pages.Delete(entry{offset: pg.Offset})
	pg.Offset = 0
	pg.Object = nil
	o.npages--
	if pg.Refdown() {
		o.palc.Free(pg)
	}
}

// RemovePage is vm_object_remove_page.
func (o *Object) RemovePage(pg *page.Page_t) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.removePageLocked(pg)
}

// RemoveRange drops every resident page in [offset, offset+length),
// mirroring vm_object_remove_range.
func (o *Object) RemoveRange(offset int64, length int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var victims []*page.Page_t
	o.pages.AscendRange(entry{offset: offset}, entry{offset: offset + length}, func(e entry) bool {
		victims = append(victims, e.page)
		return true
	})
	for _, pg := range victims {
		o.removePageLocked(pg)
	}
}

// SetReadonly downgrades every resident page's mappings to read-only,
// the deferred-copy half of copy-on-write setup (spec §4.1/§4.2),
// mirroring vm_object_set_readonly.
func (o *Object) SetReadonly() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages.Ascend(func(e entry) bool {
		o.pops.SetPageReadonly(e.page)
		return true
	})
}

// bumpPageRefs is the Go name for
// vm_object_increase_pages_references: when a shadow chain is extended
// behind an object whose pages are about to be shared with a brand new
// shadow, every resident page (here and in every object further down
// the chain) needs one more reference to account for the new path that
// can reach it. Supplemented from original_source/sys/kern/
// vm_object.c, which the distilled spec's Clone operation omits.
func (o *Object) bumpPageRefs() {
	o.mu.RLock()
	o.pages.Ascend(func(e entry) bool {
		e.page.Refup()
		return true
	})
	shadow := o.shadow
	o.mu.RUnlock()
	if shadow != nil {
		shadow.bumpPageRefs()
	}
}

// Clone produces a private, eagerly-copied duplicate of obj (the
// original's vm_object_clone, used for hard copies rather than deferred
// shadow COW — e.g. cloning a dummy object's contents).
func Clone(obj *Object, palc page.Allocator, pops pmap.PageOps) *Object {
	newObj := New(Dummy, palc, pops)
	newObj.kind = obj.kind

	obj.mu.RLock()
	defer obj.mu.RUnlock()
	obj.pages.Ascend(func(e entry) bool {
		newPg := palc.Alloc(0)
		pops.CopyPage(e.page, newPg)
		newObj.AddPage(e.offset, newPg)
		return true
	})
	return newObj
}

// Fork implements spec §4.2's fork semantics for a single segment's
// backing object: it splices a fresh shadow above backing for each side
// of the fork (parent keeps using one, the child gets the other) and
// downgrades every resident page to read-only so the first write from
// either side takes the copy-on-write path. bumpPageRefs runs first,
// exactly as original_source/sys/kern/vm_object.c's
// vm_object_increase_pages_references is used ahead of the fork path:
// it bumps every resident page's reference count up the chain before
// the new shadows are spliced in, so a page the pre-fork mapping still
// reaches can't be torn down out from under it mid-splice. Fork
// consumes the caller's own reference on backing (one reference each
// goes to the two new shadows in its place), mirroring the original
// vm_map_entry whose Object field moves off backing entirely once both
// shadows are installed.
func Fork(backing *Object, palc page.Allocator, pops pmap.PageOps) (parent, child *Object) {
	backing.bumpPageRefs()
	backing.SetReadonly()
	parent = NewShadow(backing, palc, pops)
	child = NewShadow(backing, palc, pops)
	backing.Free()
	return parent, child
}

// PageDescriptor is one entry of a Dump, the Go analogue of the
// "offset: 0x..., size: ..." line vm_map_object_dump klogs directly;
// returning descriptors instead lets callers (vmmap.Map.Dump, tests,
// or a future introspection syscall) choose the sink.
type PageDescriptor struct {
	Offset int64
	Size   uintptr
}

// Dump lists every resident page's offset, the Go analogue of
// vm_map_object_dump (supplemented from original_source, spec §9 says
// nothing about introspection but every kernel needs it).
func (o *Object) Dump() []PageDescriptor {
	o.mu.RLock()
	defer o.mu.RUnlock()
	descs := make([]PageDescriptor, 0, o.npages)
	o.pages.Ascend(func(e entry) bool {
		descs = append(descs, PageDescriptor{Offset: e.offset, Size: page.Size})
		return true
	})
	return descs
}

// NewShadow creates a new shadow object sitting in front of backing,
// taking a reference on backing exactly as vm_object_alloc +
// obj->shadow_object = backing would in the original's fork path (the
// distilled spec's Clone operation, §2 "Clone").
func NewShadow(backing *Object, palc page.Allocator, pops pmap.PageOps) *Object {
	backing.mu.Lock()
	backing.refs++
	backing.mu.Unlock()

	shadow := New(Shadow, palc, pops)
	shadow.shadow = backing

	backing.mu.Lock()
	backing.shadows = append(backing.shadows, shadow)
	backing.mu.Unlock()
	return shadow
}

// mergeShadow folds shadow directly into its single remaining shadow
// (elem): elem takes every page of shadow it does not already have,
// along with shadow's backing link and pager kind. This is the
// merge-on-last-reference optimization of spec §4.2,
// grounded on merge_shadow in vm_object.c. Caller holds no locks on
// either object; mergeShadow takes what it needs.
func mergeShadow(shadow *Object) {
	shadow.mu.Lock()
	elems := shadow.shadows
	shadow.mu.Unlock()

	for _, elem := range elems {
		elem.mu.Lock()
		shadow.mu.RLock()
		var steal []entry
		shadow.pages.Ascend(func(e entry) bool {
			if _, ok := elem.pages.Get(entry{offset: e.offset}); !ok {
				steal = append(steal, e)
			}
			return true
		})
		shadow.mu.RUnlock()

		for _, e := range steal {
			elem.pages.ReplaceOrInsert(e)
			elem.npages++
			e.page.Object = elem
		}
		elem.shadow = shadow.shadow
		elem.kind = shadow.kind

		if elem.shadow != nil {
			elem.shadow.mu.Lock()
			elem.shadow.refs++
			elem.shadow.shadows = append(elem.shadow.shadows, elem)
			elem.shadow.mu.Unlock()
		}
		elem.mu.Unlock()
	}

	shadow.mu.Lock()
	shadow.pages = btree.NewG[entry](32, entryLess)
	shadow.npages = 0
	// elem no longer points at shadow (it was repointed to shadow.shadow
	// above), so the reference it held on shadow by virtue of that link
	// is released here. Leaving this out strands shadow at refcount 1
	// forever: Free's own unconditional shadow.Free() call below only
	// accounts for the caller's departing reference, never the merged
	// elem's.
	shadow.refs -= len(elems)
	shadow.mu.Unlock()
}

// Free releases one reference on obj, tearing it down and recursing
// into its shadow chain once the last reference is gone, matching
// vm_object_free. The original source's own comments flag two real
// bugs here (a missing page-refcount release inside merge_shadow, and
// a double vm_object_free(obj->shadow_object) call at the end of this
// function); this port intentionally does not reproduce either: pages
// stolen by mergeShadow keep their single reference, mergeShadow itself
// releases the reference each merged elem held on its old backing, and
// the shadow is freed exactly once.
func (o *Object) Free() {
	o.mu.Lock()
	o.refs--
	if o.refs > 0 {
		o.mu.Unlock()
		return
	}

	var victims []*page.Page_t
	o.pages.Ascend(func(e entry) bool {
		victims = append(victims, e.page)
		return true
	})
	for _, pg := range victims {
		o.removePageLocked(pg)
	}

	shadow := o.shadow
	o.mu.Unlock()

	if shadow == nil {
		return
	}

	shadow.mu.Lock()
	for i, s := range shadow.shadows {
		if s == o {
			shadow.shadows = append(shadow.shadows[:i], shadow.shadows[i+1:]...)
			break
		}
	}
	mergeNow := shadow.refs == 2 && len(shadow.shadows) == 1
	shadow.mu.Unlock()

	if mergeNow {
		mergeShadow(shadow)
	}
	shadow.Free()
}

// Fault resolves a fault at offset against obj, dispatching to the
// pager selected by obj.kind (spec §2's single fault(object, offset)
// operation) and serializing concurrent faults on the same
// (object, offset) pair via singleflight, so two threads racing on one
// fault get one page installed instead of two, which is the
// "shouldn't happen twice" assumption the original enforces with a
// panicking assertion on prev_obj/prev_offset/prev_proc instead of
// actually preventing the race.
func (o *Object) Fault(offset int64) *page.Page_t {
	v, _, _ := o.sf.Do(offsetKey(offset), func() (interface{}, error) {
		if pg := o.findPageLocked0(offset); pg != nil {
			return pg, nil
		}
		return o.fault(offset), nil
	})
	pg, _ := v.(*page.Page_t)
	return pg
}

// findPageLocked0 is FindPage under its own lock, used to make Fault
// idempotent: a second racer that arrives after singleflight already
// resolved the first one must see the now-resident page rather than
// fault it in again.
func (o *Object) findPageLocked0(offset int64) *page.Page_t {
	return o.FindPage(offset)
}

func offsetKey(offset int64) string {
	var buf [20]byte
	n := len(buf)
	if offset == 0 {
		return "0"
	}
	neg := offset < 0
	u := uint64(offset)
	if neg {
		u = uint64(-offset)
	}
	for u > 0 {
		n--
		buf[n] = byte('0' + u%10)
		u /= 10
	}
	if neg {
		n--
		buf[n] = '-'
	}
	return string(buf[n:])
}

// fault dispatches by kind; it is the Go body of pagers[] in
// vm_pager.c.
func (o *Object) fault(offset int64) *page.Page_t {
	switch o.kind {
	case Dummy:
		return nil
	case Anonymous:
		return o.anonFault(offset)
	case Shadow:
		return o.shadowFault(offset)
	default:
		panic("vmobject: unknown pager kind")
	}
}

// anonFault is anon_pager_fault: allocate a fresh zeroed page and bind
// it at offset.
func (o *Object) anonFault(offset int64) *page.Page_t {
	pg := o.palc.Alloc(0)
	o.pops.ZeroPage(pg)
	o.AddPage(offset, pg)
	return pg
}

// shadowFault is shadow_pager_fault: walk down the shadow chain looking
// for an existing page at offset; if found, copy it privately and clear
// the readonly bit the copy inherited (original's
// pmap_remove_page_readonly call); if not found, the object at the
// bottom of the chain faults the page in through its own pager.
func (o *Object) shadowFault(offset int64) *page.Page_t {
	if o.shadow == nil {
		panic("vmobject: shadow pager on non-shadow object")
	}

	var found *page.Page_t
	it := o.shadow
	var bottom *Object
	for it != nil {
		if pg := it.FindPage(offset); pg != nil {
			found = pg
			break
		}
		bottom = it
		it = it.shadow
	}

	var newPg *page.Page_t
	if found == nil {
		newPg = bottom.fault(offset)
	} else {
		newPg = o.palc.Alloc(0)
		o.pops.CopyPage(found, newPg)
		o.pops.ClearPageReadonly(newPg)
	}

	o.AddPage(offset, newPg)
	return newPg
}
