// Package fault implements the page-fault resolver of spec §5: given a
// faulting address and the access that triggered the trap, it finds
// the covering segment, checks protection, asks the segment's object's
// pager to produce a page, and enters it into the faulting address
// space's pmap. It is grounded on biscuit's Sys_pgfault (teacher
// vm/as.go) blended with mimiker's vm_page_fault contract exercised by
// original_source/sys/tests/vm_map.c (vm_page_fault(umap, addr, prot)),
// generalized to this core's abstract pmap.Pmap rather than biscuit's
// x86_64 PTE manipulation.
package fault

import (
	"vmcore/errno"
	"vmcore/klog"
	"vmcore/page"
	"vmcore/pmap"
	"vmcore/vmmap"
)

// Resolve handles a fault at va in m caused by access, matching spec
// §5's algorithm:
//  1. round va down to its containing page
//  2. find the covering segment; SIGSEGV (no mapping) if none
//  3. check access is a subset of the segment's protection; SIGSEGV
//     (protection violation) if not
//  4. ask the segment's object to fault in a page at the corresponding
//     offset
//  5. enter the page into the pmap at the containing page's address
//
// It returns errno.SigNone on success and a Signal describing the
// failure otherwise — spec §7 requires these be delivered as a signal
// classification, not an ordinary error code.
func Resolve(m *vmmap.Map, va uintptr, access pmap.Prot) errno.Signal {
	pg := page.Floor(va)

	seg := m.FindSegment(pg)
	if seg == nil {
		klog.For(klog.VM).WithField("va", pg).Debug("fault: no mapping")
		return errno.SigSegvNoMapping
	}

	if !seg.Prot.Subset(access) {
		klog.For(klog.VM).WithFields(map[string]interface{}{
			"va": pg, "prot": seg.Prot, "access": access,
		}).Debug("fault: protection violation")
		return errno.SigSegvProtection
	}

	if seg.Object == nil {
		// a guard segment with no backing object (VM_PROT_NONE redzone)
		// can only be reached here if Prot.Subset let a zero-access
		// request through, which never happens for real accesses.
		return errno.SigSegvNoMapping
	}

	offset := seg.Offset + int64(pg-seg.Start)
	resident := seg.Object.Fault(offset)
	if resident == nil {
		// a dummy pager refusing to produce a page is itself a fault,
		// mirroring dummy_pager_fault's unconditional NULL return.
		return errno.SigSegvNoMapping
	}

	m.Pmap.Enter(pg, resident, seg.Prot, 0)
	return errno.SigNone
}
