// Package uvm is the top of the VM core: the mmap/munmap/mprotect
// syscall surface of spec §6.3, plus the user-memory copy-through-fault
// primitives biscuit's address-space layer exposes to the rest of the
// kernel (teacher vm/as.go's Userdmap8_inner/Userreadn/Userwriten/
// K2user/User2k). The syscall argument arithmetic — page-aligning the
// offset, folding it into the length, overflow-checking the rounded
// length — is a direct, non-buggy completion of
// original_source/sys/kern/vm_mmap.c's sys_mmap, which the original
// leaves as a TODO past MAP_FIXED.
package uvm

import (
	"vmcore/errno"
	"vmcore/klog"
	"vmcore/page"
	"vmcore/pmap"
	"vmcore/vmmap"
	"vmcore/vmobject"
)

// MapFlags mirrors the MAP_* flags sys_mmap inspects.
type MapFlags uint

const (
	MapShared  MapFlags = 1 << iota // MAP_SHARED
	MapPrivate                      // MAP_PRIVATE
	MapFixed                        // MAP_FIXED
	MapAnon                         // MAP_ANON
)

// Space is the per-process owner of a vmmap.Map plus the allocator/page
// ops its objects need to fault pages in, gathering what biscuit calls
// Vm_t into one value built on this core's abstract pmap contract.
type Space struct {
	Map   *vmmap.Map
	Alloc page.Allocator
	Pops  pmap.PageOps
}

// Mmap implements the mmap(2) contract of spec §6.3: validate flags,
// fold pos's misalignment into len exactly as sys_mmap does, then place
// a new anonymous segment either at the literal hint (MAP_FIXED) or at
// whatever free space FindSpace locates.
//
// File-backed mappings are out of scope (spec §1: "file-backed pagers
// ... are explicitly out of scope"), so MapAnon is the only supported
// backing; a request without it fails with ENODEV, the errno
// sys_mmap would eventually produce by way of fdtab_get_file/fo_mmap on
// a kernel that never registers a mmap-capable file type.
func (s *Space) Mmap(hint uintptr, length uintptr, prot pmap.Prot, flags MapFlags, pos int64) (uintptr, errno.Err_t) {
	if flags&MapShared != 0 && flags&MapPrivate != 0 {
		return 0, errno.EINVAL
	}
	if flags&MapAnon == 0 {
		return 0, errno.ENODEV
	}

	pageoff := uintptr(pos) & uintptr(page.Offset)
	pos -= int64(pageoff)

	newlen := length + pageoff
	newlen = page.Ceil(newlen)
	if newlen < length {
		return 0, errno.ENOMEM
	}
	length = newlen

	addr := hint
	if flags&MapFixed != 0 {
		addr -= pageoff
		if addr%page.Size != 0 {
			return 0, errno.EINVAL
		}
		if !s.Map.RangeValid(addr, addr+length) {
			return 0, errno.EINVAL
		}
	}

	obj := vmobject.New(vmobject.Anonymous, s.Alloc, s.Pops)
	seg := &vmmap.Segment{
		Start:  addr,
		End:    addr + length,
		Prot:   prot,
		Object: obj,
		Offset: 0,
	}

	var insertFlags vmmap.InsertFlags
	if flags&MapFixed != 0 {
		insertFlags = vmmap.Fixed
	}
	if err := s.Map.Insert(seg, insertFlags); err != 0 {
		obj.Free()
		return 0, err
	}

	klog.For(klog.VM).WithFields(map[string]interface{}{
		"addr": seg.Start, "len": length, "prot": prot,
	}).Debug("mmap")
	return seg.Start, 0
}

// Munmap implements munmap(2): the target range must exactly cover one
// or more whole segments (spec Non-goals: "Partial unmapping of a
// segment is out of scope" — ENOTSUP, matching munmap_bad's
// ENOTSUP-on-partial-unmap expectation in
// original_source/bin/utest/mmap.c), and unmapping an address nothing
// covers is EINVAL (same test's munmap-twice expectation).
func (s *Space) Munmap(addr uintptr, length uintptr) errno.Err_t {
	if addr%page.Size != 0 {
		return errno.EINVAL
	}
	length = page.Ceil(length)
	if length == 0 {
		return errno.EINVAL
	}
	if s.Map.FindSegment(addr) == nil {
		return errno.EINVAL
	}
	return s.Map.Delete(addr, addr+length)
}

// Mprotect implements mprotect(2): the target range must exactly cover
// whole segments, same boundary restriction as Munmap.
func (s *Space) Mprotect(addr uintptr, length uintptr, prot pmap.Prot) errno.Err_t {
	if addr%page.Size != 0 {
		return errno.EINVAL
	}
	length = page.Ceil(length)
	if length == 0 {
		return errno.EINVAL
	}
	return s.Map.Protect(addr, addr+length, prot)
}
