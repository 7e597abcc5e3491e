package uvm

import (
	"vmcore/errno"
	"vmcore/fault"
	"vmcore/page"
	"vmcore/pmap"
	"vmcore/util"
)

func resolveFault(s *Space, pg uintptr, access pmap.Prot) errno.Signal {
	return fault.Resolve(s.Map, pg, access)
}

// FrameBytes exposes a physical frame's backing storage, the role
// mem.Physmem_t.Dmap plays in biscuit (teacher mem/mem.go): the one
// seam a software TLB-walking kernel needs to turn a faulted-in page
// into bytes the kernel itself can read or write. pmap.FakeAllocator
// implements this; a kernel with a real direct map would too.
type FrameBytes interface {
	Bytes(pg *page.Page_t) []byte
}

// Userdmap8 maps the user address va for access (read or, with
// pmap.ProtWrite set, write), faulting the covering page in on demand,
// and returns the slice of frame bytes starting at va's in-page offset.
// It is the Go analogue of Vm_t.Userdmap8_inner (teacher vm/as.go),
// generalized from biscuit's PTE inspection to this core's
// fault.Resolve + pmap.Pmap.Extract.
func (s *Space) Userdmap8(frames FrameBytes, va uintptr, access pmap.Prot) ([]byte, errno.Err_t) {
	voff := va & uintptr(page.Offset)
	pg := page.Floor(va)

	if _, ok := s.Map.Pmap.Extract(pg); !ok {
		if sig := resolveFault(s, pg, access); sig != errno.SigNone {
			return nil, errno.EFAULT
		}
	} else if access&pmap.ProtWrite != 0 {
		// a present mapping might still be read-only (COW not yet
		// broken); re-run the fault path so the resolver can decide
		// whether to copy or reuse in place. fault.Resolve is
		// idempotent for an already-writable mapping — the object
		// simply returns the already-resident page.
		if sig := resolveFault(s, pg, access); sig != errno.SigNone {
			return nil, errno.EFAULT
		}
	}

	pa, ok := s.Map.Pmap.Extract(pg)
	if !ok {
		return nil, errno.EFAULT
	}
	frame := s.Alloc.Find(pa)
	if frame == nil {
		return nil, errno.EFAULT
	}
	return frames.Bytes(frame)[voff:], 0
}

// K2user copies src into the user address space starting at uva,
// faulting pages in as needed, mirroring Vm_t.K2user_inner.
func (s *Space) K2user(frames FrameBytes, src []byte, uva uintptr) errno.Err_t {
	cnt := uintptr(0)
	for int(cnt) != len(src) {
		dst, err := s.Userdmap8(frames, uva+cnt, pmap.ProtWrite)
		if err != 0 {
			return err
		}
		n := copy(dst, src[cnt:])
		if n == 0 {
			return errno.EFAULT
		}
		cnt += uintptr(n)
	}
	return 0
}

// User2k copies len(dst) bytes from the user address uva into dst,
// mirroring Vm_t.User2k_inner.
func (s *Space) User2k(frames FrameBytes, dst []byte, uva uintptr) errno.Err_t {
	cnt := uintptr(0)
	for int(cnt) != len(dst) {
		src, err := s.Userdmap8(frames, uva+cnt, pmap.ProtRead)
		if err != 0 {
			return err
		}
		n := copy(dst[cnt:], src)
		if n == 0 {
			return errno.EFAULT
		}
		cnt += uintptr(n)
	}
	return 0
}

// Userreadn reads n (<=8) bytes from the user address va and packs them
// into an int, walking one faulted-in chunk at a time so a read can
// straddle a page boundary, mirroring Vm_t.Userreadn/userreadn_inner.
// Packing itself is util.Readn, the same fixed-width helper the teacher
// uses for this exact purpose.
func (s *Space) Userreadn(frames FrameBytes, va uintptr, n int) (int, errno.Err_t) {
	if n > 8 {
		panic("uvm: large n")
	}
	var ret int
	for i := 0; i < n; {
		src, err := s.Userdmap8(frames, va+uintptr(i), pmap.ProtRead)
		if err != 0 {
			return 0, err
		}
		l := util.Min(n-i, len(src))
		for j := 0; j < l; j++ {
			ret |= util.Readn(src, 1, j) << (8 * uint(i+j))
		}
		i += l
	}
	return ret, 0
}

// Userwriten writes the low n (<=8) bytes of val to the user address
// va, mirroring Vm_t.Userwriten.
func (s *Space) Userwriten(frames FrameBytes, va uintptr, n int, val int) errno.Err_t {
	if n > 8 {
		panic("uvm: large n")
	}
	for i := 0; i < n; {
		dst, err := s.Userdmap8(frames, va+uintptr(i), pmap.ProtWrite)
		if err != 0 {
			return err
		}
		l := util.Min(n-i, len(dst))
		for j := 0; j < l; j++ {
			util.Writen(dst, 1, j, val>>(8*uint(i+j)))
		}
		i += l
	}
	return 0
}
