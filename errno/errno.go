// Package errno defines the error-code convention used throughout the VM
// core: an Err_t is zero on success and the negation of a standard errno
// value on failure, following the defs.Err_t idiom ("-defs.EFAULT",
// "-defs.ENOMEM") used at the address-space layer this package's
// ancestor was adapted from. Rather than hand-declare magic numbers, the
// concrete values are borrowed from golang.org/x/sys/unix so they agree
// with real errno semantics.
package errno

import "golang.org/x/sys/unix"

// Err_t is a kernel-style error code: 0 means success, any other value is
// the negation of an errno constant below.
type Err_t int

// Error implements the error interface so an Err_t can be returned from
// ordinary Go functions and still participate in errors.Is/As.
func (e Err_t) Error() string {
	if e == 0 {
		return "success"
	}
	return unix.Errno(-e).Error()
}

// Ok reports whether e represents success.
func (e Err_t) Ok() bool {
	return e == 0
}

var (
	EINVAL  = Err_t(-int(unix.EINVAL))
	ENOMEM  = Err_t(-int(unix.ENOMEM))
	ENOTSUP = Err_t(-int(unix.ENOTSUP))
	ENODEV  = Err_t(-int(unix.ENODEV))
	EFAULT  = Err_t(-int(unix.EFAULT))
	ENOENT  = Err_t(-int(unix.ENOENT))
	EEXIST  = Err_t(-int(unix.EEXIST))
)

// Signal classifies the delivered-as-signal errors from spec §7: a page
// fault against a redzone or insufficient protection is never returned
// as an Err_t to the faulting thread — it is reported as one of these
// and the caller turns it into whatever its platform's SIGSEGV-equivalent
// is. fault.Resolve returns this so its callers can distinguish "deliver a signal" from
// "return an error code" without needing two parallel error types.
type Signal int

const (
	// SigNone means no signal is to be delivered.
	SigNone Signal = iota
	// SigSegvNoMapping is raised when no segment covers the faulting address.
	SigSegvNoMapping
	// SigSegvProtection is raised when the access exceeds the segment's protection.
	SigSegvProtection
)

func (s Signal) String() string {
	switch s {
	case SigSegvNoMapping:
		return "SIGSEGV(no-mapping)"
	case SigSegvProtection:
		return "SIGSEGV(protection)"
	default:
		return "none"
	}
}
