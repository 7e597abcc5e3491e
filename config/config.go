// Package config holds the boot-time tunables the mimiker original
// source wires as linker-provided constants (KERNEL_SPACE_BEGIN,
// __kernel_start, vm_kernel_end, KERNEL_SPACE_END in
// original_source/sys/kern/kmem.c). A freestanding kernel has no config
// file to read at the point init_kmem runs, but a hosted re-creation of
// this core benefits from making those constants overridable, so they
// are loaded from an optional TOML file with compiled-in defaults as the
// fallback — the same "defaults unless told otherwise" shape boot
// parameters take in a real kernel.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// Boot holds the boot-time tunables. Package kmem consumes the kernel VA
// fields at initialization; vmmap.New takes its bounds as arguments and
// does not read a Boot.
type Boot struct {
	// KernelVAStart/KernelVAEnd bound the kernel virtual-address window
	// seeded into the kva arena (spec §3 "Kernel virtual-address arena").
	KernelVAStart uint64 `toml:"kernel_va_start"`
	KernelVAEnd   uint64 `toml:"kernel_va_end"`

	// KernelImageStart/KernelImageEnd carve out the statically occupied
	// kernel image from that window, mirroring kmem.c's
	// "KERNEL_SPACE_BEGIN < __kernel_start" carve-out.
	KernelImageStart uint64 `toml:"kernel_image_start"`
	KernelImageEnd   uint64 `toml:"kernel_image_end"`

	// UserMinAddr/UserMaxAddr bound the default user vm_map (spec §4.4).
	UserMinAddr uint64 `toml:"user_min_addr"`
	UserMaxAddr uint64 `toml:"user_max_addr"`

	// ReservedPhysPages is the number of physical page frames to reserve
	// at boot. pmap.FakeAllocator does not read it and has no frame limit.
	ReservedPhysPages int `toml:"reserved_phys_pages"`
}

// Default matches the address ranges exercised by the spec's seed test
// scenarios (S1-S6): a 31-bit user address space and a kernel window
// comfortably above it.
func Default() Boot {
	return Boot{
		KernelVAStart:     0xffff800000000000,
		KernelVAEnd:       0xffff800040000000,
		KernelImageStart:  0xffff800000000000,
		KernelImageEnd:    0xffff800000100000,
		UserMinAddr:       0,
		UserMaxAddr:       1 << 31,
		ReservedPhysPages: 1 << 16,
	}
}

// Load reads a Boot configuration from a TOML file at path, filling any
// field the file does not define with Default()'s value; a field the
// file sets explicitly, even to zero, keeps that value. A missing file is not an
// error: it simply yields the defaults, the same way a kernel boots from
// compiled-in constants when no boot loader config is passed.
func Load(path string) (Boot, error) {
	b := Default()
	if path == "" {
		return b, nil
	}
	var override Boot
	meta, err := toml.DecodeFile(path, &override)
	if err != nil {
		if os.IsNotExist(err) {
			return b, nil
		}
		return Boot{}, err
	}
	if meta.IsDefined("kernel_va_start") {
		b.KernelVAStart = override.KernelVAStart
	}
	if meta.IsDefined("kernel_va_end") {
		b.KernelVAEnd = override.KernelVAEnd
	}
	if meta.IsDefined("kernel_image_start") {
		b.KernelImageStart = override.KernelImageStart
	}
	if meta.IsDefined("kernel_image_end") {
		b.KernelImageEnd = override.KernelImageEnd
	}
	if meta.IsDefined("user_min_addr") {
		b.UserMinAddr = override.UserMinAddr
	}
	if meta.IsDefined("user_max_addr") {
		b.UserMaxAddr = override.UserMaxAddr
	}
	if meta.IsDefined("reserved_phys_pages") {
		b.ReservedPhysPages = override.ReservedPhysPages
	}
	return b, nil
}

