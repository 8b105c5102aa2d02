package platform

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapCodeSegment mmaps a RWX region of the given size for native code.
//
// The mapping is both writable and executable for the lifetime of the
// segment: the engine patches changeable constants inside live code, so a
// W^X flip after encoding is not an option here.
func MmapCodeSegment(size int) ([]byte, error) {
	if size == 0 {
		return nil, fmt.Errorf("cannot map zero-length code segment")
	}
	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mmap code segment: %w", err)
	}
	return b, nil
}

// RemapCodeSegment grows a previously mapped code segment to the new size,
// preserving its contents. The old slice must not be used afterwards.
func RemapCodeSegment(code []byte, size int) ([]byte, error) {
	if size < len(code) {
		return nil, fmt.Errorf("remap size %d smaller than existing %d", size, len(code))
	}
	b, err := unix.Mremap(code, size, unix.MREMAP_MAYMOVE)
	if err != nil {
		return nil, fmt.Errorf("mremap code segment: %w", err)
	}
	return b, nil
}

// MunmapCodeSegment unmaps the given code segment.
func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		return nil
	}
	return unix.Munmap(code)
}

// MmapFixedRegion reserves size bytes at exactly addr. The heap encodes a
// region's size class in the high bits of every pointer into it, so the
// mapping must land at the requested base or not at all; MAP_FIXED_NOREPLACE
// guarantees we never clobber an existing mapping.
//
// MAP_NORESERVE keeps multi-terabyte reservations cheap: pages are only
// committed when the allocator touches them.
func MmapFixedRegion(addr uintptr, size int) ([]byte, error) {
	p, err := mmapFixed(addr, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED_NOREPLACE)
	if err != nil {
		return nil, fmt.Errorf("mmap fixed region at 0x%x: %w", addr, err)
	}
	if p != addr {
		_, _, _ = unix.Syscall(unix.SYS_MUNMAP, p, uintptr(size), 0)
		return nil, fmt.Errorf("fixed region mapped at 0x%x instead of 0x%x", p, addr)
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(p)), size), nil
}

// MmapStack maps a down-growing guest stack region of the given size and
// returns it together with the usable top address (one page below the end
// of the mapping, so header writes at small negative offsets from the top
// frame pointer stay in bounds).
func MmapStack(size int) (region []byte, top uintptr, err error) {
	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, 0, fmt.Errorf("mmap guest stack: %w", err)
	}
	base := uintptr(unsafe.Pointer(&b[0]))
	return b, base + uintptr(size) - pageSize, nil
}

const pageSize = 4096

func mmapFixed(addr uintptr, size, prot, flags int) (uintptr, error) {
	p, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(size),
		uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return p, nil
}
