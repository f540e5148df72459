// Package guestmem implements the flat guest-physical address space: a single
// mmap'd, page-aligned host allocation that every other component addresses
// by guest physical address (GPA).
package guestmem

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gokvm/axvm/internal/axerr"
)

// Memory is a contiguous host allocation backing guest physical addresses
// [0, Size()). It is not safe for concurrent Slice/Read/Write calls that
// overlap in time with a resize — there is no resize; Memory is fixed-size
// for its lifetime.
type Memory struct {
	data []byte
}

// New mmaps size bytes of anonymous memory to back the guest address space.
// It neither locks nor advises the pages; LockAndAdvise does that.
func New(size uint64) (*Memory, error) {
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, axerr.Wrap(axerr.HostCapabilityMissing, "mmap guest memory", err)
	}

	return &Memory{data: b}, nil
}

// LockAndAdvise attempts to mlock the region and advise the kernel to back it
// with huge pages where possible. Errors are returned for the caller to log,
// never fatal to VM startup.
func (m *Memory) LockAndAdvise() error {
	var err error

	if lockErr := unix.Mlock(m.data); lockErr != nil {
		err = lockErr
	}

	if adviseErr := unix.Madvise(m.data, unix.MADV_HUGEPAGE); adviseErr != nil && err == nil {
		err = adviseErr
	}

	return err
}

// Close unmaps the guest address space.
func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}

	err := unix.Munmap(m.data)
	m.data = nil

	return err
}

// Size returns the size of the guest physical address space in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.data))
}

// HostPtr returns the host virtual address backing the whole region, for the
// one ioctl that requires a userspace pointer (kernel memory-region
// registration).
func (m *Memory) HostPtr() uintptr {
	if len(m.data) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&m.data[0]))
}

func (m *Memory) bounds(gpa, length uint64) error {
	if gpa+length < gpa || gpa+length > m.Size() {
		return axerr.New(axerr.MemoryOutOfBounds, "access out of guest memory bounds")
	}

	return nil
}

// Slice returns a read-write view of [gpa, gpa+length) without copying.
func (m *Memory) Slice(gpa, length uint64) ([]byte, error) {
	if err := m.bounds(gpa, length); err != nil {
		return nil, err
	}

	return m.data[gpa : gpa+length], nil
}

// Read copies length(dst) bytes starting at gpa into dst.
func (m *Memory) Read(gpa uint64, dst []byte) error {
	src, err := m.Slice(gpa, uint64(len(dst)))
	if err != nil {
		return err
	}

	copy(dst, src)

	return nil
}

// Write copies src into guest memory starting at gpa.
func (m *Memory) Write(gpa uint64, src []byte) error {
	dst, err := m.Slice(gpa, uint64(len(src)))
	if err != nil {
		return err
	}

	copy(dst, src)

	return nil
}
