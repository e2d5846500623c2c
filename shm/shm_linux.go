//go:build linux

package shm

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// NewRegion creates a fresh anonymous shared-memory region of at least size
// bytes, rounded up to a whole page, backed by memfd_create(2) — the Linux
// idiom for an unlinked, fd-addressable, pagecache-backed segment that needs
// no filesystem path and is reclaimed when the last descriptor closes.
func NewRegion(size int) (*Region, error) {
	length := RoundUpToPage(size)

	fd, err := unix.MemfdCreate("mmlib-lockref", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("shm: memfd_create: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(length)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: ftruncate: %w", err)
	}

	return mapFd(fd, length)
}

// OpenRegion maps an already-open shared-memory descriptor, typically one
// received as SCM_RIGHTS ancillary data from the referee or a peer client.
// The Region takes ownership of fd.
func OpenRegion(fd int, size int) (*Region, error) {
	return mapFd(fd, RoundUpToPage(size))
}

func mapFd(fd int, length int) (*Region, error) {
	data, err := unix.Mmap(fd, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("shm: mmap: %w", err)
	}

	return &Region{fd: fd, data: data}, nil
}

// Close unmaps the region and closes the backing descriptor.
func (r *Region) Close() error {
	if r == nil || r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.data = nil
	if cerr := unix.Close(r.fd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
