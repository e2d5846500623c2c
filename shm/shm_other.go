//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package shm

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// NewRegion creates a fresh anonymous shared-memory region on platforms
// without memfd_create: an unlinked, unnamed temporary file whose descriptor
// is kept open and mmap'd MAP_SHARED. Unlinking immediately after opening
// reproduces memfd_create's "no filesystem path survives" property.
func NewRegion(size int) (*Region, error) {
	length := RoundUpToPage(size)

	f, err := os.CreateTemp("", "mmlib-lockref-*")
	if err != nil {
		return nil, fmt.Errorf("shm: create backing file: %w", err)
	}
	name := f.Name()
	defer os.Remove(name)

	if err := f.Truncate(int64(length)); err != nil {
		f.Close()
		return nil, fmt.Errorf("shm: truncate: %w", err)
	}

	fd, err := unix.Dup(int(f.Fd()))
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("shm: dup: %w", err)
	}

	return mapFd(fd, length)
}

// OpenRegion maps an already-open shared-memory descriptor received from a
// peer process (e.g. via SCM_RIGHTS). The Region takes ownership of fd.
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
