// Package shm provides the shared-memory mapping primitive the referee and
// its clients use for the Robust Registry and Recovery Job pages. A Region
// is backed by an anonymous, file-descriptor-addressable memory object so it
// can be duplicated into another process's descriptor table and mmap'd
// there, the Unix analogue of CreateFileMapping + DuplicateHandle +
// MapViewOfFile used by the original Windows implementation.
package shm

import "os"

// PageSize returns the OS page size. Regions are always mapped as a whole
// number of pages (see RoundUpToPage), mirroring the ROUND_UP(x, pagesize)
// macro of the original implementation.
func PageSize() int {
	return os.Getpagesize()
}

// RoundUpToPage rounds n up to the nearest multiple of the OS page size.
func RoundUpToPage(n int) int {
	ps := PageSize()
	if n <= 0 {
		return ps
	}
	return ((n + ps - 1) / ps) * ps
}

// Region is a memory-mapped, fd-addressable shared-memory region.
type Region struct {
	fd   int
	data []byte
}

// Fd returns the underlying file descriptor, suitable for duplication across
// a process boundary via SCM_RIGHTS ancillary data on an ipc.Conn.
func (r *Region) Fd() int {
	return r.fd
}

// Bytes returns the mapped memory. Callers must only perform single
// machine-word atomic or volatile accesses on fields shared with another
// process — no invariant in this runtime depends on multi-word atomicity.
func (r *Region) Bytes() []byte {
	return r.data
}

// Size returns the mapped size in bytes (always a whole number of pages).
func (r *Region) Size() int {
	return len(r.data)
}
