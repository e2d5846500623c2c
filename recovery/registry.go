// Package recovery implements the robust-mutex recovery machinery: the
// Robust Registry each client maintains about the keys its own thread holds
// or is attempting, and the per-lock Recovery Job the referee assembles from
// dead threads' registries and hands to the next waiter to restore
// consistency.
package recovery

import (
	"encoding/binary"
	"fmt"

	"github.com/mmlabs-mindmaze/mmlib-sub001/shm"
)

// Registry header field byte offsets, matching the distilled spec's §6
// layout: {i32 thread_id; i64 attempt_key; i32 is_waiter; i32 num_locked;
// i32 num_locked_max;} then num_locked_max x i64 locked keys.
const (
	regOffThreadID     = 0
	regOffAttemptKey   = 8 // padded to 8-byte alignment for the int64
	regOffIsWaiter     = 16
	regOffNumLocked    = 20
	regOffNumLockedMax = 24
	regHeaderSize      = 32 // rounded to 8-byte alignment for the key array
)

// Registry is a client's view of its own Robust Registry: a shared-memory
// page it writes with ordinary stores, which the referee reads only after
// the client's channel has died (so no concurrent access ever races).
type Registry struct {
	region *shm.Region
}

// RegistrySize returns the shared-memory region size (pre-page-rounding) a
// Robust Registry for maxKeys locked entries occupies — what a client must
// pass to OpenRegistry when mapping a descriptor it already knows the
// requested capacity for.
func RegistrySize(maxKeys int) int {
	if maxKeys <= 0 {
		maxKeys = 1
	}
	return regHeaderSize + maxKeys*8
}

// NewRegistry allocates a fresh Robust Registry able to hold at least
// maxKeys locked-key entries, rounded up to a whole page by shm.NewRegion.
func NewRegistry(threadID uint32, maxKeys int) (*Registry, error) {
	if maxKeys <= 0 {
		maxKeys = 1
	}
	size := regHeaderSize + maxKeys*8
	region, err := shm.NewRegion(size)
	if err != nil {
		return nil, fmt.Errorf("recovery: allocate registry: %w", err)
	}

	r := &Registry{region: region}
	numLockedMax := (region.Size() - regHeaderSize) / 8
	binary.LittleEndian.PutUint32(region.Bytes()[regOffThreadID:], threadID)
	binary.LittleEndian.PutUint32(region.Bytes()[regOffNumLockedMax:], uint32(numLockedMax))
	return r, nil
}

// OpenRegistry maps a Robust Registry received over an ipc.Conn as an
// SCM_RIGHTS descriptor: the client's side of an OpGetRobust reply, whose
// registry the referee created with NewRegistry.
func OpenRegistry(fd int, size int) (*Registry, error) {
	region, err := shm.OpenRegion(fd, size)
	if err != nil {
		return nil, fmt.Errorf("recovery: open registry: %w", err)
	}
	return &Registry{region: region}, nil
}

// Fd returns the descriptor the referee duplicates into the client's process
// when replying to OpGetRobust.
func (r *Registry) Fd() int { return r.region.Fd() }

// Close releases the mapping.
func (r *Registry) Close() error { return r.region.Close() }

// NumLockedMax returns the capacity of the locked-key array.
func (r *Registry) NumLockedMax() int {
	return int(binary.LittleEndian.Uint32(r.region.Bytes()[regOffNumLockedMax:]))
}

// NumLocked returns the number of currently-populated locked-key slots.
func (r *Registry) NumLocked() int {
	return int(binary.LittleEndian.Uint32(r.region.Bytes()[regOffNumLocked:]))
}

// ThreadID returns the owning thread's identifier.
func (r *Registry) ThreadID() uint32 {
	return binary.LittleEndian.Uint32(r.region.Bytes()[regOffThreadID:])
}

// AttemptKey returns the key the thread is currently attempting to acquire,
// or lockproto.NoKey if none.
func (r *Registry) AttemptKey() int64 {
	return int64(binary.LittleEndian.Uint64(r.region.Bytes()[regOffAttemptKey:]))
}

// IsWaiter reports whether the thread had already joined the wait queue for
// AttemptKey (as opposed to still spinning on the CAS).
func (r *Registry) IsWaiter() bool {
	return binary.LittleEndian.Uint32(r.region.Bytes()[regOffIsWaiter:]) != 0
}

// LockedKey returns the key held in locked-key slot i.
func (r *Registry) LockedKey(i int) int64 {
	off := regHeaderSize + i*8
	return int64(binary.LittleEndian.Uint64(r.region.Bytes()[off:]))
}

// AddLocked appends key to the locked-key array after a successful acquire.
// It is a client-only mutation: the owning thread is the sole writer.
func (r *Registry) AddLocked(key int64) error {
	n := r.NumLocked()
	max := r.NumLockedMax()
	if n >= max {
		return fmt.Errorf("recovery: locked-key array full (%d/%d)", n, max)
	}
	off := regHeaderSize + n*8
	binary.LittleEndian.PutUint64(r.region.Bytes()[off:], uint64(key))
	binary.LittleEndian.PutUint32(r.region.Bytes()[regOffNumLocked:], uint32(n+1))
	return nil
}

// RemoveLocked removes key from the locked-key array (order not preserved;
// the last entry is moved into the freed slot), called from Mutex.Unlock.
func (r *Registry) RemoveLocked(key int64) {
	n := r.NumLocked()
	for i := 0; i < n; i++ {
		if r.LockedKey(i) == key {
			last := r.LockedKey(n - 1)
			off := regHeaderSize + i*8
			binary.LittleEndian.PutUint64(r.region.Bytes()[off:], uint64(last))
			binary.LittleEndian.PutUint32(r.region.Bytes()[regOffNumLocked:], uint32(n-1))
			return
		}
	}
}

// SetAttempt publishes (or clears, with key == lockproto.NoKey) the key the
// owning thread is about to attempt, and whether it has joined the lock's
// wait queue yet.
func (r *Registry) SetAttempt(key int64, isWaiter bool) {
	binary.LittleEndian.PutUint64(r.region.Bytes()[regOffAttemptKey:], uint64(key))
	var w uint32
	if isWaiter {
		w = 1
	}
	binary.LittleEndian.PutUint32(r.region.Bytes()[regOffIsWaiter:], w)
}

