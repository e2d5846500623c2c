package recovery

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/mmlabs-mindmaze/mmlib-sub001/shm"
)

// Job header field byte offsets, matching the distilled spec's §6 layout:
// {i32 in_progress; i32 num_dead;} then N x {i32 is_waiter; i32 thread_id}.
const (
	jobOffInProgress = 0
	jobOffNumDead    = 4
	jobHeaderSize    = 8
	deadEntrySize    = 8
)

// DeadThread is one entry in a Recovery Job's dead list.
type DeadThread struct {
	IsWaiter bool
	ThreadID uint32
}

// Job is the referee's shared-memory descriptor of threads that died while
// engaged with one Lock. It is created lazily on the first dead-thread
// attribution (locktable.Lock.ReportDead) and destroyed once drained and no
// longer in progress (locktable.Lock.ReadyForCleanup).
//
// in_progress is the one field read across the process boundary outside the
// "referee writes, client reads only through a duplicated handle it owns
// exclusively for the duration of one cleanup" window, so it alone is
// accessed with atomic loads/stores — the single-word synchronization point
// called out in the design notes.
type Job struct {
	region *shm.Region
}

// NewJob allocates a fresh, empty Recovery Job able to record at least
// capacity dead threads; the region is rounded up to a whole page, so the
// real limit is usually larger. A Job never grows: ReportDead fails once
// the page is full.
func NewJob(capacity int) (*Job, error) {
	if capacity <= 0 {
		capacity = 4
	}
	region, err := shm.NewRegion(jobHeaderSize + capacity*deadEntrySize)
	if err != nil {
		return nil, fmt.Errorf("recovery: allocate job: %w", err)
	}
	return &Job{region: region}, nil
}

// OpenJob maps a Recovery Job descriptor received from the referee (the
// nominated waiter's side of a CLEANUP request).
func OpenJob(fd int, size int) (*Job, error) {
	region, err := shm.OpenRegion(fd, size)
	if err != nil {
		return nil, fmt.Errorf("recovery: open job: %w", err)
	}
	return &Job{region: region}, nil
}

// Fd returns the descriptor to duplicate into a nominated waiter's process.
func (j *Job) Fd() int { return j.region.Fd() }

// Close releases the mapping.
func (j *Job) Close() error { return j.region.Close() }

func (j *Job) inProgressPtr() *int32 {
	return (*int32)(unsafe.Pointer(&j.region.Bytes()[jobOffInProgress]))
}

// InProgress reports whether a cleanup is currently assigned to a waiter.
func (j *Job) InProgress() bool {
	return atomic.LoadInt32(j.inProgressPtr()) != 0
}

// SetInProgress sets or clears the in-progress flag. Referee-only.
func (j *Job) SetInProgress(v bool) {
	var i int32
	if v {
		i = 1
	}
	atomic.StoreInt32(j.inProgressPtr(), i)
}

// NumDead returns the number of recorded dead-thread entries.
func (j *Job) NumDead() int {
	return int(binary.LittleEndian.Uint32(j.region.Bytes()[jobOffNumDead:]))
}

func (j *Job) capacity() int {
	return (j.region.Size() - jobHeaderSize) / deadEntrySize
}

// ReportDead appends a dead-thread entry. Referee-only; called from
// locktable.Lock.ReportDead while the referee's single core goroutine is the
// only writer (no atomics needed on num_dead/deadlist, only on
// in_progress).
func (j *Job) ReportDead(d DeadThread) error {
	n := j.NumDead()
	if n >= j.capacity() {
		return fmt.Errorf("recovery: job dead-list full (%d/%d)", n, j.capacity())
	}
	off := jobHeaderSize + n*deadEntrySize
	var isWaiter uint32
	if d.IsWaiter {
		isWaiter = 1
	}
	binary.LittleEndian.PutUint32(j.region.Bytes()[off:], isWaiter)
	binary.LittleEndian.PutUint32(j.region.Bytes()[off+4:], d.ThreadID)
	binary.LittleEndian.PutUint32(j.region.Bytes()[jobOffNumDead:], uint32(n+1))
	return nil
}

// DeadList returns a copy of all recorded dead-thread entries, most commonly
// read by the nominated waiter performing the actual cleanup.
func (j *Job) DeadList() []DeadThread {
	n := j.NumDead()
	out := make([]DeadThread, n)
	for i := 0; i < n; i++ {
		off := jobHeaderSize + i*deadEntrySize
		out[i] = DeadThread{
			IsWaiter: binary.LittleEndian.Uint32(j.region.Bytes()[off:]) != 0,
			ThreadID: binary.LittleEndian.Uint32(j.region.Bytes()[off+4:]),
		}
	}
	return out
}

// Reset clears the dead list, setting NumDead back to zero.
func (j *Job) Reset() {
	binary.LittleEndian.PutUint32(j.region.Bytes()[jobOffNumDead:], 0)
}
