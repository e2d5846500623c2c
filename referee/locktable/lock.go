// Package locktable implements the Lock Table: a sorted sparse array of
// Locks indexed by 64-bit key, and the per-Lock operations (§4.2, §4.3, §4.6
// of SPEC_FULL.md) built on top of referee/waitqueue and recovery.
package locktable

import (
	"fmt"

	"github.com/mmlabs-mindmaze/mmlib-sub001/lockproto"
	"github.com/mmlabs-mindmaze/mmlib-sub001/recovery"
	"github.com/mmlabs-mindmaze/mmlib-sub001/referee/waitqueue"
	"github.com/mmlabs-mindmaze/mmlib-sub001/shm"
)

// Lock is one process-shared synchronization object as seen by the referee:
// a key, the wake-credit bookkeeping described in the distilled spec's §3,
// its ordered Wait Queue, an optional Recovery Job, and — once a client has
// asked for one — the shared-memory page backing its Mutex CAS word / Cond
// sequence pair.
type Lock struct {
	Key          int64
	MaxWakeupVal int64
	NWaiter      int64
	Waiters      waitqueue.Queue
	Job          *recovery.Job
	jobCapacity  int

	state *shm.Region
}

func newLock(key int64) *Lock {
	return &Lock{Key: key, jobCapacity: 4}
}

// StateRegion returns l's shared CAS-state page, allocating it on first use.
// Once allocated it lives for l's entire lifetime: unlike a Robust Registry
// (owned by one session and freed when that session dies) this page may be
// mapped into an arbitrary number of client processes with no notification
// back to the referee when they unmap it, so there is no safe moment to
// reclaim it short of the whole Table being torn down.
func (l *Lock) StateRegion() (*shm.Region, error) {
	if l.state == nil {
		region, err := shm.NewRegion(lockproto.StateRegionSize)
		if err != nil {
			return nil, fmt.Errorf("locktable: allocate state region: %w", err)
		}
		l.state = region
	}
	return l.state, nil
}

// AddWaiter enqueues entry as a waiter on l. It returns false (and the
// caller must wake entry immediately) when a wake has already arrived for
// this predicate before the waiter did — the pre-charge strategy from §4.3
// that makes wake-before-wait correct.
func (l *Lock) AddWaiter(entry *waitqueue.Entry) (suspended bool) {
	l.NWaiter++
	if l.NWaiter <= 0 && l.MaxWakeupVal >= entry.WakeupVal {
		return false
	}
	l.Waiters.PushBack(entry)
	return true
}

// WakeWaiters pre-charges the wake (so waiters that haven't arrived yet are
// satisfied immediately on AddWaiter) and returns up to num entries, in FIFO
// order, whose WakeupVal <= val. Entries with a larger WakeupVal are skipped
// in place; order is preserved for the remainder of the queue.
func (l *Lock) WakeWaiters(num int, val int64) []*waitqueue.Entry {
	l.NWaiter -= int64(num)
	if val > l.MaxWakeupVal {
		l.MaxWakeupVal = val
	}

	var woken []*waitqueue.Entry
	remaining := num
	l.Waiters.Each(func(e *waitqueue.Entry) bool {
		if remaining <= 0 {
			return false
		}
		if e.WakeupVal > val {
			return true // skip, keep traversing
		}
		l.Waiters.Remove(e)
		woken = append(woken, e)
		remaining--
		return remaining > 0
	})
	return woken
}

// DropWaiter removes a specific entry — used when its session dies or its
// wait times out — without waking it.
func (l *Lock) DropWaiter(entry *waitqueue.Entry) {
	l.NWaiter--
	l.Waiters.Remove(entry)
}

// IsUnused reports whether l is eligible for reclamation: no wake credit
// outstanding, no waiters, no recovery job attached, and no shared state
// region handed out (once handed out, its backing memory may still be
// mapped by a client that never contacts the referee again).
func (l *Lock) IsUnused() bool {
	return l.NWaiter == 0 && l.Waiters.Len() == 0 && l.Job == nil && l.state == nil
}

// ReportDead attributes a dead thread to l, lazily creating its Recovery Job
// on first use.
func (l *Lock) ReportDead(isWaiter bool, threadID uint32) error {
	if l.Job == nil {
		job, err := recovery.NewJob(l.jobCapacity)
		if err != nil {
			return err
		}
		l.Job = job
	}
	return l.Job.ReportDead(recovery.DeadThread{IsWaiter: isWaiter, ThreadID: threadID})
}

// ReadyForCleanup inspects l's Recovery Job (if any) and either starts it —
// marking it in-progress and returning the head waiter it must be assigned
// to — or, if it is vacuous, destroys it. It mirrors
// lock_start_or_remove_cleanup_job from the original implementation.
//
// ok is true only when the caller must now send an OpCleanup request to the
// returned waiter.
func (l *Lock) ReadyForCleanup() (waiter *waitqueue.Entry, ok bool) {
	job := l.Job
	if job == nil || job.InProgress() {
		return nil, false
	}

	if job.NumDead() == 0 {
		job.Close()
		l.Job = nil
		return nil, false
	}

	head := l.Waiters.Front()
	if head == nil {
		return nil, false // parked: no waiter available yet
	}

	job.SetInProgress(true)
	return head, true
}

// ReportCleanupDone clears the in-progress flag, called when the referee
// receives OpCleanupDone for this lock.
func (l *Lock) ReportCleanupDone() {
	if l.Job != nil {
		l.Job.SetInProgress(false)
	}
}
