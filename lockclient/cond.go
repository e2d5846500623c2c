package lockclient

import (
	"context"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/mmlabs-mindmaze/mmlib-sub001/lockproto"
	"github.com/mmlabs-mindmaze/mmlib-sub001/shm"
)

// Cond is a process-shared condition variable: a waiterSeq/wakeupSeq pair
// mediated by the referee, in the Mesa-style tradition of nsync.CV — Wait
// always re-checks its predicate after returning, since wakeups may be
// spurious.
//
// The sequence pair lives at bytes [8:24) of a shared-memory page mapped via
// OpGetState — the same page layout a Mutex built on the same key maps its
// state word onto at byte 0 — so every process that opens this Cond's key
// observes the same counters, not a private pair that only coincides with
// another process's by luck of both starting at zero.
type Cond struct {
	client *Client
	key    int64
	region *shm.Region
}

func (cv *Cond) waiterSeqPtr() *int64 {
	return (*int64)(unsafe.Pointer(&cv.region.Bytes()[8]))
}

func (cv *Cond) wakeupSeqPtr() *int64 {
	return (*int64)(unsafe.Pointer(&cv.region.Bytes()[16]))
}

// NewCond allocates a fresh referee-backed key for a condition variable.
func NewCond(client *Client) (*Cond, error) {
	key, err := client.initLock()
	if err != nil {
		return nil, err
	}
	return OpenCond(client, key)
}

// OpenCond wraps an already-allocated key as a Cond, analogous to
// OpenSharedMutex: it maps the same physical sequence-pair page every other
// opener of key maps.
func OpenCond(client *Client, key int64) (*Cond, error) {
	region, err := client.stateRegion(key)
	if err != nil {
		return nil, err
	}
	return &Cond{client: client, key: key, region: region}, nil
}

// Key returns the referee lock key backing this Cond.
func (cv *Cond) Key() int64 { return cv.key }

// Wait unlocks mu, blocks until woken (spuriously or not), then re-locks mu
// before returning. Callers must re-check their predicate in a loop, as with
// sync.Cond.
func (cv *Cond) Wait(mu *Mutex) error {
	return cv.wait(mu, time.Time{}, false)
}

// WaitContext is Wait bounded by ctx's deadline, if it has one. It returns
// ErrTimeout if the deadline passes before a wakeup arrives; mu is re-locked
// before either return, exactly as Wait does.
func (cv *Cond) WaitContext(ctx context.Context, mu *Mutex) error {
	if deadline, ok := ctx.Deadline(); ok {
		return cv.wait(mu, deadline, true)
	}
	return cv.wait(mu, time.Time{}, false)
}

func (cv *Cond) wait(mu *Mutex, deadline time.Time, bounded bool) error {
	seq := atomic.AddInt64(cv.waiterSeqPtr(), 1)

	if err := mu.Unlock(); err != nil {
		return err
	}

	req := &lockproto.Request{Opcode: lockproto.OpWait, Key: cv.key, Val: seq}
	if bounded {
		req.ClockFlags = lockproto.ClockMonotonic
		req.SetTimeout(time.Until(deadline))
	}

	resp, _, err := cv.client.call(req)
	timedOut := bounded && err == nil && resp.TimedOut

	if lockErr := mu.Lock(); lockErr != nil && err == nil {
		err = lockErr
	}
	if err != nil {
		return err
	}
	if timedOut {
		return ErrTimeout
	}
	// fd >= 0 would mean a recovery-job descriptor arrived instead of a
	// plain wake; Cond keys are never locked, so there's nothing to
	// attribute it to, and the wakeup is still genuine either way.
	return nil
}

// Signal wakes at most one waiter.
func (cv *Cond) Signal() error {
	seq := atomic.AddInt64(cv.wakeupSeqPtr(), 1)
	_, _, err := cv.client.call(&lockproto.Request{
		Opcode:    lockproto.OpWake,
		Key:       cv.key,
		NumWakeup: 1,
		Val:       seq,
	})
	return err
}

// Broadcast wakes every current waiter.
func (cv *Cond) Broadcast() error {
	target := atomic.LoadInt64(cv.waiterSeqPtr())
	atomic.StoreInt64(cv.wakeupSeqPtr(), target)
	_, _, err := cv.client.call(&lockproto.Request{
		Opcode:    lockproto.OpWake,
		Key:       cv.key,
		NumWakeup: 1<<31 - 1,
		Val:       target,
	})
	return err
}
