package lockclient

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/mmlabs-mindmaze/mmlib-sub001/lockproto"
	"github.com/mmlabs-mindmaze/mmlib-sub001/shm"
)

// Mutex is a tagged union: a purely in-process Mutex (backed by sync.Mutex)
// for the common case of no cross-process sharing, or a process-shared one
// that talks to a referee on contention. NewMutex gives the fast path;
// NewSharedMutex gives the slow one. The zero Mutex is not usable — both
// constructors must be used, mirroring nsync.Mu's "CAS-loop state word"
// technique generalized with a referee fallback instead of a pure spinlock.
//
// A shared Mutex's state word lives in region, a page mapped from the
// referee via OpGetState and shared by every process that opens the same
// key — not in process-private memory, since two processes' CAS loops only
// serialize against each other if they are racing on the same physical
// word.
type Mutex struct {
	fast *sync.Mutex

	client       *Client
	key          int64
	region       *shm.Region
	inconsistent atomic.Bool
}

// packed state word layout: {ownerID:20 | waiters:20 | sequence:24}.
func (m *Mutex) statePtr() *uint64 {
	return (*uint64)(unsafe.Pointer(&m.region.Bytes()[0]))
}

const (
	tidBits     = 20
	waitersBits = 20
	seqBits     = 24

	tidMask     = uint64(1)<<tidBits - 1
	waitersMask = uint64(1)<<waitersBits - 1
	seqMask     = uint64(1)<<seqBits - 1

	waitersShift = tidBits
	seqShift     = tidBits + waitersBits
)

func packState(owner uint32, waiters uint32, seq uint32) uint64 {
	return uint64(owner)&tidMask | (uint64(waiters)&waitersMask)<<waitersShift | (uint64(seq)&seqMask)<<seqShift
}

func unpackState(state uint64) (owner uint32, waiters uint32, seq uint32) {
	owner = uint32(state & tidMask)
	waiters = uint32((state >> waitersShift) & waitersMask)
	seq = uint32((state >> seqShift) & seqMask)
	return
}

// NewMutex returns a Mutex usable only within this process.
func NewMutex() *Mutex {
	return &Mutex{fast: new(sync.Mutex)}
}

// NewSharedMutex allocates a fresh lock key from client's referee and
// returns a Mutex usable by any process holding that key (once shared via
// whatever channel the application uses to publish it, e.g. a field in a
// larger shared-memory structure).
func NewSharedMutex(client *Client) (*Mutex, error) {
	key, err := client.initLock()
	if err != nil {
		return nil, err
	}
	return OpenSharedMutex(client, key)
}

// OpenSharedMutex wraps an already-allocated key (obtained by another
// process via NewSharedMutex and published out of band) as a Mutex, mapping
// the same physical state-word page every other opener of key maps.
func OpenSharedMutex(client *Client, key int64) (*Mutex, error) {
	region, err := client.stateRegion(key)
	if err != nil {
		return nil, err
	}
	return &Mutex{client: client, key: key, region: region}, nil
}

// IsShared reports whether m talks to a referee on contention.
func (m *Mutex) IsShared() bool { return m.fast == nil }

// Lock acquires m, blocking until it is available. On a shared Mutex this
// may return ErrOwnerDead if the previous holder died while owning it; the
// caller must call MarkConsistent before the lock is usable again.
func (m *Mutex) Lock() error {
	if m.fast != nil {
		m.fast.Lock()
		return nil
	}
	return m.lockShared(time.Time{}, false)
}

// LockContext is Lock bounded by ctx's deadline, if it has one; a fast Mutex
// has no referee to hand a deadline to, so it polls TryLock instead and
// returns ctx.Err() once ctx is done. A shared Mutex whose deadline expires
// before acquisition returns ErrTimeout.
func (m *Mutex) LockContext(ctx context.Context) error {
	if m.fast != nil {
		return lockFastContext(ctx, m.fast)
	}
	if deadline, ok := ctx.Deadline(); ok {
		return m.lockShared(deadline, true)
	}
	return m.lockShared(time.Time{}, false)
}

func lockFastContext(ctx context.Context, mu *sync.Mutex) error {
	if mu.TryLock() {
		return nil
	}
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if mu.TryLock() {
				return nil
			}
		}
	}
}

func (m *Mutex) lockShared(deadline time.Time, bounded bool) error {
	registry, err := m.client.robustRegistry()
	if err != nil {
		return err
	}

	for {
		if bounded && !time.Now().Before(deadline) {
			return ErrTimeout
		}

		old := atomic.LoadUint64(m.statePtr())
		owner, waiters, seq := unpackState(old)

		if owner == 0 {
			if atomic.CompareAndSwapUint64(m.statePtr(), old, packState(m.client.ID(), waiters, seq)) {
				if err := registry.AddLocked(m.key); err != nil {
					return err
				}
				return nil
			}
			continue
		}

		if !atomic.CompareAndSwapUint64(m.statePtr(), old, packState(owner, waiters+1, seq)) {
			continue
		}

		req := &lockproto.Request{Opcode: lockproto.OpWait, Key: m.key, Val: int64(seq)}
		if bounded {
			req.ClockFlags = lockproto.ClockMonotonic
			req.SetTimeout(time.Until(deadline))
		}

		registry.SetAttempt(m.key, true)
		resp, fd, err := m.client.call(req)
		registry.SetAttempt(lockproto.NoKey, false)
		if err != nil {
			m.decrementWaiters()
			return err
		}
		if fd >= 0 {
			m.inconsistent.Store(true)
			return ErrOwnerDead
		}
		if bounded && resp.TimedOut {
			m.decrementWaiters()
			return ErrTimeout
		}
		// woken: loop back around and retry the CAS
	}
}

// decrementWaiters undoes the waiters++ lockShared published before a WAIT
// that returned without being woken (error or timeout), so Unlock doesn't
// send a wake nobody is left to receive.
func (m *Mutex) decrementWaiters() {
	for {
		old := atomic.LoadUint64(m.statePtr())
		owner, waiters, seq := unpackState(old)
		if waiters == 0 {
			return
		}
		if atomic.CompareAndSwapUint64(m.statePtr(), old, packState(owner, waiters-1, seq)) {
			return
		}
	}
}

// TryLock attempts to acquire m without blocking. It never waits on the
// referee; on a shared Mutex whose Client has no Robust Registry yet, it
// first fetches one with an OpGetRobust request.
func (m *Mutex) TryLock() bool {
	if m.fast != nil {
		return m.fast.TryLock()
	}
	registry, err := m.client.robustRegistry()
	if err != nil {
		return false
	}
	old := atomic.LoadUint64(m.statePtr())
	owner, waiters, seq := unpackState(old)
	if owner != 0 {
		return false
	}
	if !atomic.CompareAndSwapUint64(m.statePtr(), old, packState(m.client.ID(), waiters, seq)) {
		return false
	}
	return registry.AddLocked(m.key) == nil
}

// Unlock releases m, waking one waiter if any are queued.
func (m *Mutex) Unlock() error {
	if m.fast != nil {
		m.fast.Unlock()
		return nil
	}
	return m.unlockShared()
}

func (m *Mutex) unlockShared() error {
	if m.inconsistent.Load() {
		return ErrNotConsistent
	}

	var waiters, newSeq uint32
	for {
		old := atomic.LoadUint64(m.statePtr())
		_, w, seq := unpackState(old)
		waiters = w
		newSeq = (seq + 1) & uint32(seqMask)
		if atomic.CompareAndSwapUint64(m.statePtr(), old, packState(0, waiters, newSeq)) {
			break
		}
	}

	if registry, err := m.client.robustRegistry(); err == nil {
		registry.RemoveLocked(m.key)
	}

	if waiters > 0 {
		_, _, err := m.client.call(&lockproto.Request{
			Opcode:    lockproto.OpWake,
			Key:       m.key,
			NumWakeup: 1,
			Val:       int64(newSeq),
		})
		return err
	}
	return nil
}

// MarkConsistent clears the inconsistent flag a dead owner left behind,
// after the caller has repaired whatever invariant the mutex protects.
func (m *Mutex) MarkConsistent() {
	m.inconsistent.Store(false)
}

// IsInconsistent reports whether a previous owner died while holding m and
// MarkConsistent has not yet been called.
func (m *Mutex) IsInconsistent() bool {
	return m.inconsistent.Load()
}

// Key returns the referee lock key backing a shared Mutex, or 0 for a fast
// one. Applications publish this value (e.g. embedded in a shared-memory
// struct) so other processes can OpenSharedMutex onto the same lock.
func (m *Mutex) Key() int64 { return m.key }
