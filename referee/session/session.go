// Package session models one connected client as seen by the referee core:
// its channel, in-flight I/O bookkeeping, the lock (if any) it is currently
// parked on, and its Robust Registry mapping.
package session

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mmlabs-mindmaze/mmlib-sub001/ipc"
	"github.com/mmlabs-mindmaze/mmlib-sub001/recovery"
	"github.com/mmlabs-mindmaze/mmlib-sub001/referee/waitqueue"
	"github.com/mmlabs-mindmaze/mmlib-sub001/timeoutindex"
)

// State is where a Session sits in its Alive -> Draining -> Dead lifecycle.
type State int32

const (
	Alive State = iota
	Draining
	Dead
)

func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Draining:
		return "draining"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Session is owned by the referee core goroutine. state and inFlight are
// accessed with atomic ops. The referee core does not maintain inFlight:
// its reader goroutines never update it, and destroying a session does not
// wait for it to reach zero.
type Session struct {
	ID   uint64
	Conn *ipc.Conn

	// CorrelationID identifies this session in logs and metrics labels; it
	// never appears on the wire or in a lock key.
	CorrelationID string

	state State

	inFlight int32 // atomic: count of reads/writes outstanding

	WaitingLockKey int64
	WakeupVal      int64
	WaitEntry      *waitqueue.Entry
	TimeoutNode    *timeoutindex.Node

	Robust *recovery.Registry
}

// New wraps an accepted connection as a fresh, Alive Session.
func New(id uint64, conn *ipc.Conn) *Session {
	return &Session{ID: id, Conn: conn, state: Alive, CorrelationID: uuid.NewString()}
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	return State(atomic.LoadInt32((*int32)(&s.state)))
}

// BeginDraining marks the session as shutting down: no further requests will
// be dispatched to it, but outstanding I/O is allowed to finish.
func (s *Session) BeginDraining() {
	atomic.StoreInt32((*int32)(&s.state), int32(Draining))
}

// MarkDead transitions to Dead. Idempotent.
func (s *Session) MarkDead() {
	atomic.StoreInt32((*int32)(&s.state), int32(Dead))
}

// AddInFlight adjusts the outstanding I/O counter and returns the new value.
func (s *Session) AddInFlight(delta int32) int32 {
	return atomic.AddInt32(&s.inFlight, delta)
}

// InFlight reports the outstanding I/O counter.
func (s *Session) InFlight() int32 {
	return atomic.LoadInt32(&s.inFlight)
}

// IsWaiting reports whether the session is currently parked in some Lock's
// Wait Queue.
func (s *Session) IsWaiting() bool {
	return s.TimeoutNode != nil || s.WaitingLockKey != 0
}

// ClearWait resets the waiting-related fields, called once the session has
// been removed from its Lock's Wait Queue and the Timeout Index.
func (s *Session) ClearWait() {
	s.WaitingLockKey = 0
	s.WakeupVal = 0
	s.WaitEntry = nil
	s.TimeoutNode = nil
}

// Close releases the session's channel and Robust Registry mapping. Safe to
// call multiple times.
func (s *Session) Close() error {
	var connErr, robustErr error
	if s.Conn != nil {
		connErr = s.Conn.Close()
	}
	if s.Robust != nil {
		robustErr = s.Robust.Close()
		s.Robust = nil
	}
	if connErr != nil {
		return connErr
	}
	return robustErr
}
