package lockclient

import "errors"

// ErrOwnerDead is returned from Lock/Wait when the referee reports that the
// previous holder died while holding the mutex. The caller must inspect
// state and call Mutex.MarkConsistent before continuing to use it, exactly
// as with a POSIX robust mutex.
var ErrOwnerDead = errors.New("lockclient: owner died while holding mutex")

// ErrTimeout is returned from a bounded wait that expired before being
// woken.
var ErrTimeout = errors.New("lockclient: wait deadline exceeded")

// ErrNoMemory is returned when a shared-memory mapping handed out by the
// referee could not be established.
var ErrNoMemory = errors.New("lockclient: unable to allocate shared resources")

// ErrNotConsistent is returned by operations on a Mutex left inconsistent
// after ErrOwnerDead until MarkConsistent is called.
var ErrNotConsistent = errors.New("lockclient: mutex left inconsistent by dead owner")
