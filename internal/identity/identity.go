// Package identity supplies the 32-bit "thread" identity lockclient embeds
// in Robust Registry entries and OpWait wake values. The original
// implementation used the Win32 thread ID; Go has no stable, comparable
// equivalent of that (goroutines migrate between OS threads), so the
// identity that matters here is one per lockclient.Client connection —
// exactly the granularity the referee's Robust Registry already operates
// at, one registry per session.
package identity

import (
	"os"
	"sync/atomic"
)

// Source yields the identity a Client should present to the referee.
type Source interface {
	ID() uint32
}

var counter uint32

// Generate mints a fresh process-unique, non-zero identity by combining the
// low bits of the OS process ID with a monotonic counter, so two Clients in
// the same process never collide even though they share a PID.
func Generate() uint32 {
	n := atomic.AddUint32(&counter, 1)
	return uint32(os.Getpid())<<16 ^ n
}

// staticSource implements Source with a fixed value, used by lockclient's
// newClient and by tests that need a predictable identity.
type staticSource uint32

// Static wraps a fixed identity value as a Source.
func Static(id uint32) Source { return staticSource(id) }

func (s staticSource) ID() uint32 { return uint32(s) }
