// Package lockproto defines the wire protocol spoken between lockclient
// primitives and the referee core: a fixed-size request frame and a
// fixed-size response frame, one per ipc.Conn message. Instead of a C-style
// union, every opcode's fields sit side by side in one flat little-endian
// struct at fixed offsets, tagged by an explicit Opcode, and a WAIT carries
// a relative timeout rather than an absolute timespec; the frames are
// therefore not byte-compatible with the original C union layout.
package lockproto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Opcode identifies the kind of request/response carried by a frame.
type Opcode int32

const (
	OpWake Opcode = iota
	OpWait
	OpInitLock
	OpGetRobust
	OpGetState
	OpCleanup
	OpCleanupDone
	OpError
)

func (o Opcode) String() string {
	switch o {
	case OpWake:
		return "WAKE"
	case OpWait:
		return "WAIT"
	case OpInitLock:
		return "INITLOCK"
	case OpGetRobust:
		return "GETROBUST"
	case OpGetState:
		return "GETSTATE"
	case OpCleanup:
		return "CLEANUP"
	case OpCleanupDone:
		return "CLEANUP_DONE"
	case OpError:
		return "ERROR"
	default:
		return fmt.Sprintf("Opcode(%d)", int32(o))
	}
}

// StateRegionSize is the size, in bytes, of the shared-memory page a Mutex's
// packed CAS state word and a Cond's waiter/wakeup sequence pair are mapped
// onto (returned by OpGetState): {u64 mutex state; i64 cond waiterSeq; i64
// cond wakeupSeq}. One key's region serves whichever primitive (Mutex or
// Cond) the application built on that key, never both in the same process.
const StateRegionSize = 24

// ClockFlag selects which clock base a WAIT deadline is expressed against.
// Exactly one of ClockMonotonic/ClockRealtime may be set; any other
// combination (including neither) silently disables the timeout.
type ClockFlag int32

const (
	ClockMonotonic ClockFlag = 1 << 0
	ClockRealtime  ClockFlag = 1 << 1
	clockMask                = ClockMonotonic | ClockRealtime
)

// Masked returns f restricted to the bits this protocol understands.
func (f ClockFlag) Masked() ClockFlag { return f & clockMask }

// NoKey is the lock key value reserved to mean "no lock" / "unset".
const NoKey int64 = 0

// Request is the fixed-size frame a client sends to the referee. Only the
// fields relevant to Opcode are meaningful; the rest are ignored by the
// handler, matching the distilled spec's "unused bytes are ignored" rule.
type Request struct {
	Opcode Opcode

	// wake
	NumWakeup int32
	Key       int64
	Val       int64

	// wait (reuses Key, Val above). TimeoutNanos is a *relative* duration
	// (nanoseconds from whenever the receiver reads the request), never an
	// absolute instant: an absolute deadline can only be compared correctly
	// against a clock reading taken on the same side of the wire as it was
	// created, and this frame crosses a process boundary. Zero means
	// unbounded.
	ClockFlags   ClockFlag
	TimeoutNanos int64

	// getrobust (reuses Key above as the requesting thread's identity);
	// getstate uses only Key
	NumKeys int32

	// cleanup_done (reuses Key above)
	CleanupWakeup int32
}

// Timeout returns the relative timeout carried by a WAIT request, or false
// if the request is unbounded.
func (r *Request) Timeout() (d time.Duration, bounded bool) {
	if r.TimeoutNanos <= 0 {
		return 0, false
	}
	return time.Duration(r.TimeoutNanos), true
}

// SetTimeout encodes a relative timeout, measured from whenever the receiver
// reads it, into the request. A non-positive d clears it (unbounded wait).
func (r *Request) SetTimeout(d time.Duration) {
	if d <= 0 {
		r.TimeoutNanos = 0
		return
	}
	r.TimeoutNanos = int64(d)
}

// RespCode mirrors Opcode in the response direction; LOCKREF_OP_* style
// symmetry keeps WAKE/WAIT/INITLOCK/GETROBUST acks matching their request.
type RespCode = Opcode

// Response is the fixed-size frame the referee sends back. A descriptor
// (Robust Registry or Recovery Job mapping) never appears in this struct: it
// rides as SCM_RIGHTS ancillary data on the same ipc.Conn message, handled by
// the caller alongside (Request|Response).MarshalBinary.
type Response struct {
	RespCode RespCode
	Key      int64
	TimedOut bool
}

// requestSize and responseSize are the fixed sizes, in bytes, of an encoded
// Request and Response —
// wide enough for the largest variant, matching the distilled spec's
// "largest variant; unused bytes are ignored" rule.
const (
	requestSize  = 4 + 4 + 8 + 8 + 4 + 8 + 4 + 4 // opcode+numwakeup+key+val+clockflags+timeoutnanos+numkeys+cleanupwakeup
	responseSize = 4 + 8 + 4                     // respcode+key+timedout(as int32)
)

// MarshalBinary encodes the request into the fixed-size wire format.
func (r *Request) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(requestSize)
	for _, v := range []any{
		r.Opcode, r.NumWakeup, r.Key, r.Val, r.ClockFlags,
		r.TimeoutNanos, r.NumKeys, r.CleanupWakeup,
	} {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("lockproto: encode request: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a request previously produced by MarshalBinary.
func (r *Request) UnmarshalBinary(data []byte) error {
	if len(data) < requestSize {
		return fmt.Errorf("lockproto: short request frame: %d < %d", len(data), requestSize)
	}
	buf := bytes.NewReader(data[:requestSize])
	for _, v := range []any{
		&r.Opcode, &r.NumWakeup, &r.Key, &r.Val, &r.ClockFlags,
		&r.TimeoutNanos, &r.NumKeys, &r.CleanupWakeup,
	} {
		if err := binary.Read(buf, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("lockproto: decode request: %w", err)
		}
	}
	return nil
}

// MarshalBinary encodes the response into the fixed-size wire format.
func (resp *Response) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.Grow(responseSize)
	timedOut := int32(0)
	if resp.TimedOut {
		timedOut = 1
	}
	for _, v := range []any{resp.RespCode, resp.Key, timedOut} {
		if err := binary.Write(buf, binary.LittleEndian, v); err != nil {
			return nil, fmt.Errorf("lockproto: encode response: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a response previously produced by MarshalBinary.
func (resp *Response) UnmarshalBinary(data []byte) error {
	if len(data) < responseSize {
		return fmt.Errorf("lockproto: short response frame: %d < %d", len(data), responseSize)
	}
	buf := bytes.NewReader(data[:responseSize])
	var timedOut int32
	for _, v := range []any{&resp.RespCode, &resp.Key, &timedOut} {
		if err := binary.Read(buf, binary.LittleEndian, v); err != nil {
			return fmt.Errorf("lockproto: decode response: %w", err)
		}
	}
	resp.TimedOut = timedOut != 0
	return nil
}

// RequestFrameSize and ResponseFrameSize expose the encoded sizes so callers
// can size their ipc.Conn read buffers without constructing a value first.
func RequestFrameSize() int  { return requestSize }
func ResponseFrameSize() int { return responseSize }
