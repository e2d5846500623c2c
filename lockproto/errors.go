package lockproto

import "errors"

// ErrChannel reports I/O failure or a short read/write on the referee
// channel. Locally the referee destroys the offending session; lockclient
// operations return an error wrapping it.
var ErrChannel = errors.New("lockproto: channel error")

// ErrInvalidArgument reports a malformed opcode or an incompatible flag
// combination that the referee responded to with OpError.
var ErrInvalidArgument = errors.New("lockproto: invalid argument")
