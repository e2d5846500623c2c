//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package ipc

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// Conn is one connected endpoint of the referee channel: one request = one
// ReadFrame, one response = one WriteFrame, with an optional descriptor
// riding alongside either call as SCM_RIGHTS ancillary data.
//
// Exactly one logical request is in flight on a Conn at a time from the
// client's perspective, but the referee side may keep one ReadFrame pending
// concurrently with one outstanding WriteFrame on the same Conn — this is
// how the core detects the peer closing its end while a long WAIT reply has
// not yet been produced (see referee.Core).
type Conn struct {
	uc *net.UnixConn
}

// MaxFrameSize bounds a single message to one memory page, matching the
// distilled spec's wire-format requirement.
var MaxFrameSize = unixPageSize()

func unixPageSize() int {
	return unix.Getpagesize()
}

// ReadFrame reads exactly one message into buf, returning the number of
// bytes read and any descriptor that was passed alongside it (fd == -1 if
// none). A short read or any error is surfaced as-is; the caller (a
// referee.Session or lockclient primitive) is responsible for treating that
// as channel death.
func (c *Conn) ReadFrame(buf []byte) (n int, fd int, err error) {
	oob := make([]byte, unix.CmsgSpace(4))
	n, oobn, flags, _, err := c.uc.ReadMsgUnix(buf, oob)
	if err != nil {
		return n, -1, err
	}
	if flags&unix.MSG_TRUNC != 0 {
		return n, -1, fmt.Errorf("ipc: frame truncated (>%d bytes)", len(buf))
	}

	fd = -1
	if oobn > 0 {
		msgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return n, -1, fmt.Errorf("ipc: parse control message: %w", err)
		}
		for _, m := range msgs {
			fds, err := unix.ParseUnixRights(&m)
			if err != nil {
				continue
			}
			if len(fds) > 0 {
				fd = fds[0]
			}
		}
	}

	return n, fd, nil
}

// WriteFrame writes exactly one message, optionally carrying a descriptor as
// SCM_RIGHTS ancillary data (fd == -1 means no descriptor is sent). The
// descriptor, if any, is duplicated into the peer's descriptor table by the
// kernel; the caller retains ownership of its own copy and should close it
// once the message is sent.
func (c *Conn) WriteFrame(buf []byte, fd int) error {
	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}
	_, _, err := c.uc.WriteMsgUnix(buf, oob, nil)
	return err
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.uc.Close()
}

// CloseWrite half-closes the write side, used when a peer wants to signal
// it is done sending without tearing down pending reads.
func (c *Conn) CloseWrite() error {
	return c.uc.CloseWrite()
}
