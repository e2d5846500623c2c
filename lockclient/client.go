// Package lockclient is the process-shared Mutex and Cond primitives built
// on top of the referee channel: a fast, purely in-process path for the
// common case of no cross-process sharing, and a slow path that talks
// lockproto to a lock-referee core for everything else.
package lockclient

import (
	"fmt"
	"sync"

	"github.com/mmlabs-mindmaze/mmlib-sub001/internal/identity"
	"github.com/mmlabs-mindmaze/mmlib-sub001/ipc"
	"github.com/mmlabs-mindmaze/mmlib-sub001/lockproto"
	"github.com/mmlabs-mindmaze/mmlib-sub001/recovery"
	"github.com/mmlabs-mindmaze/mmlib-sub001/shm"
)

// Client is one connection to a lock-referee core. The distilled design
// treats one connection as one "thread" identity: all Mutex/Cond values
// created from the same Client share its Robust Registry.
//
// At most one request may be in flight on a Client at a time — exactly the
// ordering guarantee the referee core assumes of a session — so call
// serializes callers with a mutex rather than relying on the caller to.
type Client struct {
	conn     *ipc.Conn
	identity identity.Source

	callMu sync.Mutex

	robustMu sync.Mutex
	robust   *recovery.Registry

	stateMu sync.Mutex
	states  map[int64]*shm.Region
}

// Connect dials a running referee and wraps the connection as a Client.
// Use Bootstrap instead if the referee may not yet be running.
func Connect() (*Client, error) {
	conn, err := ipc.Dial()
	if err != nil {
		return nil, fmt.Errorf("lockclient: connect: %w", err)
	}
	return newClient(conn), nil
}

func newClient(conn *ipc.Conn) *Client {
	return &Client{conn: conn, identity: identity.Static(identity.Generate())}
}

// ID returns the identity this Client presents to the referee.
func (c *Client) ID() uint32 { return c.identity.ID() }

// Close releases the underlying channel along with the Robust Registry and
// any state-word mappings this Client opened.
func (c *Client) Close() error {
	c.robustMu.Lock()
	if c.robust != nil {
		c.robust.Close()
		c.robust = nil
	}
	c.robustMu.Unlock()

	c.stateMu.Lock()
	for key, region := range c.states {
		region.Close()
		delete(c.states, key)
	}
	c.stateMu.Unlock()

	return c.conn.Close()
}

// call marshals req, sends it, and waits for the matching response. fd is
// the ancillary descriptor carried by the response, or -1 if none.
func (c *Client) call(req *lockproto.Request) (*lockproto.Response, int, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	buf, err := req.MarshalBinary()
	if err != nil {
		return nil, -1, fmt.Errorf("lockclient: encode %s: %w", req.Opcode, err)
	}
	if err := c.conn.WriteFrame(buf, -1); err != nil {
		return nil, -1, fmt.Errorf("%w: %v", lockproto.ErrChannel, err)
	}

	respBuf := make([]byte, lockproto.ResponseFrameSize())
	n, fd, err := c.conn.ReadFrame(respBuf)
	if err != nil {
		return nil, -1, fmt.Errorf("%w: %v", lockproto.ErrChannel, err)
	}
	resp := new(lockproto.Response)
	if err := resp.UnmarshalBinary(respBuf[:n]); err != nil {
		return nil, -1, fmt.Errorf("lockclient: decode response: %w", err)
	}
	if resp.RespCode == lockproto.OpError {
		return nil, -1, fmt.Errorf("lockclient: referee rejected %s: %w", req.Opcode, lockproto.ErrInvalidArgument)
	}
	return resp, fd, nil
}

// initLock asks the referee to mint a fresh lock key.
func (c *Client) initLock() (int64, error) {
	resp, _, err := c.call(&lockproto.Request{Opcode: lockproto.OpInitLock})
	if err != nil {
		return 0, err
	}
	return resp.Key, nil
}

// robustRegistry lazily requests a Robust Registry mapping from the
// referee, reusing it for every Mutex this Client subsequently locks.
func (c *Client) robustRegistry() (*recovery.Registry, error) {
	c.robustMu.Lock()
	defer c.robustMu.Unlock()
	if c.robust != nil {
		return c.robust, nil
	}
	_, fd, err := c.call(&lockproto.Request{
		Opcode:  lockproto.OpGetRobust,
		Key:     int64(c.ID()),
		NumKeys: defaultRobustCapacity,
	})
	if err != nil {
		return nil, err
	}
	reg, err := recovery.OpenRegistry(fd, recovery.RegistrySize(defaultRobustCapacity))
	if err != nil {
		return nil, fmt.Errorf("%w: map robust registry: %v", ErrNoMemory, err)
	}
	c.robust = reg
	return reg, nil
}

// stateRegion lazily maps the shared CAS-state page backing key, caching it
// so every Mutex/Cond this Client opens on the same key observes the same
// mapping rather than establishing a redundant one per call.
func (c *Client) stateRegion(key int64) (*shm.Region, error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if region, ok := c.states[key]; ok {
		return region, nil
	}
	_, fd, err := c.call(&lockproto.Request{Opcode: lockproto.OpGetState, Key: key})
	if err != nil {
		return nil, err
	}
	region, err := shm.OpenRegion(fd, lockproto.StateRegionSize)
	if err != nil {
		return nil, fmt.Errorf("%w: map state region: %v", ErrNoMemory, err)
	}
	if c.states == nil {
		c.states = make(map[int64]*shm.Region)
	}
	c.states[key] = region
	return region, nil
}

const defaultRobustCapacity = 32
