// Package referee implements the lock-referee core: a single-threaded
// cooperative event loop mediating process-shared mutexes and condition
// variables over a Unix-domain channel, modeled on gaio's watcher.loop()
// proactor but generalized from raw socket bytes to lockproto frames.
package referee

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmlabs-mindmaze/mmlib-sub001/clock"
	"github.com/mmlabs-mindmaze/mmlib-sub001/ipc"
	"github.com/mmlabs-mindmaze/mmlib-sub001/lockproto"
	"github.com/mmlabs-mindmaze/mmlib-sub001/recovery"
	"github.com/mmlabs-mindmaze/mmlib-sub001/referee/locktable"
	"github.com/mmlabs-mindmaze/mmlib-sub001/referee/session"
	"github.com/mmlabs-mindmaze/mmlib-sub001/referee/waitqueue"
	"github.com/mmlabs-mindmaze/mmlib-sub001/timeoutindex"
)

// DefaultGCInterval is how often the core compacts the Lock Table and scans
// for Recovery Jobs ready to start, ported from the distilled spec's
// SRV_TIMEOUT_MS.
const DefaultGCInterval = 200 * time.Millisecond

// defaultRobustCapacity is the locked-key capacity requested for a Robust
// Registry when a client's OpGetRobust carries a non-positive NumKeys.
const defaultRobustCapacity = 32

// waitContext links a parked Wait Queue entry back to the session that owns
// it, the lock it's queued on, and (if bounded) its Timeout Index node, so
// a wake or an expiry can unwind all three in one place.
type waitContext struct {
	sess  *session.Session
	lock  *locktable.Lock
	entry *waitqueue.Entry
	node  *timeoutindex.Node
}

// workItem is what a session's reader goroutine hands to the core goroutine:
// either a decoded request (req != nil) or notice that the channel died
// (err != nil).
type workItem struct {
	sess *session.Session
	req  *lockproto.Request
	fd   int
	err  error
}

// Core owns the Lock Table, Timeout Index and Session set. Every field it
// touches outside accept/dispatch bookkeeping is mutated exclusively from
// the goroutine running Run — the single-threaded-cooperative guarantee
// carried over from the distilled design.
type Core struct {
	listener *ipc.Listener
	clock    clock.Source
	log      *zap.SugaredLogger
	metrics  *Metrics

	gcInterval time.Duration

	table    *locktable.Table
	timeouts *timeoutindex.Index
	sessions map[uint64]*session.Session
	nextID   uint64

	chAccept chan *ipc.Conn
	chWork   chan workItem

	rg sync.WaitGroup // tracks outstanding readLoop goroutines for shutdown
}

// Option customizes a Core before Run is called.
type Option func(*Core)

// WithClock overrides the clock source (tests inject a fake).
func WithClock(c clock.Source) Option {
	return func(core *Core) { core.clock = c }
}

// WithLogger overrides the logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(core *Core) { core.log = l }
}

// WithMetrics overrides the Prometheus metric set.
func WithMetrics(m *Metrics) Option {
	return func(core *Core) { core.metrics = m }
}

// WithGCInterval overrides DefaultGCInterval.
func WithGCInterval(d time.Duration) Option {
	return func(core *Core) { core.gcInterval = d }
}

// New constructs a Core bound to an already-listening channel.
func New(listener *ipc.Listener, opts ...Option) *Core {
	core := &Core{
		listener:   listener,
		clock:      clock.System{},
		log:        zap.NewNop().Sugar(),
		metrics:    NewMetrics(),
		gcInterval: DefaultGCInterval,
		table:      locktable.NewTable(),
		timeouts:   timeoutindex.New(),
		sessions:   make(map[uint64]*session.Session),
		chAccept:   make(chan *ipc.Conn, 16),
		chWork:     make(chan workItem, 64),
	}
	for _, opt := range opts {
		opt(core)
	}
	return core
}

// Run drives the event loop until ctx is canceled or the listener dies.
// It returns ctx.Err() on cancellation; any Accept error not caused by
// cancellation also ends the loop and is returned. Run keeps going when the
// number of sessions drops to zero.
func (c *Core) Run(ctx context.Context) error {
	acceptDone := make(chan error, 1)
	go c.acceptLoop(ctx, acceptDone)

	timer := time.NewTimer(c.gcInterval)
	defer timer.Stop()
	gcTicker := time.NewTicker(c.gcInterval)
	defer gcTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()

		case err := <-acceptDone:
			c.shutdown()
			return err

		case conn := <-c.chAccept:
			c.handleAccept(conn)

		case item := <-c.chWork:
			c.handleWork(item)

		case <-timer.C:
			c.handleExpirations()
			c.resetTimer(timer)

		case <-gcTicker.C:
			c.table.Compact()
			c.table.ScanRecovery(c.startCleanup)
			if c.metrics != nil {
				c.metrics.Locks.Set(float64(c.table.Len()))
				c.metrics.Sessions.Set(float64(len(c.sessions)))
			}
		}

		// a wake, an expiry or a new wait may have changed the nearest
		// deadline; re-arm eagerly rather than waiting for the next tick.
		c.resetTimer(timer)
	}
}

func (c *Core) resetTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	next, ok := c.timeouts.NextDeadline()
	if !ok {
		timer.Reset(c.gcInterval)
		return
	}
	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	timer.Reset(d)
}

func (c *Core) acceptLoop(ctx context.Context, done chan<- error) {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				done <- nil
			default:
				done <- fmt.Errorf("referee: accept: %w", err)
			}
			return
		}
		select {
		case c.chAccept <- conn:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (c *Core) handleAccept(conn *ipc.Conn) {
	c.nextID++
	sess := session.New(c.nextID, conn)
	c.sessions[sess.ID] = sess
	if c.metrics != nil {
		c.metrics.Sessions.Set(float64(len(c.sessions)))
	}
	c.rg.Add(1)
	c.log.Debugw("session accepted", "session", sess.ID, "correlation_id", sess.CorrelationID)
	go c.readLoop(sess)
}

// readLoop is the one goroutine per session mentioned in the distilled
// design: it keeps exactly one blocking read outstanding and hands decoded
// frames to the core goroutine, never touching shared referee state itself.
func (c *Core) readLoop(sess *session.Session) {
	defer c.rg.Done()
	buf := make([]byte, lockproto.RequestFrameSize())
	for {
		n, fd, err := sess.Conn.ReadFrame(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Debugw("session read failed", "session", sess.ID, "error", err)
			}
			c.chWork <- workItem{sess: sess, err: err}
			return
		}
		req := new(lockproto.Request)
		if uerr := req.UnmarshalBinary(buf[:n]); uerr != nil {
			c.log.Warnw("dropping malformed frame", "session", sess.ID, "error", uerr)
			continue
		}
		c.chWork <- workItem{sess: sess, req: req, fd: fd}
	}
}

func (c *Core) handleWork(item workItem) {
	if item.err != nil {
		c.destroySession(item.sess, item.err)
		return
	}
	if err := c.dispatch(item.sess, item.req, item.fd); err != nil {
		c.log.Warnw("request failed", "session", item.sess.ID, "opcode", item.req.Opcode, "error", err)
	}
}

func (c *Core) dispatch(sess *session.Session, req *lockproto.Request, fd int) error {
	if c.metrics != nil {
		c.metrics.Requests.WithLabelValues(req.Opcode.String()).Inc()
	}
	switch req.Opcode {
	case lockproto.OpInitLock:
		return c.handleInitLock(sess)
	case lockproto.OpWake:
		return c.handleWake(sess, req)
	case lockproto.OpWait:
		return c.handleWait(sess, req)
	case lockproto.OpGetRobust:
		return c.handleGetRobust(sess, req)
	case lockproto.OpGetState:
		return c.handleGetState(sess, req)
	case lockproto.OpCleanupDone:
		return c.handleCleanupDone(sess, req)
	default:
		return c.respondError(sess, fmt.Errorf("referee: unsupported opcode %s", req.Opcode))
	}
}

func (c *Core) handleInitLock(sess *session.Session) error {
	key := c.table.GenerateKey(c.clock.Now(clock.Wall))
	c.table.Get(key, true)
	return c.reply(sess, &lockproto.Response{RespCode: lockproto.OpInitLock, Key: key}, -1)
}

func (c *Core) handleWake(sess *session.Session, req *lockproto.Request) error {
	lock, ok := c.table.Get(req.Key, false)
	if !ok {
		return c.respondError(sess, fmt.Errorf("referee: wake on unknown key %d", req.Key))
	}

	woken := lock.WakeWaiters(int(req.NumWakeup), req.Val)
	for _, entry := range woken {
		c.deliverWake(entry, false)
	}
	return c.reply(sess, &lockproto.Response{RespCode: lockproto.OpWake, Key: req.Key}, -1)
}

func (c *Core) handleWait(sess *session.Session, req *lockproto.Request) error {
	lock, _ := c.table.Get(req.Key, true)

	entry := &waitqueue.Entry{WakeupVal: req.Val}
	wc := &waitContext{sess: sess, lock: lock, entry: entry}
	entry.Waiter = wc

	if !lock.AddWaiter(entry) {
		// pre-charged: a wake already arrived for this predicate.
		return c.reply(sess, &lockproto.Response{RespCode: lockproto.OpWait}, -1)
	}

	sess.WaitingLockKey = req.Key
	sess.WakeupVal = req.Val
	sess.WaitEntry = entry

	if base, deadline, bounded := c.waitDeadline(req); bounded {
		node := c.timeouts.Insert(&timeoutindex.Node{Deadline: deadline, Base: base, Waiter: wc})
		wc.node = node
		sess.TimeoutNode = node
	}

	// no reply yet: the session's pending WAIT is answered later by
	// deliverWake (on OpWake/OpCleanupDone) or handleExpirations.
	return nil
}

// waitDeadline turns a request's relative timeout into an absolute deadline
// measured against c's own clock, taken at the moment the request is
// handled. The timeout travels the wire as a duration rather than an
// absolute instant precisely so this is the only place a deadline is ever
// computed from "now" — never reconstructed from a wall-clock round trip
// that would silently lose the monotonic guarantee ClockMonotonic promises.
func (c *Core) waitDeadline(req *lockproto.Request) (clock.Base, time.Time, bool) {
	timeout, bounded := req.Timeout()
	if !bounded {
		return 0, time.Time{}, false
	}
	switch req.ClockFlags.Masked() {
	case lockproto.ClockMonotonic:
		return clock.Monotonic, c.clock.Now(clock.Monotonic).Add(timeout), true
	case lockproto.ClockRealtime:
		return clock.Wall, c.clock.Now(clock.Wall).Add(timeout), true
	default:
		return 0, time.Time{}, false // neither or both set: unbounded wait
	}
}

func (c *Core) handleGetRobust(sess *session.Session, req *lockproto.Request) error {
	capacity := int(req.NumKeys)
	if capacity <= 0 {
		capacity = defaultRobustCapacity
	}
	threadID := uint32(req.Key)

	registry, err := recovery.NewRegistry(threadID, capacity)
	if err != nil {
		return c.respondError(sess, fmt.Errorf("referee: allocate robust registry: %w", err))
	}
	sess.Robust = registry

	return c.reply(sess, &lockproto.Response{RespCode: lockproto.OpGetRobust}, registry.Fd())
}

// handleGetState hands back the shared-memory page backing a Mutex's CAS
// state word / a Cond's sequence pair for req.Key, lazily creating it on
// first request so every process that opens the same key maps the same
// physical memory, the same pattern handleGetRobust uses for Robust
// Registries.
func (c *Core) handleGetState(sess *session.Session, req *lockproto.Request) error {
	lock, _ := c.table.Get(req.Key, true)
	region, err := lock.StateRegion()
	if err != nil {
		return c.respondError(sess, fmt.Errorf("referee: allocate state region: %w", err))
	}
	return c.reply(sess, &lockproto.Response{RespCode: lockproto.OpGetState, Key: req.Key}, region.Fd())
}

func (c *Core) handleCleanupDone(sess *session.Session, req *lockproto.Request) error {
	lock, ok := c.table.Get(req.Key, false)
	if !ok {
		return c.respondError(sess, fmt.Errorf("referee: cleanup_done on unknown key %d", req.Key))
	}
	lock.ReportCleanupDone()

	if req.CleanupWakeup > 0 {
		woken := lock.WakeWaiters(int(req.CleanupWakeup), req.Val)
		for _, entry := range woken {
			c.deliverWake(entry, false)
		}
	}
	return nil // OpCleanupDone itself carries no reply
}

// deliverWake answers a parked WAIT for entry, canceling its timeout node
// first if it had one.
func (c *Core) deliverWake(entry *waitqueue.Entry, timedOut bool) {
	wc, ok := entry.Waiter.(*waitContext)
	if !ok {
		return
	}
	if wc.node != nil {
		c.timeouts.Cancel(wc.node)
	}
	wc.sess.ClearWait()
	if err := c.reply(wc.sess, &lockproto.Response{RespCode: lockproto.OpWait, Key: wc.lock.Key, TimedOut: timedOut}, -1); err != nil {
		c.log.Debugw("failed to deliver wake", "session", wc.sess.ID, "error", err)
	}
}

func (c *Core) handleExpirations() {
	expired := c.timeouts.ExpireBefore(c.clock.Now)
	for _, node := range expired {
		wc, ok := node.Waiter.(*waitContext)
		if !ok {
			continue
		}
		wc.lock.DropWaiter(wc.entry)
		wc.sess.ClearWait()
		if err := c.reply(wc.sess, &lockproto.Response{RespCode: lockproto.OpWait, Key: wc.lock.Key, TimedOut: true}, -1); err != nil {
			c.log.Debugw("failed to deliver timeout", "session", wc.sess.ID, "error", err)
		}
	}
}

// startCleanup is invoked by locktable.Table.ScanRecovery for every Recovery
// Job that just transitioned to in-progress; it pushes the job's descriptor
// to the nominated waiter so it can perform the actual cleanup.
func (c *Core) startCleanup(lock *locktable.Lock, waiter *waitqueue.Entry) {
	wc, ok := waiter.Waiter.(*waitContext)
	if !ok {
		return
	}
	if err := c.reply(wc.sess, &lockproto.Response{RespCode: lockproto.OpCleanup, Key: lock.Key}, lock.Job.Fd()); err != nil {
		c.log.Warnw("failed to push cleanup job", "session", wc.sess.ID, "error", err)
	}
}

func (c *Core) reply(sess *session.Session, resp *lockproto.Response, fd int) error {
	buf, err := resp.MarshalBinary()
	if err != nil {
		return err
	}
	return sess.Conn.WriteFrame(buf, fd)
}

func (c *Core) respondError(sess *session.Session, cause error) error {
	resp := &lockproto.Response{RespCode: lockproto.OpError}
	if err := c.reply(sess, resp, -1); err != nil {
		return fmt.Errorf("%w (also failed to notify client: %v)", cause, err)
	}
	return cause
}

// destroySession tears a session down: drops it from its lock's Wait Queue
// and the Timeout Index, attributes its Robust Registry to every lock it
// held or was attempting, and closes its channel.
func (c *Core) destroySession(sess *session.Session, cause error) {
	sess.BeginDraining()

	if sess.TimeoutNode != nil {
		c.timeouts.Cancel(sess.TimeoutNode)
	}
	if sess.WaitEntry != nil {
		if lock, ok := c.table.Get(sess.WaitingLockKey, false); ok {
			lock.DropWaiter(sess.WaitEntry)
		}
	}
	sess.ClearWait()

	if sess.Robust != nil {
		c.attributeDeath(sess.Robust)
	}

	if err := sess.Close(); err != nil {
		c.log.Debugw("error closing session", "session", sess.ID, "error", err)
	}
	delete(c.sessions, sess.ID)
	sess.MarkDead()

	if c.metrics != nil {
		c.metrics.Sessions.Set(float64(len(c.sessions)))
		c.metrics.SessionsClosed.Inc()
	}
	c.log.Debugw("session destroyed", "session", sess.ID, "correlation_id", sess.CorrelationID, "cause", cause)
}

// attributeDeath walks a dead session's Robust Registry and reports its
// thread as dead against every lock it held and the one it was attempting,
// lazily creating each Recovery Job.
func (c *Core) attributeDeath(reg *recovery.Registry) {
	threadID := reg.ThreadID()
	for i := 0; i < reg.NumLocked(); i++ {
		key := reg.LockedKey(i)
		lock, ok := c.table.Get(key, false)
		if !ok {
			continue
		}
		if err := lock.ReportDead(false, threadID); err != nil {
			c.log.Warnw("failed to attribute dead owner", "key", key, "error", err)
		}
	}
	if attempt := reg.AttemptKey(); attempt != lockproto.NoKey {
		if lock, ok := c.table.Get(attempt, false); ok {
			if err := lock.ReportDead(reg.IsWaiter(), threadID); err != nil {
				c.log.Warnw("failed to attribute dead waiter", "key", attempt, "error", err)
			}
		}
	}
	reg.Close()
}

func (c *Core) shutdown() {
	for _, sess := range c.sessions {
		sess.Close()
	}
	c.listener.Close()
	c.rg.Wait()
}

// SessionCount reports the number of currently tracked sessions. Intended
// for tests and diagnostics; never called from within the event loop.
func (c *Core) SessionCount() int {
	return len(c.sessions)
}
