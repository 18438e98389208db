// Package h1 implements the HTTP/1.1 connection state machine: a bounded,
// strictly-ordered pipeline queue sitting over a single TCP/TLS connection
// (spec component D).
package h1

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/outpostkit/outpost/internal/wire"
)

// Options configures a Connection.
type Options struct {
	MaxConcurrentRequests int // spec default 10
	Logger                *logrus.Entry
	Clock                 clockwork.Clock
	RequestTimeout        time.Duration
}

// Connection is the HTTP/1.1 connection state machine (spec §4.D). It
// pipelines up to MaxConcurrentRequests exchanges: writes may run ahead of
// reads, but responses are always delivered in request order (spec
// invariant 4), enforced by running the writer and reader each on their own
// goroutine connected by an ordered channel.
type Connection struct {
	conn   net.Conn
	bw     *bufio.Writer
	br     *bufio.Reader
	logger *logrus.Entry
	clock  clockwork.Clock

	sem            *semaphore.Weighted
	requestTimeout time.Duration

	writeQueue chan *pendingExchange
	readQueue  chan *pendingExchange

	load  int32
	state int32 // wire.ConnState

	mu          sync.Mutex
	idleSince   time.Time
	reusable    int32 // 1 until a close-framing/Connection:close response is seen
	closeOnce   sync.Once
	closeErr    error
	drainClosed chan struct{}
}

type pendingExchange struct {
	req  *wire.RequestHead
	resp chan sendResult

	// Non-nil only when req.ExpectContinue; used to hand the writer a
	// decision about whether to stream the body (spec §4.D.1).
	continueCh chan continueDecision
}

type sendResult struct {
	head *wire.ResponseHead
	body *wire.ResponseBody
	err  error
}

type continueDecision struct {
	proceed bool
	status  int
}

// New wraps conn (already dialed, and already TLS-handshaked if needed) as
// an HTTP/1.1 Connection and starts its writer/reader goroutines.
func New(conn net.Conn, opts Options) *Connection {
	if opts.MaxConcurrentRequests <= 0 {
		opts.MaxConcurrentRequests = 10
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	c := &Connection{
		conn:           conn,
		bw:             bufio.NewWriter(conn),
		br:             bufio.NewReader(conn),
		logger:         opts.Logger,
		clock:          opts.Clock,
		sem:            semaphore.NewWeighted(int64(opts.MaxConcurrentRequests)),
		requestTimeout: opts.RequestTimeout,
		writeQueue:     make(chan *pendingExchange, opts.MaxConcurrentRequests),
		readQueue:      make(chan *pendingExchange, opts.MaxConcurrentRequests),
		idleSince:      opts.Clock.Now(),
		reusable:       1,
		drainClosed:    make(chan struct{}),
	}
	atomic.StoreInt32(&c.state, int32(wire.ConnActive))

	go c.writeLoop()
	go c.readLoop()

	return c
}

func (c *Connection) Protocol() string   { return "HTTP/1.1" }
func (c *Connection) Capacity() int      { return cap(c.writeQueue) }
func (c *Connection) Load() int          { return int(atomic.LoadInt32(&c.load)) }
func (c *Connection) State() wire.ConnState {
	return wire.ConnState(atomic.LoadInt32(&c.state))
}

func (c *Connection) MarkDraining() {
	atomic.CompareAndSwapInt32(&c.state, int32(wire.ConnActive), int32(wire.ConnDraining))
}

func (c *Connection) IdleSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if atomic.LoadInt32(&c.load) > 0 {
		return time.Time{}, false
	}
	return c.idleSince, true
}

// Close closes the underlying transport; in-flight exchanges observe an
// error on their response (spec §4.H: HTTP/1.1 has no per-stream reset, so
// a reset always closes the whole connection).
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		atomic.StoreInt32(&c.state, int32(wire.ConnClosed))
		c.closeErr = c.conn.Close()
		close(c.drainClosed)
	})
	return c.closeErr
}

func (c *Connection) markNonReusable() {
	atomic.StoreInt32(&c.reusable, 0)
}

// Reusable reports whether Connection may be returned to the pool after its
// current exchange completes (spec §4.D.5).
func (c *Connection) Reusable() bool {
	return atomic.LoadInt32(&c.reusable) == 1 && c.State() == wire.ConnActive
}

// Send dispatches req over the pipeline queue and blocks until response
// headers are available (or failure). The bounded semaphore of size
// MaxConcurrentRequests implements "at most http1-max-concurrent-requests
// in-flight"; a fourth caller when the limit is 3 blocks here until a slot
// frees (spec §8 boundary property).
func (c *Connection) Send(ctx context.Context, req *wire.RequestHead) (*wire.ResponseHead, *wire.ResponseBody, error) {
	if c.State() != wire.ConnActive {
		return nil, nil, fmt.Errorf("h1: connection not active")
	}
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	atomic.AddInt32(&c.load, 1)
	c.mu.Lock()
	c.idleSince = time.Time{}
	c.mu.Unlock()

	pe := &pendingExchange{req: req, resp: make(chan sendResult, 1)}
	if req.ExpectContinue {
		pe.continueCh = make(chan continueDecision, 1)
	}

	select {
	case c.writeQueue <- pe:
	case <-ctx.Done():
		c.releaseSlot()
		return nil, nil, ctx.Err()
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if c.requestTimeout > 0 {
		timer = time.NewTimer(c.requestTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-pe.resp:
		if res.err != nil {
			c.releaseSlot()
			return nil, nil, res.err
		}
		return res.head, res.body, nil
	case <-ctx.Done():
		c.releaseSlot()
		return nil, nil, ctx.Err()
	case <-timeoutCh:
		c.releaseSlot()
		c.Reset()
		return nil, nil, fmt.Errorf("h1: request timeout")
	}
}

// Reset implements the caller-requested reset from spec §5: HTTP/1.1 has no
// per-stream reset, so resetting closes the whole connection.
func (c *Connection) Reset() {
	c.markNonReusable()
	_ = c.Close()
}

func (c *Connection) releaseSlot() {
	atomic.AddInt32(&c.load, -1)
	c.sem.Release(1)
	c.mu.Lock()
	if atomic.LoadInt32(&c.load) == 0 {
		c.idleSince = c.clock.Now()
	}
	c.mu.Unlock()
}

func (c *Connection) fail(err error) {
	c.markNonReusable()
	for {
		select {
		case pe := <-c.readQueue:
			pe.resp <- sendResult{err: err}
		default:
			_ = c.Close()
			return
		}
	}
}

// headerValue does a case-insensitive single-value header lookup without
// depending on wire.Headers internals, so codec.go's decode path can build
// the Headers incrementally.
func headerValue(h *wire.Headers, name string) string { return h.Get(name) }

func statusRequiresClose(status int, headers *wire.Headers) bool {
	if v := strings.ToLower(headers.Get("Connection")); v == "close" {
		return true
	}
	switch status {
	case 204, 304:
		return false
	}
	return false
}

func parseContentLength(h *wire.Headers) (int64, bool) {
	v := h.Get("Content-Length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
