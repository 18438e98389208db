// Package h2 implements the HTTP/2 multiplexed connection state machine
// (spec component E) on top of golang.org/x/net/http2's Framer and hpack
// codec — the same frame-level building blocks used elsewhere in the
// example corpus (willjunspecial-http2, perbu-GTest2) rather than a
// hand-rolled frame parser.
package h2

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/outpostkit/outpost/internal/stream"
	"github.com/outpostkit/outpost/internal/wire"
)

// ClientPreface is sent before the first SETTINGS frame, as required by
// RFC 7540 §3.5.
const ClientPreface = http2.ClientPreface

const defaultInitialWindow = 1 << 20

// Options configures a Connection.
type Options struct {
	MaxConcurrentStreams uint32 // advertised to the peer in our SETTINGS; 0 omits it. Capacity always follows the peer's limit.
	Logger               *logrus.Entry
}

// Connection is the HTTP/2 state machine for a single TCP/TLS connection,
// multiplexing many concurrent exchanges as streams (spec §4.E).
type Connection struct {
	conn   net.Conn
	fr     *http2.Framer
	logger *logrus.Entry

	writeMu   sync.Mutex
	hpackEnc  *hpack.Encoder
	encBuf    bufWriter
	nextID    uint32 // next client stream id to assign; always odd
	sendConnW int32  // our remaining connection-level send window

	mu             sync.Mutex
	streams        map[uint32]*streamHandle
	peerMaxStreams uint32
	goAwayReceived bool
	lastGoAwayID   uint32
	closed         bool
	closeErr       error
	state          int32 // wire.ConnState
	idleSince      time.Time
}

type bufWriter struct{ buf []byte }

func (w *bufWriter) Write(p []byte) (int, error) { w.buf = append(w.buf, p...); return len(p), nil }
func (w *bufWriter) Reset()                       { w.buf = w.buf[:0] }

// Dial performs the connection preface and initial SETTINGS exchange over
// conn (already TLS/ALPN- or prior-knowledge-negotiated for h2 by the
// caller) and returns a ready Connection.
func Dial(ctx context.Context, conn net.Conn, opts Options) (*Connection, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if _, err := conn.Write([]byte(ClientPreface)); err != nil {
		return nil, err
	}

	fr := http2.NewFramer(conn, bufio.NewReader(conn))
	fr.AllowIllegalWrites = true

	c := &Connection{
		conn:      conn,
		fr:        fr,
		logger:    opts.Logger,
		nextID:    1,
		sendConnW: 65535,
		streams:   make(map[uint32]*streamHandle),
	}
	c.hpackEnc = hpack.NewEncoder(&c.encBuf)
	c.idleSince = time.Now()
	atomic.StoreInt32(&c.state, int32(wire.ConnActive))

	settings := []http2.Setting{
		{ID: http2.SettingInitialWindowSize, Val: defaultInitialWindow},
	}
	if opts.MaxConcurrentStreams > 0 {
		settings = append(settings, http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: opts.MaxConcurrentStreams})
	}
	if err := fr.WriteSettings(settings...); err != nil {
		return nil, err
	}

	go c.readLoop()

	return c, nil
}

func (c *Connection) Protocol() string      { return "HTTP/2" }
func (c *Connection) State() wire.ConnState { return wire.ConnState(atomic.LoadInt32(&c.state)) }

func (c *Connection) MarkDraining() {
	atomic.CompareAndSwapInt32(&c.state, int32(wire.ConnActive), int32(wire.ConnDraining))
}

func (c *Connection) Load() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}

func (c *Connection) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerMaxStreams == 0 {
		return 100 // http2's documented default until SETTINGS says otherwise
	}
	return int(c.peerMaxStreams)
}

func (c *Connection) IdleSince() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) > 0 {
		return time.Time{}, false
	}
	return c.idleSince, true
}

func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return err
	}
	c.closed = true
	atomic.StoreInt32(&c.state, int32(wire.ConnClosed))
	for _, s := range c.streams {
		s.fail(wire.ErrConnectionReset)
	}
	c.streams = nil
	c.mu.Unlock()

	c.closeErr = c.conn.Close()
	return c.closeErr
}

// Reset implements the caller-requested connection reset from spec §5; for
// HTTP/2 it sends GOAWAY and closes, since there is no narrower "reset the
// whole connection but keep the socket" primitive worth modeling here.
func (c *Connection) Reset() {
	c.writeMu.Lock()
	c.fr.WriteGoAway(0, http2.ErrCodeCancel, nil)
	c.writeMu.Unlock()
	_ = c.Close()
}

// streamHandle is the per-stream bookkeeping the reader goroutine updates
// and Send()'s caller waits on.
type streamHandle struct {
	id        uint32
	headCh    chan sendResult
	headSent  bool
	chunkCh   chan stream.Chunk // readLoop -> per-stream delivery goroutine
	done      chan struct{}     // closed alongside chunkCh; unblocks a pending deliverData
	body      *wire.ResponseBody
	sendWin   int32
	closeOnce sync.Once
}

type sendResult struct {
	head *wire.ResponseHead
	err  error
}

func (s *streamHandle) fail(err error) {
	s.closeOnce.Do(func() {
		select {
		case s.headCh <- sendResult{err: err}:
		default:
		}
		close(s.chunkCh)
		close(s.done)
	})
}

// closeNormally tears down the stream the same way fail does, but without
// an error — used when the response completes as opposed to resetting.
func (s *streamHandle) closeNormally() {
	s.closeOnce.Do(func() {
		close(s.chunkCh)
		close(s.done)
	})
}

// Send writes HEADERS (and DATA, per spec §4.E "flow-control-aware DATA
// writes") and returns once the response HEADERS frame has been decoded.
// Stream id assignment happens inside writeRequest's writeMu section, not
// here, so that it can never be separated from the HEADERS write it orders
// (spec invariant 3: ids are assigned in the same order frames hit the
// wire).
func (c *Connection) Send(ctx context.Context, req *wire.RequestHead) (*wire.ResponseHead, *wire.ResponseBody, error) {
	if c.State() != wire.ConnActive {
		return nil, nil, fmt.Errorf("h2: connection not active")
	}

	h := &streamHandle{
		headCh:  make(chan sendResult, 1),
		chunkCh: make(chan stream.Chunk, 64),
		done:    make(chan struct{}),
		sendWin: defaultInitialWindow,
	}

	rb := wire.NewResponseBody(nil)
	h.body = rb
	pub := stream.New(func(ctx context.Context, yield func(stream.Chunk) bool) error {
		for chunk := range h.chunkCh {
			if !yield(chunk) {
				return nil
			}
		}
		return nil
	})
	rb.Publisher = pub

	if err := c.writeRequest(h, req); err != nil {
		if h.id != 0 {
			c.failStream(h.id, err)
		}
		return nil, nil, err
	}

	select {
	case res := <-h.headCh:
		if res.err != nil {
			return nil, nil, res.err
		}
		return res.head, rb, nil
	case <-ctx.Done():
		c.sendRSTStream(h.id, http2.ErrCodeCancel)
		c.failStream(h.id, ctx.Err())
		return nil, nil, ctx.Err()
	}
}

func (c *Connection) failStream(id uint32, err error) {
	s := c.removeStream(id)
	if s != nil {
		s.fail(err)
	}
}

// removeStream deletes id from the live-stream table and, if that empties
// it, stamps idleSince for the pool's keep-alive sweep.
func (c *Connection) removeStream(id uint32) *streamHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.streams[id]
	delete(c.streams, id)
	if len(c.streams) == 0 {
		c.idleSince = time.Now()
	}
	return s
}

// writeRequest assigns h's stream id, registers it, and writes its HEADERS
// frame all within one writeMu critical section. Doing the id assignment
// and the HEADERS write as two separate critical sections would let two
// concurrent Send calls interleave — the one that grabs the higher id could
// win the race for the second lock and put its HEADERS frame on the wire
// first, violating the strictly-increasing-by-send-order id guarantee lazy
// stream creation exists for (spec §4.E, DESIGN.md).
func (c *Connection) writeRequest(h *streamHandle, req *wire.RequestHead) error {
	c.writeMu.Lock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.writeMu.Unlock()
		return wire.ErrConnectionReset
	}
	h.id = c.nextID
	c.nextID += 2
	c.streams[h.id] = h
	c.mu.Unlock()

	c.encBuf.Reset()
	writeField := func(name, value string) {
		c.hpackEnc.WriteField(hpack.HeaderField{Name: name, Value: value})
	}
	writeField(":method", req.Method)
	writeField(":scheme", req.Scheme)
	writeField(":authority", req.Authority)
	writeField(":path", req.Path)
	req.Headers.Range(func(name, value string) {
		writeField(lowerASCII(name), value)
	})

	endStream := req.Body == nil
	err := c.fr.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      h.id,
		BlockFragment: append([]byte(nil), c.encBuf.buf...),
		EndHeaders:    true,
		EndStream:     endStream,
	})
	c.writeMu.Unlock()
	if err != nil || endStream {
		return err
	}

	if err := req.Body.Subscribe(context.Background(), func(chunk stream.Chunk) error {
		if len(chunk.Data) == 0 {
			return nil
		}
		return c.writeDataFrames(h.id, chunk.Data)
	}); err != nil {
		return err
	}
	return c.writeDataFrames(h.id, nil)
}

// writeDataFrames splits data into frames no larger than the fixed 16KiB
// default max frame size, marking the final (possibly empty) frame
// END_STREAM when data is nil — the signal that the body Publisher has
// completed. Each frame waits for both the connection-level and
// stream-level send windows to have enough credit before writing, per
// RFC 7540 flow control (spec §4.E "flow-control-aware DATA writes").
func (c *Connection) writeDataFrames(id uint32, data []byte) error {
	if len(data) == 0 {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.fr.WriteData(id, data == nil, nil)
	}

	s := c.lookupStream(id)
	for len(data) > 0 {
		n := len(data)
		if n > 16384 {
			n = 16384
		}
		if err := c.awaitSendWindow(s, n); err != nil {
			return err
		}
		c.writeMu.Lock()
		err := c.fr.WriteData(id, false, data[:n])
		c.writeMu.Unlock()
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (c *Connection) lookupStream(id uint32) *streamHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streams[id]
}

// awaitSendWindow blocks until n bytes of send-window credit are available
// on both the connection and the stream, then reserves it. Polling rather
// than a condition variable is a deliberate simplification (see
// DESIGN.md); WINDOW_UPDATE frames arrive rarely enough relative to the
// 1ms poll that it does not meaningfully delay large uploads.
func (c *Connection) awaitSendWindow(s *streamHandle, n int) error {
	for {
		if atomic.LoadInt32(&c.sendConnW) >= int32(n) && (s == nil || atomic.LoadInt32(&s.sendWin) >= int32(n)) {
			atomic.AddInt32(&c.sendConnW, -int32(n))
			if s != nil {
				atomic.AddInt32(&s.sendWin, -int32(n))
			}
			return nil
		}
		if c.State() == wire.ConnClosed {
			return fmt.Errorf("h2: connection closed while awaiting flow-control window")
		}
		time.Sleep(time.Millisecond)
	}
}

func lowerASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func (c *Connection) sendRSTStream(id uint32, code http2.ErrCode) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.fr.WriteRSTStream(id, code)
}
