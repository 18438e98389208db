package h2

import (
	"sync/atomic"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"

	"github.com/outpostkit/outpost/internal/stream"
	"github.com/outpostkit/outpost/internal/wire"
)

// readLoop is the single frame-reading goroutine per connection. Frames
// for different streams interleave on the wire (that is the point of
// HTTP/2 multiplexing); readLoop dispatches each DATA frame to its
// stream's buffered chunkCh, blocking if that buffer is full rather than
// dropping the chunk, so a slow consumer backpressures the shared
// connection instead of silently losing response bytes (spec §4.E, §8's
// round-trip byte-preservation property).
func (c *Connection) readLoop() {
	var respHeaders *wire.Headers
	var respStatus int
	var headersStreamID uint32
	var trailerMode bool
	dec := hpack.NewDecoder(4096, func(f hpack.HeaderField) {
		if f.Name == ":status" {
			respStatus = parseStatus(f.Value)
			return
		}
		if respHeaders == nil {
			respHeaders = wire.NewHeaders()
		}
		respHeaders.Add(f.Name, f.Value)
	})

	for {
		frame, err := c.fr.ReadFrame()
		if err != nil {
			c.teardown(err)
			return
		}

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			f.ForeachSetting(func(s http2.Setting) error {
				if s.ID == http2.SettingMaxConcurrentStreams {
					c.mu.Lock()
					c.peerMaxStreams = s.Val
					c.mu.Unlock()
				}
				return nil
			})
			c.writeMu.Lock()
			c.fr.WriteSettingsAck()
			c.writeMu.Unlock()

		case *http2.HeadersFrame:
			respHeaders = nil
			respStatus = 0
			headersStreamID = f.StreamID
			trailerMode = false
			c.mu.Lock()
			if s, ok := c.streams[f.StreamID]; ok {
				trailerMode = s.headSent
			}
			c.mu.Unlock()
			dec.Write(f.HeaderBlockFragment())
			if f.HeadersEnded() {
				c.deliverHeaders(headersStreamID, respStatus, respHeaders, trailerMode)
			}
			if f.StreamEnded() {
				c.endStream(headersStreamID)
			}

		case *http2.ContinuationFrame:
			dec.Write(f.HeaderBlockFragment())
			if f.HeadersEnded() {
				c.deliverHeaders(headersStreamID, respStatus, respHeaders, trailerMode)
			}

		case *http2.DataFrame:
			c.deliverData(f.StreamID, f.Data())
			if f.StreamEnded() {
				c.endStream(f.StreamID)
			}
			c.replenishWindow(f.StreamID, len(f.Data()))

		case *http2.WindowUpdateFrame:
			if f.StreamID == 0 {
				atomic.AddInt32(&c.sendConnW, int32(f.Increment))
			} else {
				c.mu.Lock()
				if s, ok := c.streams[f.StreamID]; ok {
					atomic.AddInt32(&s.sendWin, int32(f.Increment))
				}
				c.mu.Unlock()
			}

		case *http2.RSTStreamFrame:
			c.failStream(f.StreamID, &resetStreamError{code: uint32(f.ErrCode)})

		case *http2.GoAwayFrame:
			c.mu.Lock()
			c.goAwayReceived = true
			c.lastGoAwayID = f.LastStreamID
			c.mu.Unlock()
			c.MarkDraining()

		case *http2.PingFrame:
			if !f.IsAck() {
				c.writeMu.Lock()
				c.fr.WritePing(true, f.Data)
				c.writeMu.Unlock()
			}
		}
	}
}

func parseStatus(v string) int {
	n := 0
	for _, c := range v {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func (c *Connection) deliverHeaders(streamID uint32, status int, headers *wire.Headers, trailers bool) {
	if headers == nil {
		headers = wire.NewHeaders()
	}
	c.mu.Lock()
	s, ok := c.streams[streamID]
	c.mu.Unlock()
	if !ok {
		return
	}
	if trailers {
		s.body.SetTrailers(headers)
		return
	}
	s.headSent = true
	select {
	case s.headCh <- sendResult{head: &wire.ResponseHead{Status: status, Headers: headers}}:
	default:
	}
}

// deliverData hands a DATA frame's payload to its stream's chunkCh,
// blocking until the consumer has room rather than dropping the chunk when
// the 64-slot buffer is full. The only way out without delivering is the
// stream having already failed or completed independently (s.done), since
// there is then no consumer left to deliver to.
func (c *Connection) deliverData(streamID uint32, data []byte) {
	c.mu.Lock()
	s, ok := c.streams[streamID]
	c.mu.Unlock()
	if !ok || len(data) == 0 {
		return
	}
	cp := append([]byte(nil), data...)
	select {
	case s.chunkCh <- stream.Chunk{Data: cp}:
	case <-s.done:
	}
}

func (c *Connection) endStream(streamID uint32) {
	s := c.removeStream(streamID)
	if s == nil {
		return
	}
	s.closeNormally()
	s.body.SetTrailers(nil) // no-op if a trailing HEADERS frame already set them
}

// replenishWindow credits back what was just received as soon as it is
// framed, rather than waiting for the consumer to drain it — a deliberate
// simplification of RFC 7540 flow control noted in DESIGN.md. Because
// deliverData now blocks instead of dropping when the local buffer is
// full, this can let a fast peer run ahead of a slow consumer, but it can
// no longer cost any response bytes.
func (c *Connection) replenishWindow(streamID uint32, n int) {
	if n == 0 {
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.fr.WriteWindowUpdate(0, uint32(n))
	c.fr.WriteWindowUpdate(streamID, uint32(n))
}

func (c *Connection) teardown(err error) {
	c.mu.Lock()
	streams := c.streams
	c.streams = nil
	c.closed = true
	c.mu.Unlock()
	atomic.StoreInt32(&c.state, int32(wire.ConnClosed))
	for _, s := range streams {
		s.fail(wire.ErrConnectionReset)
	}
	_ = err
}

// resetStreamError carries the peer's RST_STREAM error code (spec §4.H
// ResetStreamError.code).
type resetStreamError struct{ code uint32 }

func (e *resetStreamError) Error() string { return "h2: stream reset by peer" }
func (e *resetStreamError) Code() uint32  { return e.code }
