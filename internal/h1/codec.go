package h1

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/outpostkit/outpost/internal/stream"
	"github.com/outpostkit/outpost/internal/wire"
)

// writeLoop is the single writer goroutine: it drains writeQueue strictly
// in order, writing the request line, headers, and body, then hands the
// exchange to readQueue so readLoop can pick up the reply in the same
// order. Because writeLoop never waits on a response (except for the
// Expect:100-continue dance below), writes may run ahead of reads — this is
// the pipelining the HTTP/1.1 state machine provides (spec §4.D).
func (c *Connection) writeLoop() {
	for pe := range c.writeQueue {
		if err := c.writeHead(pe.req); err != nil {
			c.readQueue <- pe
			c.fail(err)
			return
		}

		if pe.req.ExpectContinue {
			if err := c.bw.Flush(); err != nil {
				c.readQueue <- pe
				c.fail(err)
				return
			}
			c.readQueue <- pe
			decision := <-pe.continueCh
			if !decision.proceed {
				// Server rejected or skipped the 100-continue interim
				// response; abandon the body without writing it (spec
				// §4.D.1). readLoop already has (or will construct) the
				// final response for this exchange.
				continue
			}
		} else {
			c.readQueue <- pe
		}

		if err := c.writeBody(pe.req); err != nil {
			c.fail(err)
			return
		}
		if err := c.bw.Flush(); err != nil {
			c.fail(err)
			return
		}
	}
}

func (c *Connection) writeHead(req *wire.RequestHead) error {
	if _, err := fmt.Fprintf(c.bw, "%s %s HTTP/1.1\r\n", req.Method, req.Path); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.bw, "Host: %s\r\n", req.Authority); err != nil {
		return err
	}
	wroteTE := false
	req.Headers.Range(func(name, value string) {
		if strings.EqualFold(name, "Host") {
			return
		}
		if strings.EqualFold(name, "Transfer-Encoding") {
			wroteTE = true
		}
		fmt.Fprintf(c.bw, "%s: %s\r\n", name, value)
	})
	if !req.HasLength && !wroteTE && req.Method != "GET" && req.Method != "HEAD" {
		io.WriteString(c.bw, "Transfer-Encoding: chunked\r\n")
	}
	_, err := io.WriteString(c.bw, "\r\n")
	return err
}

func (c *Connection) writeBody(req *wire.RequestHead) error {
	chunked := !req.HasLength
	err := req.Body.Subscribe(context.Background(), func(chunk stream.Chunk) error {
		if len(chunk.Data) == 0 {
			return nil
		}
		if chunked {
			if _, err := fmt.Fprintf(c.bw, "%x\r\n", len(chunk.Data)); err != nil {
				return err
			}
			if _, err := c.bw.Write(chunk.Data); err != nil {
				return err
			}
			_, err := io.WriteString(c.bw, "\r\n")
			return err
		}
		_, err := c.bw.Write(chunk.Data)
		return err
	})
	if err != nil {
		return err
	}
	if chunked {
		_, err := io.WriteString(c.bw, "0\r\n\r\n")
		return err
	}
	return nil
}

// readLoop is the single reader goroutine: it processes readQueue strictly
// in order, decoding one response (including any 1xx informational
// responses) per exchange, delivering the head to the caller, then
// synchronously draining the body before moving to the next queued
// exchange — responses on one TCP connection cannot be read out of order
// or concurrently (spec invariant 4).
func (c *Connection) readLoop() {
	for pe := range c.readQueue {
		head, abandoned, err := c.decodeHead(pe)
		if err != nil {
			pe.resp <- sendResult{err: err}
			c.fail(err)
			return
		}
		if abandoned {
			// writeLoop already skipped the body for this exchange
			// (Expect:100-continue rejected); nothing more to read for it.
			emptyBody := wire.NewResponseBody(stream.Empty())
			emptyBody.SetTrailers(nil)
			pe.resp <- sendResult{head: head, body: emptyBody}
			c.releaseSlot()
			continue
		}

		closeAfter := statusRequiresClose(head.Status, head.Headers)
		if closeAfter {
			c.markNonReusable()
		}

		length, hasLength := parseContentLength(head.Headers)
		chunkedResp := strings.EqualFold(head.Headers.Get("Transfer-Encoding"), "chunked")
		noBody := head.Status == 204 || head.Status == 304 || head.Status < 200

		if noBody {
			// Nothing follows on the wire for this status; complete
			// immediately instead of waiting on a subscriber that may
			// never arrive for a body that was never going to have bytes.
			emptyBody := wire.NewResponseBody(stream.Empty())
			emptyBody.SetTrailers(nil)
			pe.resp <- sendResult{head: head, body: emptyBody}
			c.releaseSlot()
			continue
		}

		bodyDone := make(chan struct{})
		rb := wire.NewResponseBody(nil)
		pub := stream.New(func(ctx context.Context, yield func(stream.Chunk) bool) error {
			defer close(bodyDone)
			switch {
			case chunkedResp:
				trailers, err := readChunkedBody(c.br, yield)
				rb.SetTrailers(trailers)
				return err
			case hasLength:
				err := readFixedBody(c.br, length, yield)
				rb.SetTrailers(nil)
				return err
			case closeAfter:
				err := readUntilEOF(c.br, yield)
				rb.SetTrailers(nil)
				return err
			default:
				rb.SetTrailers(nil)
				return nil
			}
		})
		rb.Publisher = pub

		pe.resp <- sendResult{head: head, body: rb}

		<-bodyDone
		c.releaseSlot()
	}
}

// decodeHead reads one status line plus headers, looping past any 1xx
// informational responses (spec §4.D.3: "any other 1xx informational
// responses are consumed and discarded"). For an Expect:100-continue
// exchange it also signals pe.continueCh exactly once, per the three-way
// branch in spec §4.D.1: 100 ⇒ proceed with body; 417 ⇒ fail with
// NotAcceptable and abandon the body; anything else ⇒ deliver that
// response and abandon the body without error.
func (c *Connection) decodeHead(pe *pendingExchange) (*wire.ResponseHead, bool, error) {
	signaled := pe.continueCh == nil
	for {
		status, headers, err := readStatusAndHeaders(c.br)
		if err != nil {
			return nil, false, err
		}
		if status >= 100 && status < 200 {
			if !signaled && status == 100 {
				signaled = true
				pe.continueCh <- continueDecision{proceed: true}
			}
			continue // discard other 1xx
		}
		if !signaled {
			signaled = true
			pe.continueCh <- continueDecision{proceed: false, status: status}
			if status == 417 {
				return nil, false, wire.ErrNotAcceptable
			}
			return &wire.ResponseHead{Status: status, Headers: headers}, true, nil
		}
		return &wire.ResponseHead{Status: status, Headers: headers}, false, nil
	}
}

func readStatusAndHeaders(br *bufio.Reader) (int, *wire.Headers, error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return 0, nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return 0, nil, fmt.Errorf("h1: malformed status line %q", line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, nil, fmt.Errorf("h1: malformed status code %q", parts[1])
	}
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return 0, nil, err
	}
	headers := wire.NewHeaders()
	for name, values := range mimeHeader {
		for _, v := range values {
			headers.Add(name, v)
		}
	}
	return status, headers, nil
}

func readFixedBody(br *bufio.Reader, length int64, yield func(stream.Chunk) bool) error {
	remaining := length
	buf := make([]byte, 32*1024)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := br.Read(buf[:n])
		if read > 0 {
			remaining -= int64(read)
			if !yield(stream.Chunk{Data: append([]byte(nil), buf[:read]...), Last: remaining == 0}) {
				return nil
			}
		}
		if err != nil {
			if err == io.EOF && remaining == 0 {
				return nil
			}
			return err
		}
	}
	return nil
}

func readUntilEOF(br *bufio.Reader, yield func(stream.Chunk) bool) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := br.Read(buf)
		if n > 0 {
			if !yield(stream.Chunk{Data: append([]byte(nil), buf[:n]...)}) {
				return nil
			}
		}
		if err != nil {
			if err == io.EOF {
				yield(stream.Chunk{Last: true})
				return nil
			}
			return err
		}
	}
}

func readChunkedBody(br *bufio.Reader, yield func(stream.Chunk) bool) (*wire.Headers, error) {
	tp := textproto.NewReader(br)
	for {
		sizeLine, err := tp.ReadLine()
		if err != nil {
			return nil, err
		}
		sizeStr, _, _ := strings.Cut(sizeLine, ";")
		size, err := strconv.ParseInt(strings.TrimSpace(sizeStr), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("h1: malformed chunk size %q", sizeLine)
		}
		if size == 0 {
			mimeHeader, err := tp.ReadMIMEHeader()
			if err != nil && err != io.EOF {
				return nil, err
			}
			var trailers *wire.Headers
			if len(mimeHeader) > 0 {
				trailers = wire.NewHeaders()
				for name, values := range mimeHeader {
					for _, v := range values {
						trailers.Add(name, v)
					}
				}
			}
			yield(stream.Chunk{Last: true})
			return trailers, nil
		}
		buf := make([]byte, size)
		if _, err := io.ReadFull(br, buf); err != nil {
			return nil, err
		}
		if _, err := tp.ReadLine(); err != nil { // trailing CRLF after chunk data
			return nil, err
		}
		if !yield(stream.Chunk{Data: buf}) {
			return nil, nil
		}
	}
}
