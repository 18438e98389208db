// Package wire holds the data types shared between the public outpost
// package and the protocol-specific connection state machines
// (internal/h1, internal/h2, internal/pool, internal/ws) so those packages
// never need to import the parent package.
package wire

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/outpostkit/outpost/internal/stream"
)

// Sentinel errors returned by connection state machines (internal/h1,
// internal/h2), classified by the root package's exchange layer into the
// public Kind taxonomy (spec.md §4.H) without those packages importing the
// root package (which would cycle back through internal/pool).
var (
	// ErrNotAcceptable is returned when a server answers an Expect:
	// 100-continue request with 417 Expectation Failed.
	ErrNotAcceptable = errors.New("wire: expectation failed")

	// ErrConnectionReset is returned when the peer closed or reset the
	// underlying transport mid-exchange.
	ErrConnectionReset = errors.New("wire: connection reset")

	// ErrUpgradeRejected is returned when a WebSocket or HTTP/2 upgrade
	// handshake did not complete as expected.
	ErrUpgradeRejected = errors.New("wire: upgrade rejected")

	// ErrUnsupportedSubprotocol is returned when the server names a
	// WebSocket subprotocol the client never offered.
	ErrUnsupportedSubprotocol = errors.New("wire: unsupported subprotocol")
)

// Headers is an ordered, case-insensitive multi-map. outpost.Headers is a
// type alias for this type so the public API and the connection layer
// share one representation without a conversion step on every send.
type Headers struct {
	names  []string
	values map[string][]string
}

func NewHeaders() *Headers {
	return &Headers{values: make(map[string][]string)}
}

func key(name string) string { return strings.ToLower(name) }

func (h *Headers) Set(name, value string) {
	k := key(name)
	if _, ok := h.values[k]; !ok {
		h.names = append(h.names, name)
	}
	h.values[k] = []string{value}
}

func (h *Headers) Add(name, value string) {
	k := key(name)
	if _, ok := h.values[k]; !ok {
		h.names = append(h.names, name)
	}
	h.values[k] = append(h.values[k], value)
}

func (h *Headers) Get(name string) string {
	vs := h.values[key(name)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func (h *Headers) Values(name string) []string { return h.values[key(name)] }

func (h *Headers) Has(name string) bool {
	_, ok := h.values[key(name)]
	return ok
}

func (h *Headers) Del(name string) {
	k := key(name)
	if _, ok := h.values[k]; !ok {
		return
	}
	delete(h.values, k)
	for i, n := range h.names {
		if key(n) == k {
			h.names = append(h.names[:i], h.names[i+1:]...)
			break
		}
	}
}

func (h *Headers) Range(fn func(name, value string)) {
	for _, n := range h.names {
		for _, v := range h.values[key(n)] {
			fn(n, v)
		}
	}
}

func (h *Headers) Clone() *Headers {
	out := NewHeaders()
	h.Range(func(name, value string) { out.Add(name, value) })
	return out
}

func (h *Headers) Validate() error {
	for _, n := range h.names {
		if !httpguts.ValidHeaderFieldName(n) {
			return &InvalidHeaderError{Name: n}
		}
		for _, v := range h.values[key(n)] {
			if !httpguts.ValidHeaderFieldValue(v) {
				return &InvalidHeaderError{Name: n, Value: v, BadValue: true}
			}
		}
	}
	return nil
}

// InvalidHeaderError reports a malformed header name or value.
type InvalidHeaderError struct {
	Name     string
	Value    string
	BadValue bool
}

func (e *InvalidHeaderError) Error() string {
	if e.BadValue {
		return "wire: invalid header field value for " + e.Name
	}
	return "wire: invalid header field name: " + e.Name
}

// RequestHead is the immutable, connection-side view of a sent Request.
type RequestHead struct {
	Method    string
	Path      string
	Authority string
	Scheme    string
	Headers   *Headers
	Body      *stream.Publisher
	HasLength bool
	Length    int64

	// ExpectContinue mirrors an "Expect: 100-continue" header so the
	// HTTP/1.1 state machine can drive the head-only / wait-for-100 dance
	// without re-parsing headers (spec §4.D step 1).
	ExpectContinue bool
}

// ResponseHead is the decoded status line/headers of a reply, before any
// body bytes are delivered.
type ResponseHead struct {
	Status  int
	Headers *Headers
}

// ResponseBody pairs a response body Publisher with a way to retrieve
// trailers once that Publisher has completed (trailers, if any, are only
// known after the last chunk).
type ResponseBody struct {
	Publisher *stream.Publisher
	trailers  *Headers
	done      chan struct{}
	setOnce   sync.Once
}

func NewResponseBody(p *stream.Publisher) *ResponseBody {
	return &ResponseBody{Publisher: p, done: make(chan struct{})}
}

// SetTrailers is called by the connection state machine once it has
// decoded trailers (or confirmed there are none) at end of stream. Safe to
// call more than once (only the first call's value sticks); HTTP/2 may
// reach end-of-stream both via a DATA frame's END_STREAM flag and a
// trailing HEADERS frame, and callers need not track which one fired
// first.
func (b *ResponseBody) SetTrailers(h *Headers) {
	b.setOnce.Do(func() {
		b.trailers = h
		close(b.done)
	})
}

// Trailers blocks until SetTrailers has been called (i.e. until the body
// has terminated) or ctx is done.
func (b *ResponseBody) Trailers(ctx context.Context) *Headers {
	select {
	case <-b.done:
		return b.trailers
	case <-ctx.Done():
		return nil
	}
}

// ConnState is the lifecycle state of a Conn (spec §3 Connection entity).
type ConnState int32

const (
	ConnOpening ConnState = iota
	ConnActive
	ConnDraining
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnOpening:
		return "opening"
	case ConnActive:
		return "active"
	case ConnDraining:
		return "draining"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamResetError is implemented by errors carrying the peer's RST_STREAM
// error code, letting the root package classify them into KindResetStream
// without internal/h2 needing to import the root package's Kind taxonomy.
type StreamResetError interface {
	error
	Code() uint32
}

// Conn is the common surface internal/pool needs from an HTTP/1.1 or
// HTTP/2 connection, letting the pool stay protocol-agnostic.
type Conn interface {
	// Send dispatches req and returns the decoded response head plus a
	// handle on the streaming body. It blocks until headers are received
	// (or failure).
	Send(ctx context.Context, req *RequestHead) (*ResponseHead, *ResponseBody, error)

	Protocol() string
	Load() int
	Capacity() int
	State() ConnState
	MarkDraining()
	Close() error

	// IdleSince reports the time since which the connection has had zero
	// in-flight exchanges (false while any are in flight), for the pool
	// cleaner's keep-alive sweep.
	IdleSince() (time.Time, bool)
}
