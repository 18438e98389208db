package outpost

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/outpostkit/outpost/internal/pool"
	"github.com/outpostkit/outpost/internal/stream"
	"github.com/outpostkit/outpost/internal/wire"
)

// Interceptor observes or rewrites an exchange before it reaches the
// connection (spec component C). chain is the remainder of the pipeline;
// an interceptor that does not call chain.Proceed short-circuits it,
// producing a response without ever touching a connection — the
// "Maybe<Intercepted>" short-circuit from spec §4.C.
type Interceptor interface {
	Intercept(ctx context.Context, req *Request, chain Chain) (*Response, error)
}

// InterceptorFunc adapts a plain function to Interceptor.
type InterceptorFunc func(ctx context.Context, req *Request, chain Chain) (*Response, error)

func (f InterceptorFunc) Intercept(ctx context.Context, req *Request, chain Chain) (*Response, error) {
	return f(ctx, req, chain)
}

// Chain lets an Interceptor hand control to the rest of the pipeline.
type Chain interface {
	Proceed(ctx context.Context, req *Request) (*Response, error)
}

type chainLink struct {
	interceptors []Interceptor
	terminal     func(ctx context.Context, req *Request) (*Response, error)
}

func (c *chainLink) Proceed(ctx context.Context, req *Request) (*Response, error) {
	if len(c.interceptors) == 0 {
		return c.terminal(ctx, req)
	}
	next := &chainLink{interceptors: c.interceptors[1:], terminal: c.terminal}
	return c.interceptors[0].Intercept(ctx, req, next)
}

// exchangeState mirrors spec §3's Exchange lifecycle: building → sent →
// (response | reset).
type exchangeState int32

const (
	exchangeBuilding exchangeState = iota
	exchangeSent
	exchangeReset
)

// Exchange is one request/response pair flowing through an Endpoint's
// interceptor chain and connection pool (spec component C).
type Exchange struct {
	req      *Request
	endpoint *Endpoint

	state int32 // exchangeState
}

func newExchange(endpoint *Endpoint, req *Request) *Exchange {
	return &Exchange{req: req, endpoint: endpoint}
}

// Request exposes the mutable builder while the Exchange is building.
func (e *Exchange) Request() *Request { return e.req }

// Reset marks the Exchange reset. If Send was never called, a later Send
// returns an empty response without acquiring a connection (spec §4.C "if
// the Exchange was reset before subscription, the response publisher
// completes empty"). A Send already in progress is not interrupted.
func (e *Exchange) Reset() {
	atomic.CompareAndSwapInt32(&e.state, int32(exchangeBuilding), int32(exchangeReset))
	atomic.CompareAndSwapInt32(&e.state, int32(exchangeSent), int32(exchangeReset))
}

// Send freezes the Request, runs it through the Endpoint's interceptor
// chain (if any — component C's "if one or more interceptors exist, build
// an InterceptedExchange"), and on reaching the end of the chain acquires
// a connection from the pool and dispatches the request (spec §4.C).
func (e *Exchange) Send(ctx context.Context) (*Response, error) {
	if !atomic.CompareAndSwapInt32(&e.state, int32(exchangeBuilding), int32(exchangeSent)) {
		if exchangeState(atomic.LoadInt32(&e.state)) == exchangeReset {
			return NewResponse(0, NewHeaders(), stream.Empty()), nil
		}
		return nil, newErr(KindIllegalState, "send", ErrIllegalState)
	}

	terminal := func(ctx context.Context, req *Request) (*Response, error) {
		return e.endpoint.dispatch(ctx, req)
	}
	chain := &chainLink{interceptors: e.endpoint.interceptors, terminal: terminal}
	return chain.Proceed(ctx, e.req)
}

// dispatch acquires a pooled connection and performs the wire-level
// send, translating protocol errors into the public Kind taxonomy.
func (ep *Endpoint) dispatch(ctx context.Context, req *Request) (*Response, error) {
	conn, err := ep.pool.Acquire(ctx)
	if err != nil {
		return nil, classifyPoolError(err)
	}

	head, body, err := conn.Send(ctx, req.snapshot())
	ep.pool.Release(conn)
	if err != nil {
		return nil, classifyConnError(err)
	}
	return newResponseFromWire(head, body), nil
}

func classifyConnError(err error) error {
	var rse wire.StreamResetError
	switch {
	case err == wire.ErrNotAcceptable:
		return newErr(KindNotAcceptable, "send", ErrNotAcceptable)
	case err == wire.ErrConnectionReset:
		return newErr(KindConnectionReset, "send", err)
	case errors.As(err, &rse):
		e := newErr(KindResetStream, "send", err)
		e.StreamResetCode = rse.Code()
		return e
	default:
		return newErr(KindGeneric, "send", err)
	}
}

func classifyPoolError(err error) error {
	if pool.IsExhausted(err) {
		return newErr(KindPoolExhausted, "acquire", ErrPoolExhausted)
	}
	return newErr(KindEndpointConnect, "acquire", err)
}
