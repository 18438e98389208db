package interceptors

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	outpost "github.com/outpostkit/outpost"
)

type scriptedChain struct {
	responses []*outpost.Response
	errs      []error
	calls     int
}

func (c *scriptedChain) Proceed(ctx context.Context, req *outpost.Request) (*outpost.Response, error) {
	i := c.calls
	c.calls++
	var err error
	if i < len(c.errs) {
		err = c.errs[i]
	}
	var resp *outpost.Response
	if i < len(c.responses) {
		resp = c.responses[i]
	}
	return resp, err
}

func fastPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

// bodylessRequest builds a real *outpost.Request the same way Exchange.Send
// would hand one to the chain, so Intercept's req.HasBody() call (and, in
// the future, anything else touching the Request) exercises the genuine
// type rather than a nil stand-in. NewEndpoint never dials — pool.New only
// wires up the pool's bookkeeping — so this needs no network.
func bodylessRequest(t *testing.T) *outpost.Request {
	t.Helper()
	ep, err := outpost.NewEndpoint("http://127.0.0.1:0", outpost.NewConfig())
	require.NoError(t, err)
	return ep.Exchange(outpost.MethodGET, "/").Request()
}

func TestRetryInterceptorRetriesOn503ThenSucceeds(t *testing.T) {
	chain := &scriptedChain{
		responses: []*outpost.Response{
			outpost.NewResponse(503, outpost.NewHeaders(), nil),
			outpost.NewResponse(200, outpost.NewHeaders(), nil),
		},
	}
	ri := NewRetryInterceptor(fastPolicy())
	resp, err := ri.Intercept(context.Background(), bodylessRequest(t), chain)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
	assert.Equal(t, 2, chain.calls)
}

func TestRetryInterceptorDoesNotRetryPlainClientError(t *testing.T) {
	chain := &scriptedChain{
		responses: []*outpost.Response{outpost.NewResponse(404, outpost.NewHeaders(), nil)},
	}
	ri := NewRetryInterceptor(fastPolicy())
	resp, err := ri.Intercept(context.Background(), bodylessRequest(t), chain)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.Status)
	assert.Equal(t, 1, chain.calls)
}

func TestRetryInterceptorGivesUpAfterMaxRetries(t *testing.T) {
	chain := &scriptedChain{
		responses: []*outpost.Response{
			outpost.NewResponse(500, outpost.NewHeaders(), nil),
			outpost.NewResponse(500, outpost.NewHeaders(), nil),
			outpost.NewResponse(500, outpost.NewHeaders(), nil),
			outpost.NewResponse(500, outpost.NewHeaders(), nil),
		},
	}
	ri := NewRetryInterceptor(fastPolicy())
	resp, err := ri.Intercept(context.Background(), bodylessRequest(t), chain)
	require.NoError(t, err)
	assert.Equal(t, 500, resp.Status)
	assert.Equal(t, 4, chain.calls) // initial attempt + 3 retries
}

func TestRetryInterceptorHonorsRetryAfterHeader(t *testing.T) {
	h := outpost.NewHeaders()
	h.Set("Retry-After", "0")
	chain := &scriptedChain{
		responses: []*outpost.Response{
			outpost.NewResponse(429, h, nil),
			outpost.NewResponse(200, outpost.NewHeaders(), nil),
		},
	}
	ri := NewRetryInterceptor(fastPolicy())
	resp, err := ri.Intercept(context.Background(), bodylessRequest(t), chain)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

// TestRetryInterceptorNeverRetriesARequestWithABody guards against the bug
// where a retried request's second attempt reused the first's already-
// subscribed body Publisher: a request with an explicit Body(...) must be
// sent at most once, even if its first response is retryable.
func TestRetryInterceptorNeverRetriesARequestWithABody(t *testing.T) {
	ep, err := outpost.NewEndpoint("http://127.0.0.1:0", outpost.NewConfig())
	require.NoError(t, err)
	ex := ep.Exchange(outpost.MethodPOST, "/")
	require.NoError(t, ex.Request().Body(outpost.BodyString("payload")))

	chain := &scriptedChain{
		responses: []*outpost.Response{
			outpost.NewResponse(503, outpost.NewHeaders(), nil),
			outpost.NewResponse(200, outpost.NewHeaders(), nil),
		},
	}
	ri := NewRetryInterceptor(fastPolicy())
	resp, err := ri.Intercept(context.Background(), ex.Request(), chain)
	require.NoError(t, err)
	assert.Equal(t, 503, resp.Status)
	assert.Equal(t, 1, chain.calls, "a request with a body must be sent exactly once")
}
