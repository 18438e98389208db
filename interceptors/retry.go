// Package interceptors holds ready-made Interceptor implementations that
// compose with an Endpoint's chain rather than living inside it — retry is
// a composition concern, not a connection-layer one (spec §7).
package interceptors

import (
	"context"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	outpost "github.com/outpostkit/outpost"
)

// RetryPolicy controls RetryInterceptor's backoff.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryPolicy matches the teacher's exponential-backoff-with-jitter
// defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
	}
}

// shouldRetryStatus reports whether a response status warrants a retry:
// server errors and rate limiting, never other 4xx (those are presumed the
// caller's fault and retrying would not help).
func shouldRetryStatus(status int) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	return status >= 500 && status < 600
}

// parseRetryAfter parses a Retry-After header (delta-seconds or HTTP-date)
// into a wait duration, capped at one hour. Returns 0 if absent or invalid.
func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		if d := time.Duration(secs) * time.Second; d < time.Hour {
			return d
		}
		return time.Hour
	}
	if t, err := http.ParseTime(header); err == nil {
		if delta := time.Until(t); delta > 0 {
			if delta > time.Hour {
				delta = time.Hour
			}
			return delta
		}
	}
	return 0
}

// RetryInterceptor retries an exchange on network errors and retryable
// status codes, with exponential backoff and jitter, honoring a
// server-supplied Retry-After when present. It only ever retries an
// Exchange whose Send has not yet observed side effects the caller cannot
// safely repeat — that judgment is the caller's to make by choosing
// whether to install this interceptor at all (spec §4.H: only
// ConnectionResetError is presumed retryable by the library itself; this
// interceptor is the opt-in, caller-composed alternative for status-code
// and response-level retries).
type RetryInterceptor struct {
	Policy RetryPolicy
}

// NewRetryInterceptor builds a RetryInterceptor with the given policy.
func NewRetryInterceptor(policy RetryPolicy) *RetryInterceptor {
	return &RetryInterceptor{Policy: policy}
}

func (ri *RetryInterceptor) Intercept(ctx context.Context, req *outpost.Request, chain outpost.Chain) (*outpost.Response, error) {
	// A request with an explicit body carries a Publisher that can only
	// ever be subscribed once (spec invariant 2); snapshot() hands the same
	// instance to every send attempt, so retrying it would either fail
	// outright on the second attempt or, worse, tear down the whole
	// connection out from under unrelated pipelined requests when the
	// failure surfaces inside the write loop. Bodyless requests are always
	// safe to retry since snapshot() gives each attempt a fresh empty
	// Publisher.
	if req.HasBody() {
		return chain.Proceed(ctx, req)
	}

	delay := ri.Policy.InitialDelay

	var lastResp *outpost.Response
	var lastErr error

	for attempt := 0; attempt <= ri.Policy.MaxRetries; attempt++ {
		resp, err := chain.Proceed(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if !outpost.IsRetryable(err) || attempt >= ri.Policy.MaxRetries {
				return nil, err
			}
			if !ri.wait(ctx, delay) {
				return nil, ctx.Err()
			}
			delay = ri.nextDelay(delay)
			lastErr = err
			continue
		}

		if !shouldRetryStatus(resp.Status) || attempt >= ri.Policy.MaxRetries {
			return resp, nil
		}

		retryAfter := parseRetryAfter(resp.Headers.Get("Retry-After"))
		jitter := time.Duration(rand.Float64() * float64(delay))
		wait := jitter
		if retryAfter > wait {
			wait = retryAfter
		}
		resp.Body().Discard(ctx)

		if !ri.wait(ctx, wait) {
			return nil, ctx.Err()
		}
		delay = ri.nextDelay(delay)
		lastResp = resp
	}

	if lastResp != nil {
		return lastResp, nil
	}
	return nil, lastErr
}

func (ri *RetryInterceptor) nextDelay(delay time.Duration) time.Duration {
	delay = time.Duration(float64(delay) * ri.Policy.Multiplier)
	if delay > ri.Policy.MaxDelay {
		delay = ri.Policy.MaxDelay
	}
	return delay
}

func (ri *RetryInterceptor) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
