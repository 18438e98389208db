// Package outpost provides an HTTP/1.1 and HTTP/2 client core with request
// interception, connection pooling, WebSocket upgrade, and reactive
// streaming request/response bodies.
//
// The system is organized as a set of Endpoints (a logical binding to one
// remote server address) that produce Exchanges (request/response pairs)
// subject to an interception pipeline, transported by Connections
// multiplexing one or more streams under a protocol-specific connection
// state machine.
//
// # Basic usage
//
// Build an Endpoint and send one Exchange:
//
//	ep, err := outpost.NewEndpoint("https://example.com", outpost.NewConfig())
//	if err != nil {
//	    return err
//	}
//	defer ep.Shutdown()
//
//	ex := ep.Exchange(outpost.MethodGET, "/widgets")
//	resp, err := ex.Send(ctx)
//	if err != nil {
//	    return err
//	}
//	body, err := resp.ReadAll(ctx)
//
// # Streaming bodies
//
// Request and response bodies are internal/stream.Publisher-backed: cold,
// single-subscriber, and backpressured, so a slow consumer naturally
// throttles the underlying connection rather than buffering unboundedly.
//
//	ex.Request().Body(outpost.BodyPublisher(myPublisher))
//	reader := resp.Reader(ctx) // adapts to io.Reader for stdlib decoders
//
// # Interceptors
//
// Interceptors observe or rewrite an exchange before it reaches a
// connection; retry policy is one such interceptor, not a built-in of the
// transport itself:
//
//	ep, err := outpost.NewEndpoint(url, cfg, interceptors.NewRetryInterceptor(interceptors.DefaultRetryPolicy()))
//
// # Errors
//
// Errors are *outpost.Error values tagged with a Kind from the taxonomy in
// errors.go; IsRetryable reports whether the library itself considers an
// error safe to retry without risking a repeated side effect.
package outpost
