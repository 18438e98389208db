package outpost

import (
	"context"
	"io"

	"github.com/outpostkit/outpost/internal/stream"
	"github.com/outpostkit/outpost/internal/wire"
)

// Response is the received (or intercepted) response (spec component B's
// counterpart for the reply side).
type Response struct {
	Status  int
	Headers *Headers

	body     *stream.Publisher
	trailers *wire.ResponseBody
}

// NewResponse constructs a Response; used by connection state machines when
// decoding a reply, and by interceptors building an intercepted response.
func NewResponse(status int, headers *Headers, body *stream.Publisher) *Response {
	if headers == nil {
		headers = NewHeaders()
	}
	if body == nil {
		body = stream.Empty()
	}
	return &Response{Status: status, Headers: headers, body: body}
}

func newResponseFromWire(head *wire.ResponseHead, body *wire.ResponseBody) *Response {
	return &Response{Status: head.Status, Headers: head.Headers, body: body.Publisher, trailers: body}
}

// Body returns the response body Publisher. It may be subscribed exactly
// once (spec invariant 2); transforms must be installed before that.
func (r *Response) Body() *stream.Publisher { return r.body }

// Transform installs a transform on the response body; legal only before
// the body has been subscribed.
func (r *Response) Transform(f func(stream.Chunk) (stream.Chunk, error)) {
	r.body = r.body.Transform(f)
}

// Trailers blocks until the response body has completed and returns any
// trailers received (HTTP/2 trailing HEADERS, or HTTP/1.1 chunked
// trailers). Returns nil if the body hasn't terminated, wasn't chunked, or
// carried no trailers.
func (r *Response) Trailers(ctx context.Context) *Headers {
	if r.trailers == nil {
		return nil
	}
	return r.trailers.Trailers(ctx)
}

// ReadAll reads the entire response body into memory; a convenience for
// callers that do not need streaming (used pervasively by tests).
func (r *Response) ReadAll(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := r.body.Subscribe(ctx, func(c stream.Chunk) error {
		buf = append(buf, c.Data...)
		return nil
	})
	return buf, err
}

// Reader adapts the response body Publisher to io.Reader for callers that
// want to use stdlib decoders (json.Decoder, etc.) directly.
func (r *Response) Reader(ctx context.Context) io.Reader {
	pr, pw := io.Pipe()
	go func() {
		err := r.body.Subscribe(ctx, func(c stream.Chunk) error {
			_, werr := pw.Write(c.Data)
			return werr
		})
		pw.CloseWithError(err)
	}()
	return pr
}
