// Package compress wires the response/request body transform hooks (spec
// component A's Transform operator) to real compression codecs: gzip and
// deflate via klauspost/compress (a drop-in, faster replacement for the
// stdlib codecs, used the same way the rest of the corpus uses it), and
// brotli via andybalholm/brotli, the de facto Go brotli implementation.
package compress

import (
	"context"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/outpostkit/outpost/internal/stream"
)

// Codec names recognized in a Content-Encoding / Accept-Encoding header.
const (
	Gzip    = "gzip"
	Deflate = "deflate"
	Brotli  = "br"
	Zstd    = "zstd"
)

// Supported reports whether coding names a codec this package can decode.
func Supported(coding string) bool {
	switch coding {
	case Gzip, Deflate, Brotli, Zstd, "":
		return true
	default:
		return false
	}
}

// Decode wraps src (a possibly multi-chunk body Publisher encoded with
// coding) into a new Publisher yielding the decompressed bytes, streaming
// rather than buffering: a pipe feeds src's chunks to the codec's io.Reader
// as they arrive, and the codec's output is re-chunked into the returned
// Publisher (spec's Transform operator composes cleanly over this since
// Decode itself just returns another cold, single-subscribe Publisher).
func Decode(src *stream.Publisher, coding string) *stream.Publisher {
	if coding == "" {
		return src
	}
	return stream.New(func(ctx context.Context, yield func(stream.Chunk) bool) error {
		pr, pw := io.Pipe()
		go func() {
			err := src.Subscribe(ctx, func(c stream.Chunk) error {
				_, werr := pw.Write(c.Data)
				return werr
			})
			pw.CloseWithError(err)
		}()

		reader, err := newDecodeReader(pr, coding)
		if err != nil {
			pr.CloseWithError(err)
			return err
		}

		buf := make([]byte, 32*1024)
		for {
			n, rerr := reader.Read(buf)
			if n > 0 {
				if !yield(stream.Chunk{Data: append([]byte(nil), buf[:n]...)}) {
					return nil
				}
			}
			if rerr != nil {
				if rerr == io.EOF {
					yield(stream.Chunk{Last: true})
					return nil
				}
				return rerr
			}
		}
	})
}

func newDecodeReader(r io.Reader, coding string) (io.Reader, error) {
	switch coding {
	case Gzip:
		return gzip.NewReader(r)
	case Deflate:
		return flate.NewReader(r), nil
	case Brotli:
		return brotli.NewReader(r), nil
	case Zstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("compress: unsupported content-coding %q", coding)
	}
}

// Encode wraps src into a new Publisher yielding bytes compressed with
// coding, used when a request body opts into Content-Encoding.
func Encode(src *stream.Publisher, coding string) *stream.Publisher {
	if coding == "" {
		return src
	}
	return stream.New(func(ctx context.Context, yield func(stream.Chunk) bool) error {
		pr, pw := io.Pipe()
		encErrCh := make(chan error, 1)
		go func() {
			encErrCh <- encodeInto(pw, src, coding)
		}()

		buf := make([]byte, 32*1024)
		for {
			n, rerr := pr.Read(buf)
			if n > 0 {
				if !yield(stream.Chunk{Data: append([]byte(nil), buf[:n]...)}) {
					return nil
				}
			}
			if rerr != nil {
				if rerr == io.EOF {
					yield(stream.Chunk{Last: true})
					return <-encErrCh
				}
				return rerr
			}
		}
	})
}

func encodeInto(pw *io.PipeWriter, src *stream.Publisher, coding string) error {
	writer, closeWriter, err := newEncodeWriter(pw, coding)
	if err != nil {
		pw.CloseWithError(err)
		return err
	}
	err = src.Subscribe(context.Background(), func(c stream.Chunk) error {
		_, werr := writer.Write(c.Data)
		return werr
	})
	if cerr := closeWriter(); err == nil {
		err = cerr
	}
	pw.CloseWithError(err)
	return err
}

func newEncodeWriter(w io.Writer, coding string) (io.Writer, func() error, error) {
	switch coding {
	case Gzip:
		gw := gzip.NewWriter(w)
		return gw, gw.Close, nil
	case Deflate:
		fw, err := flate.NewWriter(w, flate.DefaultCompression)
		if err != nil {
			return nil, nil, err
		}
		return fw, fw.Close, nil
	case Brotli:
		bw := brotli.NewWriter(w)
		return bw, bw.Close, nil
	case Zstd:
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, err
		}
		return zw, zw.Close, nil
	default:
		return nil, nil, fmt.Errorf("compress: unsupported content-coding %q", coding)
	}
}
