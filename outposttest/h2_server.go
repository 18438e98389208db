package outposttest

import (
	"bufio"
	"io"
	"net"
	"strconv"
	"sync"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// H2Response is what an H2Handler returns for one stream: a status and a
// body. An empty Body sends headers only, with END_STREAM on the HEADERS
// frame.
type H2Response struct {
	Status int
	Body   []byte
}

// H2Handler decides the response for a HEADERS frame opening streamID.
type H2Handler func(streamID uint32, headers map[string]string) H2Response

// H2Server is a minimal HTTP/2 server built on the same
// golang.org/x/net/http2 Framer/hpack primitives as internal/h2's client
// (spec SPEC_FULL §4.N). It answers each HEADERS frame with the handler's
// status and body; it never sends RST_STREAM or GOAWAY and does no
// flow-control accounting.
type H2Server struct {
	ln      net.Listener
	handler H2Handler

	mu     sync.Mutex
	closed bool
}

// NewH2Server starts listening on 127.0.0.1:0 and answers every stream with
// handler's H2Response.
func NewH2Server(handler H2Handler) *H2Server {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	s := &H2Server{ln: ln, handler: handler}
	go s.acceptLoop()
	return s
}

func (s *H2Server) Addr() string { return s.ln.Addr().String() }

func (s *H2Server) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.ln.Close()
}

func (s *H2Server) acceptLoop() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

func (s *H2Server) serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(br, preface); err != nil {
		return
	}

	fr := http2.NewFramer(conn, br)
	fr.AllowIllegalWrites = true
	fr.WriteSettings()
	fr.WriteSettingsAck()

	var headerBuf bufferWriter
	dec := hpack.NewDecoder(4096, nil)

	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			return
		}
		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if !f.IsAck() {
				fr.WriteSettingsAck()
			}
		case *http2.HeadersFrame:
			headers := map[string]string{}
			dec.SetEmitFunc(func(hf hpack.HeaderField) { headers[hf.Name] = hf.Value })
			dec.Write(f.HeaderBlockFragment())

			resp := s.handler(f.StreamID, headers)
			headerBuf.b = headerBuf.b[:0]
			enc := hpack.NewEncoder(&headerBuf)
			enc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(resp.Status)})
			fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      f.StreamID,
				BlockFragment: append([]byte(nil), headerBuf.b...),
				EndHeaders:    true,
				EndStream:     len(resp.Body) == 0,
			})
			if len(resp.Body) > 0 {
				fr.WriteData(f.StreamID, true, resp.Body)
			}
		case *http2.WindowUpdateFrame, *http2.PingFrame:
			// no flow-control accounting needed for small fixture bodies
		}
	}
}

type bufferWriter struct{ b []byte }

func (w *bufferWriter) Write(p []byte) (int, error) { w.b = append(w.b, p...); return len(p), nil }
