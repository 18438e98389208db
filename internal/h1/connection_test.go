package h1

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostkit/outpost/internal/stream"
	"github.com/outpostkit/outpost/internal/wire"
)

func dialPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server = <-acceptCh
	return client, server
}

func TestSendReceivesFixedLengthBody(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 4096)
		n, _ := server.Read(buf)
		_ = n
		server.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nhello"))
	}()

	conn := New(client, Options{MaxConcurrentRequests: 2})
	req := &wire.RequestHead{
		Method: "GET", Path: "/", Authority: "example.com", Scheme: "http",
		Headers: wire.NewHeaders(), Body: stream.Empty(),
	}
	head, body, err := conn.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 200, head.Status)

	var got []byte
	err = body.Publisher.Subscribe(context.Background(), func(c stream.Chunk) error {
		got = append(got, c.Data...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestSendReceivesChunkedBody(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 4096)
		server.Read(buf)
		server.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"))
	}()

	conn := New(client, Options{MaxConcurrentRequests: 2})
	req := &wire.RequestHead{
		Method: "GET", Path: "/", Authority: "example.com", Scheme: "http",
		Headers: wire.NewHeaders(), Body: stream.Empty(),
	}
	_, body, err := conn.Send(context.Background(), req)
	require.NoError(t, err)

	var got []byte
	err = body.Publisher.Subscribe(context.Background(), func(c stream.Chunk) error {
		got = append(got, c.Data...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestPipeliningOrdersResponsesByRequestOrder(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 8192)
		n, _ := server.Read(buf)
		_ = n
		// Respond to both pipelined requests in one write, in order.
		server.Write([]byte(
			"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\n1" +
				"HTTP/1.1 200 OK\r\nContent-Length: 1\r\n\r\n2",
		))
	}()

	conn := New(client, Options{MaxConcurrentRequests: 2})
	req := func() *wire.RequestHead {
		return &wire.RequestHead{
			Method: "GET", Path: "/", Authority: "example.com", Scheme: "http",
			Headers: wire.NewHeaders(), Body: stream.Empty(),
		}
	}

	type result struct {
		body string
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, body, err := conn.Send(context.Background(), req())
			require.NoError(t, err)
			b, err := readAllBody(body)
			require.NoError(t, err)
			results <- result{body: string(b)}
		}()
	}

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case r := <-results:
			got[r.body] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for pipelined responses")
		}
	}
	assert.True(t, got["1"])
	assert.True(t, got["2"])
	<-done
}

func readAllBody(body *wire.ResponseBody) ([]byte, error) {
	var out []byte
	err := body.Publisher.Subscribe(context.Background(), func(c stream.Chunk) error {
		out = append(out, c.Data...)
		return nil
	})
	return out, err
}

func TestMaxConcurrentRequestsBoundsInFlight(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	conn := New(client, Options{MaxConcurrentRequests: 1})
	req := &wire.RequestHead{
		Method: "GET", Path: "/slow", Authority: "example.com", Scheme: "http",
		Headers: wire.NewHeaders(), Body: stream.Empty(),
	}

	started := make(chan struct{})
	go func() {
		close(started)
		conn.Send(context.Background(), req)
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, err := conn.Send(ctx, req)
	assert.Error(t, err, "second send should block on the bounded semaphore until the first completes or ctx expires")
}

func TestExpectContinueProceedsOn100(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 4096)
		n, _ := server.Read(buf)
		_ = n
		server.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n"))
		buf2 := make([]byte, 4096)
		server.Read(buf2)
		server.Write([]byte("HTTP/1.1 201 Created\r\nContent-Length: 0\r\n\r\n"))
	}()

	conn := New(client, Options{MaxConcurrentRequests: 1})
	headers := wire.NewHeaders()
	headers.Set("Expect", "100-continue")
	req := &wire.RequestHead{
		Method: "POST", Path: "/", Authority: "example.com", Scheme: "http",
		Headers: headers, Body: stream.FromBytes([]byte("payload")),
		HasLength: true, Length: 7, ExpectContinue: true,
	}
	head, _, err := conn.Send(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 201, head.Status)
}

func TestExpectContinueFailsOn417(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 4096)
		server.Read(buf)
		server.Write([]byte("HTTP/1.1 417 Expectation Failed\r\nContent-Length: 0\r\n\r\n"))
	}()

	conn := New(client, Options{MaxConcurrentRequests: 1})
	headers := wire.NewHeaders()
	headers.Set("Expect", "100-continue")
	req := &wire.RequestHead{
		Method: "POST", Path: "/", Authority: "example.com", Scheme: "http",
		Headers: headers, Body: stream.FromBytes([]byte("payload")),
		HasLength: true, Length: 7, ExpectContinue: true,
	}
	_, _, err := conn.Send(context.Background(), req)
	assert.ErrorIs(t, err, wire.ErrNotAcceptable)
}
