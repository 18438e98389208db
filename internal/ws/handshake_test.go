package ws

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostkit/outpost/internal/wire"
)

func dialPair(t *testing.T) (client, server net.Conn) {
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

func serveHandshake(t *testing.T, server net.Conn, subprotocol string) {
	t.Helper()
	br := bufio.NewReader(server)
	var key string
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if name, value, ok := strings.Cut(line, ":"); ok && strings.EqualFold(strings.TrimSpace(name), "Sec-WebSocket-Key") {
			key = strings.TrimSpace(value)
		}
	}
	resp := "HTTP/1.1 101 Switching Protocols\r\nUpgrade: websocket\r\nConnection: Upgrade\r\nSec-WebSocket-Accept: " + acceptHash(key) + "\r\n"
	if subprotocol != "" {
		resp += "Sec-WebSocket-Protocol: " + subprotocol + "\r\n"
	}
	resp += "\r\n"
	server.Write([]byte(resp))
}

func TestHandshakeSucceedsAndNegotiatesSubprotocol(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	go serveHandshake(t, server, "chat")

	conn, err := Handshake(context.Background(), client, HandshakeRequest{
		Path: "/chat", Authority: "example.com",
	}, []string{"chat", "superchat"})
	require.NoError(t, err)
	assert.Equal(t, "chat", conn.Subprotocol())
}

func TestHandshakeRejectsUnofferedSubprotocol(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	go serveHandshake(t, server, "unoffered")

	_, err := Handshake(context.Background(), client, HandshakeRequest{
		Path: "/chat", Authority: "example.com",
	}, []string{"chat"})
	assert.ErrorIs(t, err, wire.ErrUnsupportedSubprotocol)
}

func TestSendAndReceiveTextMessage(t *testing.T) {
	client, server := dialPair(t)
	defer client.Close()
	defer server.Close()

	go serveHandshake(t, server, "")
	conn, err := Handshake(context.Background(), client, HandshakeRequest{
		Path: "/chat", Authority: "example.com",
	}, nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		conn.SendText("hello")
	}()

	serverWS := newConnection(server, bufio.NewReader(server), "")
	msg, err := serverWS.Receive()
	require.NoError(t, err)
	assert.False(t, msg.Binary)
	assert.Equal(t, "hello", string(msg.Data))
}
