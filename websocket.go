package outpost

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync/atomic"

	"github.com/outpostkit/outpost/internal/wire"
	"github.com/outpostkit/outpost/internal/ws"
)

// WebSocketExchange is the result of a successful WebSocket upgrade: a
// detached, message-framed duplex channel that no longer participates in
// the Endpoint's connection pool (spec §4.F, §6
// "Exchange.webSocket([subprotocol]) → async WebSocketExchange").
type WebSocketExchange struct {
	conn *ws.Connection
}

// Subprotocol returns the server-negotiated subprotocol, or "" if none was
// offered or accepted.
func (w *WebSocketExchange) Subprotocol() string { return w.conn.Subprotocol() }

// SendText sends a text frame.
func (w *WebSocketExchange) SendText(msg string) error { return w.conn.SendText(msg) }

// SendBinary sends a binary frame.
func (w *WebSocketExchange) SendBinary(b []byte) error { return w.conn.SendBinary(b) }

// Receive blocks for the next complete message, auto-replying to pings
// transparently (spec §4.F).
func (w *WebSocketExchange) Receive() (ws.Message, error) { return w.conn.Receive() }

// Close sends a close frame with code and reason and releases the
// underlying socket. Per spec §4.F, once detached it is the caller's
// responsibility to close it — Shutdown/ShutdownGracefully on the owning
// Endpoint never reach this connection.
func (w *WebSocketExchange) Close(code uint16, reason string) error {
	return w.conn.Close(code, reason)
}

// WebSocket performs the handshake described by this Exchange's Request
// (method/headers are ignored — the handshake always issues its own GET
// with the Upgrade headers per RFC 6455) and offers subprotocols in order.
// The handshake is dialed independently of the Endpoint's pool: per spec
// §4.F the resulting connection is detached and must never be returned to
// it. WebSocket handshakes are HTTP/1.1 only, so ALPN is pinned to
// "http/1.1" regardless of the Endpoint's configured protocol versions.
func (e *Exchange) WebSocket(ctx context.Context, subprotocols ...string) (*WebSocketExchange, error) {
	if !atomic.CompareAndSwapInt32(&e.state, int32(exchangeBuilding), int32(exchangeSent)) {
		return nil, newErr(KindIllegalState, "webSocket", ErrIllegalState)
	}

	raw, err := e.endpoint.dialForUpgrade(ctx)
	if err != nil {
		return nil, newErr(KindEndpointConnect, "webSocket", err)
	}

	req := ws.HandshakeRequest{
		Path:         e.req.AbsolutePath(),
		Authority:    e.req.GetAuthority(),
		Subprotocols: subprotocols,
		ExtraHeaders: e.req.headers.Clone(),
	}
	conn, err := ws.Handshake(ctx, raw, req, subprotocols)
	if err != nil {
		raw.Close()
		if errors.Is(err, wire.ErrUnsupportedSubprotocol) {
			return nil, newErr(KindUnsupportedProtocol, "webSocket", ErrUnsupportedSubprotocol)
		}
		return nil, newErr(KindUpgrade, "webSocket", err)
	}
	return &WebSocketExchange{conn: conn}, nil
}

// dialForUpgrade opens a plain TCP (or TLS, ALPN pinned to HTTP/1.1)
// connection outside the pool, for the WebSocket handshake to take over
// directly.
func (ep *Endpoint) dialForUpgrade(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", ep.remote)
	if err != nil {
		return nil, err
	}
	if !ep.tls {
		return raw, nil
	}
	tlsCfg := &tls.Config{ServerName: hostOnly(ep.remote), NextProtos: []string{"http/1.1"}}
	if ep.cfg.TLSTrustAll {
		tlsCfg.InsecureSkipVerify = true
	}
	tlsConn := tls.Client(raw, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return tlsConn, nil
}
