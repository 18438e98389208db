package outpost

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/outpostkit/outpost/internal/h1"
	"github.com/outpostkit/outpost/internal/h2"
	"github.com/outpostkit/outpost/internal/pool"
	"github.com/outpostkit/outpost/internal/wire"
)

// Endpoint is a fixed (scheme, host, port) target: it owns a connection
// pool and, if configured, an interceptor chain shared by every Exchange
// it creates (spec §3 Endpoint entity, §6 endpoint()/Endpoint.exchange()).
type Endpoint struct {
	cfg          *Config
	remote       string
	tls          bool
	interceptors []Interceptor
	pool         *pool.Pool
}

// NewEndpoint resolves target (an "http(s)://host[:port]" URL) into an
// Endpoint backed by a connection pool dialing that host, per cfg.
func NewEndpoint(target string, cfg *Config, interceptors ...Interceptor) (*Endpoint, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("outpost: invalid endpoint target %q: %w", target, err)
	}
	useTLS := u.Scheme == "https" || cfg.TLSEnabled
	host := u.Host
	if _, _, err := net.SplitHostPort(host); err != nil {
		port := "80"
		if useTLS {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}

	ep := &Endpoint{cfg: cfg, remote: host, tls: useTLS, interceptors: interceptors}
	ep.pool = pool.New(pool.Options{
		Dialer:         ep.dial,
		MaxConnections: cfg.PoolMaxSize,
		MaxQueueDepth:  cfg.PoolBufferSize,
		IdleKeepAlive:  cfg.PoolKeepAliveTimeout,
		CleanInterval:  cfg.PoolCleanPeriod,
		Clock:          cfg.Clock,
		Logger:         logrus.NewEntry(cfg.Logger),
	})
	return ep, nil
}

// dial opens a new TCP (and, for https, TLS) connection and wraps it as
// whichever wire.Conn matches the negotiated protocol. Negotiation happens
// up front — via TLS ALPN for https, or h2c prior-knowledge for plaintext
// HTTP/2-only configuration — rather than mid-stream upgrade, since
// picking the protocol before any request is sent sidesteps rehosting an
// in-flight HTTP/1.1 exchange onto a freshly upgraded HTTP/2 stream 1 (see
// DESIGN.md).
func (ep *Endpoint) dial(ctx context.Context) (wire.Conn, error) {
	if ep.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ep.cfg.ConnectTimeout)
		defer cancel()
	}
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", ep.remote)
	if err != nil {
		return nil, newErr(KindEndpointConnect, "dial", err)
	}

	logEntry := logrus.NewEntry(ep.cfg.Logger)

	if !ep.tls {
		if ep.onlyHTTP2() {
			conn, err := h2.Dial(ctx, raw, h2.Options{
				MaxConcurrentStreams: ep.cfg.HTTP2MaxConcurrentStreams,
				Logger:               logEntry,
			})
			if err != nil {
				raw.Close()
				return nil, newErr(KindUpgrade, "h2c", err)
			}
			return conn, nil
		}
		return h1.New(raw, h1.Options{
			MaxConcurrentRequests: ep.cfg.HTTP1MaxConcurrentRequests,
			Logger:                logEntry,
			Clock:                 ep.cfg.Clock,
			RequestTimeout:        ep.cfg.RequestTimeout,
		}), nil
	}

	tlsCfg := &tls.Config{ServerName: hostOnly(ep.remote), NextProtos: ep.alpnProtocols()}
	if ep.cfg.TLSConfig != nil {
		tlsCfg = ep.cfg.TLSConfig.Clone()
		tlsCfg.ServerName = hostOnly(ep.remote)
		tlsCfg.NextProtos = ep.alpnProtocols()
	}
	if ep.cfg.TLSTrustAll {
		tlsCfg.InsecureSkipVerify = true
	}
	tlsConn := tls.Client(raw, tlsCfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, newErr(KindEndpointConnect, "tls-handshake", err)
	}

	if tlsConn.ConnectionState().NegotiatedProtocol == "h2" {
		conn, err := h2.Dial(ctx, tlsConn, h2.Options{
			MaxConcurrentStreams: ep.cfg.HTTP2MaxConcurrentStreams,
			Logger:               logEntry,
		})
		if err != nil {
			tlsConn.Close()
			return nil, newErr(KindUpgrade, "h2", err)
		}
		return conn, nil
	}
	return h1.New(tlsConn, h1.Options{
		MaxConcurrentRequests: ep.cfg.HTTP1MaxConcurrentRequests,
		Logger:                logEntry,
		Clock:                 ep.cfg.Clock,
		RequestTimeout:        ep.cfg.RequestTimeout,
	}), nil
}

func (ep *Endpoint) onlyHTTP2() bool {
	return len(ep.cfg.ProtocolVersions) == 1 && ep.cfg.ProtocolVersions[0] == HTTP2
}

func (ep *Endpoint) alpnProtocols() []string {
	var out []string
	for _, v := range ep.cfg.ProtocolVersions {
		if v == HTTP2 {
			out = append(out, "h2")
		} else {
			out = append(out, "http/1.1")
		}
	}
	if len(out) == 0 {
		out = []string{"http/1.1"}
	}
	return out
}

func hostOnly(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// Exchange begins building a new Exchange for method and target (a path,
// optionally with a raw query string) against this Endpoint.
func (ep *Endpoint) Exchange(method Method, target string) *Exchange {
	req := newRequest(method, target, ep.remote, ep.tls)
	if ep.cfg.SendUserAgent && ep.cfg.UserAgent != "" {
		req.headers.Set("User-Agent", ep.cfg.UserAgent)
	}
	return newExchange(ep, req)
}

// Port returns the endpoint's resolved port, mostly useful for logging.
func (ep *Endpoint) Port() int {
	_, portStr, err := net.SplitHostPort(ep.remote)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

// Shutdown closes every pooled connection immediately, failing any
// in-flight exchange (spec §4.G / §6 Endpoint.shutdown()).
func (ep *Endpoint) Shutdown() error { return ep.pool.Shutdown() }

// ShutdownGracefully stops handing out connections for new exchanges and
// waits for in-flight ones to finish before closing (spec §6
// Endpoint.shutdownGracefully()).
func (ep *Endpoint) ShutdownGracefully(ctx context.Context) error {
	return ep.pool.ShutdownGracefully(ctx)
}
