// Package netservice implements the default NetService and TrustProvider
// collaborators from spec.md §6: transport bootstrapping, host resolution,
// and byte-buffer recycling, kept outside the connection state machines
// the same way the teacher keeps its *net.Dialer construction in
// client.go's NewClient rather than inline in the transport.
package netservice

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"golang.org/x/net/idna"
)

const (
	initialBufferSize    = 512
	maxRecycleBufferSize = 8 << 20
)

// NetService creates transport bootstraps, resolves host names, and
// allocates recyclable byte buffers (spec §6 "NetService: create transport
// bootstraps; resolve host names; provide byte allocator").
type NetService struct {
	dialer *net.Dialer
	pool   sync.Pool
}

// New builds a NetService whose Dial enforces connectTimeout and whose
// buffer allocator recycles buffers up to 8MiB (grounded on connect-go's
// bufferPool).
func New(connectTimeout time.Duration) *NetService {
	return &NetService{
		dialer: &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second},
		pool: sync.Pool{
			New: func() any { return bytes.NewBuffer(make([]byte, 0, initialBufferSize)) },
		},
	}
}

// Dial opens a TCP connection to addr ("host:port"), honoring ctx
// cancellation and the configured connect timeout.
func (n *NetService) Dial(ctx context.Context, addr string) (net.Conn, error) {
	return n.dialer.DialContext(ctx, "tcp", addr)
}

// ResolveHost normalizes an authority's host component for wire use,
// converting any internationalized domain name to its ASCII (punycode)
// form per IDNA (spec §6 "resolve host names").
func (n *NetService) ResolveHost(host string) (string, error) {
	return idna.Lookup.ToASCII(host)
}

// GetBuffer returns a recycled *bytes.Buffer ready for use, allocating a
// fresh one if the pool is empty.
func (n *NetService) GetBuffer() *bytes.Buffer {
	return n.pool.Get().(*bytes.Buffer)
}

// PutBuffer returns buf to the pool unless it has grown unreasonably
// large, in which case it is left for the garbage collector instead of
// pinning that memory indefinitely.
func (n *NetService) PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > maxRecycleBufferSize {
		return
	}
	buf.Reset()
	n.pool.Put(buf)
}

// TrustProvider supplies TLS trust configuration (spec §6 "TrustProvider:
// supply trust managers; optionally trust-all").
type TrustProvider struct {
	RootCAs    *tls.Config
	TrustAll   bool
	ServerName string
}

// TLSConfig builds a *tls.Config for serverName from the provider's
// settings, cloning RootCAs's base config if one was supplied so per-dial
// ServerName overrides never mutate shared state.
func (t *TrustProvider) TLSConfig(serverName string) *tls.Config {
	var cfg *tls.Config
	if t.RootCAs != nil {
		cfg = t.RootCAs.Clone()
	} else {
		cfg = &tls.Config{}
	}
	cfg.ServerName = serverName
	if t.TrustAll {
		cfg.InsecureSkipVerify = true
	}
	return cfg
}
