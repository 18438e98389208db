package outpost

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/outpostkit/outpost/internal/stream"
	"github.com/outpostkit/outpost/internal/wire"
)

// Method is an HTTP request method.
type Method string

const (
	MethodGET     Method = "GET"
	MethodHEAD    Method = "HEAD"
	MethodPOST    Method = "POST"
	MethodPUT     Method = "PUT"
	MethodPATCH   Method = "PATCH"
	MethodDELETE  Method = "DELETE"
	MethodOPTIONS Method = "OPTIONS"
	MethodConnect Method = "CONNECT"
	MethodTrace   Method = "TRACE"
)

// Resource is the minimal stand-in for the external Resource collaborator
// (spec.md §6): enough to let the body configurator's "resource" kind
// auto-populate Content-Length/Content-Type/Last-Modified.
type Resource interface {
	MediaType() string
	Size() (int64, bool)
	LastModified() (time.Time, bool)
	Open() *stream.Publisher
}

// BodyConfigurator installs or amends a Request's body. Multiple calls to
// Request.Body compose in the order given (spec §4.B).
type BodyConfigurator func(*bodyState)

type bodyState struct {
	publisher   *stream.Publisher
	contentType string
	contentLen  int64
	hasLen      bool
	lastMod     time.Time
	hasLastMod  bool
}

// BodyEmpty installs an empty body (the default).
func BodyEmpty() BodyConfigurator {
	return func(s *bodyState) { s.publisher = stream.Empty() }
}

// BodyBytes installs a Mono body from raw bytes, deriving Content-Length
// from its size per spec invariant 5.
func BodyBytes(b []byte) BodyConfigurator {
	return func(s *bodyState) {
		s.publisher = stream.FromBytes(b)
		s.contentLen = int64(len(b))
		s.hasLen = true
	}
}

// BodyString installs a Mono body from a string with Content-Type
// "text/plain; charset=utf-8" unless already set.
func BodyString(v string) BodyConfigurator {
	return func(s *bodyState) {
		s.publisher = stream.FromBytes([]byte(v))
		s.contentLen = int64(len(v))
		s.hasLen = true
		if s.contentType == "" {
			s.contentType = "text/plain; charset=utf-8"
		}
	}
}

// BodyPublisher installs a caller-supplied, possibly multi-chunk body
// Publisher. Without an explicit Content-Length the connection falls back
// to chunked transfer (HTTP/1.1) or DATA frames with END_STREAM (HTTP/2),
// per spec invariant 5.
func BodyPublisher(p *stream.Publisher) BodyConfigurator {
	return func(s *bodyState) { s.publisher = p }
}

// BodyResource installs a body read from a Resource, auto-populating
// Content-Length, Content-Type, and Last-Modified if not already set
// (spec §4.B).
func BodyResource(r Resource) BodyConfigurator {
	return func(s *bodyState) {
		s.publisher = r.Open()
		if s.contentType == "" {
			s.contentType = r.MediaType()
		}
		if !s.hasLen {
			if n, ok := r.Size(); ok {
				s.contentLen = n
				s.hasLen = true
			}
		}
		if !s.hasLastMod {
			if t, ok := r.LastModified(); ok {
				s.lastMod = t
				s.hasLastMod = true
			}
		}
	}
}

// WithContentType overrides the body's content type regardless of the
// kind-specific default.
func WithContentType(ct string) BodyConfigurator {
	return func(s *bodyState) { s.contentType = ct }
}

// state describes where a Request is in its lifecycle (spec §3: building →
// sending → ... ).
type requestState int32

const (
	stateBuilding requestState = iota
	stateSent
)

// Request is the mutable request model (spec component B). It is mutable
// only while the owning Exchange is in the *building* state; any mutation
// after send fails with ErrIllegalState (spec invariant 1).
type Request struct {
	mu sync.Mutex

	state requestState

	method    Method
	rawPath   string
	query     url.Values
	authority string
	headers   *Headers
	body      bodyState

	// scheme is derived from whether the connection is TLS, never set
	// directly by callers (spec invariant 6).
	scheme string

	// remote is used to derive Authority by default-port suppression.
	remote string
}

func newRequest(method Method, target string, remote string, tls bool) *Request {
	r := &Request{
		method:  method,
		headers: NewHeaders(),
		query:   url.Values{},
		remote:  remote,
	}
	if tls {
		r.scheme = "https"
	} else {
		r.scheme = "http"
	}
	r.setPathLocked(target)
	return r
}

func (r *Request) checkBuilding(op string) error {
	if r.state != stateBuilding {
		return newErr(KindIllegalState, op, ErrIllegalState)
	}
	return nil
}

// Method sets the request method. Legal only while building.
func (r *Request) Method(m Method) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkBuilding("method"); err != nil {
		return err
	}
	r.method = m
	return nil
}

func (r *Request) GetMethod() Method {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.method
}

// Path reparses the request target: absolute path plus optional raw query.
// Calling Path resets previously set query parameters, matching "reparses
// the URI builder, resets absolute path and query caches" (spec §4.B).
func (r *Request) Path(target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkBuilding("path"); err != nil {
		return err
	}
	r.setPathLocked(target)
	return nil
}

func (r *Request) setPathLocked(target string) {
	path, rawQuery, _ := strings.Cut(target, "?")
	if path == "" {
		path = "/"
	}
	r.rawPath = path
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		q = url.Values{}
	}
	r.query = q
}

// Query sets a single query parameter, added to whatever Path parsed out of
// the raw query string.
func (r *Request) Query(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkBuilding("query"); err != nil {
		return err
	}
	r.query.Set(key, value)
	return nil
}

// AbsolutePath returns the path plus encoded query, e.g. "/a/b?x=1".
func (r *Request) AbsolutePath() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.absolutePathLocked()
}

// absolutePathLocked is AbsolutePath's body, for callers that already hold
// r.mu (sync.Mutex isn't reentrant, so AbsolutePath itself can't be called
// while r.mu is held).
func (r *Request) absolutePathLocked() string {
	if len(r.query) == 0 {
		return r.rawPath
	}
	return r.rawPath + "?" + r.query.Encode()
}

// Authority sets the request's authority (Host) explicitly. Legal only
// while building.
func (r *Request) Authority(a string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkBuilding("authority"); err != nil {
		return err
	}
	r.authority = a
	return nil
}

// GetAuthority resolves the authority: the explicitly set value if any,
// otherwise derived from the remote socket by suppressing the default port
// for the scheme (80 for http, 443 for https) — spec §4.B.
func (r *Request) GetAuthority() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.authorityLocked()
}

// authorityLocked is GetAuthority's body, for callers that already hold
// r.mu.
func (r *Request) authorityLocked() string {
	if r.authority != "" {
		return r.authority
	}
	host, port, err := splitHostPort(r.remote)
	if err != nil {
		return r.remote
	}
	defaultPort := "80"
	if r.scheme == "https" {
		defaultPort = "443"
	}
	if port == defaultPort {
		return host
	}
	return fmt.Sprintf("%s:%s", host, port)
}

func splitHostPort(remote string) (host, port string, err error) {
	idx := strings.LastIndexByte(remote, ':')
	if idx < 0 {
		return remote, "", fmt.Errorf("outpost: remote address %q has no port", remote)
	}
	return remote[:idx], remote[idx+1:], nil
}

// Scheme returns "https" iff the underlying transport is TLS (spec
// invariant 6).
func (r *Request) Scheme() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scheme
}

// Headers configures outgoing headers via fn, which receives the live
// Headers multimap while building.
func (r *Request) Headers(fn func(*Headers)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkBuilding("headers"); err != nil {
		return err
	}
	fn(r.headers)
	return nil
}

// Body installs at most one body configurator; multiple calls compose in
// order, each free to see and amend what the previous one set (spec §4.B).
func (r *Request) Body(fn BodyConfigurator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkBuilding("body"); err != nil {
		return err
	}
	fn(&r.body)
	return nil
}

// snapshot freezes the request at send time: returns the immutable values
// the connection-side writer needs, and flips state to stateSent so further
// mutation fails (spec invariant 1, DESIGN NOTES "mutable builder exposed
// then frozen").
//
// It must not call AbsolutePath/GetAuthority/HasBody — those take r.mu
// themselves and r.mu is not reentrant; use the *Locked equivalents instead.
//
// A request with no explicit Body(...) call gets a fresh stream.Empty() on
// every snapshot rather than one cached on r.body.publisher, so that
// re-sending the same *Request (interceptors.RetryInterceptor's retry
// loop, in particular) doesn't hand the connection a Publisher that was
// already subscribed by a previous attempt (spec invariant 2: a Publisher
// has exactly one subscriber, ever).
func (r *Request) snapshot() *wire.RequestHead {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = stateSent

	bodyPublisher := r.body.publisher
	if bodyPublisher == nil {
		bodyPublisher = stream.Empty()
	}
	if r.body.contentType != "" && r.headers.Get("Content-Type") == "" {
		r.headers.Set("Content-Type", r.body.contentType)
	}
	if r.body.hasLen && r.headers.Get("Content-Length") == "" {
		r.headers.Set("Content-Length", fmt.Sprintf("%d", r.body.contentLen))
	}
	if r.body.hasLastMod && r.headers.Get("Last-Modified") == "" {
		r.headers.Set("Last-Modified", r.body.lastMod.UTC().Format(time.RFC1123))
	}

	expect := strings.EqualFold(r.headers.Get("Expect"), "100-continue")

	return &wire.RequestHead{
		Method:         string(r.method),
		Path:           r.absolutePathLocked(),
		Authority:      r.authorityLocked(),
		Scheme:         r.scheme,
		Headers:        r.headers.Clone(),
		Body:           bodyPublisher,
		HasLength:      r.body.hasLen,
		Length:         r.body.contentLen,
		ExpectContinue: expect,
	}
}

// HasBody reports whether an explicit Body(...) configurator installed a
// publisher. A request without one is always safe to send repeatedly
// (snapshot hands out a fresh empty Publisher each time); one with an
// explicit body is not, since that Publisher can only ever be subscribed
// once (spec invariant 2).
func (r *Request) HasBody() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.publisher != nil
}
