package outpost

import (
	"crypto/tls"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

// ProtocolVersion is a wire protocol version an Endpoint is willing to
// negotiate.
type ProtocolVersion string

const (
	HTTP1_1 ProtocolVersion = "HTTP/1.1"
	HTTP2   ProtocolVersion = "HTTP/2"
)

// Config enumerates the tunables from spec.md §6, in the teacher's
// functional-options style (options.go): a Config struct plus exported
// Option constructors, so defaults live in one place (NewConfig).
type Config struct {
	// Protocol negotiation
	ProtocolVersions []ProtocolVersion

	// User-Agent injection
	SendUserAgent bool
	UserAgent     string

	// TLS
	TLSEnabled          bool
	TLSConfig           *tls.Config
	TLSCipherIncludes   []uint16
	TLSCipherExcludes   []uint16
	TLSTrustAll         bool
	TLSSendSNI          bool

	// Compression
	CompressionEnabled   bool
	DecompressionEnabled bool
	CompressionCodecs    map[string]CodecTuning

	// HTTP/1.1
	HTTP1MaxConcurrentRequests int

	// HTTP/2
	HTTP2HeaderTableSize    uint32
	HTTP2MaxConcurrentStreams uint32
	HTTP2InitialWindowSize  uint32
	HTTP2MaxFrameSize       uint32
	HTTP2MaxHeaderListSize  uint32

	// Pool
	PoolMaxSize         int
	PoolCleanPeriod     time.Duration
	PoolKeepAliveTimeout time.Duration
	PoolBufferSize      int

	// Timeouts
	ConnectTimeout          time.Duration
	RequestTimeout          time.Duration
	GracefulShutdownTimeout time.Duration

	// Ambient collaborators
	Logger *logrus.Logger
	Clock  clockwork.Clock
}

// CodecTuning holds the per-codec knobs from the
// compression_<codec>_level/windowBits/memLevel/blockSize/maxEncodeSize
// configuration keys. Config stores them per codec name; the codecs in
// internal/compress are built with their library defaults and do not read
// these values.
type CodecTuning struct {
	Level         int
	WindowBits    int
	MemLevel      int
	BlockSize     int
	MaxEncodeSize int
}

// Option configures a Config. Matches the teacher's ClientOption shape.
type Option func(*Config)

// NewConfig builds a Config from defaults (matching the table in spec.md
// §6) plus the given options.
func NewConfig(opts ...Option) *Config {
	cfg := &Config{
		ProtocolVersions:           []ProtocolVersion{HTTP1_1, HTTP2},
		SendUserAgent:              true,
		UserAgent:                  "outpost/1.0",
		TLSSendSNI:                 true,
		CompressionEnabled:         true,
		DecompressionEnabled:       true,
		CompressionCodecs:          map[string]CodecTuning{},
		HTTP1MaxConcurrentRequests: 10,
		HTTP2HeaderTableSize:       4096,
		HTTP2MaxConcurrentStreams:  100,
		HTTP2InitialWindowSize:     65535,
		HTTP2MaxFrameSize:          16384,
		HTTP2MaxHeaderListSize:     0,
		PoolMaxSize:                2,
		PoolCleanPeriod:            1000 * time.Millisecond,
		PoolKeepAliveTimeout:       90 * time.Second,
		PoolBufferSize:             32,
		ConnectTimeout:             10 * time.Second,
		RequestTimeout:             0,
		GracefulShutdownTimeout:    30 * time.Second,
		Clock:                      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = defaultLogger()
	}
	return cfg
}

func defaultLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return l
}

// WithProtocolVersions sets the acceptable wire versions, controlling ALPN.
func WithProtocolVersions(v ...ProtocolVersion) Option {
	return func(c *Config) { c.ProtocolVersions = v }
}

// WithUserAgent enables automatic User-Agent injection with the given value.
func WithUserAgent(ua string) Option {
	return func(c *Config) { c.SendUserAgent = true; c.UserAgent = ua }
}

// WithoutUserAgent disables automatic User-Agent injection.
func WithoutUserAgent() Option {
	return func(c *Config) { c.SendUserAgent = false }
}

// WithTLS wraps the transport in TLS using the given config (nil selects a
// default tls.Config).
func WithTLS(tc *tls.Config) Option {
	return func(c *Config) { c.TLSEnabled = true; c.TLSConfig = tc }
}

// WithTLSTrustAll overrides trust checks; intended for local development
// and tests only.
func WithTLSTrustAll() Option {
	return func(c *Config) { c.TLSTrustAll = true }
}

// WithCompression sets the CompressionEnabled and DecompressionEnabled
// flags independently. Endpoint and the connections do not read these
// flags: no content-coding negotiation is performed.
func WithCompression(compress, decompress bool) Option {
	return func(c *Config) { c.CompressionEnabled = compress; c.DecompressionEnabled = decompress }
}

// WithCodecTuning sets per-codec tuning for one of "gzip", "deflate",
// "zstd", or "br".
func WithCodecTuning(codec string, t CodecTuning) Option {
	return func(c *Config) { c.CompressionCodecs[codec] = t }
}

// WithHTTP1MaxConcurrentRequests sets the HTTP/1.1 pipelining ceiling.
func WithHTTP1MaxConcurrentRequests(n int) Option {
	return func(c *Config) { c.HTTP1MaxConcurrentRequests = n }
}

// WithHTTP2Settings sets the HPACK table size, peer-advertised concurrency
// limit, initial flow-control window, and max frame size.
func WithHTTP2Settings(headerTableSize, maxConcurrentStreams, initialWindowSize, maxFrameSize uint32) Option {
	return func(c *Config) {
		c.HTTP2HeaderTableSize = headerTableSize
		c.HTTP2MaxConcurrentStreams = maxConcurrentStreams
		c.HTTP2InitialWindowSize = initialWindowSize
		c.HTTP2MaxFrameSize = maxFrameSize
	}
}

// WithPool sets the connection pool's max size, cleaner tick period, and
// idle keep-alive TTL.
func WithPool(maxSize int, cleanPeriod, keepAlive time.Duration) Option {
	return func(c *Config) {
		c.PoolMaxSize = maxSize
		c.PoolCleanPeriod = cleanPeriod
		c.PoolKeepAliveTimeout = keepAlive
	}
}

// WithPoolBufferSize sets the bounded pending-acquire queue length.
func WithPoolBufferSize(n int) Option {
	return func(c *Config) { c.PoolBufferSize = n }
}

// WithTimeouts sets the connect, per-request, and graceful-shutdown
// deadlines.
func WithTimeouts(connect, request, gracefulShutdown time.Duration) Option {
	return func(c *Config) {
		c.ConnectTimeout = connect
		c.RequestTimeout = request
		c.GracefulShutdownTimeout = gracefulShutdown
	}
}

// WithLogger sets the structured logger used for connection/pool event
// logging (spec SPEC_FULL §4.J).
func WithLogger(l *logrus.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// WithClock overrides the clock used for all timers; production code never
// needs this, but it lets tests use a clockwork.FakeClock to assert
// keep-alive and cleaner behavior without sleeping.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Config) { c.Clock = clock }
}
