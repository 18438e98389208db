// Package pool implements the connection pool (spec component G): a
// bounded, least-loaded-first pool of wire.Conn values shared across
// exchanges to the same endpoint, with a periodic idle sweep and graceful
// or hard shutdown.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/outpostkit/outpost/internal/wire"
)

// Dialer opens a new wire.Conn to the pool's fixed remote endpoint.
type Dialer func(ctx context.Context) (wire.Conn, error)

// Options configures a Pool.
type Options struct {
	Dialer Dialer

	// MaxConnections bounds how many simultaneous connections the pool
	// will open; beyond that, Acquire queues (bounded by MaxQueueDepth).
	MaxConnections int

	// MaxQueueDepth bounds how many Acquire callers may wait for a free
	// connection before ErrPoolExhausted is returned immediately.
	MaxQueueDepth int

	IdleKeepAlive time.Duration
	CleanInterval time.Duration

	Clock  clockwork.Clock
	Logger *logrus.Entry
}

// Pool is the bounded connection pool described by spec §4.G.
type Pool struct {
	opts Options

	mu      sync.Mutex
	conns   []wire.Conn
	waiters []chan struct{}
	closed  bool

	stopCleaner chan struct{}
	cleanerDone chan struct{}
}

func New(opts Options) *Pool {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	if opts.CleanInterval <= 0 {
		opts.CleanInterval = 30 * time.Second
	}

	p := &Pool{
		opts:        opts,
		stopCleaner: make(chan struct{}),
		cleanerDone: make(chan struct{}),
	}
	if opts.IdleKeepAlive > 0 {
		go p.cleanLoop()
	} else {
		close(p.cleanerDone)
	}
	return p
}

// Acquire returns the least-loaded open connection with spare capacity,
// opening a new one if under MaxConnections, or queuing the caller if at
// capacity (bounded by MaxQueueDepth, spec §4.G "bounded FIFO queue").
func (p *Pool) Acquire(ctx context.Context) (wire.Conn, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, wire.ErrConnectionReset
		}

		if best := p.leastLoadedLocked(); best != nil {
			p.mu.Unlock()
			return best, nil
		}

		if len(p.conns) < p.opts.MaxConnections {
			p.mu.Unlock()
			conn, err := p.opts.Dialer(ctx)
			if err != nil {
				return nil, err
			}
			p.mu.Lock()
			p.conns = append(p.conns, conn)
			p.wakeOneLocked()
			p.mu.Unlock()
			return conn, nil
		}

		if len(p.waiters) >= p.opts.MaxQueueDepth {
			p.mu.Unlock()
			return nil, poolExhausted{}
		}

		ready := make(chan struct{})
		p.waiters = append(p.waiters, ready)
		p.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// leastLoadedLocked returns the active connection with the most spare
// capacity, or nil if none has room (caller holds p.mu).
func (p *Pool) leastLoadedLocked() wire.Conn {
	var best wire.Conn
	bestHeadroom := -1
	for _, c := range p.conns {
		if c.State() != wire.ConnActive {
			continue
		}
		headroom := c.Capacity() - c.Load()
		if headroom <= 0 {
			continue
		}
		if headroom > bestHeadroom {
			best = c
			bestHeadroom = headroom
		}
	}
	return best
}

func (p *Pool) wakeOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	close(w)
}

// Release notifies the pool that an exchange against conn has completed,
// potentially freeing headroom for a queued Acquire caller.
func (p *Pool) Release(conn wire.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.wakeOneLocked()
}

func (p *Pool) cleanLoop() {
	defer close(p.cleanerDone)
	ticker := p.opts.Clock.NewTicker(p.opts.CleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			p.sweepIdle()
		case <-p.stopCleaner:
			return
		}
	}
}

func (p *Pool) sweepIdle() {
	p.mu.Lock()
	now := p.opts.Clock.Now()
	kept := p.conns[:0]
	for _, c := range p.conns {
		if since, idle := c.IdleSince(); idle && now.Sub(since) >= p.opts.IdleKeepAlive {
			c.Close()
			continue
		}
		kept = append(kept, c)
	}
	p.conns = kept
	p.mu.Unlock()
}

// Shutdown closes every connection immediately, failing any in-flight
// exchange (spec §4.G "hard shutdown").
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	p.closed = true
	conns := p.conns
	p.conns = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	select {
	case p.stopCleaner <- struct{}{}:
	default:
	}
	<-p.cleanerDone

	return closeAllConcurrently(conns)
}

// ShutdownGracefully marks every connection draining so the pool stops
// handing them out for new work, then waits (up to ctx's deadline) for
// in-flight load to reach zero before closing them (spec §4.G "graceful
// shutdown").
func (p *Pool) ShutdownGracefully(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	conns := append([]wire.Conn(nil), p.conns...)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	for _, c := range conns {
		c.MarkDraining()
	}

	poll := p.opts.Clock.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		allIdle := true
		for _, c := range conns {
			if c.Load() > 0 {
				allIdle = false
				break
			}
		}
		if allIdle {
			break
		}
		select {
		case <-poll.Chan():
		case <-ctx.Done():
			allIdle = true // fall through to hard-close on deadline
		}
		if allIdle {
			break
		}
	}

	select {
	case p.stopCleaner <- struct{}{}:
	default:
	}
	<-p.cleanerDone

	return closeAllConcurrently(conns)
}

// closeAllConcurrently closes every connection in its own goroutine and
// aggregates whatever errors come back, so one stubborn connection can't
// delay — or hide the failure of — the others' shutdown (spec §7
// "Endpoint.shutdownGracefully aggregates per-connection drain errors").
func closeAllConcurrently(conns []wire.Conn) error {
	var (
		mu   sync.Mutex
		errs *multierror.Error
		wg   sync.WaitGroup
	)
	for _, c := range conns {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Close(); err != nil {
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errs.ErrorOrNil()
}

// poolExhausted is returned when Acquire's bounded waiter queue is full; the
// root package maps it to the public ErrPoolExhausted sentinel.
type poolExhausted struct{}

func (poolExhausted) Error() string { return "pool: exhausted" }

// IsExhausted reports whether err was returned because the bounded acquire
// queue was full.
func IsExhausted(err error) bool {
	_, ok := err.(poolExhausted)
	return ok
}
