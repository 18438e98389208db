// Package stream implements the cold, backpressured byte-chunk publishers
// used for request and response bodies (spec component A).
package stream

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrAlreadySubscribed is returned by Subscribe when a Publisher has already
// been subscribed to once; publishers in this package are single-subscriber
// (spec invariant 2).
var ErrAlreadySubscribed = errors.New("stream: publisher already has a subscriber")

// Done is returned by Subscription.Next once the stream has completed with
// no error, signalling the end of iteration.
var Done = errors.New("stream: no more chunks")

// Chunk is one owned, FIFO-ordered unit of a byte stream.
type Chunk struct {
	Data []byte
	// Last marks the final chunk a producer emits; for a Mono (FromBytes)
	// body that is its only chunk. The request writers in internal/h1 and
	// internal/h2 do not read it: request framing comes from
	// wire.RequestHead.HasLength.
	Last bool
}

// Producer emits chunks by calling yield in order. yield blocks until the
// downstream Subscription consumes the chunk, which is what gives HTTP/1.1
// and HTTP/2 writers cooperative, per-chunk backpressure: the producer
// cannot outrun a consumer that only calls Next after its previous write
// completed. yield returns false once the Subscription has been cancelled;
// a well-behaved Producer must stop promptly when that happens.
type Producer func(ctx context.Context, yield func(Chunk) bool) error

// Publisher is a cold, at-most-one-subscriber byte stream (spec component A).
type Publisher struct {
	subscribed int32
	produce    Producer
}

// New creates a Publisher driven by the given Producer.
func New(produce Producer) *Publisher {
	return &Publisher{produce: produce}
}

// Empty returns a Publisher that completes immediately without emitting.
func Empty() *Publisher {
	return New(func(ctx context.Context, yield func(Chunk) bool) error { return nil })
}

// FromBytes returns a Mono Publisher: a single Chunk carrying the full body
// in one shot, marked Last.
func FromBytes(b []byte) *Publisher {
	return New(func(ctx context.Context, yield func(Chunk) bool) error {
		yield(Chunk{Data: b, Last: true})
		return nil
	})
}

// FromSlices returns a multi-chunk Publisher that emits each slice in order,
// useful for tests and for composing request bodies from fixed pieces.
func FromSlices(chunks [][]byte) *Publisher {
	return New(func(ctx context.Context, yield func(Chunk) bool) error {
		for i, c := range chunks {
			if !yield(Chunk{Data: c, Last: i == len(chunks)-1}) {
				return nil
			}
		}
		return nil
	})
}

// Transform composes g after f: subscribing to the result runs f's producer
// and feeds every chunk through g before it reaches the eventual consumer.
// Composing transform(g) after transform(f) yields g∘f (spec §4.A). Legal
// only before Subscribe/Open.
func (p *Publisher) Transform(g func(Chunk) (Chunk, error)) *Publisher {
	inner := p
	return New(func(ctx context.Context, yield func(Chunk) bool) error {
		sub, err := inner.Open(ctx)
		if err != nil {
			return err
		}
		defer sub.Cancel()
		for {
			c, err := sub.Next(ctx)
			if errors.Is(err, Done) {
				return nil
			}
			if err != nil {
				return err
			}
			out, err := g(c)
			if err != nil {
				return err
			}
			if !yield(out) {
				return nil
			}
		}
	})
}

// Open subscribes to the Publisher and returns a pull-based Subscription.
// A second Open/Subscribe on the same Publisher fails with
// ErrAlreadySubscribed.
func (p *Publisher) Open(ctx context.Context) (*Subscription, error) {
	if !atomic.CompareAndSwapInt32(&p.subscribed, 0, 1) {
		return nil, ErrAlreadySubscribed
	}

	sub := &Subscription{
		results: make(chan result),
		cancel:  make(chan struct{}),
	}

	go func() {
		defer close(sub.results)
		yield := func(c Chunk) bool {
			select {
			case sub.results <- result{chunk: c}:
				return true
			case <-sub.cancel:
				return false
			case <-ctx.Done():
				return false
			}
		}
		if err := p.produce(ctx, yield); err != nil {
			select {
			case sub.results <- result{err: err}:
			case <-sub.cancel:
			case <-ctx.Done():
			}
		}
	}()

	return sub, nil
}

// Subscribe is a convenience wrapper over Open that drives the Subscription
// to completion, invoking onNext for every chunk in order.
func (p *Publisher) Subscribe(ctx context.Context, onNext func(Chunk) error) error {
	sub, err := p.Open(ctx)
	if err != nil {
		return err
	}
	defer sub.Cancel()
	for {
		c, err := sub.Next(ctx)
		if errors.Is(err, Done) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := onNext(c); err != nil {
			return err
		}
	}
}

// Discard subscribes (if nobody has yet) and drains every chunk without
// holding onto it — the "silent drain on disposal" behavior spec.md
// requires when a body Publisher is never subscribed by the caller.
func (p *Publisher) Discard(ctx context.Context) {
	if atomic.LoadInt32(&p.subscribed) != 0 {
		return
	}
	_ = p.Subscribe(ctx, func(Chunk) error { return nil })
}

type result struct {
	chunk Chunk
	err   error
}

// Subscription is the pull-side handle returned by Open. Calling Next again
// only after the previous chunk has been fully written is what realizes
// cooperative backpressure end to end.
type Subscription struct {
	results chan result
	cancel  chan struct{}
	closed  int32
}

// Next blocks until the next chunk is available, the stream completes
// (Done), or fails. ctx cancellation also unblocks Next with ctx.Err().
func (s *Subscription) Next(ctx context.Context) (Chunk, error) {
	select {
	case r, ok := <-s.results:
		if !ok {
			return Chunk{}, Done
		}
		if r.err != nil {
			return Chunk{}, r.err
		}
		return r.chunk, nil
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// Cancel releases any not-yet-delivered chunks and signals the Producer to
// stop (spec: "Cancellation releases all not-yet-delivered chunks and
// signals upstream so the producer stops"). Safe to call multiple times and
// safe to call after the stream has already completed.
func (s *Subscription) Cancel() {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return
	}
	close(s.cancel)
	for range s.results {
		// drain anything already in flight so the producer goroutine can exit
	}
}
