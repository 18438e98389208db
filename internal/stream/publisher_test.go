package stream

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromBytesIsMonoAndLast(t *testing.T) {
	p := FromBytes([]byte("hello"))
	sub, err := p.Open(context.Background())
	require.NoError(t, err)

	c, err := sub.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), c.Data)
	assert.True(t, c.Last)

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, Done)
}

func TestSecondSubscribeFails(t *testing.T) {
	p := FromBytes([]byte("x"))
	_, err := p.Open(context.Background())
	require.NoError(t, err)

	_, err = p.Open(context.Background())
	assert.ErrorIs(t, err, ErrAlreadySubscribed)
}

func TestFromSlicesPreservesFIFOOrder(t *testing.T) {
	p := FromSlices([][]byte{[]byte("aa"), []byte("bb"), []byte("cc")})

	var got bytes.Buffer
	err := p.Subscribe(context.Background(), func(c Chunk) error {
		got.Write(c.Data)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "aabbcc", got.String())
}

func TestTransformComposesInOrder(t *testing.T) {
	upper := func(c Chunk) (Chunk, error) {
		out := make([]byte, len(c.Data))
		for i, b := range c.Data {
			if b >= 'a' && b <= 'z' {
				b -= 32
			}
			out[i] = b
		}
		return Chunk{Data: out, Last: c.Last}, nil
	}
	exclaim := func(c Chunk) (Chunk, error) {
		return Chunk{Data: append(c.Data, '!'), Last: c.Last}, nil
	}

	p := FromBytes([]byte("hi")).Transform(upper).Transform(exclaim)

	var got bytes.Buffer
	err := p.Subscribe(context.Background(), func(c Chunk) error {
		got.Write(c.Data)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "HI!", got.String())
}

func TestCancelStopsProducer(t *testing.T) {
	started := make(chan struct{})
	stopped := make(chan struct{})

	p := New(func(ctx context.Context, yield func(Chunk) bool) error {
		close(started)
		for i := 0; i < 1000; i++ {
			if !yield(Chunk{Data: []byte{byte(i)}}) {
				close(stopped)
				return nil
			}
		}
		return nil
	})

	sub, err := p.Open(context.Background())
	require.NoError(t, err)

	<-started
	_, err = sub.Next(context.Background())
	require.NoError(t, err)

	sub.Cancel()
	<-stopped
}

func TestProducerErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	p := New(func(ctx context.Context, yield func(Chunk) bool) error {
		yield(Chunk{Data: []byte("partial")})
		return boom
	})

	sub, err := p.Open(context.Background())
	require.NoError(t, err)

	_, err = sub.Next(context.Background())
	require.NoError(t, err)

	_, err = sub.Next(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestDiscardDrainsWithoutSubscriber(t *testing.T) {
	drained := make(chan struct{})
	p := New(func(ctx context.Context, yield func(Chunk) bool) error {
		yield(Chunk{Data: []byte("a")})
		yield(Chunk{Data: []byte("b")})
		close(drained)
		return nil
	})

	p.Discard(context.Background())
	<-drained
}
