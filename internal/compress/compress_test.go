package compress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostkit/outpost/internal/stream"
)

func roundTrip(t *testing.T, coding string, payload []byte) []byte {
	t.Helper()
	encoded := Encode(stream.FromBytes(payload), coding)
	decoded := Decode(encoded, coding)

	var got []byte
	err := decoded.Subscribe(context.Background(), func(c stream.Chunk) error {
		got = append(got, c.Data...)
		return nil
	})
	require.NoError(t, err)
	return got
}

func TestGzipRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog, repeatedly, for compressibility")
	assert.Equal(t, payload, roundTrip(t, Gzip, payload))
}

func TestDeflateRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	assert.Equal(t, payload, roundTrip(t, Deflate, payload))
}

func TestBrotliRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	assert.Equal(t, payload, roundTrip(t, Brotli, payload))
}

func TestZstdRoundTrip(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")
	assert.Equal(t, payload, roundTrip(t, Zstd, payload))
}

func TestIdentityPassesThroughUnchanged(t *testing.T) {
	payload := []byte("no coding applied")
	got := roundTrip(t, "", payload)
	assert.Equal(t, payload, got)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported(Gzip))
	assert.True(t, Supported(""))
	assert.False(t, Supported("identity-unknown"))
}
