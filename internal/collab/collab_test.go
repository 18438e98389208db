package collab

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpostkit/outpost/internal/stream"
)

func TestFileResourceStreamsContentsAndMetadata(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "resource-*.json")
	require.NoError(t, err)
	_, err = f.WriteString(`{"a":1}`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r := NewFileResource(f.Name(), DefaultMediaTypeService())
	assert.Equal(t, "application/json", r.MediaType())

	size, ok := r.Size()
	require.True(t, ok)
	assert.EqualValues(t, 7, size)

	var got []byte
	err = r.Open().Subscribe(context.Background(), func(c stream.Chunk) error {
		got = append(got, c.Data...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(got))
}

func TestMediaTypeServiceDetectsJSONFromPath(t *testing.T) {
	svc := DefaultMediaTypeService()
	mt, ok := svc.DetectFromPath("report.json")
	require.True(t, ok)
	assert.Contains(t, mt, "application/json")
}

func TestUriBuilderNormalizesAndEncodesQuery(t *testing.T) {
	b := NewUriBuilder("a/b/../c").Query("x", "1")
	assert.Equal(t, "/a/c?x=1", b.Build())
}

func TestUriPatternExactMatchIsIncluded(t *testing.T) {
	p1 := NewUriPattern("/a/b")
	p2 := NewUriPattern("/a/b")
	assert.Equal(t, RelationIncluded, p1.RelationTo(p2))
}

func TestUriPatternDistinctLiteralsAreDisjoint(t *testing.T) {
	p1 := NewUriPattern("/a/b")
	p2 := NewUriPattern("/a/c")
	assert.Equal(t, RelationDisjoint, p1.RelationTo(p2))
}

func TestUriPatternWildcardIsIndeterminate(t *testing.T) {
	p1 := NewUriPattern("/a/*")
	p2 := NewUriPattern("/a/b")
	assert.Equal(t, RelationIndeterminate, p1.RelationTo(p2))
}

func TestParameterConverterRoundTripsInt(t *testing.T) {
	conv := Converters["int"]
	v, err := conv.Parse("42")
	require.NoError(t, err)
	s, err := conv.Format(v)
	require.NoError(t, err)
	assert.Equal(t, "42", s)
}
