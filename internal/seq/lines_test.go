package seq

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func TestLines(t *testing.T) {
	input := `
# scenes for tile 7
s3://imagery/a.tif

  https://example.com/b.tif   b.tif
s3://imagery/c.tif`

	r := NewLineReader(strings.NewReader(input))
	require.Equal(t, []string{
		"s3://imagery/a.tif",
		"https://example.com/b.tif   b.tif",
		"s3://imagery/c.tif",
	}, slices.Collect(r.Lines()))
	require.NoError(t, r.Err())
}

func TestLinesAreLazy(t *testing.T) {
	var reads int
	src := iotest.OneByteReader(strings.NewReader("a\nb\nc\nd\n"))
	counting := readerFunc(func(p []byte) (int, error) {
		reads++
		return src.Read(p)
	})

	r := NewLineReader(counting)
	for line := range r.Lines() {
		require.Equal(t, "a", line)
		break
	}
	require.Less(t, reads, 8)
}

func TestLinesReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := NewLineReader(iotest.ErrReader(boom))
	require.Empty(t, slices.Collect(r.Lines()))
	require.ErrorIs(t, r.Err(), boom)
}

func TestMap(t *testing.T) {
	upper := Map(slices.Values([]string{"a", "b"}), strings.ToUpper)
	require.Equal(t, []string{"A", "B"}, slices.Collect(upper))

	for v := range Map(slices.Values([]int{1, 2, 3}), func(i int) int { return i * 10 }) {
		require.Equal(t, 10, v)
		break
	}
}

type readerFunc func(p []byte) (int, error)

func (f readerFunc) Read(p []byte) (int, error) {
	return f(p)
}
