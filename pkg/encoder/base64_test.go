package encoder

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBase64Empty(t *testing.T) {
	encoder := NewBase64Encoder()

	got, err := encoder.Decode("")
	require.NoError(t, err)
	require.Empty(t, got)

	s, err := encoder.Encode(nil)
	require.NoError(t, err)
	require.Empty(t, s)
}

func TestBase64IsURLSafe(t *testing.T) {
	encoder := NewBase64Encoder()
	// bytes that map to '+', '/' and padding in the standard alphabet
	data := []byte{0xfb, 0xff, 0xfe, 0x01}

	s, err := encoder.Encode(data)
	require.NoError(t, err)
	require.False(t, strings.ContainsAny(s, "+/="), s)

	got, err := encoder.Decode(s)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestBase64RejectsGarbage(t *testing.T) {
	_, err := NewBase64Encoder().Decode("not base64!")
	require.Error(t, err)
}
