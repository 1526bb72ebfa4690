package encoder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skyfetch/skyfetch/pkg/encrypter"
)

func TestSealedEncoder(t *testing.T) {
	gcm, err := encrypter.NewGCMEncrypter("worker-shared-key")
	require.NoError(t, err)

	payload := []byte(`{"kind":"token","token":"secret"}`)

	t.Run("round_trip", func(t *testing.T) {
		e := NewSealedEncoder(gcm, NewBase64Encoder())

		s, err := e.Encode(payload)
		require.NoError(t, err)
		require.NotContains(t, s, "secret")

		got, err := e.Decode(s)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	})

	t.Run("wrong_key_fails", func(t *testing.T) {
		other, err := encrypter.NewGCMEncrypter("another-key")
		require.NoError(t, err)

		s, err := NewSealedEncoder(gcm, NewBase64Encoder()).Encode(payload)
		require.NoError(t, err)

		_, err = NewSealedEncoder(other, NewBase64Encoder()).Decode(s)
		require.ErrorContains(t, err, "open payload")
	})

	t.Run("noop_encrypter_is_plain_encoding", func(t *testing.T) {
		e := NewSealedEncoder(encrypter.NewNoopEncrypter(), NoopEncoder{})

		s, err := e.Encode(payload)
		require.NoError(t, err)
		require.Equal(t, string(payload), s)
	})
}
