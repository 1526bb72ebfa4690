package encrypter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGCMEncrypter(t *testing.T) {
	t.Run("empty_payload_passes_through", func(t *testing.T) {
		e, err := NewGCMEncrypter("key")
		require.NoError(t, err)

		sealed, err := e.Encrypt(nil)
		require.NoError(t, err)
		require.Empty(t, sealed)

		opened, err := e.Decrypt(nil)
		require.NoError(t, err)
		require.Empty(t, opened)
	})

	t.Run("nonce_differs_per_seal", func(t *testing.T) {
		e, err := NewGCMEncrypter("key")
		require.NoError(t, err)

		a, err := e.Encrypt([]byte("secret access key"))
		require.NoError(t, err)
		b, err := e.Encrypt([]byte("secret access key"))
		require.NoError(t, err)
		require.NotEqual(t, a, b)

		opened, err := e.Decrypt(b)
		require.NoError(t, err)
		require.Equal(t, []byte("secret access key"), opened)
	})

	t.Run("tampered_payload_is_rejected", func(t *testing.T) {
		e, err := NewGCMEncrypter("key")
		require.NoError(t, err)

		sealed, err := e.Encrypt([]byte("session token"))
		require.NoError(t, err)
		sealed[len(sealed)-1] ^= 0xff

		_, err = e.Decrypt(sealed)
		require.Error(t, err)
	})

	t.Run("short_payload", func(t *testing.T) {
		e, err := NewGCMEncrypter("key")
		require.NoError(t, err)

		_, err = e.Decrypt([]byte{1, 2, 3})
		require.ErrorIs(t, err, ErrCiphertextTooShort)
	})

	t.Run("empty_key_is_rejected", func(t *testing.T) {
		_, err := NewGCMEncrypter("")
		require.Error(t, err)
	})
}
