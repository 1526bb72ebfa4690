package encoder

import (
	"fmt"

	"github.com/skyfetch/skyfetch/pkg/encrypter"
)

// SealedEncoder seals data with an Encrypter before encoding it, and reverses both steps on
// Decode.
type SealedEncoder struct {
	encrypter encrypter.Encrypter
	encoder   Encoder
}

var _ Encoder = (*SealedEncoder)(nil)

func NewSealedEncoder(encrypter encrypter.Encrypter, encoder Encoder) *SealedEncoder {
	return &SealedEncoder{
		encrypter: encrypter,
		encoder:   encoder,
	}
}

func (e *SealedEncoder) Decode(s string) ([]byte, error) {
	decoded, err := e.encoder.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	opened, err := e.encrypter.Decrypt(decoded)
	if err != nil {
		return nil, fmt.Errorf("open payload: %w", err)
	}
	return opened, nil
}

func (e *SealedEncoder) Encode(data []byte) (string, error) {
	sealed, err := e.encrypter.Encrypt(data)
	if err != nil {
		return "", fmt.Errorf("seal payload: %w", err)
	}

	return e.encoder.Encode(sealed)
}
