package authcontext

import (
	"encoding/json"
	"fmt"

	"github.com/skyfetch/skyfetch/pkg/encoder"
	"github.com/skyfetch/skyfetch/pkg/encrypter"
)

// Codec converts an AuthContext to and from a string suitable for a request body or header.
type Codec struct {
	encoder encoder.Encoder
}

// NewCodec returns a codec that seals payloads with enc. A nil enc leaves payloads in the clear.
func NewCodec(enc encrypter.Encrypter) *Codec {
	if enc == nil {
		enc = encrypter.NewNoopEncrypter()
	}
	return &Codec{encoder: encoder.NewSealedEncoder(enc, encoder.NewBase64Encoder())}
}

func (c *Codec) Encode(ac AuthContext) (string, error) {
	raw, err := json.Marshal(ac)
	if err != nil {
		return "", fmt.Errorf("marshal auth context: %w", err)
	}
	defer clear(raw)

	return c.encoder.Encode(raw)
}

func (c *Codec) Decode(s string) (AuthContext, error) {
	raw, err := c.encoder.Decode(s)
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	defer clear(raw)

	var ac AuthContext
	if err := json.Unmarshal(raw, &ac); err != nil {
		return AuthContext{}, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return ac, nil
}
