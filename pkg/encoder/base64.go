package encoder

import "encoding/base64"

// Base64Encoder encodes with the unpadded URL-safe alphabet so that encoded payloads can be
// placed in URLs and headers without escaping.
type Base64Encoder struct{}

var _ Encoder = (*Base64Encoder)(nil)

func NewBase64Encoder() *Base64Encoder {
	return &Base64Encoder{}
}

func (e *Base64Encoder) Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

func (e *Base64Encoder) Encode(data []byte) (string, error) {
	return base64.RawURLEncoding.EncodeToString(data), nil
}
