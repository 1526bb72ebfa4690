// Package encoder turns sealed AuthContext payloads into strings that can travel in an HTTP
// body or header, and back.
package encoder

type Encoder interface {
	Decode(string) ([]byte, error)
	Encode([]byte) (string, error)
}

// NoopEncoder passes bytes through as a string. It is only suitable for payloads that are
// already text, such as unsealed JSON.
type NoopEncoder struct{}

var _ Encoder = (*NoopEncoder)(nil)

func (e NoopEncoder) Decode(s string) ([]byte, error) {
	return []byte(s), nil
}

func (e NoopEncoder) Encode(data []byte) (string, error) {
	return string(data), nil
}
