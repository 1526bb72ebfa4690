//go:generate mockgen -source issuer.go -destination ../../internal/mocks/mock_issuer.go -package mocks Issuer

package credentials

import (
	"context"
	"errors"
)

// ErrAccessDenied marks an issuance failure that must not be retried, such as an invalid identity.
var ErrAccessDenied = errors.New("access denied")

// Issuer performs the credential-issuing call to an identity provider.
type Issuer interface {
	Issue(ctx context.Context, provider string) (Credential, error)
}

// IssuerFunc adapts a function to the Issuer interface.
type IssuerFunc func(ctx context.Context, provider string) (Credential, error)

var _ Issuer = (IssuerFunc)(nil)

func (f IssuerFunc) Issue(ctx context.Context, provider string) (Credential, error) {
	return f(ctx, provider)
}
