// Package authcontext snapshots an identity into a plain value that can cross a process boundary
// and be turned back into a working identity on the other side.
//
// An AuthContext carries secrets. It is built immediately before a dispatch, is never persisted,
// and should be wiped once the dispatch that created it completes.
package authcontext

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/skyfetch/skyfetch/internal/keys"
	"github.com/skyfetch/skyfetch/pkg/credentials"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/identity"
)

var ErrInvalid = errors.New("invalid auth context")

// Cookie is the portable subset of an http.Cookie.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// AuthContext is a serializable snapshot of an identity. It holds only plain data.
type AuthContext struct {
	Kind       string                  `json:"kind"`
	Provider   string                  `json:"provider,omitempty"`
	Endpoints  map[string]string       `json:"endpoints,omitempty"`
	Credential *credentials.Credential `json:"credential,omitempty"`
	Headers    http.Header             `json:"headers,omitempty"`
	Cookies    []Cookie                `json:"cookies,omitempty"`
	Username   string                  `json:"username,omitempty"`
	Password   string                  `json:"password,omitempty"`
	Token      string                  `json:"token,omitempty"`
	CreatedAt  time.Time               `json:"createdAt"`
}

// FromAuth captures id for use against provider. If id can issue credentials for provider, a
// valid credential is obtained now and included, so that workers start with a warm cache.
// Providers reached over plain authenticated HTTP carry no credential.
func FromAuth(ctx context.Context, id *identity.Identity, provider string) (AuthContext, error) {
	if id == nil {
		return AuthContext{}, skyerrors.NewAuthenticationError(errors.New("no identity"))
	}

	ac := AuthContext{
		Kind:      id.Kind().String(),
		Provider:  provider,
		Endpoints: id.Endpoints(),
		Headers:   id.Headers(),
		Username:  id.Username(),
		Password:  id.Password(),
		Token:     id.Token(),
		CreatedAt: time.Now().UTC(),
	}
	for _, c := range id.Cookies() {
		ac.Cookies = append(ac.Cookies, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	if len(ac.Headers) == 0 {
		ac.Headers = nil
	}
	if len(ac.Endpoints) == 0 {
		ac.Endpoints = nil
	}

	_, hasEndpoint := id.Endpoint(provider)
	if hasEndpoint || id.Kind() == identity.KindCredentials {
		cred, err := id.Credentials(ctx, provider)
		if err != nil {
			return AuthContext{}, err
		}
		ac.Credential = &cred
	}

	return ac, nil
}

// ToAuth reconstructs an identity from ac. It performs no network I/O: a carried credential is
// seeded into the new identity's manager, and anything else is fetched on first use.
func ToAuth(ac AuthContext, opts ...identity.Option) (*identity.Identity, error) {
	kind, err := identity.ParseKind(ac.Kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	all := make([]identity.Option, 0, len(opts)+3)
	all = append(all, identity.WithEndpoints(ac.Endpoints))
	if len(ac.Headers) > 0 {
		all = append(all, identity.WithHeaders(ac.Headers))
	}
	if len(ac.Cookies) > 0 {
		cookies := make([]*http.Cookie, 0, len(ac.Cookies))
		for _, c := range ac.Cookies {
			cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
		}
		all = append(all, identity.WithCookies(cookies))
	}
	all = append(all, opts...)

	var id *identity.Identity
	switch kind {
	case identity.KindToken:
		id, err = identity.NewToken(ac.Token, all...)
	case identity.KindBasic:
		id, err = identity.NewBasic(ac.Username, ac.Password, all...)
	case identity.KindCredentials:
		if ac.Credential == nil {
			return nil, fmt.Errorf("%w: pre-signed context has no credential", ErrInvalid)
		}
		id, err = identity.NewCredentials(ac.Provider, *ac.Credential, all...)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	if ac.Credential != nil && kind != identity.KindCredentials {
		id.Manager().Seed(ac.Provider, *ac.Credential)
	}
	return id, nil
}

// Fingerprint identifies the principal and provider of ac. Two contexts with the same fingerprint
// reconstruct equivalent identities. The carried credential and creation time are not part of it.
func (ac AuthContext) Fingerprint() uint64 {
	h := keys.NewHasher()
	h.WriteFields(ac.Kind, ac.Provider, ac.Username, ac.Password, ac.Token)
	h.WriteMap(ac.Headers)
	endpoints := make(map[string][]string, len(ac.Endpoints))
	for p, u := range ac.Endpoints {
		endpoints[p] = []string{u}
	}
	h.WriteMap(endpoints)
	h.WriteFields(strconv.Itoa(len(ac.Cookies)))
	for _, c := range ac.Cookies {
		h.WriteFields(c.Name, c.Value, c.Domain, c.Path)
	}
	if ac.Kind == identity.KindCredentials.String() && ac.Credential != nil {
		h.WriteFields(ac.Credential.AccessKeyID())
	}
	return h.Sum64()
}

// Key is Fingerprint rendered as a string, for use as a map or cache key.
func (ac AuthContext) Key() string {
	return strconv.FormatUint(ac.Fingerprint(), 16)
}

// Wipe clears every secret held by ac.
func (ac *AuthContext) Wipe() {
	ac.Password = ""
	ac.Token = ""
	ac.Credential = nil
	ac.Headers = nil
	ac.Cookies = nil
}

// Clone returns a deep copy of ac.
func (ac AuthContext) Clone() AuthContext {
	out := ac
	out.Endpoints = maps.Clone(ac.Endpoints)
	out.Headers = ac.Headers.Clone()
	out.Cookies = append([]Cookie(nil), ac.Cookies...)
	if ac.Credential != nil {
		cred := *ac.Credential
		out.Credential = &cred
	}
	return out
}

func (ac AuthContext) String() string {
	cred := "none"
	if ac.Credential != nil {
		cred = ac.Credential.String()
	}
	return fmt.Sprintf("AuthContext{kind: %s, provider: %s, username: %s, credential: %s, created: %s}",
		ac.Kind, ac.Provider, ac.Username, cred, ac.CreatedAt.Format(time.RFC3339))
}

func (ac AuthContext) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", ac.Kind)
	enc.AddString("provider", ac.Provider)
	if ac.Username != "" {
		enc.AddString("username", ac.Username)
	}
	enc.AddBool("has_credential", ac.Credential != nil)
	enc.AddTime("created_at", ac.CreatedAt)
	return nil
}
