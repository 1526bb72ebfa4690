// Package identity models an authenticated principal. The kind of identity (bearer token,
// username/password, or pre-signed credentials) is fixed when it is constructed, and every
// identity owns the credentials.Manager that caches the temporary credentials issued to it.
package identity

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/skyfetch/skyfetch/pkg/credentials"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
	"github.com/skyfetch/skyfetch/pkg/logger"
)

// Kind distinguishes how an identity authenticates.
type Kind int

const (
	KindUnknown Kind = iota
	// KindToken authenticates with a bearer token.
	KindToken
	// KindBasic authenticates with a username and password.
	KindBasic
	// KindCredentials carries pre-signed temporary credentials and cannot refresh them.
	KindCredentials
)

func (k Kind) String() string {
	switch k {
	case KindToken:
		return "token"
	case KindBasic:
		return "basic"
	case KindCredentials:
		return "credentials"
	default:
		return "unknown"
	}
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "token":
		return KindToken, nil
	case "basic":
		return KindBasic, nil
	case "credentials":
		return KindCredentials, nil
	default:
		return KindUnknown, fmt.Errorf("unknown identity kind %q", s)
	}
}

var ErrMissingSecret = errors.New("identity requires secret material")

// Identity is an authenticated principal. It is safe for concurrent use.
type Identity struct {
	kind     Kind
	username string
	password string
	token    string
	headers  http.Header
	cookies  []*http.Cookie

	// provider -> credentials endpoint URL
	endpoints map[string]string
	// provider -> pre-signed credential, KindCredentials only
	presigned map[string]credentials.Credential

	base        *http.Client
	logger      logger.Logger
	managerOpts []credentials.ManagerOption
	manager     *credentials.Manager

	sessionOnce sync.Once
	session     *http.Client
}

// Option defines an option that can be used to change the behavior of an Identity.
type Option func(*Identity)

// WithEndpoint sets the URL from which temporary credentials for provider are issued.
func WithEndpoint(provider, url string) Option {
	return func(i *Identity) {
		i.endpoints[provider] = url
	}
}

func WithEndpoints(endpoints map[string]string) Option {
	return func(i *Identity) {
		maps.Copy(i.endpoints, endpoints)
	}
}

// WithHeaders sets headers sent with every request made through the identity's session.
func WithHeaders(h http.Header) Option {
	return func(i *Identity) {
		i.headers = h.Clone()
	}
}

func WithCookies(cookies []*http.Cookie) Option {
	return func(i *Identity) {
		i.cookies = append([]*http.Cookie(nil), cookies...)
	}
}

// WithHTTPClient sets the client whose transport and timeout the session builds on.
func WithHTTPClient(c *http.Client) Option {
	return func(i *Identity) {
		i.base = c
	}
}

func WithLogger(l logger.Logger) Option {
	return func(i *Identity) {
		i.logger = l
	}
}

func WithManagerOptions(opts ...credentials.ManagerOption) Option {
	return func(i *Identity) {
		i.managerOpts = append(i.managerOpts, opts...)
	}
}

// NewToken returns an identity that authenticates with a bearer token.
func NewToken(token string, opts ...Option) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: token is empty", ErrMissingSecret)
	}
	i := newIdentity(KindToken, opts)
	i.token = token
	return i.init(), nil
}

// NewBasic returns an identity that authenticates with a username and password.
func NewBasic(username, password string, opts ...Option) (*Identity, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", ErrMissingSecret)
	}
	i := newIdentity(KindBasic, opts)
	i.username = username
	i.password = password
	return i.init(), nil
}

// NewCredentials returns an identity holding a pre-signed credential for provider. Once that
// credential expires the identity can no longer produce one.
func NewCredentials(provider string, cred credentials.Credential, opts ...Option) (*Identity, error) {
	if cred.IsZero() {
		return nil, fmt.Errorf("%w: credential is empty", ErrMissingSecret)
	}
	i := newIdentity(KindCredentials, opts)
	i.presigned[provider] = cred
	i.init()
	i.manager.Seed(provider, cred)
	return i, nil
}

func newIdentity(kind Kind, opts []Option) *Identity {
	i := &Identity{
		kind:      kind,
		headers:   http.Header{},
		endpoints: map[string]string{},
		presigned: map[string]credentials.Credential{},
		logger:    logger.NewNoopLogger(),
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

func (i *Identity) init() *Identity {
	opts := append([]credentials.ManagerOption{credentials.WithLogger(i.logger)}, i.managerOpts...)
	i.manager = credentials.NewManager(i, opts...)
	return i
}

func (i *Identity) Kind() Kind           { return i.kind }
func (i *Identity) Username() string     { return i.username }
func (i *Identity) Password() string     { return i.password }
func (i *Identity) Token() string        { return i.token }
func (i *Identity) Headers() http.Header { return i.headers.Clone() }

func (i *Identity) Cookies() []*http.Cookie {
	return append([]*http.Cookie(nil), i.cookies...)
}

// Endpoint returns the credentials endpoint configured for provider.
func (i *Identity) Endpoint(provider string) (string, bool) {
	url, ok := i.endpoints[provider]
	return url, ok
}

func (i *Identity) Endpoints() map[string]string {
	return maps.Clone(i.endpoints)
}

// Manager returns the credential manager owned by this identity.
func (i *Identity) Manager() *credentials.Manager {
	return i.manager
}

// TokenExpiry returns the expiration of a bearer token that is a JWT. The signature is not
// verified; the issuer of the token does that.
func (i *Identity) TokenExpiry() (time.Time, bool) {
	if i.kind != KindToken {
		return time.Time{}, false
	}
	token, _, err := jwt.NewParser().ParseUnverified(i.token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Session returns an HTTP client that authenticates every request as this identity. The client is
// built once; building it performs no network I/O.
func (i *Identity) Session() *http.Client {
	i.sessionOnce.Do(func() {
		client := i.plainClient()
		client.Transport = &authTransport{base: client.Transport, identity: i}
		i.session = client
	})
	return i.session
}

// plainClient returns a traced client that adds no authentication. Requests signed by the AWS SDK
// go through it so that their Authorization header is left alone.
func (i *Identity) plainClient() *http.Client {
	var base http.RoundTripper = http.DefaultTransport
	var timeout time.Duration
	if i.base != nil {
		if i.base.Transport != nil {
			base = i.base.Transport
		}
		timeout = i.base.Timeout
	}
	return &http.Client{Transport: otelhttp.NewTransport(base), Timeout: timeout}
}

// Credentials returns a valid temporary credential for provider through the identity's manager.
func (i *Identity) Credentials(ctx context.Context, provider string) (credentials.Credential, error) {
	if exp, ok := i.TokenExpiry(); ok && !time.Now().Before(exp) {
		return credentials.Credential{}, skyerrors.NewAuthenticationError(
			fmt.Errorf("%w: bearer token expired at %s", credentials.ErrAccessDenied, exp.Format(time.RFC3339)))
	}
	return i.manager.Get(ctx, provider)
}

func (i *Identity) String() string {
	switch i.kind {
	case KindBasic:
		return fmt.Sprintf("Identity{kind: %s, username: %s}", i.kind, i.username)
	default:
		return fmt.Sprintf("Identity{kind: %s}", i.kind)
	}
}

type authTransport struct {
	base     http.RoundTripper
	identity *Identity
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	for k, vs := range t.identity.headers {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	for _, c := range t.identity.cookies {
		r.AddCookie(c)
	}

	switch t.identity.kind {
	case KindToken:
		r.Header.Set("Authorization", "Bearer "+t.identity.token)
	case KindBasic:
		r.SetBasicAuth(t.identity.username, t.identity.password)
	}

	return t.base.RoundTrip(r)
}
