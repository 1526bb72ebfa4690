package identity

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/skyfetch/skyfetch/pkg/credentials"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
)

const earthdataResponse = `{
	"accessKeyId": "ASIAEXAMPLE",
	"secretAccessKey": "secret",
	"sessionToken": "session",
	"expiration": "2030-07-22 21:43:58+00:00"
}`

func fastRetries(attempts int) Option {
	return WithManagerOptions(
		credentials.WithRefreshAttempts(attempts),
		credentials.WithBackoff(time.Millisecond, time.Millisecond),
	)
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{KindToken, KindBasic, KindCredentials} {
		parsed, err := ParseKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}

	_, err := ParseKind("kerberos")
	require.Error(t, err)
}

func TestConstructorsRejectMissingSecret(t *testing.T) {
	_, err := NewToken("")
	require.ErrorIs(t, err, ErrMissingSecret)

	_, err = NewBasic("user", "")
	require.ErrorIs(t, err, ErrMissingSecret)

	_, err = NewCredentials("prod", credentials.Credential{})
	require.ErrorIs(t, err, ErrMissingSecret)
}

func TestSessionAuthenticatesRequests(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
	}))
	t.Cleanup(srv.Close)

	opts := []Option{
		WithHeaders(http.Header{"X-Client": []string{"skyfetch"}}),
		WithCookies([]*http.Cookie{{Name: "session", Value: "abc"}}),
	}

	t.Run("token", func(t *testing.T) {
		id, err := NewToken("tok", opts...)
		require.NoError(t, err)

		resp, err := id.Session().Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()

		require.Equal(t, "Bearer tok", got.Header.Get("Authorization"))
		require.Equal(t, "skyfetch", got.Header.Get("X-Client"))
		c, err := got.Cookie("session")
		require.NoError(t, err)
		require.Equal(t, "abc", c.Value)
	})

	t.Run("basic", func(t *testing.T) {
		id, err := NewBasic("alice", "s3cret", opts...)
		require.NoError(t, err)

		resp, err := id.Session().Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()

		user, pass, ok := got.BasicAuth()
		require.True(t, ok)
		require.Equal(t, "alice", user)
		require.Equal(t, "s3cret", pass)
	})

	t.Run("session_is_reused", func(t *testing.T) {
		id, err := NewToken("tok")
		require.NoError(t, err)
		require.Same(t, id.Session(), id.Session())
	})
}

func TestCredentialsFromEndpoint(t *testing.T) {
	var hits atomic.Int32
	var authorization atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		authorization.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(earthdataResponse))
	}))
	t.Cleanup(srv.Close)

	id, err := NewToken("tok", WithEndpoint("prod", srv.URL))
	require.NoError(t, err)

	cred, err := id.Credentials(context.Background(), "prod")
	require.NoError(t, err)
	require.Equal(t, "ASIAEXAMPLE", cred.AccessKeyID())
	require.Equal(t, "session", cred.SessionToken())
	require.Equal(t, time.Date(2030, 7, 22, 21, 43, 58, 0, time.UTC), cred.Expiration())

	_, err = id.Credentials(context.Background(), "prod")
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())
	require.Equal(t, "Bearer tok", authorization.Load())
}

func TestCredentialsEndpointFailures(t *testing.T) {
	tests := map[string]struct {
		status       int
		body         string
		wantRequests int32
	}{
		`unauthorized_is_not_retried`: {
			status:       http.StatusUnauthorized,
			wantRequests: 1,
		},
		`not_found_is_not_retried`: {
			status:       http.StatusNotFound,
			wantRequests: 1,
		},
		`server_error_is_retried`: {
			status:       http.StatusServiceUnavailable,
			wantRequests: 3,
		},
		`throttling_is_retried`: {
			status:       http.StatusTooManyRequests,
			wantRequests: 3,
		},
		`login_page_is_rejected`: {
			status:       http.StatusOK,
			body:         "<html>Please log in</html>",
			wantRequests: 1,
		},
		`missing_keys_are_rejected`: {
			status:       http.StatusOK,
			body:         `{"sessionToken":"x"}`,
			wantRequests: 1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			var hits atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				w.WriteHeader(test.status)
				_, _ = w.Write([]byte(test.body))
			}))
			t.Cleanup(srv.Close)

			id, err := NewBasic("alice", "pw", WithEndpoint("prod", srv.URL), fastRetries(3))
			require.NoError(t, err)

			_, err = id.Credentials(context.Background(), "prod")
			require.ErrorIs(t, err, skyerrors.ErrAuthentication)
			require.Equal(t, test.wantRequests, hits.Load())
		})
	}
}

func TestCredentialsWithoutEndpoint(t *testing.T) {
	id, err := NewToken("tok")
	require.NoError(t, err)

	_, err = id.Credentials(context.Background(), "unknown")
	require.ErrorIs(t, err, skyerrors.ErrAuthentication)
	require.ErrorIs(t, err, credentials.ErrAccessDenied)
}

func TestExpiredJWTFailsWithoutNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(-time.Hour).Unix(),
	}).SignedString([]byte("key"))
	require.NoError(t, err)

	id, err := NewToken(expired, WithEndpoint("prod", srv.URL))
	require.NoError(t, err)

	exp, ok := id.TokenExpiry()
	require.True(t, ok)
	require.True(t, exp.Before(time.Now()))

	_, err = id.Credentials(context.Background(), "prod")
	require.ErrorIs(t, err, skyerrors.ErrAuthentication)
	require.Zero(t, hits.Load())
}

func TestOpaqueTokenHasNoExpiry(t *testing.T) {
	id, err := NewToken("not-a-jwt")
	require.NoError(t, err)

	_, ok := id.TokenExpiry()
	require.False(t, ok)
}

func TestPresignedCredentials(t *testing.T) {
	t.Run("valid_credential_is_served", func(t *testing.T) {
		cred := credentials.New("AKIA", "secret", "tok", time.Now().Add(time.Hour), "us-west-2")
		id, err := NewCredentials("prod", cred)
		require.NoError(t, err)

		got, err := id.Credentials(context.Background(), "prod")
		require.NoError(t, err)
		require.Equal(t, cred, got)
	})

	t.Run("expired_credential_cannot_be_refreshed", func(t *testing.T) {
		cred := credentials.New("AKIA", "secret", "tok", time.Now().Add(time.Minute), "")
		id, err := NewCredentials("prod", cred, fastRetries(1))
		require.NoError(t, err)

		_, err = id.Credentials(context.Background(), "prod")
		require.ErrorIs(t, err, skyerrors.ErrAuthentication)
	})
}

func TestStringDoesNotLeakSecrets(t *testing.T) {
	id, err := NewBasic("alice", "hunter2")
	require.NoError(t, err)
	require.NotContains(t, id.String(), "hunter2")

	id, err = NewToken("tok-secret")
	require.NoError(t, err)
	require.NotContains(t, id.String(), "tok-secret")
}
