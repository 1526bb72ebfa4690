package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/skyfetch/skyfetch/pkg/credentials"
	skyerrors "github.com/skyfetch/skyfetch/pkg/errors"
)

// maxCredentialResponseBytes bounds how much of a credentials endpoint response is read.
const maxCredentialResponseBytes = 1 << 20

var _ credentials.Issuer = (*Identity)(nil)

// Field names accepted for each credential attribute, in lookup order.
var (
	accessKeyFields  = []string{"accessKeyId", "AccessKeyId", "access_key_id"}
	secretKeyFields  = []string{"secretAccessKey", "SecretAccessKey", "secret_access_key"}
	sessionFields    = []string{"sessionToken", "SessionToken", "session_token"}
	expirationFields = []string{"expiration", "Expiration", "expiry"}
	regionFields     = []string{"region", "Region"}
)

var expirationLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02T15:04:05",
}

// Issue fetches a temporary credential for provider from the provider's credentials endpoint,
// authenticating as this identity. It implements credentials.Issuer; callers normally go through
// Credentials so that results are cached.
func (i *Identity) Issue(ctx context.Context, provider string) (credentials.Credential, error) {
	if i.kind == KindCredentials {
		return credentials.Credential{}, fmt.Errorf("%w: pre-signed credentials for %q cannot be refreshed",
			credentials.ErrAccessDenied, provider)
	}

	url, ok := i.endpoints[provider]
	if !ok {
		return credentials.Credential{}, fmt.Errorf("%w: no credentials endpoint configured for provider %q",
			credentials.ErrAccessDenied, provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return credentials.Credential{}, fmt.Errorf("%w: %w", credentials.ErrAccessDenied, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := i.Session().Do(req)
	if err != nil {
		return credentials.Credential{}, skyerrors.NewTransientError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCredentialResponseBytes))
	if err != nil {
		return credentials.Credential{}, skyerrors.NewTransientError(err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		return credentials.Credential{}, skyerrors.NewTransientError(
			fmt.Errorf("credentials endpoint returned %s", resp.Status))
	case resp.StatusCode >= http.StatusBadRequest:
		return credentials.Credential{}, fmt.Errorf("%w: credentials endpoint returned %s",
			credentials.ErrAccessDenied, resp.Status)
	}

	cred, err := parseCredential(body)
	if err != nil {
		i.logger.Warn("unusable credentials endpoint response",
			zap.String("provider", provider),
			zap.Int("status", resp.StatusCode),
			zap.Error(err))
		return credentials.Credential{}, fmt.Errorf("%w: %w", credentials.ErrAccessDenied, err)
	}
	return cred, nil
}

var errMalformedCredential = errors.New("malformed credential response")

// parseCredential reads a credential document. A body that is not JSON, such as a login page
// served in place of the document, is rejected.
func parseCredential(body []byte) (credentials.Credential, error) {
	if !gjson.ValidBytes(body) {
		return credentials.Credential{}, fmt.Errorf("%w: response is not JSON", errMalformedCredential)
	}
	doc := gjson.ParseBytes(body)
	if !doc.IsObject() {
		return credentials.Credential{}, fmt.Errorf("%w: response is not an object", errMalformedCredential)
	}

	accessKey := firstString(doc, accessKeyFields)
	secretKey := firstString(doc, secretKeyFields)
	if accessKey == "" || secretKey == "" {
		return credentials.Credential{}, fmt.Errorf("%w: missing access key", errMalformedCredential)
	}

	var expiration time.Time
	if raw := firstString(doc, expirationFields); raw != "" {
		var err error
		expiration, err = parseExpiration(raw)
		if err != nil {
			return credentials.Credential{}, fmt.Errorf("%w: %w", errMalformedCredential, err)
		}
	}

	return credentials.New(accessKey, secretKey, firstString(doc, sessionFields), expiration,
		firstString(doc, regionFields)), nil
}

func firstString(doc gjson.Result, fields []string) string {
	for _, f := range fields {
		if v := doc.Get(f); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func parseExpiration(raw string) (time.Time, error) {
	for _, layout := range expirationLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized expiration %q", raw)
}
