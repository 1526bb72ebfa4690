// Package credentials contains the temporary credential value type and the Manager that caches and
// refreshes credentials per provider.
package credentials

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap/zapcore"
)

// DefaultExpiryBuffer is subtracted from a credential's expiration so that consumers refresh
// before the credential actually expires.
const DefaultExpiryBuffer = 5 * time.Minute

// Credential is one set of temporary access keys. A Credential is immutable: it is passed by value
// and none of its methods modify it. A zero expiration means the credential does not expire.
type Credential struct {
	accessKeyID     string
	secretAccessKey string
	sessionToken    string
	expiration      time.Time
	region          string
}

// New constructs a Credential. The expiration is normalized to UTC.
func New(accessKeyID, secretAccessKey, sessionToken string, expiration time.Time, region string) Credential {
	if !expiration.IsZero() {
		expiration = expiration.UTC()
	}
	return Credential{
		accessKeyID:     accessKeyID,
		secretAccessKey: secretAccessKey,
		sessionToken:    sessionToken,
		expiration:      expiration,
		region:          region,
	}
}

func (c Credential) AccessKeyID() string     { return c.accessKeyID }
func (c Credential) SecretAccessKey() string { return c.secretAccessKey }
func (c Credential) SessionToken() string    { return c.sessionToken }
func (c Credential) Expiration() time.Time   { return c.expiration }
func (c Credential) Region() string          { return c.region }

// IsZero reports whether c holds no key material.
func (c Credential) IsZero() bool {
	return c.accessKeyID == "" && c.secretAccessKey == "" && c.sessionToken == ""
}

// IsExpired reports whether c is within DefaultExpiryBuffer of its expiration.
func (c Credential) IsExpired() bool {
	return c.IsExpiredAt(time.Now())
}

// IsExpiredAt reports whether now >= expiration - DefaultExpiryBuffer.
func (c Credential) IsExpiredAt(now time.Time) bool {
	return c.ExpiresWithin(now, DefaultExpiryBuffer)
}

// ExpiresWithin reports whether now >= expiration - buffer. Exactly at the boundary the
// credential counts as expired.
func (c Credential) ExpiresWithin(now time.Time, buffer time.Duration) bool {
	if c.expiration.IsZero() {
		return false
	}
	return !now.Before(c.expiration.Add(-buffer))
}

// String never includes secret material.
func (c Credential) String() string {
	if c.IsZero() {
		return "Credential{}"
	}
	return fmt.Sprintf("Credential{accessKeyID: %s, region: %s, expiration: %s}",
		redactKeyID(c.accessKeyID), c.region, c.expiration.Format(time.RFC3339))
}

// MarshalLogObject implements zapcore.ObjectMarshaler without secret material.
func (c Credential) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("access_key_id", redactKeyID(c.accessKeyID))
	enc.AddString("region", c.region)
	enc.AddTime("expiration", c.expiration)
	return nil
}

func redactKeyID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return id[:4] + "****"
}

type credentialJSON struct {
	AccessKeyID     string    `json:"accessKeyId"`
	SecretAccessKey string    `json:"secretAccessKey"`
	SessionToken    string    `json:"sessionToken,omitempty"`
	Expiration      time.Time `json:"expiration,omitzero"`
	Region          string    `json:"region,omitempty"`
}

// MarshalJSON includes secret material. It exists so that a Credential can be carried inside an
// AuthContext across a process boundary.
func (c Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(credentialJSON{
		AccessKeyID:     c.accessKeyID,
		SecretAccessKey: c.secretAccessKey,
		SessionToken:    c.sessionToken,
		Expiration:      c.expiration,
		Region:          c.region,
	})
}

func (c *Credential) UnmarshalJSON(data []byte) error {
	var raw credentialJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = New(raw.AccessKeyID, raw.SecretAccessKey, raw.SessionToken, raw.Expiration, raw.Region)
	return nil
}
