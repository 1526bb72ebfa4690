package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

// AWSProvider exposes the credential a Manager holds for one provider as an aws.CredentialsProvider,
// so SDK clients sign requests with it.
type AWSProvider struct {
	manager  *Manager
	provider string
}

var _ aws.CredentialsProvider = (*AWSProvider)(nil)

func NewAWSProvider(m *Manager, provider string) *AWSProvider {
	return &AWSProvider{manager: m, provider: provider}
}

// Retrieve implements aws.CredentialsProvider.
func (p *AWSProvider) Retrieve(ctx context.Context) (aws.Credentials, error) {
	cred, err := p.manager.Get(ctx, p.provider)
	if err != nil {
		return aws.Credentials{}, err
	}
	return cred.AWS(p.manager.buffer), nil
}

// AWS converts c to SDK credentials. Expires is set to the moment the credential enters its
// refresh buffer so the SDK's own credentials cache asks again before it expires.
func (c Credential) AWS(buffer time.Duration) aws.Credentials {
	creds := aws.Credentials{
		AccessKeyID:     c.accessKeyID,
		SecretAccessKey: c.secretAccessKey,
		SessionToken:    c.sessionToken,
		Source:          "skyfetch",
	}
	if !c.expiration.IsZero() {
		creds.CanExpire = true
		creds.Expires = c.expiration.Add(-buffer)
	}
	return creds
}

// STSAPI is the subset of the STS client used by STSIssuer.
type STSAPI interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

var deniedSTSCodes = map[string]bool{
	"AccessDenied":                true,
	"AccessDeniedException":       true,
	"InvalidClientTokenId":        true,
	"ExpiredToken":                true,
	"MalformedPolicyDocument":     true,
	"RegionDisabledException":     true,
	"InvalidIdentityToken":        true,
	"IDPRejectedClaim":            true,
	"SignatureDoesNotMatch":       true,
	"UnrecognizedClientException": true,
}

// STSIssuer issues credentials by assuming one IAM role per provider.
type STSIssuer struct {
	client      STSAPI
	roles       map[string]string
	sessionName string
	duration    time.Duration
	region      string
}

var _ Issuer = (*STSIssuer)(nil)

type STSIssuerOption func(*STSIssuer)

func WithSessionName(name string) STSIssuerOption {
	return func(i *STSIssuer) {
		i.sessionName = name
	}
}

func WithSessionDuration(d time.Duration) STSIssuerOption {
	return func(i *STSIssuer) {
		i.duration = d
	}
}

func WithRegion(region string) STSIssuerOption {
	return func(i *STSIssuer) {
		i.region = region
	}
}

// NewSTSIssuer returns an Issuer that maps a provider to the role ARN in roles.
func NewSTSIssuer(client STSAPI, roles map[string]string, opts ...STSIssuerOption) *STSIssuer {
	i := &STSIssuer{
		client:      client,
		roles:       roles,
		sessionName: "skyfetch",
		duration:    time.Hour,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Issue implements Issuer.
func (i *STSIssuer) Issue(ctx context.Context, provider string) (Credential, error) {
	role, ok := i.roles[provider]
	if !ok {
		return Credential{}, fmt.Errorf("%w: no role configured for provider %q", ErrAccessDenied, provider)
	}

	out, err := i.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(role),
		RoleSessionName: aws.String(i.sessionName),
		DurationSeconds: aws.Int32(int32(i.duration.Seconds())),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && deniedSTSCodes[apiErr.ErrorCode()] {
			return Credential{}, fmt.Errorf("%w: %w", ErrAccessDenied, err)
		}
		return Credential{}, err
	}
	if out.Credentials == nil {
		return Credential{}, fmt.Errorf("assume role %s returned no credentials", role)
	}

	return New(
		aws.ToString(out.Credentials.AccessKeyId),
		aws.ToString(out.Credentials.SecretAccessKey),
		aws.ToString(out.Credentials.SessionToken),
		aws.ToTime(out.Credentials.Expiration),
		i.region,
	), nil
}
