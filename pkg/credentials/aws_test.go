package credentials

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	ststypes "github.com/aws/aws-sdk-go-v2/service/sts/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/require"
)

type fakeSTS struct {
	calls []*sts.AssumeRoleInput
	out   *sts.AssumeRoleOutput
	err   error
}

func (f *fakeSTS) AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error) {
	f.calls = append(f.calls, params)
	return f.out, f.err
}

func TestSTSIssuer(t *testing.T) {
	expiration := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	t.Run("assumes_the_role_mapped_to_the_provider", func(t *testing.T) {
		client := &fakeSTS{out: &sts.AssumeRoleOutput{Credentials: &ststypes.Credentials{
			AccessKeyId:     aws.String("ASIAROLE"),
			SecretAccessKey: aws.String("secret"),
			SessionToken:    aws.String("token"),
			Expiration:      aws.Time(expiration),
		}}}
		issuer := NewSTSIssuer(client, map[string]string{
			"prod-bucket": "arn:aws:iam::123456789012:role/reader",
		}, WithSessionName("worker-1"), WithSessionDuration(15*time.Minute), WithRegion("us-west-2"))

		cred, err := issuer.Issue(context.Background(), "prod-bucket")
		require.NoError(t, err)
		require.Equal(t, "ASIAROLE", cred.AccessKeyID())
		require.Equal(t, "us-west-2", cred.Region())
		require.True(t, cred.Expiration().Equal(expiration))

		require.Len(t, client.calls, 1)
		require.Equal(t, "arn:aws:iam::123456789012:role/reader", aws.ToString(client.calls[0].RoleArn))
		require.Equal(t, "worker-1", aws.ToString(client.calls[0].RoleSessionName))
		require.Equal(t, int32(900), aws.ToInt32(client.calls[0].DurationSeconds))
	})

	t.Run("unknown_provider_is_denied", func(t *testing.T) {
		issuer := NewSTSIssuer(&fakeSTS{}, map[string]string{})
		_, err := issuer.Issue(context.Background(), "prod-bucket")
		require.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("access_denied_api_error_is_not_retryable", func(t *testing.T) {
		client := &fakeSTS{err: &smithy.GenericAPIError{Code: "AccessDenied", Message: "not authorized"}}
		issuer := NewSTSIssuer(client, map[string]string{"prod-bucket": "arn:aws:iam::123456789012:role/reader"})
		_, err := issuer.Issue(context.Background(), "prod-bucket")
		require.ErrorIs(t, err, ErrAccessDenied)
	})

	t.Run("throttling_is_retryable", func(t *testing.T) {
		client := &fakeSTS{err: &smithy.GenericAPIError{Code: "Throttling", Message: "rate exceeded"}}
		issuer := NewSTSIssuer(client, map[string]string{"prod-bucket": "arn:aws:iam::123456789012:role/reader"})
		_, err := issuer.Issue(context.Background(), "prod-bucket")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrAccessDenied)
	})
}

func TestAWSProvider(t *testing.T) {
	expiration := time.Now().Add(time.Hour).UTC()
	calls := 0
	m := NewManager(IssuerFunc(func(ctx context.Context, provider string) (Credential, error) {
		calls++
		return New("ASIAPROV", "secret", "token", expiration, "us-west-2"), nil
	}))

	provider := NewAWSProvider(m, "prod-bucket")
	creds, err := provider.Retrieve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ASIAPROV", creds.AccessKeyID)
	require.Equal(t, "secret", creds.SecretAccessKey)
	require.Equal(t, "token", creds.SessionToken)
	require.True(t, creds.CanExpire)
	require.True(t, creds.Expires.Equal(expiration.Add(-DefaultExpiryBuffer)))

	_, err = provider.Retrieve(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestAWSProviderPropagatesErrors(t *testing.T) {
	m := NewManager(IssuerFunc(func(ctx context.Context, provider string) (Credential, error) {
		return Credential{}, ErrAccessDenied
	}))

	_, err := NewAWSProvider(m, "prod-bucket").Retrieve(context.Background())
	require.True(t, errors.Is(err, ErrAccessDenied))
}
