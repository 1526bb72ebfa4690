package identity

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/skyfetch/skyfetch/pkg/credentials"
)

// AWSConfig returns an aws.Config whose credentials for provider come from this identity's
// manager. Shared config files are consulted for everything except credentials.
func (i *Identity) AWSConfig(ctx context.Context, provider, region string) (aws.Config, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithCredentialsProvider(credentials.NewAWSProvider(i.manager, provider)),
		config.WithHTTPClient(i.plainClient()),
	}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config for provider %q: %w", provider, err)
	}
	return cfg, nil
}
