package aws

import (
	"context"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
)

// DefaultRegion is where the autotracker tables live unless configured.
const DefaultRegion = "eu-west-1"

// Settings controls how the shared AWS config is loaded.
type Settings struct {
	Region string
	// EndpointOverride points every client at a local emulator (LocalStack).
	EndpointOverride string
	// MaxAttempts caps the SDK's own retries of throttled calls. Zero keeps
	// the SDK default.
	MaxAttempts int
}

// LoadAWSConfig resolves credentials the usual way (Lambda role, env,
// profile) and applies s on top.
func LoadAWSConfig(ctx context.Context, s Settings) (sdkaws.Config, error) {
	region := s.Region
	if region == "" {
		region = DefaultRegion
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}
	if s.EndpointOverride != "" {
		opts = append(opts, config.WithBaseEndpoint(s.EndpointOverride))
	}
	if s.MaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(s.MaxAttempts))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return cfg, fmt.Errorf("load aws config for %s: %w", region, err)
	}
	return cfg, nil
}
