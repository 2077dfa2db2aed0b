package aws

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAWSConfig_DefaultRegion(t *testing.T) {
	cfg, err := LoadAWSConfig(context.Background(), Settings{})
	require.NoError(t, err)
	require.Equal(t, DefaultRegion, cfg.Region)
}

func TestLoadAWSConfig_WithEndpointOverride(t *testing.T) {
	cfg, err := LoadAWSConfig(context.Background(), Settings{
		Region:           "eu-north-1",
		EndpointOverride: "http://localhost:4566",
	})
	require.NoError(t, err)
	require.Equal(t, "eu-north-1", cfg.Region)
	require.NotNil(t, cfg.BaseEndpoint)
	require.Equal(t, "http://localhost:4566", *cfg.BaseEndpoint)
}

func TestLoadAWSConfig_MaxAttempts(t *testing.T) {
	cfg, err := LoadAWSConfig(context.Background(), Settings{MaxAttempts: 5})
	require.NoError(t, err)
	require.Equal(t, 5, cfg.RetryMaxAttempts)
}

func TestNewClients(t *testing.T) {
	c, err := NewClients(context.Background(), Settings{EndpointOverride: "http://localhost:4566"})
	require.NoError(t, err)
	require.NotNil(t, c.DynamoDB)
	require.NotNil(t, c.SQS)
	require.NotNil(t, c.CloudWatch)
}
