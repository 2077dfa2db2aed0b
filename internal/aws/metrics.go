package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metric names emitted by the pipeline.
const (
	MetricPromptCreated     = "PromptCreated"
	MetricPromptRolledBack  = "PromptRolledBack"
	MetricRegistered        = "Registered"
	MetricRegistrationFatal = "RegistrationFatal"
	MetricRegistrationRetry = "RegistrationRetryable"
	MetricReconciliationGap = "ReconciliationGap"
	MetricConfirmedExpired  = "ConfirmedExpired"
)

// Metrics publishes counters to CloudWatch.
type Metrics struct {
	CloudWatch CloudWatchAPI
	Namespace  string
	nowFunc    func() time.Time
}

// NewMetrics returns a Metrics publisher. A nil client turns Count into a no-op.
func NewMetrics(client CloudWatchAPI, namespace string) *Metrics {
	if namespace == "" {
		namespace = "AutoTracker"
	}
	return &Metrics{
		CloudWatch: client,
		Namespace:  namespace,
		nowFunc:    time.Now,
	}
}

// Count adds n to the named counter.
func (m *Metrics) Count(ctx context.Context, name string, n float64) error {
	if m == nil || m.CloudWatch == nil {
		return nil
	}
	now := m.nowFunc()
	_, err := m.CloudWatch.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: awsString(m.Namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: awsString(name),
				Timestamp:  &now,
				Unit:       cwtypes.StandardUnitCount,
				Value:      &n,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("put metric %s: %w", name, err)
	}
	return nil
}
