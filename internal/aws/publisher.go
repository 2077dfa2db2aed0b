package aws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Reconciliation stages reported on the queue.
const (
	StagePromptRollback = "prompt_rollback"
	StageRegistration   = "registration"
	StageTransition     = "transition"
	StageExpiry         = "expiry"
)

// Notice is a request for manual follow-up on a single action record.
type Notice struct {
	PartitionKey string    `json:"pk"`
	SortKey      string    `json:"sk"`
	Stage        string    `json:"stage"`
	Reason       string    `json:"reason"`
	ExternalID   string    `json:"external_id,omitempty"`
	At           time.Time `json:"at"`
}

// Publisher wraps an SQS client and a queue URL.
type Publisher struct {
	SQS      SQSAPI
	QueueURL string
}

// NewPublisher returns a Publisher bound to a queue URL.
func NewPublisher(sqsClient SQSAPI, queueURL string) *Publisher {
	return &Publisher{
		SQS:      sqsClient,
		QueueURL: queueURL,
	}
}

// PublishNotice sends a reconciliation notice. A Publisher without a queue
// URL is a no-op so local runs do not need SQS.
func (p *Publisher) PublishNotice(ctx context.Context, n Notice) error {
	if p == nil || p.QueueURL == "" {
		return nil
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	return p.SendMessage(ctx, string(body), map[string]string{
		"stage": n.Stage,
		"pk":    n.PartitionKey,
		"sk":    n.SortKey,
	})
}

// SendMessage sends a message to SQS. messageBody should be a JSON string.
// attributes map[string]string -> sent as MessageAttributes.
func (p *Publisher) SendMessage(ctx context.Context, messageBody string, attributes map[string]string) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    &p.QueueURL,
		MessageBody: &messageBody,
	}
	if len(attributes) > 0 {
		msgAttrs := map[string]sqstypes.MessageAttributeValue{}
		for k, v := range attributes {
			if v == "" {
				continue
			}
			// using string type for all attrs
			msgAttrs[k] = sqstypes.MessageAttributeValue{
				DataType:    awsString("String"),
				StringValue: awsString(v),
			}
		}
		input.MessageAttributes = msgAttrs
	}

	_, err := p.SQS.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// awsString helper
func awsString(s string) *string { return &s }
