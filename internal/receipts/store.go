// Package receipts keeps a ledger of calls made to the time-tracking API,
// keyed by idempotency key, so redelivered registrations can be answered
// without a second external effect.
package receipts

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/martinjlowm/mee6-autotracker/internal/aws"
)

const (
	condNew     = "attribute_not_exists(idempotency_key)"
	condReclaim = "#s <> :done AND claim_token = :prev"
	condOwned   = "#s = :ip AND claim_token = :tok"
	condExists  = "attribute_exists(idempotency_key)"
)

// ErrLostClaim is returned when a write assumed ownership of a key that
// another claim has since taken over or completed.
var ErrLostClaim = errors.New("receipt claim lost")

// Store encapsulates receipt operations against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // how long receipts are kept
	lease     time.Duration // how long an IN_PROGRESS claim blocks others
	nowFunc   func() time.Time
	tokenFunc func() string
}

// NewStore returns a configured Store.
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow, lease time.Duration) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		lease:     lease,
		nowFunc:   time.Now,
		tokenFunc: func() string { return uuid.NewString() },
	}
}

// Claim takes ownership of key before the external call is made.
//
// A fresh key is created IN_PROGRESS and Acquired. A DONE receipt is reported
// as Completed. A live IN_PROGRESS claim is Busy; one older than the lease, or
// a FAILED receipt, is taken over with a conditional update on its token.
func (s *Store) Claim(ctx context.Context, key string) (Claim, error) {
	now := s.nowFunc().UTC()
	token := s.tokenFunc()
	rec := Receipt{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		ClaimToken:     token,
		Attempts:       1,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return Claim{}, fmt.Errorf("marshal receipt: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString(condNew),
	})
	if err == nil {
		return Claim{Outcome: Acquired, Token: token, Receipt: &rec}, nil
	}
	if !isConditionFailure(err) {
		return Claim{}, fmt.Errorf("put item: %w", err)
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return Claim{}, err
	}
	if existing == nil {
		// expired between the put and the read
		return Claim{Outcome: Busy}, nil
	}
	switch {
	case existing.Status == StatusDone:
		return Claim{Outcome: Completed, Receipt: existing}, nil
	case existing.Status == StatusInProgress && now.Before(existing.UpdatedAt.Add(s.lease)):
		return Claim{Outcome: Busy, Receipt: existing}, nil
	}
	return s.reclaim(ctx, existing, token, now)
}

func (s *Store) reclaim(ctx context.Context, prev *Receipt, token string, now time.Time) (Claim, error) {
	out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 keyAttributes(prev.IdempotencyKey),
		UpdateExpression:    awsString("SET #s = :ip, claim_token = :tok, attempts = attempts + :one, updated_at = :ua, expires_at = :exp REMOVE note"),
		ConditionExpression: awsString(condReclaim),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ip":   &types.AttributeValueMemberS{Value: StatusInProgress},
			":done": &types.AttributeValueMemberS{Value: StatusDone},
			":tok":  &types.AttributeValueMemberS{Value: token},
			":prev": &types.AttributeValueMemberS{Value: prev.ClaimToken},
			":one":  &types.AttributeValueMemberN{Value: "1"},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
			":exp":  &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(s.ttlWindow).Unix(), 10)},
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if err != nil {
		if isConditionFailure(err) {
			// another delivery reclaimed or finished it first
			return Claim{Outcome: Busy, Receipt: prev}, nil
		}
		return Claim{}, fmt.Errorf("update item (reclaim): %w", err)
	}
	var rec Receipt
	if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
		return Claim{}, fmt.Errorf("unmarshal item: %w", err)
	}
	return Claim{Outcome: Acquired, Token: token, Receipt: &rec}, nil
}

// Get retrieves a receipt by key. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*Receipt, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyAttributes(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Receipt
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

// MarkDone records the entry the API created. It does not check the claim
// token: an entry that exists is recorded whoever made it.
func (s *Store) MarkDone(ctx context.Context, key, entryID string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 keyAttributes(key),
		UpdateExpression:    awsString("SET #s = :done, entry_id = :eid, updated_at = :ua REMOVE note"),
		ConditionExpression: awsString(condExists),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done": &types.AttributeValueMemberS{Value: StatusDone},
			":eid":  &types.AttributeValueMemberS{Value: entryID},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("mark done %s: receipt missing: %w", key, ErrLostClaim)
		}
		return fmt.Errorf("update item (mark done): %w", err)
	}
	return nil
}

// MarkFailed releases a claim and stores a note. A FAILED receipt can be
// reclaimed right away by the next delivery.
func (s *Store) MarkFailed(ctx context.Context, key, token, note string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 keyAttributes(key),
		UpdateExpression:    awsString("SET #s = :failed, note = :n, updated_at = :ua"),
		ConditionExpression: awsString(condOwned),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":failed": &types.AttributeValueMemberS{Value: StatusFailed},
			":ip":     &types.AttributeValueMemberS{Value: StatusInProgress},
			":tok":    &types.AttributeValueMemberS{Value: token},
			":n":      &types.AttributeValueMemberS{Value: note},
			":ua":     &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("mark failed %s: %w", key, ErrLostClaim)
		}
		return fmt.Errorf("update item (mark failed): %w", err)
	}
	return nil
}

func keyAttributes(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: key},
	}
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

// Helpers
func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
