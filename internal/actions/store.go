package actions

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/martinjlowm/mee6-autotracker/internal/aws"
)

// Condition expressions used by the store.
const (
	condNotExists = "attribute_not_exists(pk)"
	condState     = "attribute_exists(pk) AND #state = :expected"
	condStateLive = condState + " AND #ttl > :now"
	condFlagged   = "attribute_exists(review_reason)"
	condFlaggedIn = condFlagged + " AND #state = :expected"
)

const (
	// DefaultReviewHold is how long a flagged CONFIRMED record is kept from
	// the TTL sweep while it waits for an operator.
	DefaultReviewHold = 30 * 24 * time.Hour
	// DefaultRetryWindow is the live window a CONFIRMED record gets when its
	// flag is cleared.
	DefaultRetryWindow = 24 * time.Hour
)

// Store encapsulates operations on the actions table.
type Store struct {
	client      aws.DynamoDBAPI
	tableName   string
	reviewHold  time.Duration
	retryWindow time.Duration
	nowFunc     func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithReviewHold sets how long flagged CONFIRMED records are retained.
func WithReviewHold(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.reviewHold = d
		}
	}
}

// WithRetryWindow sets the live window granted by ClearFlag.
func WithRetryWindow(d time.Duration) StoreOption {
	return func(s *Store) {
		if d > 0 {
			s.retryWindow = d
		}
	}
}

// NewStore creates a new actions Store.
func NewStore(client aws.DynamoDBAPI, tableName string, opts ...StoreOption) *Store {
	s := &Store{
		client:      client,
		tableName:   tableName,
		reviewHold:  DefaultReviewHold,
		retryWindow: DefaultRetryWindow,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// UpdateOption tunes a conditional update.
type UpdateOption func(*updateOptions)

type updateOptions struct {
	liveAt time.Time
}

// LiveAt additionally requires the record's ttl to be after now.
func LiveAt(now time.Time) UpdateOption {
	return func(o *updateOptions) { o.liveAt = now }
}

// LiveAtTime reports the time set by a LiveAt option among opts.
func LiveAtTime(opts ...UpdateOption) (time.Time, bool) {
	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o.liveAt, !o.liveAt.IsZero()
}

// Put creates a PENDING record. Returns ErrConflict if (pk, sk) already exists.
func (s *Store) Put(ctx context.Context, rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	if rec.State != StatePending {
		return fmt.Errorf("%w: records are created %s, got %s", ErrInvalidTransition, StatePending, rec.State)
	}
	rec.Version = 1
	rec.UpdatedAt = rec.CreatedAt

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString(condNotExists),
	})
	if err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("%w: %s", ErrConflict, rec.Key())
		}
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

// Get fetches a record with a strongly consistent read. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, key Key) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyAttributes(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return unmarshalRecord(out.Item)
}

// Update conditionally moves a record from expected to next and applies patch.
// Returns ErrStaleState if the current state differs from expected and
// ErrNotFound if the record is missing (or expired, with LiveAt).
func (s *Store) Update(ctx context.Context, key Key, expected, next State, patch Patch, opts ...UpdateOption) (*Record, error) {
	if !expected.CanAdvanceTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}

	u := s.newUpdate()
	u.set("#state = :next")
	u.names["#state"] = "state"
	u.values[":next"] = &types.AttributeValueMemberS{Value: string(next)}
	u.values[":expected"] = &types.AttributeValueMemberS{Value: string(expected)}

	if patch.Hours != nil {
		u.set("payload.#hours = :hours")
		u.names["#hours"] = "hours"
		u.values[":hours"] = &types.AttributeValueMemberN{Value: strconv.FormatFloat(*patch.Hours, 'f', -1, 64)}
	}
	if patch.Notes != nil {
		u.set("payload.#notes = :notes")
		u.names["#notes"] = "notes"
		u.values[":notes"] = &types.AttributeValueMemberS{Value: *patch.Notes}
	}
	if patch.ExternalID != "" {
		u.set("external_id = :eid")
		u.values[":eid"] = &types.AttributeValueMemberS{Value: patch.ExternalID}
	}

	cond := condState
	if liveAt, ok := LiveAtTime(opts...); ok {
		cond = condStateLive
		u.names["#ttl"] = "ttl"
		u.values[":now"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(liveAt.Unix(), 10)}
	}

	out, err := s.client.UpdateItem(ctx, u.input(key, cond))
	if err != nil {
		return nil, s.conditionError(err, key, expected)
	}
	return unmarshalRecord(out.Attributes)
}

// Flag marks a record for manual intervention without changing its state.
// A CONFIRMED record also has its ttl pushed out by the review hold, so the
// sweep does not discard hours the time tracker refused. Flagged PENDING
// records (undelivered prompts) keep their ttl.
func (s *Store) Flag(ctx context.Context, key Key, expected State, reason string) error {
	now := s.nowFunc().UTC()
	u := s.newUpdate()
	u.set("review_reason = :reason", "flagged_at = :fa")
	u.names["#state"] = "state"
	u.values[":expected"] = &types.AttributeValueMemberS{Value: string(expected)}
	u.values[":reason"] = &types.AttributeValueMemberS{Value: reason}
	u.values[":fa"] = &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)}
	if expected == StateConfirmed {
		u.setTTL(now.Add(s.reviewHold))
	}

	if _, err := s.client.UpdateItem(ctx, u.input(key, condState)); err != nil {
		return s.conditionError(err, key, expected)
	}
	return nil
}

// ClearFlag removes the manual-intervention flag. The write shows up on the
// change stream, which lets the dispatcher pick the record up again; a
// CONFIRMED record gets a fresh retry window so it is live when it does.
func (s *Store) ClearFlag(ctx context.Context, key Key) error {
	rec, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if !rec.NeedsReview() {
		return fmt.Errorf("%w: %s is not flagged", ErrStaleState, key)
	}

	u := s.newUpdate()
	u.remove("review_reason", "flagged_at")
	u.names["#state"] = "state"
	u.values[":expected"] = &types.AttributeValueMemberS{Value: string(rec.State)}
	if rec.State == StateConfirmed {
		u.setTTL(s.nowFunc().Add(s.retryWindow))
	}

	if _, err := s.client.UpdateItem(ctx, u.input(key, condFlaggedIn)); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return fmt.Errorf("%w: %s", ErrNotFound, key)
			}
			return fmt.Errorf("%w: %s is not flagged", ErrStaleState, key)
		}
		return fmt.Errorf("update item (clear flag): %w", err)
	}
	return nil
}

// SetPrompt stores where the prompt for a record was posted.
func (s *Store) SetPrompt(ctx context.Context, key Key, ref PromptRef) error {
	av, err := attributevalue.Marshal(ref)
	if err != nil {
		return fmt.Errorf("marshal prompt: %w", err)
	}
	u := s.newUpdate()
	u.set("prompt = :prompt")
	u.values[":prompt"] = av

	if _, err := s.client.UpdateItem(ctx, u.input(key, "attribute_exists(pk)")); err != nil {
		if isConditionFailure(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return fmt.Errorf("update item (set prompt): %w", err)
	}
	return nil
}

// Delete removes a record still in the expected state.
func (s *Store) Delete(ctx context.Context, key Key, expected State) error {
	_, err := s.client.DeleteItem(ctx, &dyn.DeleteItemInput{
		TableName:                           &s.tableName,
		Key:                                 keyAttributes(key),
		ConditionExpression:                 awsString(condState),
		ExpressionAttributeNames:            map[string]string{"#state": "state"},
		ExpressionAttributeValues:           map[string]types.AttributeValue{":expected": &types.AttributeValueMemberS{Value: string(expected)}},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	})
	if err != nil {
		return s.conditionError(err, key, expected)
	}
	return nil
}

// ListFlagged returns every record waiting for manual intervention.
func (s *Store) ListFlagged(ctx context.Context) ([]Record, error) {
	var (
		out   []Record
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:         &s.tableName,
			FilterExpression:  awsString(condFlagged),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		for _, item := range page.Items {
			rec, err := unmarshalRecord(item)
			if err != nil {
				return nil, err
			}
			out = append(out, *rec)
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

// conditionError maps a failed conditional write to ErrNotFound/ErrStaleState
// using the ALL_OLD image DynamoDB returns with the failure.
func (s *Store) conditionError(err error, key Key, expected State) error {
	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) {
		return fmt.Errorf("conditional write %s: %w", key, err)
	}
	if len(ccf.Item) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	current, uerr := unmarshalRecord(ccf.Item)
	if uerr != nil {
		return fmt.Errorf("%w: %s", ErrStaleState, key)
	}
	if current.State != expected {
		return fmt.Errorf("%w: %s is %s, expected %s", ErrStaleState, key, current.State, expected)
	}
	// the state matched, so the ttl guard failed
	return fmt.Errorf("%w: %s expired", ErrNotFound, key)
}

// update accumulates an UpdateItem expression. Every write bumps version and updated_at.
type update struct {
	sets    []string
	removes []string
	names   map[string]string
	values  map[string]types.AttributeValue
	table   string
}

func (s *Store) newUpdate() *update {
	now := s.nowFunc().UTC()
	return &update{
		sets: []string{"#version = if_not_exists(#version, :zero) + :one", "updated_at = :ua"},
		names: map[string]string{
			"#version": "version",
		},
		values: map[string]types.AttributeValue{
			":zero": &types.AttributeValueMemberN{Value: "0"},
			":one":  &types.AttributeValueMemberN{Value: "1"},
			":ua":   &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
		table: s.tableName,
	}
}

func (u *update) set(clauses ...string)  { u.sets = append(u.sets, clauses...) }
func (u *update) remove(attrs ...string) { u.removes = append(u.removes, attrs...) }

func (u *update) setTTL(at time.Time) {
	u.set("#ttl = :ttl")
	u.names["#ttl"] = "ttl"
	u.values[":ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(at.Unix(), 10)}
}

func (u *update) expression() string {
	expr := "SET " + strings.Join(u.sets, ", ")
	if len(u.removes) > 0 {
		expr += " REMOVE " + strings.Join(u.removes, ", ")
	}
	return expr
}

func (u *update) input(key Key, cond string) *dyn.UpdateItemInput {
	return &dyn.UpdateItemInput{
		TableName:                           &u.table,
		Key:                                 keyAttributes(key),
		UpdateExpression:                    awsString(u.expression()),
		ConditionExpression:                 awsString(cond),
		ExpressionAttributeNames:            u.names,
		ExpressionAttributeValues:           u.values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}
}

func keyAttributes(key Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"pk": &types.AttributeValueMemberS{Value: key.PartitionKey},
		"sk": &types.AttributeValueMemberS{Value: key.SortKey},
	}
}

func unmarshalRecord(item map[string]types.AttributeValue) (*Record, error) {
	var rec Record
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func isConditionFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var sc smithy.APIError
	return errors.As(err, &sc) && sc.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }
func awsBool(b bool) *bool       { return &b }
