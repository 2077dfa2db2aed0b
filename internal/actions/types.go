package actions

import (
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle position of an action record.
type State string

// Action record states. StateExpired is derived from the ttl and never written.
const (
	StatePending    State = "PENDING"
	StateConfirmed  State = "CONFIRMED"
	StateRegistered State = "REGISTERED"
	StateExpired    State = "EXPIRED"
)

// ActionHours is the action type of an hour-registration prompt.
const ActionHours = "hours"

// CanAdvanceTo reports whether next is the immediate successor of s.
func (s State) CanAdvanceTo(next State) bool {
	switch s {
	case StatePending:
		return next == StateConfirmed
	case StateConfirmed:
		return next == StateRegistered
	default:
		return false
	}
}

// Key addresses a single record.
type Key struct {
	PartitionKey string
	SortKey      string
}

// String renders the key as "pk#sk". It doubles as the idempotency key
// handed to the time-tracking API.
func (k Key) String() string { return k.PartitionKey + "#" + k.SortKey }

// NewSortKey builds "<action>#<spent date>#<unix seconds>" so keys sort by
// creation inside a partition.
func NewSortKey(action string, spentDate, invokedAt time.Time) string {
	return fmt.Sprintf("%s#%s#%d", action, spentDate.Format(time.DateOnly), invokedAt.Unix())
}

// Payload carries what the registration needs.
type Payload struct {
	Hours     float64 `dynamodbav:"hours" json:"hours"`
	SpentDate string  `dynamodbav:"spent_date" json:"spent_date"` // YYYY-MM-DD
	Project   string  `dynamodbav:"project,omitempty" json:"project,omitempty"`
	Task      string  `dynamodbav:"task,omitempty" json:"task,omitempty"`
	Notes     string  `dynamodbav:"notes,omitempty" json:"notes,omitempty"`
}

// PromptRef points at the chat message that prompted the user.
type PromptRef struct {
	Channel   string `dynamodbav:"channel" json:"channel"`
	Timestamp string `dynamodbav:"ts" json:"ts"`
}

// Record is the item stored in the actions table.
type Record struct {
	PartitionKey string     `dynamodbav:"pk" json:"pk"` // PK
	SortKey      string     `dynamodbav:"sk" json:"sk"` // SK
	State        State      `dynamodbav:"state" json:"state"`
	Payload      Payload    `dynamodbav:"payload" json:"payload"`
	CreatedAt    time.Time  `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `dynamodbav:"updated_at" json:"updated_at"`
	TTL          int64      `dynamodbav:"ttl" json:"ttl"` // TTL epoch seconds
	Version      int64      `dynamodbav:"version" json:"version"`
	Prompt       *PromptRef `dynamodbav:"prompt,omitempty" json:"prompt,omitempty"`
	ReviewReason string     `dynamodbav:"review_reason,omitempty" json:"review_reason,omitempty"`
	FlaggedAt    *time.Time `dynamodbav:"flagged_at,omitempty" json:"flagged_at,omitempty"`
	ExternalID   string     `dynamodbav:"external_id,omitempty" json:"external_id,omitempty"`
}

// Key returns the record's primary key.
func (r Record) Key() Key { return Key{PartitionKey: r.PartitionKey, SortKey: r.SortKey} }

// Expired reports whether the ttl has elapsed at now. DynamoDB removes
// expired items lazily, so readers must not rely on the item being gone.
func (r Record) Expired(now time.Time) bool { return r.TTL <= now.Unix() }

// EffectiveState folds ttl expiry into the stored state.
func (r Record) EffectiveState(now time.Time) State {
	if r.Expired(now) && (r.State == StatePending || r.State == StateConfirmed) {
		return StateExpired
	}
	return r.State
}

// NeedsReview reports whether the record was flagged for manual intervention.
func (r Record) NeedsReview() bool { return r.ReviewReason != "" }

// Validate checks the fields every stored record must satisfy.
func (r Record) Validate() error {
	if r.PartitionKey == "" || r.SortKey == "" {
		return errors.New("partition key and sort key are required")
	}
	if r.CreatedAt.IsZero() {
		return errors.New("created_at is required")
	}
	if r.TTL <= r.CreatedAt.Unix() {
		return fmt.Errorf("ttl %d must be after created_at %d", r.TTL, r.CreatedAt.Unix())
	}
	return nil
}

// Patch lists the fields an update may change besides the state.
type Patch struct {
	Hours      *float64
	Notes      *string
	ExternalID string
}
