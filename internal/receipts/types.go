package receipts

import "time"

// Status values for registration receipts.
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Receipt is the shape persisted in the receipts DynamoDB table. One receipt
// exists per idempotency key handed to the time-tracking API.
type Receipt struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	ClaimToken     string    `dynamodbav:"claim_token"`
	EntryID        string    `dynamodbav:"entry_id,omitempty"`
	Attempts       int       `dynamodbav:"attempts"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// Outcome says what a Claim found.
type Outcome int

const (
	// Acquired means the caller now owns the key and may call the API.
	Acquired Outcome = iota
	// Completed means a previous claim already registered the entry.
	Completed
	// Busy means another claim is live and has not reported back yet.
	Busy
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Completed:
		return "completed"
	case Busy:
		return "busy"
	default:
		return "unknown"
	}
}

// Claim is the result of Store.Claim.
type Claim struct {
	Outcome Outcome
	Token   string // MarkFailed only succeeds for the token's owner
	Receipt *Receipt
}
