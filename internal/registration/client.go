// Package registration registers confirmed hours with the time tracking API
// at most once per idempotency key.
package registration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/felixgeelhaar/fortify/retry"

	"github.com/martinjlowm/mee6-autotracker/internal/harvest"
	"github.com/martinjlowm/mee6-autotracker/internal/receipts"
)

// Request describes one registration. IdempotencyKey is stable for the
// record being registered.
type Request struct {
	IdempotencyKey string
	Subject        string
	Hours          float64
	SpentDate      string // YYYY-MM-DD
	Project        string
	Task           string
	Notes          string
	Account        string
}

// Result of a successful Register.
type Result struct {
	EntryID string
	// Duplicate is set when an earlier call already created the entry.
	Duplicate bool
	// Skipped is set for zero-hour requests, which create nothing.
	Skipped  bool
	Attempts int
}

// TimeTracker is the subset of the Harvest client used here.
type TimeTracker interface {
	AccountID() string
	FindEntryByReference(ctx context.Context, spentDate, reference string) (*harvest.TimeEntry, error)
	ResolveAssignment(ctx context.Context, project, task string) (harvest.Assignment, error)
	CreateEntry(ctx context.Context, entry harvest.NewTimeEntry) (*harvest.TimeEntry, error)
}

// Ledger records which idempotency keys were already registered.
type Ledger interface {
	Claim(ctx context.Context, key string) (receipts.Claim, error)
	MarkDone(ctx context.Context, key, entryID string) error
	MarkFailed(ctx context.Context, key, token, note string) error
}

type Options struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration
	DefaultProject string
	DefaultTask    string
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 4
	}
	if o.InitialDelay <= 0 {
		o.InitialDelay = 200 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 2 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 10 * time.Second
	}
	if o.DefaultProject == "" {
		o.DefaultProject = "System2 Development Hours"
	}
	if o.DefaultTask == "" {
		o.DefaultTask = "Development"
	}
}

// Client registers hours. It is safe for concurrent use.
type Client struct {
	tracker TimeTracker
	ledger  Ledger
	retrier retry.Retry[submission]
	opts    Options
	logger  *slog.Logger
}

type submission struct {
	entryID  string
	existing bool
}

func NewClient(tracker TimeTracker, ledger Ledger, opts Options, logger *slog.Logger) *Client {
	opts.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		tracker: tracker,
		ledger:  ledger,
		retrier: retry.New[submission](retry.Config{
			MaxAttempts:   opts.MaxAttempts,
			InitialDelay:  opts.InitialDelay,
			MaxDelay:      opts.MaxDelay,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
			Jitter:        true,
			IsRetryable:   IsRetryable,
		}),
		opts:   opts,
		logger: logger,
	}
}

// Register creates the time entry for req unless one already exists for
// req.IdempotencyKey. Failures are *Error values classified as retryable or
// fatal; retryable ones are retried with backoff up to MaxAttempts first.
func (c *Client) Register(ctx context.Context, req Request) (Result, error) {
	if err := c.validate(req); err != nil {
		return Result{}, Fatal("validate request", err)
	}
	if req.Hours == 0 {
		return Result{Skipped: true}, nil
	}
	if req.Project == "" {
		req.Project = c.opts.DefaultProject
	}
	if req.Task == "" {
		req.Task = c.opts.DefaultTask
	}
	log := c.logger.With("idempotency_key", req.IdempotencyKey)

	claim, err := c.ledger.Claim(ctx, req.IdempotencyKey)
	if err != nil {
		return Result{}, Retryable("claim receipt", err)
	}
	switch claim.Outcome {
	case receipts.Completed:
		log.Info("registration already recorded", "entry_id", claim.Receipt.EntryID)
		return Result{EntryID: claim.Receipt.EntryID, Duplicate: true}, nil
	case receipts.Busy:
		return Result{}, Retryable("claim receipt", ErrInFlight)
	}

	var (
		attempts int
		lastErr  error
	)
	sub, err := c.retrier.Do(ctx, func(ctx context.Context) (submission, error) {
		attempts++
		s, err := c.submit(ctx, req)
		lastErr = err
		if err != nil {
			log.Warn("registration attempt failed", "attempt", attempts, "retryable", IsRetryable(err), "error", err)
		}
		return s, err
	})
	if err != nil {
		if lastErr != nil {
			err = lastErr
		}
		err = Classify("register", err)
		if ferr := c.ledger.MarkFailed(ctx, req.IdempotencyKey, claim.Token, err.Error()); ferr != nil {
			log.Warn("release receipt", "error", ferr)
		}
		return Result{Attempts: attempts}, err
	}

	if err := c.ledger.MarkDone(ctx, req.IdempotencyKey, sub.entryID); err != nil {
		// the entry carries the key as external reference, so the next
		// attempt finds it in the pre-check
		log.Error("receipt not recorded after registration", "entry_id", sub.entryID, "error", err)
	}
	log.Info("hours registered", "entry_id", sub.entryID, "existing", sub.existing, "attempts", attempts)
	return Result{EntryID: sub.entryID, Duplicate: sub.existing, Attempts: attempts}, nil
}

// submit runs one attempt: look for an entry carrying the key, create it if
// there is none.
func (c *Client) submit(ctx context.Context, req Request) (submission, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	existing, err := c.tracker.FindEntryByReference(ctx, req.SpentDate, req.IdempotencyKey)
	if err != nil {
		return submission{}, Classify("find entry", err)
	}
	if existing != nil {
		return submission{entryID: strconv.FormatInt(existing.ID, 10), existing: true}, nil
	}

	assignment, err := c.tracker.ResolveAssignment(ctx, req.Project, req.Task)
	if err != nil {
		return submission{}, Classify("resolve assignment", err)
	}
	entry, err := c.tracker.CreateEntry(ctx, harvest.NewTimeEntry{
		ProjectID: assignment.ProjectID,
		TaskID:    assignment.TaskID,
		SpentDate: req.SpentDate,
		Hours:     req.Hours,
		Notes:     req.Notes,
		ExternalReference: &harvest.ExternalReference{
			ID:      req.IdempotencyKey,
			GroupID: harvest.ReferenceGroup,
		},
	})
	if err != nil {
		return submission{}, Classify("create entry", err)
	}
	return submission{entryID: strconv.FormatInt(entry.ID, 10)}, nil
}

func (c *Client) validate(req Request) error {
	if req.IdempotencyKey == "" {
		return errors.New("idempotency key is required")
	}
	if req.Hours < 0 || req.Hours > 24 {
		return fmt.Errorf("hours %v out of range", req.Hours)
	}
	if _, err := time.Parse(time.DateOnly, req.SpentDate); err != nil {
		return fmt.Errorf("spent date %q: %w", req.SpentDate, err)
	}
	if req.Account != "" && req.Account != c.tracker.AccountID() {
		return fmt.Errorf("account %s is not the configured account", req.Account)
	}
	return nil
}
