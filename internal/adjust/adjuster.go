// Package adjust applies a user's answer to an hours prompt to the pending
// action record.
package adjust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/martinjlowm/mee6-autotracker/internal/actions"
	"github.com/martinjlowm/mee6-autotracker/internal/observability"
)

// ErrInvalidCommand is returned for commands that fail validation.
var ErrInvalidCommand = errors.New("invalid adjust command")

type Store interface {
	Get(ctx context.Context, key actions.Key) (*actions.Record, error)
	Update(ctx context.Context, key actions.Key, expected, next actions.State, patch actions.Patch, opts ...actions.UpdateOption) (*actions.Record, error)
}

// Command is one adjustment of a pending record.
type Command struct {
	Key   actions.Key
	Hours float64
	Notes *string
}

func (c Command) validate() error {
	if c.Key.PartitionKey == "" || c.Key.SortKey == "" {
		return fmt.Errorf("%w: partition and sort key are required", ErrInvalidCommand)
	}
	if c.Hours < 0 || c.Hours > 24 {
		return fmt.Errorf("%w: hours %v out of range", ErrInvalidCommand, c.Hours)
	}
	return nil
}

type Outcome int

const (
	OutcomeConfirmed Outcome = iota + 1
	// OutcomeAlreadyHandled is a replay of a confirmed or registered record.
	OutcomeAlreadyHandled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "confirmed"
	case OutcomeAlreadyHandled:
		return "already_handled"
	}
	return "unknown"
}

type Result struct {
	Outcome Outcome
	Record  *actions.Record
	// Message is shown to the user in place of the prompt.
	Message string
}

type Adjuster struct {
	store   Store
	logger  *slog.Logger
	nowFunc func() time.Time
}

func New(store Store, logger *slog.Logger) *Adjuster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adjuster{store: store, logger: logger, nowFunc: time.Now}
}

// Adjust moves a live PENDING record to CONFIRMED with the given hours.
//
// A missing or expired record yields actions.ErrNotFound. Replays against a
// record that is already CONFIRMED or REGISTERED succeed without writing.
func (a *Adjuster) Adjust(ctx context.Context, cmd Command) (Result, error) {
	if err := cmd.validate(); err != nil {
		return Result{}, err
	}
	ctx, span := observability.StartRecordSpan(ctx, "adjust.hours", cmd.Key.PartitionKey, cmd.Key.SortKey)
	defer span.End()
	log := a.logger.With("pk", cmd.Key.PartitionKey, "sk", cmd.Key.SortKey)

	now := a.nowFunc()
	hours := cmd.Hours
	rec, err := a.store.Update(ctx, cmd.Key, actions.StatePending, actions.StateConfirmed,
		actions.Patch{Hours: &hours, Notes: cmd.Notes}, actions.LiveAt(now))
	switch {
	case err == nil:
		log.Info("hours confirmed", "hours", hours)
		return Result{Outcome: OutcomeConfirmed, Record: rec, Message: confirmedMessage(rec)}, nil
	case errors.Is(err, actions.ErrNotFound):
		log.Info("adjustment for missing or expired record")
		return Result{}, err
	case !errors.Is(err, actions.ErrStaleState):
		observability.Fail(span, err)
		return Result{}, fmt.Errorf("confirm %s: %w", cmd.Key, err)
	}

	current, err := a.store.Get(ctx, cmd.Key)
	if err != nil {
		return Result{}, err
	}
	switch current.State {
	case actions.StateConfirmed, actions.StateRegistered:
		log.Info("adjustment replayed", "state", current.State)
		return Result{Outcome: OutcomeAlreadyHandled, Record: current, Message: confirmedMessage(current)}, nil
	}
	return Result{}, fmt.Errorf("%w: %s is %s", actions.ErrNotFound, cmd.Key, current.State)
}

func confirmedMessage(rec *actions.Record) string {
	hours := strconv.FormatFloat(rec.Payload.Hours, 'f', -1, 64)
	if rec.Payload.Hours == 0 {
		return fmt.Sprintf("Got it, no hours for %s.", rec.Payload.SpentDate)
	}
	return fmt.Sprintf("Got it, %s hours for %s on %s.", hours, rec.Payload.Project, rec.Payload.SpentDate)
}
