// Package dispatch consumes the actions table stream and registers confirmed
// hours with the time tracker.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"go.opentelemetry.io/otel/attribute"

	"github.com/martinjlowm/mee6-autotracker/internal/actions"
	"github.com/martinjlowm/mee6-autotracker/internal/aws"
	"github.com/martinjlowm/mee6-autotracker/internal/observability"
	"github.com/martinjlowm/mee6-autotracker/internal/registration"
)

// Store is the part of actions.Store the dispatcher needs.
type Store interface {
	Get(ctx context.Context, key actions.Key) (*actions.Record, error)
	Update(ctx context.Context, key actions.Key, expected, next actions.State, patch actions.Patch, opts ...actions.UpdateOption) (*actions.Record, error)
	Flag(ctx context.Context, key actions.Key, expected actions.State, reason string) error
}

type Registrar interface {
	Register(ctx context.Context, req registration.Request) (registration.Result, error)
}

// Outcome says what Process did with an event.
type Outcome int

const (
	// OutcomeIgnored covers events that need no registration: removals,
	// non-confirmed images, and records that moved on or expired.
	OutcomeIgnored Outcome = iota
	OutcomeRegistered
	// OutcomeAlreadyRegistered means another delivery finished the
	// transition first.
	OutcomeAlreadyRegistered
	// OutcomeFlagged means the time tracker rejected the registration and the
	// record now waits for an operator.
	OutcomeFlagged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeRegistered:
		return "registered"
	case OutcomeAlreadyRegistered:
		return "already_registered"
	case OutcomeFlagged:
		return "flagged"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// ErrReconciliationGap wraps a failed transition after a successful
// external registration.
var ErrReconciliationGap = errors.New("reconciliation gap")

type Options struct {
	// Account, when set, is checked against the tracker's account.
	Account string
}

// Dispatcher turns stream events into registrations. Every event is
// re-validated against the store before any external call.
type Dispatcher struct {
	store     Store
	registrar Registrar
	notices   *aws.Publisher
	metrics   *aws.Metrics
	opts      Options
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// New returns a Dispatcher. notices and metrics may be nil.
func New(store Store, registrar Registrar, notices *aws.Publisher, metrics *aws.Metrics, opts Options, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:     store,
		registrar: registrar,
		notices:   notices,
		metrics:   metrics,
		opts:      opts,
		logger:    logger,
		nowFunc:   time.Now,
	}
}

// Handle processes a stream batch in order. On the first failure that record
// and every later one are reported as batch item failures, so Lambda resumes
// from that sequence number and per-key order is kept.
func (d *Dispatcher) Handle(ctx context.Context, batch events.DynamoDBEvent) (events.DynamoDBEventResponse, error) {
	ctx, span := observability.StartSpan(ctx, "dispatch.batch", attribute.Int("batch.size", len(batch.Records)))
	defer span.End()

	var resp events.DynamoDBEventResponse
	for i, r := range batch.Records {
		ev, err := actions.FromStreamRecord(r)
		if err != nil {
			// redelivering a record without keys cannot succeed
			d.logger.Error("skipping malformed stream record", "event_id", r.EventID, "error", err)
			continue
		}
		if _, err := d.Process(ctx, ev); err != nil {
			d.logger.Warn("stream record failed, reporting rest of batch",
				"sequence_number", ev.SequenceNumber, "remaining", len(batch.Records)-i, "error", err)
			observability.Fail(span, err)
			for _, rest := range batch.Records[i:] {
				resp.BatchItemFailures = append(resp.BatchItemFailures, events.DynamoDBBatchItemFailure{
					ItemIdentifier: rest.Change.SequenceNumber,
				})
			}
			return resp, nil
		}
	}
	return resp, nil
}

// Process handles one change event. A nil error acknowledges the event; an
// error asks for redelivery.
func (d *Dispatcher) Process(ctx context.Context, ev actions.ChangeEvent) (Outcome, error) {
	ctx, span := observability.StartRecordSpan(ctx, "dispatch.process", ev.Key.PartitionKey, ev.Key.SortKey)
	defer span.End()
	log := d.logger.With("pk", ev.Key.PartitionKey, "sk", ev.Key.SortKey, "event", ev.EventName)

	if ev.New == nil || ev.New.State != actions.StateConfirmed {
		return OutcomeIgnored, nil
	}

	rec, err := d.store.Get(ctx, ev.Key)
	if errors.Is(err, actions.ErrNotFound) {
		log.Debug("record gone, ignoring")
		return OutcomeIgnored, nil
	}
	if err != nil {
		observability.Fail(span, err)
		return OutcomeIgnored, fmt.Errorf("re-read %s: %w", ev.Key, err)
	}
	now := d.nowFunc()
	switch {
	case rec.State != actions.StateConfirmed:
		log.Debug("record moved on, ignoring", "state", rec.State)
		return OutcomeIgnored, nil
	case rec.Expired(now):
		// confirmed hours that will never be registered need a human
		log.Error("confirmed record expired before registration", "ttl", rec.TTL)
		d.notify(ctx, log, aws.Notice{
			PartitionKey: rec.PartitionKey,
			SortKey:      rec.SortKey,
			Stage:        aws.StageExpiry,
			Reason:       fmt.Sprintf("confirmed %v hours for %s expired unregistered", rec.Payload.Hours, rec.Payload.SpentDate),
		})
		d.count(ctx, aws.MetricConfirmedExpired)
		return OutcomeIgnored, nil
	case rec.NeedsReview():
		log.Info("record flagged for review, ignoring", "reason", rec.ReviewReason)
		return OutcomeIgnored, nil
	}

	res, err := d.registrar.Register(ctx, registration.Request{
		IdempotencyKey: rec.Key().String(),
		Subject:        rec.PartitionKey,
		Hours:          rec.Payload.Hours,
		SpentDate:      rec.Payload.SpentDate,
		Project:        rec.Payload.Project,
		Task:           rec.Payload.Task,
		Notes:          rec.Payload.Notes,
		Account:        d.opts.Account,
	})
	if err != nil {
		observability.Fail(span, err)
		if registration.IsFatal(err) {
			return d.flag(ctx, log, rec, err)
		}
		d.count(ctx, aws.MetricRegistrationRetry)
		return OutcomeIgnored, fmt.Errorf("register %s: %w", ev.Key, err)
	}

	_, err = d.store.Update(ctx, rec.Key(), actions.StateConfirmed, actions.StateRegistered, actions.Patch{ExternalID: res.EntryID})
	if errors.Is(err, actions.ErrStaleState) {
		log.Info("registration already recorded by another delivery", "entry_id", res.EntryID)
		return OutcomeAlreadyRegistered, nil
	}
	if err != nil {
		observability.Fail(span, err)
		log.Error("reconciliation gap: hours registered but record not advanced",
			"entry_id", res.EntryID, "error", err)
		d.notify(ctx, log, aws.Notice{
			PartitionKey: rec.PartitionKey,
			SortKey:      rec.SortKey,
			Stage:        aws.StageTransition,
			Reason:       err.Error(),
			ExternalID:   res.EntryID,
		})
		d.count(ctx, aws.MetricReconciliationGap)
		return OutcomeIgnored, fmt.Errorf("%w: %s: %v", ErrReconciliationGap, ev.Key, err)
	}

	log.Info("hours registered", "entry_id", res.EntryID, "duplicate", res.Duplicate, "skipped", res.Skipped, "attempts", res.Attempts)
	d.count(ctx, aws.MetricRegistered)
	return OutcomeRegistered, nil
}

// flag parks a record the time tracker refused. The state stays CONFIRMED.
func (d *Dispatcher) flag(ctx context.Context, log *slog.Logger, rec *actions.Record, cause error) (Outcome, error) {
	log.Error("registration rejected, flagging for review", "error", cause)
	err := d.store.Flag(ctx, rec.Key(), actions.StateConfirmed, cause.Error())
	switch {
	case errors.Is(err, actions.ErrStaleState), errors.Is(err, actions.ErrNotFound):
		log.Info("record changed while flagging, nothing to park", "error", err)
		return OutcomeIgnored, nil
	case err != nil:
		return OutcomeIgnored, fmt.Errorf("flag %s: %w", rec.Key(), err)
	}
	d.notify(ctx, log, aws.Notice{
		PartitionKey: rec.PartitionKey,
		SortKey:      rec.SortKey,
		Stage:        aws.StageRegistration,
		Reason:       cause.Error(),
	})
	d.count(ctx, aws.MetricRegistrationFatal)
	return OutcomeFlagged, nil
}

func (d *Dispatcher) notify(ctx context.Context, log *slog.Logger, n aws.Notice) {
	n.At = d.nowFunc().UTC()
	if err := d.notices.PublishNotice(ctx, n); err != nil {
		log.Error("publish reconciliation notice", "stage", n.Stage, "error", err)
	}
}

func (d *Dispatcher) count(ctx context.Context, metric string) {
	if err := d.metrics.Count(ctx, metric, 1); err != nil {
		d.logger.Warn("emit metric", "metric", metric, "error", err)
	}
}
