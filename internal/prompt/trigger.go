// Package prompt creates the daily hours prompts: one PENDING action record
// and one Slack message per subject.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/martinjlowm/mee6-autotracker/internal/actions"
	"github.com/martinjlowm/mee6-autotracker/internal/aws"
	"github.com/martinjlowm/mee6-autotracker/internal/observability"
	"github.com/martinjlowm/mee6-autotracker/internal/slack"
)

// HourChoices are the buttons offered on a prompt, before the default hours
// are added.
var HourChoices = []float64{0, 2, 4, 6}

// ErrIncomplete is returned by Run when at least one subject was not prompted.
var ErrIncomplete = errors.New("prompt run incomplete")

type Store interface {
	Put(ctx context.Context, rec actions.Record) error
	Get(ctx context.Context, key actions.Key) (*actions.Record, error)
	Delete(ctx context.Context, key actions.Key, expected actions.State) error
	Flag(ctx context.Context, key actions.Key, expected actions.State, reason string) error
	SetPrompt(ctx context.Context, key actions.Key, ref actions.PromptRef) error
}

type Chat interface {
	LookupUser(ctx context.Context, name string) (string, error)
	PostMessage(ctx context.Context, msg slack.Message) (slack.PostedMessage, error)
}

type Options struct {
	// Subjects are Slack display names or user ids.
	Subjects []string
	Hours    float64
	// Horizon is how long a prompt can be answered. It never extends past
	// the end of the spent day.
	Horizon  time.Duration
	Project  string
	Task     string
	Location *time.Location
	// RecoverAfter is how old an unposted PENDING record must be before a
	// redelivered trigger posts its prompt. Younger records may still be
	// in the hands of the delivery that created them.
	RecoverAfter time.Duration
}

// Status of one subject in a run.
type Status string

const (
	StatusPrompted Status = "prompted"
	// StatusRecovered means an earlier delivery created the record but never
	// posted its prompt; this run posted it.
	StatusRecovered Status = "recovered"
	// StatusExists means an earlier delivery of the same trigger already
	// created the record.
	StatusExists     Status = "exists"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
	// StatusStranded means the prompt failed and the record could not be
	// removed either; it is flagged for an operator.
	StatusStranded Status = "stranded"
)

type SubjectResult struct {
	Subject string
	Key     actions.Key
	Status  Status
	Err     error
}

type Report struct {
	// Skipped is set when the invocation fell on a weekend.
	Skipped bool
	Results []SubjectResult
}

// Trigger runs one prompt round.
type Trigger struct {
	store   Store
	chat    Chat
	notices *aws.Publisher
	metrics *aws.Metrics
	opts    Options
	logger  *slog.Logger
	nowFunc func() time.Time
}

func NewTrigger(store Store, chat Chat, notices *aws.Publisher, metrics *aws.Metrics, opts Options, logger *slog.Logger) *Trigger {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Hours == 0 {
		opts.Hours = 8
	}
	if opts.Horizon <= 0 {
		opts.Horizon = 8 * time.Hour
	}
	if opts.RecoverAfter <= 0 {
		opts.RecoverAfter = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{store: store, chat: chat, notices: notices, metrics: metrics, opts: opts, logger: logger, nowFunc: time.Now}
}

// Run prompts every subject for the day of invokedAt. Sort keys derive from
// invokedAt, so a redelivered trigger finds its records and skips them.
func (t *Trigger) Run(ctx context.Context, invokedAt time.Time) (Report, error) {
	local := invokedAt.In(t.opts.Location)
	if !IsBusinessDay(local) {
		t.logger.Info("not a business day, skipping prompts", "day", local.Weekday().String())
		return Report{Skipped: true}, nil
	}

	var report Report
	failed := 0
	for _, subject := range t.opts.Subjects {
		res := t.promptSubject(ctx, subject, local)
		if res.Err != nil && res.Status != StatusExists {
			failed++
		}
		report.Results = append(report.Results, res)
	}
	if failed > 0 {
		return report, fmt.Errorf("%w: %d of %d subjects failed", ErrIncomplete, failed, len(t.opts.Subjects))
	}
	return report, nil
}

func (t *Trigger) promptSubject(ctx context.Context, subject string, invokedAt time.Time) SubjectResult {
	res := SubjectResult{Subject: subject}
	userID, err := t.chat.LookupUser(ctx, subject)
	if err != nil {
		t.logger.Error("resolve slack user", "subject", subject, "error", err)
		res.Status, res.Err = StatusFailed, err
		return res
	}

	rec := t.newRecord(userID, invokedAt)
	res.Key = rec.Key()
	ctx, span := observability.StartRecordSpan(ctx, "prompt.subject", rec.PartitionKey, rec.SortKey)
	defer span.End()
	log := t.logger.With("pk", rec.PartitionKey, "sk", rec.SortKey)

	if err := t.store.Put(ctx, rec); err != nil {
		if errors.Is(err, actions.ErrConflict) {
			return t.resume(ctx, log, span, res, err)
		}
		observability.Fail(span, err)
		log.Error("create prompt record", "error", err)
		res.Status, res.Err = StatusFailed, err
		return res
	}

	res.Status, res.Err = t.post(ctx, log, span, rec)
	return res
}

// resume handles a record an earlier delivery of the same trigger created.
// If that delivery died before posting, the prompt is posted now so the
// record is not left PENDING with nobody asked.
func (t *Trigger) resume(ctx context.Context, log *slog.Logger, span trace.Span, res SubjectResult, conflict error) SubjectResult {
	cur, err := t.store.Get(ctx, res.Key)
	switch {
	case errors.Is(err, actions.ErrNotFound):
		res.Status, res.Err = StatusExists, conflict
		return res
	case err != nil:
		observability.Fail(span, err)
		log.Error("read existing prompt record", "error", err)
		res.Status, res.Err = StatusFailed, err
		return res
	}

	now := t.nowFunc()
	if cur.Prompt != nil || cur.State != actions.StatePending || cur.NeedsReview() || cur.Expired(now) ||
		now.Sub(cur.CreatedAt) < t.opts.RecoverAfter {
		log.Info("prompt record already exists", "state", cur.State, "posted", cur.Prompt != nil)
		res.Status, res.Err = StatusExists, conflict
		return res
	}

	log.Warn("prompt record was never posted, posting now", "created_at", cur.CreatedAt)
	res.Status, res.Err = t.post(ctx, log, span, *cur)
	if res.Err == nil {
		res.Status = StatusRecovered
	}
	return res
}

// post sends the prompt for rec and stores where it went. A failed post
// rolls the record back.
func (t *Trigger) post(ctx context.Context, log *slog.Logger, span trace.Span, rec actions.Record) (Status, error) {
	posted, err := t.chat.PostMessage(ctx, t.message(rec))
	if err != nil {
		observability.Fail(span, err)
		log.Error("post slack prompt, rolling back", "error", err)
		return t.rollback(ctx, log, rec, err), err
	}

	ref := actions.PromptRef{Channel: posted.Channel, Timestamp: posted.Timestamp}
	if err := t.store.SetPrompt(ctx, rec.Key(), ref); err != nil {
		log.Warn("store prompt reference", "error", err)
	}
	t.count(ctx, aws.MetricPromptCreated)
	log.Info("prompt posted", "channel", posted.Channel, "ts", posted.Timestamp)
	return StatusPrompted, nil
}

// rollback removes a record whose prompt was never delivered. A record that
// cannot be removed is flagged so it is not mistaken for an unanswered prompt.
func (t *Trigger) rollback(ctx context.Context, log *slog.Logger, rec actions.Record, cause error) Status {
	err := t.store.Delete(ctx, rec.Key(), actions.StatePending)
	if err == nil {
		t.count(ctx, aws.MetricPromptRolledBack)
		return StatusRolledBack
	}
	log.Error("roll back prompt record", "error", err)

	reason := fmt.Sprintf("prompt not delivered: %v; rollback failed: %v", cause, err)
	if ferr := t.store.Flag(ctx, rec.Key(), actions.StatePending, reason); ferr != nil {
		log.Error("flag stranded prompt record", "error", ferr)
	}
	notice := aws.Notice{
		PartitionKey: rec.PartitionKey,
		SortKey:      rec.SortKey,
		Stage:        aws.StagePromptRollback,
		Reason:       reason,
	}
	if nerr := t.notices.PublishNotice(ctx, notice); nerr != nil {
		log.Error("publish reconciliation notice", "error", nerr)
	}
	return StatusStranded
}

func (t *Trigger) newRecord(userID string, invokedAt time.Time) actions.Record {
	created := invokedAt.UTC()
	return actions.Record{
		PartitionKey: userID,
		SortKey:      actions.NewSortKey(actions.ActionHours, invokedAt, invokedAt),
		State:        actions.StatePending,
		Payload: actions.Payload{
			Hours:     t.opts.Hours,
			SpentDate: invokedAt.Format(time.DateOnly),
			Project:   t.opts.Project,
			Task:      t.opts.Task,
		},
		CreatedAt: created,
		TTL:       Deadline(invokedAt, t.opts.Horizon).Unix(),
	}
}

func (t *Trigger) message(rec actions.Record) slack.Message {
	text := fmt.Sprintf("Should I adjust the number of hours for %s work? You have until end of day.", rec.Payload.Project)
	choices := Choices(rec.Payload.Hours)
	buttons := make([]slack.Element, 0, len(choices))
	for _, h := range choices {
		label := strconv.FormatFloat(h, 'f', -1, 64)
		buttons = append(buttons, slack.Element{
			Type:     "button",
			ActionID: "hours-" + label,
			Text:     slack.Text{Type: "plain_text", Text: label},
			Value:    slack.ActionValue{PartitionKey: rec.PartitionKey, SortKey: rec.SortKey, Hours: h}.String(),
		})
	}
	return slack.Message{
		Channel: rec.PartitionKey,
		Text:    text,
		Blocks: []slack.Block{
			{Type: "section", Text: &slack.Text{Type: "plain_text", Text: text}},
			{Type: "actions", BlockID: "hours", Elements: buttons},
		},
	}
}

func (t *Trigger) count(ctx context.Context, metric string) {
	if err := t.metrics.Count(ctx, metric, 1); err != nil {
		t.logger.Warn("emit metric", "metric", metric, "error", err)
	}
}

// Choices returns HourChoices plus the default hours when they are not
// already offered, so a full default day can be confirmed.
func Choices(defaultHours float64) []float64 {
	out := append([]float64(nil), HourChoices...)
	if !slices.Contains(out, defaultHours) {
		out = append(out, defaultHours)
		slices.Sort(out)
	}
	return out
}

// IsBusinessDay reports whether t falls on Monday to Friday.
func IsBusinessDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return true
}

// Deadline is invokedAt plus horizon, but no later than the end of the day
// invokedAt falls on in its location.
func Deadline(invokedAt time.Time, horizon time.Duration) time.Time {
	y, m, d := invokedAt.Date()
	endOfDay := time.Date(y, m, d+1, 0, 0, 0, 0, invokedAt.Location())
	if deadline := invokedAt.Add(horizon); deadline.Before(endOfDay) {
		return deadline
	}
	return endOfDay
}
