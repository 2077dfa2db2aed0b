package registration

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martinjlowm/mee6-autotracker/internal/harvest"
	"github.com/martinjlowm/mee6-autotracker/internal/receipts"
)

type fakeTracker struct {
	mu         sync.Mutex
	entries    []harvest.TimeEntry
	creates    int
	createErr  []error // consumed one per CreateEntry call
	landAnyway bool    // persist the entry even when returning an error
	findErr    error
}

func (f *fakeTracker) AccountID() string { return "12345" }

func (f *fakeTracker) FindEntryByReference(ctx context.Context, spentDate, reference string) (*harvest.TimeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	for i := range f.entries {
		e := f.entries[i]
		if e.SpentDate == spentDate && e.ExternalReference != nil && e.ExternalReference.ID == reference {
			return &e, nil
		}
	}
	return nil, nil
}

func (f *fakeTracker) ResolveAssignment(ctx context.Context, project, task string) (harvest.Assignment, error) {
	if project != "System2 Development Hours" {
		return harvest.Assignment{}, fmt.Errorf("%w: %q", harvest.ErrUnknownProject, project)
	}
	return harvest.Assignment{ProjectID: 20, TaskID: 40}, nil
}

func (f *fakeTracker) CreateEntry(ctx context.Context, entry harvest.NewTimeEntry) (*harvest.TimeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	var err error
	if len(f.createErr) > 0 {
		err, f.createErr = f.createErr[0], f.createErr[1:]
	}
	if err != nil && !f.landAnyway {
		return nil, err
	}
	e := harvest.TimeEntry{
		ID:                int64(1000 + len(f.entries)),
		SpentDate:         entry.SpentDate,
		Hours:             entry.Hours,
		ExternalReference: entry.ExternalReference,
	}
	f.entries = append(f.entries, e)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// fakeLedger follows receipts.Store semantics in memory.
type fakeLedger struct {
	mu       sync.Mutex
	receipts map[string]*receipts.Receipt
	n        int
	claimErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{receipts: map[string]*receipts.Receipt{}}
}

func (l *fakeLedger) Claim(ctx context.Context, key string) (receipts.Claim, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.claimErr != nil {
		return receipts.Claim{}, l.claimErr
	}
	l.n++
	token := fmt.Sprintf("tok-%d", l.n)
	r, ok := l.receipts[key]
	switch {
	case !ok:
		l.receipts[key] = &receipts.Receipt{IdempotencyKey: key, Status: receipts.StatusInProgress, ClaimToken: token, Attempts: 1}
	case r.Status == receipts.StatusDone:
		cp := *r
		return receipts.Claim{Outcome: receipts.Completed, Receipt: &cp}, nil
	case r.Status == receipts.StatusInProgress:
		return receipts.Claim{Outcome: receipts.Busy}, nil
	default:
		r.Status, r.ClaimToken, r.Note = receipts.StatusInProgress, token, ""
		r.Attempts++
	}
	cp := *l.receipts[key]
	return receipts.Claim{Outcome: receipts.Acquired, Token: token, Receipt: &cp}, nil
}

func (l *fakeLedger) MarkDone(ctx context.Context, key, entryID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[key]
	if !ok {
		return receipts.ErrLostClaim
	}
	r.Status, r.EntryID = receipts.StatusDone, entryID
	return nil
}

func (l *fakeLedger) MarkFailed(ctx context.Context, key, token, note string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[key]
	if !ok || r.Status != receipts.StatusInProgress || r.ClaimToken != token {
		return receipts.ErrLostClaim
	}
	r.Status, r.Note = receipts.StatusFailed, note
	return nil
}

func (l *fakeLedger) status(key string) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if r, ok := l.receipts[key]; ok {
		return r.Status
	}
	return ""
}

func newTestClient(tracker *fakeTracker, ledger *fakeLedger) *Client {
	return NewClient(tracker, ledger, Options{
		MaxAttempts:    4,
		InitialDelay:   time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		AttemptTimeout: time.Second,
	}, nil)
}

func request() Request {
	return Request{
		IdempotencyKey: "U1#hours#2026-10-15#1792054800",
		Subject:        "U1",
		Hours:          6,
		SpentDate:      "2026-10-15",
		Account:        "12345",
	}
}

func unavailable() error {
	return &harvest.APIError{StatusCode: http.StatusServiceUnavailable, Method: http.MethodPost, Path: "/time_entries", Message: "try later"}
}

func TestRegister_RetriesUntilSuccess(t *testing.T) {
	tracker := &fakeTracker{createErr: []error{unavailable(), unavailable(), unavailable()}}
	ledger := newFakeLedger()
	c := newTestClient(tracker, ledger)

	res, err := c.Register(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Attempts)
	assert.Equal(t, "1000", res.EntryID)
	assert.False(t, res.Duplicate)
	assert.Len(t, tracker.entries, 1)
	assert.Equal(t, receipts.StatusDone, ledger.status(request().IdempotencyKey))
}

func TestRegister_AtMostOncePerKey(t *testing.T) {
	tracker := &fakeTracker{}
	ledger := newFakeLedger()
	c := newTestClient(tracker, ledger)
	ctx := context.Background()

	first, err := c.Register(ctx, request())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := c.Register(ctx, request())
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
		assert.Equal(t, first.EntryID, again.EntryID)
	}
	assert.Equal(t, 1, tracker.creates)
}

func TestRegister_PreCheckFindsLandedEntry(t *testing.T) {
	// the first create times out on our side but lands in Harvest
	tracker := &fakeTracker{createErr: []error{context.DeadlineExceeded}, landAnyway: true}
	ledger := newFakeLedger()
	c := newTestClient(tracker, ledger)

	res, err := c.Register(context.Background(), request())
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1, tracker.creates)
	assert.Len(t, tracker.entries, 1)
}

func TestRegister_FatalIsNotRetried(t *testing.T) {
	tracker := &fakeTracker{createErr: []error{&harvest.APIError{StatusCode: http.StatusUnprocessableEntity, Message: "spent_date invalid"}}}
	ledger := newFakeLedger()
	c := newTestClient(tracker, ledger)

	res, err := c.Register(context.Background(), request())
	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, receipts.StatusFailed, ledger.status(request().IdempotencyKey))

	req := request()
	req.Project = "Gone"
	req.IdempotencyKey = "other"
	_, err = c.Register(context.Background(), req)
	assert.True(t, IsFatal(err))
	assert.True(t, errors.Is(err, harvest.ErrUnknownProject))
}

func TestRegister_ExhaustedRetriesReleaseClaim(t *testing.T) {
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = unavailable()
	}
	tracker := &fakeTracker{createErr: errs}
	ledger := newFakeLedger()
	c := newTestClient(tracker, ledger)
	ctx := context.Background()

	res, err := c.Register(ctx, request())
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, tracker.creates, res.Attempts)
	assert.Empty(t, tracker.entries)
	assert.Equal(t, receipts.StatusFailed, ledger.status(request().IdempotencyKey))

	// a later delivery reclaims the key
	tracker.mu.Lock()
	tracker.createErr = nil
	tracker.mu.Unlock()
	_, err = c.Register(ctx, request())
	require.NoError(t, err)
	assert.Len(t, tracker.entries, 1)
	assert.Equal(t, receipts.StatusDone, ledger.status(request().IdempotencyKey))
}

func TestRegister_InFlightClaim(t *testing.T) {
	tracker := &fakeTracker{}
	ledger := newFakeLedger()
	_, err := ledger.Claim(context.Background(), request().IdempotencyKey)
	require.NoError(t, err)

	_, err = newTestClient(tracker, ledger).Register(context.Background(), request())
	require.ErrorIs(t, err, ErrInFlight)
	assert.True(t, IsRetryable(err))
	assert.Zero(t, tracker.creates)
}

func TestRegister_LedgerUnavailableIsRetryable(t *testing.T) {
	ledger := newFakeLedger()
	ledger.claimErr = errors.New("ProvisionedThroughputExceededException")
	_, err := newTestClient(&fakeTracker{}, ledger).Register(context.Background(), request())
	assert.True(t, IsRetryable(err))
}

func TestRegister_RejectsMalformedRequests(t *testing.T) {
	c := newTestClient(&fakeTracker{}, newFakeLedger())
	ctx := context.Background()

	for name, mutate := range map[string]func(*Request){
		"no key":        func(r *Request) { r.IdempotencyKey = "" },
		"bad date":      func(r *Request) { r.SpentDate = "15/10/2026" },
		"hours":         func(r *Request) { r.Hours = 25 },
		"other account": func(r *Request) { r.Account = "999" },
	} {
		req := request()
		mutate(&req)
		_, err := c.Register(ctx, req)
		assert.True(t, IsFatal(err), name)
	}
}

func TestRegister_ZeroHoursSkipped(t *testing.T) {
	tracker := &fakeTracker{}
	req := request()
	req.Hours = 0
	res, err := newTestClient(tracker, newFakeLedger()).Register(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, tracker.creates)
}

func TestClassify(t *testing.T) {
	assert.True(t, IsRetryable(Classify("x", &harvest.APIError{StatusCode: http.StatusTooManyRequests})))
	assert.True(t, IsRetryable(Classify("x", &harvest.APIError{StatusCode: http.StatusBadGateway})))
	assert.True(t, IsFatal(Classify("x", &harvest.APIError{StatusCode: http.StatusForbidden})))
	assert.True(t, IsFatal(Classify("x", harvest.ErrUnknownTask)))
	assert.True(t, IsRetryable(Classify("x", context.DeadlineExceeded)))
	assert.Nil(t, Classify("x", nil))

	fatal := Fatal("op", errors.New("boom"))
	assert.Same(t, fatal, Classify("other", fatal))
}
