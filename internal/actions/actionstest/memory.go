// Package actionstest provides an in-memory action store that records the
// change stream DynamoDB would emit, for tests of the stream consumers.
package actionstest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/martinjlowm/mee6-autotracker/internal/actions"
)

// MemoryStore mirrors actions.Store semantics on a map.
type MemoryStore struct {
	mu          sync.Mutex
	items       map[actions.Key]actions.Record
	stream      []events.DynamoDBEventRecord
	transitions map[actions.Key][]actions.State
	failures    map[string][]error
	seq         int64

	// Now is the clock used for updated_at and ttl checks.
	Now func() time.Time
	// ReviewHold and RetryWindow mirror the actions.Store options.
	ReviewHold  time.Duration
	RetryWindow time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:       make(map[actions.Key]actions.Record),
		transitions: make(map[actions.Key][]actions.State),
		failures:    make(map[string][]error),
		Now:         time.Now,
		ReviewHold:  actions.DefaultReviewHold,
		RetryWindow: actions.DefaultRetryWindow,
	}
}

// FailNext makes the next call of op ("Put", "Get", "Update", "Flag",
// "SetPrompt", "Delete") return err. Calls queue up.
func (m *MemoryStore) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op] = append(m.failures[op], err)
}

func (m *MemoryStore) injected(op string) error {
	errs := m.failures[op]
	if len(errs) == 0 {
		return nil
	}
	m.failures[op] = errs[1:]
	return errs[0]
}

func (m *MemoryStore) Put(_ context.Context, rec actions.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("Put"); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}
	if rec.State != actions.StatePending {
		return fmt.Errorf("%w: records are created %s", actions.ErrInvalidTransition, actions.StatePending)
	}
	if _, ok := m.items[rec.Key()]; ok {
		return fmt.Errorf("%w: %s", actions.ErrConflict, rec.Key())
	}
	rec.Version = 1
	rec.UpdatedAt = rec.CreatedAt
	m.items[rec.Key()] = rec
	m.transitions[rec.Key()] = append(m.transitions[rec.Key()], rec.State)
	m.emit(actions.EventInsert, nil, &rec, nil)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key actions.Key) (*actions.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("Get"); err != nil {
		return nil, err
	}
	rec, ok := m.items[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", actions.ErrNotFound, key)
	}
	return &rec, nil
}

func (m *MemoryStore) Update(_ context.Context, key actions.Key, expected, next actions.State, patch actions.Patch, opts ...actions.UpdateOption) (*actions.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("Update"); err != nil {
		return nil, err
	}
	if !expected.CanAdvanceTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", actions.ErrInvalidTransition, expected, next)
	}
	old, err := m.check(key, expected)
	if err != nil {
		return nil, err
	}
	if liveAt, ok := actions.LiveAtTime(opts...); ok && old.Expired(liveAt) {
		return nil, fmt.Errorf("%w: %s expired", actions.ErrNotFound, key)
	}

	rec := old
	rec.State = next
	if patch.Hours != nil {
		rec.Payload.Hours = *patch.Hours
	}
	if patch.Notes != nil {
		rec.Payload.Notes = *patch.Notes
	}
	if patch.ExternalID != "" {
		rec.ExternalID = patch.ExternalID
	}
	m.write(old, rec)
	m.transitions[key] = append(m.transitions[key], next)
	return &rec, nil
}

func (m *MemoryStore) Flag(_ context.Context, key actions.Key, expected actions.State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("Flag"); err != nil {
		return err
	}
	old, err := m.check(key, expected)
	if err != nil {
		return err
	}
	rec := old
	at := m.Now().UTC()
	rec.ReviewReason = reason
	rec.FlaggedAt = &at
	if expected == actions.StateConfirmed {
		rec.TTL = at.Add(m.ReviewHold).Unix()
	}
	m.write(old, rec)
	return nil
}

func (m *MemoryStore) ClearFlag(_ context.Context, key actions.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.items[key]
	if !ok {
		return fmt.Errorf("%w: %s", actions.ErrNotFound, key)
	}
	if !old.NeedsReview() {
		return fmt.Errorf("%w: %s is not flagged", actions.ErrStaleState, key)
	}
	rec := old
	rec.ReviewReason = ""
	rec.FlaggedAt = nil
	if rec.State == actions.StateConfirmed {
		rec.TTL = m.Now().Add(m.RetryWindow).Unix()
	}
	m.write(old, rec)
	return nil
}

func (m *MemoryStore) SetPrompt(_ context.Context, key actions.Key, ref actions.PromptRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("SetPrompt"); err != nil {
		return err
	}
	old, ok := m.items[key]
	if !ok {
		return fmt.Errorf("%w: %s", actions.ErrNotFound, key)
	}
	rec := old
	rec.Prompt = &ref
	m.write(old, rec)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key actions.Key, expected actions.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.injected("Delete"); err != nil {
		return err
	}
	old, err := m.check(key, expected)
	if err != nil {
		return err
	}
	delete(m.items, key)
	m.emit(actions.EventRemove, &old, nil, nil)
	return nil
}

func (m *MemoryStore) ListFlagged(_ context.Context) ([]actions.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []actions.Record
	for _, rec := range m.items {
		if rec.NeedsReview() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

// Expire simulates the TTL sweep removing a record.
func (m *MemoryStore) Expire(key actions.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.items[key]
	if !ok {
		return
	}
	delete(m.items, key)
	if old.State == actions.StatePending || old.State == actions.StateConfirmed {
		m.transitions[key] = append(m.transitions[key], actions.StateExpired)
	}
	m.emit(actions.EventRemove, &old, nil, &events.DynamoDBUserIdentity{
		Type:        "Service",
		PrincipalID: "dynamodb.amazonaws.com",
	})
}

// Seed stores rec as-is, bypassing creation checks, without emitting an event.
func (m *MemoryStore) Seed(rec actions.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[rec.Key()] = rec
	m.transitions[rec.Key()] = append(m.transitions[rec.Key()], rec.State)
}

// Stream returns the captured change stream in write order.
func (m *MemoryStore) Stream() []events.DynamoDBEventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.DynamoDBEventRecord(nil), m.stream...)
}

// Drain returns the captured change stream and resets it.
func (m *MemoryStore) Drain() []events.DynamoDBEventRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.stream
	m.stream = nil
	return out
}

// Transitions returns every state a record has been observed in.
func (m *MemoryStore) Transitions(key actions.Key) []actions.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]actions.State(nil), m.transitions[key]...)
}

func (m *MemoryStore) check(key actions.Key, expected actions.State) (actions.Record, error) {
	old, ok := m.items[key]
	if !ok {
		return actions.Record{}, fmt.Errorf("%w: %s", actions.ErrNotFound, key)
	}
	if old.State != expected {
		return actions.Record{}, fmt.Errorf("%w: %s is %s, expected %s", actions.ErrStaleState, key, old.State, expected)
	}
	return old, nil
}

func (m *MemoryStore) write(old, rec actions.Record) {
	rec.Version = old.Version + 1
	rec.UpdatedAt = m.Now().UTC()
	m.items[rec.Key()] = rec
	m.emit(actions.EventModify, &old, &rec, nil)
}

func (m *MemoryStore) emit(name string, before, after *actions.Record, identity *events.DynamoDBUserIdentity) {
	m.seq++
	r, err := actions.NewStreamRecord(name, strconv.FormatInt(m.seq, 10), before, after)
	if err != nil {
		panic(err)
	}
	r.UserIdentity = identity
	m.stream = append(m.stream, r)
}
