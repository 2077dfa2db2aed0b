package actions

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 10, 15, 9, 0, 0, 0, time.UTC)

func newTestStore() (*Store, *mockDynamo) {
	mock := newMockDynamo()
	s := NewStore(mock, "autotracker-actions")
	s.nowFunc = func() time.Time { return testNow }
	return s, mock
}

func pendingRecord(pk, sk string) Record {
	return Record{
		PartitionKey: pk,
		SortKey:      sk,
		State:        StatePending,
		Payload:      Payload{Hours: 8, SpentDate: "2026-10-15", Project: "System2 Development Hours", Task: "Development"},
		CreatedAt:    testNow,
		TTL:          testNow.Add(8 * time.Hour).Unix(),
	}
}

func TestPut_DuplicateKeyConflicts(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, pendingRecord("u1", "s1")))

	err := s.Put(ctx, pendingRecord("u1", "s1"))
	require.ErrorIs(t, err, ErrConflict)

	// same partition, different sort key is a different record
	require.NoError(t, s.Put(ctx, pendingRecord("u1", "s2")))
}

func TestPut_RejectsInvalidRecords(t *testing.T) {
	s, mock := newTestStore()
	ctx := context.Background()

	rec := pendingRecord("u1", "s1")
	rec.TTL = rec.CreatedAt.Unix()
	require.Error(t, s.Put(ctx, rec))

	rec = pendingRecord("u1", "s1")
	rec.State = StateConfirmed
	require.ErrorIs(t, s.Put(ctx, rec), ErrInvalidTransition)

	require.Empty(t, mock.items)
}

func TestGet(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()

	_, err := s.Get(ctx, Key{PartitionKey: "u1", SortKey: "missing"})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, pendingRecord("u1", "s1")))
	rec, err := s.Get(ctx, Key{PartitionKey: "u1", SortKey: "s1"})
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, 8.0, rec.Payload.Hours)
	assert.True(t, rec.CreatedAt.Equal(testNow))
}

func TestUpdate_TransitionAppliesPatch(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := Key{PartitionKey: "u1", SortKey: "s1"}
	require.NoError(t, s.Put(ctx, pendingRecord("u1", "s1")))

	hours := 6.0
	notes := "half day"
	rec, err := s.Update(ctx, key, StatePending, StateConfirmed, Patch{Hours: &hours, Notes: &notes}, LiveAt(testNow))
	require.NoError(t, err)
	assert.Equal(t, StateConfirmed, rec.State)
	assert.Equal(t, 6.0, rec.Payload.Hours)
	assert.Equal(t, "half day", rec.Payload.Notes)
	assert.Equal(t, "2026-10-15", rec.Payload.SpentDate)
	assert.Equal(t, int64(2), rec.Version)

	rec, err = s.Update(ctx, key, StateConfirmed, StateRegistered, Patch{ExternalID: "12345"})
	require.NoError(t, err)
	assert.Equal(t, StateRegistered, rec.State)
	assert.Equal(t, "12345", rec.ExternalID)
	assert.Equal(t, int64(3), rec.Version)
}

func TestUpdate_StaleStateAndMissing(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := Key{PartitionKey: "u1", SortKey: "s1"}

	_, err := s.Update(ctx, key, StatePending, StateConfirmed, Patch{})
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, pendingRecord("u1", "s1")))
	_, err = s.Update(ctx, key, StatePending, StateConfirmed, Patch{})
	require.NoError(t, err)

	// a second confirm loses against the current state
	_, err = s.Update(ctx, key, StatePending, StateConfirmed, Patch{})
	require.ErrorIs(t, err, ErrStaleState)
	require.False(t, errors.Is(err, ErrNotFound))
}

func TestUpdate_ExpiredRecordIsNotFound(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := Key{PartitionKey: "u1", SortKey: "s1"}
	require.NoError(t, s.Put(ctx, pendingRecord("u1", "s1")))

	_, err := s.Update(ctx, key, StatePending, StateConfirmed, Patch{}, LiveAt(testNow.Add(9*time.Hour)))
	require.ErrorIs(t, err, ErrNotFound)

	rec, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatePending, rec.State)
	assert.Equal(t, StateExpired, rec.EffectiveState(testNow.Add(9*time.Hour)))
}

func TestUpdate_RejectsRegressionsWithoutWriting(t *testing.T) {
	s, mock := newTestStore()
	ctx := context.Background()
	key := Key{PartitionKey: "u1", SortKey: "s1"}

	for _, tc := range []struct{ from, to State }{
		{StatePending, StateRegistered},
		{StateConfirmed, StatePending},
		{StateRegistered, StateConfirmed},
		{StatePending, StateExpired},
		{StateConfirmed, StateExpired},
	} {
		_, err := s.Update(ctx, key, tc.from, tc.to, Patch{})
		require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", tc.from, tc.to)
	}
	require.Zero(t, mock.updateCalls)
}

func TestFlagListAndClear(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := Key{PartitionKey: "u1", SortKey: "s1"}
	require.NoError(t, s.Put(ctx, pendingRecord("u1", "s1")))
	require.NoError(t, s.Put(ctx, pendingRecord("u2", "s1")))
	_, err := s.Update(ctx, key, StatePending, StateConfirmed, Patch{})
	require.NoError(t, err)

	require.ErrorIs(t, s.Flag(ctx, key, StatePending, "nope"), ErrStaleState)
	require.NoError(t, s.Flag(ctx, key, StateConfirmed, "harvest rejected entry"))

	rec, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, rec.NeedsReview())
	assert.Equal(t, StateConfirmed, rec.State)
	require.NotNil(t, rec.FlaggedAt)

	flagged, err := s.ListFlagged(ctx)
	require.NoError(t, err)
	require.Len(t, flagged, 1)
	assert.Equal(t, key, flagged[0].Key())

	require.NoError(t, s.ClearFlag(ctx, key))
	rec, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, rec.NeedsReview())
	assert.Nil(t, rec.FlaggedAt)

	require.ErrorIs(t, s.ClearFlag(ctx, key), ErrStaleState)
	require.ErrorIs(t, s.ClearFlag(ctx, Key{PartitionKey: "nobody", SortKey: "s"}), ErrNotFound)
}

func TestFlag_HoldsConfirmedRecordsPastTheirTTL(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := Key{PartitionKey: "u1", SortKey: "s1"}
	require.NoError(t, s.Put(ctx, pendingRecord("u1", "s1")))
	_, err := s.Update(ctx, key, StatePending, StateConfirmed, Patch{})
	require.NoError(t, err)

	require.NoError(t, s.Flag(ctx, key, StateConfirmed, "harvest rejected entry"))
	rec, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(DefaultReviewHold).Unix(), rec.TTL)

	nextDay := testNow.Add(24 * time.Hour)
	s.nowFunc = func() time.Time { return nextDay }
	assert.False(t, rec.Expired(nextDay))

	require.NoError(t, s.ClearFlag(ctx, key))
	rec, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, nextDay.Add(DefaultRetryWindow).Unix(), rec.TTL)
	assert.Equal(t, StateConfirmed, rec.State)
}

func TestFlag_PendingKeepsTTL(t *testing.T) {
	mock := newMockDynamo()
	s := NewStore(mock, "autotracker-actions", WithReviewHold(time.Hour), WithRetryWindow(time.Hour))
	s.nowFunc = func() time.Time { return testNow }
	ctx := context.Background()
	key := Key{PartitionKey: "u1", SortKey: "s1"}
	require.NoError(t, s.Put(ctx, pendingRecord("u1", "s1")))

	require.NoError(t, s.Flag(ctx, key, StatePending, "prompt not delivered"))
	require.NoError(t, s.ClearFlag(ctx, key))
	rec, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(8*time.Hour).Unix(), rec.TTL)
}

func TestDeleteAndSetPrompt(t *testing.T) {
	s, _ := newTestStore()
	ctx := context.Background()
	key := Key{PartitionKey: "u1", SortKey: "s1"}
	require.NoError(t, s.Put(ctx, pendingRecord("u1", "s1")))

	require.NoError(t, s.SetPrompt(ctx, key, PromptRef{Channel: "D1", Timestamp: "1645904837.581049"}))
	rec, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, rec.Prompt)
	assert.Equal(t, "D1", rec.Prompt.Channel)
	assert.Equal(t, StatePending, rec.State)

	require.ErrorIs(t, s.Delete(ctx, key, StateConfirmed), ErrStaleState)
	require.NoError(t, s.Delete(ctx, key, StatePending))
	require.ErrorIs(t, s.Delete(ctx, key, StatePending), ErrNotFound)
	require.ErrorIs(t, s.SetPrompt(ctx, key, PromptRef{}), ErrNotFound)
}

func TestStateCanAdvanceTo(t *testing.T) {
	assert.True(t, StatePending.CanAdvanceTo(StateConfirmed))
	assert.True(t, StateConfirmed.CanAdvanceTo(StateRegistered))
	assert.False(t, StateRegistered.CanAdvanceTo(StateRegistered))
	assert.False(t, StateExpired.CanAdvanceTo(StatePending))
}

func TestNewSortKeyAndKeyString(t *testing.T) {
	sk := NewSortKey(ActionHours, testNow, testNow)
	assert.Equal(t, "hours#2026-10-15#1792054800", sk)
	assert.Equal(t, "u1#s1", Key{PartitionKey: "u1", SortKey: "s1"}.String())
}
