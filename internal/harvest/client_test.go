package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHarvest struct {
	meCalls int32
	entries []TimeEntry
	created []NewTimeEntry
	fail    int // status returned by POST /time_entries when non-zero
}

func (f *fakeHarvest) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/me", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.meCalls, 1)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "12345", r.Header.Get("Harvest-Account-ID"))
		writeJSON(w, http.StatusOK, User{ID: 7, FirstName: "Martin"})
	})
	mux.HandleFunc("/users/me/project_assignments", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "1" {
			next := 2
			writeJSON(w, http.StatusOK, projectAssignmentsPage{
				ProjectAssignments: []ProjectAssignment{{ID: 1, Project: Project{ID: 10, Name: "Internal"}}},
				NextPage:           &next,
			})
			return
		}
		writeJSON(w, http.StatusOK, projectAssignmentsPage{
			ProjectAssignments: []ProjectAssignment{{
				ID:      2,
				Project: Project{ID: 20, Name: "System2 Development Hours"},
				TaskAssignments: []TaskAssignment{
					{ID: 3, Task: Task{ID: 30, Name: "Meetings"}},
					{ID: 4, Task: Task{ID: 40, Name: "Development"}},
				},
			}},
		})
	})
	mux.HandleFunc("/time_entries", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			assert.Equal(t, "7", r.URL.Query().Get("user_id"))
			var out []TimeEntry
			for _, e := range f.entries {
				if e.SpentDate == r.URL.Query().Get("from") {
					out = append(out, e)
				}
			}
			writeJSON(w, http.StatusOK, timeEntriesPage{TimeEntries: out})
		case http.MethodPost:
			if f.fail != 0 {
				writeJSON(w, f.fail, map[string]string{"message": "nope"})
				return
			}
			var in NewTimeEntry
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			f.created = append(f.created, in)
			e := TimeEntry{
				ID:                int64(100 + len(f.created)),
				SpentDate:         in.SpentDate,
				Hours:             in.Hours,
				ExternalReference: in.ExternalReference,
			}
			f.entries = append(f.entries, e)
			writeJSON(w, http.StatusCreated, e)
		}
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, f *fakeHarvest) *Client {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return New(Options{BaseURL: srv.URL, Token: "secret", AccountID: "12345", RequestsPerSecond: 1000, Burst: 1000})
}

func TestResolveAssignment(t *testing.T) {
	c := newTestClient(t, &fakeHarvest{})
	ctx := context.Background()

	a, err := c.ResolveAssignment(ctx, "system2 development hours", "DEVELOPMENT")
	require.NoError(t, err)
	assert.Equal(t, Assignment{ProjectID: 20, TaskID: 40}, a)

	_, err = c.ResolveAssignment(ctx, "System2 Development Hours", "Sleeping")
	require.ErrorIs(t, err, ErrUnknownTask)

	_, err = c.ResolveAssignment(ctx, "Nope", "Development")
	require.ErrorIs(t, err, ErrUnknownProject)
}

func TestCreateAndFindByReference(t *testing.T) {
	f := &fakeHarvest{}
	c := newTestClient(t, f)
	ctx := context.Background()

	found, err := c.FindEntryByReference(ctx, "2026-10-15", "U1#s1")
	require.NoError(t, err)
	assert.Nil(t, found)

	created, err := c.CreateEntry(ctx, NewTimeEntry{
		ProjectID:         20,
		TaskID:            40,
		SpentDate:         "2026-10-15",
		Hours:             6,
		ExternalReference: &ExternalReference{ID: "U1#s1", GroupID: ReferenceGroup},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(101), created.ID)
	require.Len(t, f.created, 1)
	assert.Equal(t, int64(7), f.created[0].UserID)

	found, err = c.FindEntryByReference(ctx, "2026-10-15", "U1#s1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, int64(101), found.ID)

	found, err = c.FindEntryByReference(ctx, "2026-10-16", "U1#s1")
	require.NoError(t, err)
	assert.Nil(t, found)

	// /users/me is looked up once per client
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.meCalls))
}

func TestAPIError(t *testing.T) {
	f := &fakeHarvest{fail: http.StatusUnprocessableEntity}
	c := newTestClient(t, f)

	_, err := c.CreateEntry(context.Background(), NewTimeEntry{UserID: 7, ProjectID: 1, TaskID: 1, SpentDate: "2026-10-15", Hours: 1})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	assert.Equal(t, "nope", apiErr.Message)
	assert.Equal(t, http.MethodPost, apiErr.Method)
}
