// Package harvest is a small client for the Harvest v2 time tracking API.
package harvest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://api.harvestapp.com/v2"
	// ReferenceGroup is the external_reference.group_id stamped on entries
	// created by the autotracker.
	ReferenceGroup = "autotracker"

	perPage = 100
)

// Options configures a Client.
type Options struct {
	BaseURL   string
	Token     string
	AccountID string
	UserAgent string
	Timeout   time.Duration
	// RequestsPerSecond caps outgoing calls. Harvest allows 100 requests
	// per 15 seconds per token.
	RequestsPerSecond float64
	Burst             int
}

// Client calls Harvest on behalf of one account. It is safe for concurrent use.
type Client struct {
	http      *resty.Client
	limiter   *rate.Limiter
	accountID string

	mu sync.Mutex
	me *User
}

// New returns a Client. Zero options fall back to the public API with a 10s
// per-call timeout and 6 requests per second.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "mee6-autotracker"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 6
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/"))
	client.SetTimeout(opts.Timeout)
	client.SetAuthToken(opts.Token)
	client.SetHeader("Harvest-Account-ID", opts.AccountID)
	client.SetHeader("User-Agent", opts.UserAgent)
	client.SetHeader("Accept", "application/json")

	return &Client{
		http:      client,
		limiter:   rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		accountID: opts.AccountID,
	}
}

// AccountID is the Harvest account every call is scoped to.
func (c *Client) AccountID() string { return c.accountID }

// Me returns the user owning the token. The answer is cached for the
// lifetime of the client.
func (c *Client) Me(ctx context.Context) (*User, error) {
	c.mu.Lock()
	if c.me != nil {
		me := *c.me
		c.mu.Unlock()
		return &me, nil
	}
	c.mu.Unlock()

	var me User
	if err := c.do(ctx, http.MethodGet, "/users/me", nil, nil, &me); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.me = &me
	c.mu.Unlock()
	return &me, nil
}

// ProjectAssignments lists the projects and tasks the user may log time to.
func (c *Client) ProjectAssignments(ctx context.Context) ([]ProjectAssignment, error) {
	var out []ProjectAssignment
	for page := 1; ; {
		var p projectAssignmentsPage
		query := map[string]string{"page": strconv.Itoa(page), "per_page": strconv.Itoa(perPage)}
		if err := c.do(ctx, http.MethodGet, "/users/me/project_assignments", query, nil, &p); err != nil {
			return nil, err
		}
		out = append(out, p.ProjectAssignments...)
		if p.NextPage == nil {
			return out, nil
		}
		page = *p.NextPage
	}
}

// ResolveAssignment finds project and task ids by case-insensitive name.
func (c *Client) ResolveAssignment(ctx context.Context, project, task string) (Assignment, error) {
	assignments, err := c.ProjectAssignments(ctx)
	if err != nil {
		return Assignment{}, err
	}
	for _, pa := range assignments {
		if !strings.EqualFold(pa.Project.Name, project) {
			continue
		}
		for _, ta := range pa.TaskAssignments {
			if strings.EqualFold(ta.Task.Name, task) {
				return Assignment{ProjectID: pa.Project.ID, TaskID: ta.Task.ID}, nil
			}
		}
		return Assignment{}, fmt.Errorf("%w: %q in %q", ErrUnknownTask, task, project)
	}
	return Assignment{}, fmt.Errorf("%w: %q", ErrUnknownProject, project)
}

// FindEntryByReference returns the entry of the current user on spentDate
// whose external reference id equals reference, or nil if there is none.
func (c *Client) FindEntryByReference(ctx context.Context, spentDate, reference string) (*TimeEntry, error) {
	me, err := c.Me(ctx)
	if err != nil {
		return nil, err
	}
	for page := 1; ; {
		var p timeEntriesPage
		query := map[string]string{
			"user_id":  strconv.FormatInt(me.ID, 10),
			"from":     spentDate,
			"to":       spentDate,
			"page":     strconv.Itoa(page),
			"per_page": strconv.Itoa(perPage),
		}
		if err := c.do(ctx, http.MethodGet, "/time_entries", query, nil, &p); err != nil {
			return nil, err
		}
		for i := range p.TimeEntries {
			if ref := p.TimeEntries[i].ExternalReference; ref != nil && ref.ID == reference {
				return &p.TimeEntries[i], nil
			}
		}
		if p.NextPage == nil {
			return nil, nil
		}
		page = *p.NextPage
	}
}

// CreateEntry logs a time entry. UserID defaults to the token's user.
func (c *Client) CreateEntry(ctx context.Context, entry NewTimeEntry) (*TimeEntry, error) {
	if entry.UserID == 0 {
		me, err := c.Me(ctx)
		if err != nil {
			return nil, err
		}
		entry.UserID = me.ID
	}
	var created TimeEntry
	if err := c.do(ctx, http.MethodPost, "/time_entries", nil, entry, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("harvest %s %s: rate limit wait: %w", method, path, err)
	}

	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(body)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("harvest %s %s: %w", method, path, err)
	}
	if resp.IsError() {
		var eb errorBody
		msg := strings.TrimSpace(resp.String())
		if json.Unmarshal(resp.Body(), &eb) == nil && eb.text() != "" {
			msg = eb.text()
		}
		return &APIError{StatusCode: resp.StatusCode(), Method: method, Path: path, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("harvest %s %s: decode response: %w", method, path, err)
	}
	return nil
}
