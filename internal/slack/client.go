// Package slack wraps the parts of the Slack Web API the autotracker needs:
// finding a user, posting the prompt and reading button clicks.
package slack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const DefaultBaseURL = "https://slack.com/api"

var ErrUserNotFound = errors.New("slack user not found")

// APIError is a Slack answer with "ok": false or a non-2xx status.
type APIError struct {
	Method     string
	StatusCode int
	Code       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("slack %s: status %d: %s", e.Method, e.StatusCode, e.Code)
}

type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the Slack Web API with a bot token.
type Client struct {
	http *resty.Client
}

func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := resty.New()
	client.SetBaseURL(strings.TrimSuffix(opts.BaseURL, "/"))
	client.SetTimeout(opts.Timeout)
	client.SetAuthToken(opts.Token)
	client.SetHeader("Content-Type", "application/json; charset=utf-8")
	return &Client{http: client}
}

// LookupUser resolves a display name (or user name) to a user id.
// Values that already look like user ids are returned unchanged.
func (c *Client) LookupUser(ctx context.Context, name string) (string, error) {
	if looksLikeUserID(name) {
		return name, nil
	}
	cursor := ""
	for {
		var out usersListResponse
		query := map[string]string{"limit": "200"}
		if cursor != "" {
			query["cursor"] = cursor
		}
		if err := c.call(ctx, http.MethodGet, "users.list", query, nil, &out); err != nil {
			return "", err
		}
		for _, m := range out.Members {
			if m.Deleted {
				continue
			}
			if strings.EqualFold(m.Profile.DisplayName, name) ||
				strings.EqualFold(m.Profile.DisplayNameNormalized, name) ||
				strings.EqualFold(m.Name, name) {
				return m.ID, nil
			}
		}
		cursor = out.ResponseMetadata.NextCursor
		if cursor == "" {
			return "", fmt.Errorf("%w: %q", ErrUserNotFound, name)
		}
	}
}

// PostMessage posts msg. Posting to a user id opens the bot's DM with them.
func (c *Client) PostMessage(ctx context.Context, msg Message) (PostedMessage, error) {
	var out postMessageResponse
	if err := c.call(ctx, http.MethodPost, "chat.postMessage", nil, msg, &out); err != nil {
		return PostedMessage{}, err
	}
	return PostedMessage{Channel: out.Channel, Timestamp: out.TS}, nil
}

// Respond replaces the message an interaction came from with text, through
// the interaction's response_url.
func (c *Client) Respond(ctx context.Context, responseURL, text string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"replace_original": true, "text": text}).
		Post(responseURL)
	if err != nil {
		return fmt.Errorf("slack response_url: %w", err)
	}
	if resp.IsError() {
		return &APIError{Method: "response_url", StatusCode: resp.StatusCode(), Code: strings.TrimSpace(resp.String())}
	}
	return nil
}

type okResponse interface{ result() apiResponse }

func (r apiResponse) result() apiResponse { return r }

func (c *Client) call(ctx context.Context, method, apiMethod string, query map[string]string, body any, out okResponse) error {
	req := c.http.R().SetContext(ctx)
	if query != nil {
		req.SetQueryParams(query)
	}
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Execute(method, "/"+apiMethod)
	if err != nil {
		return fmt.Errorf("slack %s: %w", apiMethod, err)
	}
	if resp.IsError() {
		return &APIError{Method: apiMethod, StatusCode: resp.StatusCode(), Code: http.StatusText(resp.StatusCode())}
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("slack %s: decode response: %w", apiMethod, err)
	}
	if r := out.result(); !r.OK {
		return &APIError{Method: apiMethod, StatusCode: resp.StatusCode(), Code: r.Error}
	}
	return nil
}

func looksLikeUserID(s string) bool {
	if len(s) < 9 || (s[0] != 'U' && s[0] != 'W') {
		return false
	}
	for _, r := range s[1:] {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
