package harvest

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownProject = errors.New("project not assigned to user")
	ErrUnknownTask    = errors.New("task not assigned in project")
)

// APIError is a non-2xx answer from the Harvest API.
type APIError struct {
	StatusCode int
	Method     string
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("harvest %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, e.Message)
}

type errorBody struct {
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (b errorBody) text() string {
	switch {
	case b.Message != "":
		return b.Message
	case b.ErrorDescription != "":
		return b.ErrorDescription
	default:
		return b.Error
	}
}
