package registration

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/martinjlowm/mee6-autotracker/internal/harvest"
)

// Kind classifies a failed registration.
type Kind uint8

const (
	// KindRetryable failures may succeed later: timeouts, throttling, 5xx.
	KindRetryable Kind = iota + 1
	// KindFatal failures will not succeed without a human: 4xx, unknown
	// project or task, malformed payload.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrInFlight means another delivery holds the claim on the idempotency key.
var ErrInFlight = errors.New("registration already in flight")

// Error is a classified registration failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func Retryable(op string, err error) *Error { return &Error{Kind: KindRetryable, Op: op, Err: err} }
func Fatal(op string, err error) *Error     { return &Error{Kind: KindFatal, Op: op, Err: err} }

// IsRetryable reports whether err is a registration failure worth retrying.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindRetryable
}

// IsFatal reports whether err needs manual intervention.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindFatal
}

// Classify wraps err from the time tracking API in an *Error. Unknown
// failures are treated as retryable; the outer redelivery bounds them.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}

	var apiErr *harvest.APIError
	switch {
	case errors.As(err, &apiErr):
		if apiErr.StatusCode == http.StatusTooManyRequests ||
			apiErr.StatusCode == http.StatusRequestTimeout ||
			apiErr.StatusCode >= http.StatusInternalServerError {
			return Retryable(op, err)
		}
		return Fatal(op, err)
	case errors.Is(err, harvest.ErrUnknownProject), errors.Is(err, harvest.ErrUnknownTask):
		return Fatal(op, err)
	}
	// timeouts, network errors and anything unrecognised
	return Retryable(op, err)
}
