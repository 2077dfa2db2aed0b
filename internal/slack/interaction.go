package slack

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNoPayload      = errors.New("no interaction payload")
	ErrNoAction       = errors.New("interaction has no action")
	ErrBadSignature   = errors.New("slack signature mismatch")
	ErrStaleSignature = errors.New("slack request timestamp too old")
	ErrBadActionValue = errors.New("malformed action value")
)

const (
	signatureMaxSkew    = 5 * time.Minute
	signatureVersionTag = "v0"
	actionValueSep      = "|"
)

// ParseInteraction decodes the form-encoded body Slack posts to the
// interactivity URL ("payload=<json>").
func ParseInteraction(body string) (*Interaction, error) {
	form, err := url.ParseQuery(body)
	if err != nil {
		return nil, fmt.Errorf("parse form: %w", err)
	}
	raw := form.Get("payload")
	if raw == "" {
		return nil, ErrNoPayload
	}
	var in Interaction
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(in.Actions) == 0 {
		return nil, ErrNoAction
	}
	return &in, nil
}

// ActionValue is what a prompt button carries: the record it addresses and
// the hours it stands for.
type ActionValue struct {
	PartitionKey string
	SortKey      string
	Hours        float64
}

// String encodes the value as "pk|sk|hours".
func (v ActionValue) String() string {
	return strings.Join([]string{v.PartitionKey, v.SortKey, strconv.FormatFloat(v.Hours, 'f', -1, 64)}, actionValueSep)
}

func ParseActionValue(s string) (ActionValue, error) {
	parts := strings.Split(s, actionValueSep)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return ActionValue{}, fmt.Errorf("%w: %q", ErrBadActionValue, s)
	}
	hours, err := strconv.ParseFloat(parts[2], 64)
	if err != nil || math.IsNaN(hours) || math.IsInf(hours, 0) {
		return ActionValue{}, fmt.Errorf("%w: hours %q", ErrBadActionValue, parts[2])
	}
	return ActionValue{PartitionKey: parts[0], SortKey: parts[1], Hours: hours}, nil
}

// VerifySignature checks the X-Slack-Signature header of a request against
// the app's signing secret.
func VerifySignature(secret, timestamp, signature string, body []byte, now time.Time) error {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrBadSignature, timestamp)
	}
	if d := now.Sub(time.Unix(ts, 0)); d > signatureMaxSkew || d < -signatureMaxSkew {
		return ErrStaleSignature
	}
	expected := Sign(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

// Sign computes the v0 signature Slack sends for body at timestamp.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%s:%s:", signatureVersionTag, timestamp)
	mac.Write(body)
	return signatureVersionTag + "=" + hex.EncodeToString(mac.Sum(nil))
}
