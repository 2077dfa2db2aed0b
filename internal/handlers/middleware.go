package handlers

import (
	"bytes"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/martinjlowm/mee6-autotracker/internal/slack"
)

const (
	headerRequestID      = "X-Request-Id"
	headerAPIKey         = "X-Api-Key"
	headerSlackSignature = "X-Slack-Signature"
	headerSlackTimestamp = "X-Slack-Request-Timestamp"

	ctxRequestID = "request_id"
	ctxRawBody   = "raw_body"
)

// RequestLogger assigns a request id and logs one line per request.
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(ctxRequestID, id)
		c.Header(headerRequestID, id)

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
		)
	}
}

// RequireAPIKey rejects requests without the pre-shared key. Slack cannot
// set headers on interactivity requests, so the key is also accepted as the
// "key" query parameter of the configured URL.
func RequireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(headerAPIKey)
		if got == "" {
			got = c.Query("key")
		}
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// VerifySlackSignature checks form-encoded requests against the Slack signing
// secret. It is a no-op without a secret or for JSON requests.
func VerifySlackSignature(secret string, now func() time.Time) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" || !isForm(c) {
			c.Next()
			return
		}
		body, err := readBody(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}
		err = slack.VerifySignature(secret, c.GetHeader(headerSlackTimestamp), c.GetHeader(headerSlackSignature), body, now())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad_signature"})
			return
		}
		c.Next()
	}
}

func isForm(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), gin.MIMEPOSTForm)
}

// readBody returns the raw request body, reading it once per request.
func readBody(c *gin.Context) ([]byte, error) {
	if b, ok := c.Get(ctxRawBody); ok {
		return b.([]byte), nil
	}
	b, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(b))
	c.Set(ctxRawBody, b)
	return b, nil
}
