package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/martinjlowm/mee6-autotracker/internal/actions"
	"github.com/martinjlowm/mee6-autotracker/internal/adjust"
	"github.com/martinjlowm/mee6-autotracker/internal/slack"
	"github.com/martinjlowm/mee6-autotracker/internal/validation"
)

const (
	AdjustHoursPath = "/auto-tracker/adjust-hours"
	HealthPath      = "/health"

	expiredMessage = "This prompt has expired, log your hours in Harvest directly."
)

type Adjuster interface {
	Adjust(ctx context.Context, cmd adjust.Command) (adjust.Result, error)
}

// Responder replaces the prompt message a user answered.
type Responder interface {
	Respond(ctx context.Context, responseURL, text string) error
}

// AdjustConfig groups dependencies for the adjust routes.
type AdjustConfig struct {
	Adjuster  Adjuster
	Responder Responder // optional
	APIKey    string
	// SigningSecret enables Slack signature checks on form requests.
	SigningSecret string
	Logger        *slog.Logger
	Now           func() time.Time
}

type adjustHandler struct {
	adjuster  Adjuster
	responder Responder
	validate  *validatorv10.Validate
	logger    *slog.Logger
}

// NewRouter builds the gin engine serving the webhook.
func NewRouter(cfg AdjustConfig) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := gin.New()
	r.Use(gin.Recovery(), RequestLogger(cfg.Logger))

	r.GET(HealthPath, func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	RegisterAdjustRoutes(r, cfg)
	return r
}

// RegisterAdjustRoutes registers the hours webhook.
func RegisterAdjustRoutes(r *gin.Engine, cfg AdjustConfig) {
	h := &adjustHandler{
		adjuster:  cfg.Adjuster,
		responder: cfg.Responder,
		validate:  validation.New(),
		logger:    cfg.Logger,
	}
	r.POST(AdjustHoursPath,
		RequireAPIKey(cfg.APIKey),
		VerifySlackSignature(cfg.SigningSecret, cfg.Now),
		h.adjustHours,
	)
}

func (h *adjustHandler) adjustHours(c *gin.Context) {
	if isForm(c) {
		h.slackInteraction(c)
		return
	}

	var req validation.AdjustRequest
	if err := validation.BindAndValidate(c, &req, h.validate); err != nil {
		// BindAndValidate already wrote a 400
		return
	}
	res, err := h.adjuster.Adjust(c.Request.Context(), commandFrom(req))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"outcome": res.Outcome.String(),
		"state":   res.Record.State,
		"message": res.Message,
	})
}

// slackInteraction handles a button click on an hours prompt.
func (h *adjustHandler) slackInteraction(c *gin.Context) {
	ctx := c.Request.Context()
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}
	in, err := slack.ParseInteraction(string(body))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_interaction", "msg": err.Error()})
		return
	}
	value, err := slack.ParseActionValue(in.Actions[0].Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action_value", "msg": err.Error()})
		return
	}
	if value.PartitionKey != in.User.ID {
		h.logger.Warn("interaction for another user's prompt", "user", in.User.ID, "pk", value.PartitionKey)
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	req := validation.AdjustRequest{
		PartitionKey: value.PartitionKey,
		SortKey:      value.SortKey,
		Adjustment:   validation.Adjustment{Hours: &value.Hours},
	}
	if err := validation.Validate(c, &req, h.validate); err != nil {
		return
	}

	res, err := h.adjuster.Adjust(ctx, commandFrom(req))
	if err != nil {
		if errors.Is(err, actions.ErrNotFound) {
			h.respond(ctx, in.ResponseURL, expiredMessage)
		}
		h.writeError(c, err)
		return
	}
	h.respond(ctx, in.ResponseURL, res.Message)
	c.JSON(http.StatusOK, gin.H{"outcome": res.Outcome.String(), "message": res.Message})
}

func (h *adjustHandler) respond(ctx context.Context, url, text string) {
	if h.responder == nil || url == "" {
		return
	}
	if err := h.responder.Respond(ctx, url, text); err != nil {
		h.logger.Warn("replace slack prompt", "error", err)
	}
}

func (h *adjustHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, adjust.ErrInvalidCommand):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_command", "msg": err.Error()})
	case errors.Is(err, actions.ErrNotFound):
		c.JSON(http.StatusGone, gin.H{"error": "link_expired", "message": expiredMessage})
	default:
		h.logger.Error("adjust hours", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func commandFrom(req validation.AdjustRequest) adjust.Command {
	return adjust.Command{
		Key:   actions.Key{PartitionKey: req.PartitionKey, SortKey: req.SortKey},
		Hours: *req.Adjustment.Hours,
		Notes: req.Adjustment.Notes,
	}
}
