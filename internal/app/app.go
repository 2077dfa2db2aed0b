// Package app wires configuration, logging, tracing and AWS clients into the
// components each binary runs.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/martinjlowm/mee6-autotracker/internal/actions"
	"github.com/martinjlowm/mee6-autotracker/internal/adjust"
	"github.com/martinjlowm/mee6-autotracker/internal/aws"
	"github.com/martinjlowm/mee6-autotracker/internal/config"
	"github.com/martinjlowm/mee6-autotracker/internal/dispatch"
	"github.com/martinjlowm/mee6-autotracker/internal/handlers"
	"github.com/martinjlowm/mee6-autotracker/internal/harvest"
	"github.com/martinjlowm/mee6-autotracker/internal/logging"
	"github.com/martinjlowm/mee6-autotracker/internal/observability"
	"github.com/martinjlowm/mee6-autotracker/internal/prompt"
	"github.com/martinjlowm/mee6-autotracker/internal/receipts"
	"github.com/martinjlowm/mee6-autotracker/internal/registration"
	"github.com/martinjlowm/mee6-autotracker/internal/slack"
)

// Env holds what every binary shares.
type Env struct {
	Config   *config.Config
	Logger   *slog.Logger
	AWS      *aws.Clients
	Shutdown func(context.Context) error
}

// Bootstrap loads and validates the config for component and builds the
// shared clients.
func Bootstrap(ctx context.Context, component config.Component) (*Env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(component); err != nil {
		return nil, err
	}

	logger := logging.New(cfg.Log).With("component", string(component))
	slog.SetDefault(logger)

	shutdown, err := observability.Init(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	clients, err := aws.NewClients(ctx, aws.Settings{
		Region:           cfg.AWS.Region,
		EndpointOverride: cfg.AWS.Endpoint,
		MaxAttempts:      cfg.AWS.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}

	return &Env{Config: cfg, Logger: logger, AWS: clients, Shutdown: shutdown}, nil
}

func (e *Env) ActionStore() *actions.Store {
	return actions.NewStore(e.AWS.DynamoDB, e.Config.Tables.Actions,
		actions.WithReviewHold(e.Config.Registration.ReviewHold),
		actions.WithRetryWindow(e.Config.Registration.RetryWindow),
	)
}

func (e *Env) Publisher() *aws.Publisher {
	return aws.NewPublisher(e.AWS.SQS, e.Config.Reconciliation.QueueURL)
}

// Metrics returns nil when metrics are disabled; Count is then a no-op.
func (e *Env) Metrics() *aws.Metrics {
	if !e.Config.Metrics.Enabled {
		return nil
	}
	return aws.NewMetrics(e.AWS.CloudWatch, e.Config.Metrics.Namespace)
}

func (e *Env) Slack() *slack.Client {
	return slack.New(slack.Options{
		BaseURL: e.Config.Slack.BaseURL,
		Token:   e.Config.Slack.Token,
		Timeout: e.Config.Slack.Timeout,
	})
}

func (e *Env) Harvest() *harvest.Client {
	return harvest.New(harvest.Options{
		BaseURL:           e.Config.Harvest.BaseURL,
		Token:             e.Config.Harvest.Token,
		AccountID:         e.Config.Harvest.AccountID,
		Timeout:           e.Config.Harvest.Timeout,
		RequestsPerSecond: e.Config.Harvest.RequestsPerSecond,
	})
}

func (e *Env) Registrar() *registration.Client {
	r := e.Config.Registration
	ledger := receipts.NewStore(e.AWS.DynamoDB, e.Config.Tables.Receipts, r.ReceiptTTL, r.ClaimLease)
	return registration.NewClient(e.Harvest(), ledger, registration.Options{
		MaxAttempts:    r.MaxAttempts,
		InitialDelay:   r.InitialDelay,
		MaxDelay:       r.MaxDelay,
		AttemptTimeout: r.AttemptTimeout,
		DefaultProject: e.Config.Prompt.Project,
		DefaultTask:    e.Config.Prompt.Task,
	}, e.Logger)
}

func (e *Env) Dispatcher() *dispatch.Dispatcher {
	return dispatch.New(e.ActionStore(), e.Registrar(), e.Publisher(), e.Metrics(),
		dispatch.Options{Account: e.Config.Harvest.AccountID}, e.Logger)
}

func (e *Env) Trigger() (*prompt.Trigger, error) {
	p := e.Config.Prompt
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return nil, fmt.Errorf("prompt timezone: %w", err)
	}
	return prompt.NewTrigger(e.ActionStore(), e.Slack(), e.Publisher(), e.Metrics(), prompt.Options{
		Subjects: p.Subjects,
		Hours:    p.Hours,
		Horizon:  p.Horizon,
		Project:  p.Project,
		Task:     p.Task,
		Location: loc,
	}, e.Logger), nil
}

// Router builds the webhook engine. Slack replies are only sent when a bot
// token is configured.
func (e *Env) Router() *gin.Engine {
	cfg := handlers.AdjustConfig{
		Adjuster:      adjust.New(e.ActionStore(), e.Logger),
		APIKey:        e.Config.Webhook.APIKey,
		SigningSecret: e.Config.Slack.SigningSecret,
		Logger:        e.Logger,
	}
	if e.Config.Slack.Token != "" {
		cfg.Responder = e.Slack()
	}
	return handlers.NewRouter(cfg)
}
