package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/martinjlowm/mee6-autotracker/internal/app"
	"github.com/martinjlowm/mee6-autotracker/internal/config"
	"github.com/martinjlowm/mee6-autotracker/internal/prompt"
)

func main() {
	ctx := context.Background()
	env, err := app.Bootstrap(ctx, config.ComponentPrompt)
	if err != nil {
		slog.Error("bootstrap", "error", err)
		os.Exit(1)
	}
	trigger, err := env.Trigger()
	if err != nil {
		env.Logger.Error("build trigger", "error", err)
		os.Exit(1)
	}

	handle := func(ctx context.Context, ev events.CloudWatchEvent) error {
		// the scheduled time is stable across redeliveries of one event
		invokedAt := ev.Time
		if invokedAt.IsZero() {
			invokedAt = time.Now()
		}
		report, err := trigger.Run(ctx, invokedAt)
		logReport(env.Logger, ev.ID, report)
		return err
	}

	if os.Getenv("RUN_LOCAL") == "true" {
		err := handle(ctx, events.CloudWatchEvent{ID: "local", Time: time.Now()})
		_ = env.Shutdown(ctx)
		if err != nil {
			env.Logger.Error("local run", "error", err)
			os.Exit(1)
		}
		return
	}

	lambda.StartWithOptions(handle, lambda.WithEnableSIGTERM(func() {
		_ = env.Shutdown(context.Background())
	}))
}

func logReport(logger *slog.Logger, eventID string, report prompt.Report) {
	if report.Skipped {
		return
	}
	for _, r := range report.Results {
		attrs := []any{"event_id", eventID, "subject", r.Subject, "status", r.Status, "pk", r.Key.PartitionKey, "sk", r.Key.SortKey}
		if r.Err != nil {
			attrs = append(attrs, "error", r.Err)
		}
		logger.Info("prompt result", attrs...)
	}
}
