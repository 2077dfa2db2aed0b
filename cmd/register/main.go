package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/martinjlowm/mee6-autotracker/internal/app"
	"github.com/martinjlowm/mee6-autotracker/internal/config"
)

func main() {
	ctx := context.Background()
	env, err := app.Bootstrap(ctx, config.ComponentRegister)
	if err != nil {
		slog.Error("bootstrap", "error", err)
		os.Exit(1)
	}
	d := env.Dispatcher()

	// RUN_LOCAL=true replays a stream batch read from LOCAL_EVENT_FILE.
	if os.Getenv("RUN_LOCAL") == "true" {
		raw, err := os.ReadFile(os.Getenv("LOCAL_EVENT_FILE"))
		if err != nil {
			env.Logger.Error("read local event", "error", err)
			os.Exit(1)
		}
		var batch events.DynamoDBEvent
		if err := json.Unmarshal(raw, &batch); err != nil {
			env.Logger.Error("decode local event", "error", err)
			os.Exit(1)
		}
		resp, err := d.Handle(ctx, batch)
		if err != nil {
			env.Logger.Error("local handler", "error", err)
			os.Exit(1)
		}
		_ = json.NewEncoder(os.Stdout).Encode(resp)
		_ = env.Shutdown(ctx)
		return
	}

	lambda.StartWithOptions(d.Handle, lambda.WithEnableSIGTERM(func() {
		_ = env.Shutdown(context.Background())
	}))
}
