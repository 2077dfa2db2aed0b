package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/martinjlowm/mee6-autotracker/internal/app"
	"github.com/martinjlowm/mee6-autotracker/internal/config"
)

func main() {
	ctx := context.Background()
	if os.Getenv("RUN_LOCAL") != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	env, err := app.Bootstrap(ctx, config.ComponentAdjust)
	if err != nil {
		slog.Error("bootstrap", "error", err)
		os.Exit(1)
	}
	r := env.Router()

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if os.Getenv("RUN_LOCAL") == "true" {
		addr := fmt.Sprintf(":%d", env.Config.Webhook.Port)
		env.Logger.Info("running local server", "addr", addr)
		if err := r.Run(addr); err != nil {
			env.Logger.Error("local server", "error", err)
			os.Exit(1)
		}
		return
	}

	adapter := ginadapter.New(r)
	lambda.StartWithOptions(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	}, lambda.WithEnableSIGTERM(func() {
		_ = env.Shutdown(context.Background())
	}))
}
