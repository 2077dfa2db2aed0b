// Package cli implements autotrackerctl, the operator tool for the actions
// table.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinjlowm/mee6-autotracker/internal/actions"
	"github.com/martinjlowm/mee6-autotracker/internal/app"
	"github.com/martinjlowm/mee6-autotracker/internal/config"
	"github.com/martinjlowm/mee6-autotracker/internal/logging"
	"github.com/martinjlowm/mee6-autotracker/internal/prompt"
)

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

type Store interface {
	Get(ctx context.Context, key actions.Key) (*actions.Record, error)
	ListFlagged(ctx context.Context) ([]actions.Record, error)
	ClearFlag(ctx context.Context, key actions.Key) error
}

type Runner interface {
	Run(ctx context.Context, invokedAt time.Time) (prompt.Report, error)
}

// Deps are built once per invocation, after flags are parsed.
type Deps struct {
	Store   Store
	Trigger func() (Runner, error)
}

// Loader builds Deps for a component's config.
type Loader func(ctx context.Context, component config.Component) (*Deps, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
	load   Loader
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(loadFromEnv)
}

func newRootCommand(load Loader) *cobra.Command {
	opts := &RootOptions{load: load}

	cmd := &cobra.Command{
		Use:   "autotrackerctl",
		Short: "Inspect and repair autotracker action records",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewFlaggedCommand(opts))
	cmd.AddCommand(NewRetryCommand(opts))
	cmd.AddCommand(NewPromptCommand(opts))
	return cmd
}

func loadFromEnv(ctx context.Context, component config.Component) (*Deps, error) {
	env, err := app.Bootstrap(ctx, component)
	if err != nil {
		return nil, err
	}
	// stdout carries command output
	env.Logger = logging.NewWithWriter(env.Config.Log, os.Stderr).With("component", string(component))
	slog.SetDefault(env.Logger)
	return &Deps{
		Store: env.ActionStore(),
		Trigger: func() (Runner, error) {
			return env.Trigger()
		},
	}, nil
}

func keyArgs(args []string) actions.Key {
	return actions.Key{PartitionKey: args[0], SortKey: args[1]}
}
