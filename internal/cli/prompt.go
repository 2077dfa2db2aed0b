package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinjlowm/mee6-autotracker/internal/config"
)

type PromptOptions struct {
	*RootOptions
	At string
}

func NewPromptCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PromptOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Run the scheduled prompt once",
		Long: `Create today's prompts for every configured subject, as the scheduled
trigger would.

Running it twice with the same --at is safe: existing records are skipped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			invokedAt := time.Now()
			if opts.At != "" {
				t, err := time.Parse(time.RFC3339, opts.At)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				invokedAt = t
			}

			deps, err := opts.load(cmd.Context(), config.ComponentPrompt)
			if err != nil {
				return err
			}
			trigger, err := deps.Trigger()
			if err != nil {
				return err
			}
			report, runErr := trigger.Run(cmd.Context(), invokedAt)

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				type row struct {
					Subject string `json:"subject"`
					PK      string `json:"pk,omitempty"`
					SK      string `json:"sk,omitempty"`
					Status  string `json:"status"`
					Error   string `json:"error,omitempty"`
				}
				rows := []row{}
				for _, r := range report.Results {
					rr := row{Subject: r.Subject, PK: r.Key.PartitionKey, SK: r.Key.SortKey, Status: string(r.Status)}
					if r.Err != nil {
						rr.Error = r.Err.Error()
					}
					rows = append(rows, rr)
				}
				if err := json.NewEncoder(out).Encode(rows); err != nil {
					return err
				}
				return runErr
			}

			if report.Skipped {
				fmt.Fprintln(out, "Not a business day, nothing to do.")
			}
			for _, r := range report.Results {
				fmt.Fprintf(out, "%s\t%s\t%s\n", r.Subject, r.Status, r.Key)
			}
			return runErr
		},
	}
	cmd.Flags().StringVar(&opts.At, "at", "", "invocation time (RFC3339), defaults to now")
	return cmd
}
