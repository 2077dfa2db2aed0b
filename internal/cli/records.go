package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinjlowm/mee6-autotracker/internal/actions"
	"github.com/martinjlowm/mee6-autotracker/internal/config"
)

func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <pk> <sk>",
		Short: "Show one action record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := opts.load(cmd.Context(), config.ComponentCLI)
			if err != nil {
				return err
			}
			rec, err := deps.Store.Get(cmd.Context(), keyArgs(args))
			if err != nil {
				return err
			}
			return writeRecords(cmd.OutOrStdout(), opts.Format, []actions.Record{*rec})
		},
	}
}

func NewFlaggedCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flagged",
		Short: "List records waiting for manual intervention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := opts.load(cmd.Context(), config.ComponentCLI)
			if err != nil {
				return err
			}
			recs, err := deps.Store.ListFlagged(cmd.Context())
			if err != nil {
				return err
			}
			if len(recs) == 0 && opts.Format == "text" {
				fmt.Fprintln(cmd.OutOrStdout(), "No flagged records.")
				return nil
			}
			return writeRecords(cmd.OutOrStdout(), opts.Format, recs)
		},
	}
}

func NewRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <pk> <sk>",
		Short: "Clear a record's review flag so the dispatcher registers it again",
		Long: `Clear the review flag on a CONFIRMED record.

Clearing the flag writes the record, which emits a stream event; the
dispatcher then retries the registration.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := opts.load(cmd.Context(), config.ComponentCLI)
			if err != nil {
				return err
			}
			key := keyArgs(args)
			if err := deps.Store.ClearFlag(cmd.Context(), key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cleared flag on %s\n", key)
			return nil
		},
	}
}

func writeRecords(w io.Writer, format string, recs []actions.Record) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	now := time.Now()
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PK\tSK\tSTATE\tHOURS\tEXPIRES\tEXTERNAL ID\tREVIEW")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%g\t%s\t%s\t%s\n",
			r.PartitionKey, r.SortKey, r.EffectiveState(now), r.Payload.Hours,
			time.Unix(r.TTL, 0).UTC().Format(time.RFC3339), r.ExternalID, r.ReviewReason)
	}
	return tw.Flush()
}
