package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/storesync/internal/engine"
	"github.com/livinlefevreloca/storesync/internal/models"
)

// LogsOptions holds flags for the logs subcommands
type LogsOptions struct {
	*RootOptions
	RuleID string
	Status string
	From   string
	To     string
	Output string
}

// NewLogsCommand creates the logs command
func NewLogsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Inspect sync logs",
	}

	export := &cobra.Command{
		Use:   "export",
		Short: "Write sync logs as CSV",
		Long: `Write sync logs as CSV, newest first.

Example:
  storesync logs export --rule r1 --from 2026-03-01T00:00:00Z -o march.csv`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter, err := opts.filter()
			if err != nil {
				return err
			}

			cfg, logger, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			database, err := openDB(cfg, logger)
			if err != nil {
				return err
			}
			defer closeDB(database, logger)

			// the engine is never started; only its tracker is used
			eng, err := engine.New(context.Background(), cfg, database, engine.Options{ManualOnly: true}, logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to build engine", err)
			}

			var w io.Writer = cmd.OutOrStdout()
			if opts.Output != "" && opts.Output != "-" {
				f, err := os.Create(opts.Output)
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to create output file", err)
				}
				defer f.Close()
				w = f
			}

			if err := eng.Tracker.ExportCSV(w, filter); err != nil {
				return WrapExitError(ExitFailure, "export failed", err)
			}
			return nil
		},
	}

	export.Flags().StringVar(&opts.RuleID, "rule", "", "only logs of this rule")
	export.Flags().StringVar(&opts.Status, "status", "", "only logs with this status")
	export.Flags().StringVar(&opts.From, "from", "", "only runs started at or after this RFC 3339 time")
	export.Flags().StringVar(&opts.To, "to", "", "only runs started before this RFC 3339 time")
	export.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")

	cmd.AddCommand(export)
	return cmd
}

func (o *LogsOptions) filter() (models.LogFilter, error) {
	filter := models.LogFilter{
		RuleID: o.RuleID,
		Status: models.RunStatus(o.Status),
	}

	var err error
	if o.From != "" {
		if filter.From, err = time.Parse(time.RFC3339, o.From); err != nil {
			return filter, WrapExitError(ExitCommandError, "invalid --from", err)
		}
	}
	if o.To != "" {
		if filter.To, err = time.Parse(time.RFC3339, o.To); err != nil {
			return filter, WrapExitError(ExitCommandError, "invalid --to", err)
		}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.From.Before(filter.To) {
		return filter, WrapExitError(ExitCommandError, "invalid flags", fmt.Errorf("--to must be after --from"))
	}
	return filter, nil
}
