package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/storesync/internal/engine"
	"github.com/livinlefevreloca/storesync/internal/models"
)

// NewRunCommand creates the run command
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <rule-id>",
		Short: "Run one rule now and print its log",
		Long: `Run one rule immediately, outside the schedule, and print the resulting log.

The run takes the same locks as scheduled runs, so it is refused while another
process is running the rule or its store pair. The exit code is 1 when the run
does not finish with status success.

Example:
  storesync run --config storesync.toml 7f9c0e9a-inventory`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := rootOpts.load(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			database, err := openDB(cfg, logger)
			if err != nil {
				return err
			}
			defer closeDB(database, logger)

			eng, err := engine.New(ctx, cfg, database, engine.Options{ManualOnly: true}, logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to build engine", err)
			}
			if err := eng.Start(); err != nil {
				return WrapExitError(ExitCommandError, "failed to start engine", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
				defer cancel()
				if err := eng.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown incomplete", "error", err)
				}
			}()

			l, err := eng.RunNow(ctx, args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "run rejected", err)
			}

			if err := printLog(cmd.OutOrStdout(), rootOpts.Format, l); err != nil {
				return err
			}
			if l.Status != models.RunSuccess {
				return WrapExitError(ExitFailure, fmt.Sprintf("run finished with status %s", l.Status), nil)
			}
			return nil
		},
	}
}

func printLog(w io.Writer, format string, l *models.SyncLog) error {
	if format == "json" {
		return writeJSON(w, l)
	}

	took := "-"
	if l.FinishedAt != nil {
		took = l.FinishedAt.Sub(l.StartedAt).Round(time.Millisecond).String()
	}
	fmt.Fprintf(w, "run %s of rule %s: %s in %s\n", l.RunID, l.RuleID, l.Status, took)
	fmt.Fprintf(w, "  succeeded=%d failed=%d skipped=%d conflicted=%d\n",
		l.Counts.Succeeded, l.Counts.Failed, l.Counts.Skipped, l.Counts.Conflicted)
	if l.Message != "" {
		fmt.Fprintf(w, "  %s\n", l.Message)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
