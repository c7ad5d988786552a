// Package cli implements the storesync command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/livinlefevreloca/storesync/internal/config"
	"github.com/livinlefevreloca/storesync/internal/db"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitFailure      = 1 // a run finished but did not succeed
	ExitCommandError = 2 // bad flags, config or database
)

// ExitError carries the process exit code for a failed command
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WrapExitError wraps err with an exit code
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode returns the exit code carried by err, ExitFailure otherwise
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigFile string
	Verbose    bool
	Format     string // "text" | "json"
}

var validFormats = []string{"text", "json"}

// NewRootCommand creates the storesync command tree
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "storesync",
		Short: "Keep inventory, products, prices and orders in step across stores",
		Long: `storesync synchronizes data between e-commerce stores on a schedule.

Rules pair a source and a target store for one sync type. The serve command
runs the scheduler and the HTTP API; the other commands operate on the same
database for one-off work.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return WrapExitError(ExitCommandError, "invalid flag",
					fmt.Errorf("format %q must be one of %v", opts.Format, validFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to configuration file (TOML)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewLogsCommand(opts))

	return cmd
}

// load reads and validates the configuration and builds the logger it describes
func (o *RootOptions) load(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig(o.ConfigFile)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if o.Verbose {
		cfg.Logging.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger := cfg.Logging.NewLogger(stderr)
	return cfg, logger, nil
}

// openDB opens the configured database, applying migrations unless configured not to
func openDB(cfg *config.Config, logger *slog.Logger) (*db.DB, error) {
	logger.Info("connecting to database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return database, nil
}

func closeDB(database *db.DB, logger *slog.Logger) {
	if err := database.Close(); err != nil {
		logger.Error("error closing database", "error", err)
	}
}

// Execute runs the command tree and exits with the resulting code
func Execute() {
	cmd := NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(GetExitCode(err))
	}
}
