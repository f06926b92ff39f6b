package main

import (
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/punchclock/internal/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes for CLI commands.
const (
	ExitCodeError        = 1
	ExitCodeInconsistent = 2 // audit verify found orphan or duplicate resolutions
)

// exitError carries a specific exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(ExitCodeError)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "punchclock",
		Short: "Attendance tracker with a durable audit trail",
		Long: `punchclock keeps the login and attendance session of one user, talks to
the HR API on their behalf and records every outbound call in an
append-only audit file.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			setupLogging(config.LoadLog())
		},
	}
	root.SetVersionTemplate(`{{printf "punchclock version %s\n" .Version}}`)
	root.AddCommand(newServeCmd(), newAuditCmd())
	return root
}

// setupLogging configures the diagnostic logger. Diagnostics go to stderr so
// stdout stays free for the audit console mirror and command output.
func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
}
