package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/gosuda/punchclock/internal/audit"
	"github.com/gosuda/punchclock/internal/config"
	"github.com/gosuda/punchclock/internal/hrapi"
	"github.com/gosuda/punchclock/internal/server"
	"github.com/gosuda/punchclock/internal/session"
	"github.com/gosuda/punchclock/internal/trace"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the session core and the UI bridge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log)

	auditLog := audit.New(audit.Options{
		Durable:  audit.NewFileSink(cfg.Audit.Path),
		Fallback: audit.NewFileSink(cfg.Audit.FallbackPath),
		Console:  audit.NewConsoleSink(os.Stdout, cfg.Audit.Console, cfg.Audit.ConsoleFormat),
	})
	defer func() {
		if closeErr := auditLog.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("close audit log")
		}
	}()

	session.Start(auditLog, session.Info{Version: version})

	if cfg.Audit.RecoverUnresolved {
		if err := recoverAbandoned(cfg.Audit, auditLog); err != nil {
			log.Warn().Err(err).Msg("scan previous runs for abandoned calls")
		}
	}

	tracer := trace.New(auditLog)
	machine := session.New(auditLog, tracer)

	client, err := hrapi.New(hrapi.Config{
		BaseURL:  cfg.API.BaseURL,
		Timeout:  cfg.API.Timeout,
		Rate:     cfg.API.Rate,
		Burst:    cfg.API.Burst,
		ClientID: cfg.API.ClientID,
		ShiftID:  cfg.API.ShiftID,
	})
	if err != nil {
		return err
	}

	// Graceful shutdown on SIGINT / SIGTERM.
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(sigCtx, cfg.Bridge, auditLog, machine, client)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Bridge.Addr).Msg("starting bridge")
		errCh <- srv.Start(sigCtx)
	}()

	reason := "signal"
	select {
	case <-sigCtx.Done():
	case err := <-errCh:
		if err != nil {
			machine.Shutdown("bridge failed")
			return err
		}
		reason = "bridge closed"
	}
	log.Info().Str("reason", reason).Msg("shutting down")
	machine.Shutdown(reason)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Info().Msg("stopped")
	return nil
}

// recoverAbandoned marks calls that earlier runs dispatched but never
// resolved. Records may sit in either audit file.
func recoverAbandoned(cfg config.AuditConfig, auditLog *audit.Logger) error {
	entries, _, err := audit.ReadFiles(cfg.Path, cfg.FallbackPath)

	calls := trace.RecoverAbandoned(entries, auditLog, auditLog.RunID())
	if len(calls) > 0 {
		log.Warn().Int("calls", len(calls)).Msg("previous run left calls unresolved")
	}
	if err != nil {
		return fmt.Errorf("recoverAbandoned: %w", err)
	}
	return nil
}
