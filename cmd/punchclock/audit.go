package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/gosuda/punchclock/internal/audit"
	"github.com/gosuda/punchclock/internal/config"
	"github.com/gosuda/punchclock/internal/trace"
)

var errInconsistent = errors.New("audit trail is inconsistent")

func newAuditCmd() *cobra.Command {
	var file, fallback string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit trail",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// Root's hook is shadowed by this one.
			setupLogging(config.LoadLog())
			fallbackSet := cmd.Flags().Changed("fallback")
			if file != "" && fallbackSet {
				return nil
			}
			cfg, err := config.LoadAudit()
			if err != nil {
				return err
			}
			if file == "" {
				file = cfg.Path
			}
			if !fallbackSet {
				fallback = cfg.FallbackPath
			}
			return nil
		},
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "", "audit file (default $PUNCHCLOCK_AUDIT_PATH)")
	cmd.PersistentFlags().StringVar(&fallback, "fallback", "",
		`fallback audit file merged into inspect and verify (default $PUNCHCLOCK_AUDIT_FALLBACK_PATH; "" reads --file alone)`)

	cmd.AddCommand(
		&cobra.Command{
			Use:   "inspect",
			Short: "Show every traced call and what became of it",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runInspect(cmd.OutOrStdout(), file, fallback)
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Check that every resolution follows its dispatch",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runVerify(cmd.OutOrStdout(), file, fallback)
			},
		},
		newTailCmd(&file),
	)
	return cmd
}

func newTailCmd(file *string) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Print audit records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			color := isTerminal(out)
			if !follow {
				entries, _, err := audit.ReadFile(*file)
				if err != nil {
					return err
				}
				for _, e := range entries {
					fmt.Fprintln(out, formatEntry(e, color))
				}
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return audit.Follow(ctx, *file, true, func(e audit.Entry) {
				fmt.Fprintln(out, formatEntry(e, color))
			})
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep printing records as they are appended")
	return cmd
}

func runInspect(out io.Writer, paths ...string) error {
	entries, stats, err := audit.ReadFiles(paths...)
	if err != nil {
		return err
	}
	report := trace.Reconcile(entries)

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Correlation ID", "Action", "Outcome", "Error", "Latency", "Dispatched"})
	for _, c := range report.Calls {
		outcome := c.Outcome
		if c.Open() {
			outcome = "unresolved"
		}
		latency := ""
		if c.Outcome == trace.OutcomeSuccess || c.Outcome == trace.OutcomeFailure {
			latency = c.Latency.Round(time.Millisecond).String()
		}
		t.AppendRow(table.Row{
			c.CorrelationID,
			c.Action,
			outcome,
			c.ErrorKind,
			latency,
			c.DispatchedAt.Local().Format(time.DateTime),
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "Calls", len(report.Calls)})
	t.Render()

	fmt.Fprintf(out, "dispatched %d, resolved %d, unresolved %d, orphans %d, duplicates %d, skipped lines %d\n",
		report.Dispatched, report.Resolved, len(report.Unresolved), len(report.Orphans), len(report.Duplicates), stats.Skipped)
	return nil
}

func runVerify(out io.Writer, paths ...string) error {
	entries, _, err := audit.ReadFiles(paths...)
	if err != nil {
		return err
	}
	report := trace.Reconcile(entries)

	for _, o := range report.Orphans {
		fmt.Fprintf(out, "%s:%d: resolution of %s has no prior dispatch\n", o.File, o.Line, o.Str(trace.FieldCorrelationID))
	}
	for _, d := range report.Duplicates {
		fmt.Fprintf(out, "call %s resolved %d times\n", d.CorrelationID, d.Resolutions)
	}
	if !report.Consistent() {
		return &exitError{code: ExitCodeInconsistent, err: errInconsistent}
	}

	fmt.Fprintf(out, "ok: %d dispatched, %d resolved, %d unresolved\n",
		report.Dispatched, report.Resolved, len(report.Unresolved))
	return nil
}

// formatEntry renders one record as a single line: time, severity, source,
// message, then fields sorted by key.
func formatEntry(e audit.Entry, color bool) string {
	sev := fmt.Sprintf("%-5s", e.Severity)
	if color {
		sev = severityColor(e.Severity).Sprint(sev)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %-9s %s", e.Time.Local().Format("2006-01-02 15:04:05.000"), sev, e.Source, e.Message)

	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Fields[k])
	}
	return b.String()
}

func severityColor(sev audit.Severity) text.Colors {
	switch sev {
	case audit.SeverityError:
		return text.Colors{text.FgRed, text.Bold}
	case audit.SeverityWarn:
		return text.Colors{text.FgYellow}
	case audit.SeverityDebug:
		return text.Colors{text.FgHiBlack}
	default:
		return text.Colors{text.FgGreen}
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}
