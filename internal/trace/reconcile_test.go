package trace_test

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/punchclock/internal/audit"
	"github.com/gosuda/punchclock/internal/domain"
	"github.com/gosuda/punchclock/internal/trace"
)

func entry(runID, msg string, fields map[string]any) audit.Entry {
	return audit.Entry{
		Time:     time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		RunID:    runID,
		Severity: audit.SeverityInfo,
		Source:   trace.Source,
		Message:  msg,
		Fields:   fields,
	}
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	id := func(s string) map[string]any {
		return map[string]any{trace.FieldCorrelationID: s, trace.FieldAction: "clock_in"}
	}
	resolved := func(s, outcome string) map[string]any {
		f := id(s)
		f[trace.FieldOutcome] = outcome
		f[trace.FieldLatency] = int64(12)
		return f
	}

	tests := []struct {
		name           string
		entries        []audit.Entry
		wantCalls      int
		wantUnresolved int
		wantOrphans    int
		wantDuplicates int
		wantConsistent bool
	}{
		{
			name:           "empty",
			wantConsistent: true,
		},
		{
			name: "paired",
			entries: []audit.Entry{
				entry("r1", trace.MsgDispatched, id("a")),
				entry("r1", trace.MsgResolved, resolved("a", trace.OutcomeSuccess)),
			},
			wantCalls: 1, wantConsistent: true,
		},
		{
			name: "unresolved",
			entries: []audit.Entry{
				entry("r1", trace.MsgDispatched, id("a")),
			},
			wantCalls: 1, wantUnresolved: 1, wantConsistent: true,
		},
		{
			name: "orphan resolution",
			entries: []audit.Entry{
				entry("r1", trace.MsgResolved, resolved("a", trace.OutcomeSuccess)),
			},
			wantOrphans: 1,
		},
		{
			name: "resolved before dispatched",
			entries: []audit.Entry{
				entry("r1", trace.MsgResolved, resolved("a", trace.OutcomeSuccess)),
				entry("r1", trace.MsgDispatched, id("a")),
			},
			wantCalls: 1, wantUnresolved: 1, wantOrphans: 1,
		},
		{
			name: "duplicate resolution",
			entries: []audit.Entry{
				entry("r1", trace.MsgDispatched, id("a")),
				entry("r1", trace.MsgResolved, resolved("a", trace.OutcomeSuccess)),
				entry("r1", trace.MsgResolved, resolved("a", trace.OutcomeFailure)),
			},
			wantCalls: 1, wantDuplicates: 1,
		},
		{
			name: "abandoned closes the call",
			entries: []audit.Entry{
				entry("r1", trace.MsgDispatched, id("a")),
				entry("r2", trace.MsgAbandoned, id("a")),
			},
			wantCalls: 1, wantConsistent: true,
		},
		{
			name: "other sources ignored",
			entries: []audit.Entry{
				{Source: "session", Message: trace.MsgResolved, Fields: id("a")},
			},
			wantConsistent: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rep := trace.Reconcile(tc.entries)
			assert.Len(t, rep.Calls, tc.wantCalls)
			assert.Len(t, rep.Unresolved, tc.wantUnresolved)
			assert.Len(t, rep.Orphans, tc.wantOrphans)
			assert.Len(t, rep.Duplicates, tc.wantDuplicates)
			assert.Equal(t, tc.wantConsistent, rep.Consistent())
		})
	}
}

func TestReconcile_CallDetail(t *testing.T) {
	t.Parallel()

	f := map[string]any{
		trace.FieldCorrelationID: "a",
		trace.FieldAction:        "login",
		trace.FieldOutcome:       trace.OutcomeFailure,
		trace.FieldErrorKind:     "AuthFailure",
		trace.FieldError:         "bad password",
		trace.FieldLatency:       1.5,
	}
	rep := trace.Reconcile([]audit.Entry{
		entry("r1", trace.MsgDispatched, map[string]any{trace.FieldCorrelationID: "a", trace.FieldAction: "login"}),
		entry("r1", trace.MsgResolved, f),
	})

	require.Len(t, rep.Calls, 1)
	c := rep.Calls[0]
	assert.Equal(t, "login", c.Action)
	assert.Equal(t, "r1", c.RunID)
	assert.Equal(t, trace.OutcomeFailure, c.Outcome)
	assert.Equal(t, "AuthFailure", c.ErrorKind)
	assert.Equal(t, "bad password", c.Error)
	assert.Equal(t, 1500*time.Microsecond, c.Latency)
	assert.Equal(t, 1, c.Resolutions)
	assert.False(t, c.Open())
	assert.Equal(t, 1, rep.Dispatched)
	assert.Equal(t, 1, rep.Resolved)
}

// The audit trail written by a real logger reconciles back to the calls made.
func TestReconcile_RoundTripThroughAuditFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.log")
	log := audit.New(audit.Options{Durable: audit.NewFileSink(path)})
	tr := trace.New(log)

	ok := tr.Trace(domain.ActionLogin, domain.Payload{"phone": "1", "password": "x"})
	failed := tr.Trace(domain.ActionClockIn, nil)
	pending := tr.Trace(domain.ActionBreakStart, nil)
	_, _ = tr.Resolve(ok, domain.Payload{"user_id": "u1"}, nil)
	_, _ = tr.Resolve(failed, nil, &domain.RemoteError{Kind: domain.RemoteNetworkFailure, Err: errors.New("refused")})
	require.NoError(t, log.Close())

	entries, _, err := audit.ReadFile(path)
	require.NoError(t, err)

	rep := trace.Reconcile(entries)
	assert.True(t, rep.Consistent())
	assert.Equal(t, 3, rep.Dispatched)
	assert.Equal(t, 2, rep.Resolved)
	require.Len(t, rep.Calls, 3)
	assert.Equal(t, trace.OutcomeSuccess, rep.Calls[0].Outcome)
	assert.Equal(t, trace.OutcomeFailure, rep.Calls[1].Outcome)
	assert.Equal(t, string(domain.RemoteNetworkFailure), rep.Calls[1].ErrorKind)
	require.Len(t, rep.Unresolved, 1)
	assert.Equal(t, pending.CorrelationID, rep.Unresolved[0].CorrelationID)
}

func TestRecoverAbandoned(t *testing.T) {
	t.Parallel()

	entries := []audit.Entry{
		entry("dead", trace.MsgDispatched, map[string]any{trace.FieldCorrelationID: "a", trace.FieldAction: "clock_in"}),
		entry("dead", trace.MsgDispatched, map[string]any{trace.FieldCorrelationID: "b", trace.FieldAction: "login"}),
		entry("dead", trace.MsgResolved, map[string]any{trace.FieldCorrelationID: "b", trace.FieldOutcome: trace.OutcomeSuccess}),
		entry("live", trace.MsgDispatched, map[string]any{trace.FieldCorrelationID: "c", trace.FieldAction: "clock_out"}),
	}

	rec := &recorder{}
	closed := trace.RecoverAbandoned(entries, rec, "live")

	require.Len(t, closed, 1)
	assert.Equal(t, "a", closed[0].CorrelationID)

	records := rec.all()
	require.Len(t, records, 1)
	r := records[0]
	assert.Equal(t, audit.SeverityWarn, r.Severity())
	assert.Equal(t, trace.MsgAbandoned, r.Message())
	assert.Equal(t, "a", r.Field(trace.FieldCorrelationID))
	assert.Equal(t, "clock_in", r.Field(trace.FieldAction))
	assert.Equal(t, "dead", r.Field(trace.FieldRunID))
}

// A second restart does not report the same abandoned call again.
func TestRecoverAbandoned_ReportsOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "audit.log")

	first := audit.New(audit.Options{Durable: audit.NewFileSink(path)})
	trace.New(first).Trace(domain.ActionClockIn, nil)
	require.NoError(t, first.Close())

	for i, want := range []int{1, 0} {
		entries, _, err := audit.ReadFile(path)
		require.NoError(t, err)

		l := audit.New(audit.Options{Durable: audit.NewFileSink(path)})
		closed := trace.RecoverAbandoned(entries, l, l.RunID())
		require.NoError(t, l.Close())
		assert.Len(t, closed, want, "restart %d", i+1)
	}

	entries, _, err := audit.ReadFile(path)
	require.NoError(t, err)
	rep := trace.Reconcile(entries)
	assert.Empty(t, rep.Unresolved)
	assert.Equal(t, trace.OutcomeAbandoned, rep.Calls[0].Outcome)
}
