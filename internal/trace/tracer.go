package trace

import (
	"errors"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/gosuda/punchclock/internal/audit"
	"github.com/gosuda/punchclock/internal/domain"
)

// Source is the audit source of every record the tracer writes.
const Source = "trace"

// Messages of tracer records. Reconcile matches on these.
const (
	MsgDispatched = "call dispatched"
	MsgResolved   = "call resolved"
	MsgDuplicate  = "duplicate resolution ignored"
	MsgAbandoned  = "call abandoned"
)

// Field keys of tracer records.
const (
	FieldCorrelationID = "correlation_id"
	FieldAction        = "action"
	FieldRequest       = "request"
	FieldResponse      = "response"
	FieldOutcome       = "outcome"
	FieldError         = "error"
	FieldErrorKind     = "error_kind"
	FieldLatency       = "latency_ms"
	FieldRunID         = "run_id"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// maxSnapshot bounds the response snapshot written to the audit trail.
const maxSnapshot = 500

// ErrAlreadyResolved is returned when a handle is resolved a second time.
var ErrAlreadyResolved = errors.New("trace: call already resolved")

// Emitter accepts audit records. *audit.Logger implements it.
type Emitter interface {
	Emit(rec audit.Record)
}

// Tracer records the dispatch and resolution of every outbound call.
type Tracer struct {
	log   Emitter
	now   func() time.Time
	newID func() string
}

// Option customises a Tracer.
type Option func(*Tracer)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) { t.now = now }
}

// WithIDs replaces the correlation id generator.
func WithIDs(newID func() string) Option {
	return func(t *Tracer) { t.newID = newID }
}

// New creates a tracer writing to log.
func New(log Emitter, opts ...Option) *Tracer {
	t := &Tracer{log: log, now: time.Now, newID: newCorrelationID}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// newCorrelationID returns a time-ordered UUIDv7, falling back to v4.
func newCorrelationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Handle is one outbound call between dispatch and resolution. Its outcome is
// attached exactly once.
type Handle struct {
	CorrelationID string
	Action        domain.Action
	Request       domain.Payload // redacted snapshot
	StartedAt     time.Time

	mu       sync.Mutex
	resolved bool
	outcome  Outcome
}

// Resolved reports whether the handle already carries an outcome.
func (h *Handle) Resolved() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resolved
}

// Outcome is the result attached to a handle at resolution.
type Outcome struct {
	CorrelationID string
	Action        domain.Action
	Response      domain.Payload
	Err           error
	Kind          domain.RemoteErrorKind // empty on success
	StartedAt     time.Time
	ResolvedAt    time.Time
}

// Success reports whether the call succeeded.
func (o Outcome) Success() bool { return o.Err == nil }

// Latency is the time between dispatch and resolution.
func (o Outcome) Latency() time.Duration { return o.ResolvedAt.Sub(o.StartedAt) }

// Trace starts a call. The "call dispatched" record is durable before Trace
// returns, so a call that never resolves still leaves a trace.
func (t *Tracer) Trace(action domain.Action, request domain.Payload) *Handle {
	h := &Handle{
		CorrelationID: t.newID(),
		Action:        action,
		Request:       request.Redacted(),
		StartedAt:     t.now(),
	}
	t.log.Emit(audit.NewRecord(audit.SeverityInfo, Source, MsgDispatched, audit.Fields{
		FieldCorrelationID: h.CorrelationID,
		FieldAction:        string(action),
		FieldRequest:       h.Request.JSON(),
	}))
	return h
}

// Resolve attaches the call's outcome and records it: INFO on success, ERROR
// with the failure kind otherwise. A handle resolves once; later calls record
// a WARN and return ErrAlreadyResolved without touching the outcome.
func (t *Tracer) Resolve(h *Handle, response domain.Payload, callErr error) (Outcome, error) {
	h.mu.Lock()
	if h.resolved {
		prev := h.outcome
		h.mu.Unlock()
		t.log.Emit(audit.NewRecord(audit.SeverityWarn, Source, MsgDuplicate, audit.Fields{
			FieldCorrelationID: h.CorrelationID,
			FieldAction:        string(h.Action),
		}))
		return prev, ErrAlreadyResolved
	}
	h.resolved = true

	out := Outcome{
		CorrelationID: h.CorrelationID,
		Action:        h.Action,
		StartedAt:     h.StartedAt,
		ResolvedAt:    t.now(),
	}

	fields := audit.Fields{
		FieldCorrelationID: h.CorrelationID,
		FieldAction:        string(h.Action),
	}
	sev := audit.SeverityInfo
	if callErr == nil {
		out.Response = response.Redacted()
		fields[FieldOutcome] = OutcomeSuccess
		fields[FieldResponse] = truncate(out.Response.JSON(), maxSnapshot)
	} else {
		sev = audit.SeverityError
		out.Err = callErr
		out.Kind = domain.ClassifyRemote(callErr)
		fields[FieldOutcome] = OutcomeFailure
		fields[FieldError] = callErr.Error()
		fields[FieldErrorKind] = string(out.Kind)
	}
	fields[FieldLatency] = out.Latency()
	h.outcome = out
	h.mu.Unlock()

	t.log.Emit(audit.NewRecord(sev, Source, MsgResolved, fields))
	return out, nil
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
