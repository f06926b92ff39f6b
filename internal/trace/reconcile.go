package trace

import (
	"time"

	"github.com/gosuda/punchclock/internal/audit"
)

// OutcomeAbandoned marks a call whose process died before it resolved.
const OutcomeAbandoned = "abandoned"

// Call is one correlation id reassembled from the audit trail.
type Call struct {
	CorrelationID string
	Action        string
	RunID         string // run that dispatched the call
	DispatchedAt  time.Time
	ResolvedAt    time.Time
	Outcome       string // success, failure, abandoned, or empty while unresolved
	ErrorKind     string
	Error         string
	Latency       time.Duration
	Resolutions   int // "call resolved" records seen for this id
	dispatched    bool
}

// Open reports whether the call has neither resolved nor been abandoned.
func (c Call) Open() bool { return c.Outcome == "" }

// Report is the reconciliation of dispatched and resolved records.
type Report struct {
	Calls      []Call        // in dispatch order
	Unresolved []Call        // dispatched, never resolved or abandoned
	Orphans    []audit.Entry // resolutions without a prior dispatch
	Duplicates []Call        // calls resolved more than once
	Dispatched int
	Resolved   int
}

// Consistent reports whether every resolution follows its dispatch and no
// call resolved twice.
func (r Report) Consistent() bool {
	return len(r.Orphans) == 0 && len(r.Duplicates) == 0
}

// Reconcile pairs tracer records by correlation id. entries must be in file
// order; records from other sources are ignored.
func Reconcile(entries []audit.Entry) Report {
	var (
		rep   Report
		order []string
		calls = make(map[string]*Call)
	)

	for _, e := range entries {
		if e.Source != Source {
			continue
		}
		id := e.Str(FieldCorrelationID)
		if id == "" {
			continue
		}

		switch e.Message {
		case MsgDispatched:
			rep.Dispatched++
			if _, seen := calls[id]; seen {
				continue
			}
			calls[id] = &Call{
				CorrelationID: id,
				Action:        e.Str(FieldAction),
				RunID:         e.RunID,
				DispatchedAt:  e.Time,
				dispatched:    true,
			}
			order = append(order, id)

		case MsgResolved:
			rep.Resolved++
			c, ok := calls[id]
			if !ok || !c.dispatched {
				rep.Orphans = append(rep.Orphans, e)
				continue
			}
			c.Resolutions++
			if c.Resolutions > 1 {
				continue
			}
			c.ResolvedAt = e.Time
			c.Outcome = e.Str(FieldOutcome)
			c.ErrorKind = e.Str(FieldErrorKind)
			c.Error = e.Str(FieldError)
			if ms, ok := e.Fields[FieldLatency].(float64); ok {
				c.Latency = time.Duration(ms * float64(time.Millisecond))
			} else if ms, ok := e.Fields[FieldLatency].(int64); ok {
				c.Latency = time.Duration(ms) * time.Millisecond
			}

		case MsgAbandoned:
			if c, ok := calls[id]; ok && c.Open() {
				c.Outcome = OutcomeAbandoned
				c.ResolvedAt = e.Time
			}
		}
	}

	rep.Calls = make([]Call, 0, len(order))
	for _, id := range order {
		c := *calls[id]
		rep.Calls = append(rep.Calls, c)
		if c.Open() {
			rep.Unresolved = append(rep.Unresolved, c)
		}
		if c.Resolutions > 1 {
			rep.Duplicates = append(rep.Duplicates, c)
		}
	}
	return rep
}

// RecoverAbandoned closes the calls that earlier runs left unresolved by
// recording a WARN "call abandoned" for each. Calls dispatched by runID, the
// current run, are left alone. It returns the calls it closed.
func RecoverAbandoned(entries []audit.Entry, log Emitter, runID string) []Call {
	rep := Reconcile(entries)

	var closed []Call
	for _, c := range rep.Unresolved {
		if c.RunID == runID {
			continue
		}
		log.Emit(audit.NewRecord(audit.SeverityWarn, Source, MsgAbandoned, audit.Fields{
			FieldCorrelationID: c.CorrelationID,
			FieldAction:        c.Action,
			FieldRunID:         c.RunID,
			"dispatched_at":    c.DispatchedAt,
		}))
		closed = append(closed, c)
	}
	return closed
}
