package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/punchclock/internal/audit"
	"github.com/gosuda/punchclock/internal/domain"
	"github.com/gosuda/punchclock/internal/trace"
)

// Source is the audit source of session records.
const Source = "session"

const (
	MsgInvalidTransition = "invalid transition"
	MsgStateChanged      = "state changed"
	MsgStaleCommit       = "stale commit discarded"
	MsgSessionReset      = "session reset"
	MsgShutdown          = "shutdown signal"

	reasonInFlight = "call in flight"
)

// Change is a committed state transition.
type Change struct {
	From   domain.SessionState `json:"from"`
	To     domain.SessionState `json:"to"`
	Action domain.Action       `json:"action"`
}

// Pending is a remote action that passed its guard and has been dispatched.
type Pending struct {
	Action domain.Action
	From   domain.SessionState
	To     domain.SessionState

	handle *trace.Handle
	epoch  uint64
}

// CorrelationID is the id of the traced call.
func (p *Pending) CorrelationID() string { return p.handle.CorrelationID }

// Result describes how a completed action affected the session.
type Result struct {
	Outcome trace.Outcome
	State   domain.SessionState // state after completion
	Changed bool
}

// Totals is the time spent clocked in and on break since the last login.
type Totals struct {
	Work  time.Duration
	Break time.Duration
}

// Machine owns the session state. State moves only when a traced remote call
// resolves successfully, or on Logout.
type Machine struct {
	log    trace.Emitter
	tracer *trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	state   domain.SessionState
	epoch   uint64 // bumped on logout; commits from older epochs are dropped
	pending *Pending
	since   time.Time // when state was entered
	totals  Totals    // closed intervals only

	// Changes waiting for delivery, and whether a goroutine is delivering
	// them. Both guarded by mu.
	queue      []Change
	delivering bool

	subsMu  sync.Mutex
	subs    map[int]func(Change)
	nextSub int
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock used for work and break totals.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// New returns a machine in the logged-out state.
func New(log trace.Emitter, tracer *trace.Tracer, opts ...Option) *Machine {
	m := &Machine{
		log:    log,
		tracer: tracer,
		now:    time.Now,
		state:  domain.SessionLoggedOut,
		subs:   make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.since = m.now()
	return m
}

// State returns the current state.
func (m *Machine) State() domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Totals returns the work and break time accrued since the last login,
// including the interval still open in the current state.
func (m *Machine) Totals() Totals {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running(m.now())
}

// running must be called with m.mu held.
func (m *Machine) running(now time.Time) Totals {
	t := m.totals
	d := now.Sub(m.since)
	if d <= 0 {
		return t
	}
	switch m.state {
	case domain.SessionClockedIn:
		t.Work += d
	case domain.SessionOnBreak:
		t.Break += d
	}
	return t
}

// enter moves the machine to state at now, closing the interval spent in the
// previous one. Must be called with m.mu held.
func (m *Machine) enter(state domain.SessionState, now time.Time) {
	m.totals = m.running(now)
	m.since = now
	m.state = state
}

// Subscribe registers fn for every committed change and returns a function
// that removes it. Changes are delivered one at a time in commit order, on
// the goroutine that committed them. fn may call State and Totals. Changes
// fn itself causes are delivered after it returns.
func (m *Machine) Subscribe(fn func(Change)) (unsubscribe func()) {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

// Begin checks the guard for action and dispatches it through the tracer.
// Illegal pairs write one WARN record and return an error wrapping
// domain.ErrInvalidTransition; nothing is dispatched.
func (m *Machine) Begin(action domain.Action, request domain.Payload) (*Pending, error) {
	if !action.Remote() {
		return nil, fmt.Errorf("session.Begin: %w: %q", domain.ErrUnknownAction, action)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pending != nil {
		m.reject(action, reasonInFlight)
		return nil, fmt.Errorf("session.Begin: %w: %w", domain.ErrInvalidTransition, domain.ErrCallInFlight)
	}
	next, ok := m.state.Next(action)
	if !ok {
		m.reject(action, fmt.Sprintf("%s not allowed from %s", action, m.state))
		return nil, fmt.Errorf("session.Begin: %w: %s from %s", domain.ErrInvalidTransition, action, m.state)
	}

	p := &Pending{
		Action: action,
		From:   m.state,
		To:     next,
		epoch:  m.epoch,
	}
	p.handle = m.tracer.Trace(action, request)
	m.pending = p
	return p, nil
}

func (m *Machine) reject(action domain.Action, reason string) {
	m.log.Emit(audit.NewRecord(audit.SeverityWarn, Source, MsgInvalidTransition, audit.Fields{
		"state":  string(m.state),
		"action": string(action),
		"reason": reason,
	}))
}

// Complete resolves p with the remote outcome. Success commits the pending
// transition; failure leaves the state as it was. Completing p twice returns
// trace.ErrAlreadyResolved and changes nothing.
func (m *Machine) Complete(p *Pending, response domain.Payload, callErr error) (Result, error) {
	out, err := m.tracer.Resolve(p.handle, response, callErr)
	if errors.Is(err, trace.ErrAlreadyResolved) {
		return Result{Outcome: out, State: m.State()}, fmt.Errorf("session.Complete: %w", err)
	}

	m.mu.Lock()
	if m.pending == p {
		m.pending = nil
	}
	res := Result{Outcome: out, State: m.state}

	if !out.Success() {
		m.mu.Unlock()
		return res, nil
	}
	if p.epoch != m.epoch {
		m.log.Emit(audit.NewRecord(audit.SeverityInfo, Source, MsgStaleCommit, audit.Fields{
			"correlation_id": p.handle.CorrelationID,
			"action":         string(p.Action),
			"state":          string(m.state),
		}))
		m.mu.Unlock()
		return res, nil
	}

	if p.Action == domain.ActionLogin {
		m.totals = Totals{}
	}
	m.enter(p.To, m.now())
	change := Change{From: p.From, To: p.To, Action: p.Action}
	m.log.Emit(audit.NewRecord(audit.SeverityInfo, Source, MsgStateChanged, audit.Fields{
		"from":   string(change.From),
		"to":     string(change.To),
		"action": string(change.Action),
	}))
	res.State, res.Changed = m.state, true
	m.publish(change)
	return res, nil
}

// Perform runs action end to end: guard, dispatch, remote call, resolution.
// A guard rejection is returned without calling call. Otherwise the returned
// error is the remote call's own, so callers can classify it.
func (m *Machine) Perform(ctx context.Context, action domain.Action, request domain.Payload, call domain.RemoteCall) (Result, error) {
	p, err := m.Begin(action, request)
	if err != nil {
		return Result{State: m.State()}, err
	}

	response, callErr := invoke(ctx, call, request)
	res, err := m.Complete(p, response, callErr)
	if err != nil {
		return res, err
	}
	return res, callErr
}

// Request runs a stateless action such as an OTP request: it is traced like
// any remote call but never moves the session. It is legal only while logged
// out.
func (m *Machine) Request(ctx context.Context, action domain.Action, request domain.Payload, call domain.RemoteCall) (trace.Outcome, error) {
	if !action.Stateless() {
		return trace.Outcome{}, fmt.Errorf("session.Request: %w: %q", domain.ErrUnknownAction, action)
	}

	m.mu.Lock()
	if m.state != domain.SessionLoggedOut {
		m.reject(action, fmt.Sprintf("%s not allowed from %s", action, m.state))
		state := m.state
		m.mu.Unlock()
		return trace.Outcome{}, fmt.Errorf("session.Request: %w: %s from %s", domain.ErrInvalidTransition, action, state)
	}
	m.mu.Unlock()

	h := m.tracer.Trace(action, request)
	response, callErr := invoke(ctx, call, request)
	out, err := m.tracer.Resolve(h, response, callErr)
	if err != nil {
		return out, fmt.Errorf("session.Request: %w", err)
	}
	return out, callErr
}

// invoke runs call, turning a panic into an error so the call still resolves.
func invoke(ctx context.Context, call domain.RemoteCall, request domain.Payload) (resp domain.Payload, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session.invoke: remote call panicked: %v", r)
		}
	}()
	return call(ctx, request)
}

// Logout resets the session locally. It is legal from every state and
// discards the commit of any call still in flight.
func (m *Machine) Logout() Change {
	m.mu.Lock()
	change := Change{From: m.state, To: domain.SessionLoggedOut, Action: domain.ActionLogout}
	m.enter(domain.SessionLoggedOut, m.now())
	m.epoch++
	m.pending = nil
	m.log.Emit(audit.NewRecord(audit.SeverityInfo, Source, MsgSessionReset, audit.Fields{
		"from": string(change.From),
	}))
	m.publish(change)
	return change
}

// publish queues change for subscribers. It must be called with m.mu held
// and releases it. The first publisher to find nobody delivering takes over
// and drains the queue; m.mu is never held while a subscriber runs.
func (m *Machine) publish(change Change) {
	m.queue = append(m.queue, change)
	if m.delivering {
		m.mu.Unlock()
		return
	}
	m.delivering = true
	for len(m.queue) > 0 {
		next := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		m.deliver(next)
		m.mu.Lock()
	}
	m.delivering = false
	m.mu.Unlock()
}

func (m *Machine) deliver(change Change) {
	m.subsMu.Lock()
	fns := make([]func(Change), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.Unlock()

	for _, fn := range fns {
		notify(fn, change)
	}
}

func notify(fn func(Change), change Change) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("action", string(change.Action)).Msg("session subscriber panicked")
		}
	}()
	fn(change)
}

// Shutdown records that the process is stopping. Calls in flight are not
// drained.
func (m *Machine) Shutdown(reason string) {
	m.mu.Lock()
	fields := audit.Fields{"reason": reason, "state": string(m.state)}
	if m.pending != nil {
		fields["in_flight"] = m.pending.CorrelationID()
	}
	m.mu.Unlock()
	m.log.Emit(audit.NewRecord(audit.SeverityInfo, SourceLifecycle, MsgShutdown, fields))
}
