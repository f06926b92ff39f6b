package domain

import (
	"context"
	"errors"
)

// SessionState is the user's work state as seen by this process.
type SessionState string

const (
	SessionLoggedOut SessionState = "logged_out"
	SessionLoggedIn  SessionState = "logged_in"
	SessionClockedIn SessionState = "clocked_in"
	SessionOnBreak   SessionState = "on_break"
)

// Action is an upstream user action. Every action except ActionLogout is
// backed by a remote call. ActionRequestOTP is remote but outside the
// transition table; it never moves the session.
type Action string

const (
	ActionLogin      Action = "login"
	ActionClockIn    Action = "clock_in"
	ActionClockOut   Action = "clock_out"
	ActionBreakStart Action = "break_start"
	ActionBreakEnd   Action = "break_end"
	ActionLogout     Action = "logout"
	ActionRequestOTP Action = "request_otp"
)

// RemoteActions lists the actions that dispatch a remote call, in table order.
var RemoteActions = []Action{ActionLogin, ActionClockIn, ActionClockOut, ActionBreakStart, ActionBreakEnd}

// AllStates lists every session state.
var AllStates = []SessionState{SessionLoggedOut, SessionLoggedIn, SessionClockedIn, SessionOnBreak}

var (
	ErrInvalidTransition = errors.New("session: invalid state transition")
	ErrCallInFlight      = errors.New("session: call in flight")
	ErrUnknownAction     = errors.New("session: unknown action")
)

// Remote reports whether the action is a table action backed by a remote call.
func (a Action) Remote() bool {
	switch a {
	case ActionLogin, ActionClockIn, ActionClockOut, ActionBreakStart, ActionBreakEnd:
		return true
	default:
		return false
	}
}

// Stateless reports whether a dispatches a remote call that leaves the
// session state alone.
func (a Action) Stateless() bool {
	return a == ActionRequestOTP
}

// Known reports whether a is one of the defined actions.
func (a Action) Known() bool {
	return a == ActionLogout || a.Remote() || a.Stateless()
}

// Next returns the state reached when action succeeds from s.
// Allowed: logged_out->logged_in (login), logged_in->clocked_in (clock in),
// clocked_in->on_break (break start), on_break->clocked_in (break end),
// clocked_in->logged_in (clock out), any->logged_out (logout).
func (s SessionState) Next(action Action) (SessionState, bool) {
	if action == ActionLogout {
		return SessionLoggedOut, true
	}
	switch s {
	case SessionLoggedOut:
		if action == ActionLogin {
			return SessionLoggedIn, true
		}
	case SessionLoggedIn:
		if action == ActionClockIn {
			return SessionClockedIn, true
		}
	case SessionClockedIn:
		switch action {
		case ActionBreakStart:
			return SessionOnBreak, true
		case ActionClockOut:
			return SessionLoggedIn, true
		}
	case SessionOnBreak:
		if action == ActionBreakEnd {
			return SessionClockedIn, true
		}
	}
	return s, false
}

// RemoteCall performs the remote side of an action. Implementations own their
// timeout and cancellation policy.
type RemoteCall func(ctx context.Context, request Payload) (Payload, error)
