package v1

import (
	"context"

	"github.com/gosuda/punchclock/internal/domain"
	"github.com/gosuda/punchclock/internal/session"
	"github.com/gosuda/punchclock/internal/trace"
)

// SessionMachine abstracts the session state machine for handler testing.
// *session.Machine satisfies this interface.
type SessionMachine interface {
	State() domain.SessionState
	Totals() session.Totals
	Perform(ctx context.Context, action domain.Action, request domain.Payload, call domain.RemoteCall) (session.Result, error)
	Request(ctx context.Context, action domain.Action, request domain.Payload, call domain.RemoteCall) (trace.Outcome, error)
	Logout() session.Change
}

// RemoteClient abstracts the HR API client for handler testing.
// *hrapi.Client satisfies this interface.
type RemoteClient interface {
	Call(action domain.Action) (domain.RemoteCall, error)
	Logout()
}
