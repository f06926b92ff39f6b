package v1

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/gosuda/punchclock/internal/domain"
)

type GetSessionOutput struct {
	Body struct {
		State        domain.SessionState `json:"state" doc:"Current session state"`
		WorkSeconds  int64               `json:"work_seconds" doc:"Time clocked in since login, breaks excluded"`
		BreakSeconds int64               `json:"break_seconds" doc:"Time on break since login"`
	}
}

type LoginInput struct {
	Body struct {
		Phone    string `json:"phone" maxLength:"32" doc:"Phone number"`
		Password string `json:"password,omitempty" maxLength:"128" doc:"Password; leave empty to log in with a one-time code"` //nolint:gosec // G117: login credential DTO
		OTP      string `json:"otp,omitempty" maxLength:"16" doc:"One-time code from request-otp"`
	}
}

type RequestOTPInput struct {
	Body struct {
		Phone string `json:"phone" maxLength:"32" doc:"Phone number the code is sent to"`
	}
}

type ActionOutput struct {
	Body ActionBody
}

type ActionBody struct {
	State         domain.SessionState `json:"state" doc:"Session state after the action"`
	Status        string              `json:"status" doc:"User-visible status line"`
	CorrelationID string              `json:"correlation_id,omitempty" doc:"Id of the traced remote call"`
}

// attendanceRoutes are the remote actions that take no request body.
var attendanceRoutes = []struct {
	action  domain.Action
	path    string
	summary string
}{
	{domain.ActionClockIn, "/session/clock-in", "Clock in"},
	{domain.ActionClockOut, "/session/clock-out", "Clock out"},
	{domain.ActionBreakStart, "/session/break-start", "Start a break"},
	{domain.ActionBreakEnd, "/session/break-end", "End a break"},
}

var doneStatus = map[domain.Action]string{
	domain.ActionLogin:      "Logged in",
	domain.ActionClockIn:    "Clocked in",
	domain.ActionClockOut:   "Clocked out",
	domain.ActionBreakStart: "Break started",
	domain.ActionBreakEnd:   "Back to work",
	domain.ActionLogout:     "Logged out",
}

func RegisterSessionRoutes(api huma.API, machine SessionMachine, client RemoteClient) {
	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/session",
		Summary:     "Get the session state",
		Tags:        []string{"Session"},
	}, func(_ context.Context, _ *struct{}) (*GetSessionOutput, error) {
		totals := machine.Totals()
		out := &GetSessionOutput{}
		out.Body.State = machine.State()
		out.Body.WorkSeconds = int64(totals.Work / time.Second)
		out.Body.BreakSeconds = int64(totals.Break / time.Second)
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-otp",
		Method:      http.MethodPost,
		Path:        "/session/request-otp",
		Summary:     "Send a one-time login code",
		Tags:        []string{"Session"},
	}, func(ctx context.Context, input *RequestOTPInput) (*ActionOutput, error) {
		return requestOTP(ctx, machine, client, input.Body.Phone)
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/session/login",
		Summary:     "Log in to the HR service",
		Tags:        []string{"Session"},
	}, func(ctx context.Context, input *LoginInput) (*ActionOutput, error) {
		request := domain.Payload{
			"phone":    input.Body.Phone,
			"password": input.Body.Password,
		}
		if input.Body.OTP != "" {
			request["otp"] = input.Body.OTP
		}
		return perform(ctx, machine, client, domain.ActionLogin, request)
	})

	for _, route := range attendanceRoutes {
		huma.Register(api, huma.Operation{
			OperationID: string(route.action),
			Method:      http.MethodPost,
			Path:        route.path,
			Summary:     route.summary,
			Tags:        []string{"Session"},
		}, func(ctx context.Context, _ *struct{}) (*ActionOutput, error) {
			return perform(ctx, machine, client, route.action, domain.Payload{})
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/session/logout",
		Summary:     "Clock out if needed, then log out locally",
		Tags:        []string{"Session"},
	}, func(ctx context.Context, _ *struct{}) (*ActionOutput, error) {
		id, err := clockOutBeforeLogout(ctx, machine, client)
		change := machine.Logout()
		client.Logout()

		status := doneStatus[domain.ActionLogout]
		if err != nil {
			status = "Logged out, but the clock-out did not reach the HR server"
		}
		return &ActionOutput{Body: ActionBody{
			State:         change.To,
			Status:        status,
			CorrelationID: id,
		}}, nil
	})
}

// clockOutBeforeLogout ends a break and clocks out, as the session requires,
// so logging out never leaves the user clocked in on the server. It returns
// the correlation id of the last call it made.
func clockOutBeforeLogout(ctx context.Context, machine SessionMachine, client RemoteClient) (string, error) {
	var steps []domain.Action
	switch machine.State() {
	case domain.SessionOnBreak:
		steps = []domain.Action{domain.ActionBreakEnd, domain.ActionClockOut}
	case domain.SessionClockedIn:
		steps = []domain.Action{domain.ActionClockOut}
	}

	id := ""
	for _, action := range steps {
		call, err := client.Call(action)
		if err != nil {
			return id, err
		}
		res, err := machine.Perform(context.WithoutCancel(ctx), action, domain.Payload{}, call)
		if res.Outcome.CorrelationID != "" {
			id = res.Outcome.CorrelationID
		}
		if err != nil {
			return id, err
		}
	}
	return id, nil
}

func requestOTP(ctx context.Context, machine SessionMachine, client RemoteClient, phone string) (*ActionOutput, error) {
	call, err := client.Call(domain.ActionRequestOTP)
	if err != nil {
		return nil, huma.Error500InternalServerError("action not supported", err)
	}

	out, err := machine.Request(context.WithoutCancel(ctx), domain.ActionRequestOTP, domain.Payload{"phone": phone}, call)
	if err != nil {
		return nil, actionError(domain.ActionRequestOTP, machine.State(), out.CorrelationID, err)
	}
	return &ActionOutput{Body: ActionBody{
		State:         machine.State(),
		Status:        orDefault(out.Response.String("message"), "Code sent"),
		CorrelationID: out.CorrelationID,
	}}, nil
}

func perform(ctx context.Context, machine SessionMachine, client RemoteClient, action domain.Action, request domain.Payload) (*ActionOutput, error) {
	call, err := client.Call(action)
	if err != nil {
		return nil, huma.Error500InternalServerError("action not supported", err)
	}

	// The punch outlives the webview's request; the HR client's own timeout
	// bounds it.
	res, err := machine.Perform(context.WithoutCancel(ctx), action, request, call)
	id := res.Outcome.CorrelationID
	if err != nil {
		return nil, actionError(action, machine.State(), id, err)
	}

	status := doneStatus[action]
	if !res.Changed {
		status = "Session was reset before the server answered"
	}
	return &ActionOutput{Body: ActionBody{
		State:         res.State,
		Status:        status,
		CorrelationID: id,
	}}, nil
}

// actionError maps a failed action to a problem response whose detail is the
// status line shown to the user.
func actionError(action domain.Action, state domain.SessionState, correlationID string, err error) error {
	if errors.Is(err, domain.ErrCallInFlight) {
		return huma.Error409Conflict("Another request is still in progress")
	}
	if errors.Is(err, domain.ErrInvalidTransition) {
		return huma.Error409Conflict(fmt.Sprintf("%s is not allowed while %s", action, state))
	}

	var details []error
	if correlationID != "" {
		details = append(details, &huma.ErrorDetail{Location: "correlation_id", Value: correlationID})
	}

	var re *domain.RemoteError
	message := ""
	if errors.As(err, &re) {
		message = re.Message
	}

	switch domain.ClassifyRemote(err) {
	case domain.RemoteAuthFailure:
		return huma.Error401Unauthorized(orDefault(message, "The server rejected the credentials"), details...)
	case domain.RemoteValidationFailure:
		return huma.Error422UnprocessableEntity(orDefault(message, "The server rejected the request"), details...)
	case domain.RemoteNetworkFailure:
		return huma.Error502BadGateway("Could not reach the HR server", details...)
	default:
		return huma.Error502BadGateway(orDefault(message, "Unexpected answer from the HR server"), details...)
	}
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
