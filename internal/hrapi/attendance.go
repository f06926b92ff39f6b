package hrapi

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gosuda/punchclock/internal/domain"
)

// punch describes one attendance action as the API spells it.
type punch struct {
	action  string // value of the "action" field
	timeKey string // field carrying the event time
	status  bool   // punches carry a work status, breaks do not
}

var punches = map[domain.Action]punch{
	domain.ActionClockIn:    {action: "punch_in", timeKey: "in_time", status: true},
	domain.ActionClockOut:   {action: "punch_out", timeKey: "out_time", status: true},
	domain.ActionBreakStart: {action: "break", timeKey: "break_time"},
	domain.ActionBreakEnd:   {action: "resumed", timeKey: "resume_time"},
}

// statusWorking is the attendance status the API expects for a normal punch.
const statusWorking = "W"

func (c *Client) PunchIn(ctx context.Context, req domain.Payload) (domain.Payload, error) {
	return c.attend(ctx, domain.ActionClockIn, req)
}

func (c *Client) PunchOut(ctx context.Context, req domain.Payload) (domain.Payload, error) {
	return c.attend(ctx, domain.ActionClockOut, req)
}

func (c *Client) BreakStart(ctx context.Context, req domain.Payload) (domain.Payload, error) {
	return c.attend(ctx, domain.ActionBreakStart, req)
}

func (c *Client) BreakEnd(ctx context.Context, req domain.Payload) (domain.Payload, error) {
	return c.attend(ctx, domain.ActionBreakEnd, req)
}

// Call returns the remote call backing action.
func (c *Client) Call(action domain.Action) (domain.RemoteCall, error) {
	switch action {
	case domain.ActionLogin:
		return c.Login, nil
	case domain.ActionRequestOTP:
		return c.RequestOTP, nil
	case domain.ActionClockIn:
		return c.PunchIn, nil
	case domain.ActionClockOut:
		return c.PunchOut, nil
	case domain.ActionBreakStart:
		return c.BreakStart, nil
	case domain.ActionBreakEnd:
		return c.BreakEnd, nil
	default:
		return nil, fmt.Errorf("hrapi.Call: %w: %q", domain.ErrUnknownAction, action)
	}
}

// attend posts an attendance event. The date and time of the event default to
// now; fields in req override the defaults, except "action".
func (c *Client) attend(ctx context.Context, action domain.Action, req domain.Payload) (domain.Payload, error) {
	p := punches[action]
	now := c.now()

	c.mu.Lock()
	clientID := c.identity.ClientID
	c.mu.Unlock()
	if clientID == "" {
		clientID = c.clientID
	}

	body := map[string]any{
		"client_id":          clientID,
		"date_in_iso_format": now.Format("2006-01-02"),
		p.timeKey:            now.UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	if c.shiftID != "" {
		body["shift_id"] = c.shiftID
	} else {
		body["shift_id"] = nil
	}
	if p.status {
		body["status"] = statusWorking
	}
	for k, v := range req {
		body[k] = v
	}
	body["action"] = p.action

	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   pathAttendance,
		body:   body,
		authed: true,
	})
	if err != nil {
		return nil, fmt.Errorf("hrapi.%s: %w", p.action, err)
	}
	return resp, nil
}
