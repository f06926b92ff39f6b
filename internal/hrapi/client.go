// Package hrapi is the client for the remote HR attendance API. Every method
// matches domain.RemoteCall so the session machine can trace it.
package hrapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/gosuda/punchclock/internal/domain"
)

var (
	ErrNotLoggedIn    = errors.New("hrapi: not logged in")
	ErrNoRefreshToken = errors.New("hrapi: no refresh token")
	ErrMissingPhone   = errors.New("hrapi: phone number cannot be empty")
	ErrMissingPass    = errors.New("hrapi: password cannot be empty")
	ErrNoAccessToken  = errors.New("hrapi: no access token in response")
)

const (
	pathLogin      = "/auth/login"
	pathRequestOTP = "/auth/request-otp"
	pathVerifyOTP  = "/auth/verify-otp"
	pathRefresh    = "/auth/refresh-token"
	pathAttendance = "/attendance/"

	maxBody    = 1 << 20
	maxMessage = 200
)

// Config configures a Client.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Rate     float64 // requests per second; <= 0 disables pacing
	Burst    int
	ClientID string // overrides the client id carried by the access token
	ShiftID  string

	HTTPClient *http.Client     // optional
	Now        func() time.Time // optional
}

// Client talks to the HR API. It is safe for concurrent use.
type Client struct {
	base     string
	http     *http.Client
	limiter  *rate.Limiter
	now      func() time.Time
	clientID string
	shiftID  string

	tokens *tokenStore

	mu       sync.Mutex
	identity Identity
}

// New returns a client for cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("hrapi.New: base URL is required")
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		return nil, fmt.Errorf("hrapi.New: base URL %q must be http or https", base)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	c := &Client{
		base:     base,
		http:     hc,
		limiter:  rate.NewLimiter(limit, burst),
		now:      now,
		clientID: cfg.ClientID,
		shiftID:  cfg.ShiftID,
	}
	c.tokens = newTokenStore(c.refresh)
	return c, nil
}

// request is one HTTP exchange with the API.
type request struct {
	method string
	path   string
	body   any
	authed bool
}

// do sends req and decodes the JSON object it returns. Failures come back as
// *domain.RemoteError. An authenticated request that gets a 401 refreshes the
// access token and is sent once more.
func (c *Client) do(ctx context.Context, req request) (domain.Payload, error) {
	resp, status, err := c.send(ctx, req)
	if err == nil && status == http.StatusUnauthorized && req.authed {
		rerr := c.tokens.forceRefresh(ctx)
		switch {
		case rerr == nil:
			resp, status, err = c.send(ctx, req)
		case ctx.Err() != nil:
			return nil, rerr
		}
	}
	if err != nil {
		return nil, err
	}
	if status < 200 || status > 299 {
		return resp, statusError(status, resp)
	}
	return resp, nil
}

func (c *Client) send(ctx context.Context, req request) (domain.Payload, int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, 0, &domain.RemoteError{Kind: domain.RemoteNetworkFailure, Message: "request not sent", Err: err}
	}

	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return nil, 0, fmt.Errorf("hrapi.send: encode body: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, c.base+req.path, body)
	if err != nil {
		return nil, 0, fmt.Errorf("hrapi.send: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.authed {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			var re *domain.RemoteError
			if errors.As(err, &re) {
				return nil, 0, err
			}
			return nil, 0, &domain.RemoteError{Kind: domain.RemoteAuthFailure, Message: err.Error(), Err: err}
		}
		tok.SetAuthHeader(httpReq)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, 0, &domain.RemoteError{Kind: domain.RemoteNetworkFailure, Message: "unable to reach server", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, resp.StatusCode, &domain.RemoteError{Kind: domain.RemoteNetworkFailure, Status: resp.StatusCode, Message: "reading response", Err: err}
	}
	return decodeBody(raw), resp.StatusCode, nil
}

// decodeBody returns the response as an object. Bodies that are not a JSON
// object are kept under "message".
func decodeBody(raw []byte) domain.Payload {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil && obj != nil {
		return domain.Payload(obj)
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return domain.Payload{}
	}
	return domain.Payload{"message": text}
}

// statusError classifies a non-2xx answer.
func statusError(status int, body domain.Payload) error {
	kind := domain.RemoteUnknownError
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = domain.RemoteAuthFailure
	case http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity:
		kind = domain.RemoteValidationFailure
	}
	return &domain.RemoteError{Kind: kind, Status: status, Message: errorMessage(status, body)}
}

// errorMessage picks the server's own explanation out of an error body.
func errorMessage(status int, body domain.Payload) string {
	keys := []string{"message", "error", "msg", "errorMessage", "error_message", "detail", "description"}
	for _, k := range keys {
		if s, ok := body[k].(string); ok && s != "" {
			return clip(s)
		}
	}
	if nested, ok := body["data"].(map[string]any); ok {
		for _, k := range keys[:3] {
			if s, ok := nested[k].(string); ok && s != "" {
				return clip(s)
			}
		}
	}
	return fmt.Sprintf("HTTP %d: %s", status, http.StatusText(status))
}

func clip(s string) string {
	if len(s) <= maxMessage {
		return s
	}
	cut := maxMessage
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
