package hrapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/punchclock/internal/domain"
	"github.com/gosuda/punchclock/internal/hrapi"
)

// ---------------------------------------------------------------------------
// Fake HR API
// ---------------------------------------------------------------------------

type hit struct {
	path  string
	auth  string
	body  map[string]any
	reply int
}

type fakeAPI struct {
	mu      sync.Mutex
	calls   []hit
	login   func(body map[string]any) (int, any)
	otp     func(path string, body map[string]any) (int, any)
	refresh func(body map[string]any) (int, any)
	attend  func(auth string, body map[string]any) (int, any)
}

func newFakeAPI(t *testing.T) (*fakeAPI, *httptest.Server) {
	t.Helper()
	f := &fakeAPI{}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	auth := r.Header.Get("Authorization")

	var (
		status = http.StatusNotFound
		reply  any
	)
	switch r.URL.Path {
	case "/auth/login":
		if f.login != nil {
			status, reply = f.login(body)
		}
	case "/auth/request-otp", "/auth/verify-otp":
		if f.otp != nil {
			status, reply = f.otp(r.URL.Path, body)
		}
	case "/auth/refresh-token":
		if f.refresh != nil {
			status, reply = f.refresh(body)
		}
	case "/attendance/":
		if f.attend != nil {
			status, reply = f.attend(auth, body)
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, hit{path: r.URL.Path, auth: auth, body: body, reply: status})
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if s, ok := reply.(string); ok {
		_, _ = w.Write([]byte(s))
		return
	}
	_ = json.NewEncoder(w).Encode(reply)
}

func (f *fakeAPI) recorded() []hit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hit(nil), f.calls...)
}

func unsignedJWT(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("not-the-server-key"))
	require.NoError(t, err)
	return s
}

var fixedNow = time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC)

func newClient(t *testing.T, srv *httptest.Server, mutate ...func(*hrapi.Config)) *hrapi.Client {
	t.Helper()
	cfg := hrapi.Config{
		BaseURL: srv.URL + "/",
		Timeout: 5 * time.Second,
		ShiftID: "shift-9",
		Now:     func() time.Time { return fixedNow },
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c, err := hrapi.New(cfg)
	require.NoError(t, err)
	return c
}

func okLogin(token string) func(map[string]any) (int, any) {
	return func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"data": map[string]any{
			"access_token":  token,
			"refresh_token": "r-1",
		}}
	}
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNew_RejectsBadBaseURL(t *testing.T) {
	t.Parallel()

	for _, base := range []string{"", "  ", "ftp://hr.example.com", "hr.example.com"} {
		_, err := hrapi.New(hrapi.Config{BaseURL: base})
		assert.Error(t, err, "base %q", base)
	}
}

// ---------------------------------------------------------------------------
// Login
// ---------------------------------------------------------------------------

func TestLogin_Success(t *testing.T) {
	t.Parallel()

	api, srv := newFakeAPI(t)
	exp := fixedNow.Add(2 * time.Hour).Truncate(time.Second)
	token := unsignedJWT(t, jwt.MapClaims{"sub": "u-77", "client_id": "acme", "exp": exp.Unix()})
	api.login = okLogin(token)

	c := newClient(t, srv)
	summary, err := c.Login(context.Background(), domain.Payload{"phone": " (987) 654-3210 ", "password": "pw"})
	require.NoError(t, err)

	assert.Equal(t, "u-77", summary["user_id"])
	assert.Equal(t, "acme", summary["client_id"])
	assert.Equal(t, len(token), summary["token_length"])
	assert.Equal(t, exp.Format(time.RFC3339), summary["expires_at"])
	assert.NotContains(t, summary.JSON(), token, "raw token must not leave the client")

	calls := api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "9876543210", calls[0].body["phone"])
	assert.Equal(t, "pw", calls[0].body["password"])
	assert.Empty(t, calls[0].auth)

	id, ok := c.Identity()
	assert.True(t, ok)
	assert.Equal(t, "u-77", id.UserID)
}

func TestLogin_TokenLocations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		reply map[string]any
	}{
		{name: "top level", reply: map[string]any{"token": "tok-a", "user_id": "u1"}},
		{name: "result", reply: map[string]any{"result": map[string]any{"accessToken": "tok-a", "userId": "u1"}}},
		{name: "response", reply: map[string]any{"response": map[string]any{"access_token": "tok-a"}, "user_id": "u1"}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			api, srv := newFakeAPI(t)
			api.login = func(map[string]any) (int, any) { return http.StatusOK, tc.reply }

			summary, err := newClient(t, srv).Login(context.Background(), domain.Payload{"phone": "1", "password": "p"})
			require.NoError(t, err)
			assert.Equal(t, "u1", summary["user_id"])
			assert.Equal(t, len("tok-a"), summary["token_length"])
		})
	}
}

func TestLogin_ExpiresInWinsOverClaims(t *testing.T) {
	t.Parallel()

	api, srv := newFakeAPI(t)
	api.login = func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"access_token": "opaque-token", "expires_in": 600}
	}

	summary, err := newClient(t, srv).Login(context.Background(), domain.Payload{"phone": "1", "password": "p"})
	require.NoError(t, err)
	assert.Equal(t, fixedNow.Add(10*time.Minute).Format(time.RFC3339), summary["expires_at"])
}

func TestLogin_ValidationWithoutRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  domain.Payload
		want error
	}{
		{name: "empty phone", req: domain.Payload{"phone": " - ", "password": "p"}, want: hrapi.ErrMissingPhone},
		{name: "empty password", req: domain.Payload{"phone": "1"}, want: hrapi.ErrMissingPass},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			api, srv := newFakeAPI(t)
			_, err := newClient(t, srv).Login(context.Background(), tc.req)
			require.ErrorIs(t, err, tc.want)
			assert.Equal(t, domain.RemoteValidationFailure, domain.ClassifyRemote(err))
			assert.Empty(t, api.recorded())
		})
	}
}

func TestLogin_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status  int
		reply   any
		want    domain.RemoteErrorKind
		message string
	}{
		{status: http.StatusUnauthorized, reply: map[string]any{"message": "Invalid credentials"}, want: domain.RemoteAuthFailure, message: "Invalid credentials"},
		{status: http.StatusForbidden, reply: map[string]any{"error": "blocked"}, want: domain.RemoteAuthFailure, message: "blocked"},
		{status: http.StatusBadRequest, reply: map[string]any{"data": map[string]any{"msg": "phone invalid"}}, want: domain.RemoteValidationFailure, message: "phone invalid"},
		{status: http.StatusConflict, reply: map[string]any{}, want: domain.RemoteValidationFailure, message: "HTTP 409: Conflict"},
		{status: http.StatusUnprocessableEntity, reply: "plain text failure", want: domain.RemoteValidationFailure, message: "plain text failure"},
		{status: http.StatusInternalServerError, reply: map[string]any{"detail": "boom"}, want: domain.RemoteUnknownError, message: "boom"},
		{status: http.StatusOK, reply: map[string]any{"ok": true}, want: domain.RemoteUnknownError, message: "hrapi: no access token in response"},
	}

	for _, tc := range tests {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			t.Parallel()

			api, srv := newFakeAPI(t)
			api.login = func(map[string]any) (int, any) { return tc.status, tc.reply }

			_, err := newClient(t, srv).Login(context.Background(), domain.Payload{"phone": "1", "password": "p"})
			require.Error(t, err)
			assert.Equal(t, tc.want, domain.ClassifyRemote(err))

			var re *domain.RemoteError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tc.message, re.Message)
		})
	}
}

func TestLogin_NetworkFailure(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAPI(t)
	c := newClient(t, srv)
	srv.Close()

	_, err := c.Login(context.Background(), domain.Payload{"phone": "1", "password": "p"})
	require.ErrorIs(t, err, domain.ErrNetworkFailure)
}

func TestLogin_CanceledContextIsNetworkFailure(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAPI(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClient(t, srv).Login(ctx, domain.Payload{"phone": "1", "password": "p"})
	assert.Equal(t, domain.RemoteNetworkFailure, domain.ClassifyRemote(err))
}

// ---------------------------------------------------------------------------
// One-time code login
// ---------------------------------------------------------------------------

func TestRequestOTP(t *testing.T) {
	t.Parallel()

	api, srv := newFakeAPI(t)
	api.otp = func(string, map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"message": "code sent to ***3210"}
	}

	c := newClient(t, srv)
	call, err := c.Call(domain.ActionRequestOTP)
	require.NoError(t, err)
	resp, err := call(context.Background(), domain.Payload{"phone": "987-654-3210"})
	require.NoError(t, err)
	assert.Equal(t, "code sent to ***3210", resp["message"])

	calls := api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/auth/request-otp", calls[0].path)
	assert.Equal(t, map[string]any{"phone": "9876543210"}, calls[0].body)

	_, ok := c.Identity()
	assert.False(t, ok, "requesting a code does not sign in")
}

func TestRequestOTP_Failures(t *testing.T) {
	t.Parallel()

	api, srv := newFakeAPI(t)
	api.otp = func(string, map[string]any) (int, any) {
		return http.StatusBadRequest, map[string]any{"message": "unknown phone"}
	}
	c := newClient(t, srv)

	_, err := c.RequestOTP(context.Background(), domain.Payload{"phone": " "})
	require.ErrorIs(t, err, hrapi.ErrMissingPhone)
	assert.Empty(t, api.recorded())

	_, err = c.RequestOTP(context.Background(), domain.Payload{"phone": "1"})
	require.ErrorIs(t, err, domain.ErrValidationFailure)
	var re *domain.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "unknown phone", re.Message)
}

func TestLogin_WithOTP(t *testing.T) {
	t.Parallel()

	api, srv := newFakeAPI(t)
	token := unsignedJWT(t, jwt.MapClaims{"sub": "u-5"})
	api.otp = func(path string, body map[string]any) (int, any) {
		if path != "/auth/verify-otp" || body["otp"] != "123456" {
			return http.StatusUnauthorized, map[string]any{"message": "wrong code"}
		}
		return http.StatusOK, map[string]any{"data": map[string]any{"access_token": token}}
	}

	c := newClient(t, srv)
	summary, err := c.Login(context.Background(), domain.Payload{"phone": "1", "otp": " 123456 "})
	require.NoError(t, err)
	assert.Equal(t, "u-5", summary["user_id"])

	calls := api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/auth/verify-otp", calls[0].path)
	assert.NotContains(t, calls[0].body, "password")

	_, err = c.Login(context.Background(), domain.Payload{"phone": "1", "otp": "000000"})
	require.ErrorIs(t, err, domain.ErrAuthFailure)
}

func TestLogin_PasswordWinsOverOTP(t *testing.T) {
	t.Parallel()

	api, srv := newFakeAPI(t)
	api.login = okLogin("tok")

	_, err := newClient(t, srv).Login(context.Background(), domain.Payload{"phone": "1", "password": "p", "otp": "1"})
	require.NoError(t, err)
	calls := api.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, "/auth/login", calls[0].path)
}

// ---------------------------------------------------------------------------
// Attendance
// ---------------------------------------------------------------------------

func TestAttendance_Payloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		action     domain.Action
		wantAction string
		timeKey    string
		wantStatus bool
	}{
		{domain.ActionClockIn, "punch_in", "in_time", true},
		{domain.ActionClockOut, "punch_out", "out_time", true},
		{domain.ActionBreakStart, "break", "break_time", false},
		{domain.ActionBreakEnd, "resumed", "resume_time", false},
	}

	for _, tc := range tests {
		t.Run(string(tc.action), func(t *testing.T) {
			t.Parallel()

			api, srv := newFakeAPI(t)
			api.login = okLogin(unsignedJWT(t, jwt.MapClaims{"sub": "u1", "clientId": "acme"}))
			api.attend = func(string, map[string]any) (int, any) {
				return http.StatusOK, map[string]any{"message": "recorded"}
			}

			c := newClient(t, srv)
			_, err := c.Login(context.Background(), domain.Payload{"phone": "1", "password": "p"})
			require.NoError(t, err)

			call, err := c.Call(tc.action)
			require.NoError(t, err)
			resp, err := call(context.Background(), domain.Payload{"latitude": 18.5, "action": "ignored"})
			require.NoError(t, err)
			assert.Equal(t, "recorded", resp["message"])

			calls := api.recorded()
			require.Len(t, calls, 2)
			got := calls[1]
			assert.Equal(t, "/attendance/", got.path)
			assert.Contains(t, got.auth, "Bearer ")
			assert.Equal(t, tc.wantAction, got.body["action"])
			assert.Equal(t, "acme", got.body["client_id"])
			assert.Equal(t, "shift-9", got.body["shift_id"])
			assert.Equal(t, "2026-03-02", got.body["date_in_iso_format"])
			assert.Equal(t, "2026-03-02T04:30:00.000Z", got.body[tc.timeKey])
			assert.Equal(t, 18.5, got.body["latitude"])
			if tc.wantStatus {
				assert.Equal(t, "W", got.body["status"])
			} else {
				assert.NotContains(t, got.body, "status")
			}
		})
	}
}

func TestAttendance_RequiresLogin(t *testing.T) {
	t.Parallel()

	api, srv := newFakeAPI(t)
	_, err := newClient(t, srv).PunchIn(context.Background(), nil)
	require.ErrorIs(t, err, hrapi.ErrNotLoggedIn)
	assert.Equal(t, domain.RemoteAuthFailure, domain.ClassifyRemote(err))
	assert.Empty(t, api.recorded())
}

func TestAttendance_RefreshesOnceOn401(t *testing.T) {
	t.Parallel()

	api, srv := newFakeAPI(t)
	api.login = okLogin("tok-old")
	api.refresh = func(body map[string]any) (int, any) {
		if body["refresh_token"] != "r-1" {
			return http.StatusUnauthorized, map[string]any{"message": "bad refresh"}
		}
		return http.StatusOK, map[string]any{"access_token": "tok-new"}
	}
	api.attend = func(auth string, _ map[string]any) (int, any) {
		if auth != "Bearer tok-new" {
			return http.StatusUnauthorized, map[string]any{"message": "expired"}
		}
		return http.StatusOK, map[string]any{"message": "ok"}
	}

	c := newClient(t, srv)
	_, err := c.Login(context.Background(), domain.Payload{"phone": "1", "password": "p"})
	require.NoError(t, err)

	_, err = c.PunchIn(context.Background(), nil)
	require.NoError(t, err)

	var paths []string
	for _, h := range api.recorded() {
		paths = append(paths, h.path)
	}
	assert.Equal(t, []string{"/auth/login", "/attendance/", "/auth/refresh-token", "/attendance/"}, paths)
}

func TestAttendance_ExpiredTokenRefreshesFirst(t *testing.T) {
	t.Parallel()

	api, srv := newFakeAPI(t)
	api.login = func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"access_token": "tok-old", "refresh_token": "r-1", "expires_in": 60}
	}
	api.refresh = func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"access_token": "tok-new"}
	}
	api.attend = func(auth string, _ map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"auth": auth}
	}

	c := newClient(t, srv, func(cfg *hrapi.Config) {
		cfg.Now = func() time.Time { return time.Now().Add(-time.Hour) }
	})
	_, err := c.Login(context.Background(), domain.Payload{"phone": "1", "password": "p"})
	require.NoError(t, err)

	resp, err := c.BreakEnd(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok-new", resp["auth"])

	var paths []string
	for _, h := range api.recorded() {
		paths = append(paths, h.path)
	}
	assert.Equal(t, []string{"/auth/login", "/auth/refresh-token", "/attendance/"}, paths)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func TestAttendance_RefreshHonorsCancellation(t *testing.T) {
	t.Parallel()

	api, srv := newFakeAPI(t)
	api.login = okLogin("tok-old")
	api.refresh = func(map[string]any) (int, any) {
		return http.StatusOK, map[string]any{"access_token": "tok-new"}
	}
	api.attend = func(string, map[string]any) (int, any) {
		return http.StatusUnauthorized, map[string]any{"message": "expired"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancels the caller's context once the 401 has been fully received.
	transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		resp, err := http.DefaultTransport.RoundTrip(r)
		if err != nil || resp.StatusCode != http.StatusUnauthorized {
			return resp, err
		}
		raw, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}
		resp.Body = io.NopCloser(bytes.NewReader(raw))
		cancel()
		return resp, nil
	})

	c := newClient(t, srv, func(cfg *hrapi.Config) {
		cfg.HTTPClient = &http.Client{Transport: transport}
	})
	_, err := c.Login(context.Background(), domain.Payload{"phone": "1", "password": "p"})
	require.NoError(t, err)

	_, err = c.PunchIn(ctx, nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.RemoteNetworkFailure, domain.ClassifyRemote(err))

	for _, h := range api.recorded() {
		assert.NotEqual(t, "/auth/refresh-token", h.path, "no refresh after the caller gave up")
	}
}

func TestAttendance_401WithoutRefreshIsAuthFailure(t *testing.T) {
	t.Parallel()

	api, srv := newFakeAPI(t)
	api.login = func(map[string]any) (int, any) { return http.StatusOK, map[string]any{"token": "tok"} }
	api.attend = func(string, map[string]any) (int, any) {
		return http.StatusUnauthorized, map[string]any{"message": "expired"}
	}

	c := newClient(t, srv)
	_, err := c.Login(context.Background(), domain.Payload{"phone": "1", "password": "p"})
	require.NoError(t, err)

	_, err = c.BreakStart(context.Background(), nil)
	require.ErrorIs(t, err, domain.ErrAuthFailure)
	assert.Len(t, api.recorded(), 2, "no resend without a refresh token")
}

func TestLogout_ClearsTokens(t *testing.T) {
	t.Parallel()

	api, srv := newFakeAPI(t)
	api.login = okLogin("tok")

	c := newClient(t, srv)
	_, err := c.Login(context.Background(), domain.Payload{"phone": "1", "password": "p"})
	require.NoError(t, err)

	c.Logout()
	_, ok := c.Identity()
	assert.False(t, ok)

	_, err = c.PunchOut(context.Background(), nil)
	require.ErrorIs(t, err, hrapi.ErrNotLoggedIn)
}

func TestCall_UnknownAction(t *testing.T) {
	t.Parallel()

	_, srv := newFakeAPI(t)
	_, err := newClient(t, srv).Call(domain.ActionLogout)
	require.ErrorIs(t, err, domain.ErrUnknownAction)
}
