package hrapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/gosuda/punchclock/internal/domain"
)

// Identity is what the client learned about the signed-in user.
type Identity struct {
	UserID    string
	ClientID  string
	ExpiresAt time.Time // zero when the token carries no expiry
}

// Login signs in with the "phone" field of req and either its "password" or
// a one-time code under "otp" (see RequestOTP). It returns a summary of the
// session; the tokens themselves stay inside the client.
func (c *Client) Login(ctx context.Context, req domain.Payload) (domain.Payload, error) {
	phone := normalizePhone(req.String("phone"))
	password := req.String("password")
	otp := strings.TrimSpace(req.String("otp"))

	path, body := pathLogin, map[string]string{"phone": phone, "password": password}
	switch {
	case phone == "":
		return nil, &domain.RemoteError{Kind: domain.RemoteValidationFailure, Message: ErrMissingPhone.Error(), Err: ErrMissingPhone}
	case password == "" && otp != "":
		path, body = pathVerifyOTP, map[string]string{"phone": phone, "otp": otp}
	case password == "":
		return nil, &domain.RemoteError{Kind: domain.RemoteValidationFailure, Message: ErrMissingPass.Error(), Err: ErrMissingPass}
	}

	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   path,
		body:   body,
	})
	if err != nil {
		return nil, err
	}

	grant := parseGrant(resp, c.now())
	if grant.token.AccessToken == "" {
		return nil, &domain.RemoteError{Kind: domain.RemoteUnknownError, Message: ErrNoAccessToken.Error(), Err: ErrNoAccessToken}
	}
	c.tokens.set(grant.token)

	id := Identity{
		UserID:    grant.userID,
		ClientID:  c.clientID,
		ExpiresAt: grant.token.Expiry,
	}
	if id.UserID == "" {
		id.UserID = grant.claims.userID
	}
	if id.ClientID == "" {
		id.ClientID = grant.claims.clientID
	}
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()

	summary := domain.Payload{
		"user_id":       id.UserID,
		"client_id":     id.ClientID,
		"token_preview": preview(grant.token.AccessToken),
		"token_length":  len(grant.token.AccessToken),
	}
	if !id.ExpiresAt.IsZero() {
		summary["expires_at"] = id.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return summary, nil
}

// RequestOTP asks the API to send a one-time login code to the "phone" field
// of req.
func (c *Client) RequestOTP(ctx context.Context, req domain.Payload) (domain.Payload, error) {
	phone := normalizePhone(req.String("phone"))
	if phone == "" {
		return nil, &domain.RemoteError{Kind: domain.RemoteValidationFailure, Message: ErrMissingPhone.Error(), Err: ErrMissingPhone}
	}

	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   pathRequestOTP,
		body:   map[string]string{"phone": phone},
	})
	if err != nil {
		return nil, err
	}
	msg := stringOf(resp["message"])
	if msg == "" {
		msg = "OTP sent"
	}
	return domain.Payload{"message": clip(msg)}, nil
}

// Logout forgets the session's tokens. It makes no request.
func (c *Client) Logout() {
	c.tokens.clear()
	c.mu.Lock()
	c.identity = Identity{}
	c.mu.Unlock()
}

// Identity returns the signed-in user, if any.
func (c *Client) Identity() (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity, c.tokens.loggedIn()
}

// refresh exchanges a refresh token for a new access token.
func (c *Client) refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	resp, err := c.do(ctx, request{
		method: http.MethodPost,
		path:   pathRefresh,
		body:   map[string]string{"refresh_token": refreshToken},
	})
	if err != nil {
		return nil, err
	}
	grant := parseGrant(resp, c.now())
	if grant.token.AccessToken == "" {
		return nil, &domain.RemoteError{Kind: domain.RemoteAuthFailure, Message: ErrNoAccessToken.Error(), Err: ErrNoAccessToken}
	}
	return grant.token, nil
}

func normalizePhone(s string) string {
	return strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(s))
}

func preview(token string) string {
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:6] + "…"
}

// ---------------------------------------------------------------------------
// Token grant parsing
// ---------------------------------------------------------------------------

type grant struct {
	token  *oauth2.Token
	userID string
	claims tokenClaims
}

// parseGrant reads tokens from a login or refresh answer. The API nests them
// under "data", "result" or "response" depending on the endpoint version.
func parseGrant(resp domain.Payload, now time.Time) grant {
	source := map[string]any(resp)
	for _, k := range []string{"data", "result", "response"} {
		if nested, ok := resp[k].(map[string]any); ok {
			source = nested
			break
		}
	}
	lookup := func(keys ...string) any {
		for _, m := range []map[string]any{source, resp} {
			for _, k := range keys {
				if v, ok := m[k]; ok && v != nil && v != "" {
					return v
				}
			}
		}
		return nil
	}

	tok := &oauth2.Token{
		AccessToken:  stringOf(lookup("access_token", "token", "accessToken")),
		RefreshToken: stringOf(lookup("refresh_token", "refreshToken")),
		TokenType:    "Bearer",
	}
	claims := parseClaims(tok.AccessToken)
	if secs, ok := lookup("expires_in", "expiresIn").(float64); ok && secs > 0 {
		tok.Expiry = now.Add(time.Duration(secs * float64(time.Second)))
	} else {
		tok.Expiry = claims.expiresAt
	}

	return grant{
		token:  tok,
		userID: stringOf(lookup("user_id", "userId")),
		claims: claims,
	}
}

type tokenClaims struct {
	userID    string
	clientID  string
	expiresAt time.Time
}

// parseClaims reads identity claims from an access token without verifying
// it. The API's signing key is not ours; the server validates the token.
func parseClaims(token string) tokenClaims {
	if token == "" {
		return tokenClaims{}
	}
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return tokenClaims{}
	}

	var out tokenClaims
	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.expiresAt = exp.Time
	}
	for _, k := range []string{"user_id", "userId", "sub"} {
		if s := stringOf(mc[k]); s != "" {
			out.userID = s
			break
		}
	}
	for _, k := range []string{"client_id", "clientId", "client"} {
		if s := stringOf(mc[k]); s != "" {
			out.clientID = s
			break
		}
	}
	return out
}

func stringOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

// ---------------------------------------------------------------------------
// Token store
// ---------------------------------------------------------------------------

// tokenStore holds the session's bearer token. Lookups go through an
// oauth2.ReuseTokenSource so an expired token is refreshed with the
// caller's context.
type tokenStore struct {
	fetch func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

	renewMu sync.Mutex // one refresh at a time

	mu           sync.Mutex
	tok          *oauth2.Token
	refreshToken string
	gen          uint64 // bumped by set and clear
}

func newTokenStore(fetch func(context.Context, string) (*oauth2.Token, error)) *tokenStore {
	return &tokenStore{fetch: fetch}
}

func (s *tokenStore) set(tok *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = tok
	s.refreshToken = tok.RefreshToken
	s.gen++
}

func (s *tokenStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok = nil
	s.refreshToken = ""
	s.gen++
}

func (s *tokenStore) loggedIn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok != nil
}

// Token returns a valid access token, refreshing an expired one.
func (s *tokenStore) Token(ctx context.Context) (*oauth2.Token, error) {
	return s.obtain(ctx, false)
}

// forceRefresh drops the cached access token, used when the server rejects
// a token that still looks valid locally.
func (s *tokenStore) forceRefresh(ctx context.Context) error {
	_, err := s.obtain(ctx, true)
	return err
}

func (s *tokenStore) obtain(ctx context.Context, force bool) (*oauth2.Token, error) {
	s.renewMu.Lock()
	defer s.renewMu.Unlock()

	s.mu.Lock()
	cur, rt, gen := s.tok, s.refreshToken, s.gen
	s.mu.Unlock()
	if cur == nil {
		return nil, ErrNotLoggedIn
	}

	seed := cur
	if force {
		seed = nil
	}
	tok, err := oauth2.ReuseTokenSource(seed, refresher{ctx: ctx, fetch: s.fetch, refreshToken: rt}).Token()
	if err != nil {
		return nil, err
	}
	if tok == cur {
		return tok, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// A logout or a new login during the refresh wins.
	if s.gen != gen {
		if s.tok == nil {
			return nil, ErrNotLoggedIn
		}
		return s.tok, nil
	}
	s.tok = tok
	s.refreshToken = tok.RefreshToken
	return tok, nil
}

// refresher is the oauth2.TokenSource behind the reuse cache.
type refresher struct {
	ctx          context.Context
	fetch        func(context.Context, string) (*oauth2.Token, error)
	refreshToken string
}

func (r refresher) Token() (*oauth2.Token, error) {
	if r.refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	tok, err := r.fetch(r.ctx, r.refreshToken)
	if err != nil {
		return nil, err
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = r.refreshToken
	}
	return tok, nil
}
