package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/beam-cloud/orchfs/pkg/types"
)

const defaultRevokeAfter = 10 * time.Minute

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Token       string `json:"token"`
	TokenType   string `json:"token_type"`
}

// TokenSource hands out the session's bearer token. Concurrent callers that
// find no valid token share a single credential exchange.
type TokenSource struct {
	client      *Client
	username    string
	password    string
	revokeAfter time.Duration

	mu    sync.Mutex
	token *oauth2.Token
	timer *time.Timer
	group singleflight.Group
}

func newTokenSource(c *Client, username, password string, revokeAfter time.Duration) *TokenSource {
	if revokeAfter <= 0 {
		revokeAfter = defaultRevokeAfter
	}
	return &TokenSource{
		client:      c,
		username:    username,
		password:    password,
		revokeAfter: revokeAfter,
	}
}

func (ts *TokenSource) cached() *oauth2.Token {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token.Valid() {
		return ts.token
	}
	return nil
}

// Token returns the cached token or performs the credential exchange.
func (ts *TokenSource) Token(ctx context.Context) (*oauth2.Token, error) {
	if tok := ts.cached(); tok != nil {
		return tok, nil
	}

	v, err, _ := ts.group.Do("token", func() (any, error) {
		if tok := ts.cached(); tok != nil {
			return tok, nil
		}
		return ts.exchange(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	return v.(*oauth2.Token), nil
}

func (ts *TokenSource) exchange(ctx context.Context) (*oauth2.Token, error) {
	body, err := json.Marshal(tokenRequest{Username: ts.username, Password: ts.password})
	if err != nil {
		return nil, err
	}

	resp, err := ts.client.Call(ctx, Request{
		Op:       "auth.token",
		Method:   http.MethodPost,
		Endpoint: "/token",
		Body:     body,
		Auth:     true,
	})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		log.Error().Int("status", resp.Status).Str("user", ts.username).Msg("authentication failed")
		return nil, fmt.Errorf("%w: %w", types.ErrUnauthenticated, resp.Err("auth.token"))
	}

	var out tokenResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %v", types.ErrUnauthenticated, err)
	}
	bearer := out.AccessToken
	if bearer == "" {
		bearer = out.Token
	}
	if bearer == "" {
		return nil, fmt.Errorf("%w: server returned an empty token", types.ErrUnauthenticated)
	}

	now := time.Now()
	expiry := now.Add(ts.revokeAfter)
	if exp, ok := jwtExpiry(bearer); ok && exp.Before(expiry) {
		expiry = exp
	}
	tok := &oauth2.Token{AccessToken: bearer, TokenType: out.TokenType, Expiry: expiry}

	ts.mu.Lock()
	if ts.timer != nil {
		ts.timer.Stop()
	}
	ts.token = tok
	ts.timer = time.AfterFunc(time.Until(expiry), func() { ts.expire(tok) })
	ts.mu.Unlock()

	log.Debug().Str("user", ts.username).Time("expiry", expiry).Msg("acquired token")
	return tok, nil
}

// jwtExpiry reads the exp claim of a JWT bearer without verifying it.
func jwtExpiry(bearer string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(bearer, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// expire revokes tok if it is still the current token.
func (ts *TokenSource) expire(tok *oauth2.Token) {
	ts.mu.Lock()
	current := ts.token == tok
	ts.mu.Unlock()
	if current {
		ts.Revoke(context.Background())
	}
}

// Revoke drops the cached token and asks the server to revoke it. It never
// fails: errors are logged and a following Token call starts a new exchange.
func (ts *TokenSource) Revoke(ctx context.Context) {
	ts.mu.Lock()
	tok := ts.token
	ts.token = nil
	if ts.timer != nil {
		ts.timer.Stop()
		ts.timer = nil
	}
	ts.mu.Unlock()

	if tok == nil {
		return
	}

	body, _ := json.Marshal(map[string]string{"token": tok.AccessToken})
	resp, err := ts.client.Call(ctx, Request{
		Op:       "auth.revocation",
		Method:   http.MethodPost,
		Endpoint: "/revocation",
		Body:     body,
		Auth:     true,
		token:    tok,
	})
	if err != nil {
		log.Warn().Err(err).Msg("token revocation failed")
		return
	}
	if !resp.OK() {
		log.Warn().Int("status", resp.Status).Msg("token revocation refused")
		return
	}
	log.Debug().Str("user", ts.username).Msg("revoked token")
}
