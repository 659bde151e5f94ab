package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/orchfs/internal/fakeserver"
	"github.com/beam-cloud/orchfs/pkg/types"
)

func newTestClient(t *testing.T) (*Client, *fakeserver.Server) {
	t.Helper()
	srv := fakeserver.New()
	t.Cleanup(srv.Close)
	return NewClient(srv.ServerConfig(), types.TokenConfig{}), srv
}

func TestTokenSource_SingleFlight(t *testing.T) {
	c, srv := newTestClient(t)
	srv.SetAuthDelay(100 * time.Millisecond)

	const n = 16
	tokens := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := c.Tokens().Token(context.Background())
			if assert.NoError(t, err) {
				tokens[i] = tok.AccessToken
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, srv.TokenExchanges())
	for _, tok := range tokens {
		assert.Equal(t, tokens[0], tok)
	}
}

func TestTokenSource_SharedFailure(t *testing.T) {
	srv := fakeserver.New()
	t.Cleanup(srv.Close)
	srv.SetAuthDelay(50 * time.Millisecond)

	cfg := srv.ServerConfig()
	cfg.Password = "wrong"
	c := NewClient(cfg, types.TokenConfig{})

	const n = 8
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Tokens().Token(context.Background())
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, srv.TokenExchanges())
	for _, err := range errs {
		assert.ErrorIs(t, err, types.ErrUnauthenticated)
	}

	_, err := c.Call(context.Background(), Request{Op: "workflow.list", Method: http.MethodGet, Endpoint: "/workflow"})
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
	assert.Equal(t, StatusUnauthenticated, c.Status())
	assert.Zero(t, srv.APICalls())
}

func TestTokenSource_Revoke(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	// Nothing to revoke yet
	c.Tokens().Revoke(ctx)
	assert.Equal(t, 0, srv.Revocations())

	first, err := c.Tokens().Token(ctx)
	require.NoError(t, err)

	c.Tokens().Revoke(ctx)
	c.Tokens().Revoke(ctx)
	assert.Equal(t, 1, srv.Revocations())

	second, err := c.Tokens().Token(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, 2, srv.TokenExchanges())
}

func TestTokenSource_RevokeFailureIsSwallowed(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	_, err := c.Tokens().Token(ctx)
	require.NoError(t, err)

	srv.FailOn("POST /crosswork/rest-gateway/v1/auth/revocation", "", http.StatusInternalServerError)
	c.Tokens().Revoke(ctx)

	_, err = c.Tokens().Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, srv.TokenExchanges())
}

func TestTokenSource_AutomaticRevocation(t *testing.T) {
	srv := fakeserver.New()
	t.Cleanup(srv.Close)
	c := NewClient(srv.ServerConfig(), types.TokenConfig{RevokeAfter: 50 * time.Millisecond})

	_, err := c.Tokens().Token(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return srv.Revocations() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestTokenSource_JWTExpiryCapsLifetime(t *testing.T) {
	exp := time.Now().Add(30 * time.Minute).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"token": signed})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(serverConfig(t, srv, srv), types.TokenConfig{RevokeAfter: 2 * time.Hour})
	tok, err := c.Tokens().Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, signed, tok.AccessToken)
	assert.WithinDuration(t, exp, tok.Expiry, time.Second)
}

func TestTokenSource_EmptyBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"access_token":""}`))
	}))
	t.Cleanup(srv.Close)

	c := NewClient(serverConfig(t, srv, srv), types.TokenConfig{})
	_, err := c.Tokens().Token(context.Background())
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func serverConfig(t *testing.T, api, auth *httptest.Server) types.ServerConfig {
	t.Helper()
	port := func(s *httptest.Server) int {
		u, err := url.Parse(s.URL)
		require.NoError(t, err)
		p, err := strconv.Atoi(u.Port())
		require.NoError(t, err)
		return p
	}
	return types.ServerConfig{
		Address:    "http://127.0.0.1",
		Port:       port(api),
		AuthPort:   port(auth),
		Username:   "admin",
		Password:   "secret",
		Timeout:    time.Second,
		APIVersion: types.APIVersionV2,
	}
}

func TestCall_AuthUsesAlternatePort(t *testing.T) {
	var mu sync.Mutex
	var authPaths, apiPaths []string
	var apiHeaders http.Header

	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		authPaths = append(authPaths, r.URL.Path)
		mu.Unlock()
		w.Write([]byte(`{"access_token":"abc"}`))
	}))
	t.Cleanup(auth.Close)

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		apiPaths = append(apiPaths, r.URL.Path)
		apiHeaders = r.Header.Clone()
		mu.Unlock()
		w.Write([]byte(`{"valid":true}`))
	}))
	t.Cleanup(api.Close)

	c := NewClient(serverConfig(t, api, auth), types.TokenConfig{})
	resp, err := c.Call(context.Background(), Request{
		Op:       "workflow.validate",
		Method:   http.MethodPost,
		Endpoint: "/workflow/validate",
		Body:     []byte("demo: {}"),
	})
	require.NoError(t, err)
	assert.True(t, resp.OK())

	assert.Equal(t, []string{"/crosswork/rest-gateway/v1/auth/token"}, authPaths)
	assert.Equal(t, []string{"/api/v2/workflow/validate"}, apiPaths)
	assert.Equal(t, "Bearer abc", apiHeaders.Get("Authorization"))
	assert.Equal(t, "text/plain", apiHeaders.Get("Content-Type"))
	assert.Equal(t, "application/json", apiHeaders.Get("Accept"))
	assert.NotEmpty(t, apiHeaders.Get("X-Request-ID"))
	assert.Equal(t, StatusConnected, c.Status())
}

func TestCall_AuthorizationFromToken(t *testing.T) {
	var (
		mu      sync.Mutex
		headers = map[string]string{}
	)
	record := func(r *http.Request) {
		mu.Lock()
		headers[r.URL.Path] = r.Header.Get("Authorization")
		mu.Unlock()
	}
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Write([]byte(`{"access_token":"abc","token_type":"bearer"}`))
	}))
	t.Cleanup(auth.Close)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		record(r)
		w.Write([]byte(`[]`))
	}))
	t.Cleanup(api.Close)

	ctx := context.Background()
	c := NewClient(serverConfig(t, api, auth), types.TokenConfig{})
	resp, err := c.Call(ctx, Request{
		Op:       "workflow.list",
		Method:   http.MethodGet,
		Endpoint: "/workflow",
		Header:   http.Header{"Authorization": {"Basic stale"}},
	})
	require.NoError(t, err)
	require.True(t, resp.OK())
	c.Close(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, headers["/crosswork/rest-gateway/v1/auth/token"])
	assert.Equal(t, "Bearer abc", headers["/api/v2/workflow"])
	assert.Equal(t, "Bearer abc", headers["/crosswork/rest-gateway/v1/auth/revocation"])
}

func TestCall_TimeoutIsUnreachable(t *testing.T) {
	srv := fakeserver.New()
	t.Cleanup(srv.Close)
	srv.SetDelay(300 * time.Millisecond)

	cfg := srv.ServerConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.APIVersion = types.APIVersionV2
	c := NewClient(cfg, types.TokenConfig{})

	var seen []Status
	c.OnStatusChange(func(s Status) { seen = append(seen, s) })

	resp, err := c.Call(context.Background(), Request{Op: "workflow.list", Method: http.MethodGet, Endpoint: "/workflow"})
	assert.Nil(t, resp)
	assert.ErrorIs(t, err, types.ErrUnreachable)
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Contains(t, seen, StatusDisconnected)
}

func TestCall_TransportFailureIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	cfg := serverConfig(t, srv, srv)
	srv.Close()

	c := NewClient(cfg, types.TokenConfig{})
	_, err := c.Call(context.Background(), Request{Op: "workflow.list", Method: http.MethodGet, Endpoint: "/workflow"})
	assert.ErrorIs(t, err, types.ErrUnreachable)
	assert.False(t, errors.Is(err, types.ErrUnauthenticated))
}

func TestCall_HTTPFailureIsResponse(t *testing.T) {
	c, _ := newTestClient(t)

	resp, err := c.Call(context.Background(), Request{Op: "workflow.get-definition", Method: http.MethodGet, Endpoint: "/workflow/missing/definition"})
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.ErrorIs(t, resp.Err("workflow.get-definition"), types.ErrNotFound)
}

func TestContentType(t *testing.T) {
	tests := []struct {
		method   string
		endpoint string
		want     string
	}{
		{http.MethodGet, "/workflow", ""},
		{http.MethodDelete, "/workflow/1", ""},
		{http.MethodPost, "/workflow/validate", "text/plain"},
		{http.MethodPost, "/workflow/definition", "text/plain"},
		{http.MethodPut, "/action/1/definition", "text/plain"},
		{http.MethodPost, "/action/validate", "text/plain"},
		{http.MethodPut, "/workflow/1/status", "application/json"},
		{http.MethodPut, "/workflow/1/readme", "application/json"},
		{http.MethodPost, "/jinja-template/validate", "application/json"},
		{http.MethodPost, "/execution", "application/json"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, contentType(tt.method, tt.endpoint))
		})
	}
}

func TestBaseURL(t *testing.T) {
	c := NewClient(types.ServerConfig{Address: "cwm.example.com", Port: 443}, types.TokenConfig{})
	assert.Equal(t, "https://cwm.example.com:443", c.baseURL(443))
	assert.Equal(t, "https://cwm.example.com:30603", c.baseURL(c.Config().AuthPort))

	c = NewClient(types.ServerConfig{Address: "http://localhost/", Port: 8080}, types.TokenConfig{})
	assert.Equal(t, "http://localhost:8080", c.baseURL(8080))
}

func TestVersion_SelectsPrefix(t *testing.T) {
	t.Run("current", func(t *testing.T) {
		c, srv := newTestClient(t)
		prefix, err := c.APIPrefix(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "/api/v2", prefix)

		_, err = c.APIPrefix(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, srv.Calls("GET /api/version"))
	})

	t.Run("legacy", func(t *testing.T) {
		c, srv := newTestClient(t)
		srv.SetVersion("1.4.2")

		summaries, err := NewAPI(c).List(context.Background(), types.KindWorkflow)
		require.NoError(t, err)
		assert.Empty(t, summaries)

		v, err := c.Version(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "1.4.2", v)
	})

	t.Run("missing endpoint", func(t *testing.T) {
		c, srv := newTestClient(t)
		srv.SetVersion("1.0.0")
		srv.FailOn("GET /api/version", "", http.StatusNotFound)

		prefix, err := c.APIPrefix(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "/api/v1", prefix)
	})

	t.Run("transient failure is not cached", func(t *testing.T) {
		c, srv := newTestClient(t)
		srv.SetVersion("2.1.0")
		srv.FailOn("GET /api/version", "", http.StatusServiceUnavailable)

		_, err := NewAPI(c).List(context.Background(), types.KindWorkflow)
		var rerr *types.RemoteError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, http.StatusServiceUnavailable, rerr.Status)
		assert.NotErrorIs(t, err, types.ErrNotFound)

		srv.AddWorkflow("wf", "version: '2.0'\nwf:\n  tasks: {}\n")
		summaries, err := NewAPI(c).List(context.Background(), types.KindWorkflow)
		require.NoError(t, err)
		assert.Len(t, summaries, 1)

		prefix, err := c.APIPrefix(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "/api/v2", prefix)
		assert.Equal(t, 2, srv.Calls("GET /api/version"))
	})

	t.Run("configured", func(t *testing.T) {
		srv := fakeserver.New()
		t.Cleanup(srv.Close)
		cfg := srv.ServerConfig()
		cfg.APIVersion = types.APIVersionV2
		c := NewClient(cfg, types.TokenConfig{})

		_, err := NewAPI(c).List(context.Background(), types.KindAction)
		require.NoError(t, err)
		assert.Equal(t, 0, srv.Calls("GET /api/version"))
	})
}

func TestMajor(t *testing.T) {
	assert.Equal(t, 2, major("2.1.0"))
	assert.Equal(t, 1, major("v1.9"))
	assert.Equal(t, 0, major("unknown"))
}
