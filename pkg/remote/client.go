package remote

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/beam-cloud/orchfs/pkg/types"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultAuthPort = 30603

	authPathPrefix = "/crosswork/rest-gateway/v1/auth"
	versionPath    = "/api/version"

	requestIDHeader = "X-Request-ID"
)

// Status is the connection state shown to the user.
type Status string

const (
	StatusUnknown         Status = "unknown"
	StatusConnected       Status = "connected"
	StatusDisconnected    Status = "disconnected"
	StatusUnauthenticated Status = "unauthenticated"
)

// Request describes one outbound call.
type Request struct {
	// Op names the call in logs, metrics and errors, e.g. "workflow.validate".
	Op       string
	Method   string
	Endpoint string
	Query    url.Values
	Body     []byte
	Header   http.Header

	// Auth routes the call to the credential endpoints on the auth port.
	// Auth calls only carry a token when one is set explicitly.
	Auth bool
	// Raw skips the API prefix, the endpoint is used as is on the primary port.
	Raw bool

	token *oauth2.Token
}

// Response is a fully read HTTP answer. Non-2xx answers are returned as is.
type Response struct {
	Status    int
	Header    http.Header
	Body      []byte
	RequestID string
}

func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Err converts a non-ok response into a *types.RemoteError for op.
func (r *Response) Err(op string) error {
	if r.OK() {
		return nil
	}
	body := strings.TrimSpace(string(r.Body))
	if len(body) > 512 {
		body = body[:512]
	}
	return &types.RemoteError{Op: op, Status: r.Status, Body: body}
}

// Client is the single choke point for calls to the workflow server. It owns
// the session state: token, resolved API version and connection status.
type Client struct {
	cfg        types.ServerConfig
	httpClient *http.Client
	tokens     *TokenSource

	versionMu    sync.Mutex
	version      string
	apiPrefix    string
	versionGroup singleflight.Group

	statusMu sync.RWMutex
	status   Status
	onStatus []func(Status)
}

// NewClient builds a client for one server endpoint and credential pair.
func NewClient(cfg types.ServerConfig, tokenCfg types.TokenConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.AuthPort == 0 {
		cfg.AuthPort = defaultAuthPort
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Transport: transport},
		status:     StatusUnknown,
	}
	c.tokens = newTokenSource(c, cfg.Username, cfg.Password, tokenCfg.RevokeAfter)

	switch cfg.APIVersion {
	case types.APIVersionV1:
		c.apiPrefix = legacyPrefix
	case types.APIVersionV2:
		c.apiPrefix = currentPrefix
	}
	return c
}

func (c *Client) Config() types.ServerConfig {
	return c.cfg
}

func (c *Client) Tokens() *TokenSource {
	return c.tokens
}

// Close revokes the current token.
func (c *Client) Close(ctx context.Context) {
	c.tokens.Revoke(ctx)
}

// Status returns the last observed connection state.
func (c *Client) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// OnStatusChange registers fn to be called whenever the connection state changes.
func (c *Client) OnStatusChange(fn func(Status)) {
	c.statusMu.Lock()
	c.onStatus = append(c.onStatus, fn)
	c.statusMu.Unlock()
}

func (c *Client) setStatus(s Status) {
	c.statusMu.Lock()
	if c.status == s {
		c.statusMu.Unlock()
		return
	}
	c.status = s
	handlers := append([]func(Status){}, c.onStatus...)
	c.statusMu.Unlock()

	log.Debug().Str("status", string(s)).Str("server", c.cfg.Address).Msg("connection status changed")
	for _, fn := range handlers {
		fn(s)
	}
}

// Call authenticates and dispatches an API request. A transport failure or
// timeout returns a nil response and an error wrapping types.ErrUnreachable.
// HTTP failures are returned as a non-ok response with a nil error.
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	header := req.Header.Clone()
	if header == nil {
		header = http.Header{}
	}

	if !req.Auth {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			if errors.Is(err, types.ErrUnauthenticated) {
				c.setStatus(StatusUnauthenticated)
			}
			return nil, err
		}
		req.token = tok
	}

	endpoint := req.Endpoint
	if !req.Auth && !req.Raw {
		prefix, err := c.APIPrefix(ctx)
		if err != nil {
			return nil, err
		}
		endpoint = prefix + endpoint
	}
	req.Header = header
	return c.do(ctx, endpoint, req)
}

func (c *Client) do(ctx context.Context, endpoint string, req Request) (*Response, error) {
	port := c.cfg.Port
	if req.Auth {
		port = c.cfg.AuthPort
		endpoint = authPathPrefix + endpoint
	}

	target := c.baseURL(port) + endpoint
	if len(req.Query) > 0 {
		target += "?" + req.Query.Encode()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	for k, v := range req.Header {
		httpReq.Header[k] = v
	}
	if req.token != nil {
		req.token.SetAuthHeader(httpReq)
	}
	httpReq.Header.Set("Accept", "application/json")
	if ct := contentType(req.Method, req.Endpoint); ct != "" && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", ct)
	}
	requestID := uuid.NewString()
	httpReq.Header.Set(requestIDHeader, requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err == nil {
		defer resp.Body.Close()
		var data []byte
		data, err = io.ReadAll(resp.Body)
		if err == nil {
			observe(req.Method, req.Op, strconv.Itoa(resp.StatusCode), time.Since(start))
			log.Debug().
				Str("op", req.Op).
				Str("method", req.Method).
				Str("url", target).
				Str("request_id", requestID).
				Int("status", resp.StatusCode).
				Dur("duration", time.Since(start)).
				Msg("remote call")

			if !req.Auth {
				c.setStatus(StatusConnected)
			}
			return &Response{Status: resp.StatusCode, Header: resp.Header, Body: data, RequestID: requestID}, nil
		}
	}

	observe(req.Method, req.Op, "unreachable", time.Since(start))
	c.setStatus(StatusDisconnected)

	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Str("op", req.Op).Str("url", target).Str("request_id", requestID).
			Dur("timeout", c.cfg.Timeout).Msg("request timed out")
	} else {
		log.Warn().Err(err).Str("op", req.Op).Str("url", target).Str("request_id", requestID).
			Msg("request failed")
	}
	return nil, fmt.Errorf("%s %s: %w: %v", req.Method, endpoint, types.ErrUnreachable, err)
}

// baseURL keeps an explicit scheme on the address and defaults to https.
func (c *Client) baseURL(port int) string {
	scheme := "https"
	host := strings.TrimRight(c.cfg.Address, "/")
	if i := strings.Index(host, "://"); i >= 0 {
		scheme, host = host[:i], host[i+3:]
	}
	return scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// contentType picks the body type for an endpoint. Workflow and action
// definitions are posted as YAML text, everything else is JSON.
func contentType(method, endpoint string) string {
	if method != http.MethodPost && method != http.MethodPut {
		return ""
	}
	yamlBody := strings.HasPrefix(endpoint, "/workflow") || strings.HasPrefix(endpoint, "/action")
	if yamlBody && (strings.HasSuffix(endpoint, "/validate") || strings.HasSuffix(endpoint, "/definition")) {
		return "text/plain"
	}
	return "application/json"
}
