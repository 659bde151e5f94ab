package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	apiv1 "github.com/beam-cloud/orchfs/pkg/api/v1"
	"github.com/beam-cloud/orchfs/pkg/lifecycle"
	"github.com/beam-cloud/orchfs/pkg/types"
)

// apiClient talks to the HTTP API of a running mount, for operations that
// need that session's state.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(cfg types.APIConfig) (*apiClient, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("api.addr is empty, cannot reach the running mount")
	}
	base := cfg.Addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{
		base:  strings.TrimSuffix(base, "/") + apiv1.HttpServerBaseRoute,
		token: cfg.Token,
		http:  &http.Client{Timeout: defaultCommandTimeout},
	}, nil
}

func (c *apiClient) do(ctx context.Context, method, route string, query url.Values, out any) error {
	u := c.base + route
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return fmt.Errorf("no orchfs mount is serving %s", c.base)
		}
		return err
	}
	defer resp.Body.Close()

	var body struct {
		apiv1.Response
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("unexpected answer from %s (%s)", c.base, resp.Status)
	}
	if !body.Success {
		return errorForStatus(resp.StatusCode, body.Error, body.Details)
	}
	if out != nil && len(body.Data) > 0 {
		return json.Unmarshal(body.Data, out)
	}
	return nil
}

// errorForStatus turns an API error answer back into the matching orchfs error.
func errorForStatus(code int, msg string, details []string) error {
	var target error
	switch code {
	case http.StatusUnprocessableEntity:
		return &types.ValidationError{Details: details}
	case http.StatusUnauthorized:
		target = types.ErrUnauthenticated
	case http.StatusForbidden:
		target = types.ErrPermission
	case http.StatusNotFound:
		target = types.ErrNotFound
	case http.StatusBadGateway:
		target = types.ErrUnreachable
	case http.StatusConflict:
		if !strings.Contains(msg, lifecycle.ErrNothingToResume.Error()) {
			return errors.New(msg)
		}
		target = lifecycle.ErrNothingToResume
	default:
		return errors.New(msg)
	}
	return fmt.Errorf("%s: %w", msg, target)
}

func withAPIClient(fn func(ctx context.Context, c *apiClient) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := newAPIClient(cfg.API)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return fn(ctx, c)
}
