package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	legacyPrefix  = "/api/v1"
	currentPrefix = "/api/v2"
)

type versionResponse struct {
	Version string `json:"version"`
}

// APIPrefix returns the path prefix for the server's API generation,
// discovering it on first use unless it was configured.
func (c *Client) APIPrefix(ctx context.Context) (string, error) {
	c.versionMu.Lock()
	prefix := c.apiPrefix
	c.versionMu.Unlock()
	if prefix != "" {
		return prefix, nil
	}

	if _, err := c.Version(ctx); err != nil {
		return "", err
	}
	c.versionMu.Lock()
	defer c.versionMu.Unlock()
	return c.apiPrefix, nil
}

// Version returns the server version reported by /api/version. An
// unparsable answer or a missing endpoint selects the legacy API. Other
// failures are returned and leave the version unresolved.
func (c *Client) Version(ctx context.Context) (string, error) {
	c.versionMu.Lock()
	if c.version != "" {
		v := c.version
		c.versionMu.Unlock()
		return v, nil
	}
	c.versionMu.Unlock()

	v, err, _ := c.versionGroup.Do("version", func() (any, error) {
		resp, err := c.Call(context.WithoutCancel(ctx), Request{
			Op:       "version",
			Method:   http.MethodGet,
			Endpoint: versionPath,
			Raw:      true,
		})
		if err != nil {
			return "", err
		}

		version := "unknown"
		switch {
		case resp.OK():
			var out versionResponse
			if json.Unmarshal(resp.Body, &out) == nil && out.Version != "" {
				version = out.Version
			}
		case resp.Status == http.StatusNotFound:
			// Servers before the version endpoint existed.
		default:
			return "", resp.Err("version")
		}

		prefix := legacyPrefix
		if major(version) >= 2 {
			prefix = currentPrefix
		}

		c.versionMu.Lock()
		c.version = version
		if c.apiPrefix == "" {
			c.apiPrefix = prefix
		}
		c.versionMu.Unlock()

		log.Info().Str("version", version).Str("prefix", prefix).Str("server", c.cfg.Address).Msg("resolved server version")
		return version, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func major(version string) int {
	version = strings.TrimPrefix(strings.TrimSpace(version), "v")
	head, _, _ := strings.Cut(version, ".")
	n, err := strconv.Atoi(head)
	if err != nil {
		return 0
	}
	return n
}
