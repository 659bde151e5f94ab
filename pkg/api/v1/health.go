package apiv1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/orchfs/pkg/common"
	"github.com/beam-cloud/orchfs/pkg/remote"
	"github.com/beam-cloud/orchfs/pkg/vfs"
)

type HealthGroup struct {
	redisClient *common.RedisClient
	fs          *vfs.Adapter
	routerGroup *echo.Group
}

// NewHealthGroup registers the health check. rdb may be nil when no redis is
// configured.
func NewHealthGroup(g *echo.Group, rdb *common.RedisClient, fs *vfs.Adapter) *HealthGroup {
	group := &HealthGroup{routerGroup: g, redisClient: rdb, fs: fs}

	g.GET("", group.HealthCheck)

	return group
}

func (h *HealthGroup) HealthCheck(c echo.Context) error {
	status := h.fs.Status()
	body := map[string]string{
		"status": "ok",
		"server": string(status),
	}

	if h.redisClient != nil {
		if err := h.redisClient.Ping(c.Request().Context()).Err(); err != nil {
			log.Error().Err(err).Msg("health check failed")
			body["status"] = "not ok"
			body["error"] = err.Error()
			return c.JSON(http.StatusInternalServerError, body)
		}
	}

	switch status {
	case remote.StatusDisconnected, remote.StatusUnauthenticated:
		body["status"] = "not ok"
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return c.JSON(http.StatusOK, body)
}
