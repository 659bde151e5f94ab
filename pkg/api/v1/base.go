package apiv1

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/orchfs/pkg/common"
	"github.com/beam-cloud/orchfs/pkg/lifecycle"
	"github.com/beam-cloud/orchfs/pkg/types"
)

const (
	HttpServerBaseRoute string = "/api/v1"
	HttpServerRootRoute string = ""
)

// Response is a standard API response structure
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	// Details carries server-side validation messages.
	Details []string `json:"details,omitempty"`
}

// SuccessResponse returns a successful response
func SuccessResponse(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// ErrorResponse returns an error response
func ErrorResponse(c echo.Context, code int, message string) error {
	return c.JSON(code, Response{
		Success: false,
		Error:   message,
	})
}

// StatusFor maps an orchfs error to the HTTP status reported to API callers.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, types.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrExists), errors.Is(err, types.ErrCloneExists), errors.Is(err, types.ErrStuckInDraft),
		errors.Is(err, lifecycle.ErrNothingToResume):
		return http.StatusConflict
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, common.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, types.ErrUnreachable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ErrorFrom writes err with its mapped status and, for validation failures,
// the server's messages.
func ErrorFrom(c echo.Context, err error) error {
	code := StatusFor(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request().URL.Path).Msg("request failed")
	}

	resp := Response{Success: false, Error: err.Error()}
	var verr *types.ValidationError
	if errors.As(err, &verr) {
		resp.Details = verr.Details
	}
	return c.JSON(code, resp)
}

// boolParam parses a query flag, falling back to def when absent or malformed.
func boolParam(c echo.Context, name string, def bool) bool {
	v, err := strconv.ParseBool(c.QueryParam(name))
	if err != nil {
		return def
	}
	return v
}

func pathParam(c echo.Context) string {
	p := c.QueryParam("path")
	if p == "" {
		return "/"
	}
	return p
}
