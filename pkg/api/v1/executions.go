package apiv1

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vfs"
)

// ExecutionsGroup runs workflows and validates definitions against the
// server the filesystem is connected to.
type ExecutionsGroup struct {
	routerGroup *echo.Group
	fs          *vfs.Adapter
}

func NewExecutionsGroup(routerGroup *echo.Group, fs *vfs.Adapter) *ExecutionsGroup {
	g := &ExecutionsGroup{routerGroup: routerGroup, fs: fs}
	g.registerRoutes()
	return g
}

func (g *ExecutionsGroup) registerRoutes() {
	g.routerGroup.POST("/workflows/:name/run", g.Run)
	g.routerGroup.GET("/workflows/:name/last-run", g.LastRun)
	g.routerGroup.GET("/tasks/:id", g.Task)
	g.routerGroup.POST("/validate", g.Validate)
}

// Run starts a workflow. The request body, if any, is the workflow input.
func (g *ExecutionsGroup) Run(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWriteSize))
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "failed to read body")
	}

	var input json.RawMessage
	if len(body) > 0 {
		if !json.Valid(body) {
			return ErrorResponse(c, http.StatusBadRequest, "input must be JSON")
		}
		input = body
	}

	exec, err := g.fs.Manager().Run(c.Request().Context(), c.Param("name"), input)
	if err != nil {
		return ErrorFrom(c, err)
	}
	return c.JSON(http.StatusCreated, Response{Success: true, Data: exec})
}

func (g *ExecutionsGroup) LastRun(c echo.Context) error {
	exec, err := g.fs.Manager().LastRun(c.Request().Context(), c.Param("name"))
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, exec)
}

func (g *ExecutionsGroup) Task(c echo.Context) error {
	task, err := g.fs.Manager().Task(c.Request().Context(), c.Param("id"))
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, task)
}

type validateResponse struct {
	Kind      types.ResourceKind `json:"kind"`
	Name      string             `json:"name,omitempty"`
	Heuristic bool               `json:"heuristic,omitempty"`
}

// Validate checks the body remotely. kind is optional except for templates.
func (g *ExecutionsGroup) Validate(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWriteSize))
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "failed to read body")
	}

	kind := types.ResourceKind(c.QueryParam("kind"))
	switch kind {
	case "", types.KindWorkflow, types.KindAction, types.KindTemplate:
	default:
		return ErrorResponse(c, http.StatusBadRequest, "kind must be workflow, action or template")
	}

	cls, err := g.fs.Manager().Validate(c.Request().Context(), kind, body)
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, validateResponse{Kind: cls.Kind, Name: cls.Name, Heuristic: cls.Heuristic})
}
