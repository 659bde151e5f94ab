package apiv1

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vfs"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

// maxWriteSize bounds a single write body.
const maxWriteSize = 8 << 20

// FilesystemGroup serves the host contract over HTTP.
type FilesystemGroup struct {
	routerGroup *echo.Group
	fs          *vfs.Adapter
}

func NewFilesystemGroup(routerGroup *echo.Group, fs *vfs.Adapter) *FilesystemGroup {
	g := &FilesystemGroup{routerGroup: routerGroup, fs: fs}
	g.registerRoutes()
	return g
}

func (g *FilesystemGroup) registerRoutes() {
	g.routerGroup.GET("/list", g.List)
	g.routerGroup.GET("/stat", g.Stat)
	g.routerGroup.GET("/read", g.Read)
	g.routerGroup.PUT("/write", g.Write)
	g.routerGroup.POST("/rename", g.Rename)
	g.routerGroup.DELETE("/delete", g.Delete)
	g.routerGroup.POST("/mkdir", g.Mkdir)
	g.routerGroup.POST("/resume", g.Resume)
	g.routerGroup.GET("/pending", g.Pending)
	g.routerGroup.POST("/refresh", g.Refresh)
	g.routerGroup.GET("/decoration", g.Decoration)
	g.routerGroup.GET("/events", g.Events)
}

// List returns directory contents as VirtualFile entries
func (g *FilesystemGroup) List(c echo.Context) error {
	p := pathParam(c)
	entries, err := g.fs.ListVirtualFiles(c.Request().Context(), p)
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, types.VirtualFileListResponse{Path: p, Entries: entries})
}

// Stat returns file/directory info as VirtualFile
func (g *FilesystemGroup) Stat(c echo.Context) error {
	vf, err := g.fs.VirtualFile(c.Request().Context(), pathParam(c))
	if err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, vf)
}

func contentType(p string) string {
	switch path.Ext(p) {
	case ".json":
		return echo.MIMEApplicationJSONCharsetUTF8
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".yaml", ".action":
		return "application/yaml; charset=utf-8"
	default:
		return echo.MIMETextPlainCharsetUTF8
	}
}

// Read returns the raw content, always fetched from the server.
func (g *FilesystemGroup) Read(c echo.Context) error {
	p := pathParam(c)
	data, err := g.fs.ReadFile(c.Request().Context(), p)
	if err != nil {
		return ErrorFrom(c, err)
	}
	return c.Blob(http.StatusOK, contentType(p), data)
}

// WriteResult describes where a write ended up.
type WriteResult struct {
	Path    string `json:"path"`
	ID      string `json:"id,omitempty"`
	Created bool   `json:"created"`
	SavedAs bool   `json:"saved_as,omitempty"`
}

// Write stores the request body at path. create and overwrite default to true.
func (g *FilesystemGroup) Write(c echo.Context) error {
	p := pathParam(c)
	data, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWriteSize+1))
	if err != nil {
		return ErrorResponse(c, http.StatusBadRequest, "failed to read body")
	}
	if len(data) > maxWriteSize {
		return ErrorResponse(c, http.StatusRequestEntityTooLarge, fmt.Sprintf("body exceeds %d bytes", maxWriteSize))
	}

	opts := vfs.WriteOptions{
		Create:    boolParam(c, "create", true),
		Overwrite: boolParam(c, "overwrite", true),
	}
	res, err := g.fs.WriteFile(c.Request().Context(), p, data, opts)
	if err != nil {
		return ErrorFrom(c, err)
	}

	out := WriteResult{Path: res.Target.Path, Created: res.Created, SavedAs: res.SavedAs}
	if res.Handle != nil {
		out.ID = res.Handle.ID
	}
	return SuccessResponse(c, out)
}

type renameRequest struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Overwrite bool   `json:"overwrite"`
}

func (g *FilesystemGroup) Rename(c echo.Context) error {
	var req renameRequest
	if err := c.Bind(&req); err != nil || req.From == "" || req.To == "" {
		return ErrorResponse(c, http.StatusBadRequest, "from and to are required")
	}
	if err := g.fs.Rename(c.Request().Context(), req.From, req.To, vfs.RenameOptions{Overwrite: req.Overwrite}); err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, map[string]string{"path": req.To})
}

func (g *FilesystemGroup) Delete(c echo.Context) error {
	p := pathParam(c)
	if err := g.fs.Delete(c.Request().Context(), p); err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, map[string]string{"path": p})
}

func (g *FilesystemGroup) Mkdir(c echo.Context) error {
	p := pathParam(c)
	if err := g.fs.CreateDirectory(c.Request().Context(), p); err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, map[string]string{"path": p})
}

// Resume finishes a transition that left the resource in draft.
func (g *FilesystemGroup) Resume(c echo.Context) error {
	p := pathParam(c)
	res, err := g.fs.Resume(c.Request().Context(), p)
	if err != nil {
		return ErrorFrom(c, err)
	}
	out := WriteResult{Path: p}
	if res != nil {
		out.Path, out.Created = res.Target.Path, res.Created
		if res.Handle != nil {
			out.ID = res.Handle.ID
		}
	}
	return SuccessResponse(c, out)
}

// PendingResume is a save that stopped with the resource in draft.
type PendingResume struct {
	Path      string    `json:"path"`
	Op        string    `json:"op"`
	Completed string    `json:"completed,omitempty"`
	Remaining []string  `json:"remaining"`
	Started   time.Time `json:"started"`
}

func (g *FilesystemGroup) Pending(c echo.Context) error {
	pending := g.fs.Pending()
	out := make([]PendingResume, 0, len(pending))
	for _, tr := range pending {
		item := PendingResume{
			Path:      vpath.Join(tr.Kind, tr.Name),
			Op:        string(tr.Op),
			Completed: string(tr.Completed()),
			Started:   tr.Started,
		}
		for _, step := range tr.Remaining() {
			item.Remaining = append(item.Remaining, string(step))
		}
		out = append(out, item)
	}
	return SuccessResponse(c, out)
}

func (g *FilesystemGroup) Refresh(c echo.Context) error {
	if err := g.fs.Refresh(c.Request().Context()); err != nil {
		return ErrorFrom(c, err)
	}
	return SuccessResponse(c, nil)
}

func (g *FilesystemGroup) Decoration(c echo.Context) error {
	return SuccessResponse(c, g.fs.Decoration(pathParam(c)))
}

// Events streams change events as server-sent events until the client goes away.
func (g *FilesystemGroup) Events(c echo.Context) error {
	ctx := c.Request().Context()
	events := make(chan vfs.ChangeEvent, 64)
	unsubscribe := g.fs.Subscribe(func(e vfs.ChangeEvent) {
		select {
		case events <- e:
		default:
			log.Warn().Str("path", e.Path).Msg("event stream is full, dropping change event")
		}
	})
	defer unsubscribe()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return nil
			}
			w.Flush()
		}
	}
}
