package apiv1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/orchfs/internal/fakeserver"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vfs"
)

const testToken = "secret"

type testAPI struct {
	e   *echo.Echo
	srv *fakeserver.Server
	fs  *vfs.Adapter
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	srv := fakeserver.New()
	t.Cleanup(srv.Close)

	fs := vfs.New(types.AppConfig{Server: srv.ServerConfig()}, vfs.Options{})
	t.Cleanup(func() { fs.Close(context.Background()) })

	e := echo.New()
	base := e.Group(HttpServerBaseRoute, NewTokenAuthMiddleware(testToken))
	NewHealthGroup(e.Group("/health"), nil, fs)
	NewFilesystemGroup(base.Group("/fs"), fs)
	NewExecutionsGroup(base.Group(""), fs)

	return &testAPI{e: e, srv: srv, fs: fs}
}

func (a *testAPI) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+testToken)
	if strings.HasPrefix(body, "{") {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, data any) Response {
	t.Helper()
	var raw struct {
		Response
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	if data != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, data))
	}
	return raw.Response
}

func workflowDef(name string) string {
	return "version: '2.0'\n" + name + ":\n  tasks:\n    start:\n      action: std.noop\n"
}

func actionDef(name string) string {
	return "version: '2.0'\n" + name + ":\n  base: std.echo\n  base-input:\n    output: x\n"
}

func TestTokenAuth(t *testing.T) {
	a := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/fs/list", nil)
	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/fs/list", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer wrong")
	rec = httptest.NewRecorder()
	a.e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, http.StatusOK, a.do(http.MethodGet, "/api/v1/fs/list", "").Code)
}

func TestTokenAuth_Disabled(t *testing.T) {
	e := echo.New()
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, NewTokenAuthMiddleware(""))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestListAndStat(t *testing.T) {
	a := newTestAPI(t)
	a.srv.AddWorkflow("wf", workflowDef("wf"))
	a.srv.AddAction("echo", actionDef("echo"), fakeserver.Signed())

	var root types.VirtualFileListResponse
	rec := a.do(http.MethodGet, "/api/v1/fs/list", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &root)
	assert.Equal(t, "/", root.Path)
	require.Len(t, root.Entries, 3)
	assert.Equal(t, "workflows", root.Entries[0].Name)
	assert.True(t, root.Entries[0].IsFolder)

	var actions types.VirtualFileListResponse
	decode(t, a.do(http.MethodGet, "/api/v1/fs/list?path=/actions", ""), &actions)
	require.Len(t, actions.Entries, 1)
	echoFile := actions.Entries[0]
	assert.Equal(t, "echo.action", echoFile.Name)
	assert.Equal(t, types.KindAction, echoFile.Kind)
	assert.True(t, echoFile.IsReadOnly)
	assert.Equal(t, "S", echoFile.Badge)
	assert.NotEmpty(t, echoFile.ID)

	var wf types.VirtualFile
	rec = a.do(http.MethodGet, "/api/v1/fs/stat?path=/workflows/wf", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &wf)
	assert.True(t, wf.IsFolder)
	assert.Equal(t, types.KindWorkflowFolder, wf.Kind)

	rec = a.do(http.MethodGet, "/api/v1/fs/stat?path=/workflows/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decode(t, rec, nil).Success)

	rec = a.do(http.MethodGet, "/api/v1/fs/list?path=/actions/echo.action", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestReadWrite(t *testing.T) {
	a := newTestAPI(t)
	a.srv.AddAction("echo", actionDef("echo"))

	rec := a.do(http.MethodGet, "/api/v1/fs/read?path=/actions/echo.action", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, actionDef("echo"), rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentType), "yaml")

	var res WriteResult
	rec = a.do(http.MethodPut, "/api/v1/fs/write?path=/actions/new.action", actionDef("new"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &res)
	assert.True(t, res.Created)
	assert.Equal(t, "/actions/new.action", res.Path)
	assert.NotEmpty(t, res.ID)

	_, ok := a.srv.Lookup(types.KindAction, "new")
	assert.True(t, ok)

	rec = a.do(http.MethodPut, "/api/v1/fs/write?path=/actions/echo.action&overwrite=false", actionDef("echo"))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = a.do(http.MethodPut, "/api/v1/fs/write?path=/actions/other.action&create=false", actionDef("other"))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestWrite_ValidationDetails(t *testing.T) {
	a := newTestAPI(t)
	a.srv.AddAction("echo", actionDef("echo"))

	rec := a.do(http.MethodPut, "/api/v1/fs/write?path=/actions/echo.action", actionDef("echo")+"# "+fakeserver.InvalidMarker+"\n")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decode(t, rec, nil)
	require.NotEmpty(t, resp.Details)
	assert.Contains(t, resp.Details[0], fakeserver.InvalidMarker)
}

func TestRenameDeleteMkdir(t *testing.T) {
	a := newTestAPI(t)
	a.srv.AddWorkflow("wf", workflowDef("wf"))

	rec := a.do(http.MethodPost, "/api/v1/fs/mkdir?path=/workflows/demo", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, ok := a.srv.Lookup(types.KindWorkflow, "demo")
	assert.True(t, ok)

	rec = a.do(http.MethodPost, "/api/v1/fs/rename", `{"from":"/workflows/wf","to":"/workflows/flow"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, ok = a.srv.Lookup(types.KindWorkflow, "flow")
	assert.True(t, ok)

	rec = a.do(http.MethodPost, "/api/v1/fs/rename", `{"from":"/workflows/flow"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(http.MethodDelete, "/api/v1/fs/delete?path=/workflows", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = a.do(http.MethodDelete, "/api/v1/fs/delete?path=/workflows/demo", "")
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok = a.srv.Lookup(types.KindWorkflow, "demo")
	assert.False(t, ok)
}

func TestDecorationAndResume(t *testing.T) {
	a := newTestAPI(t)
	a.srv.AddWorkflow("wf", workflowDef("wf"))
	a.srv.FailOn("PUT /workflow/{id}/status", types.StatusPublished, http.StatusServiceUnavailable)

	rec := a.do(http.MethodPut, "/api/v1/fs/write?path=/workflows/wf/wf.yaml", workflowDef("wf")+"  description: new\n")
	assert.Equal(t, http.StatusConflict, rec.Code)

	var d vfs.Decoration
	decode(t, a.do(http.MethodGet, "/api/v1/fs/decoration?path=/workflows/wf/wf.yaml", ""), &d)
	assert.True(t, d.Draft)

	var pending []PendingResume
	decode(t, a.do(http.MethodGet, "/api/v1/fs/pending", ""), &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, "/workflows/wf/wf.yaml", pending[0].Path)
	assert.Equal(t, "update", pending[0].Op)
	assert.Equal(t, "upload", pending[0].Completed)
	assert.Equal(t, []string{"publish"}, pending[0].Remaining)

	rec = a.do(http.MethodPost, "/api/v1/fs/resume?path="+pending[0].Path, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	pending = nil
	decode(t, a.do(http.MethodGet, "/api/v1/fs/pending", ""), &pending)
	assert.Empty(t, pending)

	d = vfs.Decoration{}
	decode(t, a.do(http.MethodGet, "/api/v1/fs/decoration?path=/workflows/wf/wf.yaml", ""), &d)
	assert.False(t, d.Draft)
}

func TestRunAndLastRun(t *testing.T) {
	a := newTestAPI(t)
	a.srv.AddWorkflow("wf", workflowDef("wf"))

	rec := a.do(http.MethodGet, "/api/v1/workflows/wf/last-run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/workflows/wf/run", "{bad")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var exec struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	rec = a.do(http.MethodPost, "/api/v1/workflows/wf/run", `{"who":"me"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	decode(t, rec, &exec)
	assert.NotEmpty(t, exec.ID)
	assert.Equal(t, "COMPLETED", exec.Status)

	var last struct {
		ID string `json:"id"`
	}
	rec = a.do(http.MethodGet, "/api/v1/workflows/wf/last-run", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &last)
	assert.Equal(t, exec.ID, last.ID)

	var task struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decode(t, a.do(http.MethodGet, "/api/v1/tasks/task-1", ""), &task)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, "COMPLETED", task.Status)

	rec = a.do(http.MethodPost, "/api/v1/workflows/missing/run", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidate(t *testing.T) {
	a := newTestAPI(t)

	var cls validateResponse
	rec := a.do(http.MethodPost, "/api/v1/validate", actionDef("echo"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &cls)
	assert.Equal(t, types.KindAction, cls.Kind)
	assert.Equal(t, "echo", cls.Name)
	assert.Equal(t, 1, a.srv.Calls("POST /action/validate"))
	assert.Equal(t, 1, a.srv.MutatingCalls())
	for _, pattern := range []string{"POST /action/definition", "PUT /action/{id}/definition", "PUT /action/{id}/status", "DELETE /action/{id}"} {
		assert.Zero(t, a.srv.Calls(pattern), pattern)
	}

	rec = a.do(http.MethodPost, "/api/v1/validate?kind=workflow", workflowDef("wf")+"# "+fakeserver.InvalidMarker+"\n")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = a.do(http.MethodPost, "/api/v1/validate?kind=view", "{}")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t)

	rec := httptest.NewRecorder()
	a.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	a.srv.Close()
	_, err := a.fs.ListDirectory(context.Background(), "/workflows")
	require.ErrorIs(t, err, types.ErrUnreachable)

	rec = httptest.NewRecorder()
	a.e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disconnected")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{&types.ValidationError{Kind: types.KindAction}, http.StatusUnprocessableEntity},
		{types.ErrPermission, http.StatusForbidden},
		{types.ErrUnauthenticated, http.StatusUnauthorized},
		{types.ErrExists, http.StatusConflict},
		{types.ErrStuckInDraft, http.StatusConflict},
		{types.ErrNotFound, http.StatusNotFound},
		{types.ErrUnreachable, http.StatusBadGateway},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, StatusFor(c.err), "%v", c.err)
	}
}
