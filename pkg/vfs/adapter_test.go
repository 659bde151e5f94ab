package vfs

import (
	"context"
	"errors"
	"io/fs"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/orchfs/internal/fakeserver"
	"github.com/beam-cloud/orchfs/pkg/common"
	"github.com/beam-cloud/orchfs/pkg/remote"
	"github.com/beam-cloud/orchfs/pkg/types"
)

type recordingHost struct {
	mu    sync.Mutex
	paths []string
}

func (h *recordingHost) RefreshDecorations(paths []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.paths = append(h.paths, paths...)
	return nil
}

func (h *recordingHost) saw(p string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Contains(h.paths, p)
}

type eventLog struct {
	mu     sync.Mutex
	events []ChangeEvent
}

func (l *eventLog) add(e ChangeEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) has(e ChangeEvent) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Contains(l.events, e)
}

func testConfig(srv *fakeserver.Server) types.AppConfig {
	return types.AppConfig{Server: srv.ServerConfig()}
}

func newTestAdapter(t *testing.T, cfg types.AppConfig, opts Options) *Adapter {
	t.Helper()
	a := New(cfg, opts)
	t.Cleanup(func() { a.Close(context.Background()) })
	return a
}

func workflowDef(name string) string {
	return "version: '2.0'\n" + name + ":\n  tasks:\n    start:\n      action: std.noop\n"
}

func actionDef(name string) string {
	return "version: '2.0'\n" + name + ":\n  base: std.echo\n  base-input:\n    output: x\n"
}

func TestListDirectory(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()
	srv.AddWorkflow("wf", workflowDef("wf"))
	srv.AddAction("echo", actionDef("echo"))
	srv.AddTemplate("greet", "hi")

	a := newTestAdapter(t, testConfig(srv), Options{})
	ctx := context.Background()

	root, err := a.ListDirectory(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{
		{Name: "workflows", Type: FileTypeDirectory},
		{Name: "actions", Type: FileTypeDirectory},
		{Name: "templates", Type: FileTypeDirectory},
	}, root)
	assert.Zero(t, srv.APICalls())

	wfs, err := a.ListDirectory(ctx, "/workflows")
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{Name: "wf", Type: FileTypeDirectory}}, wfs)

	// Collection roots are listed from the server every time
	_, err = a.ListDirectory(ctx, "/workflows")
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Calls("GET /workflow"))

	folder, err := a.ListDirectory(ctx, "/workflows/wf")
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{
		{Name: "README.md", Type: FileTypeFile},
		{Name: "wf.json", Type: FileTypeFile},
		{Name: "wf.yaml", Type: FileTypeFile},
	}, folder)

	actions, err := a.ListDirectory(ctx, "/actions")
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{Name: "echo.action", Type: FileTypeFile}}, actions)

	templates, err := a.ListDirectory(ctx, "/templates")
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{Name: "greet.jinja", Type: FileTypeFile}}, templates)

	_, err = a.ListDirectory(ctx, "/actions/echo.action")
	assert.ErrorIs(t, err, types.ErrPermission)
}

func TestTagFilter(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()
	srv.AddWorkflow("public", workflowDef("public"))
	srv.AddWorkflow("secret", workflowDef("secret"), fakeserver.Tags("internal", "beta"))

	cfg := testConfig(srv)
	cfg.Listing.ExcludeTags = []string{"internal"}
	a := newTestAdapter(t, cfg, Options{})
	ctx := context.Background()

	entries, err := a.ListDirectory(ctx, "/workflows")
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{Name: "public", Type: FileTypeDirectory}}, entries)

	st, err := a.Stat(ctx, "/workflows/secret/secret.yaml")
	require.NoError(t, err)
	assert.Equal(t, FileTypeFile, st.Type)
	assert.True(t, a.Decoration("/workflows/secret").Hidden)

	// Dropping the filter shows the workflow without a new session
	cfg.Listing.ExcludeTags = nil
	a.Reconfigure(ctx, cfg)
	entries, err = a.ListDirectory(ctx, "/workflows")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Zero(t, srv.Revocations())
}

func TestStat(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()
	id := srv.AddAction("sealed", actionDef("sealed"), fakeserver.Signed())
	srv.AddWorkflow("wf", workflowDef("wf"))

	a := newTestAdapter(t, testConfig(srv), Options{})
	ctx := context.Background()

	_, err := a.Stat(ctx, "/workflows/loose.yaml")
	assert.ErrorIs(t, err, types.ErrPermission)
	_, err = a.Stat(ctx, "/elsewhere")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Zero(t, srv.APICalls())

	root, err := a.Stat(ctx, "/actions")
	require.NoError(t, err)
	assert.Equal(t, FileTypeDirectory, root.Type)
	assert.Zero(t, srv.APICalls())

	st, err := a.Stat(ctx, "/actions/sealed.action")
	require.NoError(t, err)
	assert.True(t, st.ReadOnly)
	assert.Equal(t, id, st.ID)
	assert.Equal(t, "S", a.Decoration("/actions/sealed.action").Badge)

	folder, err := a.Stat(ctx, "/workflows/wf")
	require.NoError(t, err)
	assert.Equal(t, FileTypeDirectory, folder.Type)

	_, err = a.Stat(ctx, "/actions/missing.action")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, ToFSError(err), fs.ErrNotExist)

	listed, err := a.Stat(ctx, "/actions")
	require.NoError(t, err)
	assert.True(t, listed.Mtime.After(root.Mtime))
	assert.Equal(t, a.current().cache.ListedAt(types.CollectionActions), listed.Mtime)
}

func TestWriteFile(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()
	srv.AddAction("echo", actionDef("echo"))

	a := newTestAdapter(t, testConfig(srv), Options{})
	var log eventLog
	a.Subscribe(log.add)
	ctx := context.Background()

	_, err := a.WriteFile(ctx, "/actions/echo.yaml", []byte(actionDef("echo")), WriteOptions{Create: true, Overwrite: true})
	assert.ErrorIs(t, err, types.ErrPermission)
	assert.Zero(t, srv.APICalls())

	_, err = a.WriteFile(ctx, "/actions/new.action", []byte(actionDef("new")), WriteOptions{Overwrite: true})
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = a.WriteFile(ctx, "/actions/echo.action", []byte(actionDef("echo")), WriteOptions{Create: true})
	assert.ErrorIs(t, err, types.ErrExists)
	assert.Zero(t, srv.MutatingCalls())

	res, err := a.WriteFile(ctx, "/actions/new.action", []byte(actionDef("new")), WriteOptions{Create: true})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, log.has(ChangeEvent{Type: ChangeCreated, Path: "/actions/new.action"}))

	got, err := a.ReadFile(ctx, "/actions/new.action")
	require.NoError(t, err)
	assert.Equal(t, actionDef("new"), string(got))

	_, err = a.WriteFile(ctx, "/actions/echo.action", []byte(actionDef("echo")+"  description: changed\n"), WriteOptions{Overwrite: true})
	require.NoError(t, err)
	assert.True(t, log.has(ChangeEvent{Type: ChangeChanged, Path: "/actions/echo.action"}))
}

func TestWriteFile_StuckInDraft(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()
	srv.AddWorkflow("wf", workflowDef("wf"))

	host := &recordingHost{}
	a := newTestAdapter(t, testConfig(srv), Options{Decorations: host})
	ctx := context.Background()

	srv.FailOn("PUT /workflow/{id}/status", types.StatusPublished, 503)
	_, err := a.WriteFile(ctx, "/workflows/wf/wf.yaml", []byte(workflowDef("wf")+"  description: new\n"), WriteOptions{Overwrite: true})
	require.ErrorIs(t, err, types.ErrStuckInDraft)

	d := a.Decoration("/workflows/wf/wf.yaml")
	assert.True(t, d.Draft)
	assert.Equal(t, "D", d.Badge)
	assert.Eventually(t, func() bool { return host.saw("/workflows/wf/wf.yaml") }, time.Second, 10*time.Millisecond)

	_, err = a.Resume(ctx, "/workflows/wf")
	require.NoError(t, err)
	assert.False(t, a.Decoration("/workflows/wf/wf.yaml").Draft)
}

func TestRename(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()
	id := srv.AddWorkflow("wf", workflowDef("wf"))
	srv.AddTemplate("greet", "hi")

	a := newTestAdapter(t, testConfig(srv), Options{})
	var log eventLog
	a.Subscribe(log.add)
	ctx := context.Background()

	for _, c := range []struct{ from, to string }{
		{"/workflows/wf/README.md", "/workflows/wf/DOCS.md"},
		{"/workflows/wf/wf.yaml", "/workflows/wf/other.yaml"},
		{"/workflows/wf/wf.json", "/workflows/wf/other.json"},
		{"/templates/greet.jinja", "/actions/greet.action"},
		{"/workflows/wf", "/templates/wf.jinja"},
		{"/templates", "/stuff"},
	} {
		err := a.Rename(ctx, c.from, c.to, RenameOptions{})
		assert.Error(t, err, c.from)
		assert.False(t, errors.Is(err, types.ErrUnreachable), c.from)
	}
	assert.Zero(t, srv.APICalls())

	require.NoError(t, a.Rename(ctx, "/workflows/wf", "/workflows/flow", RenameOptions{}))
	assert.True(t, log.has(ChangeEvent{Type: ChangeDeleted, Path: "/workflows/wf"}))
	assert.True(t, log.has(ChangeEvent{Type: ChangeCreated, Path: "/workflows/flow"}))

	st, err := a.Stat(ctx, "/workflows/flow/flow.json")
	require.NoError(t, err)
	assert.Equal(t, id, st.ID)
}

func TestDeleteAndCreateDirectory(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	a := newTestAdapter(t, testConfig(srv), Options{})
	var log eventLog
	a.Subscribe(log.add)
	ctx := context.Background()

	assert.ErrorIs(t, a.CreateDirectory(ctx, "/actions/dir"), types.ErrPermission)
	assert.ErrorIs(t, a.CreateDirectory(ctx, "/workflows/a/b"), types.ErrPermission)
	assert.ErrorIs(t, a.CreateDirectory(ctx, "/workflows/a.b"), types.ErrPermission)
	assert.Zero(t, srv.APICalls())

	require.NoError(t, a.CreateDirectory(ctx, "/workflows/demo1"))
	assert.True(t, log.has(ChangeEvent{Type: ChangeCreated, Path: "/workflows/demo1"}))

	var ids []string
	for _, p := range []string{"/workflows/demo1", "/workflows/demo1/demo1.yaml", "/workflows/demo1/demo1.json", "/workflows/demo1/README.md"} {
		st, err := a.Stat(ctx, p)
		require.NoError(t, err, p)
		ids = append(ids, st.ID)
	}
	assert.Len(t, slices.Compact(ids), 1)

	assert.ErrorIs(t, a.Delete(ctx, "/workflows"), types.ErrPermission)
	assert.ErrorIs(t, a.Delete(ctx, "/workflows/demo1/README.md"), types.ErrPermission)
	assert.ErrorIs(t, a.Delete(ctx, "/workflows/demo1/demo1.yaml"), types.ErrPermission)

	require.NoError(t, a.Delete(ctx, "/workflows/demo1"))
	assert.True(t, log.has(ChangeEvent{Type: ChangeDeleted, Path: "/workflows/demo1"}))
	_, err := a.Stat(ctx, "/workflows/demo1/demo1.yaml")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEventsAcrossSessions(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()
	srv.AddAction("echo", actionDef("echo"))

	rdb, mr, err := common.NewRedisClientForTest()
	require.NoError(t, err)
	defer mr.Close()
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	channel := common.Keys.EventsChannel("test")
	busA := common.NewEventBus(ctx, rdb, channel)
	busB := common.NewEventBus(ctx, rdb, channel)
	go busB.Start()
	require.Eventually(t, func() bool { return mr.PubSubNumSub(channel)[channel] > 0 }, 2*time.Second, 10*time.Millisecond)

	a := newTestAdapter(t, testConfig(srv), Options{Bus: busA})
	b := newTestAdapter(t, testConfig(srv), Options{Bus: busB})

	_, err = b.ListDirectory(ctx, "/actions")
	require.NoError(t, err)
	require.False(t, b.current().cache.ListedAt(types.CollectionActions).IsZero())

	var log eventLog
	b.Subscribe(log.add)

	_, err = a.WriteFile(ctx, "/actions/new.action", []byte(actionDef("new")), WriteOptions{Create: true})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return log.has(ChangeEvent{Type: ChangeCreated, Path: "/actions/new.action"})
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, b.current().cache.ListedAt(types.CollectionActions).IsZero())

	_, err = b.Stat(ctx, "/actions/new.action")
	assert.NoError(t, err)
}

func TestReconfigure(t *testing.T) {
	first := fakeserver.New()
	defer first.Close()
	first.AddAction("one", actionDef("one"))
	second := fakeserver.New()
	defer second.Close()
	second.AddAction("two", actionDef("two"))

	a := newTestAdapter(t, testConfig(first), Options{})
	var log eventLog
	a.Subscribe(log.add)
	ctx := context.Background()

	entries, err := a.ListDirectory(ctx, "/actions")
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{Name: "one.action", Type: FileTypeFile}}, entries)

	a.Reconfigure(ctx, testConfig(second))
	assert.True(t, log.has(ChangeEvent{Type: ChangeChanged, Path: "/"}))
	assert.Equal(t, 1, first.Revocations())

	entries, err = a.ListDirectory(ctx, "/actions")
	require.NoError(t, err)
	assert.Equal(t, []DirEntry{{Name: "two.action", Type: FileTypeFile}}, entries)
	assert.Equal(t, second.ServerConfig(), a.Config().Server)
}

func TestReconfigure_TransportOnly(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()
	srv.AddAction("one", actionDef("one"))

	cfg := testConfig(srv)
	a := newTestAdapter(t, cfg, Options{})
	ctx := context.Background()

	_, err := a.ListDirectory(ctx, "/actions")
	require.NoError(t, err)
	require.Equal(t, 1, srv.Calls("GET /action"))
	journal := a.Manager().Journal()

	cfg.Server.Timeout = 42 * time.Second
	cfg.Server.InsecureSkipVerify = true
	a.Reconfigure(ctx, cfg)

	assert.Equal(t, 42*time.Second, a.Client().Config().Timeout)
	assert.True(t, a.Client().Config().InsecureSkipVerify)
	assert.Equal(t, 1, srv.Revocations())
	assert.Same(t, journal, a.Manager().Journal())

	st, err := a.Stat(ctx, "/actions/one.action")
	require.NoError(t, err)
	assert.Equal(t, FileTypeFile, st.Type)
	assert.Equal(t, 1, srv.Calls("GET /action"))
}

func TestConnectionStatus(t *testing.T) {
	srv := fakeserver.New()

	a := newTestAdapter(t, testConfig(srv), Options{})
	var log eventLog
	a.Subscribe(log.add)
	ctx := context.Background()

	_, err := a.ListDirectory(ctx, "/templates")
	require.NoError(t, err)
	assert.Equal(t, remote.StatusConnected, a.Status())
	assert.Empty(t, a.Decoration("/").Badge)

	srv.Close()
	_, err = a.ListDirectory(ctx, "/templates")
	assert.ErrorIs(t, err, types.ErrUnreachable)
	assert.Equal(t, remote.StatusDisconnected, a.Status())
	assert.True(t, log.has(ChangeEvent{Type: ChangeChanged, Path: "/"}))
	assert.Equal(t, "lost connection to server", a.Decoration("/").Tooltip)
}

func TestToFSError(t *testing.T) {
	assert.NoError(t, ToFSError(nil))

	err := ToFSError(types.NewPermissionError("/x", "no"))
	assert.ErrorIs(t, err, fs.ErrPermission)
	assert.ErrorIs(t, err, types.ErrPermission)

	assert.ErrorIs(t, ToFSError(&types.CloneError{From: "a", To: "b"}), fs.ErrExist)
	assert.ErrorIs(t, ToFSError(&types.ValidationError{Kind: types.KindAction}), fs.ErrInvalid)
	assert.ErrorIs(t, ToFSError(types.ErrUnauthenticated), fs.ErrPermission)

	unreachable := ToFSError(types.ErrUnreachable)
	assert.ErrorIs(t, unreachable, types.ErrUnreachable)
	assert.NotErrorIs(t, unreachable, fs.ErrNotExist)
}

func TestVirtualFiles(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()
	srv.AddWorkflow("wf", workflowDef("wf"))
	srv.AddAction("echo", actionDef("echo"), fakeserver.Signed())

	a := newTestAdapter(t, testConfig(srv), Options{})
	ctx := context.Background()

	files, err := a.ListVirtualFiles(ctx, "/actions")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "echo.action", files[0].Name)
	assert.Equal(t, "/actions/echo.action", files[0].Path)
	assert.Equal(t, types.KindAction, files[0].Kind)
	assert.True(t, files[0].IsReadOnly)
	assert.Equal(t, "S", files[0].Badge)

	wf, err := a.VirtualFile(ctx, "/workflows/wf")
	require.NoError(t, err)
	assert.True(t, wf.IsFolder)
	assert.Equal(t, types.KindWorkflowFolder, wf.Kind)
	assert.NotEmpty(t, wf.ID)

	root, err := a.VirtualFile(ctx, "/")
	require.NoError(t, err)
	assert.Equal(t, "", root.Name)
	assert.True(t, root.IsFolder)

	_, err = a.VirtualFile(ctx, "/workflows/missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
