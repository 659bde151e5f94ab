package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/beam-cloud/orchfs/internal/fakeserver"
	"github.com/beam-cloud/orchfs/pkg/common"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vfs"
)

func testConfig(srv *fakeserver.Server) types.AppConfig {
	return types.AppConfig{
		Server: srv.ServerConfig(),
		API:    types.APIConfig{Addr: "127.0.0.1:0", Token: "secret"},
	}
}

func actionDef(name string) string {
	return "version: '2.0'\n" + name + ":\n  base: std.echo\n  base-input:\n    output: x\n"
}

func get(t *testing.T, h http.Handler, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGatewayRoutes(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()
	srv.AddWorkflow("wf", "version: '2.0'\nwf:\n  tasks: {}\n")

	g, err := FromConfig(testConfig(srv))
	require.NoError(t, err)
	require.NoError(t, g.StartAsync())
	defer g.Shutdown()

	h := g.Handler()
	assert.Equal(t, http.StatusOK, get(t, h, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/api/v1/fs/list?path=/workflows", "").Code)

	rec := get(t, h, "/api/v1/fs/list?path=/workflows", "secret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"name":"wf"`)

	metrics := get(t, h, "/metrics", "")
	assert.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), "orchfs_remote_requests_total")
}

func TestGatewayShutdownRevokesToken(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	g, err := FromConfig(testConfig(srv))
	require.NoError(t, err)
	require.NoError(t, g.StartAsync())

	_, err = g.FS.ListDirectory(context.Background(), "/workflows")
	require.NoError(t, err)
	assert.Equal(t, 1, srv.TokenExchanges())

	g.Shutdown()
	assert.Equal(t, 1, srv.Revocations())
}

func TestGatewayRedisEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	srv := fakeserver.New()
	defer srv.Close()
	srv.AddAction("echo", actionDef("echo"))

	cfg := testConfig(srv)
	cfg.API.Addr = ""
	cfg.Lock.Redis = types.RedisConfig{Addrs: []string{mr.Addr()}}
	cfg.Events.Redis = true

	first, err := FromConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, first.RedisClient)
	require.NoError(t, first.StartAsync())
	defer first.Shutdown()

	second, err := FromConfig(cfg)
	require.NoError(t, err)
	require.NoError(t, second.StartAsync())
	defer second.Shutdown()

	channel := common.Keys.EventsChannel(serverKey(cfg.Server))
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(channel)[channel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	seen := make(chan vfs.ChangeEvent, 8)
	second.FS.Subscribe(func(e vfs.ChangeEvent) {
		select {
		case seen <- e:
		default:
		}
	})

	ctx := context.Background()
	_, err = first.FS.WriteFile(ctx, "/actions/new.action", []byte(actionDef("new")), vfs.WriteOptions{Create: true})
	require.NoError(t, err)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-seen:
			if e.Path == "/actions/new.action" {
				assert.Equal(t, vfs.ChangeCreated, e.Type)
				return
			}
		case <-timeout:
			t.Fatal("second session saw no change event")
		}
	}
}

func TestGatewayBadBackupConfig(t *testing.T) {
	srv := fakeserver.New()
	defer srv.Close()

	cfg := testConfig(srv)
	cfg.Backup.Enabled = true

	_, err := FromConfig(cfg)
	assert.ErrorContains(t, err, "backup")
}
