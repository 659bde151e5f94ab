package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apiv1 "github.com/beam-cloud/orchfs/pkg/api/v1"
	"github.com/beam-cloud/orchfs/pkg/common"
	"github.com/beam-cloud/orchfs/pkg/filesystem"
	"github.com/beam-cloud/orchfs/pkg/lifecycle"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vfs"
)

const shutdownTimeout = 15 * time.Second

// Gateway hosts one orchfs session: the filesystem adapter, its HTTP API and,
// when enabled, the FUSE mount.
type Gateway struct {
	Config      types.AppConfig
	RedisClient *common.RedisClient
	EventBus    *common.EventBus
	FS          *vfs.Adapter
	Mount       *filesystem.Filesystem

	configManager *common.ConfigManager[types.AppConfig]
	httpServer    *http.Server
	echo          *echo.Echo
	ctx           context.Context
	cancelFunc    context.CancelFunc
	mountDone     chan error
	shutdownOnce  sync.Once

	baseRouteGroup *echo.Group
	rootRouteGroup *echo.Group
}

// ConfigureLogging applies the logging settings to the global logger.
func ConfigureLogging(cfg types.AppConfig) {
	level := zerolog.InfoLevel
	if cfg.DebugMode {
		level = zerolog.DebugLevel
	}
	if cfg.PrettyLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	log.Logger = log.Logger.Level(level)
}

// NewGateway loads the configuration from configPath (or ORCHFS_CONFIG) and
// follows changes to it.
func NewGateway(configPath string) (*Gateway, error) {
	configManager, err := common.NewConfigManager[types.AppConfig](configPath)
	if err != nil {
		return nil, err
	}

	g, err := FromConfig(configManager.GetConfig())
	if err != nil {
		return nil, err
	}
	g.configManager = configManager
	configManager.OnChange(g.onConfigChange)
	return g, nil
}

// FromConfig builds a gateway with a fixed configuration.
func FromConfig(config types.AppConfig) (*Gateway, error) {
	ConfigureLogging(config)

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		Config:     config,
		ctx:        ctx,
		cancelFunc: cancel,
	}

	var locker common.Locker = common.NewLocalLocker()
	if config.Lock.Redis.Enabled() {
		rdb, err := common.NewRedisClient(config.Lock.Redis)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		g.RedisClient = rdb
		locker = common.NewRedisLocker(rdb, serverKey(config.Server), config.Lock.TTL)
		log.Info().Strs("addrs", config.Lock.Redis.Addrs).Msg("using redis locks")
	}

	var busClient *common.RedisClient
	if config.Events.Redis {
		if g.RedisClient == nil {
			log.Warn().Msg("events.redis is set but lock.redis has no addresses, change events stay local")
		}
		busClient = g.RedisClient
	}
	g.EventBus = common.NewEventBus(ctx, busClient, common.Keys.EventsChannel(serverKey(config.Server)))

	backup, err := common.NewBackupStore(ctx, config.Backup)
	if err != nil {
		g.closeRedis()
		cancel()
		return nil, fmt.Errorf("failed to set up backups: %w", err)
	}

	g.FS = vfs.New(config, vfs.Options{
		Notifier: lifecycle.LogNotifier{},
		Locker:   locker,
		Backup:   backup,
		Bus:      g.EventBus,
	})
	return g, nil
}

func serverKey(cfg types.ServerConfig) string {
	return fmt.Sprintf("%s:%d", cfg.Address, cfg.Port)
}

func (g *Gateway) onConfigChange(cfg types.AppConfig) {
	ConfigureLogging(cfg)
	g.Config = cfg
	g.FS.Reconfigure(g.ctx, cfg)
}

func (g *Gateway) initHTTP() error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Pre(middleware.RemoveTrailingSlash())

	if g.Config.DebugMode {
		e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
			Format: "${time_rfc3339} ${method} ${uri} ${status} ${latency_human}\n",
		}))
	}

	e.Use(middleware.Recover())

	g.echo = e
	g.httpServer = &http.Server{
		Addr:    g.Config.API.Addr,
		Handler: e,
	}

	g.baseRouteGroup = e.Group(apiv1.HttpServerBaseRoute, apiv1.NewTokenAuthMiddleware(g.Config.API.Token))
	g.rootRouteGroup = e.Group(apiv1.HttpServerRootRoute)

	apiv1.NewHealthGroup(g.rootRouteGroup.Group("/health"), g.RedisClient, g.FS)
	g.rootRouteGroup.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	apiv1.NewFilesystemGroup(g.baseRouteGroup.Group("/fs"), g.FS)
	apiv1.NewExecutionsGroup(g.baseRouteGroup.Group(""), g.FS)

	return nil
}

// Handler returns the HTTP handler, building it on first use.
func (g *Gateway) Handler() http.Handler {
	if g.echo == nil {
		_ = g.initHTTP()
	}
	return g.echo
}

// EnableMount mounts the filesystem at the configured mount point on start.
func (g *Gateway) EnableMount(verbose bool) {
	g.Mount = filesystem.NewFilesystem(filesystem.ConfigFromMount(g.Config.Mount, verbose), g.FS)
}

func (g *Gateway) StartAsync() error {
	if g.echo == nil {
		if err := g.initHTTP(); err != nil {
			return fmt.Errorf("failed to initialize http server: %w", err)
		}
	}

	go g.EventBus.Start()

	if g.configManager != nil {
		if err := g.configManager.Watch(); err != nil {
			log.Warn().Err(err).Str("path", g.configManager.Path()).Msg("failed to watch config file")
		}
	}

	if g.Config.API.Addr != "" {
		lis, err := net.Listen("tcp", g.Config.API.Addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", g.Config.API.Addr, err)
		}
		go func() {
			if err := g.httpServer.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server error")
			}
		}()
		log.Info().Str("addr", lis.Addr().String()).Msg("orchfs api running")
	}

	if g.Mount != nil {
		g.mountDone = make(chan error, 1)
		go func() {
			g.mountDone <- g.Mount.Mount()
		}()
		log.Info().Str("mount_point", g.Config.Mount.MountPoint).Msg("mounting orchfs")
	}

	return nil
}

// MountDone yields the result of the mount loop once the filesystem is
// unmounted. It is nil when no mount was enabled.
func (g *Gateway) MountDone() <-chan error {
	return g.mountDone
}

// Shutdown stops the gateway. It is safe to call more than once.
func (g *Gateway) Shutdown() {
	g.shutdownOnce.Do(g.shutdown)
}

// Start runs until a termination signal arrives or the mount goes away.
func (g *Gateway) Start() error {
	if err := g.StartAsync(); err != nil {
		return err
	}

	terminationSignal := make(chan os.Signal, 1)
	signal.Notify(terminationSignal, os.Interrupt, syscall.SIGTERM)

	select {
	case <-terminationSignal:
		log.Info().Msg("termination signal received. shutting down...")
	case err := <-g.mountDone:
		if err != nil {
			log.Error().Err(err).Msg("filesystem mount ended")
		} else {
			log.Info().Msg("filesystem unmounted. shutting down...")
		}
	}

	g.Shutdown()
	return nil
}

func (g *Gateway) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)

	if g.httpServer != nil {
		eg.Go(func() error {
			return g.httpServer.Shutdown(egCtx)
		})
	}

	if g.Mount != nil && g.Mount.IsMounted() {
		eg.Go(func() error {
			return g.Mount.Unmount()
		})
	}

	if err := eg.Wait(); err != nil {
		log.Error().Err(err).Msg("failed to shutdown gracefully")
	}

	// Close revokes the session token.
	g.FS.Close(ctx)
	g.closeRedis()
	g.cancelFunc()
}

func (g *Gateway) closeRedis() {
	if g.RedisClient == nil {
		return
	}
	if err := g.RedisClient.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close redis client")
	}
}
