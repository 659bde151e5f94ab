// Package vfs is the host contract of orchfs: path-based list, stat, read,
// write, rename, delete and mkdir calls translated into cache lookups and
// lifecycle protocols, plus change events and decorations for the host's view.
package vfs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/orchfs/pkg/common"
	"github.com/beam-cloud/orchfs/pkg/lifecycle"
	"github.com/beam-cloud/orchfs/pkg/remote"
	"github.com/beam-cloud/orchfs/pkg/resources"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

type Options struct {
	Notifier lifecycle.Notifier
	Locker   common.Locker
	Backup   common.BackupStore
	// Bus carries change events. Defaults to an in-process bus.
	Bus         *common.EventBus
	Decorations DecorationHost
}

// session is everything bound to one server configuration. Reconfigure
// replaces it as a whole.
type session struct {
	client  *remote.Client
	api     *remote.API
	cache   *resources.Cache
	loader  *resources.Loader
	manager *lifecycle.Manager
	filter  resources.Filter
}

type Adapter struct {
	opts    Options
	bus     *common.EventBus
	decor   *decorator
	started time.Time

	mu   sync.RWMutex
	cfg  types.AppConfig
	sess *session

	subsMu sync.Mutex
	subs   map[int]func(ChangeEvent)
	nextID int
}

func New(cfg types.AppConfig, opts Options) *Adapter {
	a := &Adapter{
		opts:    opts,
		bus:     opts.Bus,
		decor:   newDecorator(opts.Decorations),
		started: time.Now(),
		cfg:     cfg,
		subs:    make(map[int]func(ChangeEvent)),
	}
	if a.bus == nil {
		a.bus = common.NewEventBus(context.Background(), nil, "")
	}
	a.sess = a.newSession(cfg, nil)

	a.bus.On(common.EventResourceChanged, a.onResourceEvent)
	a.bus.On(common.EventResourceDeleted, a.onResourceEvent)
	a.bus.On(common.EventCacheInvalidate, a.onInvalidate)
	return a
}

// newSession builds a session for cfg. A non-nil prev hands its cache and
// resume journal over to the new session.
func (a *Adapter) newSession(cfg types.AppConfig, prev *session) *session {
	client := remote.NewClient(cfg.Server, cfg.Token)
	api := remote.NewAPI(client)
	var (
		cache   *resources.Cache
		journal *lifecycle.Journal
	)
	if prev != nil {
		cache, journal = prev.cache, prev.manager.Journal()
	} else {
		cache = resources.NewCache(cfg.Cache)
	}
	loader := resources.NewLoader(api, cache)

	s := &session{
		client: client,
		api:    api,
		cache:  cache,
		loader: loader,
		manager: lifecycle.NewManager(lifecycle.ManagerConfig{
			Remote:   api,
			Loader:   loader,
			Notifier: a.opts.Notifier,
			Locker:   a.opts.Locker,
			Backup:   a.opts.Backup,
			Journal:  journal,
		}),
		filter: resources.NewFilter(cfg.Listing),
	}
	client.OnStatusChange(func(st remote.Status) {
		if a.current().client != client {
			return
		}
		a.fire(ChangeEvent{Type: ChangeChanged, Path: "/"})
		a.decor.refresh("/")
	})
	return s
}

func (a *Adapter) current() *session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sess
}

// Manager returns the lifecycle manager of the current session.
func (a *Adapter) Manager() *lifecycle.Manager {
	return a.current().manager
}

func (a *Adapter) Client() *remote.Client {
	return a.current().client
}

func (a *Adapter) Status() remote.Status {
	return a.current().client.Status()
}

func (a *Adapter) Config() types.AppConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// ListDirectory returns the children of a directory. A collection root is
// always listed from the server.
func (a *Adapter) ListDirectory(ctx context.Context, p string) ([]DirEntry, error) {
	t, err := vpath.Classify(p)
	if err != nil {
		return nil, err
	}
	if !t.IsDir() {
		return nil, types.NewPermissionError(t.Path, "not a directory")
	}

	s := a.current()
	switch {
	case t.CollectionRoot:
		err = s.loader.Load(ctx, t.Collection)
	case !t.Root:
		_, err = s.loader.Resolve(ctx, t)
	}
	if err != nil {
		return nil, err
	}

	children := s.cache.Children(t, s.filter)
	out := make([]DirEntry, 0, len(children))
	for _, c := range children {
		ft := FileTypeFile
		if c.Dir {
			ft = FileTypeDirectory
		}
		out = append(out, DirEntry{Name: c.Name, Type: ft})
	}
	return out, nil
}

// Stat classifies p before touching the cache and lists the collection
// lazily on a miss. Resources hidden by the tag filter still resolve.
func (a *Adapter) Stat(ctx context.Context, p string) (*FileStat, error) {
	t, err := vpath.Classify(p)
	if err != nil {
		return nil, err
	}
	if t.Root {
		return &FileStat{Type: FileTypeDirectory, Ctime: a.started, Mtime: a.started}, nil
	}
	if t.CollectionRoot {
		st := &FileStat{Type: FileTypeDirectory, Ctime: a.started, Mtime: a.started}
		if listed := a.current().cache.ListedAt(t.Collection); !listed.IsZero() {
			st.Mtime = listed
		}
		return st, nil
	}

	s := a.current()
	h, err := s.loader.Resolve(ctx, t)
	if err != nil {
		return nil, err
	}

	st := &FileStat{
		Type:     FileTypeFile,
		Ctime:    h.CreatedAt,
		Mtime:    h.ModifiedAt,
		Size:     h.SizeHint,
		ReadOnly: h.Signed,
		ID:       h.ID,
	}
	if t.IsDir() {
		st.Type = FileTypeDirectory
		st.Size = 0
	}
	return st, nil
}

// ReadFile always fetches fresh content from the server.
func (a *Adapter) ReadFile(ctx context.Context, p string) ([]byte, error) {
	t, err := vpath.Classify(p)
	if err != nil {
		return nil, err
	}
	return a.current().manager.Read(ctx, t)
}

// WriteFile stores data at p. Path checks run before any remote call.
func (a *Adapter) WriteFile(ctx context.Context, p string, data []byte, opts WriteOptions) (*lifecycle.Result, error) {
	t, err := vpath.Classify(p)
	if err != nil {
		return nil, err
	}
	if err := vpath.ValidateWrite(t); err != nil {
		return nil, err
	}

	s := a.current()
	if !opts.Create || !opts.Overwrite {
		exists, err := s.loader.Exists(ctx, t)
		if err != nil {
			return nil, err
		}
		if !exists && !opts.Create {
			return nil, fmt.Errorf("%s: %w", t.Path, types.ErrNotFound)
		}
		if exists && !opts.Overwrite {
			return nil, fmt.Errorf("%s: %w", t.Path, types.ErrExists)
		}
	}

	res, err := s.manager.Write(ctx, t, data)
	a.afterWrite(t, res, err)
	return res, err
}

func (a *Adapter) afterWrite(t vpath.Target, res *lifecycle.Result, err error) {
	if errors.Is(err, types.ErrStuckInDraft) {
		a.emit(ChangeChanged, t.Path)
		a.decor.refresh(t.Path)
	}
	if res == nil {
		return
	}

	switch {
	case res.Created && res.Target.Kind == types.KindWorkflow:
		a.emit(ChangeCreated, res.Target.Folder().Path)
	case res.Created:
		a.emit(ChangeCreated, res.Target.Path)
	case err == nil:
		a.emit(ChangeChanged, res.Target.Path)
	}
	a.decor.refresh(res.Target.Path)
}

// Rename moves a workflow folder, action or template. Folder children and
// cross-kind moves are refused before any remote call.
func (a *Adapter) Rename(ctx context.Context, oldPath, newPath string, opts RenameOptions) error {
	from, err := vpath.Classify(oldPath)
	if err != nil {
		return err
	}
	to, err := vpath.Classify(newPath)
	if err != nil {
		return err
	}

	switch {
	case from.Root || from.CollectionRoot:
		return types.NewPermissionError(from.Path, "collections cannot be renamed")
	case from.Kind != to.Kind || to.Root || to.CollectionRoot:
		return types.NewPermissionError(to.Path, "cannot move a %s to %s", from.Kind, to.Path)
	case from.Kind == types.KindWorkflowDocumentation:
		return types.NewPermissionError(from.Path, "documentation cannot be renamed, rename the workflow folder instead")
	case from.IsFolderChild():
		return types.NewPermissionError(from.Path, "rename the workflow folder instead")
	}
	if opts.Overwrite {
		log.Debug().Str("from", from.Path).Str("to", to.Path).Msg("rename overwrite requested, existing targets are still refused")
	}

	res, err := a.current().manager.Rename(ctx, from, to)
	if err != nil {
		return err
	}
	if res != nil {
		a.emit(ChangeDeleted, from.Path)
		a.emit(ChangeCreated, to.Path)
		a.decor.refresh(to.Path)
	}
	return nil
}

// Delete removes a workflow folder, action or template.
func (a *Adapter) Delete(ctx context.Context, p string) error {
	t, err := vpath.Classify(p)
	if err != nil {
		return err
	}
	switch {
	case t.Root || t.CollectionRoot:
		return types.NewPermissionError(t.Path, "collections cannot be deleted")
	case t.IsFolderChild():
		return types.NewPermissionError(t.Path, "workflow files cannot be deleted individually, delete the workflow folder")
	}

	err = a.current().manager.Delete(ctx, t)
	if errors.Is(err, types.ErrStuckInDraft) {
		a.emit(ChangeChanged, t.Path)
		a.decor.refresh(t.Path)
	}
	if err != nil {
		return err
	}
	a.emit(ChangeDeleted, t.Path)
	return nil
}

// CreateDirectory creates an empty workflow. Only paths one level under the
// workflows collection are accepted.
func (a *Adapter) CreateDirectory(ctx context.Context, p string) error {
	t, err := vpath.Classify(p)
	if err != nil {
		return err
	}
	if t.Kind != types.KindWorkflowFolder {
		return types.NewPermissionError(t.Path, "directories can only be created directly under /%s", types.CollectionWorkflows)
	}

	res, err := a.current().manager.CreateWorkflow(ctx, t.Name, nil)
	a.afterWrite(t.Sibling(types.KindWorkflow), res, err)
	return err
}

// Resume finishes an interrupted transition of the resource at p.
func (a *Adapter) Resume(ctx context.Context, p string) (*lifecycle.Result, error) {
	t, err := vpath.Classify(p)
	if err != nil {
		return nil, err
	}
	res, err := a.current().manager.Resume(ctx, t)
	if err != nil {
		return nil, err
	}
	a.emit(ChangeChanged, t.Path)
	a.decor.refresh(t.Path)
	return res, nil
}

// Pending returns the saves that stopped with the resource in draft, oldest
// first. Each can be finished with Resume on its path.
func (a *Adapter) Pending() []*lifecycle.Transition {
	return a.current().manager.Journal().Pending()
}

// Refresh drops every cache, re-lists the collections and asks other
// sessions sharing the event bus to do the same.
func (a *Adapter) Refresh(ctx context.Context) error {
	s := a.current()
	s.cache.InvalidateAll()
	a.bus.Emit(common.Event{Type: common.EventCacheInvalidate})
	return s.manager.RefreshAll(ctx)
}

// Reconfigure applies new settings. A change of server, credentials or cache
// settings revokes the token and replaces the session with empty caches. Other
// connection settings such as the timeout or TLS verification rebuild the
// client and keep the caches.
func (a *Adapter) Reconfigure(ctx context.Context, cfg types.AppConfig) {
	a.mu.Lock()
	old := a.sess
	prev := a.cfg
	a.cfg = cfg

	switch {
	case prev.Server == cfg.Server && prev.Token == cfg.Token && prev.Cache == cfg.Cache:
		next := *old
		next.filter = resources.NewFilter(cfg.Listing)
		a.sess = &next
		a.mu.Unlock()
		log.Info().Strs("exclude_tags", cfg.Listing.ExcludeTags).Msg("listing filter updated")
	case prev.Server.SameEndpoint(cfg.Server) && prev.Cache == cfg.Cache:
		a.sess = a.newSession(cfg, old)
		a.mu.Unlock()
		old.client.Close(ctx)
		log.Info().Dur("timeout", cfg.Server.Timeout).Bool("insecure_skip_verify", cfg.Server.InsecureSkipVerify).Msg("connection settings changed, client rebuilt")
	default:
		a.sess = a.newSession(cfg, nil)
		a.mu.Unlock()
		old.client.Close(ctx)
		old.cache.InvalidateAll()
		log.Info().Str("server", cfg.Server.Address).Int("port", cfg.Server.Port).Msg("server settings changed, caches discarded")
	}

	a.fire(ChangeEvent{Type: ChangeChanged, Path: "/"})
	a.decor.refresh(append([]string{"/"}, collectionPaths()...)...)
}

// Close revokes the session token and cancels pending decoration refreshes.
func (a *Adapter) Close(ctx context.Context) {
	a.decor.stop()
	a.current().client.Close(ctx)
}
