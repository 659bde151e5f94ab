// Package lifecycle runs the create, update, rename and delete protocols of
// every resource kind against the workflow server and keeps the resource
// cache in step with the server's answers.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/beam-cloud/orchfs/pkg/common"
	"github.com/beam-cloud/orchfs/pkg/remote"
	"github.com/beam-cloud/orchfs/pkg/resources"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

// ErrNothingToResume is returned by Resume when no transition of the resource was interrupted.
var ErrNothingToResume = errors.New("no interrupted transition")

// Remote is the server API used by the manager.
type Remote interface {
	resources.Lister
	Validate(ctx context.Context, kind types.ResourceKind, name string, body []byte) error
	Create(ctx context.Context, kind types.ResourceKind, body []byte) (*remote.Summary, error)
	PutDefinition(ctx context.Context, kind types.ResourceKind, id string, body []byte) (*remote.Summary, error)
	SetStatus(ctx context.Context, kind types.ResourceKind, id, status string) error
	Delete(ctx context.Context, kind types.ResourceKind, id string) error
	GetDefinition(ctx context.Context, kind types.ResourceKind, id string) ([]byte, error)
	GetReadme(ctx context.Context, id string) (string, error)
	PutReadme(ctx context.Context, id, readme string) (*remote.Summary, error)
	GetView(ctx context.Context, id string) ([]byte, error)
	PutView(ctx context.Context, id string, view []byte) (*remote.Summary, error)
	CreateTemplate(ctx context.Context, name, body string) (*remote.Summary, error)
	GetTemplateDocument(ctx context.Context, id string) (remote.TemplateDocument, error)
	PutTemplate(ctx context.Context, id string, doc remote.TemplateDocument) (*remote.Summary, error)
	RunWorkflow(ctx context.Context, req remote.ExecutionRequest) (*remote.Execution, error)
	LastExecution(ctx context.Context, workflow string) (*remote.Execution, error)
	TaskExecution(ctx context.Context, id string) (*remote.TaskExecution, error)
}

type ManagerConfig struct {
	Remote   Remote
	Loader   *resources.Loader
	Notifier Notifier
	// Locker serialises mutations of one resource. Defaults to an in-process lock.
	Locker common.Locker
	// Backup receives a copy of every successful upload. Optional.
	Backup common.BackupStore
	// Journal carries pending resumes over from a previous manager. Optional.
	Journal *Journal
}

// Result describes the resource a write ended up changing.
type Result struct {
	Target  vpath.Target
	Handle  *types.ResourceHandle
	Created bool
	// SavedAs is set when the content declared another name and a new
	// resource was created under it.
	SavedAs bool
}

type Manager struct {
	remote   Remote
	loader   *resources.Loader
	cache    *resources.Cache
	notifier Notifier
	locker   common.Locker
	backup   common.BackupStore
	journal  *Journal
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		remote:   cfg.Remote,
		loader:   cfg.Loader,
		cache:    cfg.Loader.Cache(),
		notifier: cfg.Notifier,
		locker:   cfg.Locker,
		backup:   cfg.Backup,
		journal:  cfg.Journal,
	}
	if m.journal == nil {
		m.journal = NewJournal()
	}
	if m.notifier == nil {
		m.notifier = LogNotifier{}
	}
	if m.locker == nil {
		m.locker = common.NewLocalLocker()
	}
	return m
}

func (m *Manager) Loader() *resources.Loader {
	return m.loader
}

func (m *Manager) Journal() *Journal {
	return m.journal
}

// Stuck reports whether the resource with id was left in DRAFT by an interrupted transition.
func (m *Manager) Stuck(id string) bool {
	t, ok := m.journal.Get(id)
	return ok && t.InDraft()
}

func lockKey(kind types.ResourceKind, name string) string {
	return types.CollectionOf(kind) + "/" + name
}

// lock takes the resource locks of every name in a fixed order.
func (m *Manager) lock(ctx context.Context, kind types.ResourceKind, names ...string) (func(), error) {
	keys := make([]string, 0, len(names))
	for _, n := range names {
		keys = append(keys, lockKey(kind, n))
	}
	sort.Strings(keys)
	keys = slices.Compact(keys)

	var unlocks []func()
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, k := range keys {
		unlock, err := m.locker.Lock(ctx, k)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// relist refreshes a collection after a mutation. Failures are logged only.
func (m *Manager) relist(ctx context.Context, collection string) {
	if err := m.loader.Load(ctx, collection); err != nil {
		log.Warn().Err(err).Str("collection", collection).Msg("post-mutation listing failed")
	}
}

// saveBackup writes the out-of-band copy. Failures are logged only.
func (m *Manager) saveBackup(ctx context.Context, kind types.ResourceKind, name string, content []byte) {
	if m.backup == nil {
		return
	}
	leaf := vpath.FileName(kind, name)
	if err := m.backup.Save(ctx, leaf, content); err != nil {
		log.Warn().Err(err).Str("file", leaf).Msg("backup failed")
	}
}

// Refresh re-lists one collection.
func (m *Manager) Refresh(ctx context.Context, collection string) error {
	return m.loader.Load(ctx, collection)
}

// RefreshAll re-lists the three collections concurrently.
func (m *Manager) RefreshAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, c := range types.Collections {
		g.Go(func() error {
			return m.loader.Load(ctx, c)
		})
	}
	return g.Wait()
}

// Read fetches the current content of a file target from the server.
func (m *Manager) Read(ctx context.Context, t vpath.Target) ([]byte, error) {
	if t.IsDir() {
		return nil, types.NewPermissionError(t.Path, "is a directory")
	}
	h, err := m.loader.Resolve(ctx, t)
	if err != nil {
		return nil, err
	}

	var content []byte
	switch t.Kind {
	case types.KindWorkflow, types.KindAction:
		content, err = m.remote.GetDefinition(ctx, t.Kind, h.ID)
	case types.KindTemplate:
		var doc remote.TemplateDocument
		if doc, err = m.remote.GetTemplateDocument(ctx, h.ID); err == nil {
			content = []byte(doc.Body())
		}
	case types.KindWorkflowDocumentation:
		var readme string
		if readme, err = m.remote.GetReadme(ctx, h.ID); err == nil {
			content = []byte(readme)
		}
	case types.KindWorkflowView:
		var raw []byte
		if raw, err = m.remote.GetView(ctx, h.ID); err == nil {
			content = resources.FormatView(raw)
		}
	default:
		return nil, fmt.Errorf("cannot read %s", t.Kind)
	}
	if err != nil {
		return nil, err
	}

	if h.SizeHint != int64(len(content)) {
		h.SizeHint = int64(len(content))
		m.cache.Put(t, h)
	}
	return content, nil
}

// Write stores content at a file target, creating the resource when it does
// not exist yet. Paths are checked before any remote call.
func (m *Manager) Write(ctx context.Context, t vpath.Target, content []byte) (*Result, error) {
	if err := vpath.ValidateWrite(t); err != nil {
		return nil, err
	}

	switch t.Kind {
	case types.KindWorkflow, types.KindAction:
		return m.writeDefinition(ctx, t, content)
	case types.KindTemplate:
		return m.writeTemplate(ctx, t, content)
	case types.KindWorkflowView, types.KindWorkflowDocumentation:
		return m.writeSubresource(ctx, t, content)
	}
	return nil, types.NewPermissionError(t.Path, "cannot write %s", t.Kind)
}

// Rename moves a workflow folder, action or template to a new name. The
// remote id is kept.
func (m *Manager) Rename(ctx context.Context, from, to vpath.Target) (*Result, error) {
	if from.Kind != to.Kind {
		return nil, types.NewPermissionError(to.Path, "cannot rename %s to %s", from.Kind, to.Kind)
	}
	if from.Name == to.Name {
		return nil, nil
	}

	switch from.Kind {
	case types.KindWorkflowFolder:
		if err := vpath.ValidateWorkflowName(to.Path, to.Name); err != nil {
			return nil, err
		}
		return m.renameDefinition(ctx, types.KindWorkflow, from.Name, to.Name)
	case types.KindAction:
		if err := vpath.ValidateWrite(to); err != nil {
			return nil, err
		}
		return m.renameDefinition(ctx, types.KindAction, from.Name, to.Name)
	case types.KindTemplate:
		if err := vpath.ValidateWrite(to); err != nil {
			return nil, err
		}
		return m.renameTemplate(ctx, from, to)
	}
	return nil, types.NewPermissionError(from.Path, "%s cannot be renamed, rename the workflow folder instead", from.Kind)
}

// Delete removes a workflow folder, action or template.
func (m *Manager) Delete(ctx context.Context, t vpath.Target) error {
	switch t.Kind {
	case types.KindWorkflowFolder:
		return m.deleteDefinition(ctx, types.KindWorkflow, t.Name)
	case types.KindAction:
		return m.deleteDefinition(ctx, types.KindAction, t.Name)
	case types.KindTemplate:
		return m.deleteTemplate(ctx, t)
	}
	if t.Root || t.CollectionRoot {
		return types.NewPermissionError(t.Path, "collections cannot be deleted")
	}
	return types.NewPermissionError(t.Path, "workflow files cannot be deleted individually, delete the workflow folder")
}

// Validate checks content remotely without changing anything. An empty kind
// is derived from the content's shape.
func (m *Manager) Validate(ctx context.Context, kind types.ResourceKind, content []byte) (Classification, error) {
	if kind == types.KindTemplate {
		return Classification{Kind: kind}, m.remote.Validate(ctx, kind, "", content)
	}
	c, err := ClassifyDefinition(content)
	if err != nil {
		return c, &types.ValidationError{Kind: kind, Details: []string{err.Error()}}
	}
	if kind != "" {
		c.Kind = kind
		c.Heuristic = false
	}
	return c, m.remote.Validate(ctx, c.Kind, c.Name, content)
}
