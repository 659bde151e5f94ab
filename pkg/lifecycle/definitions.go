package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

func invalid(kind types.ResourceKind, name string, err error) error {
	return &types.ValidationError{Kind: kind, Name: name, Details: []string{err.Error()}}
}

func validateDefinitionName(kind types.ResourceKind, p, name string) error {
	if kind == types.KindWorkflow {
		return vpath.ValidateWorkflowName(p, name)
	}
	return vpath.ValidateName(p, name)
}

// writeDefinition routes a workflow or action write to the create or update protocol.
func (m *Manager) writeDefinition(ctx context.Context, t vpath.Target, content []byte) (*Result, error) {
	declared, err := DeclaredName(content)
	if err != nil {
		return nil, invalid(t.Kind, t.Name, err)
	}
	m.checkShape(t, content)

	h, err := m.loader.Resolve(ctx, t)
	if errors.Is(err, types.ErrNotFound) {
		if declared != t.Name {
			return nil, types.NewPermissionError(t.Path, "definition declares %q, expected %q", declared, t.Name)
		}
		return m.CreateDefinition(ctx, t.Kind, t.Name, content)
	}
	if err != nil {
		return nil, err
	}

	if declared != t.Name {
		return m.saveAs(ctx, t, declared, content)
	}

	unlock, err := m.lock(ctx, t.Kind, t.Name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if h.Signed {
		return nil, types.NewPermissionError(t.Path, "%s %q is signed and read-only, change its name to save a copy", t.Kind, t.Name)
	}
	return m.execute(ctx, newTransition(OpUpdate, t.Kind, h.ID, t.Name, t.Name, content))
}

// checkShape warns when the content looks like the other definition kind.
func (m *Manager) checkShape(t vpath.Target, content []byte) {
	c, err := ClassifyDefinition(content)
	if err != nil || c.Heuristic || c.Kind == t.Kind {
		return
	}
	m.notifier.Warn(fmt.Sprintf("%s looks like a %s definition", t.Path, c.Kind))
}

// saveAs handles content whose declared name differs from its file: a new
// resource is created under the declared name unless one already exists.
func (m *Manager) saveAs(ctx context.Context, from vpath.Target, declared string, content []byte) (*Result, error) {
	to := vpath.ForKind(from.Kind, declared)
	if err := validateDefinitionName(from.Kind, to.Path, declared); err != nil {
		return nil, err
	}

	exists, err := m.loader.Exists(ctx, to)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &types.CloneError{From: from.Name, To: declared}
	}

	res, err := m.CreateDefinition(ctx, from.Kind, declared, content)
	if res != nil {
		res.SavedAs = true
		m.notifier.Open(res.Target.Path)
	}
	return res, err
}

// CreateWorkflow creates a workflow folder. An empty body is replaced by the
// default definition.
func (m *Manager) CreateWorkflow(ctx context.Context, name string, body []byte) (*Result, error) {
	return m.CreateDefinition(ctx, types.KindWorkflow, name, body)
}

// CreateDefinition runs the create protocol for a workflow or action:
// validate, create, publish.
func (m *Manager) CreateDefinition(ctx context.Context, kind types.ResourceKind, name string, body []byte) (*Result, error) {
	t := vpath.ForKind(kind, name)
	if err := validateDefinitionName(kind, t.Path, name); err != nil {
		return nil, err
	}

	if len(body) == 0 {
		if kind == types.KindAction {
			body = DefaultAction(name)
		} else {
			body = DefaultWorkflow(name)
		}
	}
	declared, err := DeclaredName(body)
	if err != nil {
		return nil, invalid(kind, name, err)
	}
	if declared != name {
		return nil, types.NewPermissionError(t.Path, "definition declares %q, expected %q", declared, name)
	}

	unlock, err := m.lock(ctx, kind, name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	exists, err := m.loader.Exists(ctx, t)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", t.Path, types.ErrExists)
	}

	return m.execute(ctx, newTransition(OpCreate, kind, "", name, name, body))
}

// renameDefinition rewrites the declared name of the current remote definition
// and uploads it through the update protocol.
func (m *Manager) renameDefinition(ctx context.Context, kind types.ResourceKind, from, to string) (*Result, error) {
	src := vpath.ForKind(kind, from)
	dst := vpath.ForKind(kind, to)

	unlock, err := m.lock(ctx, kind, from, to)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := m.loader.Resolve(ctx, src)
	if err != nil {
		return nil, err
	}
	if h.Signed {
		return nil, types.NewPermissionError(src.Path, "%s %q is signed and read-only", kind, from)
	}
	exists, err := m.loader.Exists(ctx, dst)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", dst.Path, types.ErrExists)
	}

	current, err := m.remote.GetDefinition(ctx, kind, h.ID)
	if err != nil {
		return nil, err
	}
	content, err := RenameDefinition(current, from, to)
	if err != nil {
		return nil, invalid(kind, from, err)
	}
	return m.execute(ctx, newTransition(OpRename, kind, h.ID, from, to, content))
}

// deleteDefinition moves a workflow or action to DRAFT and deletes it.
func (m *Manager) deleteDefinition(ctx context.Context, kind types.ResourceKind, name string) error {
	t := vpath.ForKind(kind, name)

	unlock, err := m.lock(ctx, kind, name)
	if err != nil {
		return err
	}
	defer unlock()

	h, err := m.loader.Resolve(ctx, t)
	if err != nil {
		return err
	}
	if h.Signed {
		return types.NewPermissionError(t.Path, "%s %q is signed and cannot be deleted", kind, name)
	}

	_, err = m.execute(ctx, newTransition(OpDelete, kind, h.ID, name, name, nil))
	return err
}

// Resume finishes an interrupted transition of the resource at t, running
// only the steps that did not complete.
func (m *Manager) Resume(ctx context.Context, t vpath.Target) (*Result, error) {
	kind := t.Kind
	if kind == types.KindWorkflowFolder || t.IsFolderChild() {
		kind = types.KindWorkflow
	}

	tr, ok := m.journal.Find(kind, t.Name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", t.Path, ErrNothingToResume)
	}

	unlock, err := m.lock(ctx, kind, tr.From, tr.Name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	log.Info().
		Str("op", string(tr.Op)).
		Str("resource", tr.Name).
		Str("completed", string(tr.Completed())).
		Msg("resuming interrupted transition")
	return m.execute(ctx, tr)
}

// execute runs the remaining steps of tr and reconciles the cache. A failure
// after the resource entered DRAFT is recorded for Resume and returned as
// *types.StuckInDraftError.
func (m *Manager) execute(ctx context.Context, tr *Transition) (*Result, error) {
	total := len(tr.Steps)
	for _, step := range tr.Remaining() {
		m.notifier.Progress(tr.Op, tr.Name, step, tr.Done+1, total)

		if err := m.runStep(ctx, tr, step); err != nil {
			log.Warn().Err(err).
				Str("op", string(tr.Op)).
				Str("resource", tr.Name).
				Str("step", string(step)).
				Msg("transition step failed")

			if !tr.InDraft() {
				return nil, err
			}
			m.journal.Record(tr)
			stuck := &types.StuckInDraftError{ID: tr.ID, Name: tr.Name, Completed: string(tr.Completed()), Err: err}
			if tr.Op == OpCreate {
				res := m.finishCreate(tr)
				return res, stuck
			}
			return nil, stuck
		}
		tr.Done++
	}
	m.journal.Clear(tr.ID)

	switch tr.Op {
	case OpCreate:
		res := m.finishCreate(tr)
		m.relist(ctx, types.CollectionOf(tr.Kind))
		m.saveBackup(ctx, tr.Kind, tr.Name, tr.Content)
		return res, nil
	case OpDelete:
		m.finishDelete(tr)
		return nil, nil
	}
	res := m.finishUpdate(tr)
	m.relist(ctx, types.CollectionOf(tr.Kind))
	m.saveBackup(ctx, tr.Kind, tr.Name, tr.Content)
	return res, nil
}

func (m *Manager) runStep(ctx context.Context, tr *Transition, step Step) error {
	switch step {
	case StepValidate:
		return m.remote.Validate(ctx, tr.Kind, tr.Name, tr.Content)
	case StepCreate:
		s, err := m.remote.Create(ctx, tr.Kind, tr.Content)
		if err != nil {
			return err
		}
		tr.Summary = s
		tr.ID = s.ID
	case StepDraft:
		return m.remote.SetStatus(ctx, tr.Kind, tr.ID, types.StatusDraft)
	case StepUpload:
		s, err := m.remote.PutDefinition(ctx, tr.Kind, tr.ID, tr.Content)
		if err != nil {
			return err
		}
		tr.Summary = s
	case StepPublish:
		return m.remote.SetStatus(ctx, tr.Kind, tr.ID, types.StatusPublished)
	case StepDelete:
		return m.remote.Delete(ctx, tr.Kind, tr.ID)
	default:
		return fmt.Errorf("unknown step %q", step)
	}
	return nil
}

// finishCreate caches the created resource. Workflows also get placeholder
// view and documentation entries so the new folder lists all three files.
func (m *Manager) finishCreate(tr *Transition) *Result {
	s := tr.Summary
	name := tr.Name
	if s.Name != "" {
		name = s.Name
	}
	created := s.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	h := &types.ResourceHandle{
		ID:         s.ID,
		Kind:       tr.Kind,
		Name:       name,
		CreatedAt:  created,
		ModifiedAt: tr.modified(),
		SizeHint:   int64(len(tr.Content)),
		Signed:     s.Signed,
		Tags:       s.Tags,
	}
	t := vpath.ForKind(tr.Kind, name)

	if tr.Kind == types.KindWorkflow {
		now := time.Now()
		placeholder := func(kind types.ResourceKind, size int64) *types.ResourceHandle {
			p := h.Clone()
			p.Kind = kind
			p.CreatedAt, p.ModifiedAt = now, now
			p.SizeHint = size
			p.Placeholder = true
			return p
		}
		m.cache.PutWorkflow(h,
			placeholder(types.KindWorkflowView, int64(len("{}\n"))),
			placeholder(types.KindWorkflowDocumentation, 0))
	} else {
		m.cache.Put(t, h)
	}

	return &Result{Target: t, Handle: h.Clone(), Created: true}
}

// finishUpdate patches the cache entry in place, or moves it to the new key
// after a rename. The id never changes.
func (m *Manager) finishUpdate(tr *Transition) *Result {
	src := vpath.ForKind(tr.Kind, tr.From)
	dst := vpath.ForKind(tr.Kind, tr.Name)

	h, ok := m.cache.Lookup(src)
	if !ok {
		h, ok = m.cache.Lookup(dst)
	}
	if !ok {
		h = &types.ResourceHandle{ID: tr.ID, Kind: tr.Kind, CreatedAt: tr.Started}
		if tr.Summary != nil {
			h.CreatedAt = tr.Summary.CreatedAt
			h.Signed = tr.Summary.Signed
			h.Tags = tr.Summary.Tags
		}
	}
	h.ID = tr.ID
	h.Name = tr.Name
	h.Touch(tr.modified(), int64(len(tr.Content)))

	if tr.From == tr.Name {
		m.cache.Put(dst, h)
		return &Result{Target: dst, Handle: h.Clone()}
	}

	if tr.Kind == types.KindWorkflow {
		moved := func(kind types.ResourceKind) *types.ResourceHandle {
			c, ok := m.cache.Lookup(vpath.ForKind(kind, tr.From))
			if !ok {
				return nil
			}
			c.Name = tr.Name
			return c
		}
		view, docs := moved(types.KindWorkflowView), moved(types.KindWorkflowDocumentation)
		m.cache.InvalidateWorkflow(tr.From)
		m.cache.PutWorkflow(h, view, docs)
	} else {
		m.cache.Invalidate(src)
		m.cache.Put(dst, h)
	}
	return &Result{Target: dst, Handle: h.Clone()}
}

// finishDelete removes the resource and, for workflows, the whole folder unit.
func (m *Manager) finishDelete(tr *Transition) {
	if tr.Kind == types.KindWorkflow {
		m.cache.InvalidateWorkflow(tr.Name)
	} else {
		m.cache.Invalidate(vpath.ForKind(tr.Kind, tr.Name))
	}
	m.notifier.Warn(fmt.Sprintf("deleted %s %q", tr.Kind, tr.Name))
}
