package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/beam-cloud/orchfs/pkg/remote"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

// Templates have no draft cycle. Updates splice the body into the latest
// remote document so metadata edited elsewhere is kept.

func (m *Manager) writeTemplate(ctx context.Context, t vpath.Target, content []byte) (*Result, error) {
	unlock, err := m.lock(ctx, t.Kind, t.Name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := m.loader.Resolve(ctx, t)
	if errors.Is(err, types.ErrNotFound) {
		return m.createTemplate(ctx, t, content)
	}
	if err != nil {
		return nil, err
	}
	if h.Signed {
		return nil, types.NewPermissionError(t.Path, "template %q is signed and read-only", t.Name)
	}

	m.notifier.Progress(OpUpdate, t.Name, StepValidate, 1, 2)
	if err := m.remote.Validate(ctx, types.KindTemplate, t.Name, content); err != nil {
		return nil, err
	}

	m.notifier.Progress(OpUpdate, t.Name, StepUpload, 2, 2)
	doc, err := m.remote.GetTemplateDocument(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	s, err := m.remote.PutTemplate(ctx, h.ID, doc.With("", string(content)))
	if err != nil {
		return nil, err
	}

	h.Touch(summaryModified(s), int64(len(content)))
	m.cache.Put(t, h)
	m.relist(ctx, types.CollectionTemplates)
	m.saveBackup(ctx, t.Kind, t.Name, content)
	return &Result{Target: t, Handle: h.Clone()}, nil
}

// createTemplate validates and submits a new template. Callers hold the lock.
func (m *Manager) createTemplate(ctx context.Context, t vpath.Target, content []byte) (*Result, error) {
	m.notifier.Progress(OpCreate, t.Name, StepValidate, 1, 2)
	if err := m.remote.Validate(ctx, types.KindTemplate, t.Name, content); err != nil {
		return nil, err
	}

	m.notifier.Progress(OpCreate, t.Name, StepCreate, 2, 2)
	s, err := m.remote.CreateTemplate(ctx, t.Name, string(content))
	if err != nil {
		return nil, err
	}

	h := &types.ResourceHandle{
		ID:         s.ID,
		Kind:       types.KindTemplate,
		Name:       t.Name,
		CreatedAt:  s.CreatedAt,
		ModifiedAt: summaryModified(s),
		SizeHint:   int64(len(content)),
		Signed:     s.Signed,
		Tags:       s.Tags,
	}
	m.cache.Put(t, h)
	m.relist(ctx, types.CollectionTemplates)
	m.saveBackup(ctx, t.Kind, t.Name, content)
	return &Result{Target: t, Handle: h.Clone(), Created: true}, nil
}

func (m *Manager) renameTemplate(ctx context.Context, from, to vpath.Target) (*Result, error) {
	unlock, err := m.lock(ctx, types.KindTemplate, from.Name, to.Name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	h, err := m.loader.Resolve(ctx, from)
	if err != nil {
		return nil, err
	}
	if h.Signed {
		return nil, types.NewPermissionError(from.Path, "template %q is signed and read-only", from.Name)
	}
	exists, err := m.loader.Exists(ctx, to)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", to.Path, types.ErrExists)
	}

	m.notifier.Progress(OpRename, to.Name, StepUpload, 1, 1)
	doc, err := m.remote.GetTemplateDocument(ctx, h.ID)
	if err != nil {
		return nil, err
	}
	s, err := m.remote.PutTemplate(ctx, h.ID, doc.With(to.Name, doc.Body()))
	if err != nil {
		return nil, err
	}

	h.Name = to.Name
	h.Touch(summaryModified(s), int64(len(doc.Body())))
	m.cache.Invalidate(from)
	m.cache.Put(to, h)
	m.relist(ctx, types.CollectionTemplates)
	return &Result{Target: to, Handle: h.Clone()}, nil
}

func (m *Manager) deleteTemplate(ctx context.Context, t vpath.Target) error {
	unlock, err := m.lock(ctx, t.Kind, t.Name)
	if err != nil {
		return err
	}
	defer unlock()

	h, err := m.loader.Resolve(ctx, t)
	if err != nil {
		return err
	}
	if h.Signed {
		return types.NewPermissionError(t.Path, "template %q is signed and cannot be deleted", t.Name)
	}

	m.notifier.Progress(OpDelete, t.Name, StepDelete, 1, 1)
	if err := m.remote.Delete(ctx, types.KindTemplate, h.ID); err != nil {
		return err
	}
	m.cache.Invalidate(t)
	m.notifier.Warn(fmt.Sprintf("deleted template %q", t.Name))
	return nil
}

func summaryModified(s *remote.Summary) time.Time {
	if s != nil && !s.UpdatedAt.IsZero() {
		return s.UpdatedAt
	}
	return time.Now()
}
