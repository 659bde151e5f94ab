package lifecycle

import (
	"context"
	"errors"

	"github.com/xeipuuv/gojsonschema"

	"github.com/beam-cloud/orchfs/pkg/remote"
	"github.com/beam-cloud/orchfs/pkg/resources"
	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

var viewSchema = gojsonschema.NewStringLoader(`{"type": "object"}`)

// validateView checks that a view is a JSON object before it is sent.
func validateView(name string, content []byte) error {
	result, err := gojsonschema.Validate(viewSchema, gojsonschema.NewBytesLoader(content))
	if err != nil {
		return &types.ValidationError{Kind: types.KindWorkflowView, Name: name, Details: []string{err.Error()}}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			details = append(details, e.String())
		}
		return &types.ValidationError{Kind: types.KindWorkflowView, Name: name, Details: details}
	}
	return nil
}

// writeSubresource stores a workflow's view or documentation. Both require
// the workflow to exist and have no draft cycle.
func (m *Manager) writeSubresource(ctx context.Context, t vpath.Target, content []byte) (*Result, error) {
	if t.Kind == types.KindWorkflowView {
		if err := validateView(t.Name, content); err != nil {
			return nil, err
		}
	}

	unlock, err := m.lock(ctx, types.KindWorkflow, t.Name)
	if err != nil {
		return nil, err
	}
	defer unlock()

	parent, err := m.loader.Resolve(ctx, t.Sibling(types.KindWorkflow))
	if errors.Is(err, types.ErrNotFound) {
		return nil, types.NewPermissionError(t.Path, "%s can only be added to existing workflows", vpath.FileName(t.Kind, t.Name))
	}
	if err != nil {
		return nil, err
	}
	if parent.Signed {
		return nil, types.NewPermissionError(t.Path, "workflow %q is signed and read-only", t.Name)
	}

	m.notifier.Progress(OpUpdate, t.Name, StepUpload, 1, 1)
	var s *remote.Summary
	if t.Kind == types.KindWorkflowView {
		s, err = m.remote.PutView(ctx, parent.ID, content)
	} else {
		s, err = m.remote.PutReadme(ctx, parent.ID, string(content))
	}
	if err != nil {
		return nil, err
	}

	h, ok := m.cache.Lookup(t)
	if !ok {
		h = parent.Clone()
		h.Kind = t.Kind
	}
	size := int64(len(content))
	if t.Kind == types.KindWorkflowView {
		size = int64(len(resources.FormatView(content)))
	}
	h.Touch(summaryModified(s), size)
	m.cache.Put(t, h)

	m.saveBackup(ctx, t.Kind, t.Name, content)
	return &Result{Target: t, Handle: h.Clone()}, nil
}
