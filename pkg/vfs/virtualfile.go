package vfs

import (
	"context"
	"path"

	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

// VirtualFile describes p with its metadata and decoration.
func (a *Adapter) VirtualFile(ctx context.Context, p string) (types.VirtualFile, error) {
	st, err := a.Stat(ctx, p)
	if err != nil {
		return types.VirtualFile{}, err
	}

	vf := types.NewVirtualFile(p, st.Type == FileTypeDirectory).WithTimes(st.Ctime, st.Mtime)
	vf.ID = st.ID
	vf.IsReadOnly = st.ReadOnly
	vf.Size = st.Size
	if t, err := vpath.Classify(p); err == nil {
		vf.Kind = t.Kind
	}

	d := a.Decoration(p)
	vf.Badge, vf.Tooltip, vf.Hidden, vf.Draft = d.Badge, d.Tooltip, d.Hidden, d.Draft
	return *vf, nil
}

// ListVirtualFiles lists p as VirtualFile entries. Entries that vanish between
// the listing and their stat are skipped.
func (a *Adapter) ListVirtualFiles(ctx context.Context, p string) ([]types.VirtualFile, error) {
	entries, err := a.ListDirectory(ctx, p)
	if err != nil {
		return nil, err
	}

	out := make([]types.VirtualFile, 0, len(entries))
	for _, e := range entries {
		vf, err := a.VirtualFile(ctx, path.Join(p, e.Name))
		if err != nil {
			continue
		}
		out = append(out, vf)
	}
	return out, nil
}
