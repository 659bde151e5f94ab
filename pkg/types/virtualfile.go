package types

import (
	"path"
	"time"
)

// VirtualFile is one entry of the tree as served by the HTTP API.
type VirtualFile struct {
	ID         string       `json:"id,omitempty"`
	Name       string       `json:"name"`
	Path       string       `json:"path"`
	Kind       ResourceKind `json:"kind,omitempty"`
	IsFolder   bool         `json:"is_folder"`
	IsReadOnly bool         `json:"is_readonly,omitempty"`
	Size       int64        `json:"size,omitempty"`
	CreatedAt  *time.Time   `json:"created_at,omitempty"`
	ModifiedAt *time.Time   `json:"modified_at,omitempty"`

	// Decoration
	Badge   string `json:"badge,omitempty"`
	Tooltip string `json:"tooltip,omitempty"`
	Hidden  bool   `json:"hidden,omitempty"`
	Draft   bool   `json:"draft,omitempty"`
}

// VirtualFileListResponse is the response for listing directory contents
type VirtualFileListResponse struct {
	Path    string        `json:"path"`
	Entries []VirtualFile `json:"entries"`
}

// NewVirtualFile creates an entry named by the last element of p.
func NewVirtualFile(p string, isFolder bool) *VirtualFile {
	name := path.Base(p)
	if p == "/" {
		name = ""
	}
	return &VirtualFile{Name: name, Path: p, IsFolder: isFolder}
}

// WithTimes sets the creation and modification times. Zero times are left unset.
func (f *VirtualFile) WithTimes(created, modified time.Time) *VirtualFile {
	if !created.IsZero() {
		f.CreatedAt = &created
	}
	if !modified.IsZero() {
		f.ModifiedAt = &modified
	}
	return f
}
