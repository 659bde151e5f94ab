package vfs

import "time"

type FileType int

const (
	FileTypeFile FileType = iota
	FileTypeDirectory
)

func (t FileType) String() string {
	if t == FileTypeDirectory {
		return "directory"
	}
	return "file"
}

type DirEntry struct {
	Name string   `json:"name"`
	Type FileType `json:"type"`
}

// FileStat is the host-facing metadata of a path.
type FileStat struct {
	Type     FileType  `json:"type"`
	Ctime    time.Time `json:"ctime"`
	Mtime    time.Time `json:"mtime"`
	Size     int64     `json:"size"`
	ReadOnly bool      `json:"read_only"`
	// ID is the remote id, empty for synthetic directories.
	ID string `json:"id,omitempty"`
}

type WriteOptions struct {
	Create    bool
	Overwrite bool
}

type RenameOptions struct {
	Overwrite bool
}

type ChangeType string

const (
	ChangeCreated ChangeType = "created"
	ChangeChanged ChangeType = "changed"
	ChangeDeleted ChangeType = "deleted"
)

// ChangeEvent tells the host to drop its view of Path. A change of "/"
// invalidates the whole tree.
type ChangeEvent struct {
	Type ChangeType `json:"type"`
	Path string     `json:"path"`
}
