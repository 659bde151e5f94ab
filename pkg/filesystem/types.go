package filesystem

import (
	"context"
	"hash/fnv"
	"io/fs"
	"sync"
	"syscall"
	"time"

	"github.com/beam-cloud/orchfs/pkg/lifecycle"
	"github.com/beam-cloud/orchfs/pkg/vfs"
)

// Backend is the path-based view the mount translates FUSE calls into.
// *vfs.Adapter implements it.
type Backend interface {
	ListDirectory(ctx context.Context, p string) ([]vfs.DirEntry, error)
	Stat(ctx context.Context, p string) (*vfs.FileStat, error)
	ReadFile(ctx context.Context, p string) ([]byte, error)
	WriteFile(ctx context.Context, p string, data []byte, opts vfs.WriteOptions) (*lifecycle.Result, error)
	Rename(ctx context.Context, oldPath, newPath string, opts vfs.RenameOptions) error
	Delete(ctx context.Context, p string) error
	CreateDirectory(ctx context.Context, p string) error
	Decoration(p string) vfs.Decoration
	Subscribe(fn func(vfs.ChangeEvent)) func()
}

type FileInfo struct {
	Ino   uint64
	Size  int64
	Mode  uint32
	Nlink uint32
	Uid   uint32
	Gid   uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

func (fi *FileInfo) IsDir() bool     { return fi.Mode&syscall.S_IFDIR != 0 }
func (fi *FileInfo) IsRegular() bool { return fi.Mode&syscall.S_IFREG != 0 }

type DirEntry struct {
	Name string
	Mode uint32
}

type StatInfo struct {
	Bsize   uint64
	Blocks  uint64
	Bfree   uint64
	Bavail  uint64
	Files   uint64
	Ffree   uint64
	Namemax uint64
}

type FileHandle uint64

// openFile buffers one open file. Content is fetched on first read and
// written back as a whole when the handle is flushed.
type openFile struct {
	mu sync.Mutex

	path      string
	data      []byte
	loaded    bool
	dirty     bool
	created   bool
	truncated bool
	writable  bool
	opens     int // guarded by Filesystem.handlesMu
	mtime     time.Time
}

var (
	ErrNotFound   = fs.ErrNotExist
	ErrPermission = fs.ErrPermission
	ErrExist      = fs.ErrExist
	ErrNotDir     = syscall.ENOTDIR
	ErrIsDir      = syscall.EISDIR
	ErrInvalid    = fs.ErrInvalid
	ErrNoAttr     = syscall.ENODATA // ENOATTR on macOS maps to ENODATA
)

const (
	modeDir      = syscall.S_IFDIR | 0755
	modeFile     = syscall.S_IFREG | 0644
	modeReadOnly = syscall.S_IFREG | 0444
)

// hashToIno derives a stable inode number from a path. Files of one workflow
// share a server id, so the path is hashed instead.
func hashToIno(path string) uint64 {
	if path == "/" {
		return 1
	}
	h := fnv.New64a()
	h.Write([]byte(path))
	ino := h.Sum64()
	if ino <= 1 {
		ino += 2
	}
	return ino
}
