package filesystem

import (
	"errors"
	"path"
	"syscall"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/beam-cloud/orchfs/pkg/common"
	"github.com/beam-cloud/orchfs/pkg/types"
)

// fuseHost binds Filesystem to cgofuse. Links are left to FileSystemBase,
// which answers ENOSYS.
type fuseHost struct {
	fuse.FileSystemBase
	fs *Filesystem
}

func newFuseHost(fs *Filesystem) *fuseHost {
	return &fuseHost{fs: fs}
}

func (h *fuseHost) Destroy() { h.fs.Destroy() }

func (h *fuseHost) Statfs(p string, st *fuse.Statfs_t) int {
	info, err := h.fs.Statfs()
	if err != nil {
		return toErrno(err)
	}
	*st = fuse.Statfs_t{
		Bsize:   info.Bsize,
		Frsize:  info.Bsize,
		Blocks:  info.Blocks,
		Bfree:   info.Bfree,
		Bavail:  info.Bavail,
		Files:   info.Files,
		Ffree:   info.Ffree,
		Favail:  info.Ffree,
		Namemax: info.Namemax,
	}
	return 0
}

func (h *fuseHost) Getattr(p string, st *fuse.Stat_t, fh uint64) int {
	info, err := h.fs.Getattr(p)
	if err != nil {
		return toErrno(err)
	}
	fillStat(st, info)
	return 0
}

func (h *fuseHost) Mkdir(p string, mode uint32) int { return toErrno(h.fs.Mkdir(p, mode)) }
func (h *fuseHost) Rmdir(p string) int              { return toErrno(h.fs.Rmdir(p)) }
func (h *fuseHost) Unlink(p string) int             { return toErrno(h.fs.Unlink(p)) }
func (h *fuseHost) Rename(from, to string) int      { return toErrno(h.fs.Rename(from, to)) }

// The server keeps no modes, owners or access times. Editors still set them
// after a save, so the calls succeed and change nothing.
func (h *fuseHost) Chmod(p string, mode uint32) int               { return 0 }
func (h *fuseHost) Chown(p string, uid, gid uint32) int           { return 0 }
func (h *fuseHost) Utimens(p string, tmsp []fuse.Timespec) int    { return 0 }
func (h *fuseHost) Setxattr(p, name string, v []byte, fl int) int { return 0 }
func (h *fuseHost) Removexattr(p, name string) int                { return 0 }

func (h *fuseHost) Open(p string, flags int) (int, uint64) {
	fh, err := h.fs.Open(p, flags)
	if err != nil {
		return toErrno(err), 0
	}
	return 0, uint64(fh)
}

func (h *fuseHost) Create(p string, flags int, mode uint32) (int, uint64) {
	fh, err := h.fs.Create(p, flags, mode)
	if err != nil {
		return toErrno(err), 0
	}
	return 0, uint64(fh)
}

func (h *fuseHost) Read(p string, buf []byte, off int64, fh uint64) int {
	n, err := h.fs.Read(p, buf, off, FileHandle(fh))
	if err != nil {
		return toErrno(err)
	}
	return n
}

func (h *fuseHost) Write(p string, buf []byte, off int64, fh uint64) int {
	n, err := h.fs.Write(p, buf, off, FileHandle(fh))
	if err != nil {
		return toErrno(err)
	}
	return n
}

func (h *fuseHost) Truncate(p string, size int64, fh uint64) int {
	return toErrno(h.fs.Truncate(p, size, FileHandle(fh)))
}

// Flush commits the handle's buffer to the server, so a rejected definition
// fails the close() of the editor.
func (h *fuseHost) Flush(p string, fh uint64) int {
	return toErrno(h.fs.Flush(p, FileHandle(fh)))
}

func (h *fuseHost) Fsync(p string, datasync bool, fh uint64) int {
	return toErrno(h.fs.Fsync(p, datasync, FileHandle(fh)))
}

func (h *fuseHost) Release(p string, fh uint64) int {
	return toErrno(h.fs.Release(p, FileHandle(fh)))
}

func (h *fuseHost) Opendir(p string) (int, uint64) {
	fh, err := h.fs.Opendir(p)
	if err != nil {
		return toErrno(err), 0
	}
	return 0, uint64(fh)
}

func (h *fuseHost) Readdir(p string, fill func(string, *fuse.Stat_t, int64) bool, off int64, fh uint64) int {
	entries, err := h.fs.Readdir(p)
	if err != nil {
		return toErrno(err)
	}

	var self fuse.Stat_t
	if info, err := h.fs.Getattr(p); err == nil {
		fillStat(&self, info)
	}
	fill(".", &self, 0)
	fill("..", nil, 0)

	// Mode and inode only; sizes come from Getattr.
	for _, e := range entries {
		st := fuse.Stat_t{Ino: hashToIno(path.Join(p, e.Name)), Mode: e.Mode}
		if !fill(e.Name, &st, 0) {
			break
		}
	}
	return 0
}

func (h *fuseHost) Getxattr(p, name string) (int, []byte) {
	data, err := h.fs.Getxattr(p, name)
	if err != nil {
		return toErrno(err), nil
	}
	return 0, data
}

func (h *fuseHost) Listxattr(p string, fill func(string) bool) int {
	names, err := h.fs.Listxattr(p)
	if err != nil {
		return toErrno(err)
	}
	for _, name := range names {
		if !fill(name) {
			break
		}
	}
	return 0
}

func fillStat(st *fuse.Stat_t, info *FileInfo) {
	*st = fuse.Stat_t{
		Dev:      1,
		Ino:      info.Ino,
		Mode:     info.Mode,
		Nlink:    info.Nlink,
		Uid:      info.Uid,
		Gid:      info.Gid,
		Size:     info.Size,
		Atim:     fuse.NewTimespec(info.Atime),
		Mtim:     fuse.NewTimespec(info.Mtime),
		Ctim:     fuse.NewTimespec(info.Ctime),
		Birthtim: fuse.NewTimespec(info.Ctime),
		Blksize:  4096,
		Blocks:   (info.Size + 511) / 512,
	}
}

// toErrno maps orchfs errors to a negated errno. Domain errors go first
// since some of them wrap transport failures.
func toErrno(err error) int {
	if err == nil {
		return 0
	}

	switch {
	case errors.Is(err, types.ErrValidation):
		return -int(syscall.EINVAL)
	case errors.Is(err, types.ErrPermission), errors.Is(err, types.ErrUnauthenticated):
		return -int(syscall.EACCES)
	case errors.Is(err, types.ErrExists), errors.Is(err, types.ErrCloneExists):
		return -int(syscall.EEXIST)
	case errors.Is(err, types.ErrNotFound):
		return -int(syscall.ENOENT)
	case errors.Is(err, common.ErrLocked):
		return -int(syscall.EBUSY)
	case errors.Is(err, types.ErrStuckInDraft), errors.Is(err, types.ErrUnreachable):
		return -int(syscall.EIO)
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return -int(errno)
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return -int(syscall.ENOENT)
	case errors.Is(err, ErrPermission):
		return -int(syscall.EACCES)
	case errors.Is(err, ErrExist):
		return -int(syscall.EEXIST)
	case errors.Is(err, ErrInvalid):
		return -int(syscall.EINVAL)
	default:
		return -int(syscall.EIO)
	}
}
