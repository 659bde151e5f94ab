package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"github.com/winfsp/cgofuse/fuse"

	"github.com/beam-cloud/orchfs/pkg/types"
	"github.com/beam-cloud/orchfs/pkg/vfs"
	"github.com/beam-cloud/orchfs/pkg/vpath"
)

const (
	// dirChildrenSize is the max number of directories whose child name sets we cache.
	dirChildrenSize = 1000
	// dirChildrenTTL is how long readdir-informed child sets are valid.
	// Change events from the backend invalidate them immediately.
	dirChildrenTTL = 30 * time.Second

	// negativeCacheSize is the max number of "file does not exist" entries.
	negativeCacheSize = 10000
	// negativeCacheTTL is how long a negative lookup result is cached.
	negativeCacheTTL = 5 * time.Second

	defaultOpTimeout = 2 * time.Minute

	xattrBadge   = "user.orchfs.badge"
	xattrTooltip = "user.orchfs.tooltip"
	xattrID      = "user.orchfs.id"
)

// Config configures the filesystem mount
type Config struct {
	MountPoint string
	DirectIO   bool
	Verbose    bool
	Uid        uint32 // File owner uid (0 = current user)
	Gid        uint32 // File owner gid (0 = current user)
	OpTimeout  time.Duration
}

// ConfigFromMount builds a Config from the application settings.
func ConfigFromMount(cfg types.MountConfig, verbose bool) Config {
	return Config{
		MountPoint: cfg.MountPoint,
		DirectIO:   cfg.DirectIO,
		Verbose:    verbose,
		Uid:        cfg.Uid,
		Gid:        cfg.Gid,
		OpTimeout:  cfg.OpTimeout,
	}
}

// Filesystem is a FUSE filesystem over the orchestration server. Every call
// is translated into a Backend call; writes are buffered per path and stored
// when the file is flushed.
type Filesystem struct {
	config  Config
	backend Backend
	uid     uint32
	gid     uint32
	started time.Time
	trace   *fuseTrace

	// dirChildren caches the set of child names returned by Readdir for each
	// directory path. Getattr checks this before calling the backend: if the
	// parent was recently listed and the name isn't in the set, we return
	// ENOENT instantly.
	dirChildren *expirable.LRU[string, map[string]struct{}]

	// negativeCache is a fallback for paths whose parent was never readdir'd.
	negativeCache *expirable.LRU[string, struct{}]

	unsubscribe func()

	handlesMu sync.Mutex
	handles   map[FileHandle]*openFile
	byPath    map[string]*openFile
	nextFH    FileHandle

	host      *fuse.FileSystemHost
	mounted   bool
	destroyed bool // Set when Destroy() is called by FUSE layer
	mu        sync.Mutex
}

func NewFilesystem(cfg Config, backend Backend) *Filesystem {
	if cfg.MountPoint == "" {
		cfg.MountPoint = "/tmp/orchfs"
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = defaultOpTimeout
	}

	f := &Filesystem{
		config:        cfg,
		backend:       backend,
		uid:           cfg.Uid,
		gid:           cfg.Gid,
		started:       time.Now(),
		trace:         newFuseTraceFromEnv(),
		dirChildren:   expirable.NewLRU[string, map[string]struct{}](dirChildrenSize, nil, dirChildrenTTL),
		negativeCache: expirable.NewLRU[string, struct{}](negativeCacheSize, nil, negativeCacheTTL),
		handles:       make(map[FileHandle]*openFile),
		byPath:        make(map[string]*openFile),
		nextFH:        1,
	}
	if f.uid == 0 {
		f.uid = uint32(os.Getuid())
	}
	if f.gid == 0 {
		f.gid = uint32(os.Getgid())
	}
	f.unsubscribe = backend.Subscribe(f.onChange)
	return f
}

func (f *Filesystem) Mount() error {
	f.mu.Lock()
	if f.mounted {
		f.mu.Unlock()
		return fmt.Errorf("already mounted")
	}
	f.mu.Unlock()

	if err := os.MkdirAll(f.config.MountPoint, 0755); err != nil {
		return err
	}

	f.host = fuse.NewFileSystemHost(newFuseHost(f))

	opts := f.mountOptions()
	if f.config.DirectIO {
		opts = append(opts, "-o", "direct_io")
	}
	if f.config.Verbose {
		log.Debug().Str("path", f.config.MountPoint).Strs("options", opts).Msg("mounting filesystem")
	}

	f.mu.Lock()
	f.mounted = true
	f.mu.Unlock()

	stopTrace := make(chan struct{})
	if f.trace != nil {
		log.Info().Str("mount", f.config.MountPoint).Msg("fuse trace enabled (ORCHFS_FUSE_TRACE=1)")
		go f.trace.reportLoop(stopTrace, f.config.MountPoint)
	}

	ok := f.host.Mount(f.config.MountPoint, opts)
	close(stopTrace)

	f.mu.Lock()
	f.mounted = false
	f.mu.Unlock()

	if !ok {
		return fmt.Errorf("mount failed")
	}
	return nil
}

func (f *Filesystem) Unmount() error {
	f.mu.Lock()
	host := f.host
	destroyed := f.destroyed
	f.mu.Unlock()

	if destroyed || host == nil {
		return nil
	}

	// host.Unmount may block depending on the FUSE backend.
	_ = host.Unmount()
	return nil
}

func (f *Filesystem) IsMounted() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mounted
}

func (f *Filesystem) Destroy() {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()

	if f.unsubscribe != nil {
		f.unsubscribe()
	}
}

func (f *Filesystem) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), f.config.OpTimeout)
}

// onChange drops lookup caches for a changed path. A root event means the
// session changed and nothing cached is trusted.
func (f *Filesystem) onChange(e vfs.ChangeEvent) {
	if e.Path == "/" {
		f.dirChildren.Purge()
		f.negativeCache.Purge()
		return
	}
	f.dirChildren.Remove(e.Path)
	f.dirChildren.Remove(path.Dir(e.Path))
	f.negativeCache.Remove(e.Path)
	prefix := e.Path + "/"
	for _, k := range f.negativeCache.Keys() {
		if strings.HasPrefix(k, prefix) {
			f.negativeCache.Remove(k)
		}
	}
}

// onFileCreated invalidates caches when a new file or directory is created.
func (f *Filesystem) onFileCreated(p string) {
	f.onChange(vfs.ChangeEvent{Type: vfs.ChangeCreated, Path: p})
}

// onFileRemoved updates caches when a file or directory is deleted.
func (f *Filesystem) onFileRemoved(p string) {
	f.onChange(vfs.ChangeEvent{Type: vfs.ChangeDeleted, Path: p})
	f.negativeCache.Add(p, struct{}{})
}

func (f *Filesystem) Statfs() (*StatInfo, error) {
	return &StatInfo{
		Bsize:   4096,
		Blocks:  1 << 30,
		Bfree:   1 << 29,
		Bavail:  1 << 29,
		Files:   1 << 20,
		Ffree:   1 << 19,
		Namemax: 255,
	}, nil
}

func (f *Filesystem) dirInfo(p string, ctime, mtime time.Time) *FileInfo {
	return &FileInfo{
		Ino:   hashToIno(p),
		Mode:  modeDir,
		Nlink: 2,
		Uid:   f.uid,
		Gid:   f.gid,
		Atime: mtime,
		Mtime: mtime,
		Ctime: ctime,
	}
}

func (f *Filesystem) fileInfo(p string, size int64, readOnly bool, ctime, mtime time.Time) *FileInfo {
	mode := uint32(modeFile)
	if readOnly {
		mode = modeReadOnly
	}
	return &FileInfo{
		Ino:   hashToIno(p),
		Size:  size,
		Mode:  mode,
		Nlink: 1,
		Uid:   f.uid,
		Gid:   f.gid,
		Atime: mtime,
		Mtime: mtime,
		Ctime: ctime,
	}
}

func (f *Filesystem) Getattr(p string) (info *FileInfo, err error) {
	defer f.trace.observe("getattr", p, time.Now(), &err)

	if p == "/" {
		return f.dirInfo(p, f.started, f.started), nil
	}

	name := path.Base(p)
	if isHostProbeName(name) {
		return nil, ErrNotFound
	}

	if of := f.pending(p); of != nil {
		of.mu.Lock()
		defer of.mu.Unlock()
		return f.fileInfo(p, int64(len(of.data)), false, of.mtime, of.mtime), nil
	}

	if children, ok := f.dirChildren.Get(path.Dir(p)); ok {
		if _, exists := children[name]; !exists {
			return nil, ErrNotFound
		}
	}
	if _, ok := f.negativeCache.Get(p); ok {
		return nil, ErrNotFound
	}

	ctx, cancel := f.ctx()
	defer cancel()
	st, err := f.backend.Stat(ctx, p)
	if err != nil {
		// Names the tree cannot hold are reported as missing on lookup and
		// refused when created.
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrPermission) {
			f.negativeCache.Add(p, struct{}{})
			return nil, ErrNotFound
		}
		return nil, err
	}

	if st.Type == vfs.FileTypeDirectory {
		return f.dirInfo(p, st.Ctime, st.Mtime), nil
	}
	return f.fileInfo(p, st.Size, st.ReadOnly, st.Ctime, st.Mtime), nil
}

func (f *Filesystem) Opendir(p string) (FileHandle, error) {
	info, err := f.Getattr(p)
	if err != nil {
		return 0, err
	}
	if !info.IsDir() {
		return 0, ErrNotDir
	}
	return 0, nil
}

func (f *Filesystem) Readdir(p string) (entries []DirEntry, err error) {
	defer f.trace.observe("readdir", p, time.Now(), &err)

	ctx, cancel := f.ctx()
	defer cancel()
	list, err := f.backend.ListDirectory(ctx, p)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(list))
	entries = make([]DirEntry, 0, len(list))
	for _, e := range list {
		mode := uint32(modeFile)
		if e.Type == vfs.FileTypeDirectory {
			mode = modeDir
		}
		entries = append(entries, DirEntry{Name: e.Name, Mode: mode})
		seen[e.Name] = true
	}

	// Files created but not yet stored show up in their directory.
	f.handlesMu.Lock()
	for fp, of := range f.byPath {
		if of.created && path.Dir(fp) == p && !seen[path.Base(fp)] {
			entries = append(entries, DirEntry{Name: path.Base(fp), Mode: modeFile})
		}
	}
	f.handlesMu.Unlock()

	f.cacheDirChildren(p, entries)
	return entries, nil
}

// cacheDirChildren stores the set of child names from a readdir result.
func (f *Filesystem) cacheDirChildren(p string, entries []DirEntry) {
	names := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		names[e.Name] = struct{}{}
	}
	f.dirChildren.Add(p, names)
}

// pending returns the buffer of a file created or truncated through this
// mount that has not been stored yet.
func (f *Filesystem) pending(p string) *openFile {
	f.handlesMu.Lock()
	defer f.handlesMu.Unlock()
	if of, ok := f.byPath[p]; ok && (of.created || of.truncated) {
		return of
	}
	return nil
}

func (f *Filesystem) buffer(p string) *openFile {
	f.handlesMu.Lock()
	defer f.handlesMu.Unlock()
	return f.byPath[p]
}

// acquire returns the shared buffer for p and a new handle referencing it.
func (f *Filesystem) acquire(p string) (FileHandle, *openFile) {
	f.handlesMu.Lock()
	defer f.handlesMu.Unlock()

	of, ok := f.byPath[p]
	if !ok {
		of = &openFile{path: p, mtime: time.Now()}
		f.byPath[p] = of
	}
	of.opens++

	fh := f.nextFH
	f.nextFH++
	f.handles[fh] = of
	return fh, of
}

func (f *Filesystem) handle(fh FileHandle) (*openFile, bool) {
	f.handlesMu.Lock()
	defer f.handlesMu.Unlock()
	of, ok := f.handles[fh]
	return of, ok
}

func (f *Filesystem) Open(p string, flags int) (fh FileHandle, err error) {
	defer f.trace.observe("open", p, time.Now(), &err)

	writable := flags&fuse.O_ACCMODE != fuse.O_RDONLY
	if f.pending(p) == nil {
		info, err := f.Getattr(p)
		if err != nil {
			return 0, err
		}
		if info.IsDir() {
			return 0, ErrIsDir
		}
		if writable && info.Mode == modeReadOnly {
			return 0, ErrPermission
		}
	}

	fh, of := f.acquire(p)
	of.mu.Lock()
	defer of.mu.Unlock()
	if writable {
		of.writable = true
	}
	if flags&fuse.O_TRUNC != 0 && writable {
		of.data = nil
		of.loaded = true
		of.dirty = true
		of.truncated = true
		of.mtime = time.Now()
	}
	return fh, nil
}

// Create starts a new file. Nothing reaches the server until the file is
// flushed with content.
func (f *Filesystem) Create(p string, flags int, mode uint32) (fh FileHandle, err error) {
	defer f.trace.observe("create", p, time.Now(), &err)

	t, err := vpath.Classify(p)
	if err != nil {
		return 0, err
	}
	if err := vpath.ValidateWrite(t); err != nil {
		return 0, err
	}

	fh, of := f.acquire(p)
	of.mu.Lock()
	of.created = true
	of.loaded = true
	of.writable = true
	of.mtime = time.Now()
	of.mu.Unlock()

	f.onFileCreated(p)
	return fh, nil
}

// load fetches the current content once per open buffer. Caller holds of.mu.
func (f *Filesystem) load(of *openFile) error {
	if of.loaded {
		return nil
	}
	ctx, cancel := f.ctx()
	defer cancel()
	data, err := f.backend.ReadFile(ctx, of.path)
	if err != nil {
		return err
	}
	of.data = data
	of.loaded = true
	return nil
}

func (f *Filesystem) Read(p string, buf []byte, off int64, fh FileHandle) (n int, err error) {
	defer f.trace.observe("read", p, time.Now(), &err)

	of, ok := f.handle(fh)
	if !ok {
		return 0, syscall.EBADF
	}
	of.mu.Lock()
	defer of.mu.Unlock()
	if err := f.load(of); err != nil {
		return 0, err
	}
	if off >= int64(len(of.data)) {
		return 0, nil
	}
	return copy(buf, of.data[off:]), nil
}

func (f *Filesystem) Write(p string, buf []byte, off int64, fh FileHandle) (n int, err error) {
	defer f.trace.observe("write", p, time.Now(), &err)

	of, ok := f.handle(fh)
	if !ok || !of.writable {
		return 0, syscall.EBADF
	}
	of.mu.Lock()
	defer of.mu.Unlock()
	if err := f.load(of); err != nil {
		return 0, err
	}

	end := off + int64(len(buf))
	if end > int64(len(of.data)) {
		grown := make([]byte, end)
		copy(grown, of.data)
		of.data = grown
	}
	copy(of.data[off:], buf)
	of.dirty = true
	of.mtime = time.Now()
	return len(buf), nil
}

func resize(data []byte, size int64) []byte {
	if size <= int64(len(data)) {
		return data[:size]
	}
	grown := make([]byte, size)
	copy(grown, data)
	return grown
}

// Truncate resizes an open buffer, or reads, resizes and stores the file when
// no handle is given.
func (f *Filesystem) Truncate(p string, size int64, fh FileHandle) error {
	if size < 0 {
		return ErrInvalid
	}
	of, ok := f.handle(fh)
	if !ok {
		of = f.buffer(p)
	}
	if of != nil {
		of.mu.Lock()
		defer of.mu.Unlock()
		if err := f.load(of); err != nil {
			return err
		}
		of.data = resize(of.data, size)
		of.dirty = true
		of.mtime = time.Now()
		return nil
	}

	if size == 0 {
		// open(O_TRUNC) may arrive as a truncate followed by the open. The
		// empty buffer is stored when that handle is flushed.
		f.handlesMu.Lock()
		f.byPath[p] = &openFile{path: p, loaded: true, dirty: true, truncated: true, writable: true, mtime: time.Now()}
		f.handlesMu.Unlock()
		return nil
	}

	ctx, cancel := f.ctx()
	defer cancel()
	data, err := f.backend.ReadFile(ctx, p)
	if err != nil {
		return err
	}
	_, err = f.backend.WriteFile(ctx, p, resize(data, size), vfs.WriteOptions{Overwrite: true})
	return err
}

// flush stores a dirty buffer. A failed store is reported once; the buffer is
// kept so later reads through the same handle see what was written.
func (f *Filesystem) flush(of *openFile) error {
	of.mu.Lock()
	defer of.mu.Unlock()
	if !of.dirty {
		return nil
	}
	of.dirty = false

	ctx, cancel := f.ctx()
	defer cancel()
	opts := vfs.WriteOptions{Create: of.created, Overwrite: !of.created}
	if _, err := f.backend.WriteFile(ctx, of.path, of.data, opts); err != nil {
		log.Warn().Err(err).Str("path", of.path).Msg("failed to store file")
		return err
	}

	of.truncated = false
	if of.created {
		of.created = false
		f.onFileCreated(of.path)
	}
	return nil
}

// Flush is called on every close() of a file descriptor so that validation
// failures reach the closing process.
func (f *Filesystem) Flush(p string, fh FileHandle) error {
	of, ok := f.handle(fh)
	if !ok {
		return nil
	}
	return f.flush(of)
}

func (f *Filesystem) Fsync(p string, datasync bool, fh FileHandle) error {
	return f.Flush(p, fh)
}

func (f *Filesystem) Release(p string, fh FileHandle) error {
	of, ok := f.handle(fh)
	if !ok {
		return nil
	}
	err := f.flush(of)

	f.handlesMu.Lock()
	delete(f.handles, fh)
	of.opens--
	if of.opens <= 0 && f.byPath[of.path] == of {
		delete(f.byPath, of.path)
	}
	f.handlesMu.Unlock()
	return err
}

func (f *Filesystem) Mkdir(p string, mode uint32) (err error) {
	defer f.trace.observe("mkdir", p, time.Now(), &err)

	ctx, cancel := f.ctx()
	defer cancel()
	if err := f.backend.CreateDirectory(ctx, p); err != nil {
		return err
	}
	f.onFileCreated(p)
	return nil
}

func (f *Filesystem) remove(op, p string) (err error) {
	defer f.trace.observe(op, p, time.Now(), &err)

	ctx, cancel := f.ctx()
	defer cancel()
	if err := f.backend.Delete(ctx, p); err != nil {
		return err
	}
	f.onFileRemoved(p)
	return nil
}

func (f *Filesystem) Rmdir(p string) error  { return f.remove("rmdir", p) }
func (f *Filesystem) Unlink(p string) error { return f.remove("unlink", p) }

func (f *Filesystem) Rename(oldpath, newpath string) (err error) {
	defer f.trace.observe("rename", oldpath, time.Now(), &err)

	ctx, cancel := f.ctx()
	defer cancel()
	if err := f.backend.Rename(ctx, oldpath, newpath, vfs.RenameOptions{Overwrite: true}); err != nil {
		return err
	}
	f.onFileRemoved(oldpath)
	f.onFileCreated(newpath)
	return nil
}

// Getxattr exposes the decoration of an entry and the server id.
func (f *Filesystem) Getxattr(p, name string) ([]byte, error) {
	var value string
	switch name {
	case xattrBadge:
		value = f.backend.Decoration(p).Badge
	case xattrTooltip:
		value = f.backend.Decoration(p).Tooltip
	case xattrID:
		ctx, cancel := f.ctx()
		defer cancel()
		st, err := f.backend.Stat(ctx, p)
		if err != nil {
			return nil, err
		}
		value = st.ID
	}
	if value == "" {
		return nil, ErrNoAttr
	}
	return []byte(value), nil
}

func (f *Filesystem) Listxattr(p string) ([]string, error) {
	var names []string
	d := f.backend.Decoration(p)
	if d.Badge != "" {
		names = append(names, xattrBadge)
	}
	if d.Tooltip != "" {
		names = append(names, xattrTooltip)
	}
	if p != "/" && !isCollectionRoot(p) {
		names = append(names, xattrID)
	}
	return names, nil
}

func isCollectionRoot(p string) bool {
	for _, c := range types.Collections {
		if p == "/"+c {
			return true
		}
	}
	return false
}
