// Package fuse exposes a bootstrapped bridge as a FUSE filesystem.
//
// Unlink, rmdir, rename, symlink and setattr fail with ENOTSUP. Because
// setattr covers truncation, opening an existing file with O_TRUNC (a shell
// ">" redirect, for example) fails: the kernel follows the open with a
// SETATTR(size=0) that is rejected. Append to a file or create a new one
// instead.
package fuse

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ajaxzhan/hostfs-bridge/internal/logging"
	"github.com/ajaxzhan/hostfs-bridge/internal/vfs"
	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// Errors for Server
var (
	ErrInvalidMountPoint = errors.New("invalid mount point")
	ErrNoBridge          = errors.New("bridge is required")
)

// Options holds the mount configuration.
type Options struct {
	MountPoint string // Where to mount the FUSE filesystem
	AllowOther bool   // Let other users access the mount
	Debug      bool   // Log every FUSE request
	FsName     string // Name shown in the mount table
}

// Server serves a bridge over FUSE. The kernel issues requests
// concurrently; mu serialises them so the bridge sees one caller at a time.
type Server struct {
	bridge  *vfs.Bridge
	opts    Options
	mu      sync.Mutex
	server  *fuse.Server
	mounted atomic.Bool
}

// NewServer creates a Server for a bootstrapped bridge.
func NewServer(bridge *vfs.Bridge, opts Options) (*Server, error) {
	if bridge == nil {
		return nil, ErrNoBridge
	}
	if opts.MountPoint == "" {
		return nil, ErrInvalidMountPoint
	}
	info, err := os.Stat(opts.MountPoint)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, ErrInvalidMountPoint
	}
	if opts.FsName == "" {
		opts.FsName = "hostfs"
	}

	return &Server{bridge: bridge, opts: opts}, nil
}

// Mount mounts the filesystem. It blocks until the context is cancelled.
func (s *Server) Mount(ctx context.Context) error {
	s.mu.Lock()
	root := &dirNode{srv: s, id: s.bridge.Root()}
	s.mu.Unlock()

	// Nothing is cached beyond a single request
	var noCache time.Duration
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: s.opts.AllowOther,
			FsName:     s.opts.FsName,
			Name:       "hostfs",
			Debug:      s.opts.Debug,
		},
		EntryTimeout:    &noCache,
		AttrTimeout:     &noCache,
		NegativeTimeout: &noCache,
		UID:             uint32(os.Getuid()),
		GID:             uint32(os.Getgid()),
	}

	server, err := fs.Mount(s.opts.MountPoint, root, opts)
	if err != nil {
		return err
	}
	s.server = server
	s.mounted.Store(true)
	logging.Info("FUSE mounted", logging.String("mount_point", s.opts.MountPoint))

	// Wait for context cancellation
	<-ctx.Done()

	if err := server.Unmount(); err != nil {
		return err
	}
	s.mounted.Store(false)
	logging.Info("FUSE unmounted", logging.String("mount_point", s.opts.MountPoint))

	return ctx.Err()
}

// IsMounted returns true if the filesystem is currently mounted.
func (s *Server) IsMounted() bool {
	return s.mounted.Load()
}

func inodeNumber(id vfs.NodeID) uint64 {
	// Ino 1 is the mount root
	return uint64(id) + 2
}

func fillAttr(out *fuse.Attr, id vfs.NodeID, mode uint32, size int64) {
	out.Ino = inodeNumber(id)
	out.Mode = mode
	out.Size = 0
	if size > 0 {
		out.Size = uint64(size)
	}
	out.Nlink = 1
	if vfs.IsDir(mode) {
		out.Nlink = 2
	}
	out.Owner = fuse.Owner{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())}
}

// newChild wraps a bridge node in an inode. Caller holds srv.mu.
func (s *Server) newChild(ctx context.Context, parent *fs.Inode, id vfs.NodeID, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	n, ok := s.bridge.Node(id)
	if !ok {
		return nil, syscall.ENOENT
	}
	fillAttr(&out.Attr, id, n.Mode, n.Size)

	switch n.Kind {
	case vfs.KindDir:
		child := &dirNode{srv: s, id: id}
		return parent.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: inodeNumber(id)}), fs.OK
	case vfs.KindFile:
		child := &fileNode{srv: s, id: id}
		return parent.NewInode(ctx, child, fs.StableAttr{Mode: fuse.S_IFREG, Ino: inodeNumber(id)}), fs.OK
	default:
		return nil, syscall.ENOTSUP
	}
}

func (s *Server) getattr(id vfs.NodeID, out *fuse.AttrOut) syscall.Errno {
	s.mu.Lock()
	defer s.mu.Unlock()

	attr, err := s.bridge.GetAttr(id)
	if err != nil {
		return toErrno(err)
	}
	fillAttr(&out.Attr, id, attr.Mode, attr.Size)
	return fs.OK
}

// dirNode is a directory of the guest tree.
type dirNode struct {
	fs.Inode
	srv *Server
	id  vfs.NodeID
}

var _ = (fs.NodeLookuper)((*dirNode)(nil))
var _ = (fs.NodeReaddirer)((*dirNode)(nil))
var _ = (fs.NodeGetattrer)((*dirNode)(nil))
var _ = (fs.NodeMkdirer)((*dirNode)(nil))
var _ = (fs.NodeCreater)((*dirNode)(nil))
var _ = (fs.NodeUnlinker)((*dirNode)(nil))
var _ = (fs.NodeRmdirer)((*dirNode)(nil))
var _ = (fs.NodeRenamer)((*dirNode)(nil))
var _ = (fs.NodeSymlinker)((*dirNode)(nil))

// Getattr implements fs.NodeGetattrer.
func (d *dirNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return d.srv.getattr(d.id, out)
}

// Lookup implements fs.NodeLookuper.
func (d *dirNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	id, err := d.srv.bridge.Lookup(d.id, name)
	if err != nil {
		return nil, toErrno(err)
	}
	return d.srv.newChild(ctx, d.EmbeddedInode(), id, out)
}

// Readdir implements fs.NodeReaddirer. Listing never looks entries up on the
// host: children the bridge already knows carry their type, the rest are
// reported with an unknown type and resolved by the kernel on demand.
func (d *dirNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	names, err := d.srv.bridge.Enumerate(d.id)
	if err != nil {
		return nil, toErrno(err)
	}
	return fs.NewListDirStream(d.srv.dirEntries(d.id, names)), fs.OK
}

// dirEntries builds the listing of dir. Caller holds srv.mu.
func (s *Server) dirEntries(dir vfs.NodeID, names []string) []fuse.DirEntry {
	result := make([]fuse.DirEntry, 0, len(names))
	for _, name := range names {
		entry := fuse.DirEntry{Name: name}
		if id, ok := s.bridge.Child(dir, name); ok {
			if n, ok := s.bridge.Node(id); ok {
				entry.Mode = n.Mode &^ 0o7777
				entry.Ino = inodeNumber(id)
			}
		}
		result = append(result, entry)
	}
	return result
}

// Mkdir implements fs.NodeMkdirer.
func (d *dirNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	id, err := d.srv.bridge.MakeEntry(d.id, name, fuse.S_IFDIR|mode&0o7777)
	if err != nil {
		return nil, toErrno(err)
	}
	return d.srv.newChild(ctx, d.EmbeddedInode(), id, out)
}

// Create implements fs.NodeCreater.
func (d *dirNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (node *fs.Inode, fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	id, err := d.srv.bridge.MakeEntry(d.id, name, fuse.S_IFREG|mode&0o7777)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}
	stream, err := d.srv.bridge.Open(id, int(flags)|os.O_CREATE)
	if err != nil {
		return nil, nil, 0, toErrno(err)
	}

	child, errno := d.srv.newChild(ctx, d.EmbeddedInode(), id, out)
	if errno != fs.OK {
		d.srv.bridge.Close(stream)
		return nil, nil, 0, errno
	}
	return child, &fileHandle{srv: d.srv, stream: stream}, fuse.FOPEN_DIRECT_IO, fs.OK
}

// Unlink implements fs.NodeUnlinker.
func (d *dirNode) Unlink(ctx context.Context, name string) syscall.Errno {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	return toErrno(d.srv.bridge.Unlink(d.id, name))
}

// Rmdir implements fs.NodeRmdirer.
func (d *dirNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	return toErrno(d.srv.bridge.Rmdir(d.id, name))
}

// Rename implements fs.NodeRenamer.
func (d *dirNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	target, ok := newParent.(*dirNode)
	if !ok {
		return syscall.EINVAL
	}

	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()
	return toErrno(d.srv.bridge.Rename(d.id, name, target.id, newName))
}

// Symlink implements fs.NodeSymlinker.
func (d *dirNode) Symlink(ctx context.Context, target, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	d.srv.mu.Lock()
	defer d.srv.mu.Unlock()

	_, err := d.srv.bridge.Symlink(d.id, name, target)
	return nil, toErrno(err)
}

// fileNode is a regular file of the guest tree.
type fileNode struct {
	fs.Inode
	srv *Server
	id  vfs.NodeID
}

var _ = (fs.NodeGetattrer)((*fileNode)(nil))
var _ = (fs.NodeSetattrer)((*fileNode)(nil))
var _ = (fs.NodeOpener)((*fileNode)(nil))

// Getattr implements fs.NodeGetattrer for files.
func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return f.srv.getattr(f.id, out)
}

// Setattr implements fs.NodeSetattrer. Truncate, chmod and utimes are not
// supported.
func (f *fileNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()
	return toErrno(f.srv.bridge.SetAttr(f.id, vfs.Attr{Mode: in.Mode, Size: int64(in.Size)}))
}

// Open implements fs.NodeOpener for files.
func (f *fileNode) Open(ctx context.Context, flags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	f.srv.mu.Lock()
	defer f.srv.mu.Unlock()

	stream, err := f.srv.bridge.Open(f.id, int(flags))
	if err != nil {
		return nil, 0, toErrno(err)
	}
	return &fileHandle{srv: f.srv, stream: stream}, fuse.FOPEN_DIRECT_IO, fs.OK
}

// fileHandle is an open stream.
type fileHandle struct {
	srv    *Server
	stream *vfs.Stream
}

var _ = (fs.FileReader)((*fileHandle)(nil))
var _ = (fs.FileWriter)((*fileHandle)(nil))
var _ = (fs.FileReleaser)((*fileHandle)(nil))
var _ = (fs.FileLseeker)((*fileHandle)(nil))

// seek moves the stream to off so the transfer can run at the stream
// position. A zero explicit position means "current position" to the bridge.
func (fh *fileHandle) seek(off int64) syscall.Errno {
	if _, err := fh.srv.bridge.Seek(fh.stream, off, io.SeekStart); err != nil {
		return toErrno(err)
	}
	return fs.OK
}

// Read implements fs.FileReader.
func (fh *fileHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	fh.srv.mu.Lock()
	defer fh.srv.mu.Unlock()

	if errno := fh.seek(off); errno != fs.OK {
		return nil, errno
	}
	n := fh.srv.bridge.Read(fh.stream, dest, 0, len(dest), 0)
	return fuse.ReadResultData(dest[:n]), fs.OK
}

// Write implements fs.FileWriter. A write that moves nothing is reported as
// EIO so writers do not retry forever.
func (fh *fileHandle) Write(ctx context.Context, data []byte, off int64) (written uint32, errno syscall.Errno) {
	fh.srv.mu.Lock()
	defer fh.srv.mu.Unlock()

	if errno := fh.seek(off); errno != fs.OK {
		return 0, errno
	}
	n := fh.srv.bridge.Write(fh.stream, data, 0, len(data), 0)
	if n == 0 && len(data) > 0 {
		return 0, syscall.EIO
	}
	return uint32(n), fs.OK
}

// Release implements fs.FileReleaser.
func (fh *fileHandle) Release(ctx context.Context) syscall.Errno {
	fh.srv.mu.Lock()
	defer fh.srv.mu.Unlock()
	return toErrno(fh.srv.bridge.Close(fh.stream))
}

// Lseek implements fs.FileLseeker.
func (fh *fileHandle) Lseek(ctx context.Context, off uint64, whence uint32) (uint64, syscall.Errno) {
	fh.srv.mu.Lock()
	defer fh.srv.mu.Unlock()

	pos, err := fh.srv.bridge.Seek(fh.stream, int64(off), int(whence))
	if err != nil {
		return 0, toErrno(err)
	}
	return uint64(pos), fs.OK
}

// toErrno converts a bridge or host error to a syscall.Errno.
func toErrno(err error) syscall.Errno {
	if err == nil {
		return fs.OK
	}

	var notFound *vfs.NotFoundError
	var invalidMode *vfs.InvalidModeError
	switch {
	case errors.As(err, &notFound):
		return syscall.ENOENT
	case errors.As(err, &invalidMode),
		errors.Is(err, vfs.ErrInvalidName),
		errors.Is(err, vfs.ErrInvalidWhence):
		return syscall.EINVAL
	case errors.Is(err, vfs.ErrNotDir):
		return syscall.ENOTDIR
	case errors.Is(err, vfs.ErrIsDir):
		return syscall.EISDIR
	case errors.Is(err, vfs.ErrNotSupported):
		return syscall.ENOTSUP
	case errors.Is(err, vfs.ErrStreamClosed):
		return syscall.EBADF
	}

	// Host causes, including those wrapped by *vfs.OpenError
	switch {
	case errors.Is(err, types.ErrNotFound):
		return syscall.ENOENT
	case errors.Is(err, types.ErrPermissionDenied):
		return syscall.EACCES
	case errors.Is(err, types.ErrReadOnly):
		return syscall.EROFS
	case errors.Is(err, types.ErrTooManyOpenFiles):
		return syscall.EMFILE
	case errors.Is(err, types.ErrBadDescriptor):
		return syscall.EBADF
	case errors.Is(err, types.ErrIsDirectory):
		return syscall.EISDIR
	case errors.Is(err, types.ErrNotDirectory):
		return syscall.ENOTDIR
	case errors.Is(err, types.ErrInvalidPath):
		return syscall.EINVAL
	case errors.Is(err, os.ErrExist):
		return syscall.EEXIST
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return syscall.EIO
}
