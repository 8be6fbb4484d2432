package hostfs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// DirVolume exposes a directory tree through an afero.Fs.
type DirVolume struct {
	fs afero.Fs
}

// NewDirVolume wraps fsys. Paths are resolved from fsys's root.
func NewDirVolume(fsys afero.Fs) *DirVolume {
	return &DirVolume{fs: fsys}
}

// OpenDirVolume exposes the host directory at path. The directory is jailed
// with afero.BasePathFs, and wrapped read-only unless mode permits writes.
func OpenDirVolume(path string, mode types.AccessMode) (*DirVolume, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat volume directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", types.ErrNotDirectory, path)
	}

	var fsys afero.Fs = afero.NewBasePathFs(afero.NewOsFs(), path)
	if !mode.CanWrite() {
		fsys = afero.NewReadOnlyFs(fsys)
	}
	return NewDirVolume(fsys), nil
}

// Root implements Volume.
func (v *DirVolume) Root() (INode, error) {
	fi, err := v.fs.Stat(string(filepath.Separator))
	if err != nil {
		return nil, mapOSError(err)
	}
	return &dirInode{v: v, path: string(filepath.Separator), fi: fi}, nil
}

type dirInode struct {
	v    *DirVolume
	path string
	fi   os.FileInfo
}

func (n *dirInode) Info() types.NodeInfo {
	info := types.NodeInfo{
		Type:   types.NodeTypeFile,
		Access: types.AccessReadOnly,
		Size:   n.fi.Size(),
	}
	if n.fi.IsDir() {
		info.Type = types.NodeTypeDir
		info.Size = 0
	}
	if n.fi.Mode().Perm()&0o200 != 0 {
		info.Access = types.AccessReadWrite
	}
	return info
}

func (n *dirInode) child(name string) string {
	return filepath.Join(n.path, name)
}

func (n *dirInode) Lookup(name string) (INode, error) {
	if !n.fi.IsDir() {
		return nil, types.ErrNotDirectory
	}
	p := n.child(name)
	fi, err := n.v.fs.Stat(p)
	if err != nil {
		return nil, mapOSError(err)
	}
	return &dirInode{v: n.v, path: p, fi: fi}, nil
}

func (n *dirInode) Mkdir(name string) (INode, error) {
	if !n.fi.IsDir() {
		return nil, types.ErrNotDirectory
	}
	p := n.child(name)
	if err := n.v.fs.Mkdir(p, 0o755); err != nil {
		return nil, mapOSError(err)
	}
	fi, err := n.v.fs.Stat(p)
	if err != nil {
		return nil, mapOSError(err)
	}
	return &dirInode{v: n.v, path: p, fi: fi}, nil
}

func (n *dirInode) Open(name string, mode types.AccessMode, create bool) (Stream, error) {
	if !n.fi.IsDir() {
		return nil, types.ErrNotDirectory
	}

	var flags int
	switch mode {
	case types.AccessReadOnly:
		flags = os.O_RDONLY
	case types.AccessWriteOnly:
		flags = os.O_WRONLY
	case types.AccessReadWrite:
		flags = os.O_RDWR
	default:
		return nil, fmt.Errorf("%w: open mode %q", types.ErrPermissionDenied, mode)
	}
	if create {
		flags |= os.O_CREATE
	}

	f, err := n.v.fs.OpenFile(n.child(name), flags, 0o644)
	if err != nil {
		return nil, mapOSError(err)
	}
	return &fileStream{f: f}, nil
}

func (n *dirInode) ReadDir() ([]string, error) {
	if !n.fi.IsDir() {
		return nil, types.ErrNotDirectory
	}
	f, err := n.v.fs.Open(n.path)
	if err != nil {
		return nil, mapOSError(err)
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, mapOSError(err)
	}
	return names, nil
}

// fileStream adapts an afero.File to Stream.
type fileStream struct {
	f afero.File
}

func (s *fileStream) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.f.ReadAt(p, off)
	// Backends report reads at or past end of file as io.EOF or
	// io.ErrUnexpectedEOF
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, mapOSError(err)
	}
	return n, nil
}

func (s *fileStream) WriteAt(p []byte, off int64) (int, error) {
	n, err := s.f.WriteAt(p, off)
	if err != nil {
		return n, mapOSError(err)
	}
	return n, nil
}

func (s *fileStream) Close() error {
	return s.f.Close()
}

// mapOSError attaches the matching types sentinel to an OS error so callers
// can test with errors.Is regardless of backend.
func mapOSError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %v", types.ErrNotFound, err)
	case errors.Is(err, os.ErrPermission):
		return fmt.Errorf("%w: %v", types.ErrPermissionDenied, err)
	default:
		return err
	}
}
