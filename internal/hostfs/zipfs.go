package hostfs

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// ZipVolume exposes the contents of a zip archive as a read-only tree.
type ZipVolume struct {
	closer io.Closer
	root   *zipEntry
}

type zipEntry struct {
	file     *zip.File
	size     int64
	children map[string]*zipEntry // nil for files
}

func (e *zipEntry) isDir() bool { return e.children != nil }

// OpenZipVolume opens the archive at path. Close releases it.
func OpenZipVolume(path string) (*ZipVolume, error) {
	rc, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip volume: %w", err)
	}
	v, err := newZipVolume(&rc.Reader)
	if err != nil {
		rc.Close()
		return nil, err
	}
	v.closer = rc
	return v, nil
}

// NewZipVolume reads an archive of the given size from r.
func NewZipVolume(r io.ReaderAt, size int64) (*ZipVolume, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("failed to read zip volume: %w", err)
	}
	return newZipVolume(zr)
}

func newZipVolume(zr *zip.Reader) (*ZipVolume, error) {
	root := &zipEntry{children: make(map[string]*zipEntry)}

	for _, f := range zr.File {
		name := strings.Trim(f.Name, "/")
		if name == "" {
			continue
		}
		parts, err := SplitPath(name)
		if err != nil {
			// Entries that would escape the archive root are not exposed
			continue
		}

		dir := root
		for _, part := range parts[:len(parts)-1] {
			next, ok := dir.children[part]
			if !ok {
				next = &zipEntry{children: make(map[string]*zipEntry)}
				dir.children[part] = next
			}
			if !next.isDir() {
				return nil, fmt.Errorf("zip entry %q is both a file and a directory", part)
			}
			dir = next
		}

		last := parts[len(parts)-1]
		if f.FileInfo().IsDir() || strings.HasSuffix(f.Name, "/") {
			if existing, ok := dir.children[last]; ok && existing.isDir() {
				existing.file = f
				continue
			}
			dir.children[last] = &zipEntry{file: f, children: make(map[string]*zipEntry)}
			continue
		}
		dir.children[last] = &zipEntry{file: f, size: int64(f.UncompressedSize64)}
	}

	return &ZipVolume{root: root}, nil
}

// Root implements Volume.
func (v *ZipVolume) Root() (INode, error) {
	return &zipInode{entry: v.root}, nil
}

// Close releases the archive when the volume was opened from a path.
func (v *ZipVolume) Close() error {
	if v.closer == nil {
		return nil
	}
	return v.closer.Close()
}

type zipInode struct {
	entry *zipEntry
}

func (n *zipInode) Info() types.NodeInfo {
	if n.entry.isDir() {
		return types.NodeInfo{Type: types.NodeTypeDir, Access: types.AccessReadOnly}
	}
	return types.NodeInfo{Type: types.NodeTypeFile, Access: types.AccessReadOnly, Size: n.entry.size}
}

func (n *zipInode) find(name string) (*zipEntry, error) {
	if !n.entry.isDir() {
		return nil, types.ErrNotDirectory
	}
	child, ok := n.entry.children[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, name)
	}
	return child, nil
}

func (n *zipInode) Lookup(name string) (INode, error) {
	child, err := n.find(name)
	if err != nil {
		return nil, err
	}
	return &zipInode{entry: child}, nil
}

func (n *zipInode) Mkdir(name string) (INode, error) {
	return nil, types.ErrReadOnly
}

func (n *zipInode) Open(name string, mode types.AccessMode, create bool) (Stream, error) {
	if mode != types.AccessReadOnly {
		return nil, types.ErrReadOnly
	}
	child, err := n.find(name)
	if err != nil {
		if create && errors.Is(err, types.ErrNotFound) {
			return nil, types.ErrReadOnly
		}
		return nil, err
	}
	if child.isDir() {
		return nil, types.ErrIsDirectory
	}

	rc, err := child.file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to inflate %s: %w", name, err)
	}
	return &memStream{r: bytes.NewReader(content)}, nil
}

func (n *zipInode) ReadDir() ([]string, error) {
	if !n.entry.isDir() {
		return nil, types.ErrNotDirectory
	}
	names := make([]string, 0, len(n.entry.children))
	for name := range n.entry.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// memStream serves an inflated zip entry.
type memStream struct {
	r *bytes.Reader
}

func (s *memStream) ReadAt(p []byte, off int64) (int, error) {
	n, err := s.r.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	return n, nil
}

func (s *memStream) WriteAt(p []byte, off int64) (int, error) {
	return 0, types.ErrReadOnly
}

func (s *memStream) Close() error {
	return nil
}
