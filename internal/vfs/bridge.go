// Package vfs implements the bridge between a guest filesystem tree and the
// host volume provider.
//
// The bridge owns a lazily materialized tree of nodes. Every volume-backed
// node is identified by its (volume, tag) pair, where the tag is the node's
// path relative to the volume root. Nodes are created on lookup and never
// freed. Streams bind a file node to a host descriptor between Open and
// Close.
//
// The bridge is not safe for concurrent use. Callers serialise access.
package vfs

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/ajaxzhan/hostfs-bridge/internal/logging"
	"github.com/ajaxzhan/hostfs-bridge/internal/metrics"
	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// Provider is the host volume provider the bridge delegates to.
type Provider interface {
	ListVolumes() []types.VolumeInfo
	Lookup(vol types.VolumeID, tag string) (types.NodeInfo, error)
	Enumerate(vol types.VolumeID, tag string) ([]string, error)
	MakeDirectory(vol types.VolumeID, tag string) (types.NodeInfo, error)
	Open(vol types.VolumeID, tag string, mode types.AccessMode, create bool) (types.Descriptor, error)
	Read(fd types.Descriptor, p []byte, position int64) (int, error)
	Write(fd types.Descriptor, p []byte, position int64) (int, error)
	Close(fd types.Descriptor) error
}

// Options configures a Bridge.
type Options struct {
	// ReservedNames extends DefaultReservedNames.
	ReservedNames []string

	// WorkDir is the guest working directory set after mounting.
	WorkDir string

	// OnDegraded is called for every read or write that was reported as
	// zero bytes because of a host fault.
	OnDegraded func(TransferDegradation)

	// Metrics receives instrumentation. Unregistered collectors are used
	// when nil.
	Metrics *metrics.Metrics
}

// Synthetic directories present before any volume is mounted.
var startupDirs = []string{"tmp", "home", "dev", "proc"}

// Bridge translates guest filesystem operations into provider calls.
type Bridge struct {
	provider Provider
	opts     Options
	metrics  *metrics.Metrics
	reserved map[string]struct{}

	nodes  []*Node
	index  map[nodeKey]NodeID
	mounts []Mount

	cwd     NodeID
	cwdPath string
}

// Attr is the attribute view returned by GetAttr.
type Attr struct {
	Mode      uint32
	Size      int64
	Kind      Kind
	Volume    types.VolumeID
	Tag       string
	Synthetic bool
}

// New creates a bridge with the guest root and the startup directories.
// Call Bootstrap before serving guest operations.
func New(provider Provider, opts Options) *Bridge {
	m := opts.Metrics
	if m == nil {
		m = metrics.New(nil)
	}

	b := &Bridge{
		provider: provider,
		opts:     opts,
		metrics:  m,
		reserved: make(map[string]struct{}),
		index:    make(map[nodeKey]NodeID),
		cwd:      RootID,
		cwdPath:  "/",
	}
	for _, name := range DefaultReservedNames {
		b.reserved[name] = struct{}{}
	}
	for _, name := range opts.ReservedNames {
		b.reserved[name] = struct{}{}
	}

	root := b.appendNode(&Node{
		Name:      "/",
		Kind:      KindDir,
		Mode:      syntheticDirMode,
		Synthetic: true,
		entries:   make(map[string]NodeID),
	})
	for _, name := range startupDirs {
		b.newSynthetic(root, name)
	}
	return b
}

// Root returns the guest root, or the volume mounted over it.
func (b *Bridge) Root() NodeID {
	return b.follow(RootID)
}

// Node returns a snapshot of the node.
func (b *Bridge) Node(id NodeID) (Node, bool) {
	n, err := b.node(id)
	if err != nil {
		return Node{}, false
	}
	snapshot := *n
	snapshot.entries = nil
	return snapshot, true
}

// dir returns the directory an operation on id acts on, following mounts.
func (b *Bridge) dir(id NodeID) (*Node, error) {
	if _, err := b.node(id); err != nil {
		return nil, err
	}
	n := b.nodes[b.follow(id)]
	switch n.Kind {
	case KindDir:
		return n, nil
	case KindSymlink:
		return nil, ErrNotSupported
	default:
		return nil, ErrNotDir
	}
}

// Lookup resolves name under parent. Every host failure, and metadata that
// translates to no mode, is reported as *NotFoundError.
func (b *Bridge) Lookup(parent NodeID, name string) (NodeID, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	dir, err := b.dir(parent)
	if err != nil {
		return 0, err
	}

	if id, ok := dir.entries[name]; ok {
		return b.follow(id), nil
	}
	if dir.Synthetic {
		return 0, &NotFoundError{Path: name}
	}

	tag := ChildTag(dir.Tag, name)
	info, err := b.provider.Lookup(dir.Volume, tag)
	b.metrics.HostCall("lookup", err)
	if err != nil {
		logging.Debug("Lookup miss", logging.Volume(dir.Volume), logging.Tag(tag), logging.Err(err))
		return 0, &NotFoundError{Volume: dir.Volume, Path: tag, Err: err}
	}
	mode := TranslateMode(info)
	if mode == 0 {
		logging.Debug("Lookup hit with no usable mode", logging.Volume(dir.Volume), logging.Tag(tag))
		return 0, &NotFoundError{Volume: dir.Volume, Path: tag}
	}

	n, err := b.createNode(dir, name, mode)
	if err != nil {
		return 0, err
	}
	n.Size = info.Size
	return b.follow(n.ID), nil
}

// MakeEntry creates name under parent. Directories are created on the host
// right away. Other kinds only get a node; the host file is created by the
// first Open with O_CREAT. A guest-only or overlay entry of the same name is
// returned when both are directories and reported as existing otherwise.
func (b *Bridge) MakeEntry(parent NodeID, name string, mode uint32) (NodeID, error) {
	if err := validateName(name); err != nil {
		return 0, err
	}
	dir, err := b.dir(parent)
	if err != nil {
		return 0, err
	}
	kind := KindOf(mode)
	if kind == KindUnknown {
		return 0, &InvalidModeError{Name: name, Mode: mode}
	}

	if id, ok := dir.entries[name]; ok {
		// Guest-only and overlay entries are never replaced
		id = b.follow(id)
		if kind != KindDir || b.nodes[id].Kind != KindDir {
			return 0, fmt.Errorf("%q: %w", name, os.ErrExist)
		}
		return id, nil
	}
	if dir.Synthetic {
		if kind != KindDir {
			return 0, ErrNotSupported
		}
		return b.newSynthetic(dir, name).ID, nil
	}

	if kind == KindDir {
		tag := ChildTag(dir.Tag, name)
		info, err := b.provider.MakeDirectory(dir.Volume, tag)
		b.metrics.HostCall("mkdir", err)
		if err != nil {
			return 0, fmt.Errorf("failed to make directory %q: %w", tag, err)
		}
		if translated := TranslateMode(info); translated != 0 {
			mode = translated
		}
	}

	n, err := b.createNode(dir, name, mode)
	if err != nil {
		return 0, err
	}
	return n.ID, nil
}

// Enumerate lists the children of a directory. Host listings are returned
// unfiltered and in provider order; synthetic listings are sorted.
func (b *Bridge) Enumerate(id NodeID) ([]string, error) {
	dir, err := b.dir(id)
	if err != nil {
		return nil, err
	}
	if dir.Synthetic {
		return sortedEntries(dir), nil
	}

	names, err := b.provider.Enumerate(dir.Volume, dir.Tag)
	b.metrics.HostCall("readdir", err)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate %q: %w", dir.Tag, err)
	}
	if len(dir.entries) == 0 {
		return names, nil
	}

	// Guest-only mount paths follow the host listing
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		seen[name] = struct{}{}
	}
	for _, name := range sortedEntries(dir) {
		if _, ok := seen[name]; !ok {
			names = append(names, name)
		}
	}
	return names, nil
}

// Child returns the node already known for name under parent without asking
// the host. It reports false when the child has not been materialized.
func (b *Bridge) Child(parent NodeID, name string) (NodeID, bool) {
	dir, err := b.dir(parent)
	if err != nil {
		return 0, false
	}
	if id, ok := dir.entries[name]; ok {
		return b.follow(id), true
	}
	if dir.Synthetic {
		return 0, false
	}
	id, ok := b.index[nodeKey{volume: dir.Volume, tag: ChildTag(dir.Tag, name)}]
	if !ok {
		return 0, false
	}
	return b.follow(id), true
}

// GetAttr re-queries the host and refreshes the node's permission bits and
// size.
func (b *Bridge) GetAttr(id NodeID) (Attr, error) {
	if _, err := b.node(id); err != nil {
		return Attr{}, err
	}
	n := b.nodes[b.follow(id)]

	switch {
	case n.Kind == KindSymlink:
		return Attr{}, ErrNotSupported
	case n.Synthetic:
	default:
		info, err := b.provider.Lookup(n.Volume, n.Tag)
		b.metrics.HostCall("lookup", err)
		if err != nil {
			return Attr{}, &NotFoundError{Volume: n.Volume, Path: n.Tag, Err: err}
		}
		mode := TranslateMode(info)
		if mode == 0 {
			return Attr{}, &NotFoundError{Volume: n.Volume, Path: n.Tag}
		}
		// The kind is fixed at creation; only permission bits follow the host
		if KindOf(mode) == n.Kind {
			n.Mode = mode
		}
		n.Size = info.Size
	}

	return Attr{
		Mode:      n.Mode,
		Size:      n.Size,
		Kind:      n.Kind,
		Volume:    n.Volume,
		Tag:       n.Tag,
		Synthetic: n.Synthetic,
	}, nil
}

// Resolve walks a guest path, absolute or relative to the working
// directory.
func (b *Bridge) Resolve(p string) (NodeID, error) {
	abs := b.absPath(p)
	cur := b.Root()
	for _, part := range strings.Split(abs, "/") {
		if part == "" {
			continue
		}
		next, err := b.Lookup(cur, part)
		if err != nil {
			return 0, err
		}
		cur = next
	}
	return cur, nil
}

func (b *Bridge) absPath(p string) string {
	if !path.IsAbs(p) {
		p = path.Join(b.cwdPath, p)
	}
	return path.Clean(p)
}

// Chdir sets the guest working directory.
func (b *Bridge) Chdir(p string) error {
	id, err := b.Resolve(p)
	if err != nil {
		return err
	}
	if b.nodes[id].Kind != KindDir {
		return fmt.Errorf("%q: %w", p, ErrNotDir)
	}
	b.cwd = id
	b.cwdPath = b.absPath(p)
	return nil
}

// Cwd returns the guest working directory.
func (b *Bridge) Cwd() string {
	return b.cwdPath
}

// CwdNode returns the node of the guest working directory.
func (b *Bridge) CwdNode() NodeID {
	return b.cwd
}

// Rename is not supported.
func (b *Bridge) Rename(oldParent NodeID, oldName string, newParent NodeID, newName string) error {
	return ErrNotSupported
}

// Unlink is not supported.
func (b *Bridge) Unlink(parent NodeID, name string) error {
	return ErrNotSupported
}

// Rmdir is not supported.
func (b *Bridge) Rmdir(parent NodeID, name string) error {
	return ErrNotSupported
}

// Symlink is not supported.
func (b *Bridge) Symlink(parent NodeID, name, target string) (NodeID, error) {
	return 0, ErrNotSupported
}

// Readlink is not supported.
func (b *Bridge) Readlink(id NodeID) (string, error) {
	return "", ErrNotSupported
}

// SetAttr is not supported.
func (b *Bridge) SetAttr(id NodeID, attr Attr) error {
	return ErrNotSupported
}
