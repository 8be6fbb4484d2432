package hostfs

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ajaxzhan/hostfs-bridge/internal/logging"
	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// MaxDescriptors is the size of the descriptor table.
const MaxDescriptors = 64

type binding struct {
	volume     Volume
	mountPoint string
	mode       types.AccessMode
	policy     Policy
}

// Manager is the host volume provider. It owns the bound volumes and the
// descriptor table; a descriptor belongs to exactly one open stream until it
// is closed.
type Manager struct {
	mu       sync.Mutex
	bindings []*binding
	fds      [MaxDescriptors]Stream
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{}
}

// Bind registers a volume at mountPoint and returns its id. Ids are assigned
// in bind order starting at 0.
func (m *Manager) Bind(mountPoint string, mode types.AccessMode, v Volume, rules ...types.AccessRule) types.VolumeID {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := types.VolumeID(len(m.bindings))
	m.bindings = append(m.bindings, &binding{
		volume:     v,
		mountPoint: mountPoint,
		mode:       mode,
		policy:     NewPolicy(rules),
	})

	logging.Debug("Volume bound",
		logging.Volume(id),
		logging.String("mount_point", mountPoint),
		logging.String("mode", string(mode)),
		logging.Int("rules", len(rules)),
	)
	return id
}

// ListVolumes returns the bound volumes in bind order.
func (m *Manager) ListVolumes() []types.VolumeInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.VolumeInfo, len(m.bindings))
	for i, b := range m.bindings {
		out[i] = types.VolumeInfo{
			ID:         types.VolumeID(i),
			MountPoint: b.mountPoint,
			Access:     b.mode,
		}
	}
	return out
}

func (m *Manager) binding(vol types.VolumeID) (*binding, error) {
	if int(vol) >= len(m.bindings) {
		return nil, types.ErrUnknownVolume
	}
	return m.bindings[vol], nil
}

func hostErr(vol types.VolumeID, op, tag string, err error) error {
	return &types.HostError{Volume: vol, Op: op, Path: tag, Err: err}
}

// walk resolves parts from the volume root. Entries hidden by the policy are
// reported as missing.
func (b *binding) walk(parts []string) (INode, error) {
	node, err := b.volume.Root()
	if err != nil {
		return nil, err
	}
	for i, part := range parts {
		if !b.policy.Visible(JoinPath(parts[:i+1])) {
			return nil, types.ErrNotFound
		}
		if node, err = node.Lookup(part); err != nil {
			return nil, err
		}
	}
	return node, nil
}

// effective applies the volume mode and the policy to an entry's metadata.
func (b *binding) effective(tag string, node INode) types.NodeInfo {
	info := node.Info()
	info.Access = b.policy.Limit(tag, info.Access.Cap(b.mode))
	return info
}

// writable reports whether new entries may be created at tag.
func (b *binding) writable(tag string) bool {
	return b.policy.Limit(tag, b.mode).CanWrite()
}

// Lookup returns the metadata for tag.
func (m *Manager) Lookup(vol types.VolumeID, tag string) (types.NodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.binding(vol)
	if err != nil {
		return types.NodeInfo{}, hostErr(vol, "lookup", tag, err)
	}
	parts, err := SplitPath(tag)
	if err != nil {
		return types.NodeInfo{}, hostErr(vol, "lookup", tag, err)
	}
	node, err := b.walk(parts)
	if err != nil {
		return types.NodeInfo{}, hostErr(vol, "lookup", tag, err)
	}
	return b.effective(tag, node), nil
}

// Enumerate lists the visible children of the directory at tag.
func (m *Manager) Enumerate(vol types.VolumeID, tag string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.binding(vol)
	if err != nil {
		return nil, hostErr(vol, "readdir", tag, err)
	}
	parts, err := SplitPath(tag)
	if err != nil {
		return nil, hostErr(vol, "readdir", tag, err)
	}
	node, err := b.walk(parts)
	if err != nil {
		return nil, hostErr(vol, "readdir", tag, err)
	}
	names, err := node.ReadDir()
	if err != nil {
		return nil, hostErr(vol, "readdir", tag, err)
	}

	visible := names[:0]
	for _, name := range names {
		if b.policy.Visible(JoinPath(append(parts, name))) {
			visible = append(visible, name)
		}
	}
	return visible, nil
}

// MakeDirectory creates the directory at tag. Its parent must exist.
func (m *Manager) MakeDirectory(vol types.VolumeID, tag string) (types.NodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := m.binding(vol)
	if err != nil {
		return types.NodeInfo{}, hostErr(vol, "mkdir", tag, err)
	}
	parts, err := SplitPath(tag)
	if err != nil {
		return types.NodeInfo{}, hostErr(vol, "mkdir", tag, err)
	}
	if len(parts) == 0 {
		return types.NodeInfo{}, hostErr(vol, "mkdir", tag, types.ErrInvalidPath)
	}
	if !b.writable(tag) {
		return types.NodeInfo{}, hostErr(vol, "mkdir", tag, types.ErrReadOnly)
	}

	parent, err := b.walk(parts[:len(parts)-1])
	if err != nil {
		return types.NodeInfo{}, hostErr(vol, "mkdir", tag, err)
	}
	node, err := parent.Mkdir(parts[len(parts)-1])
	if err != nil {
		return types.NodeInfo{}, hostErr(vol, "mkdir", tag, err)
	}
	return b.effective(tag, node), nil
}

// Open opens the file at tag and returns a fresh descriptor.
func (m *Manager) Open(vol types.VolumeID, tag string, mode types.AccessMode, create bool) (types.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream, err := m.open(vol, tag, mode, create)
	if err != nil {
		return 0, hostErr(vol, "open", tag, err)
	}

	for fd, slot := range m.fds {
		if slot == nil {
			m.fds[fd] = stream
			logging.Debug("Host stream opened",
				logging.Volume(vol),
				logging.Tag(tag),
				logging.String("mode", string(mode)),
				logging.Fd(types.Descriptor(fd)),
			)
			return types.Descriptor(fd), nil
		}
	}

	stream.Close()
	return 0, hostErr(vol, "open", tag, types.ErrTooManyOpenFiles)
}

func (m *Manager) open(vol types.VolumeID, tag string, mode types.AccessMode, create bool) (Stream, error) {
	b, err := m.binding(vol)
	if err != nil {
		return nil, err
	}
	parts, err := SplitPath(tag)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, types.ErrIsDirectory
	}

	parent, err := b.walk(parts[:len(parts)-1])
	if err != nil {
		return nil, err
	}
	name := parts[len(parts)-1]
	if !b.policy.Visible(tag) {
		return nil, types.ErrNotFound
	}

	existing, err := parent.Lookup(name)
	switch {
	case err == nil:
		if existing.Info().IsDir() {
			return nil, types.ErrIsDirectory
		}
		if access := b.effective(tag, existing).Access; !access.Satisfies(mode) {
			return nil, &types.AccessError{Path: tag, Access: access, Requested: mode}
		}
	case errors.Is(err, types.ErrNotFound):
		if !create {
			return nil, err
		}
		if !b.writable(tag) {
			return nil, types.ErrReadOnly
		}
	default:
		return nil, err
	}

	return parent.Open(name, mode, create)
}

func (m *Manager) stream(fd types.Descriptor) (Stream, error) {
	if int(fd) >= len(m.fds) || m.fds[fd] == nil {
		return nil, fmt.Errorf("%w: %d", types.ErrBadDescriptor, fd)
	}
	return m.fds[fd], nil
}

// Read reads into p from position. It returns the number of bytes
// transferred, which is short at end of file.
func (m *Manager) Read(fd types.Descriptor, p []byte, position int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.stream(fd)
	if err != nil {
		return 0, err
	}
	return s.ReadAt(p, position)
}

// Write writes p at position.
func (m *Manager) Write(fd types.Descriptor, p []byte, position int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.stream(fd)
	if err != nil {
		return 0, err
	}
	return s.WriteAt(p, position)
}

// Close releases fd. The slot is freed even when the backend's close fails.
func (m *Manager) Close(fd types.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.stream(fd)
	if err != nil {
		return err
	}
	m.fds[fd] = nil
	logging.Debug("Host stream closed", logging.Fd(fd))
	return s.Close()
}

// Shutdown closes every open descriptor and every volume that holds host
// resources. It returns the first error encountered.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var first error
	for fd, s := range m.fds {
		if s == nil {
			continue
		}
		m.fds[fd] = nil
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, b := range m.bindings {
		if c, ok := b.volume.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
