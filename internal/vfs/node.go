package vfs

import (
	"sort"

	"golang.org/x/sys/unix"

	"github.com/ajaxzhan/hostfs-bridge/internal/logging"
	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// NodeID addresses a node in the bridge's arena. Nodes are never freed, so
// an id stays valid for the bridge's lifetime.
type NodeID uint32

// RootID is the guest root directory.
const RootID NodeID = 0

const noMount = ^NodeID(0)

// Mode of synthetic directories and volume roots.
const syntheticDirMode = unix.S_IFDIR | 0o777

// Node is one materialized entry of the guest tree.
type Node struct {
	ID     NodeID
	Parent NodeID
	Name   string
	Kind   Kind
	Mode   uint32
	Size   int64

	// Volume and Tag identify the host object. They are meaningless for
	// synthetic nodes.
	Volume    types.VolumeID
	Tag       string
	Synthetic bool

	// mount is the volume root attached at this directory, or noMount.
	mount NodeID
	// entries holds guest-only children. Synthetic directories keep all their
	// children here, the global root also receives overlay entries, and a
	// volume directory gets one when a mount path is created below it.
	// Entries shadow host children of the same name.
	entries map[string]NodeID
}

type nodeKey struct {
	volume types.VolumeID
	tag    string
}

func (b *Bridge) appendNode(n *Node) *Node {
	n.ID = NodeID(len(b.nodes))
	n.mount = noMount
	b.nodes = append(b.nodes, n)
	b.metrics.Nodes.Set(float64(len(b.nodes)))
	return n
}

func (b *Bridge) node(id NodeID) (*Node, error) {
	if int(id) >= len(b.nodes) {
		return nil, ErrUnknownNode
	}
	return b.nodes[id], nil
}

// follow resolves a mount point to the volume root attached there.
func (b *Bridge) follow(id NodeID) NodeID {
	for b.nodes[id].mount != noMount {
		id = b.nodes[id].mount
	}
	return id
}

// newSynthetic creates a directory that exists only in the guest tree and
// links it into parent's entries. An existing entry is returned as is.
func (b *Bridge) newSynthetic(parent *Node, name string) *Node {
	if id, ok := parent.entries[name]; ok {
		return b.nodes[id]
	}
	if parent.entries == nil {
		parent.entries = make(map[string]NodeID)
	}
	n := b.appendNode(&Node{
		Parent:    parent.ID,
		Name:      name,
		Kind:      KindDir,
		Mode:      syntheticDirMode,
		Synthetic: true,
		entries:   make(map[string]NodeID),
	})
	parent.entries[name] = n.ID
	return n
}

// volumeRoot returns the root node of vol, creating it on first use.
func (b *Bridge) volumeRoot(vol types.VolumeID) *Node {
	key := nodeKey{volume: vol, tag: RootTag}
	if id, ok := b.index[key]; ok {
		return b.nodes[id]
	}
	n := b.appendNode(&Node{
		Name:   "/",
		Kind:   KindDir,
		Mode:   syntheticDirMode,
		Volume: vol,
		Tag:    RootTag,
	})
	n.Parent = n.ID
	b.index[key] = n.ID
	return n
}

// createNode materializes the volume-backed child name of parent. A node
// already known under the same (volume, tag) and kind is returned with its
// mode refreshed. No host I/O happens here.
func (b *Bridge) createNode(parent *Node, name string, mode uint32) (*Node, error) {
	kind := KindOf(mode)
	if kind == KindUnknown {
		return nil, &InvalidModeError{Name: name, Mode: mode}
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	key := nodeKey{volume: parent.Volume, tag: ChildTag(parent.Tag, name)}
	if id, ok := b.index[key]; ok && b.nodes[id].Kind == kind {
		n := b.nodes[id]
		n.Mode = mode
		return n, nil
	}

	n := b.appendNode(&Node{
		Parent: parent.ID,
		Name:   name,
		Kind:   kind,
		Mode:   mode,
		Volume: key.volume,
		Tag:    key.tag,
	})
	b.index[key] = n.ID

	logging.Debug("Node created",
		logging.Volume(n.Volume),
		logging.Tag(n.Tag),
		logging.String("kind", kind.String()),
	)
	return n, nil
}

func sortedEntries(n *Node) []string {
	names := make([]string, 0, len(n.entries))
	for name := range n.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
