package vfs

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/ajaxzhan/hostfs-bridge/internal/logging"
	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// OverlayMountPoint is the mount point that merges a volume's top-level
// entries into the guest root.
const OverlayMountPoint = "@"

// DefaultReservedNames are the root entries an overlay never shadows.
var DefaultReservedNames = []string{"tmp", "proc", "dev"}

// Mount is one entry of the mount table.
type Mount struct {
	Volume     types.VolumeID
	MountPoint string
	Overlay    bool
	Root       NodeID
}

// Bootstrap mounts every volume the provider lists, in order, then changes
// into Options.WorkDir when set. A volume that fails to mount is logged and
// skipped. Only a failed Chdir aborts.
func (b *Bridge) Bootstrap() error {
	for _, vol := range b.provider.ListVolumes() {
		var err error
		if vol.MountPoint == OverlayMountPoint {
			err = b.mountOverlay(vol)
		} else {
			err = b.mountStandard(vol)
		}
		if err != nil {
			logging.Error("Failed to mount volume",
				logging.Volume(vol.ID),
				logging.String("mount_point", vol.MountPoint),
				logging.Err(err),
			)
			continue
		}
		logging.Info("Volume mounted",
			logging.Volume(vol.ID),
			logging.String("mount_point", vol.MountPoint),
			logging.String("mode", string(vol.Access)),
		)
	}

	if b.opts.WorkDir != "" {
		if err := b.Chdir(b.opts.WorkDir); err != nil {
			return &BootstrapError{Op: "chdir", Path: b.opts.WorkDir, Err: err}
		}
		logging.Info("Working directory set", logging.String("path", b.cwdPath))
	}
	return nil
}

// Mounts returns the mount table in mount order.
func (b *Bridge) Mounts() []Mount {
	out := make([]Mount, len(b.mounts))
	copy(out, b.mounts)
	return out
}

// mountStandard grafts the volume root at its mount point.
func (b *Bridge) mountStandard(vol types.VolumeInfo) error {
	dir, err := b.createPath(vol.MountPoint)
	if err != nil {
		return err
	}

	root := b.volumeRoot(vol.ID)
	if dir != root.ID {
		b.nodes[dir].mount = root.ID
	}
	b.mounts = append(b.mounts, Mount{
		Volume:     vol.ID,
		MountPoint: vol.MountPoint,
		Root:       root.ID,
	})
	return nil
}

// mountOverlay replaces root entries with the volume's top-level entries,
// except for reserved names. Entries that fail to resolve are skipped.
func (b *Bridge) mountOverlay(vol types.VolumeInfo) error {
	root := b.volumeRoot(vol.ID)

	names, err := b.provider.Enumerate(vol.ID, RootTag)
	b.metrics.HostCall("readdir", err)
	if err != nil {
		return fmt.Errorf("failed to enumerate overlay volume: %w", err)
	}

	global := b.nodes[RootID]
	for _, name := range names {
		if _, ok := b.reserved[name]; ok {
			logging.Debug("Overlay entry reserved, skipping",
				logging.Volume(vol.ID),
				logging.String("name", name),
			)
			continue
		}
		id, err := b.Lookup(root.ID, name)
		if err != nil {
			logging.Debug("Overlay entry unavailable, skipping",
				logging.Volume(vol.ID),
				logging.String("name", name),
				logging.Err(err),
			)
			continue
		}
		global.entries[name] = id
	}

	b.mounts = append(b.mounts, Mount{
		Volume:     vol.ID,
		MountPoint: OverlayMountPoint,
		Overlay:    true,
		Root:       root.ID,
	})
	return nil
}

// createPath walks p from the guest root and creates the missing
// directories in the guest tree only. Existing directories are reused, and
// the host is never written to.
func (b *Bridge) createPath(p string) (NodeID, error) {
	cur := b.follow(RootID)
	for _, part := range strings.Split(path.Clean("/"+p), "/") {
		if part == "" {
			continue
		}
		next, err := b.Lookup(cur, part)
		if errors.Is(err, types.ErrNotFound) {
			next, err = b.newSynthetic(b.nodes[cur], part).ID, nil
		}
		if err != nil {
			return 0, fmt.Errorf("failed to create %q: %w", part, err)
		}
		if b.nodes[next].Kind != KindDir {
			return 0, fmt.Errorf("%q: %w", part, ErrNotDir)
		}
		cur = next
	}
	return cur, nil
}
