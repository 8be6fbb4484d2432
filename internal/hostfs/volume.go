// Package hostfs implements the host volume provider: a registry of volumes,
// the descriptor table for open streams, and the volume backends (host
// directories and zip archives).
package hostfs

import (
	"fmt"
	"os"

	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// Volume is a storage unit that can be bound into the manager.
type Volume interface {
	Root() (INode, error)
}

// INode is one entry inside a volume. Directory operations on a file entry
// fail with types.ErrNotDirectory.
type INode interface {
	// Info returns the entry's metadata as the backend sees it.
	Info() types.NodeInfo

	// Lookup returns the named child, or an error wrapping types.ErrNotFound.
	Lookup(name string) (INode, error)

	// Mkdir creates the named child directory.
	Mkdir(name string) (INode, error)

	// Open opens the named child file.
	Open(name string, mode types.AccessMode, create bool) (Stream, error)

	// ReadDir lists the names of the immediate children.
	ReadDir() ([]string, error)
}

// Stream is an open host file. Reads at or past the end return the short
// count and a nil error.
type Stream interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Close() error
}

// OpenVolume opens source as a volume: a regular file is treated as a zip
// archive and is always read-only, a directory is exposed with mode.
// It returns the volume and the access mode it will be bound with.
func OpenVolume(source string, mode types.AccessMode) (Volume, types.AccessMode, error) {
	info, err := os.Stat(source)
	if err != nil {
		return nil, types.AccessUnknown, fmt.Errorf("failed to stat volume source: %w", err)
	}

	if info.Mode().IsRegular() {
		v, err := OpenZipVolume(source)
		if err != nil {
			return nil, types.AccessUnknown, err
		}
		return v, types.AccessReadOnly, nil
	}

	v, err := OpenDirVolume(source, mode)
	if err != nil {
		return nil, types.AccessUnknown, err
	}
	return v, mode, nil
}
