package vfs

import (
	"golang.org/x/sys/unix"

	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// Permission bits added by TranslateMode.
const (
	modeTraverse  = 0o111
	modeReadOnly  = 0o444
	modeReadWrite = 0o666
)

// Kind is the node variant. Every public operation switches on it.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindDir
	KindFile
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindDir:
		return "dir"
	case KindFile:
		return "file"
	case KindSymlink:
		return "symlink"
	default:
		return "unknown"
	}
}

// TranslateMode maps host metadata to POSIX type and permission bits.
// Unknown type or access yields 0, which callers read as "exists but is
// inaccessible".
func TranslateMode(info types.NodeInfo) uint32 {
	var mode uint32
	switch info.Type {
	case types.NodeTypeFile:
		mode = unix.S_IFREG
	case types.NodeTypeDir:
		mode = unix.S_IFDIR | modeTraverse
	default:
		return 0
	}

	switch info.Access {
	case types.AccessReadOnly:
		mode |= modeReadOnly
	case types.AccessReadWrite:
		mode |= modeReadWrite
	default:
		return 0
	}
	return mode
}

// KindOf returns the node variant encoded in mode's type bits.
func KindOf(mode uint32) Kind {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return KindDir
	case unix.S_IFREG:
		return KindFile
	case unix.S_IFLNK:
		return KindSymlink
	default:
		return KindUnknown
	}
}

func IsDir(mode uint32) bool     { return KindOf(mode) == KindDir }
func IsFile(mode uint32) bool    { return KindOf(mode) == KindFile }
func IsSymlink(mode uint32) bool { return KindOf(mode) == KindSymlink }
