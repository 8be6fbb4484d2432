// Package types defines the core domain types shared by the bridge and the host provider.
package types

import (
	"fmt"
	"strings"
)

// VolumeID identifies a volume registered with the host provider.
type VolumeID uint32

// Descriptor is an opaque handle for one open host stream.
type Descriptor uint32

// NodeType is the coarse host-side type of an entry.
type NodeType string

const (
	NodeTypeUnknown NodeType = ""
	NodeTypeFile    NodeType = "f"
	NodeTypeDir     NodeType = "d"
)

// AccessMode is the coarse host-side access of an entry, volume or open request.
type AccessMode string

const (
	AccessUnknown   AccessMode = ""
	AccessReadOnly  AccessMode = "ro"
	AccessWriteOnly AccessMode = "wo"
	AccessReadWrite AccessMode = "rw"
)

// ParseAccessMode parses "ro", "wo" or "rw". The empty string defaults to read-only.
func ParseAccessMode(s string) (AccessMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ro", "read-only", "readonly":
		return AccessReadOnly, nil
	case "rw", "read-write", "readwrite":
		return AccessReadWrite, nil
	case "wo", "write-only", "writeonly":
		return AccessWriteOnly, nil
	default:
		return AccessUnknown, fmt.Errorf("invalid access mode: %q", s)
	}
}

// CanRead reports whether the mode permits reading.
func (m AccessMode) CanRead() bool {
	return m == AccessReadOnly || m == AccessReadWrite
}

// CanWrite reports whether the mode permits writing.
func (m AccessMode) CanWrite() bool {
	return m == AccessWriteOnly || m == AccessReadWrite
}

// Satisfies reports whether an entry with access m may be opened with the requested mode.
func (m AccessMode) Satisfies(requested AccessMode) bool {
	switch requested {
	case AccessReadOnly:
		return m.CanRead()
	case AccessWriteOnly:
		return m.CanWrite()
	case AccessReadWrite:
		return m.CanRead() && m.CanWrite()
	default:
		return false
	}
}

// Cap returns the more restrictive of m and limit.
func (m AccessMode) Cap(limit AccessMode) AccessMode {
	if m == limit {
		return m
	}
	if m == AccessReadWrite {
		return limit
	}
	if limit == AccessReadWrite {
		return m
	}
	// ro against wo, or anything against unknown
	return AccessUnknown
}

// NodeInfo is the metadata the host reports for one entry.
type NodeInfo struct {
	Type   NodeType   `json:"type"`
	Access AccessMode `json:"mode"`
	Size   int64      `json:"size"`
}

// IsDir reports whether the entry is a directory.
func (n NodeInfo) IsDir() bool { return n.Type == NodeTypeDir }

// VolumeInfo describes a configured volume as enumerated at bootstrap.
type VolumeInfo struct {
	ID         VolumeID   `json:"id"`
	MountPoint string     `json:"mount_point"`
	Access     AccessMode `json:"mode"`
}

// Permission is the access level an access rule grants.
type Permission string

const (
	PermNone      Permission = "none" // Entry is hidden from lookup and listings
	PermReadOnly  Permission = "ro"   // Entry is visible but never writable
	PermReadWrite Permission = "rw"   // Entry keeps the access the host reports
)

// Level returns the numeric level of a permission for comparison.
// Higher level means more permissive.
func (p Permission) Level() int {
	switch p {
	case PermNone:
		return 0
	case PermReadOnly:
		return 1
	case PermReadWrite:
		return 2
	default:
		return 0
	}
}

// PatternType indicates how an access rule pattern should be matched.
type PatternType string

const (
	PatternGlob      PatternType = "glob"      // e.g., *.md, **/*.key
	PatternDirectory PatternType = "directory" // e.g., /secrets/
	PatternFile      PatternType = "file"      // e.g., /config.yaml (highest priority)
)

// AccessRule restricts access to matching paths inside one volume.
type AccessRule struct {
	Pattern    string      `json:"pattern" yaml:"pattern"`
	Type       PatternType `json:"type" yaml:"type"`
	Permission Permission  `json:"permission" yaml:"permission"`
	Priority   int         `json:"priority" yaml:"priority"`
}
