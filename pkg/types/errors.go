// Package types defines error types for the host provider.
package types

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotFound         = errors.New("no such file or directory")
	ErrPermissionDenied = errors.New("permission denied")
	ErrReadOnly         = errors.New("read-only volume")
	ErrInvalidPath      = errors.New("invalid path")
	ErrTooManyOpenFiles = errors.New("too many open files")
	ErrBadDescriptor    = errors.New("bad descriptor")
	ErrUnknownVolume    = errors.New("unknown volume")
	ErrNotDirectory     = errors.New("not a directory")
	ErrIsDirectory      = errors.New("is a directory")
)

// HostError is a failure reported by the host provider with its context.
type HostError struct {
	Volume VolumeID
	Op     string
	Path   string
	Err    error
}

func (e *HostError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("volume %d: %s: %v", e.Volume, e.Op, e.Err)
	}
	return fmt.Sprintf("volume %d: %s %q: %v", e.Volume, e.Op, e.Path, e.Err)
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// AccessError is returned when an entry's access does not satisfy a request.
type AccessError struct {
	Path      string
	Access    AccessMode
	Requested AccessMode
}

func (e *AccessError) Error() string {
	return fmt.Sprintf(
		"permission denied: '%s' opened %s, but only has %s",
		e.Path, e.Requested, e.Access,
	)
}

func (e *AccessError) Is(target error) bool {
	return target == ErrPermissionDenied
}
