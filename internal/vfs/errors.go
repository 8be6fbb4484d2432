package vfs

import (
	"errors"
	"fmt"

	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// Sentinel errors returned by bridge operations.
var (
	ErrNotDir        = errors.New("not a directory")
	ErrIsDir         = errors.New("is a directory")
	ErrNotSupported  = errors.New("operation not supported")
	ErrStreamClosed  = errors.New("stream is not open")
	ErrInvalidWhence = errors.New("invalid whence")
	ErrInvalidName   = errors.New("invalid entry name")
	ErrUnknownNode   = errors.New("unknown node")
)

// InvalidModeError is returned when a node is requested with a type that is
// not a directory, regular file or symlink.
type InvalidModeError struct {
	Name string
	Mode uint32
}

func (e *InvalidModeError) Error() string {
	return fmt.Sprintf("invalid mode %#o for %q", e.Mode, e.Name)
}

// NotFoundError is returned by lookups that do not resolve. Host failures of
// every kind, including denied access, collapse into it; Err keeps the cause.
type NotFoundError struct {
	Volume types.VolumeID
	Path   string
	Err    error
}

func (e *NotFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%q: not found: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("%q: not found", e.Path)
}

func (e *NotFoundError) Unwrap() error {
	return e.Err
}

// Is reports a match against types.ErrNotFound regardless of the cause.
func (e *NotFoundError) Is(target error) bool {
	return target == types.ErrNotFound
}

// OpenError is returned when a stream cannot acquire a host descriptor.
type OpenError struct {
	Volume types.VolumeID
	Tag    string
	Mode   types.AccessMode
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %q (%s) on volume %d: %v", e.Tag, e.Mode, e.Volume, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// TransferDegradation describes a read or write that reported zero bytes
// because of a host fault. It is handed to Options.OnDegraded and never
// returned to the caller.
type TransferDegradation struct {
	Op        string
	Node      NodeID
	Volume    types.VolumeID
	Tag       string
	Position  int64
	Requested int
	Err       error
}

func (d TransferDegradation) Error() string {
	return fmt.Sprintf("%s of %d bytes at %d on %q degraded: %v", d.Op, d.Requested, d.Position, d.Tag, d.Err)
}

func (d TransferDegradation) Unwrap() error {
	return d.Err
}

// BootstrapError aborts startup.
type BootstrapError struct {
	Op   string
	Path string
	Err  error
}

func (e *BootstrapError) Error() string {
	return fmt.Sprintf("bootstrap %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}
