package vfs

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/ajaxzhan/hostfs-bridge/internal/logging"
	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

const (
	opRead  = "read"
	opWrite = "write"
)

type streamState uint8

const (
	streamUnopened streamState = iota
	streamOpen
	streamClosed
)

var errBufferRange = errors.New("buffer range out of bounds")

// Stream is an open handle on a file node. The host descriptor is held from
// Open until Close and is never shared with another stream.
type Stream struct {
	Node     NodeID
	Position int64
	Flags    int

	fd    types.Descriptor
	state streamState
}

// IsOpen reports whether the stream still holds its descriptor.
func (s *Stream) IsOpen() bool {
	return s.state == streamOpen
}

// accessMode maps open flags to the host access mode and the create bit.
func accessMode(flags int) (types.AccessMode, bool) {
	create := flags&unix.O_CREAT != 0
	switch flags & unix.O_ACCMODE {
	case unix.O_RDONLY:
		return types.AccessReadOnly, create
	case unix.O_WRONLY:
		return types.AccessWriteOnly, create
	case unix.O_RDWR:
		return types.AccessReadWrite, create
	default:
		return types.AccessUnknown, create
	}
}

// Open binds a file node to a fresh host descriptor.
func (b *Bridge) Open(id NodeID, flags int) (*Stream, error) {
	n, err := b.node(id)
	if err != nil {
		return nil, err
	}
	switch n.Kind {
	case KindFile:
	case KindDir:
		return nil, ErrIsDir
	default:
		return nil, ErrNotSupported
	}

	mode, create := accessMode(flags)
	if mode == types.AccessUnknown {
		return nil, &OpenError{
			Volume: n.Volume,
			Tag:    n.Tag,
			Mode:   mode,
			Err:    fmt.Errorf("invalid access flags %#o", flags),
		}
	}

	fd, err := b.provider.Open(n.Volume, n.Tag, mode, create)
	b.metrics.HostCall("open", err)
	if err != nil {
		return nil, &OpenError{Volume: n.Volume, Tag: n.Tag, Mode: mode, Err: err}
	}

	b.metrics.OpenStreams.Inc()
	logging.Debug("Stream opened",
		logging.Volume(n.Volume),
		logging.Tag(n.Tag),
		logging.String("mode", string(mode)),
		logging.Any("create", create),
	)
	return &Stream{Node: id, Flags: flags, fd: fd, state: streamOpen}, nil
}

// Read transfers up to length bytes into buf[offset:] and returns the count
// the host reported. A non-zero position overrides the stream position.
// Host faults yield 0 and are reported through the degradation channel.
func (b *Bridge) Read(s *Stream, buf []byte, offset, length int, position int64) int {
	return b.transfer(opRead, s, buf, offset, length, position)
}

// Write is the mirror of Read.
func (b *Bridge) Write(s *Stream, buf []byte, offset, length int, position int64) int {
	return b.transfer(opWrite, s, buf, offset, length, position)
}

func (b *Bridge) transfer(op string, s *Stream, buf []byte, offset, length int, position int64) int {
	if length == 0 {
		return 0
	}

	pos := s.Position
	if position != 0 {
		pos = position
	}

	if s.state != streamOpen {
		b.degrade(op, s, pos, length, ErrStreamClosed)
		return 0
	}
	if offset < 0 || length < 0 || offset > len(buf) || length > len(buf)-offset {
		b.degrade(op, s, pos, length, errBufferRange)
		return 0
	}

	p := buf[offset : offset+length]
	var n int
	var err error
	if op == opRead {
		n, err = b.provider.Read(s.fd, p, pos)
	} else {
		n, err = b.provider.Write(s.fd, p, pos)
	}
	b.metrics.HostCall(op, err)
	if err != nil {
		b.degrade(op, s, pos, length, err)
		return 0
	}

	b.metrics.Transferred(op, n)
	if position == 0 {
		s.Position = pos + int64(n)
	}
	return n
}

func (b *Bridge) degrade(op string, s *Stream, pos int64, length int, err error) {
	d := TransferDegradation{
		Op:        op,
		Node:      s.Node,
		Position:  pos,
		Requested: length,
		Err:       err,
	}
	if n, nerr := b.node(s.Node); nerr == nil {
		d.Volume = n.Volume
		d.Tag = n.Tag
	}

	logging.Warn("Transfer degraded to zero bytes",
		logging.String("op", op),
		logging.Volume(d.Volume),
		logging.Tag(d.Tag),
		logging.Int64("position", pos),
		logging.Int("length", length),
		logging.Err(err),
	)
	b.metrics.Degraded(op)
	if b.opts.OnDegraded != nil {
		b.opts.OnDegraded(d)
	}
}

// Seek repositions the stream. The end of the file is taken from a fresh
// host lookup. The result is not clamped.
func (b *Bridge) Seek(s *Stream, offset int64, whence int) (int64, error) {
	if s.state != streamOpen {
		return 0, ErrStreamClosed
	}

	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = s.Position + offset
	case io.SeekEnd:
		n, err := b.node(s.Node)
		if err != nil {
			return 0, err
		}
		info, err := b.provider.Lookup(n.Volume, n.Tag)
		b.metrics.HostCall("lookup", err)
		if err != nil {
			return 0, &NotFoundError{Volume: n.Volume, Path: n.Tag, Err: err}
		}
		n.Size = info.Size
		pos = info.Size + offset
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidWhence, whence)
	}

	s.Position = pos
	return pos, nil
}

// Close releases the host descriptor. A stream is closed at most once.
func (b *Bridge) Close(s *Stream) error {
	if s.state != streamOpen {
		return ErrStreamClosed
	}
	s.state = streamClosed
	b.metrics.OpenStreams.Dec()

	err := b.provider.Close(s.fd)
	b.metrics.HostCall("close", err)
	if err != nil {
		return fmt.Errorf("failed to release descriptor %d: %w", s.fd, err)
	}
	return nil
}
