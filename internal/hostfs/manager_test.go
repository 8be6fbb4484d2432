package hostfs

import (
	"bytes"
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

func newTestManager(t *testing.T, files map[string]string, mode types.AccessMode, rules ...types.AccessRule) (*Manager, types.VolumeID, afero.Fs) {
	t.Helper()

	v, fsys := newMemVolume(t, files)
	m := NewManager()
	id := m.Bind("/work", mode, v, rules...)
	t.Cleanup(func() { m.Shutdown() })
	return m, id, fsys
}

func TestManager_ListVolumes(t *testing.T) {
	m := NewManager()
	a, _ := newMemVolume(t, nil)
	b, _ := newMemVolume(t, nil)

	assert.Equal(t, types.VolumeID(0), m.Bind("@", types.AccessReadWrite, a))
	assert.Equal(t, types.VolumeID(1), m.Bind("/data", types.AccessReadOnly, b))

	assert.Equal(t, []types.VolumeInfo{
		{ID: 0, MountPoint: "@", Access: types.AccessReadWrite},
		{ID: 1, MountPoint: "/data", Access: types.AccessReadOnly},
	}, m.ListVolumes())
}

func TestManager_Lookup(t *testing.T) {
	m, vol, _ := newTestManager(t, map[string]string{
		"/src/main.go": "package main",
	}, types.AccessReadOnly)

	info, err := m.Lookup(vol, "")
	require.NoError(t, err)
	assert.Equal(t, types.NodeTypeDir, info.Type)

	info, err = m.Lookup(vol, "/src/main.go")
	require.NoError(t, err)
	assert.Equal(t, types.NodeInfo{Type: types.NodeTypeFile, Access: types.AccessReadOnly, Size: 12}, info)

	_, err = m.Lookup(vol, "/src/missing.go")
	assert.ErrorIs(t, err, types.ErrNotFound)
	var hostErr *types.HostError
	require.True(t, errors.As(err, &hostErr))
	assert.Equal(t, "lookup", hostErr.Op)
	assert.Equal(t, "/src/missing.go", hostErr.Path)

	_, err = m.Lookup(vol, "/src/../etc")
	assert.ErrorIs(t, err, types.ErrInvalidPath)

	_, err = m.Lookup(types.VolumeID(9), "")
	assert.ErrorIs(t, err, types.ErrUnknownVolume)
}

func TestManager_EnumerateHonoursRules(t *testing.T) {
	m, vol, _ := newTestManager(t, map[string]string{
		"/readme.md":       "r",
		"/server.key":      "k",
		"/secrets/a.txt":   "a",
		"/public/logo.png": "p",
	}, types.AccessReadWrite,
		types.AccessRule{Pattern: "*.key", Type: types.PatternGlob, Permission: types.PermNone},
		types.AccessRule{Pattern: "/secrets/", Type: types.PatternDirectory, Permission: types.PermNone},
		types.AccessRule{Pattern: "/public/", Type: types.PatternDirectory, Permission: types.PermReadOnly},
	)

	names, err := m.Enumerate(vol, "")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"readme.md", "public"}, names)

	_, err = m.Lookup(vol, "/secrets/a.txt")
	assert.ErrorIs(t, err, types.ErrNotFound)
	_, err = m.Enumerate(vol, "/secrets")
	assert.ErrorIs(t, err, types.ErrNotFound)

	info, err := m.Lookup(vol, "/public/logo.png")
	require.NoError(t, err)
	assert.Equal(t, types.AccessReadOnly, info.Access)

	_, err = m.Open(vol, "/public/logo.png", types.AccessReadWrite, false)
	var accessErr *types.AccessError
	require.True(t, errors.As(err, &accessErr))
	assert.ErrorIs(t, err, types.ErrPermissionDenied)

	_, err = m.Open(vol, "/public/new.png", types.AccessWriteOnly, true)
	assert.ErrorIs(t, err, types.ErrReadOnly)
}

func TestManager_MakeDirectory(t *testing.T) {
	m, vol, fsys := newTestManager(t, nil, types.AccessReadWrite)

	info, err := m.MakeDirectory(vol, "/build")
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	isDir, err := afero.IsDir(fsys, "/build")
	require.NoError(t, err)
	assert.True(t, isDir)

	_, err = m.MakeDirectory(vol, "/missing/child")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = m.MakeDirectory(vol, "")
	assert.ErrorIs(t, err, types.ErrInvalidPath)

	ro, roVol, _ := newTestManager(t, nil, types.AccessReadOnly)
	_, err = ro.MakeDirectory(roVol, "/build")
	assert.ErrorIs(t, err, types.ErrReadOnly)
}

func TestManager_OpenReadWriteClose(t *testing.T) {
	m, vol, fsys := newTestManager(t, map[string]string{
		"/data.txt": "hello world",
	}, types.AccessReadWrite)

	fd, err := m.Open(vol, "/data.txt", types.AccessReadWrite, false)
	require.NoError(t, err)

	buf := make([]byte, 5)
	n, err := m.Read(fd, buf, 6)
	require.NoError(t, err)
	assert.Equal(t, "world", string(buf[:n]))

	n, err = m.Write(fd, []byte("HELLO"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, m.Close(fd))
	assert.ErrorIs(t, m.Close(fd), types.ErrBadDescriptor)
	_, err = m.Read(fd, buf, 0)
	assert.ErrorIs(t, err, types.ErrBadDescriptor)

	content, err := afero.ReadFile(fsys, "/data.txt")
	require.NoError(t, err)
	assert.Equal(t, "HELLO world", string(content))
}

func TestManager_OpenErrors(t *testing.T) {
	m, vol, _ := newTestManager(t, map[string]string{
		"/dir/file.txt": "x",
	}, types.AccessReadOnly)

	_, err := m.Open(vol, "/dir", types.AccessReadOnly, false)
	assert.ErrorIs(t, err, types.ErrIsDirectory)

	_, err = m.Open(vol, "", types.AccessReadOnly, false)
	assert.ErrorIs(t, err, types.ErrIsDirectory)

	_, err = m.Open(vol, "/dir/missing.txt", types.AccessReadOnly, false)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = m.Open(vol, "/dir/new.txt", types.AccessWriteOnly, true)
	assert.ErrorIs(t, err, types.ErrReadOnly)

	_, err = m.Open(vol, "/dir/file.txt", types.AccessWriteOnly, false)
	assert.ErrorIs(t, err, types.ErrPermissionDenied)
}

func TestManager_CreateFile(t *testing.T) {
	m, vol, fsys := newTestManager(t, nil, types.AccessReadWrite)

	fd, err := m.Open(vol, "/new.txt", types.AccessWriteOnly, true)
	require.NoError(t, err)
	_, err = m.Write(fd, []byte("fresh"), 0)
	require.NoError(t, err)
	require.NoError(t, m.Close(fd))

	content, err := afero.ReadFile(fsys, "/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(content))

	info, err := m.Lookup(vol, "/new.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
}

func TestManager_DescriptorTable(t *testing.T) {
	m, vol, _ := newTestManager(t, map[string]string{"/f": "x"}, types.AccessReadOnly)

	fds := make([]types.Descriptor, 0, MaxDescriptors)
	for i := 0; i < MaxDescriptors; i++ {
		fd, err := m.Open(vol, "/f", types.AccessReadOnly, false)
		require.NoError(t, err)
		fds = append(fds, fd)
	}

	_, err := m.Open(vol, "/f", types.AccessReadOnly, false)
	assert.ErrorIs(t, err, types.ErrTooManyOpenFiles)

	// A freed slot is reused
	require.NoError(t, m.Close(fds[10]))
	fd, err := m.Open(vol, "/f", types.AccessReadOnly, false)
	require.NoError(t, err)
	assert.Equal(t, fds[10], fd)

	require.NoError(t, m.Shutdown())
	_, err = m.Read(fd, make([]byte, 1), 0)
	assert.ErrorIs(t, err, types.ErrBadDescriptor)
}

func TestManager_ZipVolume(t *testing.T) {
	data := buildZip(t, map[string]string{"pkg/index.js": "module.exports = 1"})
	v, err := NewZipVolume(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	m := NewManager()
	vol := m.Bind("/node_modules", types.AccessReadOnly, v)

	names, err := m.Enumerate(vol, "/pkg")
	require.NoError(t, err)
	assert.Equal(t, []string{"index.js"}, names)

	fd, err := m.Open(vol, "/pkg/index.js", types.AccessReadOnly, false)
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := m.Read(fd, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, "module.exports = 1", string(buf[:n]))

	require.NoError(t, m.Shutdown())
}
