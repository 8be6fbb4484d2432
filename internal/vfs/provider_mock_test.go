package vfs

import (
	"github.com/stretchr/testify/mock"

	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// mockProvider is a fault-injecting Provider.
type mockProvider struct {
	mock.Mock
}

func (m *mockProvider) ListVolumes() []types.VolumeInfo {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]types.VolumeInfo)
}

func (m *mockProvider) Lookup(vol types.VolumeID, tag string) (types.NodeInfo, error) {
	args := m.Called(vol, tag)
	return args.Get(0).(types.NodeInfo), args.Error(1)
}

func (m *mockProvider) Enumerate(vol types.VolumeID, tag string) ([]string, error) {
	args := m.Called(vol, tag)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockProvider) MakeDirectory(vol types.VolumeID, tag string) (types.NodeInfo, error) {
	args := m.Called(vol, tag)
	return args.Get(0).(types.NodeInfo), args.Error(1)
}

func (m *mockProvider) Open(vol types.VolumeID, tag string, mode types.AccessMode, create bool) (types.Descriptor, error) {
	args := m.Called(vol, tag, mode, create)
	return args.Get(0).(types.Descriptor), args.Error(1)
}

func (m *mockProvider) Read(fd types.Descriptor, p []byte, position int64) (int, error) {
	args := m.Called(fd, p, position)
	return args.Int(0), args.Error(1)
}

func (m *mockProvider) Write(fd types.Descriptor, p []byte, position int64) (int, error) {
	args := m.Called(fd, p, position)
	return args.Int(0), args.Error(1)
}

func (m *mockProvider) Close(fd types.Descriptor) error {
	args := m.Called(fd)
	return args.Error(0)
}

var (
	fileRW = types.NodeInfo{Type: types.NodeTypeFile, Access: types.AccessReadWrite}
	dirRW  = types.NodeInfo{Type: types.NodeTypeDir, Access: types.AccessReadWrite}
)

// newMockBridge returns a bridge with one volume mounted at /vol.
func newMockBridge(opts Options) (*Bridge, *mockProvider) {
	p := new(mockProvider)
	p.On("ListVolumes").Return([]types.VolumeInfo{
		{ID: 0, MountPoint: "/vol", Access: types.AccessReadWrite},
	}).Once()

	b := New(p, opts)
	if err := b.Bootstrap(); err != nil {
		panic(err)
	}
	return b, p
}
