package fuse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"

	"github.com/ajaxzhan/hostfs-bridge/internal/hostfs"
	"github.com/ajaxzhan/hostfs-bridge/internal/metrics"
	"github.com/ajaxzhan/hostfs-bridge/internal/vfs"
	"github.com/ajaxzhan/hostfs-bridge/pkg/types"
)

// checkFUSEAvailable checks if FUSE is available on the system.
func checkFUSEAvailable(t *testing.T) {
	t.Helper()

	if runtime.GOOS == "darwin" {
		if _, err := os.Stat("/Library/Filesystems/macfuse.fs"); os.IsNotExist(err) {
			t.Skip("skipping test: macFUSE is not installed")
		}
		if _, err := exec.LookPath("mount_macfuse"); err != nil {
			t.Skip("skipping test: mount_macfuse not found in PATH")
		}
	} else if runtime.GOOS == "linux" {
		if _, err := os.Stat("/dev/fuse"); os.IsNotExist(err) {
			t.Skip("skipping test: FUSE is not available (/dev/fuse not found)")
		}
	} else {
		t.Skipf("skipping test: FUSE tests not supported on %s", runtime.GOOS)
	}
}

// ============================================================================
// Unit Tests (no FUSE mount required)
// ============================================================================

func TestToErrno(t *testing.T) {
	hostNotFound := &types.HostError{Op: "lookup", Path: "a", Err: types.ErrNotFound}

	tests := []struct {
		name string
		err  error
		want syscall.Errno
	}{
		{"nil", nil, 0},
		{"not found", &vfs.NotFoundError{Path: "a"}, syscall.ENOENT},
		{"not found with host cause", &vfs.NotFoundError{Path: "a", Err: hostNotFound}, syscall.ENOENT},
		{"invalid mode", &vfs.InvalidModeError{Name: "a", Mode: 0}, syscall.EINVAL},
		{"invalid name", fmt.Errorf("%q: %w", "a/b", vfs.ErrInvalidName), syscall.EINVAL},
		{"invalid whence", vfs.ErrInvalidWhence, syscall.EINVAL},
		{"not dir", vfs.ErrNotDir, syscall.ENOTDIR},
		{"is dir", vfs.ErrIsDir, syscall.EISDIR},
		{"not supported", vfs.ErrNotSupported, syscall.ENOTSUP},
		{"stream closed", vfs.ErrStreamClosed, syscall.EBADF},
		{"open denied", &vfs.OpenError{Tag: "a", Err: &types.AccessError{Path: "a"}}, syscall.EACCES},
		{"open read-only", &vfs.OpenError{Tag: "a", Err: types.ErrReadOnly}, syscall.EROFS},
		{"open missing", &vfs.OpenError{Tag: "a", Err: hostNotFound}, syscall.ENOENT},
		{"open table full", &vfs.OpenError{Tag: "a", Err: types.ErrTooManyOpenFiles}, syscall.EMFILE},
		{"host is directory", types.ErrIsDirectory, syscall.EISDIR},
		{"host not directory", types.ErrNotDirectory, syscall.ENOTDIR},
		{"host invalid path", types.ErrInvalidPath, syscall.EINVAL},
		{"exists", fmt.Errorf("mkdir: %w", os.ErrExist), syscall.EEXIST},
		{"raw errno", &os.PathError{Op: "open", Path: "a", Err: syscall.ENOSPC}, syscall.ENOSPC},
		{"unknown", errors.New("boom"), syscall.EIO},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := toErrno(tt.err); got != tt.want {
				t.Errorf("toErrno(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewServer_Validation(t *testing.T) {
	bridge := vfs.New(hostfs.NewManager(), vfs.Options{})

	if _, err := NewServer(nil, Options{MountPoint: t.TempDir()}); !errors.Is(err, ErrNoBridge) {
		t.Errorf("nil bridge: got %v, want ErrNoBridge", err)
	}
	if _, err := NewServer(bridge, Options{}); !errors.Is(err, ErrInvalidMountPoint) {
		t.Errorf("empty mount point: got %v, want ErrInvalidMountPoint", err)
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if _, err := NewServer(bridge, Options{MountPoint: file}); !errors.Is(err, ErrInvalidMountPoint) {
		t.Errorf("file mount point: got %v, want ErrInvalidMountPoint", err)
	}

	srv, err := NewServer(bridge, Options{MountPoint: t.TempDir()})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if srv.opts.FsName != "hostfs" {
		t.Errorf("FsName = %q, want default hostfs", srv.opts.FsName)
	}
	if srv.IsMounted() {
		t.Error("new server should not be mounted")
	}
}

func TestFillAttr(t *testing.T) {
	dirMode := uint32(syscall.S_IFDIR | 0o755)
	fileMode := uint32(syscall.S_IFREG | 0o644)

	var out fuse.Attr
	fillAttr(&out, 3, dirMode, -1)
	if out.Nlink != 2 || out.Size != 0 || out.Ino != inodeNumber(3) {
		t.Errorf("dir attr = %+v", out)
	}

	out = fuse.Attr{}
	fillAttr(&out, 4, fileMode, 42)
	if out.Nlink != 1 || out.Size != 42 || out.Mode != fileMode {
		t.Errorf("file attr = %+v", out)
	}
}

func TestDirEntries_NoHostLookups(t *testing.T) {
	fsys := afero.NewMemMapFs()
	if err := afero.WriteFile(fsys, "/a.txt", []byte("a"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	if err := fsys.MkdirAll("/sub", 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}

	manager := hostfs.NewManager()
	manager.Bind("/work", types.AccessReadWrite, hostfs.NewDirVolume(fsys))
	m := metrics.New(nil)
	bridge := vfs.New(manager, vfs.Options{Metrics: m})
	if err := bridge.Bootstrap(); err != nil {
		t.Fatalf("failed to bootstrap bridge: %v", err)
	}
	srv := &Server{bridge: bridge}

	work, err := bridge.Resolve("/work")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	names, err := bridge.Enumerate(work)
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}

	lookups := testutil.ToFloat64(m.HostCalls.WithLabelValues("lookup", metrics.ResultOK))
	entries := srv.dirEntries(work, names)
	if got := testutil.ToFloat64(m.HostCalls.WithLabelValues("lookup", metrics.ResultOK)); got != lookups {
		t.Errorf("listing issued %v host lookups", got-lookups)
	}
	for _, e := range entries {
		if e.Mode != 0 {
			t.Errorf("unlooked-up entry %q has mode %o, want unknown", e.Name, e.Mode)
		}
	}

	if _, err := bridge.Lookup(work, "sub"); err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	for _, e := range srv.dirEntries(work, names) {
		if e.Name == "sub" && e.Mode != syscall.S_IFDIR {
			t.Errorf("known entry sub has mode %o, want S_IFDIR", e.Mode)
		}
	}

	root := srv.dirEntries(bridge.Root(), []string{"tmp", "work"})
	for _, e := range root {
		if e.Mode != syscall.S_IFDIR {
			t.Errorf("root entry %q has mode %o, want S_IFDIR", e.Name, e.Mode)
		}
	}
}

// ============================================================================
// Integration Tests (FUSE mount required)
// ============================================================================

// setupTestMount binds sourceDir at /work with mode, bootstraps a bridge and
// mounts it. Returns the mount point and a cleanup function.
func setupTestMount(t *testing.T, sourceDir string, mode types.AccessMode) (string, func()) {
	t.Helper()

	checkFUSEAvailable(t)

	vol, err := hostfs.OpenDirVolume(sourceDir, mode)
	if err != nil {
		t.Fatalf("failed to open volume: %v", err)
	}
	manager := hostfs.NewManager()
	manager.Bind("/work", mode, vol)

	bridge := vfs.New(manager, vfs.Options{})
	if err := bridge.Bootstrap(); err != nil {
		t.Fatalf("failed to bootstrap bridge: %v", err)
	}

	mountPoint, err := os.MkdirTemp("", "hostfs-mount-*")
	if err != nil {
		t.Fatalf("failed to create mount point: %v", err)
	}

	srv, err := NewServer(bridge, Options{MountPoint: mountPoint})
	if err != nil {
		os.RemoveAll(mountPoint)
		t.Fatalf("failed to create server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)

	go func() {
		errCh <- srv.Mount(ctx)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if srv.IsMounted() {
			break
		}
		select {
		case err := <-errCh:
			cancel()
			os.RemoveAll(mountPoint)
			t.Fatalf("mount failed: %v", err)
		default:
			time.Sleep(50 * time.Millisecond)
		}
	}

	if !srv.IsMounted() {
		cancel()
		os.RemoveAll(mountPoint)
		t.Skip("skipping test: FUSE mount timed out (FUSE may not be properly configured)")
	}

	cleanup := func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Log("warning: unmount timed out")
		}
		manager.Shutdown()
		os.RemoveAll(mountPoint)
	}

	return mountPoint, cleanup
}

func TestServer_ReadDir_Root(t *testing.T) {
	mountPoint, cleanup := setupTestMount(t, t.TempDir(), types.AccessReadOnly)
	defer cleanup()

	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}

	names := make(map[string]bool)
	for _, e := range entries {
		names[e.Name()] = e.IsDir()
	}
	for _, want := range []string{"tmp", "home", "dev", "proc", "work"} {
		if isDir, ok := names[want]; !ok || !isDir {
			t.Errorf("root listing missing directory %q: %v", want, names)
		}
	}
}

func TestServer_ReadFile(t *testing.T) {
	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "hello.txt"), []byte("hello world"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	mountPoint, cleanup := setupTestMount(t, source, types.AccessReadOnly)
	defer cleanup()

	data, err := os.ReadFile(filepath.Join(mountPoint, "work", "hello.txt"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("ReadFile() = %q, want %q", data, "hello world")
	}

	info, err := os.Stat(filepath.Join(mountPoint, "work", "hello.txt"))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != int64(len("hello world")) {
		t.Errorf("Size() = %d, want %d", info.Size(), len("hello world"))
	}
}

func TestServer_WriteReadOnly(t *testing.T) {
	source := t.TempDir()
	mountPoint, cleanup := setupTestMount(t, source, types.AccessReadOnly)
	defer cleanup()

	err := os.WriteFile(filepath.Join(mountPoint, "work", "new.txt"), []byte("x"), 0644)
	if err == nil {
		t.Fatal("expected write to a read-only volume to fail")
	}
	if _, statErr := os.Stat(filepath.Join(source, "new.txt")); !os.IsNotExist(statErr) {
		t.Errorf("file should not exist on the host, stat error = %v", statErr)
	}
}

func TestServer_CreateAndMkdir(t *testing.T) {
	source := t.TempDir()
	mountPoint, cleanup := setupTestMount(t, source, types.AccessReadWrite)
	defer cleanup()

	if err := os.Mkdir(filepath.Join(mountPoint, "work", "sub"), 0755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(mountPoint, "work", "sub", "out.txt"), []byte("written"), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	data, err := os.ReadFile(filepath.Join(source, "sub", "out.txt"))
	if err != nil {
		t.Fatalf("host ReadFile() error = %v", err)
	}
	if string(data) != "written" {
		t.Errorf("host content = %q, want %q", data, "written")
	}
}

func TestServer_UnsupportedOperations(t *testing.T) {
	source := t.TempDir()
	if err := os.WriteFile(filepath.Join(source, "keep.txt"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}

	mountPoint, cleanup := setupTestMount(t, source, types.AccessReadWrite)
	defer cleanup()

	target := filepath.Join(mountPoint, "work", "keep.txt")
	if err := os.Remove(target); err == nil {
		t.Error("expected Remove() to fail")
	}
	if err := os.Rename(target, filepath.Join(mountPoint, "work", "moved.txt")); err == nil {
		t.Error("expected Rename() to fail")
	}
	if _, err := os.Stat(filepath.Join(source, "keep.txt")); err != nil {
		t.Errorf("host file should be untouched: %v", err)
	}
}

func TestServer_SyntheticDirRejectsFiles(t *testing.T) {
	mountPoint, cleanup := setupTestMount(t, t.TempDir(), types.AccessReadWrite)
	defer cleanup()

	err := os.WriteFile(filepath.Join(mountPoint, "tmp", "scratch"), []byte("x"), 0644)
	if err == nil {
		t.Fatal("expected file creation in a synthetic directory to fail")
	}

	if err := os.Mkdir(filepath.Join(mountPoint, "tmp", "cache"), 0755); err != nil {
		t.Fatalf("Mkdir() in synthetic directory error = %v", err)
	}
	info, err := os.Stat(filepath.Join(mountPoint, "tmp", "cache"))
	if err != nil || !info.IsDir() {
		t.Errorf("Stat() = %v, %v; want a directory", info, err)
	}
}
