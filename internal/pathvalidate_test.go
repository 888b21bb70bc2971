package internal

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeFileInfo struct {
	name string
	dir  bool
	mode os.FileMode
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return 0 }
func (f fakeFileInfo) Mode() os.FileMode  { return f.mode }
func (f fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (f fakeFileInfo) IsDir() bool        { return f.dir }
func (f fakeFileInfo) Sys() any           { return nil }

// newLinuxValidator backs a validator with the real filesystem but a
// fixed platform and mount table, so results do not depend on the host.
func newLinuxValidator(t *testing.T, free uint64) *PathValidator {
	t.Helper()
	v := NewPathValidator(zap.NewNop())
	v.Platform = testPlatform("linux", nil, "/opt/warden/warden", "/home/bob")
	v.Mounts = func() ([]DiskMount, error) {
		return []DiskMount{{Mountpoint: "/", Free: free}}, nil
	}
	return v
}

func TestValidateInstallPathEmptyDirCountsAsNotExisting(t *testing.T) {
	v := newLinuxValidator(t, 100<<30)
	dir := t.TempDir()

	result := v.ValidateInstallPath(dir, false)
	assert.False(t, result.Exists)
	assert.True(t, result.IsValid)
}

func TestValidateInstallPathNonEmptyDirExists(t *testing.T) {
	v := newLinuxValidator(t, 100<<30)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("x"), 0o644))

	result := v.ValidateInstallPath(dir, false)
	assert.True(t, result.Exists)
	assert.True(t, result.IsValid)
}

func TestValidateInstallPathParentMissing(t *testing.T) {
	v := newLinuxValidator(t, 100<<30)
	candidate := filepath.Join(t.TempDir(), "missing", "child")

	result := v.ValidateInstallPath(candidate, false)
	assert.True(t, result.ParentMissing)
	assert.False(t, result.IsValid)
}

func TestValidateInstallPathCannotWriteSurvivesSpaceBypass(t *testing.T) {
	v := newLinuxValidator(t, 100<<30)
	v.WriteProbe = func(string) error { return errors.New("read-only filesystem") }

	result := v.ValidateInstallPath(t.TempDir(), true)
	assert.True(t, result.CannotWrite)
	assert.False(t, result.IsValid)
}

func TestValidateInstallPathFreeSpace(t *testing.T) {
	dir := t.TempDir()

	low := newLinuxValidator(t, 1<<20)
	result := low.ValidateInstallPath(dir, false)
	assert.Equal(t, int64(1<<20), result.FreeSpace)
	assert.Equal(t, RequiredSpaceDefault, result.RequiredSpace)
	assert.False(t, result.IsValid)

	// The bypass suppresses only the space condition.
	result = low.ValidateInstallPath(dir, true)
	assert.True(t, result.IsValid)
}

func TestValidateInstallPathPicksMostSpecificMount(t *testing.T) {
	v := newLinuxValidator(t, 0)
	tmp := t.TempDir()
	v.Mounts = func() ([]DiskMount, error) {
		return []DiskMount{
			{Mountpoint: "/", Free: 1 << 20},
			{Mountpoint: tmp, Free: 200 << 30},
		}, nil
	}

	result := v.ValidateInstallPath(filepath.Join(tmp, "models"), false)
	assert.Equal(t, int64(200<<30), result.FreeSpace)
}

func TestValidateInstallPathMountEnumerationFailureDoesNotBlock(t *testing.T) {
	v := newLinuxValidator(t, 0)
	v.Mounts = func() ([]DiskMount, error) { return nil, errors.New("no permission") }

	result := v.ValidateInstallPath(t.TempDir(), false)
	assert.Equal(t, int64(-1), result.FreeSpace)
	assert.True(t, result.IsValid)
}

func TestValidateInstallPathRestrictionBlocksDespiteSpace(t *testing.T) {
	env := map[string]string{OneDriveEnvKey: `C:\Users\bob\OneDrive`}
	v := NewPathValidator(zap.NewNop())
	v.Platform = testPlatform("windows", env, `C:\Program Files\ComfyWarden\warden.exe`, `C:\Users\bob`)
	v.Stat = func(string) (os.FileInfo, error) { return fakeFileInfo{dir: true}, nil }
	v.ReadDir = func(string) ([]os.DirEntry, error) { return nil, nil }
	v.WriteProbe = func(string) error { return nil }
	v.Mounts = func() ([]DiskMount, error) {
		return []DiskMount{{Mountpoint: `C:\`, Free: 500 << 30}}, nil
	}

	result := v.ValidateInstallPath(`C:\Users\bob\OneDrive\ComfyUI`, false)
	assert.True(t, result.IsOneDrive)
	assert.False(t, result.IsValid)
}

func TestValidateInstallPathNonDefaultDriveIsInformational(t *testing.T) {
	v := NewPathValidator(zap.NewNop())
	v.Platform = testPlatform("windows", nil, `C:\Program Files\ComfyWarden\warden.exe`, `C:\Users\bob`)
	v.Stat = func(path string) (os.FileInfo, error) {
		return fakeFileInfo{dir: true}, nil
	}
	v.ReadDir = func(string) ([]os.DirEntry, error) { return nil, nil }
	v.WriteProbe = func(string) error { return nil }
	v.Mounts = func() ([]DiskMount, error) {
		return []DiskMount{{Mountpoint: `D:\`, Free: 500 << 30}}, nil
	}

	result := v.ValidateInstallPath(`D:\ComfyData`, false)
	assert.True(t, result.IsNonDefaultDrive)
	assert.True(t, result.IsValid)
}

func TestValidateInstallPathStatErrorReported(t *testing.T) {
	v := newLinuxValidator(t, 100<<30)
	v.Stat = func(path string) (os.FileInfo, error) {
		return nil, &fs.PathError{Op: "stat", Path: path, Err: errors.New("input/output error")}
	}

	result := v.ValidateInstallPath("/data/models", false)
	assert.NotEmpty(t, result.Error)
	assert.False(t, result.IsValid)
}
