package internal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), WardenConfigFile)

	store, err := LoadConfigStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SetBasePath("/data/comfy"))
	require.NoError(t, store.SetInstallState(InstallStarted))
	require.NoError(t, store.SetSelectedDevice(DeviceNvidia))

	reloaded, err := LoadConfigStore(path)
	require.NoError(t, err)
	snap := reloaded.Snapshot()
	assert.Equal(t, "/data/comfy", snap.BasePath)
	assert.Equal(t, InstallStarted, snap.InstallState)
	assert.Equal(t, DeviceNvidia, snap.SelectedDevice)
}

func TestLoadConfigStoreMissingFile(t *testing.T) {
	store, err := LoadConfigStore(filepath.Join(t.TempDir(), WardenConfigFile))
	require.NoError(t, err)
	assert.Equal(t, StoredConfig{}, store.Snapshot())
}

func TestLoadConfigStoreRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), WardenConfigFile)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := LoadConfigStore(path)
	assert.Error(t, err)
}

func TestClearInstallKeepsDeviceAndMirrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), WardenConfigFile)
	store, err := LoadConfigStore(path)
	require.NoError(t, err)
	require.NoError(t, store.SetBasePath("/data/comfy"))
	require.NoError(t, store.SetInstallState(InstallInstalled))
	require.NoError(t, store.SetSelectedDevice(DeviceMps))

	require.NoError(t, store.ClearInstall())

	snap := store.Snapshot()
	assert.Empty(t, snap.BasePath)
	assert.Empty(t, snap.InstallState)
	assert.Equal(t, DeviceMps, snap.SelectedDevice)
}

func TestApplyEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, EnvFileName)
	require.NoError(t, os.WriteFile(envFile, []byte(
		BasePathKey+"=/mnt/fast/comfy\n"+
			TorchDeviceKey+"=cpu\n"+
			PypiMirrorKey+"=https://mirror.example.com/simple\n"), 0o644))

	store, err := LoadConfigStore(filepath.Join(dir, WardenConfigFile))
	require.NoError(t, err)
	require.NoError(t, store.SetBasePath("/old/path"))

	store.ApplyEnvOverrides(envFile)

	snap := store.Snapshot()
	assert.Equal(t, "/mnt/fast/comfy", snap.BasePath)
	assert.Equal(t, DeviceCPU, snap.SelectedDevice)
	assert.Equal(t, "https://mirror.example.com/simple", snap.Mirrors.PyPI)
}

func TestApplyEnvOverridesMissingFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	store, err := LoadConfigStore(filepath.Join(dir, WardenConfigFile))
	require.NoError(t, err)
	require.NoError(t, store.SetBasePath("/keep/me"))

	store.ApplyEnvOverrides(filepath.Join(dir, EnvFileName))
	assert.Equal(t, "/keep/me", store.Snapshot().BasePath)
}

func TestDetectLegacyConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, LegacyModelsConfig)

	_, present := DetectLegacyConfig(path)
	assert.False(t, present)

	require.NoError(t, os.WriteFile(path, []byte("comfyui:\n  base_path: /old/comfy\n"), 0o644))
	base, present := DetectLegacyConfig(path)
	assert.True(t, present)
	assert.Equal(t, "/old/comfy", base)

	// A mangled file still marks the install as legacy.
	require.NoError(t, os.WriteFile(path, []byte(":\t:::"), 0o644))
	base, present = DetectLegacyConfig(path)
	assert.True(t, present)
	assert.Empty(t, base)
}
