package internal

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type installFixture struct {
	inst     *ComfyInstallation
	store    *ConfigStore
	basePath string
	cliDir   string
}

// newInstallFixture builds a fully healthy installation on disk: base
// path, populated venv, interpreter, bundled uv. Individual tests break
// the pieces they exercise.
func newInstallFixture(t *testing.T, state InstallState) *installFixture {
	t.Helper()
	cliDir := t.TempDir()
	basePath := t.TempDir()
	resources := t.TempDir()

	store, err := LoadConfigStore(filepath.Join(cliDir, WardenConfigFile))
	require.NoError(t, err)
	require.NoError(t, store.SetBasePath(basePath))

	p := testPlatform("linux", nil, "/opt/warden/warden", "/home/bob")
	inst := NewComfyInstallation(zap.NewNop(), store, p, resources, state, basePath)
	inst.lookPath = func(string) (string, error) { return "/usr/bin/git", nil }

	venvPath := filepath.Join(basePath, DotVenvDir)
	require.NoError(t, os.MkdirAll(filepath.Join(venvPath, "bin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(venvPath, "bin", "python"), []byte("#!stub"), 0o755))
	uvDir := filepath.Join(resources, "uv", "linux")
	require.NoError(t, os.MkdirAll(uvDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(uvDir, "uv"), []byte("#!stub"), 0o755))

	inst.Venv.shellRun = func(ctx context.Context, command string, onData OutputSink) (int, error) {
		onData("Would make no changes")
		return 0, nil
	}
	return &installFixture{inst: inst, store: store, basePath: basePath, cliDir: cliDir}
}

func TestValidateHealthyInstall(t *testing.T) {
	f := newInstallFixture(t, InstallInstalled)

	report := f.inst.Validate(context.Background())

	assert.False(t, report.InProgress)
	assert.Equal(t, StatusOK, report.BasePath)
	assert.Equal(t, StatusOK, report.VenvDirectory)
	assert.Equal(t, StatusOK, report.PythonInterpreter)
	assert.Equal(t, StatusOK, report.Uv)
	assert.Equal(t, StatusOK, report.PythonPackages)
	assert.Equal(t, StatusOK, report.UpgradePackages)
	assert.Equal(t, StatusOK, report.Git)
	assert.Equal(t, StatusSkipped, report.VCRedist)
	assert.False(t, report.HasError())
	assert.True(t, f.inst.IsValid())
	assert.False(t, f.inst.HasIssues())
}

func TestValidateStreamsOrderedUpdates(t *testing.T) {
	f := newInstallFixture(t, InstallInstalled)

	var reports []ValidationReport
	unsubscribe := f.inst.OnUpdate(func(r ValidationReport) { reports = append(reports, r) })
	defer unsubscribe()

	f.inst.Validate(context.Background())

	require.GreaterOrEqual(t, len(reports), 4)
	first := reports[0]
	assert.True(t, first.InProgress)
	assert.Equal(t, StatusUnset, first.BasePath)

	last := reports[len(reports)-1]
	assert.False(t, last.InProgress)
	for _, s := range last.statuses() {
		assert.NotEqual(t, StatusUnset, s)
	}

	// Fields only ever move away from unset as the sweep progresses.
	sawPartial := false
	for _, r := range reports {
		if r.BasePath == StatusOK && r.Git == StatusUnset {
			sawPartial = true
		}
	}
	assert.True(t, sawPartial, "expected a publish between the base path and git steps")
}

func TestValidateEmptyBasePath(t *testing.T) {
	cliDir := t.TempDir()
	store, err := LoadConfigStore(filepath.Join(cliDir, WardenConfigFile))
	require.NoError(t, err)
	p := testPlatform("linux", nil, "/opt/warden/warden", "/home/bob")
	inst := NewComfyInstallation(zap.NewNop(), store, p, t.TempDir(), "", "")
	inst.lookPath = func(string) (string, error) { return "/usr/bin/git", nil }

	report := inst.Validate(context.Background())

	assert.Equal(t, StatusError, report.BasePath)
	// Environment checks are skipped entirely when the base path fails.
	assert.Equal(t, StatusUnset, report.VenvDirectory)
	assert.Equal(t, StatusUnset, report.PythonPackages)
	assert.Equal(t, StatusOK, report.Git)
	assert.True(t, report.HasError())
}

func TestValidateUnsafeBasePath(t *testing.T) {
	root := t.TempDir()
	basePath := filepath.Join(root, "data")
	require.NoError(t, os.MkdirAll(basePath, 0o755))

	cliDir := t.TempDir()
	store, err := LoadConfigStore(filepath.Join(cliDir, WardenConfigFile))
	require.NoError(t, err)
	require.NoError(t, store.SetBasePath(basePath))

	// The executable sits in root, so basePath is inside the app's own
	// install directory.
	p := testPlatform("linux", nil, filepath.Join(root, "warden"), "/home/bob")
	inst := NewComfyInstallation(zap.NewNop(), store, p, t.TempDir(), InstallInstalled, basePath)
	inst.lookPath = func(string) (string, error) { return "/usr/bin/git", nil }

	report := inst.Validate(context.Background())

	assert.Equal(t, StatusError, report.BasePath)
	assert.True(t, report.UnsafeBasePath)
	assert.Equal(t, RestrictedAppInstallDir, report.UnsafeBasePathReason)
	assert.Equal(t, StatusUnset, report.VenvDirectory)
	assert.False(t, inst.IsValid())
}

func TestValidatePackageDriftIsSoft(t *testing.T) {
	f := newInstallFixture(t, InstallInstalled)
	f.inst.Venv.shellRun = func(ctx context.Context, command string, onData OutputSink) (int, error) {
		onData(" + uv==1.0.0")
		return 0, nil
	}

	report := f.inst.Validate(context.Background())

	assert.Equal(t, StatusOK, report.PythonPackages)
	assert.Equal(t, StatusWarning, report.UpgradePackages)
	assert.False(t, report.HasError())
	assert.True(t, f.inst.IsValid())
}

func TestValidatePackageTransportFailure(t *testing.T) {
	f := newInstallFixture(t, InstallInstalled)
	f.inst.Venv.shellRun = func(ctx context.Context, command string, onData OutputSink) (int, error) {
		onData("error: failed to fetch")
		return 2, nil
	}

	report := f.inst.Validate(context.Background())

	assert.Equal(t, StatusError, report.PythonPackages)
	assert.NotEmpty(t, report.Error)
	assert.True(t, f.inst.HasIssues())
	assert.False(t, f.inst.IsValid())
}

func TestValidateMissingVenv(t *testing.T) {
	f := newInstallFixture(t, InstallInstalled)
	require.NoError(t, os.RemoveAll(f.inst.Venv.VenvPath))

	report := f.inst.Validate(context.Background())

	assert.Equal(t, StatusOK, report.BasePath)
	assert.Equal(t, StatusError, report.VenvDirectory)
	assert.Equal(t, StatusUnset, report.PythonInterpreter)
	assert.Equal(t, StatusUnset, report.PythonPackages)
}

func TestValidateNonExecutableInterpreter(t *testing.T) {
	f := newInstallFixture(t, InstallInstalled)
	interpreter := f.inst.Venv.PythonInterpreterPath()
	require.NoError(t, os.Chmod(interpreter, 0o644))

	report := f.inst.Validate(context.Background())

	assert.Equal(t, StatusOK, report.VenvDirectory)
	assert.Equal(t, StatusError, report.PythonInterpreter)
	assert.Equal(t, StatusUnset, report.Uv)
}

func TestValidateLegacyUpgradeDetection(t *testing.T) {
	f := newInstallFixture(t, "")
	legacy := filepath.Join(f.cliDir, LegacyModelsConfig)
	require.NoError(t, os.WriteFile(legacy, []byte("comfyui:\n  base_path: /old\n"), 0o644))

	report := f.inst.Validate(context.Background())

	assert.Equal(t, InstallUpgraded, f.inst.State)
	assert.Equal(t, InstallUpgraded, report.InstallState)
	assert.Equal(t, InstallUpgraded, f.store.Snapshot().InstallState)
}

func TestValidateNoLegacyConfigKeepsState(t *testing.T) {
	f := newInstallFixture(t, "")
	f.inst.Validate(context.Background())
	assert.Equal(t, InstallState(""), f.inst.State)
}

func TestValidateMissingGit(t *testing.T) {
	f := newInstallFixture(t, InstallInstalled)
	f.inst.lookPath = func(string) (string, error) { return "", os.ErrNotExist }

	report := f.inst.Validate(context.Background())
	assert.Equal(t, StatusError, report.Git)
	assert.True(t, report.HasError())
}

func TestValidateVCRedist(t *testing.T) {
	f := newInstallFixture(t, InstallInstalled)

	dll := filepath.Join(t.TempDir(), VCRuntimeDLL)
	f.inst.vcRedistPath = dll
	report := f.inst.Validate(context.Background())
	assert.Equal(t, StatusError, report.VCRedist)

	require.NoError(t, os.WriteFile(dll, []byte("MZ"), 0o644))
	report = f.inst.Validate(context.Background())
	assert.Equal(t, StatusOK, report.VCRedist)
}

func TestUpdateBasePathAndVenvRebinds(t *testing.T) {
	f := newInstallFixture(t, InstallInstalled)
	next := t.TempDir()

	f.inst.UpdateBasePathAndVenv(next)

	assert.Equal(t, next, f.inst.BasePath)
	assert.Equal(t, filepath.Join(next, DotVenvDir), f.inst.Venv.VenvPath)
	assert.Equal(t, next, f.store.Snapshot().BasePath)
}

func TestUninstallLeavesEnvironmentOnDisk(t *testing.T) {
	f := newInstallFixture(t, InstallInstalled)
	legacy := filepath.Join(f.cliDir, LegacyModelsConfig)
	require.NoError(t, os.WriteFile(legacy, []byte("comfyui:\n  base_path: /old\n"), 0o644))

	require.NoError(t, f.inst.Uninstall())

	_, err := os.Stat(legacy)
	assert.True(t, os.IsNotExist(err))
	snap := f.store.Snapshot()
	assert.Empty(t, snap.BasePath)
	assert.Empty(t, snap.InstallState)
	assert.DirExists(t, f.inst.Venv.VenvPath)
}

func TestInstallationFromConfig(t *testing.T) {
	cliDir := t.TempDir()
	store, err := LoadConfigStore(filepath.Join(cliDir, WardenConfigFile))
	require.NoError(t, err)

	_, found := InstallationFromConfig(zap.NewNop(), store, t.TempDir())
	assert.False(t, found)

	require.NoError(t, store.SetBasePath("/data/comfy"))
	require.NoError(t, store.SetInstallState(InstallInstalled))
	inst, found := InstallationFromConfig(zap.NewNop(), store, t.TempDir())
	require.True(t, found)
	assert.Equal(t, "/data/comfy", inst.BasePath)
	assert.Equal(t, InstallInstalled, inst.State)
}
