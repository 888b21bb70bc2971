package internal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"
)

// ErrImportVerification marks the distinguished failure where packages
// are present but native modules fail to import. Callers match on it
// because the remediation (recreate the environment) differs from a
// generic install failure (retry the package install).
var ErrImportVerification = errors.New("python import verification failed")

// ErrEmptyDryRunOutput is thrown when a dry-run install exits cleanly
// but produces no text to classify, which means the transport is
// broken, not the environment.
var ErrEmptyDryRunOutput = errors.New("dry-run produced no output")

// Modules that ship compiled extensions and are the usual casualties
// of a wrong wheel variant. A presence check alone cannot catch a
// binary mismatch; importing them can.
var verifiedImportModules = []string{"torch", "torchvision", "torchaudio", "av", "yaml"}

// CommandRunner runs one external command to completion.
type CommandRunner func(ctx context.Context, name string, args []string, opts CommandOptions) (ExitStatus, error)

// ShellRunner runs one command line inside the persistent shell.
type ShellRunner func(ctx context.Context, command string, onData OutputSink) (int, error)

// VirtualEnvironment owns the lifecycle of the isolated Python runtime
// rooted at BasePath/.venv: creation, requirement diffing, repair and
// teardown, all driven through the uv binary bundled under the
// application's resources directory.
//
// The struct is immutable after construction except for the lazily
// created shell session, which is exclusively owned and torn down
// after each supervised command batch.
type VirtualEnvironment struct {
	logger   *zap.Logger
	platform Platform

	BasePath      string
	VenvPath      string
	PythonVersion string
	Device        TorchDevice
	Mirrors       Mirrors

	resourcesDir string

	runCommand CommandRunner
	shellRun   ShellRunner // replaced in tests; nil means real session
	session    *TerminalSession
}

// NewVirtualEnvironment builds the manager for basePath using the
// bundled resources under resourcesDir and the persisted selections in
// cfg.
func NewVirtualEnvironment(logger *zap.Logger, platform Platform, basePath, resourcesDir string, cfg StoredConfig) *VirtualEnvironment {
	version := cfg.PythonVersion
	if version == "" {
		version = DefaultPythonVersion
	}
	device := cfg.SelectedDevice
	if device == "" {
		device = defaultTorchDevice(platform)
	}
	return &VirtualEnvironment{
		logger:        logger,
		platform:      platform,
		BasePath:      basePath,
		VenvPath:      filepath.Join(basePath, DotVenvDir),
		PythonVersion: version,
		Device:        device,
		Mirrors:       cfg.Mirrors,
		resourcesDir:  resourcesDir,
		runCommand:    RunCommandAsync,
	}
}

func defaultTorchDevice(p Platform) TorchDevice {
	switch p.GOOS {
	case "darwin":
		return DeviceMps
	case "windows", "linux":
		return DeviceNvidia
	}
	return DeviceUnsupported
}

// Exists reports whether the venv directory is accessible and non-empty.
func (v *VirtualEnvironment) Exists() bool {
	entries, err := os.ReadDir(v.VenvPath)
	return err == nil && len(entries) > 0
}

// PythonInterpreterPath is the venv's interpreter executable.
func (v *VirtualEnvironment) PythonInterpreterPath() string {
	if v.platform.GOOS == "windows" {
		return filepath.Join(v.VenvPath, "Scripts", "python.exe")
	}
	return filepath.Join(v.VenvPath, "bin", "python")
}

// UvPath resolves the bundled package-manager binary for the platform.
func (v *VirtualEnvironment) UvPath() string {
	switch v.platform.GOOS {
	case "windows":
		return filepath.Join(v.resourcesDir, "uv", "win", "uv.exe")
	case "darwin":
		return filepath.Join(v.resourcesDir, "uv", "macos", "uv")
	default:
		return filepath.Join(v.resourcesDir, "uv", "linux", "uv")
	}
}

func (v *VirtualEnvironment) cacheDir() string {
	return filepath.Join(v.BasePath, UvCacheDirName)
}

// Manifest locations under the bundled resources tree.
func (v *VirtualEnvironment) compiledRequirementsPath() string {
	return filepath.Join(v.resourcesDir, "requirements", fmt.Sprintf("%s_%s.compiled", v.platform.GOOS, v.Device))
}

func (v *VirtualEnvironment) torchRequirementsPath() string {
	return filepath.Join(v.resourcesDir, "requirements", fmt.Sprintf("torch_%s.txt", v.Device))
}

func (v *VirtualEnvironment) coreRequirementsPath() string {
	return filepath.Join(v.resourcesDir, ComfyUIDirName, RequirementsTxt)
}

func (v *VirtualEnvironment) managerRequirementsPath() string {
	return filepath.Join(v.resourcesDir, ComfyUIDirName, CustomNodesDirName, ManagerDirName, RequirementsTxt)
}

// sessionEnv is the environment the persistent shell and every uv
// invocation inside it runs with.
func (v *VirtualEnvironment) sessionEnv() []string {
	env := append(os.Environ(),
		"VIRTUAL_ENV="+v.VenvPath,
		"UV_CACHE_DIR="+v.cacheDir(),
	)
	if v.Mirrors.Python != "" {
		env = append(env, "UV_PYTHON_INSTALL_MIRROR="+v.Mirrors.Python)
	}
	if v.Mirrors.PyPI != "" {
		env = append(env, "UV_INDEX_URL="+v.Mirrors.PyPI)
	}
	return env
}

// withTerminal scopes acquisition of the persistent shell: fn runs
// with the session available and the shell process is terminated on
// every exit path, including panics.
func (v *VirtualEnvironment) withTerminal(fn func() error) error {
	if v.shellRun != nil {
		return fn()
	}
	v.session = NewTerminalSession(v.logger, v.BasePath, v.sessionEnv())
	defer func() { v.session = nil }()
	return WithSession(v.session, func(*TerminalSession) error { return fn() })
}

// runShell executes one command line in the supervised shell.
func (v *VirtualEnvironment) runShell(ctx context.Context, command string, onData OutputSink) (int, error) {
	if v.shellRun != nil {
		return v.shellRun(ctx, command, onData)
	}
	if v.session == nil {
		return -1, errors.New("no terminal session acquired")
	}
	return v.session.Run(ctx, command, onData)
}

// runUv runs the package manager inside the shell session.
func (v *VirtualEnvironment) runUv(ctx context.Context, args []string, onData OutputSink) (int, error) {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(v.UvPath()))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return v.runShell(ctx, strings.Join(parts, " "), onData)
}

// Create is the top-level environment setup entry. With an existing
// venv it checks the installed packages against the manifests, repairs
// drift, and verifies native imports; otherwise it creates the venv
// from scratch and installs dependencies. The shell session acquired
// for the batch is torn down on every exit path.
func (v *VirtualEnvironment) Create(ctx context.Context, onData OutputSink) error {
	return v.withTerminal(func() error {
		if v.Exists() {
			v.logger.Info("venv present, checking packages", zap.String("venv", v.VenvPath))
			status, err := v.HasRequirements(ctx)
			if err != nil {
				return err
			}
			if status != PackagesOK {
				if err := v.manualInstall(ctx, onData); err != nil {
					return err
				}
			}
			if err := v.VerifyPythonImports(ctx); err != nil {
				// Recoverable by environment recreation, not by another
				// package install; callers match on the sentinel.
				v.logger.Error("import verification failed after install", zap.Error(err))
				return fmt.Errorf("%w: %v", ErrImportVerification, err)
			}
			return nil
		}

		if err := v.createVenv(ctx, onData); err != nil {
			return err
		}
		if err := v.ensurePip(ctx, onData); err != nil {
			return err
		}
		return v.installRequirements(ctx, onData)
	})
}

// createVenv creates the environment with a managed interpreter pinned
// to the configured version.
func (v *VirtualEnvironment) createVenv(ctx context.Context, onData OutputSink) error {
	if _, err := semver.NewVersion(v.PythonVersion); err != nil {
		return fmt.Errorf("invalid python version pin %q: %w", v.PythonVersion, err)
	}
	v.logger.Info("creating venv",
		zap.String("venv", v.VenvPath),
		zap.String("python", v.PythonVersion))
	code, err := v.runUv(ctx, []string{
		"venv", v.VenvPath,
		"--python", v.PythonVersion,
		"--python-preference", "only-managed",
	}, onData)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("uv venv exited with code %d", code)
	}
	return nil
}

// ensurePip bootstraps the package installer inside the fresh venv.
func (v *VirtualEnvironment) ensurePip(ctx context.Context, onData OutputSink) error {
	code, err := v.runUv(ctx, []string{"pip", "install", "--upgrade", "pip"}, onData)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("pip bootstrap exited with code %d", code)
	}
	return nil
}

// installRequirements prefers the precompiled locked manifest and falls
// back to the unlocked manifests in sequence when the locked install
// fails.
func (v *VirtualEnvironment) installRequirements(ctx context.Context, onData OutputSink) error {
	compiled := v.compiledRequirementsPath()
	if _, err := os.Stat(compiled); err == nil {
		if err := v.installManifest(ctx, compiled, onData); err == nil {
			return nil
		}
		v.logger.Warn("compiled manifest install failed, falling back to unlocked manifests",
			zap.String("manifest", compiled))
	}
	for _, manifest := range []string{
		v.torchRequirementsPath(),
		v.coreRequirementsPath(),
		v.managerRequirementsPath(),
	} {
		if err := v.installManifest(ctx, manifest, onData); err != nil {
			return err
		}
	}
	return nil
}

// installManifest installs one requirements file, adding the torch
// index for the accelerated-compute manifest.
func (v *VirtualEnvironment) installManifest(ctx context.Context, manifest string, onData OutputSink) error {
	args := []string{"pip", "install", "-r", manifest}
	if index := v.torchIndexURL(); index != "" && manifest == v.torchRequirementsPath() {
		args = append(args, "--index-url", index)
	}
	code, err := v.runUv(ctx, args, onData)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("install of %s exited with code %d", filepath.Base(manifest), code)
	}
	return nil
}

// torchIndexURL picks the wheel index for the selected device.
func (v *VirtualEnvironment) torchIndexURL() string {
	if v.Mirrors.Torch != "" {
		return v.Mirrors.Torch
	}
	if v.Device == DeviceNvidia {
		return "https://download.pytorch.org/whl/cu128"
	}
	return ""
}

// manualInstall installs the unlocked core and manager manifests
// directly, the repair path for package drift.
func (v *VirtualEnvironment) manualInstall(ctx context.Context, onData OutputSink) error {
	for _, manifest := range []string{v.coreRequirementsPath(), v.managerRequirementsPath()} {
		if err := v.installManifest(ctx, manifest, onData); err != nil {
			return err
		}
	}
	return nil
}

// HasRequirements simulates an install against the core and manager
// manifests and classifies the combined textual output. Hard errors
// are reserved for transport problems (nonzero exit, empty output);
// any diff, allow-listed or not, degrades to the soft PackagesUpgrade
// status.
func (v *VirtualEnvironment) HasRequirements(ctx context.Context) (PackageStatus, error) {
	coreOut, err := v.dryRunInstall(ctx, v.coreRequirementsPath())
	if err != nil {
		return "", err
	}
	managerOut, err := v.dryRunInstall(ctx, v.managerRequirementsPath())
	if err != nil {
		return "", err
	}
	status := ClassifyRequirementDiffs(coreOut, managerOut)
	if status != PackagesOK {
		v.logger.Info("package drift detected",
			zap.Bool("coreKnownUpgrade", IsKnownUpgrade(ParseDryRunDiff(coreOut), coreUpgradeAllowList)),
			zap.Bool("managerKnownUpgrade", IsKnownUpgrade(ParseDryRunDiff(managerOut), managerUpgradeAllowList)))
	}
	return status, nil
}

// CheckRequirements wraps HasRequirements in its own supervised shell
// acquisition, for callers outside an existing Create/repair batch.
func (v *VirtualEnvironment) CheckRequirements(ctx context.Context) (PackageStatus, error) {
	var status PackageStatus
	err := v.withTerminal(func() error {
		s, err := v.HasRequirements(ctx)
		status = s
		return err
	})
	return status, err
}

func (v *VirtualEnvironment) dryRunInstall(ctx context.Context, manifest string) (string, error) {
	var buf strings.Builder
	code, err := v.runUv(ctx, []string{"pip", "install", "--dry-run", "-r", manifest}, func(line string) {
		buf.WriteString(line)
		buf.WriteByte('\n')
	})
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("dry-run for %s exited with code %d", filepath.Base(manifest), code)
	}
	if strings.TrimSpace(buf.String()) == "" {
		return "", fmt.Errorf("%w: %s", ErrEmptyDryRunOutput, filepath.Base(manifest))
	}
	return buf.String(), nil
}

// VerifyPythonImports imports the commonly-failing native modules
// inside the venv interpreter. Catches wheel-variant mismatches that a
// package presence check cannot.
func (v *VirtualEnvironment) VerifyPythonImports(ctx context.Context) error {
	script := "import importlib\n"
	for _, mod := range verifiedImportModules {
		script += fmt.Sprintf("importlib.import_module(%q)\n", mod)
	}
	var tail []string
	status, err := v.RunPythonCommandAsync(ctx, []string{"-c", script}, nil, func(line string) {
		tail = append(tail, line)
		if len(tail) > 5 {
			tail = tail[1:]
		}
	})
	if err != nil {
		return err
	}
	if status.Code != 0 {
		return fmt.Errorf("import check exited with code %d: %s", status.Code, strings.Join(tail, " | "))
	}
	return nil
}

// RunPythonCommandAsync runs the venv interpreter as a one-shot child
// process with streamed output.
func (v *VirtualEnvironment) RunPythonCommandAsync(ctx context.Context, args []string, onStdout, onStderr OutputSink) (ExitStatus, error) {
	return v.runCommand(ctx, v.PythonInterpreterPath(), args, CommandOptions{
		Cwd:      v.BasePath,
		Env:      []string{"VIRTUAL_ENV=" + v.VenvPath},
		OnStdout: onStdout,
		OnStderr: onStderr,
	})
}

// ReinstallRequirements is the best-effort repair: try a manual
// install, and on failure recreate the venv from scratch and retry
// once. Never propagates an error past this boundary; the return value
// says whether the environment ended up healthy.
func (v *VirtualEnvironment) ReinstallRequirements(ctx context.Context, onData OutputSink) bool {
	err := v.withTerminal(func() error { return v.manualInstall(ctx, onData) })
	if err == nil {
		return true
	}
	v.logger.Warn("manual install failed, recreating venv", zap.Error(err))

	err = v.withTerminal(func() error {
		if err := v.RemoveVenvDirectory(); err != nil {
			return err
		}
		if err := v.createVenv(ctx, onData); err != nil {
			return err
		}
		if err := v.ensurePip(ctx, onData); err != nil {
			return err
		}
		return v.manualInstall(ctx, onData)
	})
	if err != nil {
		v.logger.Error("venv recreation failed", zap.Error(err))
		return false
	}
	return true
}

// ClearUvCache removes the package manager's download cache. No-op
// success when the cache is already absent.
func (v *VirtualEnvironment) ClearUvCache() error {
	return os.RemoveAll(v.cacheDir())
}

// RemoveVenvDirectory deletes the venv tree. No-op success when the
// venv is already absent.
func (v *VirtualEnvironment) RemoveVenvDirectory() error {
	return os.RemoveAll(v.VenvPath)
}

// shellQuote wraps s for safe interpolation into a shell command line.
func shellQuote(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\"'`$\\") {
		return s
	}
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`", `$`, `\$`).Replace(s) + `"`
}
