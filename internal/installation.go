package internal

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"go.uber.org/zap"
)

// InstallState is the persisted lifecycle label of an installation.
// Ordinary use progresses started → upgraded → installed; upgraded is
// entered automatically when a legacy config is found with no recorded
// state. Any state may be re-validated at any time.
type InstallState string

const (
	InstallStarted   InstallState = "started"
	InstallUpgraded  InstallState = "upgraded"
	InstallInstalled InstallState = "installed"
)

// ValidationStatus is one field's outcome in a validation pass.
type ValidationStatus string

const (
	StatusUnset   ValidationStatus = "unset"
	StatusOK      ValidationStatus = "OK"
	StatusError   ValidationStatus = "error"
	StatusWarning ValidationStatus = "warning"
	StatusSkipped ValidationStatus = "skipped"
)

// ValidationReport is rebuilt on every validation pass and populated
// field by field, each mutation published to subscribers immediately.
// Once InProgress is false every applicable field holds a terminal
// status.
type ValidationReport struct {
	InProgress   bool         `json:"inProgress"`
	InstallState InstallState `json:"installState"`

	BasePath          ValidationStatus `json:"basePath"`
	VenvDirectory     ValidationStatus `json:"venvDirectory"`
	PythonInterpreter ValidationStatus `json:"pythonInterpreter"`
	Uv                ValidationStatus `json:"uv"`
	PythonPackages    ValidationStatus `json:"pythonPackages"`
	UpgradePackages   ValidationStatus `json:"upgradePackages"`
	Git               ValidationStatus `json:"git"`
	VCRedist          ValidationStatus `json:"vcRedist"`

	UnsafeBasePath       bool               `json:"unsafeBasePath,omitempty"`
	UnsafeBasePathReason RestrictedPathKind `json:"unsafeBasePathReason,omitempty"`
	Error                string             `json:"error,omitempty"`
}

func newValidationReport(state InstallState) ValidationReport {
	return ValidationReport{
		InProgress:        true,
		InstallState:      state,
		BasePath:          StatusUnset,
		VenvDirectory:     StatusUnset,
		PythonInterpreter: StatusUnset,
		Uv:                StatusUnset,
		PythonPackages:    StatusUnset,
		UpgradePackages:   StatusUnset,
		Git:               StatusUnset,
		VCRedist:          StatusUnset,
	}
}

func (r ValidationReport) statuses() []ValidationStatus {
	return []ValidationStatus{
		r.BasePath, r.VenvDirectory, r.PythonInterpreter, r.Uv,
		r.PythonPackages, r.UpgradePackages, r.Git, r.VCRedist,
	}
}

// HasError reports whether any field failed hard.
func (r ValidationReport) HasError() bool {
	for _, s := range r.statuses() {
		if s == StatusError {
			return true
		}
	}
	return false
}

// ComfyInstallation represents one installation: its location, its
// lifecycle state, and the result of the last diagnostic sweep.
type ComfyInstallation struct {
	logger       *zap.Logger
	store        *ConfigStore
	platform     Platform
	resourcesDir string

	State    InstallState
	BasePath string
	Venv     *VirtualEnvironment

	emitter   ValidationEmitter
	report    ValidationReport
	validator *PathValidator

	// Probe seams for tests.
	lookPath     func(string) (string, error)
	statFile     func(string) (os.FileInfo, error)
	vcRedistPath string
}

// NewComfyInstallation builds an installation rooted at basePath.
func NewComfyInstallation(logger *zap.Logger, store *ConfigStore, platform Platform, resourcesDir string, state InstallState, basePath string) *ComfyInstallation {
	c := &ComfyInstallation{
		logger:       logger,
		store:        store,
		platform:     platform,
		resourcesDir: resourcesDir,
		State:        state,
		BasePath:     basePath,
		validator:    NewPathValidator(logger),
		lookPath:     exec.LookPath,
		statFile:     os.Stat,
		vcRedistPath: defaultVCRedistPath(platform),
	}
	c.validator.Platform = platform
	if basePath != "" {
		c.Venv = NewVirtualEnvironment(logger, platform, basePath, resourcesDir, store.Snapshot())
	}
	return c
}

// InstallationFromConfig reconstructs the installation recorded in the
// config store. found is false when no base path was ever persisted.
func InstallationFromConfig(logger *zap.Logger, store *ConfigStore, resourcesDir string) (inst *ComfyInstallation, found bool) {
	snap := store.Snapshot()
	if snap.BasePath == "" {
		return nil, false
	}
	return NewComfyInstallation(logger, store, HostPlatform(), resourcesDir, snap.InstallState, snap.BasePath), true
}

func defaultVCRedistPath(p Platform) string {
	if p.GOOS != "windows" {
		return ""
	}
	root := p.Getenv("SystemRoot")
	if root == "" {
		root = `C:\Windows`
	}
	return filepath.Join(root, "System32", VCRuntimeDLL)
}

// OnUpdate subscribes fn to incremental report updates and returns its
// unsubscribe function.
func (c *ComfyInstallation) OnUpdate(fn ReportListener) func() {
	return c.emitter.Subscribe(fn)
}

// Report returns the last published validation report.
func (c *ComfyInstallation) Report() ValidationReport {
	return c.report
}

// IsValid reports a healthy, fully installed state.
func (c *ComfyInstallation) IsValid() bool {
	return c.State == InstallInstalled && !c.report.HasError()
}

// HasIssues reports whether the last sweep found a blocking failure.
func (c *ComfyInstallation) HasIssues() bool {
	return c.report.HasError()
}

// SetState records a new lifecycle state in memory and in the store.
func (c *ComfyInstallation) SetState(state InstallState) {
	c.State = state
	c.report.InstallState = state
	if err := c.store.SetInstallState(state); err != nil {
		c.logger.Error("persist install state", zap.Error(err))
	}
}

// UpdateBasePathAndVenv moves the installation to a new base path and
// rebinds the environment manager to it.
func (c *ComfyInstallation) UpdateBasePathAndVenv(basePath string) {
	c.BasePath = basePath
	c.Venv = NewVirtualEnvironment(c.logger, c.platform, basePath, c.resourcesDir, c.store.Snapshot())
	if err := c.store.SetBasePath(basePath); err != nil {
		c.logger.Error("persist base path", zap.Error(err))
	}
}

func (c *ComfyInstallation) legacyConfigPath() string {
	return filepath.Join(filepath.Dir(c.store.Path()), LegacyModelsConfig)
}

func (c *ComfyInstallation) publish() {
	c.emitter.Emit(c.report)
}

// Validate runs the full diagnostic sweep. Steps execute sequentially,
// each publishing its result before the next starts, so a slow
// multi-second pass streams partial results to a waiting consumer.
func (c *ComfyInstallation) Validate(ctx context.Context) ValidationReport {
	c.report = newValidationReport(c.State)
	c.publish()

	// Legacy upgrade: a config file exists but no state was ever
	// recorded, meaning an older layout was carried forward.
	if c.State == "" {
		if _, present := DetectLegacyConfig(c.legacyConfigPath()); present {
			c.logger.Info("legacy config detected, marking install upgraded")
			c.SetState(InstallUpgraded)
			c.publish()
		}
	}

	basePathOK := c.validateBasePath()

	if basePathOK {
		c.validateEnvironment(ctx)
	}

	// Independent of the environment: tooling and platform runtime.
	if _, err := c.lookPath(GitCommand); err != nil {
		c.report.Git = StatusError
	} else {
		c.report.Git = StatusOK
	}
	c.publish()

	if c.vcRedistPath == "" {
		c.report.VCRedist = StatusSkipped
	} else if _, err := c.statFile(c.vcRedistPath); err != nil {
		c.report.VCRedist = StatusError
	} else {
		c.report.VCRedist = StatusOK
	}
	c.publish()

	c.report.InProgress = false
	c.publish()
	return c.report
}

// validateBasePath checks the base path is set, accessible, and not in
// a forbidden zone. On an unsafe path the environment checks are
// skipped entirely.
func (c *ComfyInstallation) validateBasePath() bool {
	if c.BasePath == "" {
		c.report.BasePath = StatusError
		c.publish()
		return false
	}

	if entry := EvaluatePathRestrictions(c.platform, c.BasePath); entry != nil {
		c.logger.Warn("base path is in a restricted location",
			zap.String("path", c.BasePath),
			zap.String("reason", string(entry.Kind)))
		c.report.BasePath = StatusError
		c.report.UnsafeBasePath = true
		c.report.UnsafeBasePathReason = entry.Kind
		c.publish()
		return false
	}

	if info, err := c.statFile(c.BasePath); err != nil || !info.IsDir() {
		c.report.BasePath = StatusError
		c.publish()
		return false
	}

	// Rebind the environment manager if the path changed since it was
	// constructed (or was never constructed at all).
	if c.Venv == nil || c.Venv.BasePath != c.BasePath {
		c.Venv = NewVirtualEnvironment(c.logger, c.platform, c.BasePath, c.resourcesDir, c.store.Snapshot())
	}
	c.report.BasePath = StatusOK
	c.publish()
	return true
}

// validateEnvironment checks the venv, interpreter, package manager and
// package set, in dependency order.
func (c *ComfyInstallation) validateEnvironment(ctx context.Context) {
	if !c.Venv.Exists() {
		c.report.VenvDirectory = StatusError
		c.publish()
		return
	}
	c.report.VenvDirectory = StatusOK
	c.publish()

	if !c.executableAt(c.Venv.PythonInterpreterPath()) {
		c.report.PythonInterpreter = StatusError
		c.publish()
		return
	}
	c.report.PythonInterpreter = StatusOK
	c.publish()

	if !c.executableAt(c.Venv.UvPath()) {
		c.report.Uv = StatusError
		c.publish()
		return
	}
	c.report.Uv = StatusOK
	c.publish()

	status, err := c.Venv.CheckRequirements(ctx)
	switch {
	case err != nil:
		c.report.PythonPackages = StatusError
		c.report.Error = err.Error()
	case status == PackagesUpgrade:
		// Outdated in a known, low-risk way: soft issue only.
		c.report.PythonPackages = StatusOK
		c.report.UpgradePackages = StatusWarning
	default:
		c.report.PythonPackages = StatusOK
		c.report.UpgradePackages = StatusOK
	}
	c.publish()
}

func (c *ComfyInstallation) executableAt(path string) bool {
	info, err := c.statFile(path)
	if err != nil || info.IsDir() {
		return false
	}
	if c.platform.GOOS != "windows" && info.Mode().Perm()&0111 == 0 {
		return false
	}
	return true
}

// Uninstall removes the known config artifact and the store's install
// entries. A full environment teardown is deliberately not attempted
// here; the venv and models stay on disk for manual cleanup or
// reinstall.
func (c *ComfyInstallation) Uninstall() error {
	if err := os.Remove(c.legacyConfigPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove models config: %w", err)
	}
	return c.store.ClearInstall()
}
