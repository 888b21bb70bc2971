package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ErrInstallAbandoned is returned when the user cancels the repair
// flow with issues still outstanding.
var ErrInstallAbandoned = errors.New("installation abandoned by user")

// PromptOption is one selectable choice in a modal prompt.
type PromptOption struct {
	Label string
	ID    string
}

// Prompter is the modal surface of the GUI collaborator: directory
// pickers and message boxes returning a user choice. The terminal
// implementation lives in menu.go; a GUI shell supplies its own.
type Prompter interface {
	PickDirectory(title, defaultPath string) (path string, ok bool)
	Confirm(title string) bool
	Choose(title string, options []PromptOption) (id string, ok bool)
	ShowError(title, body string)
}

// InstallationManager drives an installation through validation and,
// when issues are found, through the repair flow, looping until the
// install is healthy or the user abandons it.
type InstallationManager struct {
	logger       *zap.Logger
	store        *ConfigStore
	prompter     Prompter
	platform     Platform
	resourcesDir string
	onLog        OutputSink
}

// NewInstallationManager wires the manager to its collaborators. onLog
// receives raw tool output lines for display; nil discards them.
func NewInstallationManager(logger *zap.Logger, store *ConfigStore, prompter Prompter, resourcesDir string, onLog OutputSink) *InstallationManager {
	if onLog == nil {
		onLog = func(string) {}
	}
	return &InstallationManager{
		logger:       logger,
		store:        store,
		prompter:     prompter,
		platform:     HostPlatform(),
		resourcesDir: resourcesDir,
		onLog:        onLog,
	}
}

// EnsureInstalled returns a healthy installation, constructing a fresh
// one when nothing is recorded. The flow is never marked resolved
// while any report field still reads error.
func (m *InstallationManager) EnsureInstalled(ctx context.Context) (*ComfyInstallation, error) {
	inst, found := InstallationFromConfig(m.logger, m.store, m.resourcesDir)
	if !found {
		fresh, err := m.freshInstall(ctx)
		if err != nil {
			return nil, err
		}
		inst = fresh
	}

	for {
		report := inst.Validate(ctx)
		if !report.HasError() {
			if inst.State != InstallInstalled {
				inst.SetState(InstallInstalled)
			}
			m.logger.Info("installation healthy", zap.String("basePath", inst.BasePath))
			return inst, nil
		}
		if !m.troubleshoot(ctx, inst) {
			return nil, ErrInstallAbandoned
		}
	}
}

// freshInstall runs the first-time setup: choose a safe base path,
// record state, and build the environment.
func (m *InstallationManager) freshInstall(ctx context.Context) (*ComfyInstallation, error) {
	basePath, err := m.pickBasePath()
	if err != nil {
		return nil, err
	}

	if err := m.store.SetBasePath(basePath); err != nil {
		return nil, fmt.Errorf("persist base path: %w", err)
	}
	inst := NewComfyInstallation(m.logger, m.store, m.platform, m.resourcesDir, "", basePath)
	inst.SetState(InstallStarted)

	if err := m.createEnvironment(ctx, inst); err != nil {
		return nil, err
	}
	inst.SetState(InstallInstalled)
	return inst, nil
}

// pickBasePath loops the directory prompt until the choice passes the
// install path validator or the user gives up.
func (m *InstallationManager) pickBasePath() (string, error) {
	validator := NewPathValidator(m.logger)
	validator.Platform = m.platform
	for {
		path, ok := m.prompter.PickDirectory("Choose where ComfyUI keeps its models and data", "")
		if !ok {
			return "", ErrInstallAbandoned
		}
		result := validator.ValidateInstallPath(path, false)
		if result.IsValid {
			return path, nil
		}
		m.prompter.ShowError("That location cannot be used", describePathProblem(result))
		if !m.prompter.Confirm("Pick a different location?") {
			return "", ErrInstallAbandoned
		}
	}
}

// createEnvironment builds the venv, offering a full recreation when
// the distinguished import-verification failure is hit.
func (m *InstallationManager) createEnvironment(ctx context.Context, inst *ComfyInstallation) error {
	err := inst.Venv.Create(ctx, m.onLog)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrImportVerification) {
		m.logger.Warn("import verification failed", zap.Error(err))
		if m.prompter.Confirm("Installed packages are broken. Recreate the Python environment from scratch?") {
			if rmErr := inst.Venv.RemoveVenvDirectory(); rmErr != nil {
				return rmErr
			}
			return inst.Venv.Create(ctx, m.onLog)
		}
	}
	return err
}

// troubleshoot presents repair choices for the current report and runs
// the selected one. Returns false when the user abandons the flow.
func (m *InstallationManager) troubleshoot(ctx context.Context, inst *ComfyInstallation) bool {
	report := inst.Report()
	options := repairOptions(report)

	id, ok := m.prompter.Choose("Something needs fixing before ComfyUI can start", options)
	if !ok || id == "quit" {
		return false
	}

	switch id {
	case "change_path":
		path, picked := m.prompter.PickDirectory("Choose a new base path", inst.BasePath)
		if picked {
			inst.UpdateBasePathAndVenv(path)
		}
	case "create_env":
		if err := m.createEnvironment(ctx, inst); err != nil {
			m.prompter.ShowError("Environment setup failed", err.Error())
		}
	case "reinstall_packages":
		if !inst.Venv.ReinstallRequirements(ctx, m.onLog) {
			m.prompter.ShowError("Package reinstall failed", "The environment could not be repaired. Try clearing the uv cache and recreating it.")
		}
	case "recreate_env":
		if err := inst.Venv.RemoveVenvDirectory(); err != nil {
			m.prompter.ShowError("Could not remove the environment", err.Error())
			break
		}
		if err := m.createEnvironment(ctx, inst); err != nil {
			m.prompter.ShowError("Environment setup failed", err.Error())
		}
	case "clear_cache":
		if err := inst.Venv.ClearUvCache(); err != nil {
			m.prompter.ShowError("Could not clear the cache", err.Error())
		}
	case "revalidate":
		// Loop re-validates on return.
	}
	return true
}

// repairOptions maps report failures to the remediations that address
// them, most specific first.
func repairOptions(report ValidationReport) []PromptOption {
	var options []PromptOption
	if report.BasePath == StatusError {
		options = append(options, PromptOption{Label: "Choose a different base path", ID: "change_path"})
	}
	if report.VenvDirectory == StatusError {
		options = append(options, PromptOption{Label: "Create the Python environment", ID: "create_env"})
	}
	if report.PythonInterpreter == StatusError || report.Uv == StatusError {
		options = append(options, PromptOption{Label: "Recreate the Python environment", ID: "recreate_env"})
	}
	if report.PythonPackages == StatusError || report.UpgradePackages == StatusWarning {
		options = append(options, PromptOption{Label: "Reinstall Python packages", ID: "reinstall_packages"})
	}
	options = append(options,
		PromptOption{Label: "Clear the package cache", ID: "clear_cache"},
		PromptOption{Label: "Check again", ID: "revalidate"},
		PromptOption{Label: "Quit", ID: "quit"},
	)
	return options
}

// describePathProblem renders a validation result as a short human
// explanation.
func describePathProblem(result PathValidationResult) string {
	switch {
	case result.IsInsideAppInstallDir:
		return "The chosen folder is inside the application's own install directory. Updates would wipe it."
	case result.IsInsideUpdaterCache:
		return "The chosen folder is inside the updater's cache directory. Updates would wipe it."
	case result.IsOneDrive:
		return "The chosen folder is synced by OneDrive. Model files and sync clients do not mix."
	case result.ParentMissing:
		return "The parent directory does not exist."
	case result.CannotWrite:
		return "The location is not writable."
	case result.FreeSpace >= 0 && result.FreeSpace < result.RequiredSpace:
		return fmt.Sprintf("Not enough free space: %s available, %s required.",
			humanize.IBytes(uint64(result.FreeSpace)), humanize.IBytes(uint64(result.RequiredSpace)))
	case result.Error != "":
		return "The location could not be checked: " + result.Error
	}
	return "The location cannot be used."
}
