package internal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scriptedPrompter replays canned answers and records what was asked.
type scriptedPrompter struct {
	dirs     []string
	confirms []bool
	choices  []string
	errors   []string
}

func (p *scriptedPrompter) PickDirectory(title, defaultPath string) (string, bool) {
	if len(p.dirs) == 0 {
		return "", false
	}
	dir := p.dirs[0]
	p.dirs = p.dirs[1:]
	return dir, true
}

func (p *scriptedPrompter) Confirm(title string) bool {
	if len(p.confirms) == 0 {
		return false
	}
	ok := p.confirms[0]
	p.confirms = p.confirms[1:]
	return ok
}

func (p *scriptedPrompter) Choose(title string, options []PromptOption) (string, bool) {
	if len(p.choices) == 0 {
		return "", false
	}
	id := p.choices[0]
	p.choices = p.choices[1:]
	return id, true
}

func (p *scriptedPrompter) ShowError(title, body string) {
	p.errors = append(p.errors, title)
}

func newTestManager(t *testing.T, prompter Prompter) (*InstallationManager, *ConfigStore) {
	t.Helper()
	store, err := LoadConfigStore(filepath.Join(t.TempDir(), WardenConfigFile))
	require.NoError(t, err)
	m := NewInstallationManager(zap.NewNop(), store, prompter, t.TempDir(), nil)
	m.platform = testPlatform("linux", nil, "/opt/warden/warden", "/home/bob")
	return m, store
}

func TestEnsureInstalledAbandonedAtDirectoryPrompt(t *testing.T) {
	m, store := newTestManager(t, &scriptedPrompter{})

	_, err := m.EnsureInstalled(context.Background())
	assert.ErrorIs(t, err, ErrInstallAbandoned)
	assert.Empty(t, store.Snapshot().BasePath)
}

func TestEnsureInstalledAbandonedInTroubleshoot(t *testing.T) {
	prompter := &scriptedPrompter{choices: []string{"quit"}}
	m, store := newTestManager(t, prompter)

	// A recorded install whose venv is missing: validation fails, the
	// repair menu opens, and the user quits.
	require.NoError(t, store.SetBasePath(t.TempDir()))
	require.NoError(t, store.SetInstallState(InstallInstalled))

	_, err := m.EnsureInstalled(context.Background())
	assert.ErrorIs(t, err, ErrInstallAbandoned)
}

func TestRepairOptionsFollowReport(t *testing.T) {
	report := newValidationReport(InstallInstalled)
	report.BasePath = StatusError
	options := repairOptions(report)
	assert.Equal(t, "change_path", options[0].ID)

	report = newValidationReport(InstallInstalled)
	report.VenvDirectory = StatusError
	options = repairOptions(report)
	assert.Equal(t, "create_env", options[0].ID)

	report = newValidationReport(InstallInstalled)
	report.PythonInterpreter = StatusError
	options = repairOptions(report)
	assert.Equal(t, "recreate_env", options[0].ID)

	report = newValidationReport(InstallInstalled)
	report.UpgradePackages = StatusWarning
	options = repairOptions(report)
	assert.Equal(t, "reinstall_packages", options[0].ID)

	// The generic remediations are always present, quit last.
	ids := make(map[string]bool)
	for _, o := range options {
		ids[o.ID] = true
	}
	assert.True(t, ids["clear_cache"])
	assert.True(t, ids["revalidate"])
	assert.Equal(t, "quit", options[len(options)-1].ID)
}

func TestDescribePathProblem(t *testing.T) {
	tests := []struct {
		name   string
		result PathValidationResult
		want   string
	}{
		{"onedrive", PathValidationResult{IsOneDrive: true}, "OneDrive"},
		{"app dir", PathValidationResult{IsInsideAppInstallDir: true}, "install directory"},
		{"updater cache", PathValidationResult{IsInsideUpdaterCache: true}, "updater"},
		{"parent missing", PathValidationResult{ParentMissing: true}, "parent directory"},
		{"cannot write", PathValidationResult{CannotWrite: true}, "not writable"},
		{
			name:   "space",
			result: PathValidationResult{FreeSpace: 1 << 30, RequiredSpace: 10 << 30},
			want:   "1.0 GiB",
		},
		{"probe error", PathValidationResult{FreeSpace: -1, Error: "io error"}, "io error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, describePathProblem(tt.result), tt.want)
		})
	}
}
