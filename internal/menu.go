// Copyright (C) 2025 Regi Ellis
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package internal

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/huh"
)

// TerminalPrompter implements Prompter with huh forms, the terminal
// stand-in for the desktop shell's modal dialogs.
type TerminalPrompter struct{}

// PickDirectory asks for a directory path.
func (TerminalPrompter) PickDirectory(title, defaultPath string) (string, bool) {
	path := defaultPath
	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().Title(title).Placeholder(defaultPath).Value(&path),
	)).WithTheme(huh.ThemeCharm())
	if err := form.Run(); err != nil || path == "" {
		return "", false
	}
	return path, true
}

// Confirm asks a yes/no question.
func (TerminalPrompter) Confirm(title string) bool {
	ok := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().Title(title).Value(&ok),
	)).WithTheme(huh.ThemeCharm())
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println(InfoStyle.Render("Cancelled by user."))
		}
		return false
	}
	return ok
}

// Choose presents a select menu and returns the chosen option ID.
func (TerminalPrompter) Choose(title string, options []PromptOption) (string, bool) {
	opts := make([]huh.Option[string], 0, len(options))
	for _, o := range options {
		opts = append(opts, huh.NewOption(o.Label, o.ID))
	}
	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().Title(title).Options(opts...).Value(&choice),
	)).WithTheme(huh.ThemeCharm())
	if err := form.Run(); err != nil || choice == "" {
		return "", false
	}
	return choice, true
}

// ShowError prints an error dialog with its troubleshooting note when
// one exists.
func (TerminalPrompter) ShowError(title, body string) {
	fmt.Println(ErrorStyle.Render("✗ " + title))
	fmt.Println(body)
}

// PrintValidationReport renders a report in the familiar health-check
// layout: one styled line per field.
func PrintValidationReport(report ValidationReport) {
	fmt.Println(TitleStyle.Render("Installation Check"))
	fields := []struct {
		name   string
		status ValidationStatus
	}{
		{"Base Path", report.BasePath},
		{"Virtual Environment", report.VenvDirectory},
		{"Python Interpreter", report.PythonInterpreter},
		{"Package Manager (uv)", report.Uv},
		{"Python Packages", report.PythonPackages},
		{"Package Upgrades", report.UpgradePackages},
		{"Git", report.Git},
		{"VC++ Redistributable", report.VCRedist},
	}
	for _, f := range fields {
		fmt.Printf("  %s\n", renderStatus(f.name, f.status))
	}
	if report.UnsafeBasePath {
		fmt.Println(ErrorStyle.Render("  Base path is in a restricted location: " + string(report.UnsafeBasePathReason)))
	}
	if report.Error != "" {
		fmt.Println(ErrorStyle.Render("  " + report.Error))
	}
}

func renderStatus(name string, status ValidationStatus) string {
	switch status {
	case StatusOK:
		return SuccessStyle.Render("✓ " + name)
	case StatusError:
		return ErrorStyle.Render("✗ " + name)
	case StatusWarning:
		return WarningStyle.Render("⚠ " + name)
	case StatusSkipped:
		return SkipStyle.Render("- " + name + " (skipped)")
	}
	return SkipStyle.Render("… " + name)
}

// troubleshootingNotes maps failed report fields to short markdown
// explanations shown before the repair menu.
var troubleshootingNotes = map[string]string{
	"basePath": `## Base path problem

The configured data directory is missing, unreadable, or sits inside a
location that updates will wipe (the app's install directory, the
updater cache, or a cloud-synced folder). Pick a plain local folder
with a few gigabytes to spare.`,
	"venv": `## Python environment missing

The ` + "`.venv`" + ` directory under your base path is gone or empty. Creating
it downloads a managed Python and installs the bundled requirements;
expect several minutes on first run.`,
	"packages": `## Package drift

The installed packages differ from this release's manifests. Usually a
harmless upgrade after an app update; reinstalling packages brings the
environment back in line. If imports still fail afterwards, recreate
the environment.`,
	"git": `## Git not found

Custom node management shells out to ` + "`git`" + `. Install it and make sure
it is on your PATH.`,
	"vcredist": `## Visual C++ runtime missing

Torch wheels on Windows need the Microsoft Visual C++ Redistributable.
Install the x64 package from Microsoft and run the check again.`,
}

// PrintTroubleshootingNotes renders the notes relevant to the report's
// failures.
func PrintTroubleshootingNotes(report ValidationReport) {
	var keys []string
	if report.BasePath == StatusError {
		keys = append(keys, "basePath")
	}
	if report.VenvDirectory == StatusError || report.PythonInterpreter == StatusError || report.Uv == StatusError {
		keys = append(keys, "venv")
	}
	if report.PythonPackages == StatusError || report.UpgradePackages == StatusWarning {
		keys = append(keys, "packages")
	}
	if report.Git == StatusError {
		keys = append(keys, "git")
	}
	if report.VCRedist == StatusError {
		keys = append(keys, "vcredist")
	}
	if len(keys) == 0 {
		return
	}
	renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
	for _, key := range keys {
		note := troubleshootingNotes[key]
		if err == nil {
			if out, rerr := renderer.Render(note); rerr == nil {
				fmt.Print(out)
				continue
			}
		}
		fmt.Println(note)
	}
}
