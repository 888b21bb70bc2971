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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"go.uber.org/zap"

	"github.com/regiellis/comfy-warden-go/internal"
)

// appPaths holds the locations everything else derives from.
type appPaths struct {
	cliDir       string
	envFile      string
	configFile   string
	logsDir      string
	resourcesDir string
}

func initPaths() (appPaths, error) {
	exePath, err := os.Executable()
	if err != nil {
		return appPaths{}, fmt.Errorf("failed to get executable path: %w", err)
	}
	dir := filepath.Dir(exePath)
	return appPaths{
		cliDir:       dir,
		envFile:      filepath.Join(dir, internal.EnvFileName),
		configFile:   filepath.Join(dir, internal.WardenConfigFile),
		logsDir:      filepath.Join(dir, "logs"),
		resourcesDir: filepath.Join(dir, internal.ResourcesDirName),
	}, nil
}

func main() {
	debug := flag.Bool("debug", false, "verbose logging")
	validateOnly := flag.Bool("validate", false, "run the installation check and exit")
	watchMode := flag.Bool("watch", false, "re-validate whenever the config changes")
	flag.Parse()

	if err := run(*debug, *validateOnly, *watchMode); err != nil {
		// Anything uncaught during bootstrap is fatal by design.
		fmt.Println(errorStyle.Render("Fatal: " + err.Error()))
		os.Exit(1)
	}
}

func run(debug, validateOnly, watchMode bool) error {
	paths, err := initPaths()
	if err != nil {
		return err
	}

	logger, closeLogger, err := internal.NewLogger(paths.logsDir, debug)
	if err != nil {
		return fmt.Errorf("logger setup: %w", err)
	}
	defer closeLogger()

	// Config before anything that reads it.
	store, err := internal.LoadConfigStore(paths.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	store.ApplyEnvOverrides(paths.envFile)

	manager := internal.NewInstallationManager(logger, store, internal.TerminalPrompter{}, paths.resourcesDir, func(line string) {
		fmt.Println(line)
	})
	ctx := context.Background()

	if validateOnly {
		return runValidateOnce(ctx, logger, store, paths)
	}
	if watchMode {
		return watchAndValidate(ctx, logger, store, paths)
	}

	for {
		choice, ok := mainMenu()
		if !ok || choice == "exit" {
			fmt.Println(infoStyle.Render("Exiting."))
			return nil
		}
		switch choice {
		case "check":
			if err := runValidateOnce(ctx, logger, store, paths); err != nil {
				fmt.Println(errorStyle.Render(err.Error()))
			}
		case "repair":
			inst, err := manager.EnsureInstalled(ctx)
			if err != nil {
				if errors.Is(err, internal.ErrInstallAbandoned) {
					fmt.Println(warningStyle.Render("Repair flow cancelled."))
					continue
				}
				return err
			}
			fmt.Println(successStyle.Render("Installation is healthy at " + inst.BasePath))
		case "launch":
			inst, err := manager.EnsureInstalled(ctx)
			if err != nil {
				if errors.Is(err, internal.ErrInstallAbandoned) {
					continue
				}
				return err
			}
			if err := launchComfyUI(inst, paths); err != nil {
				fmt.Println(errorStyle.Render("ComfyUI exited with an error: " + err.Error()))
			}
		case "maintenance":
			maintenanceMenu(ctx, logger, store, paths)
		}
	}
}

func mainMenu() (string, bool) {
	var choice string
	form := huh.NewForm(huh.NewGroup(
		huh.NewSelect[string]().
			Title(titleStyle.Render("Comfy Warden")).
			Description("Select an action:").
			Options(
				huh.NewOption("Check Installation", "check"),
				huh.NewOption("Repair / First-Time Setup", "repair"),
				huh.NewOption("Launch ComfyUI", "launch"),
				huh.NewOption("Maintenance", "maintenance"),
				huh.NewOption("Exit", "exit"),
			).
			Value(&choice),
	)).WithTheme(huh.ThemeCharm())
	if err := form.Run(); err != nil || choice == "" {
		return "", false
	}
	return choice, true
}

// runValidateOnce validates the recorded installation and prints the
// streamed report.
func runValidateOnce(ctx context.Context, logger *zap.Logger, store *internal.ConfigStore, paths appPaths) error {
	inst, found := internal.InstallationFromConfig(logger, store, paths.resourcesDir)
	if !found {
		return errors.New("no installation recorded yet; run Repair / First-Time Setup")
	}
	report := inst.Validate(ctx)
	internal.PrintValidationReport(report)
	internal.PrintTroubleshootingNotes(report)
	if report.HasError() {
		return errors.New("installation has issues")
	}
	return nil
}

// maintenanceMenu exposes the destructive repair operations directly.
func maintenanceMenu(ctx context.Context, logger *zap.Logger, store *internal.ConfigStore, paths appPaths) {
	inst, found := internal.InstallationFromConfig(logger, store, paths.resourcesDir)
	if !found {
		fmt.Println(warningStyle.Render("No installation recorded yet."))
		return
	}
	for {
		var choice string
		form := huh.NewForm(huh.NewGroup(
			huh.NewSelect[string]().
				Title("Maintenance").
				Options(
					huh.NewOption("Clear uv Cache", "clear_cache"),
					huh.NewOption("Remove Virtual Environment", "remove_venv"),
					huh.NewOption("Reinstall Python Packages", "reinstall"),
					huh.NewOption("Uninstall (keeps models on disk)", "uninstall"),
					huh.NewOption("Main Menu", "back"),
				).
				Value(&choice),
		)).WithTheme(huh.ThemeCharm())
		if err := form.Run(); err != nil || choice == "back" || choice == "" {
			return
		}
		switch choice {
		case "clear_cache":
			if err := inst.Venv.ClearUvCache(); err != nil {
				fmt.Println(errorStyle.Render("Failed to clear cache: " + err.Error()))
			} else {
				fmt.Println(successStyle.Render("uv cache cleared."))
			}
		case "remove_venv":
			if err := inst.Venv.RemoveVenvDirectory(); err != nil {
				fmt.Println(errorStyle.Render("Failed to remove venv: " + err.Error()))
			} else {
				fmt.Println(successStyle.Render("Virtual environment removed."))
			}
		case "reinstall":
			if inst.Venv.ReinstallRequirements(ctx, func(line string) { fmt.Println(line) }) {
				fmt.Println(successStyle.Render("Packages reinstalled."))
			} else {
				fmt.Println(errorStyle.Render("Package reinstall failed; see the log for details."))
			}
		case "uninstall":
			if err := inst.Uninstall(); err != nil {
				fmt.Println(errorStyle.Render("Uninstall failed: " + err.Error()))
			} else {
				fmt.Println(successStyle.Render("Installation record removed. Models and venv remain on disk."))
				return
			}
		}
	}
}

// launchComfyUI starts the bundled server in the foreground with the
// venv interpreter.
func launchComfyUI(inst *internal.ComfyInstallation, paths appPaths) error {
	mainPy := filepath.Join(paths.resourcesDir, internal.ComfyUIDirName, internal.MainPyFile)
	fmt.Println(successStyle.Render("Starting ComfyUI..."))
	cmd := exec.Command(inst.Venv.PythonInterpreterPath(), mainPy, "--base-directory", inst.BasePath)
	cmd.Dir = filepath.Join(paths.resourcesDir, internal.ComfyUIDirName)
	cmd.Env = append(os.Environ(), "VIRTUAL_ENV="+inst.Venv.VenvPath)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	configureCmdSysProcAttr(cmd)
	return cmd.Run()
}
