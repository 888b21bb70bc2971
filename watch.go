package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/regiellis/comfy-warden-go/internal"
)

const watchDebounce = 2 * time.Second

// watchAndValidate re-runs the installation check whenever the config
// file or .env next to the binary changes. Runs until interrupted.
func watchAndValidate(ctx context.Context, logger *zap.Logger, store *internal.ConfigStore, paths appPaths) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the files: editors replace files on
	// save, which breaks per-file watches.
	if err := watcher.Add(paths.cliDir); err != nil {
		return fmt.Errorf("watch %s: %w", paths.cliDir, err)
	}

	watched := map[string]bool{
		filepath.Base(paths.configFile): true,
		filepath.Base(paths.envFile):    true,
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	fmt.Println(infoStyle.Render(fmt.Sprintf("Watching %s for config changes...", paths.cliDir)))
	if err := runValidateOnce(ctx, logger, store, paths); err != nil {
		fmt.Println(warningStyle.Render(err.Error()))
	}

	var pending *time.Timer
	trigger := make(chan struct{}, 1)
	for {
		select {
		case <-sigs:
			fmt.Println("\nReceived signal, exiting watcher...")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !watched[filepath.Base(event.Name)] {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("config change detected", zap.String("file", event.Name), zap.String("op", event.Op.String()))
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(watchDebounce, func() {
				select {
				case trigger <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watcher error", zap.Error(err))
		case <-trigger:
			fmt.Println(warningStyle.Render("Config changed. Re-checking installation..."))
			fresh, err := internal.LoadConfigStore(paths.configFile)
			if err != nil {
				fmt.Println(errorStyle.Render("Could not reload config: " + err.Error()))
				continue
			}
			fresh.ApplyEnvOverrides(paths.envFile)
			store = fresh
			if err := runValidateOnce(ctx, logger, store, paths); err != nil {
				fmt.Println(warningStyle.Render(err.Error()))
			}
		}
	}
}
