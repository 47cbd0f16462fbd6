//go:build dev

package pool

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// startWatcher restarts the workers after changes settle for
// Config.Debounce. Workers re-execute Config.Executable, so source edits
// only reach them once a rebuild has replaced that file; replacing it is
// itself a change that triggers a restart.
func (p *Pool) startWatcher(ctx context.Context) error {
	if len(p.config.WatchDirs) == 0 {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, root := range p.config.WatchDirs {
		if err := watchTree(watcher, root); err != nil {
			watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", root, err)
		}
	}

	exe := ""
	if p.config.Executable != "" {
		exe = filepath.Clean(p.config.Executable)
		// editors and linkers replace the binary by rename, so watch its directory
		if err := watcher.Add(filepath.Dir(exe)); err != nil {
			p.logger.Warn("Failed to watch worker binary", "path", exe, "error", err)
			exe = ""
		}
	}

	p.logger.Info("Watching for source changes", "dirs", p.config.WatchDirs, "binary", exe, "debounce", p.config.Debounce)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Chmod) {
					continue
				}
				name := filepath.Clean(event.Name)
				if exe != "" && filepath.Dir(name) == filepath.Dir(exe) && name != exe && !p.inWatchDirs(name) {
					continue
				}
				if event.Has(fsnotify.Create) {
					if info, err := os.Stat(name); err == nil && info.IsDir() {
						if err := watchTree(watcher, name); err != nil {
							p.logger.Warn("Failed to watch new directory", "path", name, "error", err)
						}
					}
				}
				p.logger.Debug("Source changed", "path", event.Name, "op", event.Op.String())
				p.scheduleRestart()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Warn("Watcher error", "error", err)
			}
		}
	}()

	return nil
}

// watchTree adds root and every non-hidden directory below it
func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

func (p *Pool) inWatchDirs(path string) bool {
	for _, root := range p.config.WatchDirs {
		rel, err := filepath.Rel(filepath.Clean(root), path)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
