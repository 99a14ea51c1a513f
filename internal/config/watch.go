package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the bursts of write events editors produce for a
// single save.
const debounceWindow = 200 * time.Millisecond

// Watch reloads the config whenever its file changes and hands each valid
// reload to onChange. It returns immediately; watching stops when ctx is
// cancelled. Configs without a backing file are not watchable.
func Watch(ctx context.Context, cfg *Config, onChange func(*Config)) error {
	if cfg.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory, not the file: editors replace files on save and
	// a file watch dies with the old inode.
	dir := filepath.Dir(cfg.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	target := filepath.Clean(cfg.path)
	go func() {
		defer watcher.Close()

		var timer *time.Timer
		var timerCh <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounceWindow)
					timerCh = timer.C
				} else {
					timer.Reset(debounceWindow)
				}

			case <-timerCh:
				timer = nil
				timerCh = nil
				reloaded, err := Load(cfg.path)
				if err != nil {
					log.Printf("config: reload failed, keeping previous config: %v", err)
					continue
				}
				log.Printf("config: reloaded %s", cfg.path)
				onChange(reloaded)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("config: watch error: %v", err)
			}
		}
	}()
	return nil
}
