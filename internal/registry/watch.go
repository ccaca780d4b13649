package registry

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the catalog at path whenever the file changes, until ctx is
// cancelled. The parent directory is watched so editors that replace the
// file by rename are picked up too. Bursts of events within debounce
// collapse into a single reload. A reload that fails validation is logged
// and the previous catalog stays installed.
func (r *Registry) Watch(ctx context.Context, path string, debounce time.Duration, log *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(debounce)
				} else {
					timer.Reset(debounce)
				}
				fire = timer.C
			case <-fire:
				fire = nil
				r.reload(abs, log)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Reload re-reads path and logs the outcome. It is used for SIGHUP.
func (r *Registry) Reload(path string, log *slog.Logger) bool {
	if log == nil {
		log = slog.Default()
	}
	return r.reload(path, log)
}

func (r *Registry) reload(path string, log *slog.Logger) bool {
	endpoints, err := r.LoadFile(path)
	if err != nil {
		log.Error("catalog reload rejected, keeping previous catalog", "path", path, "error", err)
		return false
	}
	log.Info("catalog reloaded", "path", path, "endpoints", len(endpoints))
	return true
}
