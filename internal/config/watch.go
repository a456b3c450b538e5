package config

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	watchDebounce      = 250 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// Watch reloads the settings file whenever it changes on disk and calls
// onChange with validated settings that differ from the current ones.
// Our own writes reload to identical settings and are not reported.
// Watch blocks until ctx is canceled.
func (m *SettingsManager) Watch(ctx context.Context, onChange func(Settings)) error {
	dir := filepath.Dir(m.path)
	file := filepath.Base(m.path)

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	reload := func() {
		if ctx.Err() != nil {
			return
		}
		s, changed, err := m.Reload()
		if err != nil {
			slog.Warn("Ignoring invalid settings file", "path", m.path, "error", err)
			return
		}
		if !changed {
			slog.Debug("Settings file unchanged", "path", m.path)
			return
		}
		slog.Info("Settings file changed", "path", m.path,
			"interval_minutes", s.ProbeIntervalMinutes,
			"auto_login", s.AutoLoginEnabled)
		if onChange != nil {
			onChange(s)
		}
	}

	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, reload)
	}

	backoff := restartBackoffBase
	wait := func() bool {
		d := backoff + rand.N(backoff/2+1)
		backoff = min(backoff*2, restartBackoffMax)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(d):
			return true
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			slog.Warn("Settings watcher init failed", "dir", dir, "error", err)
			if !wait() {
				return nil
			}
			continue
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			slog.Warn("Settings watcher add failed", "dir", dir, "error", err)
			if !wait() {
				return nil
			}
			continue
		}

		backoff = restartBackoffBase
		slog.Debug("Settings watcher started", "dir", dir, "file", file)

		broken := false
		for !broken {
			select {
			case <-ctx.Done():
				_ = w.Close()
				return nil
			case ev, ok := <-w.Events:
				if !ok {
					broken = true
					break
				}
				if filepath.Base(ev.Name) == file &&
					ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					debounce()
				}
			case err, ok := <-w.Errors:
				if !ok {
					broken = true
					break
				}
				if err == nil {
					continue
				}
				if strings.Contains(strings.ToLower(err.Error()), "overflow") {
					slog.Warn("Settings watcher overflow, forcing reload", "error", err)
					debounce()
					continue
				}
				slog.Warn("Settings watcher error", "error", err)
			}
		}

		_ = w.Close()
		slog.Warn("Settings watcher stopped, restarting", "dir", dir)
		if !wait() {
			return nil
		}
	}
}
