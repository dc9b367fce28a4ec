package config

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "loopsched/pkg/logx"
)

const (
	reloadDebounce = 250 * time.Millisecond
	rewatchMin     = 250 * time.Millisecond
	rewatchMax     = 5 * time.Second
)

// relevantOps are the events that can mean new content. Editors that save by
// rename show up as Create or Rename on the watched name.
const relevantOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove | fsnotify.Chmod

// Watch reloads the file after edits settle, until ctx is done. It watches
// the parent directory so rename-on-save is seen, and recreates a failed
// watcher with jittered backoff. Reloads run on the calling goroutine.
func (m *ConfigManager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	log := m.log.With(logx.String("dir", dir), logx.String("file", name))

	wait := rewatchMin
	for {
		w, err := newDirWatcher(dir)
		if err != nil {
			log.Warn("config watch init failed", logx.Err(err), logx.Duration("retry_in", wait))
		} else {
			log.Debug("config watcher started")
			healthy := m.watchDir(ctx, w, name)
			_ = w.Close()
			if ctx.Err() != nil {
				return nil
			}
			if healthy {
				wait = rewatchMin
			}
			log.Warn("config watcher stopped; restarting", logx.Duration("retry_in", wait))
		}

		t := time.NewTimer(jitter(wait))
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		wait = min(wait*2, rewatchMax)
	}
}

func newDirWatcher(dir string) (*fsnotify.Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, err
	}
	return w, nil
}

// watchDir debounces events for name and reloads once they stop. It returns
// when ctx is done or the watcher fails; healthy reports whether any event
// arrived first.
func (m *ConfigManager) watchDir(ctx context.Context, w *fsnotify.Watcher, name string) (healthy bool) {
	settle := time.NewTimer(reloadDebounce)
	settle.Stop()
	defer settle.Stop()

	for {
		select {
		case <-ctx.Done():
			return healthy
		case <-settle.C:
			m.reload(ctx)
		case ev, ok := <-w.Events:
			if !ok {
				return healthy
			}
			healthy = true
			if filepath.Base(ev.Name) == name && ev.Op&relevantOps != 0 {
				settle.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok, errors.Is(err, fsnotify.ErrClosed):
				return healthy
			case errors.Is(err, fsnotify.ErrEventOverflow):
				m.log.Warn("config watch overflow; forcing reload", logx.Err(err))
				settle.Reset(reloadDebounce)
			case err != nil:
				m.log.Warn("config watch error", logx.Err(err))
			}
		}
	}
}

func jitter(d time.Duration) time.Duration {
	return d + rand.N(d/2+1)
}
