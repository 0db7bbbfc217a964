package prompt

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// Registry holds the current Library and swaps it on reload.
type Registry struct {
	current atomic.Pointer[Library]
	logger  *slog.Logger
}

// NewRegistry creates a registry serving lib.
func NewRegistry(lib *Library, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	r.current.Store(lib)
	return r
}

// Open loads prompts from dir, or the embedded defaults when dir is empty.
func Open(dir string, logger *slog.Logger) (*Registry, error) {
	fsys := Defaults()
	if dir != "" {
		fsys = os.DirFS(dir)
	}
	lib, err := Load(fsys)
	if err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}
	r := NewRegistry(lib, logger)
	for _, err := range lib.Check() {
		r.logger.Warn("prompt unavailable", "error", err)
	}
	return r, nil
}

// Library returns the current library.
func (r *Registry) Library() *Library {
	return r.current.Load()
}

// Get returns the named prompt from the current library.
func (r *Registry) Get(name string) (Prompt, error) {
	return r.current.Load().Get(name)
}

// Reload replaces the library with one loaded from fsys. On error the
// previous library stays in place.
func (r *Registry) Reload(fsys fs.FS) error {
	lib, err := Load(fsys)
	if err != nil {
		return err
	}
	r.current.Store(lib)
	return nil
}

// Watch reloads from dir whenever a file in it changes. It blocks until ctx
// is cancelled.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	r.logger.Info("watching prompts", "dir", dir)

	var (
		timer   *time.Timer
		pending <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			r.logger.Debug("prompt file changed", "file", filepath.Base(event.Name), "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			pending = timer.C

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("prompt watcher error", "error", err)

		case <-pending:
			pending = nil
			if err := r.Reload(os.DirFS(dir)); err != nil {
				r.logger.Error("prompt reload failed, keeping previous prompts", "error", err)
				continue
			}
			r.logger.Info("prompts reloaded", "dir", dir, "prompts", len(r.Library().Names()))
		}
	}
}
