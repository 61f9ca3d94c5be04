// Package config watches a directory of instrument TOML files and registers
// device drivers from the files that appear there. A write to a file whose
// device id is already registered is rejected by the registry as a duplicate
// id and logged as a reload failure; the live driver is not replaced.
//
// Grounded on the teacher's internal/runtime.HotReloadSystem: an
// fsnotify.Watcher on the containing directory, one dedicated goroutine
// forwarding filtered events to a channel, idempotent Start/Stop guarded by
// a mutex-protected "is watching" flag. Repointed at instrument TOML files
// instead of YAML business policy, and at RegisterFromTOML instead of a
// diffed config struct; the registry layer's DuplicateId check turns a
// second registration of a live device id into an error.
package config

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Registrar is the subset of registry.Registry/actor.Actor this watcher
// depends on, so it can drive either directly.
type Registrar interface {
	RegisterFromTOML(path string) error
}

// Reloader watches dir for new or modified *.toml files and calls
// Registrar.RegisterFromTOML for each one.
type Reloader struct {
	dir    string
	reg    Registrar
	logger *slog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	watching bool
}

// NewReloader constructs a Reloader over dir. It does not start watching
// until Start is called.
func NewReloader(dir string, reg Registrar, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{dir: dir, reg: reg, logger: logger}
}

// Start begins watching dir for *.toml file events until ctx is cancelled.
// Calling Start twice on the same Reloader is a no-op.
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.watching {
		r.mu.Unlock()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("config: create watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		r.mu.Unlock()
		_ = w.Close()
		return fmt.Errorf("config: watch dir %s: %w", r.dir, err)
	}
	r.watcher = w
	r.watching = true
	r.mu.Unlock()

	go r.loop(ctx)
	return nil
}

// Stop closes the underlying watcher, ending the loop goroutine.
func (r *Reloader) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.watching {
		return nil
	}
	r.watching = false
	return r.watcher.Close()
}

func (r *Reloader) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = r.Stop()
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !isTOML(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if err := r.reg.RegisterFromTOML(ev.Name); err != nil {
				r.logger.Error("instrument config reload failed", "path", ev.Name, "error", err)
				continue
			}
			r.logger.Info("instrument config reloaded", "path", ev.Name)
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Error("config watcher error", "error", err)
		}
	}
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
