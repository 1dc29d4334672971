package connectivity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// MarkerSource reports offline while a marker file exists. `dsync offline`
// creates the file and `dsync online` removes it, so a running watcher reacts
// to commands issued from another shell.
type MarkerSource struct {
	path string
}

func NewMarkerSource(path string) *MarkerSource {
	return &MarkerSource{path: path}
}

func (s *MarkerSource) Name() string { return "marker" }

// Present reports whether the marker file exists.
func (s *MarkerSource) Present() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Run reports the current state, then watches the marker's directory for changes.
func (s *MarkerSource) Run(ctx context.Context, report func(online bool)) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating marker directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	report(!s.Present())

	name := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				report(!s.Present())
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				report(!s.Present())
				continue
			}
			return fmt.Errorf("watching marker file: %w", err)
		}
	}
}

// SetMarker creates (offline) or removes (online) the marker file at path.
func SetMarker(path string, offline bool) error {
	if offline {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("creating marker directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("creating marker file: %w", err)
		}
		return f.Close()
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing marker file: %w", err)
	}
	return nil
}
