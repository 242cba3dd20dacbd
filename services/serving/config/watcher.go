// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce batches rapid write events; editors typically fire
// several per save.
const reloadDebounce = 500 * time.Millisecond

// ReloadFunc receives the freshly loaded document. A returned error leaves
// the previous configuration in effect.
type ReloadFunc func(doc *Document) error

// Watcher hot-reloads the configuration document on change. Only the model
// and profile sections are expected to change at runtime; the ReloadFunc
// decides what it applies.
type Watcher struct {
	path   string
	reload ReloadFunc
}

// NewWatcher creates a watcher for the document at path.
func NewWatcher(path string, reload ReloadFunc) *Watcher {
	return &Watcher{path: path, reload: reload}
}

// Run watches until ctx is done. The parent directory is watched rather
// than the file itself so atomic rename-replace saves are seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	dir := filepath.Dir(w.path)
	if err := fsw.Add(dir); err != nil {
		return err
	}
	slog.Info("Watching configuration for changes", "path", w.path)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
				timerC = timer.C
			} else {
				timer.Reset(reloadDebounce)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Configuration watcher error", "error", err)
		case <-timerC:
			timer = nil
			timerC = nil
			w.applyReload()
		}
	}
}

func (w *Watcher) applyReload() {
	doc, err := Load(w.path)
	if err != nil {
		slog.Error("Configuration reload failed, keeping previous configuration",
			"path", w.path, "error", err)
		return
	}
	if err := w.reload(doc); err != nil {
		slog.Error("Applying reloaded configuration failed, keeping previous configuration",
			"error", err)
		return
	}
	slog.Info("Configuration reloaded", "path", w.path)
}
