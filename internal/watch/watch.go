// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package watch reports batches of changed scenario files.
//
// Events for files under the watched directories that match one of the
// doublestar patterns are collected until no new event arrives for the
// debounce window, then delivered together. Editors that save through
// several writes and renames therefore trigger one batch.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"

	"github.com/tombee/dbgrelay/internal/log"
)

// DefaultDebounce is the quiet period before a batch is delivered.
const DefaultDebounce = 200 * time.Millisecond

// Watcher watches directory trees for matching file changes.
type Watcher struct {
	fsw      *fsnotify.Watcher
	dirs     []string
	patterns []string
	window   time.Duration
	logger   *slog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithDebounce sets the debounce window.
func WithDebounce(d time.Duration) Option { return func(w *Watcher) { w.window = d } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(w *Watcher) { w.logger = l } }

// New watches dirs and every directory below them. Files are reported when
// their path relative to the watched root matches one of patterns.
func New(dirs, patterns []string, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		fsw:      fsw,
		patterns: patterns,
		window:   DefaultDebounce,
		logger:   log.Discard(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = log.WithComponent(w.logger, "watch")

	for _, dir := range dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("failed to resolve path %s: %w", dir, err)
		}
		if err := w.addTree(abs); err != nil {
			fsw.Close()
			return nil, err
		}
		w.dirs = append(w.dirs, abs)
	}
	return w, nil
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.logger.Debug("watching directory", "path", path)
		return nil
	})
}

// Match reports whether the absolute path lies under a watched root and its
// root-relative form matches one of the patterns.
func (w *Watcher) Match(path string) bool {
	for _, root := range w.dirs {
		rel, err := filepath.Rel(root, path)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)
		if rel == ".." || strings.HasPrefix(rel, "../") {
			continue
		}
		for _, pattern := range w.patterns {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				return true
			}
		}
	}
	return false
}

// Run delivers batches of changed paths to onChange until ctx is done.
// onChange runs on the watcher goroutine, so batches never overlap.
func (w *Watcher) Run(ctx context.Context, onChange func(paths []string)) error {
	timer := time.NewTimer(w.window)
	timer.Stop()
	defer timer.Stop()

	var pending []string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Create) {
				// New subdirectories join the watch; files fall through.
				if err := w.addTree(event.Name); err == nil && w.isWatchedDir(event.Name) {
					continue
				}
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			if !w.Match(event.Name) {
				continue
			}
			w.logger.Debug("file changed", "path", event.Name, "op", event.Op.String())
			if !slices.Contains(pending, event.Name) {
				pending = append(pending, event.Name)
			}
			timer.Reset(w.window)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := pending
			pending = nil
			slices.Sort(batch)
			onChange(batch)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("file watcher error", log.Error(err))
		}
	}
}

func (w *Watcher) isWatchedDir(path string) bool {
	return slices.Contains(w.fsw.WatchList(), path)
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
