// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detect

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc is called with the rules of a successfully reloaded catalog.
type ReloadFunc func(rules []Rule)

// WatchOptions configures a CatalogWatcher.
type WatchOptions struct {
	// Debounce is how long to wait after the last file event before
	// reloading. Default: 200ms
	Debounce time.Duration

	// OnReload is called after each successful reload. Optional.
	OnReload ReloadFunc

	// Logger. Default: slog.Default().
	Logger *slog.Logger
}

// CatalogWatcher keeps the rules of a catalog file current.
//
// Description:
//
//	Watches the catalog's directory, so editors that replace the file by
//	rename are seen. Bursts of events are debounced into one reload. A
//	catalog that fails to parse is logged and ignored; the previous rules
//	stay in effect.
//
// Thread Safety: Rules is safe for concurrent use.
type CatalogWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload ReloadFunc
	logger   *slog.Logger

	rules    atomic.Pointer[[]Rule]
	reloads  atomic.Int64
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// WatchCatalog loads the catalog at path and starts watching it.
//
// Inputs:
//   - ctx: Watching stops when ctx is cancelled or Stop is called.
//   - path: The catalog file. It must exist and parse.
//   - opts: Optional; nil uses defaults.
//
// Outputs:
//   - *CatalogWatcher: Running watcher. Call Stop when done.
//   - error: If the initial load fails or the watch cannot be set up.
func WatchCatalog(ctx context.Context, path string, opts *WatchOptions) (*CatalogWatcher, error) {
	if opts == nil {
		opts = &WatchOptions{}
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}
	c, err := LoadCatalog(abs)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create catalog watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	w := &CatalogWatcher{
		path:     abs,
		watcher:  fw,
		debounce: debounce,
		onReload: opts.OnReload,
		logger:   logger.With(slog.String("component", "rule_catalog"), slog.String("path", abs)),
		done:     make(chan struct{}),
	}
	rules := c.Enabled()
	w.rules.Store(&rules)

	w.wg.Add(1)
	go w.loop(ctx)
	return w, nil
}

// Rules returns the rules of the last good catalog.
func (w *CatalogWatcher) Rules() []Rule {
	return *w.rules.Load()
}

// Reloads returns the number of successful reloads since start.
func (w *CatalogWatcher) Reloads() int64 {
	return w.reloads.Load()
}

// Stop stops watching and waits for the watch goroutine to exit.
func (w *CatalogWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.watcher.Close()
	})
	w.wg.Wait()
}

func (w *CatalogWatcher) loop(ctx context.Context) {
	defer w.wg.Done()

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("catalog watch error", slog.String("error", err.Error()))
		}
	}
}

func (w *CatalogWatcher) reload() {
	c, err := LoadCatalog(w.path)
	if err != nil {
		w.logger.Warn("catalog reload failed, keeping previous rules", slog.String("error", err.Error()))
		return
	}
	rules := c.Enabled()
	w.rules.Store(&rules)
	w.reloads.Add(1)
	w.logger.Info("rule catalog reloaded", slog.Int("rules", len(rules)))
	if w.onReload != nil {
		w.onReload(rules)
	}
}
