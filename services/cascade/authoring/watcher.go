// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package authoring

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/cascade/services/cascade/storage"
)

// DefaultDebounce is the quiet period before a batch of file events is
// applied.
const DefaultDebounce = 250 * time.Millisecond

// AppliedFunc receives the ids written by one applied batch.
type AppliedFunc func(ctx context.Context, res *ApplyResult)

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger

	// OnError receives load and apply failures. Optional.
	OnError func(err error)
}

// Watcher re-applies a definitions directory whenever its files change.
//
// Events are collected until the directory has been quiet for the
// debounce window; the whole directory is then reloaded and applied, so
// cross-file validation and cycle checks always see the full set. Ids
// present in the previous load but missing from the new one are
// soft-deleted, whether their file was removed or the entry was dropped.
//
// Thread Safety: Start and Stop are safe to call from any goroutine.
type Watcher struct {
	dir      string
	author   *Author
	onApply  AppliedFunc
	onError  func(error)
	debounce time.Duration
	logger   *slog.Logger
	fsw      *fsnotify.Watcher

	events   chan string
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// known are the ids of the last successful load. Only the debounce
	// loop touches it once Start returns.
	known map[string]bool

	mu       sync.Mutex
	watching bool
}

// NewWatcher creates a watcher for dir. onApply may be nil.
func NewWatcher(dir string, author *Author, onApply AppliedFunc, opts WatcherOptions) (*Watcher, error) {
	if author == nil {
		return nil, errors.New("authoring: watcher needs an author")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		author:   author,
		onApply:  onApply,
		onError:  opts.OnError,
		debounce: opts.Debounce,
		logger:   opts.Logger,
		fsw:      fsw,
		events:   make(chan string, 256),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching. It returns once the directory is registered; the
// event loops run until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil
	}
	if err := w.fsw.Add(w.dir); err != nil {
		return err
	}
	w.watching = true

	if defs, err := LoadDir(w.dir); err == nil {
		w.known = definitionIDs(defs)
	} else {
		w.logger.Warn("initial definitions load failed; removals before the next good load are not tracked",
			slog.String("dir", w.dir), slog.String("error", err.Error()))
	}

	w.wg.Add(2)
	go w.processEvents(ctx)
	go w.debounceLoop(ctx)

	w.logger.Info("watching definitions", slog.String("dir", w.dir), slog.Duration("debounce", w.debounce))
	return nil
}

// Stop ends watching and waits for the loops to exit. A pending batch is
// flushed first.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.fsw.Close()
		w.wg.Wait()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !IsDefinitionFile(event.Name) || isHidden(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			select {
			case w.events <- event.Name:
			default:
				// Buffer full: a flush is already due and reloads everything.
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("file watcher error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()
	var (
		pending = make(map[string]bool)
		timer   *time.Timer
		timerC  <-chan time.Time
	)

	flush := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
		if len(pending) == 0 {
			return
		}
		files := make([]string, 0, len(pending))
		for f := range pending {
			files = append(files, filepath.Base(f))
		}
		sort.Strings(files)
		clear(pending)
		w.apply(ctx, files)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			flush()
			return
		case name := <-w.events:
			pending[name] = true
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		}
	}
}

func (w *Watcher) apply(ctx context.Context, files []string) {
	w.logger.Info("definitions changed", slog.Any("files", files))

	defs, err := LoadDir(w.dir)
	if err != nil {
		w.fail(err)
		return
	}
	res, err := w.author.Apply(ctx, defs)
	if err != nil {
		w.fail(err)
		return
	}

	current := definitionIDs(defs)
	w.removeMissing(ctx, current, res)
	w.known = current

	if len(res.Applied) > 0 && w.onApply != nil {
		w.onApply(ctx, res)
	}
}

// removeMissing soft-deletes ids that were known before this load and are
// gone now. Ids already absent from the store are skipped.
func (w *Watcher) removeMissing(ctx context.Context, current map[string]bool, res *ApplyResult) {
	var gone []string
	for id := range w.known {
		if !current[id] {
			gone = append(gone, id)
		}
	}
	sort.Strings(gone)
	for _, id := range gone {
		err := w.author.SoftDelete(ctx, id)
		switch {
		case err == nil:
			res.Removed = append(res.Removed, id)
		case errors.Is(err, storage.ErrNotFound):
			w.logger.Debug("removed definition was never stored", slog.String("node_id", id))
		default:
			w.fail(err)
		}
	}
	if len(res.Removed) > 0 {
		res.Applied = append(res.Applied, res.Removed...)
		sort.Strings(res.Applied)
	}
}

func definitionIDs(defs []Definition) map[string]bool {
	ids := make(map[string]bool, len(defs))
	for _, d := range defs {
		ids[d.ID] = true
	}
	return ids
}

func (w *Watcher) fail(err error) {
	w.logger.Error("failed to apply definitions", slog.String("dir", w.dir), slog.String("error", err.Error()))
	if w.onError != nil {
		w.onError(err)
	}
}

func isHidden(path string) bool {
	base := filepath.Base(path)
	return len(base) > 0 && base[0] == '.'
}
