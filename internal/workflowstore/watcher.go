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

package workflowstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces the burst of write events editors produce
// when saving a file.
const debounceWindow = 250 * time.Millisecond

// Watcher reloads definition files into the store as they change on
// disk.
type Watcher struct {
	store  *Store
	fsw    *fsnotify.Watcher
	logger *slog.Logger
	doneCh chan struct{}

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// Watch starts watching dir and reloading changed definitions until ctx
// is cancelled. The initial LoadDir must have happened already.
func (s *Store) Watch(ctx context.Context, dir string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{
		store:   s,
		fsw:     fsw,
		logger:  s.logger,
		doneCh:  make(chan struct{}),
		pending: make(map[string]*time.Timer),
	}
	s.watcher = w
	go w.loop(ctx)
	s.logger.Info("definition watcher started", "dir", dir)
	return w, nil
}

// Close stops the watcher and waits for its loop to exit.
func (w *Watcher) Close() error {
	err := w.fsw.Close()
	<-w.doneCh
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("definition watcher error", "error", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !isDefinitionFile(event.Name) {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.store.RemoveSource(event.Name)
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		w.scheduleReload(event.Name)
	}
}

// scheduleReload debounces per path; the last event in a save burst
// wins.
func (w *Watcher) scheduleReload(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(debounceWindow, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		if err := w.store.LoadFile(path); err != nil {
			w.logger.Error("definition reload failed", "path", path, "error", err)
		}
	})
}
