package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tracer/backend/internal/events"
	"github.com/tracer/backend/internal/server/storage"
)

// FolderSource is the subset of storage the Registry reads folders from.
type FolderSource interface {
	GetFolder(ctx context.Context, id int64) (*storage.WatchFolder, error)
	ListActiveFolders(ctx context.Context) ([]storage.WatchFolder, error)
}

// Registry supervises the running handles, at most one per folder id. All
// lifecycle operations serialize on one mutex, so concurrent start, stop and
// restart calls for the same folder cannot leave two handles or a stopped
// handle registered.
type Registry struct {
	folders FolderSource
	rec     EventRecorder
	logger  *slog.Logger
	bus     events.Bus

	mu      sync.Mutex
	handles map[int64]*Handle
}

// NewRegistry returns an empty registry. bus may be nil.
func NewRegistry(folders FolderSource, rec EventRecorder, logger *slog.Logger, bus events.Bus) *Registry {
	return &Registry{
		folders: folders,
		rec:     rec,
		logger:  logger,
		bus:     bus,
		handles: make(map[int64]*Handle),
	}
}

// StartWatching starts a handle for folder unless one is already registered
// for folder.ID, in which case it does nothing.
func (r *Registry) StartWatching(folder storage.WatchFolder) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked(folder)
}

// StopWatching stops and deregisters the handle for id. It blocks until the
// handle's goroutine has exited. Unknown ids are ignored.
func (r *Registry) StopWatching(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(id)
}

// RestartFolder stops the handle for id if present, re-reads the folder, and
// starts a fresh handle when the folder still exists and is active.
func (r *Registry) RestartFolder(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stopLocked(id)
	f, err := r.folders.GetFolder(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("registry: restart folder %d: %w", id, err)
	}
	if !f.IsActive {
		return nil
	}
	return r.startLocked(*f)
}

// StartAllActive starts a handle for every active folder. A folder that
// fails to start is logged and skipped. It returns the number of handles
// started and an error only when the folder list itself cannot be read.
func (r *Registry) StartAllActive(ctx context.Context) (int, error) {
	folders, err := r.folders.ListActiveFolders(ctx)
	if err != nil {
		return 0, fmt.Errorf("registry: list active folders: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	started := 0
	for _, f := range folders {
		if err := r.startLocked(f); err != nil {
			r.logger.Error("registry: folder failed to start",
				slog.Int64("folder_id", f.ID),
				slog.String("path", f.Path),
				slog.Any("error", err))
			continue
		}
		started++
	}
	r.logger.Info("registry: startup recovery complete",
		slog.Int("active", len(folders)),
		slog.Int("started", started))
	return started, nil
}

// StopAll stops every registered handle. Each Stop joins its goroutine, so
// all in-flight records are committed when StopAll returns.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.handles {
		r.stopLocked(id)
	}
}

// IsWatching reports whether a handle is registered for id.
func (r *Registry) IsWatching(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.handles[id]
	return ok
}

// WatchedIDs returns the registered folder ids in ascending order.
func (r *Registry) WatchedIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *Registry) startLocked(folder storage.WatchFolder) error {
	if _, ok := r.handles[folder.ID]; ok {
		return nil
	}
	h := NewHandle(folder, r.rec, r.logger)
	if err := h.Start(); err != nil {
		r.publish(events.WatchFailed, folder.ID, err.Error())
		return fmt.Errorf("registry: start folder %d: %w", folder.ID, err)
	}
	r.handles[folder.ID] = h
	r.publish(events.WatchStarted, folder.ID, folder.Path)
	return nil
}

func (r *Registry) stopLocked(id int64) {
	h, ok := r.handles[id]
	if !ok {
		return
	}
	h.Stop()
	delete(r.handles, id)
	r.publish(events.WatchStopped, id)
}

func (r *Registry) publish(topic string, args ...any) {
	if r.bus != nil {
		r.bus.Publish(topic, args...)
	}
}
