package watcher_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/tracer/backend/internal/server/storage"
	"github.com/tracer/backend/internal/watcher"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory implementation of the watcher's storage
// interfaces.
type memStore struct {
	mu      sync.Mutex
	changes []storage.FileChange
	folders map[int64]storage.WatchFolder
	nextID  int64

	insertErr error
	lookupErr error
}

func newMemStore() *memStore {
	return &memStore{folders: make(map[int64]storage.WatchFolder)}
}

func (m *memStore) InsertChange(_ context.Context, c *storage.FileChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.nextID++
	c.ID = m.nextID
	m.changes = append(m.changes, *c)
	return nil
}

func (m *memStore) LatestChangeByPath(_ context.Context, path string) (*storage.FileChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	for i := len(m.changes) - 1; i >= 0; i-- {
		if m.changes[i].FilePath == path {
			c := m.changes[i]
			return &c, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) CreateFolder(_ context.Context, f *storage.WatchFolder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.folders {
		if existing.Path == f.Path {
			return storage.ErrDuplicatePath
		}
	}
	m.nextID++
	f.ID = m.nextID
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	m.folders[f.ID] = *f
	return nil
}

func (m *memStore) GetFolder(_ context.Context, id int64) (*storage.WatchFolder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.folders[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &f, nil
}

func (m *memStore) GetFolderByPath(_ context.Context, path string) (*storage.WatchFolder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range m.folders {
		if f.Path == path {
			return &f, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) ListFolders(_ context.Context) ([]storage.WatchFolder, error) {
	return m.list(func(storage.WatchFolder) bool { return true }), nil
}

func (m *memStore) ListActiveFolders(_ context.Context) ([]storage.WatchFolder, error) {
	return m.list(func(f storage.WatchFolder) bool { return f.IsActive }), nil
}

func (m *memStore) list(keep func(storage.WatchFolder) bool) []storage.WatchFolder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []storage.WatchFolder{}
	for _, f := range m.folders {
		if keep(f) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) UpdateFolder(_ context.Context, f storage.WatchFolder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[f.ID]; !ok {
		return storage.ErrNotFound
	}
	m.folders[f.ID] = f
	return nil
}

func (m *memStore) DeleteFolder(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.folders[id]; !ok {
		return storage.ErrNotFound
	}
	delete(m.folders, id)
	return nil
}

// snapshot returns a copy of every recorded change.
func (m *memStore) snapshot() []storage.FileChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]storage.FileChange(nil), m.changes...)
}

// waitFor polls the store until pred accepts one of the recorded changes.
func (m *memStore) waitFor(t *testing.T, timeout time.Duration, pred func(storage.FileChange) bool) storage.FileChange {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, c := range m.snapshot() {
			if pred(c) {
				return c
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no matching change within %v; have %+v", timeout, m.snapshot())
	return storage.FileChange{}
}

// countMatching returns how many recorded changes pred accepts.
func (m *memStore) countMatching(pred func(storage.FileChange) bool) int {
	n := 0
	for _, c := range m.snapshot() {
		if pred(c) {
			n++
		}
	}
	return n
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// startHandle creates and starts a handle over folder and waits for its
// dispatch goroutine.
func startHandle(t *testing.T, folder storage.WatchFolder, rec watcher.EventRecorder) *watcher.Handle {
	t.Helper()
	h := watcher.NewHandle(folder, rec, noopLogger())
	if err := h.Start(); err != nil {
		t.Fatalf("Handle.Start: %v", err)
	}
	t.Cleanup(h.Stop)
	select {
	case <-h.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("Handle.Ready() timed out")
	}
	return h
}
