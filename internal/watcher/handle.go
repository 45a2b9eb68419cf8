package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/tracer/backend/internal/server/storage"
)

// renameWindow is how long a Rename waits for the Create of its new name
// before it is treated as a move out of the watched tree.
const renameWindow = 100 * time.Millisecond

// Write notifications for one path are merged until the path has been quiet
// for writeWindow, or for at most maxWriteDelay after the first one. A
// truncating write reports the truncation and the data separately.
const (
	writeWindow   = 50 * time.Millisecond
	maxWriteDelay = time.Second
)

// pendingRename is the old half of a move awaiting its new name.
type pendingRename struct {
	path  string
	isDir bool
	// info is the last identity seen for path; a Create pairs with the
	// rename only when it names the same file.
	info  os.FileInfo
	timer *time.Timer
	// selfSeen is set once a watched directory's report of its own rename
	// has arrived.
	selfSeen bool
}

// Handle owns one fsnotify subscription rooted at one watch folder and the
// goroutine that classifies its notifications and hands them to an
// EventRecorder. Root, recursion and patterns are fixed at construction.
//
// Stop blocks until the dispatch goroutine has exited, so once it returns no
// further change is recorded for the folder.
type Handle struct {
	id     string
	folder storage.WatchFolder
	rec    EventRecorder
	logger *slog.Logger

	fsw *fsnotify.Watcher

	// Owned by the dispatch goroutine once Start returns.
	dirs      map[string]struct{}
	goneDirs  map[string]struct{}
	movedDirs map[string]struct{}
	pending   *pendingRename
	// infos caches the identity of every entry the handle knows about, so
	// renames pair only with their own destination.
	infos      map[string]os.FileInfo
	writes     map[string]*pendingWrite
	writeTimer *time.Timer

	done     chan struct{}
	ready    chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type pendingWrite struct {
	first, last time.Time
}

// NewHandle returns an unstarted handle for folder.
func NewHandle(folder storage.WatchFolder, rec EventRecorder, logger *slog.Logger) *Handle {
	folder.Path = filepath.Clean(folder.Path)
	folder.FilePatterns = NormalizePatterns(folder.FilePatterns)
	id := uuid.NewString()
	return &Handle{
		id:     id,
		folder: folder,
		rec:    rec,
		logger: logger.With(
			slog.String("handle_id", id),
			slog.Int64("folder_id", folder.ID),
			slog.String("root", folder.Path),
		),
		dirs:      make(map[string]struct{}),
		goneDirs:  make(map[string]struct{}),
		movedDirs: make(map[string]struct{}),
		infos:     make(map[string]os.FileInfo),
		writes:    make(map[string]*pendingWrite),
		done:      make(chan struct{}),
		ready:     make(chan struct{}),
	}
}

// ID is a random identifier for this subscription instance, distinct across
// restarts of the same folder.
func (h *Handle) ID() string { return h.id }

// Folder returns the folder snapshot the handle was built from.
func (h *Handle) Folder() storage.WatchFolder { return h.folder }

// Ready is closed once the dispatch goroutine is running.
func (h *Handle) Ready() <-chan struct{} { return h.ready }

// Start subscribes to the root and, when recursive, to every directory below
// it, then launches the dispatch goroutine. Failing to watch the root is an
// error; failing on a subdirectory is logged and skipped.
func (h *Handle) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: new fsnotify watcher: %w", err)
	}
	if err := fsw.Add(h.folder.Path); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watcher: watch %s: %w", h.folder.Path, err)
	}
	h.fsw = fsw
	h.dirs[h.folder.Path] = struct{}{}
	if h.folder.Recursive {
		h.addTree(h.folder.Path, false)
	} else {
		h.rememberEntries(h.folder.Path)
	}

	h.wg.Add(1)
	go h.run()
	h.logger.Info("watcher: handle started",
		slog.Bool("recursive", h.folder.Recursive),
		slog.Int("directories", len(h.dirs)))
	return nil
}

// Stop ends the subscription. It flushes pending writes and a pending rename,
// waits for the dispatch goroutine, and then closes the fsnotify watcher. It is safe to
// call more than once and on a handle that never started.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()
		// Close fsnotify only after the goroutine exits so it never reads
		// from a closed watcher.
		if h.fsw != nil {
			_ = h.fsw.Close()
		}
		h.logger.Info("watcher: handle stopped")
	})
}

func (h *Handle) run() {
	defer h.wg.Done()
	close(h.ready)

	for {
		// Stop takes priority over queued notifications.
		select {
		case <-h.done:
			h.flushAll()
			return
		default:
		}

		var renameC, writeC <-chan time.Time
		if h.pending != nil {
			renameC = h.pending.timer.C
		}
		if h.writeTimer != nil {
			writeC = h.writeTimer.C
		}

		select {
		case <-h.done:
			h.flushAll()
			return
		case ev, ok := <-h.fsw.Events:
			if !ok {
				h.flushAll()
				return
			}
			h.dispatch(ev)
		case err, ok := <-h.fsw.Errors:
			if !ok {
				h.flushAll()
				return
			}
			h.logger.Warn("watcher: fsnotify error", slog.Any("error", err))
		case <-renameC:
			h.flushRename()
		case now := <-writeC:
			h.writeTimer = nil
			h.flushDueWrites(now)
		}
	}
}

func (h *Handle) flushAll() {
	h.flushDueWrites(time.Time{})
	h.flushRename()
}

// dispatch classifies one fsnotify notification.
func (h *Handle) dispatch(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)
	switch {
	case ev.Has(fsnotify.Create):
		h.onCreate(path)
	case ev.Has(fsnotify.Remove):
		h.onRemove(path)
	case ev.Has(fsnotify.Rename):
		h.onRename(path)
	case ev.Has(fsnotify.Write):
		h.onWrite(path)
	}
	// Chmod carries no content change.
}

func (h *Handle) onCreate(path string) {
	delete(h.goneDirs, path)
	fi, statErr := os.Lstat(path)

	if p := h.pending; p != nil {
		if p.info == nil || statErr != nil || !os.SameFile(p.info, fi) {
			// Not the renamed entry: the rename left the tree and this is
			// an unrelated arrival.
			h.flushRename()
		} else {
			h.pending = nil
			p.timer.Stop()
			h.infos[path] = fi
			if p.isDir {
				if h.folder.Recursive && !p.selfSeen {
					h.movedDirs[p.path] = struct{}{}
				}
				h.trackNewDir(path, false)
			}
			h.emit(Event{Type: storage.EventMoved, Path: path, MovedFrom: p.path, IsDirectory: p.isDir})
			return
		}
	}

	if statErr == nil {
		// Already reported by the walk of a new parent directory.
		if known, ok := h.infos[path]; ok && os.SameFile(known, fi) {
			return
		}
		h.infos[path] = fi
	}
	isDir := statErr == nil && fi.IsDir()
	if isDir {
		h.trackNewDir(path, true)
	}
	h.emit(Event{Type: storage.EventCreated, Path: path, IsDirectory: isDir})
}

// onWrite queues a modification; writes to the same path are merged.
func (h *Handle) onWrite(path string) {
	if h.isDir(path) {
		return
	}
	if _, ok := h.infos[path]; !ok {
		if fi, err := os.Lstat(path); err == nil {
			h.infos[path] = fi
		}
	}
	now := time.Now()
	if w, ok := h.writes[path]; ok {
		w.last = now
	} else {
		h.writes[path] = &pendingWrite{first: now, last: now}
	}
	if h.writeTimer == nil {
		h.writeTimer = time.NewTimer(writeWindow)
	}
}

// flushDueWrites records every queued modification that has gone quiet or
// waited long enough. A zero now flushes all of them.
func (h *Handle) flushDueWrites(now time.Time) {
	var due []string
	for path, w := range h.writes {
		if now.IsZero() || now.Sub(w.last) >= writeWindow || now.Sub(w.first) >= maxWriteDelay {
			due = append(due, path)
		}
	}
	sort.Strings(due)
	for _, path := range due {
		delete(h.writes, path)
		h.emit(Event{Type: storage.EventModified, Path: path})
	}
	if len(h.writes) == 0 {
		if h.writeTimer != nil {
			h.writeTimer.Stop()
			h.writeTimer = nil
		}
	} else if h.writeTimer == nil {
		h.writeTimer = time.NewTimer(writeWindow)
	}
}

// flushWrite records a queued modification of path ahead of an event that
// ends the path's life.
func (h *Handle) flushWrite(path string) {
	if _, ok := h.writes[path]; ok {
		delete(h.writes, path)
		h.emit(Event{Type: storage.EventModified, Path: path})
	}
}

func (h *Handle) onRemove(path string) {
	if path == h.folder.Path {
		h.logger.Warn("watcher: watched root removed; no further events")
		return
	}
	// fsnotify reports a removed watched directory twice: once from its
	// parent and once for the directory itself.
	if _, seen := h.goneDirs[path]; seen {
		delete(h.goneDirs, path)
		return
	}
	h.flushWrite(path)
	isDir := h.isDir(path)
	_, watched := h.dirs[path]
	h.forgetTree(path)
	if watched && h.folder.Recursive {
		h.goneDirs[path] = struct{}{}
	}
	h.emit(Event{Type: storage.EventDeleted, Path: path, IsDirectory: isDir})
}

func (h *Handle) onRename(path string) {
	if path == h.folder.Path {
		h.logger.Warn("watcher: watched root renamed; no further events")
		return
	}
	// A renamed watched directory also reports the rename of itself; the
	// parent's report has already been paired.
	if _, seen := h.movedDirs[path]; seen {
		delete(h.movedDirs, path)
		return
	}
	if p := h.pending; p != nil {
		if p.path == path {
			p.selfSeen = true
			return
		}
		h.flushRename()
	}
	h.flushWrite(path)
	isDir := h.isDir(path)
	info := h.infos[path]
	h.forgetTree(path)
	h.pending = &pendingRename{path: path, isDir: isDir, info: info, timer: time.NewTimer(renameWindow)}
}

// flushRename records an unpaired rename as a deletion: the entry left the
// watched tree.
func (h *Handle) flushRename() {
	p := h.pending
	if p == nil {
		return
	}
	h.pending = nil
	p.timer.Stop()
	if p.isDir && h.folder.Recursive && !p.selfSeen {
		h.movedDirs[p.path] = struct{}{}
	}
	h.emit(Event{Type: storage.EventDeleted, Path: p.path, IsDirectory: p.isDir})
}

// emit applies the folder's patterns and records ev. Either side of a move
// matching is enough.
func (h *Handle) emit(ev Event) {
	if !Matches(ev.Path, h.folder.FilePatterns) &&
		(ev.MovedFrom == "" || !Matches(ev.MovedFrom, h.folder.FilePatterns)) {
		return
	}
	if _, err := h.rec.Record(context.Background(), h.folder.ID, ev); err != nil {
		h.logger.Error("watcher: record change",
			slog.String("event_type", string(ev.Type)),
			slog.String("path", ev.Path),
			slog.Any("error", err))
	}
}

// isDir reports whether path is a directory as far as the handle knows. The
// path may already be gone, so the handle's own records are used.
func (h *Handle) isDir(path string) bool {
	if _, ok := h.dirs[path]; ok {
		return true
	}
	fi, ok := h.infos[path]
	return ok && fi.IsDir()
}

// trackNewDir notes a directory that appeared under the root and, when
// recursive, subscribes to it and everything below it. With announce set,
// every entry already inside it is recorded as created.
func (h *Handle) trackNewDir(path string, announce bool) {
	h.dirs[path] = struct{}{}
	if !h.folder.Recursive {
		return
	}
	if err := h.fsw.Add(path); err != nil {
		h.logger.Warn("watcher: cannot watch new directory",
			slog.String("path", path), slog.Any("error", err))
		return
	}
	h.addTree(path, announce)
}

// addTree subscribes to every directory strictly below dir and remembers
// every entry found. With announce set, entries not seen before are
// recorded as created.
func (h *Handle) addTree(dir string, announce bool) {
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			h.logger.Warn("watcher: walk error", slog.String("path", p), slog.Any("error", err))
			if d != nil && d.IsDir() && p != dir {
				return fs.SkipDir
			}
			return nil
		}
		if p == dir {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			// Gone between listing and stat.
			return nil
		}
		if d.IsDir() {
			if err := h.fsw.Add(p); err != nil {
				h.logger.Warn("watcher: cannot watch directory", slog.String("path", p), slog.Any("error", err))
				return fs.SkipDir
			}
			h.dirs[p] = struct{}{}
		}
		_, known := h.infos[p]
		h.infos[p] = fi
		if announce && !known {
			h.emit(Event{Type: storage.EventCreated, Path: p, IsDirectory: d.IsDir()})
		}
		return nil
	})
	if err != nil {
		h.logger.Warn("watcher: walk aborted", slog.String("path", dir), slog.Any("error", err))
	}
}

// rememberEntries records the identity of dir's direct entries.
func (h *Handle) rememberEntries(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		h.logger.Warn("watcher: list root", slog.Any("error", err))
		return
	}
	for _, e := range entries {
		if fi, err := e.Info(); err == nil {
			h.infos[filepath.Join(dir, e.Name())] = fi
		}
	}
}

// forgetTree drops dir and everything below it from the handle's records.
// fsnotify removes the kernel watches itself once the paths are gone.
func (h *Handle) forgetTree(dir string) {
	delete(h.dirs, dir)
	delete(h.infos, dir)
	prefix := dir + string(filepath.Separator)
	for p := range h.dirs {
		if strings.HasPrefix(p, prefix) {
			delete(h.dirs, p)
		}
	}
	for p := range h.infos {
		if strings.HasPrefix(p, prefix) {
			delete(h.infos, p)
		}
	}
}
