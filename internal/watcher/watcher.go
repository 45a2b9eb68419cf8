// Package watcher implements the file-change watch subsystem. A Handle owns
// one fsnotify subscription for one watch folder and classifies its raw
// notifications into Events; a Recorder turns each Event into a persisted
// storage.FileChange; a Registry supervises the set of running handles; and
// FolderService is the folder lifecycle the REST layer calls into.
package watcher

import (
	"context"

	"github.com/tracer/backend/internal/server/storage"
)

// Event is one classified filesystem change, ready to be recorded.
type Event struct {
	// Type is one of the four storage event types.
	Type storage.EventType
	// Path is the absolute path the change applies to. For moved events it
	// is the new path.
	Path string
	// IsDirectory is taken from the watcher's own knowledge of the path,
	// never from a stat after the fact.
	IsDirectory bool
	// MovedFrom is the old path of a moved event and empty otherwise.
	MovedFrom string
}

// EventRecorder persists classified events. *Recorder implements it; Handle
// depends on the interface so tests can substitute a fake.
type EventRecorder interface {
	Record(ctx context.Context, folderID int64, ev Event) (*storage.FileChange, error)
}
