package rest

import (
	"context"

	"github.com/tracer/backend/internal/server/storage"
	"github.com/tracer/backend/internal/watcher"
)

// Folders is the folder-management surface the handlers drive. It is
// satisfied by *watcher.FolderService.
type Folders interface {
	AddFolder(ctx context.Context, path string, patterns []string, recursive bool) (*storage.WatchFolder, error)
	RemoveFolder(ctx context.Context, id int64) error
	ToggleFolder(ctx context.Context, id int64) (*storage.WatchFolder, error)
	UpdateFolder(ctx context.Context, id int64, u watcher.FolderUpdate) (*storage.WatchFolder, error)
	GetFolder(ctx context.Context, id int64) (*storage.WatchFolder, error)
	ListFolders(ctx context.Context) ([]storage.WatchFolder, error)
}

// Changes is the read side of the change history. Both storage backends
// satisfy it.
type Changes interface {
	GetChange(ctx context.Context, id int64) (*storage.FileChange, error)
	QueryChanges(ctx context.Context, q storage.ChangeQuery) ([]storage.FileChange, int, error)
}

// CommandLogs is the shell-history store. Records arrive already parsed.
// Both storage backends satisfy it.
type CommandLogs interface {
	InsertCommandLogs(ctx context.Context, logs []storage.CommandLog) (int, error)
	QueryCommandLogs(ctx context.Context, q storage.CommandLogQuery) ([]storage.CommandLog, int, error)
	CommandLogFilterOptions(ctx context.Context) (*storage.CommandLogFilterOptions, error)
}

// Watches reports which folders currently have a live watch. It is
// satisfied by *watcher.Registry.
type Watches interface {
	WatchedIDs() []int64
	Len() int
}
