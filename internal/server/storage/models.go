// Package storage provides the persistence layer for the Tracer backend. It
// exposes typed model structs for the three tables (watch_folders,
// file_changes and command_logs) and two interchangeable backends: SQLiteStore, the default
// single-file store, and PostgresStore, which wraps a pgxpool connection pool.
// Both apply their schema through embedded golang-migrate migrations.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup by id or path matches no row.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicatePath is returned by CreateFolder when another folder is
	// already registered for the same absolute path.
	ErrDuplicatePath = errors.New("storage: folder path already exists")

	// ErrMissingTimestamp is returned by InsertCommandLogs for a record
	// without a timestamp.
	ErrMissingTimestamp = errors.New("storage: command log has no timestamp")
)

// EventType classifies a filesystem change.
type EventType string

const (
	EventCreated  EventType = "created"
	EventDeleted  EventType = "deleted"
	EventModified EventType = "modified"
	EventMoved    EventType = "moved"
)

// Valid reports whether t is one of the four recorded event types.
func (t EventType) Valid() bool {
	switch t {
	case EventCreated, EventDeleted, EventModified, EventMoved:
		return true
	}
	return false
}

// DateLayout is the layout of FileChange.Date and of the date filters
// accepted by the query API.
const DateLayout = "2006-01-02"

// WatchFolder maps to the `watch_folders` table.
//
// FilePatterns is an ordered include list; an empty list matches every path.
type WatchFolder struct {
	ID           int64     `json:"id"`
	Path         string    `json:"path"`
	IsActive     bool      `json:"is_active"`
	FilePatterns []string  `json:"file_patterns"`
	Recursive    bool      `json:"recursive"`
	CreatedAt    time.Time `json:"created_at"`
}

// FileChange maps to the `file_changes` table. Rows are insert-only.
//
// For moved events MovedFrom holds the old path and FilePath the new one.
// SizeBytes is nil for directories and for paths that no longer exist.
// ContentBefore and ContentAfter are only ever set on modified events.
type FileChange struct {
	ID            int64     `json:"id"`
	FolderID      int64     `json:"folder_id"`
	Timestamp     time.Time `json:"timestamp"`
	Date          string    `json:"date"`
	EventType     EventType `json:"event_type"`
	FilePath      string    `json:"file_path"`
	Directory     string    `json:"directory"`
	FileName      string    `json:"file_name"`
	FileExtension string    `json:"file_extension"`
	SizeBytes     *int64    `json:"size_bytes,omitempty"`
	IsDirectory   bool      `json:"is_directory"`
	MovedFrom     string    `json:"moved_from,omitempty"`
	ContentBefore *string   `json:"content_before,omitempty"`
	ContentAfter  *string   `json:"content_after,omitempty"`
	ContentHash   string    `json:"content_hash,omitempty"`
}

// ChangeQuery carries the filter and pagination parameters for QueryChanges.
//
// Zero From/To leave that side of the timestamp window open; To is
// exclusive. Limit defaults to 100 when ≤ 0. Empty string fields and a zero
// FolderID apply no filter.
type ChangeQuery struct {
	From          time.Time
	To            time.Time
	EventType     EventType
	FileExtension string
	FolderID      int64
	Path          string
	Ascending     bool
	Limit         int
	Offset        int
}

// DefaultQueryLimit is the page size used when ChangeQuery.Limit is unset.
const DefaultQueryLimit = 100

// CommandLog maps to the `command_logs` table: one shell command taken from
// a user's history. Records arrive already parsed; Date and Time are derived
// from Timestamp when empty. A second record with the same timestamp, user
// and command is ignored.
type CommandLog struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	User      string    `json:"user"`
	Directory string    `json:"directory"`
	Command   string    `json:"command"`
	RawLine   string    `json:"raw_line"`
}

// TimeLayout is the layout of CommandLog.Time.
const TimeLayout = "15:04:05"

// CommandLogQuery carries the filter and pagination parameters for
// QueryCommandLogs. From, To, Ascending, Limit and Offset behave as in
// ChangeQuery. User matches exactly; Directory and Search match substrings
// of the directory and the command.
type CommandLogQuery struct {
	From      time.Time
	To        time.Time
	User      string
	Directory string
	Search    string
	Ascending bool
	Limit     int
	Offset    int
}

// CommandLogFilterOptions lists the distinct users and directories present
// in command_logs, sorted.
type CommandLogFilterOptions struct {
	Users       []string `json:"users"`
	Directories []string `json:"directories"`
}

// Backend is the full set of operations both stores implement. Consumers
// should depend on the narrower interfaces they declare themselves.
type Backend interface {
	InsertChange(ctx context.Context, c *FileChange) error
	LatestChangeByPath(ctx context.Context, path string) (*FileChange, error)
	GetChange(ctx context.Context, id int64) (*FileChange, error)
	QueryChanges(ctx context.Context, q ChangeQuery) ([]FileChange, int, error)

	InsertCommandLogs(ctx context.Context, logs []CommandLog) (int, error)
	QueryCommandLogs(ctx context.Context, q CommandLogQuery) ([]CommandLog, int, error)
	CommandLogFilterOptions(ctx context.Context) (*CommandLogFilterOptions, error)

	CreateFolder(ctx context.Context, f *WatchFolder) error
	GetFolder(ctx context.Context, id int64) (*WatchFolder, error)
	GetFolderByPath(ctx context.Context, path string) (*WatchFolder, error)
	ListFolders(ctx context.Context) ([]WatchFolder, error)
	ListActiveFolders(ctx context.Context) ([]WatchFolder, error)
	UpdateFolder(ctx context.Context, f WatchFolder) error
	DeleteFolder(ctx context.Context, id int64) error

	Close() error
}
