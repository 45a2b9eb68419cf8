package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tracer/backend/internal/server/storage/migrations"
)

// tsLayout is fixed-width so that lexical order on the ts column equals
// chronological order.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	timeArg:     func(t time.Time) any { return formatTS(t) },
	contains:    func(col string) string { return "instr(" + col + ", %s) > 0" },
}

// SQLiteStore is the default Backend: a single database file opened through
// modernc.org/sqlite. It is safe for concurrent use.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path, creating its parent
// directory if needed, enables WAL journal mode, and applies pending
// migrations. ":memory:" yields a private
// in-memory database, suitable for tests.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("storage: create %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %q: %w", path, err)
	}

	// One connection: SQLite admits a single writer, and concurrent recorders
	// queue on the pool instead of failing with "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA synchronous = NORMAL`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}

	if err := migrations.UpSQLite(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- file_changes ---

// InsertChange persists c and sets c.ID to the assigned row id.
func (s *SQLiteStore) InsertChange(ctx context.Context, c *FileChange) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO file_changes
			(folder_id, ts, date, event_type, file_path, directory, file_name,
			 file_extension, size_bytes, is_directory, moved_from,
			 content_before, content_after, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.FolderID,
		formatTS(c.Timestamp),
		c.Date,
		string(c.EventType),
		c.FilePath,
		c.Directory,
		c.FileName,
		c.FileExtension,
		c.SizeBytes,
		c.IsDirectory,
		nullableStr(c.MovedFrom),
		c.ContentBefore,
		c.ContentAfter,
		c.ContentHash,
	)
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert change: last insert id: %w", err)
	}
	c.ID = id
	return nil
}

// LatestChangeByPath returns the newest record for path, ordered by
// timestamp then id, or ErrNotFound.
func (s *SQLiteStore) LatestChangeByPath(ctx context.Context, path string) (*FileChange, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+changeColumns+`
		FROM   file_changes
		WHERE  file_path = ?
		ORDER  BY ts DESC, id DESC
		LIMIT  1`, path)
	c, err := scanSQLiteChange(row)
	if err != nil {
		return nil, notFound(fmt.Errorf("latest change %q: %w", path, err))
	}
	return c, nil
}

// GetChange returns the change with the given id, or ErrNotFound.
func (s *SQLiteStore) GetChange(ctx context.Context, id int64) (*FileChange, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+changeColumns+` FROM file_changes WHERE id = ?`, id)
	c, err := scanSQLiteChange(row)
	if err != nil {
		return nil, notFound(fmt.Errorf("get change %d: %w", id, err))
	}
	return c, nil
}

// QueryChanges returns one page of changes matching q together with the
// total number of matching rows.
func (s *SQLiteStore) QueryChanges(ctx context.Context, q ChangeQuery) ([]FileChange, int, error) {
	where, args := changeFilter(sqliteDialect, q)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_changes `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count changes: %w", err)
	}

	page, args := changePage(sqliteDialect, q, args)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM file_changes `+where+` `+page, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := []FileChange{}
	for rows.Next() {
		c, err := scanSQLiteChange(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, *c)
	}
	return changes, total, rows.Err()
}

// --- watch_folders ---

// CreateFolder inserts f, setting f.ID and, when zero, f.CreatedAt. A second
// folder for the same path yields ErrDuplicatePath.
func (s *SQLiteStore) CreateFolder(ctx context.Context, f *WatchFolder) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO watch_folders (path, is_active, file_patterns, recursive, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.Path, f.IsActive, joinPatterns(f.FilePatterns), f.Recursive, formatTS(f.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("create folder %q: %w", f.Path, ErrDuplicatePath)
		}
		return fmt.Errorf("create folder %q: %w", f.Path, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create folder: last insert id: %w", err)
	}
	f.ID = id
	return nil
}

// GetFolder returns the folder with the given id, or ErrNotFound.
func (s *SQLiteStore) GetFolder(ctx context.Context, id int64) (*WatchFolder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, is_active, file_patterns, recursive, created_at
		FROM   watch_folders
		WHERE  id = ?`, id)
	f, err := scanSQLiteFolder(row)
	if err != nil {
		return nil, notFound(fmt.Errorf("get folder %d: %w", id, err))
	}
	return f, nil
}

// GetFolderByPath returns the folder registered for path, or ErrNotFound.
func (s *SQLiteStore) GetFolderByPath(ctx context.Context, path string) (*WatchFolder, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, path, is_active, file_patterns, recursive, created_at
		FROM   watch_folders
		WHERE  path = ?`, path)
	f, err := scanSQLiteFolder(row)
	if err != nil {
		return nil, notFound(fmt.Errorf("get folder %q: %w", path, err))
	}
	return f, nil
}

// ListFolders returns every folder ordered by id.
func (s *SQLiteStore) ListFolders(ctx context.Context) ([]WatchFolder, error) {
	return s.listFolders(ctx, `
		SELECT id, path, is_active, file_patterns, recursive, created_at
		FROM   watch_folders
		ORDER  BY id`)
}

// ListActiveFolders returns the folders with is_active set, ordered by id.
func (s *SQLiteStore) ListActiveFolders(ctx context.Context) ([]WatchFolder, error) {
	return s.listFolders(ctx, `
		SELECT id, path, is_active, file_patterns, recursive, created_at
		FROM   watch_folders
		WHERE  is_active = 1
		ORDER  BY id`)
}

func (s *SQLiteStore) listFolders(ctx context.Context, query string) ([]WatchFolder, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	folders := []WatchFolder{}
	for rows.Next() {
		f, err := scanSQLiteFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, *f)
	}
	return folders, rows.Err()
}

// UpdateFolder replaces the mutable fields (is_active, file_patterns,
// recursive) of the folder identified by f.ID.
func (s *SQLiteStore) UpdateFolder(ctx context.Context, f WatchFolder) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE watch_folders
		SET    is_active     = ?,
		       file_patterns = ?,
		       recursive     = ?
		WHERE  id = ?`,
		f.IsActive, joinPatterns(f.FilePatterns), f.Recursive, f.ID)
	if err != nil {
		return fmt.Errorf("update folder %d: %w", f.ID, err)
	}
	return affectedOne(res, fmt.Sprintf("update folder %d", f.ID))
}

// DeleteFolder removes the folder row. Its change history is kept.
func (s *SQLiteStore) DeleteFolder(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM watch_folders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete folder %d: %w", id, err)
	}
	return affectedOne(res, fmt.Sprintf("delete folder %d", id))
}

// --- command_logs ---

// InsertCommandLogs stores logs in one transaction and returns how many were
// new. Records already stored under the same timestamp, user and command are
// skipped.
func (s *SQLiteStore) InsertCommandLogs(ctx context.Context, logs []CommandLog) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("insert command logs: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO command_logs
			(ts, date, time_of_day, username, directory, command, raw_line)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ts, username, command) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("insert command logs: prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range logs {
		l := &logs[i]
		if err := prepareCommandLog(l); err != nil {
			return 0, err
		}
		res, err := stmt.ExecContext(ctx,
			formatTS(l.Timestamp), l.Date, l.Time, l.User, l.Directory, l.Command, l.RawLine)
		if err != nil {
			return 0, fmt.Errorf("insert command log %q: %w", l.Command, err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			inserted++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("insert command logs: commit: %w", err)
	}
	return inserted, nil
}

// QueryCommandLogs returns one page of command logs matching q together
// with the total number of matching rows.
func (s *SQLiteStore) QueryCommandLogs(ctx context.Context, q CommandLogQuery) ([]CommandLog, int, error) {
	where, args := commandLogFilter(sqliteDialect, q)

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_logs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count command logs: %w", err)
	}

	page, args := commandLogPage(sqliteDialect, q, args)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandLogColumns+` FROM command_logs `+where+` `+page, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query command logs: %w", err)
	}
	defer rows.Close()

	logs := []CommandLog{}
	for rows.Next() {
		var (
			l  CommandLog
			ts string
		)
		if err := rows.Scan(&l.ID, &ts, &l.Date, &l.Time, &l.User, &l.Directory, &l.Command, &l.RawLine); err != nil {
			return nil, 0, fmt.Errorf("scan command log: %w", err)
		}
		if l.Timestamp, err = parseTS(ts); err != nil {
			return nil, 0, err
		}
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

// CommandLogFilterOptions returns the distinct non-empty users and
// directories.
func (s *SQLiteStore) CommandLogFilterOptions(ctx context.Context) (*CommandLogFilterOptions, error) {
	users, err := s.distinct(ctx, "username")
	if err != nil {
		return nil, err
	}
	dirs, err := s.distinct(ctx, "directory")
	if err != nil {
		return nil, err
	}
	return &CommandLogFilterOptions{Users: users, Directories: dirs}, nil
}

func (s *SQLiteStore) distinct(ctx context.Context, col string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT `+col+` FROM command_logs WHERE `+col+` <> '' ORDER BY `+col)
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", col, err)
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan %s: %w", col, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// --- internal helpers ---

func scanSQLiteChange(s scanner) (*FileChange, error) {
	var (
		c         FileChange
		ts        string
		eventType string
		movedFrom *string
	)
	err := s.Scan(
		&c.ID, &c.FolderID, &ts, &c.Date, &eventType,
		&c.FilePath, &c.Directory, &c.FileName, &c.FileExtension,
		&c.SizeBytes, &c.IsDirectory, &movedFrom,
		&c.ContentBefore, &c.ContentAfter, &c.ContentHash,
	)
	if err != nil {
		return nil, err
	}
	if c.Timestamp, err = parseTS(ts); err != nil {
		return nil, err
	}
	c.EventType = EventType(eventType)
	c.MovedFrom = derefStr(movedFrom)
	return &c, nil
}

func scanSQLiteFolder(s scanner) (*WatchFolder, error) {
	var (
		f         WatchFolder
		patterns  string
		createdAt string
	)
	if err := s.Scan(&f.ID, &f.Path, &f.IsActive, &patterns, &f.Recursive, &createdAt); err != nil {
		return nil, err
	}
	var err error
	if f.CreatedAt, err = parseTS(createdAt); err != nil {
		return nil, err
	}
	f.FilePatterns = splitPatterns(patterns)
	return &f, nil
}

func formatTS(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// joinPatterns stores the pattern list in the comma-separated form the API
// accepts. Patterns never contain commas because they arrive comma-split.
func joinPatterns(p []string) string {
	return strings.Join(p, ",")
}

func splitPatterns(s string) []string {
	out := []string{}
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

// notFound maps sql.ErrNoRows to ErrNotFound while keeping the context of err.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func affectedOne(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}
