package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tracer/backend/internal/server/storage/migrations"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// DefaultConnectTimeout bounds how long OpenPostgres keeps retrying the first
// ping while the database is still starting.
const DefaultConnectTimeout = 30 * time.Second

var postgresDialect = dialect{
	placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	timeArg:     func(t time.Time) any { return t.UTC() },
	contains:    func(col string) string { return "strpos(" + col + ", %s) > 0" },
}

// PostgresStore is the PostgreSQL Backend, built on a pgxpool connection
// pool. It is safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn, retrying the initial ping with exponential
// backoff for up to DefaultConnectTimeout, then applies pending migrations.
// maxConns ≤ 0 keeps the pgxpool default.
func OpenPostgres(ctx context.Context, dsn string, maxConns int, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = DefaultConnectTimeout
	notify := func(err error, wait time.Duration) {
		logger.Warn("storage: postgres not ready",
			slog.Any("error", err),
			slog.Duration("retry_in", wait))
	}
	if err := backoff.RetryNotify(func() error { return pool.Ping(ctx) },
		backoff.WithContext(b, ctx), notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}

	if err := migrations.UpPostgres(dsn); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: migrate postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- file_changes ---

// InsertChange persists c and sets c.ID to the assigned row id.
func (s *PostgresStore) InsertChange(ctx context.Context, c *FileChange) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO file_changes
			(folder_id, ts, date, event_type, file_path, directory, file_name,
			 file_extension, size_bytes, is_directory, moved_from,
			 content_before, content_after, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		c.FolderID,
		c.Timestamp.UTC(),
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
	).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("insert change: %w", err)
	}
	return nil
}

// LatestChangeByPath returns the newest record for path, ordered by
// timestamp then id, or ErrNotFound.
func (s *PostgresStore) LatestChangeByPath(ctx context.Context, path string) (*FileChange, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+changeColumns+`
		FROM   file_changes
		WHERE  file_path = $1
		ORDER  BY ts DESC, id DESC
		LIMIT  1`, path)
	c, err := scanPgChange(row)
	if err != nil {
		return nil, pgNotFound(fmt.Errorf("latest change %q: %w", path, err))
	}
	return c, nil
}

// GetChange returns the change with the given id, or ErrNotFound.
func (s *PostgresStore) GetChange(ctx context.Context, id int64) (*FileChange, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+changeColumns+` FROM file_changes WHERE id = $1`, id)
	c, err := scanPgChange(row)
	if err != nil {
		return nil, pgNotFound(fmt.Errorf("get change %d: %w", id, err))
	}
	return c, nil
}

// QueryChanges returns one page of changes matching q together with the
// total number of matching rows.
func (s *PostgresStore) QueryChanges(ctx context.Context, q ChangeQuery) ([]FileChange, int, error) {
	where, args := changeFilter(postgresDialect, q)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM file_changes `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count changes: %w", err)
	}

	page, args := changePage(postgresDialect, q, args)
	rows, err := s.pool.Query(ctx,
		`SELECT `+changeColumns+` FROM file_changes `+where+` `+page, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	changes := []FileChange{}
	for rows.Next() {
		c, err := scanPgChange(rows)
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
func (s *PostgresStore) CreateFolder(ctx context.Context, f *WatchFolder) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	patterns := f.FilePatterns
	if patterns == nil {
		patterns = []string{}
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO watch_folders (path, is_active, file_patterns, recursive, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`,
		f.Path, f.IsActive, patterns, f.Recursive, f.CreatedAt,
	).Scan(&f.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("create folder %q: %w", f.Path, ErrDuplicatePath)
		}
		return fmt.Errorf("create folder %q: %w", f.Path, err)
	}
	return nil
}

// GetFolder returns the folder with the given id, or ErrNotFound.
func (s *PostgresStore) GetFolder(ctx context.Context, id int64) (*WatchFolder, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, path, is_active, file_patterns, recursive, created_at
		FROM   watch_folders
		WHERE  id = $1`, id)
	f, err := scanPgFolder(row)
	if err != nil {
		return nil, pgNotFound(fmt.Errorf("get folder %d: %w", id, err))
	}
	return f, nil
}

// GetFolderByPath returns the folder registered for path, or ErrNotFound.
func (s *PostgresStore) GetFolderByPath(ctx context.Context, path string) (*WatchFolder, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, path, is_active, file_patterns, recursive, created_at
		FROM   watch_folders
		WHERE  path = $1`, path)
	f, err := scanPgFolder(row)
	if err != nil {
		return nil, pgNotFound(fmt.Errorf("get folder %q: %w", path, err))
	}
	return f, nil
}

// ListFolders returns every folder ordered by id.
func (s *PostgresStore) ListFolders(ctx context.Context) ([]WatchFolder, error) {
	return s.listFolders(ctx, `
		SELECT id, path, is_active, file_patterns, recursive, created_at
		FROM   watch_folders
		ORDER  BY id`)
}

// ListActiveFolders returns the folders with is_active set, ordered by id.
func (s *PostgresStore) ListActiveFolders(ctx context.Context) ([]WatchFolder, error) {
	return s.listFolders(ctx, `
		SELECT id, path, is_active, file_patterns, recursive, created_at
		FROM   watch_folders
		WHERE  is_active
		ORDER  BY id`)
}

func (s *PostgresStore) listFolders(ctx context.Context, query string) ([]WatchFolder, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()

	folders := []WatchFolder{}
	for rows.Next() {
		f, err := scanPgFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan folder: %w", err)
		}
		folders = append(folders, *f)
	}
	return folders, rows.Err()
}

// UpdateFolder replaces the mutable fields (is_active, file_patterns,
// recursive) of the folder identified by f.ID.
func (s *PostgresStore) UpdateFolder(ctx context.Context, f WatchFolder) error {
	patterns := f.FilePatterns
	if patterns == nil {
		patterns = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE watch_folders
		SET    is_active     = $2,
		       file_patterns = $3,
		       recursive     = $4
		WHERE  id = $1`,
		f.ID, f.IsActive, patterns, f.Recursive)
	if err != nil {
		return fmt.Errorf("update folder %d: %w", f.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update folder %d: %w", f.ID, ErrNotFound)
	}
	return nil
}

// DeleteFolder removes the folder row. Its change history is kept.
func (s *PostgresStore) DeleteFolder(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM watch_folders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete folder %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete folder %d: %w", id, ErrNotFound)
	}
	return nil
}

// --- command_logs ---

// InsertCommandLogs stores logs in one transaction and returns how many were
// new. Records already stored under the same timestamp, user and command are
// skipped.
func (s *PostgresStore) InsertCommandLogs(ctx context.Context, logs []CommandLog) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("insert command logs: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for i := range logs {
		l := &logs[i]
		if err := prepareCommandLog(l); err != nil {
			return 0, err
		}
		batch.Queue(`
			INSERT INTO command_logs
				(ts, date, time_of_day, username, directory, command, raw_line)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (ts, username, command) DO NOTHING`,
			l.Timestamp.UTC(), l.Date, l.Time, l.User, l.Directory, l.Command, l.RawLine)
	}

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for i := range logs {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("insert command log %q: %w", logs[i].Command, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("insert command logs: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("insert command logs: commit: %w", err)
	}
	return inserted, nil
}

// QueryCommandLogs returns one page of command logs matching q together
// with the total number of matching rows.
func (s *PostgresStore) QueryCommandLogs(ctx context.Context, q CommandLogQuery) ([]CommandLog, int, error) {
	where, args := commandLogFilter(postgresDialect, q)

	var total int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM command_logs `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count command logs: %w", err)
	}

	page, args := commandLogPage(postgresDialect, q, args)
	rows, err := s.pool.Query(ctx,
		`SELECT `+commandLogColumns+` FROM command_logs `+where+` `+page, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query command logs: %w", err)
	}
	defer rows.Close()

	logs := []CommandLog{}
	for rows.Next() {
		var l CommandLog
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Date, &l.Time, &l.User, &l.Directory, &l.Command, &l.RawLine); err != nil {
			return nil, 0, fmt.Errorf("scan command log: %w", err)
		}
		l.Timestamp = l.Timestamp.UTC()
		logs = append(logs, l)
	}
	return logs, total, rows.Err()
}

// CommandLogFilterOptions returns the distinct non-empty users and
// directories.
func (s *PostgresStore) CommandLogFilterOptions(ctx context.Context) (*CommandLogFilterOptions, error) {
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

func (s *PostgresStore) distinct(ctx context.Context, col string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT `+col+` FROM command_logs WHERE `+col+` <> '' ORDER BY `+col)
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", col, err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("distinct %s: %w", col, err)
	}
	if out == nil {
		out = []string{}
	}
	return out, nil
}

// --- internal helpers ---

func scanPgChange(s scanner) (*FileChange, error) {
	var (
		c         FileChange
		eventType string
		movedFrom *string
	)
	err := s.Scan(
		&c.ID, &c.FolderID, &c.Timestamp, &c.Date, &eventType,
		&c.FilePath, &c.Directory, &c.FileName, &c.FileExtension,
		&c.SizeBytes, &c.IsDirectory, &movedFrom,
		&c.ContentBefore, &c.ContentAfter, &c.ContentHash,
	)
	if err != nil {
		return nil, err
	}
	c.Timestamp = c.Timestamp.UTC()
	c.EventType = EventType(eventType)
	c.MovedFrom = derefStr(movedFrom)
	return &c, nil
}

func scanPgFolder(s scanner) (*WatchFolder, error) {
	var f WatchFolder
	if err := s.Scan(&f.ID, &f.Path, &f.IsActive, &f.FilePatterns, &f.Recursive, &f.CreatedAt); err != nil {
		return nil, err
	}
	if f.FilePatterns == nil {
		f.FilePatterns = []string{}
	}
	f.CreatedAt = f.CreatedAt.UTC()
	return &f, nil
}

func pgNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}
