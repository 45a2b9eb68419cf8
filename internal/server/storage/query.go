package storage

import (
	"fmt"
	"strings"
	"time"
)

// changeColumns is the projection shared by every file_changes read. Both
// scanChange implementations depend on this exact order.
const changeColumns = `id, folder_id, ts, date, event_type, file_path, directory,
	file_name, file_extension, size_bytes, is_directory, moved_from,
	content_before, content_after, content_hash`

// dialect abstracts the differences between the backends that matter to
// query building.
type dialect struct {
	placeholder func(n int) string
	timeArg     func(t time.Time) any
	// contains returns a condition format, with one %s for the placeholder,
	// that holds when col contains the bound string.
	contains func(col string) string
}

// changeFilter renders the WHERE clause for q and returns it with its bind
// arguments. The returned clause is empty when q applies no filter.
func changeFilter(d dialect, q ChangeQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, d.placeholder(len(args))))
	}
	if !q.From.IsZero() {
		add("ts >= %s", d.timeArg(q.From))
	}
	if !q.To.IsZero() {
		add("ts < %s", d.timeArg(q.To))
	}
	if q.EventType != "" {
		add("event_type = %s", string(q.EventType))
	}
	if q.FileExtension != "" {
		add("file_extension = %s", normalizeExt(q.FileExtension))
	}
	if q.FolderID != 0 {
		add("folder_id = %s", q.FolderID)
	}
	if q.Path != "" {
		add("file_path = %s", q.Path)
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

// changePage renders ORDER BY / LIMIT / OFFSET, appending the pagination
// arguments to args.
func changePage(d dialect, q ChangeQuery, args []any) (string, []any) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	dir := "DESC"
	if q.Ascending {
		dir = "ASC"
	}
	args = append(args, limit, q.Offset)
	return fmt.Sprintf("ORDER BY ts %s, id %s LIMIT %s OFFSET %s",
		dir, dir, d.placeholder(len(args)-1), d.placeholder(len(args))), args
}

// commandLogColumns is the projection shared by every command_logs read.
const commandLogColumns = `id, ts, date, time_of_day, username, directory, command, raw_line`

func commandLogFilter(d dialect, q CommandLogQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, d.placeholder(len(args))))
	}
	if !q.From.IsZero() {
		add("ts >= %s", d.timeArg(q.From))
	}
	if !q.To.IsZero() {
		add("ts < %s", d.timeArg(q.To))
	}
	if q.User != "" {
		add("username = %s", q.User)
	}
	if q.Directory != "" {
		add(d.contains("directory"), q.Directory)
	}
	if q.Search != "" {
		add(d.contains("command"), q.Search)
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func commandLogPage(d dialect, q CommandLogQuery, args []any) (string, []any) {
	return changePage(d, ChangeQuery{Ascending: q.Ascending, Limit: q.Limit, Offset: q.Offset}, args)
}

// prepareCommandLog fills the derived fields of l before insertion.
func prepareCommandLog(l *CommandLog) error {
	if l.Timestamp.IsZero() {
		return fmt.Errorf("command log %q: %w", l.Command, ErrMissingTimestamp)
	}
	if l.Date == "" {
		l.Date = l.Timestamp.Format(DateLayout)
	}
	if l.Time == "" {
		l.Time = l.Timestamp.Format(TimeLayout)
	}
	return nil
}

// normalizeExt accepts "py" and ".py" alike.
func normalizeExt(ext string) string {
	if strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}

// scanner is satisfied by *sql.Row, *sql.Rows, pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// nullableStr converts an empty string to a nil pointer, which both drivers
// store as SQL NULL.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
