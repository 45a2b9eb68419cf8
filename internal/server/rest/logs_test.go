package rest

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/tracer/backend/internal/server/storage"
)

// mockLogs is a test double for the CommandLogs interface.
type mockLogs struct {
	logs    []storage.CommandLog
	err     error
	queries []storage.CommandLogQuery
	options storage.CommandLogFilterOptions
}

func (m *mockLogs) InsertCommandLogs(_ context.Context, logs []storage.CommandLog) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	m.logs = append(m.logs, logs...)
	return len(logs), nil
}

func (m *mockLogs) QueryCommandLogs(_ context.Context, q storage.CommandLogQuery) ([]storage.CommandLog, int, error) {
	m.queries = append(m.queries, q)
	if m.err != nil {
		return nil, 0, m.err
	}
	start := min(q.Offset, len(m.logs))
	end := min(start+q.Limit, len(m.logs))
	return m.logs[start:end], len(m.logs), nil
}

func (m *mockLogs) CommandLogFilterOptions(_ context.Context) (*storage.CommandLogFilterOptions, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &m.options, nil
}

func TestHandleIngestLogs(t *testing.T) {
	f := newFixture(RouterOptions{})

	rec := f.do(t, http.MethodPost, "/api/logs", `[
		{"timestamp":"2025-01-15T10:30:45Z","user":"alice","directory":"~/p","command":"ls","raw_line":"2025-01-15 10:30:45 [alice] ~/p: ls"},
		{"timestamp":"2025-01-15T10:31:00Z","command":"pwd"}
	]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Received int `json:"received"`
		Inserted int `json:"inserted"`
	}
	decode(t, rec, &body)
	if body.Received != 2 || body.Inserted != 2 {
		t.Errorf("body = %+v", body)
	}
	if len(f.logs.logs) != 2 {
		t.Fatalf("stored %d records, want 2", len(f.logs.logs))
	}
	if f.logs.logs[1].User != "unknown" {
		t.Errorf("missing user stored as %q, want unknown", f.logs.logs[1].User)
	}
	if want := time.Date(2025, 1, 15, 10, 30, 45, 0, time.UTC); !f.logs.logs[0].Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", f.logs.logs[0].Timestamp, want)
	}
}

func TestHandleIngestLogs_BadRequests(t *testing.T) {
	for _, tc := range []struct{ name, body string }{
		{"not an array", `{"command":"ls"}`},
		{"unknown field", `[{"timestamp":"2025-01-15T10:30:45Z","command":"ls","cwd":"/"}]`},
		{"missing timestamp", `[{"command":"ls"}]`},
		{"missing command", `[{"timestamp":"2025-01-15T10:30:45Z"}]`},
		{"bad timestamp", `[{"timestamp":"yesterday","command":"ls"}]`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(RouterOptions{})
			rec := f.do(t, http.MethodPost, "/api/logs", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", rec.Code)
			}
			if len(f.logs.logs) != 0 {
				t.Errorf("stored %d records from a rejected request", len(f.logs.logs))
			}
		})
	}
}

func TestHandleIngestLogs_StoreFailure(t *testing.T) {
	f := newFixture(RouterOptions{})
	f.logs.err = errors.New("disk full")
	rec := f.do(t, http.MethodPost, "/api/logs", `[{"timestamp":"2025-01-15T10:30:45Z","command":"ls"}]`)
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestHandleListLogs_Filters(t *testing.T) {
	f := newFixture(RouterOptions{})
	f.logs.logs = []storage.CommandLog{{ID: 1, Command: "ls"}, {ID: 2, Command: "pwd"}}

	rec := f.do(t, http.MethodGet,
		"/api/logs?start_date=2025-01-01&end_date=2025-01-31&user=alice&directory=proj&search=git&limit=1&offset=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var body struct {
		Total  int                  `json:"total"`
		Limit  int                  `json:"limit"`
		Offset int                  `json:"offset"`
		Logs   []storage.CommandLog `json:"logs"`
	}
	decode(t, rec, &body)
	if body.Total != 2 || body.Limit != 1 || body.Offset != 1 || len(body.Logs) != 1 || body.Logs[0].ID != 2 {
		t.Errorf("body = %+v", body)
	}

	q := f.logs.queries[0]
	if !q.From.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) || !q.To.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("window = %v..%v", q.From, q.To)
	}
	if q.User != "alice" || q.Directory != "proj" || q.Search != "git" {
		t.Errorf("query = %+v", q)
	}
}

func TestHandleListLogs_EmptyIsArray(t *testing.T) {
	f := newFixture(RouterOptions{})
	rec := f.do(t, http.MethodGet, "/api/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if logs, ok := body["logs"].([]any); !ok || len(logs) != 0 {
		t.Errorf("logs = %#v, want []", body["logs"])
	}
	if f.logs.queries[0].Limit != storage.DefaultQueryLimit {
		t.Errorf("default limit = %d", f.logs.queries[0].Limit)
	}
}

func TestHandleListLogs_BadParams(t *testing.T) {
	for _, target := range []string{
		"/api/logs?start_date=01-01-2025",
		"/api/logs?end_date=2025-13-01",
		"/api/logs?start_date=2025-02-01&end_date=2025-01-01",
		"/api/logs?limit=0",
		"/api/logs?limit=1001",
		"/api/logs?offset=-1",
	} {
		f := newFixture(RouterOptions{})
		if rec := f.do(t, http.MethodGet, target, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", target, rec.Code)
		}
	}
}

func TestHandleLogsForDate_DrainsPages(t *testing.T) {
	f := newFixture(RouterOptions{})
	for i := 0; i < dayPageSize+3; i++ {
		f.logs.logs = append(f.logs.logs, storage.CommandLog{ID: int64(i + 1)})
	}

	rec := f.do(t, http.MethodGet, "/api/logs/date/2025-01-15", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Date  string               `json:"date"`
		Count int                  `json:"count"`
		Logs  []storage.CommandLog `json:"logs"`
	}
	decode(t, rec, &body)
	if body.Date != "2025-01-15" || body.Count != dayPageSize+3 || len(body.Logs) != dayPageSize+3 {
		t.Errorf("date=%s count=%d len=%d", body.Date, body.Count, len(body.Logs))
	}
	q := f.logs.queries[0]
	if !q.Ascending || !q.From.Equal(time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)) || !q.To.Equal(q.From.AddDate(0, 0, 1)) {
		t.Errorf("first query = %+v", q)
	}
	if len(f.logs.queries) != 2 {
		t.Errorf("queries = %d, want 2", len(f.logs.queries))
	}
}

func TestHandleLogsForDate_BadDate(t *testing.T) {
	f := newFixture(RouterOptions{})
	if rec := f.do(t, http.MethodGet, "/api/logs/date/15-01-2025", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestHandleLogFilterOptions(t *testing.T) {
	f := newFixture(RouterOptions{})
	f.logs.options = storage.CommandLogFilterOptions{Users: []string{"alice"}, Directories: []string{"/srv"}}

	rec := f.do(t, http.MethodGet, "/api/logs/filter-options", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body storage.CommandLogFilterOptions
	decode(t, rec, &body)
	if len(body.Users) != 1 || body.Users[0] != "alice" || len(body.Directories) != 1 || body.Directories[0] != "/srv" {
		t.Errorf("body = %+v", body)
	}

	f.logs.err = errors.New("boom")
	if rec := f.do(t, http.MethodGet, "/api/logs/filter-options", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}
