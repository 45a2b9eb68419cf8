package storage_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tracer/backend/internal/server/storage"
)

// runBackendTests exercises the Backend contract. Both the SQLite tests and
// the PostgreSQL integration tests call it with their own constructor.
func runBackendTests(t *testing.T, open func(t *testing.T) storage.Backend) {
	t.Run("FolderLifecycle", func(t *testing.T) { testFolderLifecycle(t, open(t)) })
	t.Run("DuplicatePath", func(t *testing.T) { testDuplicatePath(t, open(t)) })
	t.Run("MissingRows", func(t *testing.T) { testMissingRows(t, open(t)) })
	t.Run("LatestChangeByPath", func(t *testing.T) { testLatestChangeByPath(t, open(t)) })
	t.Run("QueryChanges", func(t *testing.T) { testQueryChanges(t, open(t)) })
	t.Run("ChangeRoundTrip", func(t *testing.T) { testChangeRoundTrip(t, open(t)) })
	t.Run("CommandLogs", func(t *testing.T) { testCommandLogs(t, open(t)) })
	t.Run("CommandLogFilterOptions", func(t *testing.T) { testCommandLogFilterOptions(t, open(t)) })
}

func ptr[T any](v T) *T { return &v }

func mustInsert(t *testing.T, b storage.Backend, c storage.FileChange) storage.FileChange {
	t.Helper()
	if c.Date == "" {
		c.Date = c.Timestamp.UTC().Format(storage.DateLayout)
	}
	if err := b.InsertChange(context.Background(), &c); err != nil {
		t.Fatalf("InsertChange(%s): %v", c.FilePath, err)
	}
	if c.ID == 0 {
		t.Fatalf("InsertChange(%s): id not assigned", c.FilePath)
	}
	return c
}

func testFolderLifecycle(t *testing.T, b storage.Backend) {
	ctx := context.Background()

	f := &storage.WatchFolder{
		Path:         "/tmp/watch",
		IsActive:     true,
		FilePatterns: []string{"*.py", "notes"},
		Recursive:    true,
	}
	if err := b.CreateFolder(ctx, f); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	if f.ID == 0 || f.CreatedAt.IsZero() {
		t.Fatalf("CreateFolder did not populate id/created_at: %+v", f)
	}

	got, err := b.GetFolder(ctx, f.ID)
	if err != nil {
		t.Fatalf("GetFolder: %v", err)
	}
	if got.Path != f.Path || !got.IsActive || !got.Recursive {
		t.Errorf("GetFolder = %+v, want %+v", got, f)
	}
	if len(got.FilePatterns) != 2 || got.FilePatterns[0] != "*.py" || got.FilePatterns[1] != "notes" {
		t.Errorf("FilePatterns = %q, want [*.py notes]", got.FilePatterns)
	}

	byPath, err := b.GetFolderByPath(ctx, "/tmp/watch")
	if err != nil || byPath.ID != f.ID {
		t.Fatalf("GetFolderByPath = %+v, %v; want id %d", byPath, err, f.ID)
	}

	second := &storage.WatchFolder{Path: "/tmp/other", IsActive: true}
	if err := b.CreateFolder(ctx, second); err != nil {
		t.Fatalf("CreateFolder second: %v", err)
	}

	got.IsActive = false
	got.FilePatterns = nil
	got.Recursive = false
	if err := b.UpdateFolder(ctx, *got); err != nil {
		t.Fatalf("UpdateFolder: %v", err)
	}

	active, err := b.ListActiveFolders(ctx)
	if err != nil {
		t.Fatalf("ListActiveFolders: %v", err)
	}
	if len(active) != 1 || active[0].ID != second.ID {
		t.Errorf("ListActiveFolders = %+v, want only folder %d", active, second.ID)
	}

	all, err := b.ListFolders(ctx)
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if len(all) != 2 || all[0].ID != f.ID {
		t.Fatalf("ListFolders = %+v, want two folders ordered by id", all)
	}
	if all[0].IsActive || all[0].Recursive || len(all[0].FilePatterns) != 0 {
		t.Errorf("updated folder = %+v, want inactive, non-recursive, no patterns", all[0])
	}

	if err := b.DeleteFolder(ctx, f.ID); err != nil {
		t.Fatalf("DeleteFolder: %v", err)
	}
	if _, err := b.GetFolder(ctx, f.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetFolder after delete: err = %v, want ErrNotFound", err)
	}
}

func testDuplicatePath(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	if err := b.CreateFolder(ctx, &storage.WatchFolder{Path: "/srv/a", IsActive: true}); err != nil {
		t.Fatalf("CreateFolder: %v", err)
	}
	err := b.CreateFolder(ctx, &storage.WatchFolder{Path: "/srv/a", IsActive: true})
	if !errors.Is(err, storage.ErrDuplicatePath) {
		t.Fatalf("second CreateFolder: err = %v, want ErrDuplicatePath", err)
	}
}

func testMissingRows(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	checks := map[string]error{}
	_, checks["GetFolder"] = b.GetFolder(ctx, 404)
	_, checks["GetFolderByPath"] = b.GetFolderByPath(ctx, "/nope")
	_, checks["GetChange"] = b.GetChange(ctx, 404)
	_, checks["LatestChangeByPath"] = b.LatestChangeByPath(ctx, "/nope")
	checks["UpdateFolder"] = b.UpdateFolder(ctx, storage.WatchFolder{ID: 404})
	checks["DeleteFolder"] = b.DeleteFolder(ctx, 404)
	for op, err := range checks {
		if !errors.Is(err, storage.ErrNotFound) {
			t.Errorf("%s: err = %v, want ErrNotFound", op, err)
		}
	}
}

func testLatestChangeByPath(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mustInsert(t, b, storage.FileChange{
		Timestamp: ts, EventType: storage.EventModified, FilePath: "/w/a.txt",
		ContentAfter: ptr("v1"),
	})
	// Same timestamp: the higher id wins.
	second := mustInsert(t, b, storage.FileChange{
		Timestamp: ts, EventType: storage.EventModified, FilePath: "/w/a.txt",
		ContentAfter: ptr("v2"),
	})
	mustInsert(t, b, storage.FileChange{
		Timestamp: ts.Add(time.Hour), EventType: storage.EventModified, FilePath: "/w/b.txt",
	})

	got, err := b.LatestChangeByPath(ctx, "/w/a.txt")
	if err != nil {
		t.Fatalf("LatestChangeByPath: %v", err)
	}
	if got.ID != second.ID || got.ContentAfter == nil || *got.ContentAfter != "v2" {
		t.Errorf("LatestChangeByPath = %+v, want id %d with v2", got, second.ID)
	}
}

func testQueryChanges(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	day1 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	mustInsert(t, b, storage.FileChange{FolderID: 1, Timestamp: day1, EventType: storage.EventCreated, FilePath: "/w/a.py", FileExtension: ".py"})
	mustInsert(t, b, storage.FileChange{FolderID: 1, Timestamp: day1.Add(time.Minute), EventType: storage.EventModified, FilePath: "/w/a.py", FileExtension: ".py"})
	mustInsert(t, b, storage.FileChange{FolderID: 2, Timestamp: day2, EventType: storage.EventCreated, FilePath: "/x/b.go", FileExtension: ".go"})
	mustInsert(t, b, storage.FileChange{FolderID: 2, Timestamp: day2.Add(time.Minute), EventType: storage.EventDeleted, FilePath: "/x/b.go", FileExtension: ".go"})

	tests := []struct {
		name      string
		q         storage.ChangeQuery
		wantTotal int
		wantFirst string
		wantLen   int
	}{
		{"all newest first", storage.ChangeQuery{}, 4, "/x/b.go", 4},
		{"one day", storage.ChangeQuery{From: day1.Truncate(24 * time.Hour), To: day2.Truncate(24 * time.Hour), Ascending: true}, 2, "/w/a.py", 2},
		{"event type", storage.ChangeQuery{EventType: storage.EventCreated}, 2, "/x/b.go", 2},
		{"extension without dot", storage.ChangeQuery{FileExtension: "py"}, 2, "/w/a.py", 2},
		{"folder", storage.ChangeQuery{FolderID: 2}, 2, "/x/b.go", 2},
		{"path", storage.ChangeQuery{Path: "/w/a.py"}, 2, "/w/a.py", 2},
		{"paged", storage.ChangeQuery{Limit: 1, Offset: 3}, 4, "/w/a.py", 1},
		{"past the end", storage.ChangeQuery{Offset: 10}, 4, "", 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, total, err := b.QueryChanges(ctx, tc.q)
			if err != nil {
				t.Fatalf("QueryChanges: %v", err)
			}
			if total != tc.wantTotal {
				t.Errorf("total = %d, want %d", total, tc.wantTotal)
			}
			if len(got) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tc.wantLen)
			}
			if tc.wantLen > 0 && got[0].FilePath != tc.wantFirst {
				t.Errorf("first = %s, want %s", got[0].FilePath, tc.wantFirst)
			}
			if got == nil {
				t.Error("QueryChanges returned nil slice, want empty")
			}
		})
	}
}

func testChangeRoundTrip(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	ts := time.Date(2024, 5, 1, 12, 30, 45, 123456000, time.UTC)

	in := mustInsert(t, b, storage.FileChange{
		FolderID:      7,
		Timestamp:     ts,
		EventType:     storage.EventMoved,
		FilePath:      "/w/new.txt",
		Directory:     "/w",
		FileName:      "new.txt",
		FileExtension: ".txt",
		SizeBytes:     ptr(int64(42)),
		MovedFrom:     "/w/old.txt",
		ContentHash:   "abc123",
	})

	got, err := b.GetChange(ctx, in.ID)
	if err != nil {
		t.Fatalf("GetChange: %v", err)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
	}
	if got.Date != "2024-05-01" || got.EventType != storage.EventMoved || got.MovedFrom != "/w/old.txt" {
		t.Errorf("GetChange = %+v", got)
	}
	if got.SizeBytes == nil || *got.SizeBytes != 42 {
		t.Errorf("SizeBytes = %v, want 42", got.SizeBytes)
	}
	if got.ContentBefore != nil || got.ContentAfter != nil {
		t.Errorf("content = %v/%v, want nil/nil", got.ContentBefore, got.ContentAfter)
	}
	if got.FolderID != 7 || got.ContentHash != "abc123" || got.IsDirectory {
		t.Errorf("GetChange = %+v", got)
	}
}

func testCommandLogs(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	day1 := time.Date(2025, 1, 15, 10, 30, 45, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	logs := []storage.CommandLog{
		{Timestamp: day1, User: "alice", Directory: "~/project", Command: "ls -la", RawLine: "2025-01-15 10:30:45 [alice] ~/project: ls -la"},
		{Timestamp: day1.Add(time.Minute), User: "alice", Directory: "~/project/api", Command: "go test ./..."},
		{Timestamp: day2, User: "bob", Directory: "/srv", Command: "git status"},
	}
	n, err := b.InsertCommandLogs(ctx, logs)
	if err != nil {
		t.Fatalf("InsertCommandLogs: %v", err)
	}
	if n != 3 {
		t.Errorf("inserted = %d, want 3", n)
	}

	// Re-ingesting the same history adds only the new record.
	again := append([]storage.CommandLog{}, logs...)
	again = append(again, storage.CommandLog{Timestamp: day2.Add(time.Hour), User: "bob", Command: "make"})
	if n, err := b.InsertCommandLogs(ctx, again); err != nil || n != 1 {
		t.Errorf("second InsertCommandLogs = %d, %v; want 1", n, err)
	}

	if _, err := b.InsertCommandLogs(ctx, []storage.CommandLog{{User: "x", Command: "y"}}); !errors.Is(err, storage.ErrMissingTimestamp) {
		t.Errorf("missing timestamp: err = %v, want ErrMissingTimestamp", err)
	}

	tests := []struct {
		name      string
		q         storage.CommandLogQuery
		wantTotal int
		wantFirst string
		wantLen   int
	}{
		{"all newest first", storage.CommandLogQuery{}, 4, "make", 4},
		{"one day", storage.CommandLogQuery{From: day1.Truncate(24 * time.Hour), To: day2.Truncate(24 * time.Hour), Ascending: true}, 2, "ls -la", 2},
		{"user", storage.CommandLogQuery{User: "bob"}, 2, "make", 2},
		{"directory substring", storage.CommandLogQuery{Directory: "project"}, 2, "go test ./...", 2},
		{"command substring", storage.CommandLogQuery{Search: "git"}, 1, "git status", 1},
		{"search is case-sensitive", storage.CommandLogQuery{Search: "GIT"}, 0, "", 0},
		{"paged", storage.CommandLogQuery{Limit: 1, Offset: 3}, 4, "ls -la", 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, total, err := b.QueryCommandLogs(ctx, tc.q)
			if err != nil {
				t.Fatalf("QueryCommandLogs: %v", err)
			}
			if total != tc.wantTotal {
				t.Errorf("total = %d, want %d", total, tc.wantTotal)
			}
			if len(got) != tc.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tc.wantLen)
			}
			if tc.wantLen > 0 && got[0].Command != tc.wantFirst {
				t.Errorf("first = %q, want %q", got[0].Command, tc.wantFirst)
			}
			if got == nil {
				t.Error("QueryCommandLogs returned nil slice, want empty")
			}
		})
	}

	got, _, err := b.QueryCommandLogs(ctx, storage.CommandLogQuery{Search: "ls -la"})
	if err != nil || len(got) != 1 {
		t.Fatalf("QueryCommandLogs = %v, %v", got, err)
	}
	first := got[0]
	if !first.Timestamp.Equal(day1) || first.Date != "2025-01-15" || first.Time != "10:30:45" {
		t.Errorf("derived fields = %v %q %q", first.Timestamp, first.Date, first.Time)
	}
	if first.ID == 0 || first.User != "alice" || first.RawLine != logs[0].RawLine {
		t.Errorf("round trip = %+v", first)
	}
}

func testCommandLogFilterOptions(t *testing.T, b storage.Backend) {
	ctx := context.Background()
	empty, err := b.CommandLogFilterOptions(ctx)
	if err != nil {
		t.Fatalf("CommandLogFilterOptions: %v", err)
	}
	if empty.Users == nil || len(empty.Users) != 0 || empty.Directories == nil || len(empty.Directories) != 0 {
		t.Errorf("empty options = %+v, want empty lists", empty)
	}

	ts := time.Date(2025, 1, 15, 8, 0, 0, 0, time.UTC)
	if _, err := b.InsertCommandLogs(ctx, []storage.CommandLog{
		{Timestamp: ts, User: "bob", Directory: "/srv", Command: "a"},
		{Timestamp: ts.Add(time.Second), User: "alice", Directory: "", Command: "b"},
		{Timestamp: ts.Add(2 * time.Second), User: "bob", Directory: "/home", Command: "c"},
	}); err != nil {
		t.Fatal(err)
	}
	opts, err := b.CommandLogFilterOptions(ctx)
	if err != nil {
		t.Fatalf("CommandLogFilterOptions: %v", err)
	}
	if len(opts.Users) != 2 || opts.Users[0] != "alice" || opts.Users[1] != "bob" {
		t.Errorf("Users = %q, want [alice bob]", opts.Users)
	}
	if len(opts.Directories) != 2 || opts.Directories[0] != "/home" || opts.Directories[1] != "/srv" {
		t.Errorf("Directories = %q, want [/home /srv]", opts.Directories)
	}
}
