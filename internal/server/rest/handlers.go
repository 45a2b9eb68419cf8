package rest

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tracer/backend/internal/server/storage"
	"github.com/tracer/backend/internal/watcher"
)

const (
	maxQueryLimit = 1000
	// dayPageSize is the page size used to drain a whole day of changes.
	dayPageSize = 500
)

// Server holds the dependencies needed by the REST handlers.
type Server struct {
	folders Folders
	changes Changes
	logs    CommandLogs
	watches Watches
	logger  *slog.Logger
}

// NewServer creates a new Server.
func NewServer(folders Folders, changes Changes, logs CommandLogs, watches Watches, logger *slog.Logger) *Server {
	return &Server{folders: folders, changes: changes, logs: logs, watches: watches, logger: logger}
}

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an HTTP error response with a JSON body containing an
// "error" field.
func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSONError(w, code, msg)
}

// writeFolderError maps FolderService errors onto status codes. Unexpected
// errors are logged and reported as 500 without detail.
func (s *Server) writeFolderError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, watcher.ErrPathNotFound):
		writeError(w, http.StatusNotFound, "path does not exist")
	case errors.Is(err, watcher.ErrNotDirectory):
		writeError(w, http.StatusBadRequest, "path must be a directory")
	case errors.Is(err, watcher.ErrAlreadyWatched):
		writeError(w, http.StatusConflict, "path is already being watched")
	case errors.Is(err, watcher.ErrFolderNotFound):
		writeError(w, http.StatusNotFound, "folder not found")
	default:
		s.logger.Error("folder request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// idParam parses the {id} URL parameter. It writes a 400 and returns false
// when the value is not a positive integer.
func idParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "'id' must be a positive integer")
		return 0, false
	}
	return id, true
}

// handleHealthz responds to GET /healthz. It requires no authentication.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"active_watches": s.watches.Len(),
	})
}

// ---- folders ----------------------------------------------------------------

// handleAddFolder responds to POST /api/folders/add.
//
// Query parameters:
//
//	path           – directory to watch (required)
//	file_patterns  – comma-separated include patterns (optional)
//	recursive      – watch subdirectories (default true)
func (s *Server) handleAddFolder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	path := q.Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "query parameter 'path' is required")
		return
	}

	recursive := true
	if v := q.Get("recursive"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'recursive' must be a boolean")
			return
		}
		recursive = b
	}

	folder, err := s.folders.AddFolder(r.Context(), path, watcher.ParsePatterns(q.Get("file_patterns")), recursive)
	if err != nil {
		s.writeFolderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Folder added to watch list",
		"folder":  folder,
	})
}

// handleListFolders responds to GET /api/folders.
func (s *Server) handleListFolders(w http.ResponseWriter, r *http.Request) {
	folders, err := s.folders.ListFolders(r.Context())
	if err != nil {
		s.writeFolderError(w, r, err)
		return
	}
	if folders == nil {
		folders = []storage.WatchFolder{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(folders),
		"folders": folders,
	})
}

// handleGetFolder responds to GET /api/folders/{id}.
func (s *Server) handleGetFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	folder, err := s.folders.GetFolder(r.Context(), id)
	if err != nil {
		s.writeFolderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, folder)
}

// handleUpdateFolder responds to PATCH /api/folders/{id}. The body is a JSON
// object with optional "file_patterns" and "recursive" fields.
func (s *Server) handleUpdateFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}

	var u watcher.FolderUpdate
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON object with optional file_patterns and recursive")
		return
	}

	folder, err := s.folders.UpdateFolder(r.Context(), id, u)
	if err != nil {
		s.writeFolderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Folder updated",
		"folder":  folder,
	})
}

// handleDeleteFolder responds to DELETE /api/folders/{id}.
func (s *Server) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	if err := s.folders.RemoveFolder(r.Context(), id); err != nil {
		s.writeFolderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Folder removed from watch list"})
}

// handleToggleFolder responds to POST /api/folders/{id}/toggle.
func (s *Server) handleToggleFolder(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	folder, err := s.folders.ToggleFolder(r.Context(), id)
	if err != nil {
		s.writeFolderError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   "Folder status updated",
		"is_active": folder.IsActive,
	})
}

// handleWatchers responds to GET /api/watchers with the live watch set.
func (s *Server) handleWatchers(w http.ResponseWriter, r *http.Request) {
	ids := s.watches.WatchedIDs()
	if ids == nil {
		ids = []int64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"active":     len(ids),
		"folder_ids": ids,
	})
}

// ---- changes ----------------------------------------------------------------

// handleListChanges responds to GET /api/changes.
//
// Supported query parameters:
//
//	start_date      – YYYY-MM-DD, inclusive (optional)
//	end_date        – YYYY-MM-DD, inclusive (optional)
//	event_type      – created, modified, deleted or moved (optional)
//	file_extension  – with or without the leading dot (optional)
//	folder_id       – owning folder (optional)
//	path            – exact file path (optional)
//	limit           – 1..1000, default 100
//	offset          – default 0
//
// Results are ordered newest first.
func (s *Server) handleListChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cq := storage.ChangeQuery{Limit: storage.DefaultQueryLimit}

	if v := q.Get("start_date"); v != "" {
		d, err := time.Parse(storage.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'start_date' must be YYYY-MM-DD")
			return
		}
		cq.From = d
	}
	if v := q.Get("end_date"); v != "" {
		d, err := time.Parse(storage.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'end_date' must be YYYY-MM-DD")
			return
		}
		cq.To = d.AddDate(0, 0, 1)
	}
	if !cq.From.IsZero() && !cq.To.IsZero() && !cq.To.After(cq.From) {
		writeError(w, http.StatusBadRequest, "'end_date' must not be before 'start_date'")
		return
	}

	if v := q.Get("event_type"); v != "" {
		et := storage.EventType(v)
		if !et.Valid() {
			writeError(w, http.StatusBadRequest, "'event_type' must be one of created, modified, deleted, moved")
			return
		}
		cq.EventType = et
	}
	cq.FileExtension = q.Get("file_extension")
	cq.Path = q.Get("path")

	if v := q.Get("folder_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			writeError(w, http.StatusBadRequest, "'folder_id' must be a positive integer")
			return
		}
		cq.FolderID = id
	}

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxQueryLimit {
			writeError(w, http.StatusBadRequest, "'limit' must be an integer between 1 and 1000")
			return
		}
		cq.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		cq.Offset = offset
	}

	changes, total, err := s.changes.QueryChanges(r.Context(), cq)
	if err != nil {
		s.logger.Error("query changes failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query changes")
		return
	}
	if changes == nil {
		changes = []storage.FileChange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   total,
		"limit":   cq.Limit,
		"offset":  cq.Offset,
		"changes": changes,
	})
}

// handleGetChange responds to GET /api/changes/{id}.
func (s *Server) handleGetChange(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	c, err := s.changes.GetChange(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "change not found")
		return
	}
	if err != nil {
		s.logger.Error("get change failed", slog.Int64("id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to get change")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// handleChangesForDate responds to GET /api/changes/date/{date} with every
// change recorded on that UTC day, oldest first.
func (s *Server) handleChangesForDate(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	day, err := time.Parse(storage.DateLayout, date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format, use YYYY-MM-DD")
		return
	}

	cq := storage.ChangeQuery{
		From:      day,
		To:        day.AddDate(0, 0, 1),
		Ascending: true,
		Limit:     dayPageSize,
	}
	all := []storage.FileChange{}
	for {
		page, total, err := s.changes.QueryChanges(r.Context(), cq)
		if err != nil {
			s.logger.Error("query changes for date failed", slog.String("date", date), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "failed to query changes")
			return
		}
		all = append(all, page...)
		if len(page) < cq.Limit || len(all) >= total {
			break
		}
		cq.Offset += len(page)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"date":    date,
		"count":   len(all),
		"changes": all,
	})
}
