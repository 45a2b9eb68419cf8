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
)

// maxIngestBody caps one POST /api/logs request.
const maxIngestBody = 8 << 20

// handleIngestLogs responds to POST /api/logs. The body is a JSON array of
// already-parsed command records; each needs a timestamp and a command. A
// missing user is stored as "unknown". Records already stored are skipped.
func (s *Server) handleIngestLogs(w http.ResponseWriter, r *http.Request) {
	var logs []storage.CommandLog
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIngestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&logs); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of command log records")
		return
	}
	for i := range logs {
		l := &logs[i]
		if l.Timestamp.IsZero() || l.Command == "" {
			writeError(w, http.StatusBadRequest, "record "+strconv.Itoa(i)+": 'timestamp' and 'command' are required")
			return
		}
		if l.User == "" {
			l.User = "unknown"
		}
		l.ID = 0
	}

	inserted, err := s.logs.InsertCommandLogs(r.Context(), logs)
	if err != nil {
		if errors.Is(err, storage.ErrMissingTimestamp) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("insert command logs failed", slog.Int("records", len(logs)), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to store command logs")
		return
	}
	s.logger.Info("command logs ingested",
		slog.Int("received", len(logs)),
		slog.Int("inserted", inserted))
	writeJSON(w, http.StatusOK, map[string]any{
		"received": len(logs),
		"inserted": inserted,
	})
}

// handleListLogs responds to GET /api/logs.
//
//	start_date, end_date – inclusive YYYY-MM-DD bounds
//	user                 – exact user name
//	directory            – substring of the working directory
//	search               – substring of the command
//	limit, offset        – pagination (limit 1..1000, default 100)
func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lq := storage.CommandLogQuery{Limit: storage.DefaultQueryLimit}

	if v := q.Get("start_date"); v != "" {
		d, err := time.Parse(storage.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'start_date' must be YYYY-MM-DD")
			return
		}
		lq.From = d
	}
	if v := q.Get("end_date"); v != "" {
		d, err := time.Parse(storage.DateLayout, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "'end_date' must be YYYY-MM-DD")
			return
		}
		lq.To = d.AddDate(0, 0, 1)
	}
	if !lq.From.IsZero() && !lq.To.IsZero() && !lq.To.After(lq.From) {
		writeError(w, http.StatusBadRequest, "'end_date' must not be before 'start_date'")
		return
	}
	lq.User = q.Get("user")
	lq.Directory = q.Get("directory")
	lq.Search = q.Get("search")

	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > maxQueryLimit {
			writeError(w, http.StatusBadRequest, "'limit' must be an integer between 1 and 1000")
			return
		}
		lq.Limit = limit
	}
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			writeError(w, http.StatusBadRequest, "'offset' must be a non-negative integer")
			return
		}
		lq.Offset = offset
	}

	logs, total, err := s.logs.QueryCommandLogs(r.Context(), lq)
	if err != nil {
		s.logger.Error("query command logs failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to query command logs")
		return
	}
	if logs == nil {
		logs = []storage.CommandLog{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":  total,
		"limit":  lq.Limit,
		"offset": lq.Offset,
		"logs":   logs,
	})
}

// handleLogsForDate responds to GET /api/logs/date/{date} with every command
// run on that UTC day, oldest first.
func (s *Server) handleLogsForDate(w http.ResponseWriter, r *http.Request) {
	date := chi.URLParam(r, "date")
	day, err := time.Parse(storage.DateLayout, date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date format, use YYYY-MM-DD")
		return
	}

	lq := storage.CommandLogQuery{
		From:      day,
		To:        day.AddDate(0, 0, 1),
		Ascending: true,
		Limit:     dayPageSize,
	}
	all := []storage.CommandLog{}
	for {
		page, total, err := s.logs.QueryCommandLogs(r.Context(), lq)
		if err != nil {
			s.logger.Error("query command logs for date failed", slog.String("date", date), slog.Any("error", err))
			writeError(w, http.StatusInternalServerError, "failed to query command logs")
			return
		}
		all = append(all, page...)
		if len(page) < lq.Limit || len(all) >= total {
			break
		}
		lq.Offset += len(page)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"date":  date,
		"count": len(all),
		"logs":  all,
	})
}

// handleLogFilterOptions responds to GET /api/logs/filter-options.
func (s *Server) handleLogFilterOptions(w http.ResponseWriter, r *http.Request) {
	opts, err := s.logs.CommandLogFilterOptions(r.Context())
	if err != nil {
		s.logger.Error("command log filter options failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load filter options")
		return
	}
	writeJSON(w, http.StatusOK, opts)
}
