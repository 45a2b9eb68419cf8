package watcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cespare/xxhash/v2"

	"github.com/tracer/backend/internal/events"
	"github.com/tracer/backend/internal/server/storage"
)

// MaxContentBytes is the hard ceiling for content capture. Files of this size
// or larger are recorded with their size only.
const MaxContentBytes = 1 << 20

// lockStripes is the number of per-path mutexes serializing the
// lookup-then-insert pair of modified events.
const lockStripes = 64

var (
	errContentTooLarge = errors.New("content exceeds capture ceiling")
	errNotText         = errors.New("content is not valid UTF-8")
)

// ChangeStore is the subset of storage the Recorder needs.
type ChangeStore interface {
	InsertChange(ctx context.Context, c *storage.FileChange) error
	LatestChangeByPath(ctx context.Context, path string) (*storage.FileChange, error)
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithBus publishes events.ChangeRecorded and events.ChangeFailed on bus.
func WithBus(bus events.Bus) RecorderOption {
	return func(r *Recorder) { r.bus = bus }
}

// WithSkipUnchanged drops modified events whose content hash equals that of
// the previous record for the same path.
func WithSkipUnchanged(skip bool) RecorderOption {
	return func(r *Recorder) { r.skipUnchanged = skip }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// Recorder converts Events into persisted FileChange rows. It is safe for
// concurrent use by any number of handles.
type Recorder struct {
	store         ChangeStore
	logger        *slog.Logger
	bus           events.Bus
	now           func() time.Time
	skipUnchanged bool

	stripes [lockStripes]sync.Mutex
}

// NewRecorder returns a Recorder writing to store.
func NewRecorder(store ChangeStore, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record builds the change row for ev and inserts it. The row is committed
// when Record returns.
//
// Content capture failures leave the content fields empty and are logged at
// debug level. Persistence failures are returned. With skip-unchanged enabled,
// a modified event identical to the previous record returns (nil, nil).
func (r *Recorder) Record(ctx context.Context, folderID int64, ev Event) (*storage.FileChange, error) {
	c := &storage.FileChange{
		FolderID:      folderID,
		EventType:     ev.Type,
		FilePath:      ev.Path,
		Directory:     filepath.Dir(ev.Path),
		FileName:      filepath.Base(ev.Path),
		FileExtension: filepath.Ext(ev.Path),
		IsDirectory:   ev.IsDirectory,
	}
	if ev.Type == storage.EventMoved {
		c.MovedFrom = ev.MovedFrom
	}
	if !ev.IsDirectory {
		r.capture(c)
	}

	mu := &r.stripes[xxhash.Sum64String(ev.Path)%lockStripes]
	mu.Lock()
	defer mu.Unlock()

	if ev.Type == storage.EventModified {
		prev, err := r.store.LatestChangeByPath(ctx, ev.Path)
		switch {
		case err == nil:
			if prev.ContentAfter != nil {
				before := *prev.ContentAfter
				c.ContentBefore = &before
			}
			if r.skipUnchanged && c.ContentHash != "" && c.ContentHash == prev.ContentHash {
				r.logger.Debug("recorder: content unchanged, skipping",
					slog.Int64("folder_id", folderID),
					slog.String("path", ev.Path))
				return nil, nil
			}
		case errors.Is(err, storage.ErrNotFound):
		default:
			r.logger.Warn("recorder: previous version lookup failed",
				slog.String("path", ev.Path),
				slog.Any("error", err))
		}
	}

	now := r.now().UTC()
	c.Timestamp = now
	c.Date = now.Format(storage.DateLayout)

	if err := r.store.InsertChange(ctx, c); err != nil {
		if r.bus != nil {
			r.bus.Publish(events.ChangeFailed, folderID, string(ev.Type))
		}
		return nil, fmt.Errorf("record %s %s: %w", ev.Type, ev.Path, err)
	}
	if r.bus != nil {
		r.bus.Publish(events.ChangeRecorded, *c)
	}
	return c, nil
}

// capture fills SizeBytes for regular files and, for modified events under
// the ceiling, ContentAfter and ContentHash.
func (r *Recorder) capture(c *storage.FileChange) {
	fi, err := os.Stat(c.FilePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Debug("recorder: stat failed",
				slog.String("path", c.FilePath),
				slog.Any("error", err))
		}
		return
	}
	if !fi.Mode().IsRegular() {
		return
	}
	size := fi.Size()
	c.SizeBytes = &size

	if c.EventType != storage.EventModified || size >= MaxContentBytes {
		return
	}
	content, err := readText(c.FilePath)
	if err != nil {
		r.logger.Debug("recorder: content capture skipped",
			slog.String("path", c.FilePath),
			slog.Any("error", err))
		return
	}
	c.ContentAfter = &content
	c.ContentHash = contentHash(content)
}

// readText reads at most MaxContentBytes from path. A file that has grown to
// the ceiling since it was stat'ed is rejected rather than truncated.
func readText(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	b, err := io.ReadAll(io.LimitReader(f, MaxContentBytes))
	if err != nil {
		return "", err
	}
	if len(b) >= MaxContentBytes {
		return "", errContentTooLarge
	}
	if !utf8.Valid(b) {
		return "", errNotText
	}
	return string(b), nil
}

func contentHash(s string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(s))
}
