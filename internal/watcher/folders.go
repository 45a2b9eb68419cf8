package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tracer/backend/internal/server/storage"
)

// Validation errors returned by FolderService. The REST layer maps them to
// status codes.
var (
	ErrPathNotFound   = errors.New("folder path does not exist")
	ErrNotDirectory   = errors.New("folder path is not a directory")
	ErrAlreadyWatched = errors.New("folder is already being watched")
	ErrFolderNotFound = errors.New("watch folder not found")
)

// FolderStore is the folder persistence FolderService needs.
type FolderStore interface {
	FolderSource
	CreateFolder(ctx context.Context, f *storage.WatchFolder) error
	GetFolderByPath(ctx context.Context, path string) (*storage.WatchFolder, error)
	ListFolders(ctx context.Context) ([]storage.WatchFolder, error)
	UpdateFolder(ctx context.Context, f storage.WatchFolder) error
	DeleteFolder(ctx context.Context, id int64) error
}

// FolderUpdate carries the editable folder settings. Nil fields are left
// unchanged.
type FolderUpdate struct {
	FilePatterns *[]string `json:"file_patterns,omitempty"`
	Recursive    *bool     `json:"recursive,omitempty"`
}

// FolderService is the folder lifecycle exposed to the API: every mutation
// is persisted first and then reflected in the Registry.
type FolderService struct {
	store  FolderStore
	reg    *Registry
	logger *slog.Logger

	// mu serializes mutations so a folder's stored row and its handle are
	// always changed together.
	mu sync.Mutex
}

// NewFolderService returns a FolderService over store and reg.
func NewFolderService(store FolderStore, reg *Registry, logger *slog.Logger) *FolderService {
	return &FolderService{store: store, reg: reg, logger: logger}
}

// AddFolder registers path for watching and starts its handle.
//
// The path is made absolute. It must exist, be a directory, and not already
// be registered. If the handle fails to start, the failure is logged and the
// folder stays persisted and active so startup recovery retries it.
func (s *FolderService) AddFolder(ctx context.Context, path string, patterns []string, recursive bool) (*storage.WatchFolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", path, err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", abs, ErrPathNotFound)
		}
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("%s: %w", abs, ErrNotDirectory)
	}

	switch _, err := s.store.GetFolderByPath(ctx, abs); {
	case err == nil:
		return nil, fmt.Errorf("%s: %w", abs, ErrAlreadyWatched)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("look up folder %s: %w", abs, err)
	}

	f := &storage.WatchFolder{
		Path:         abs,
		IsActive:     true,
		FilePatterns: NormalizePatterns(patterns),
		Recursive:    recursive,
	}
	if err := s.store.CreateFolder(ctx, f); err != nil {
		if errors.Is(err, storage.ErrDuplicatePath) {
			return nil, fmt.Errorf("%s: %w", abs, ErrAlreadyWatched)
		}
		return nil, fmt.Errorf("create folder: %w", err)
	}

	if err := s.reg.StartWatching(*f); err != nil {
		s.logger.Error("folders: added folder failed to start",
			slog.Int64("folder_id", f.ID),
			slog.String("path", f.Path),
			slog.Any("error", err))
	}
	s.logger.Info("folders: folder added",
		slog.Int64("folder_id", f.ID),
		slog.String("path", f.Path),
		slog.Any("patterns", f.FilePatterns),
		slog.Bool("recursive", f.Recursive))
	return f, nil
}

// RemoveFolder deletes the folder and then stops its handle, so nothing can
// restart a watch for a folder that no longer exists. The folder's change
// history is kept.
func (s *FolderService) RemoveFolder(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.DeleteFolder(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("folder %d: %w", id, ErrFolderNotFound)
		}
		return fmt.Errorf("delete folder %d: %w", id, err)
	}
	s.reg.StopWatching(id)
	s.logger.Info("folders: folder removed", slog.Int64("folder_id", id))
	return nil
}

// ToggleFolder flips is_active and starts or stops the handle to match.
func (s *FolderService) ToggleFolder(ctx context.Context, id int64) (*storage.WatchFolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.GetFolder(ctx, id)
	if err != nil {
		return nil, err
	}
	f.IsActive = !f.IsActive
	if err := s.save(ctx, *f); err != nil {
		return nil, err
	}

	if f.IsActive {
		s.restart(ctx, id)
	} else {
		s.reg.StopWatching(id)
	}
	s.logger.Info("folders: folder toggled",
		slog.Int64("folder_id", id),
		slog.Bool("is_active", f.IsActive))
	return f, nil
}

// UpdateFolder applies u and, for an active folder, restarts its handle so
// the new settings take effect.
func (s *FolderService) UpdateFolder(ctx context.Context, id int64, u FolderUpdate) (*storage.WatchFolder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := s.GetFolder(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.FilePatterns != nil {
		f.FilePatterns = NormalizePatterns(*u.FilePatterns)
	}
	if u.Recursive != nil {
		f.Recursive = *u.Recursive
	}
	if err := s.save(ctx, *f); err != nil {
		return nil, err
	}
	if f.IsActive {
		s.restart(ctx, id)
	}
	return f, nil
}

// GetFolder returns the folder or ErrFolderNotFound.
func (s *FolderService) GetFolder(ctx context.Context, id int64) (*storage.WatchFolder, error) {
	f, err := s.store.GetFolder(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("folder %d: %w", id, ErrFolderNotFound)
		}
		return nil, fmt.Errorf("get folder %d: %w", id, err)
	}
	return f, nil
}

// ListFolders returns every registered folder.
func (s *FolderService) ListFolders(ctx context.Context) ([]storage.WatchFolder, error) {
	folders, err := s.store.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	return folders, nil
}

func (s *FolderService) save(ctx context.Context, f storage.WatchFolder) error {
	if err := s.store.UpdateFolder(ctx, f); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("folder %d: %w", f.ID, ErrFolderNotFound)
		}
		return fmt.Errorf("update folder %d: %w", f.ID, err)
	}
	return nil
}

// restart logs rather than returns a start failure: the persisted state is
// already correct and startup recovery will retry.
func (s *FolderService) restart(ctx context.Context, id int64) {
	if err := s.reg.RestartFolder(ctx, id); err != nil {
		s.logger.Error("folders: restart failed",
			slog.Int64("folder_id", id),
			slog.Any("error", err))
	}
}
