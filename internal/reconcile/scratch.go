package reconcile

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"stemdeck/internal/fileutil"
	"stemdeck/internal/logging"
)

// CleanResult lists scratch paths removed by a sweep.
type CleanResult struct {
	Removed []string       `json:"removed,omitempty"`
	Errors  []CleanupError `json:"errors,omitempty"`
}

// CleanupError pairs a path with its cleanup error.
type CleanupError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// CleanScratch removes interrupted work under dir: per-job work directories
// below a ".work" directory and partial download files ending in ".part".
// Finished artifacts are left alone.
func CleanScratch(ctx context.Context, dir string, logger *slog.Logger) CleanResult {
	result := CleanResult{}
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return result
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dir {
				return filepath.SkipAll
			}
			result.Errors = append(result.Errors, CleanupError{Path: path, Error: err.Error()})
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch {
		case d.IsDir() && d.Name() == ".work" && path != dir:
			remove(&result, path, logger)
			return filepath.SkipDir
		case !d.IsDir() && strings.HasSuffix(d.Name(), fileutil.PartSuffix):
			remove(&result, path, logger)
		}
		return nil
	})
	if err != nil && ctx.Err() == nil {
		result.Errors = append(result.Errors, CleanupError{Path: dir, Error: err.Error()})
	}
	return result
}

func remove(result *CleanResult, path string, logger *slog.Logger) {
	if err := os.RemoveAll(path); err != nil {
		result.Errors = append(result.Errors, CleanupError{Path: path, Error: err.Error()})
		logging.WarnWithContext(logger, "failed to remove scratch path", "scratch_cleanup_failed",
			logging.String("path", path),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check data directory permissions"),
			logging.String(logging.FieldImpact, "disk space not reclaimed"),
		)
		return
	}
	result.Removed = append(result.Removed, path)
	logger.Info("removed interrupted scratch data",
		logging.String("path", path),
		logging.String(logging.FieldEventType, "scratch_cleanup"),
	)
}
