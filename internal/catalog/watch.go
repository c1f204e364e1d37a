package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher could not be started.
var ErrWatcherFailed = errors.New("failed to initialize catalog watcher")

const defaultDebounce = 250 * time.Millisecond

// WatchOptions configures Watch.
type WatchOptions struct {
	Import ImportOptions

	// Debounce collapses bursts of writes into one import (default: 250ms)
	Debounce time.Duration

	// OnImport is called after every import attempt, including the first.
	OnImport func(*ImportResult, error)
}

// Watch imports the catalog at path, then re-imports it each time the file
// changes until ctx is cancelled. Import is idempotent by title, so only
// entries added since the last run create cards.
//
// The parent directory is watched rather than the file, so editors that
// save by renaming a temp file over the catalog are still seen.
func Watch(ctx context.Context, path string, svc CardService, opts WatchOptions, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving catalog path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	run := func() {
		res, err := loadAndImport(ctx, abs, svc, opts.Import, logger)
		if err != nil {
			logger.Warn("catalog import failed", zap.String("path", abs), zap.Error(err))
		}
		if opts.OnImport != nil {
			opts.OnImport(res, err)
		}
	}
	run()

	// A stopped timer with a drained channel; armed on each relevant event.
	timer := time.NewTimer(opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(opts.Debounce)
		case <-timer.C:
			logger.Info("catalog changed, re-importing", zap.String("path", abs))
			run()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("catalog watcher error", zap.Error(err))
		}
	}
}

func loadAndImport(ctx context.Context, path string, svc CardService, opts ImportOptions, logger *zap.Logger) (*ImportResult, error) {
	cat, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Import(ctx, svc, cat, opts, logger)
}
