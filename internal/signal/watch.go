package signal

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"osclog/internal/logging"
)

// ReadFile reads a signals file: one entry per line, blank lines and lines
// starting with '#' ignored.
func ReadFile(path string) ([]string, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var entries []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read signals file %s: %w", path, err)
	}
	return entries, nil
}

// Watch calls apply with the file's entries every time the signals file at
// path is written or replaced. It watches the parent directory so that
// editors that save via rename are picked up. Watch blocks until ctx is
// cancelled. Read failures are logged and the previous set stays in effect.
func Watch(ctx context.Context, path string, apply func(entries []string), logger *slog.Logger) error {
	logger = logging.Default(logger).With("component", "signal-watch", "path", path)
	path = filepath.Clean(path)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create signals watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	logger.Debug("watching signals file")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					logger.Warn("signals file removed, keeping current signals")
				}
				continue
			}
			entries, err := ReadFile(path)
			if err != nil {
				logger.Warn("reload signals file failed", "error", err)
				continue
			}
			apply(entries)
			logger.Info("signals file reloaded", "entries", len(entries))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("fsnotify error", "error", err)
		}
	}
}
