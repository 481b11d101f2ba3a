// Package keywatch records filesystem changes to persisted key material in
// the audit log. The daemon's own writes show up too; the point is that any
// change to the key directory leaves a forensic trace.
package keywatch

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

type auditor interface {
	Append(ctx context.Context, category, action string, details map[string]string) error
}

// Watch observes dir until ctx is cancelled, appending an audit event for
// every write, removal, or rename of a key-store entry.
func Watch(ctx context.Context, dir string, audit auditor, logger *slog.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(dir); err != nil {
		return err
	}
	logger.Info("key watcher: started", slog.String("dir", dir))

	for {
		select {
		case <-ctx.Done():
			logger.Info("key watcher: stopped")
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name := filepath.Base(ev.Name)
			// Temp files from the store's atomic writes settle via rename;
			// only the final entry names matter.
			if strings.HasPrefix(name, ".heirloom-tmp-") {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("key watcher: change", slog.String("file", name), slog.String("op", ev.Op.String()))
			if err := audit.Append(ctx, "keys", "key_file_changed", map[string]string{
				"file": name,
				"op":   ev.Op.String(),
			}); err != nil {
				logger.Error("key watcher: audit append failed", slog.String("error", err.Error()))
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("key watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}
