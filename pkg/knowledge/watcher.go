package knowledge

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher keeps the knowledge base in sync with a notes directory. Change
// bursts (editor save storms, git checkouts) are debounced into a single
// rescan.
type Watcher struct {
	watcher  *fsnotify.Watcher
	importer *Importer
	dir      string
	logger   zerolog.Logger
	debounce time.Duration
	timer    *time.Timer
	stopCh   chan struct{}
}

// NewWatcher starts watching dir and rescanning it through importer.
func NewWatcher(importer *Importer, dir string, logger zerolog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		watcher:  fsw,
		importer: importer,
		dir:      dir,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		stopCh:   make(chan struct{}),
	}

	// fsnotify watches are not recursive; register every subdirectory so
	// notes in nested folders are picked up, matching the recursive scan.
	if err := w.addTree(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	go w.run()

	logger.Info().Str("dir", dir).Msg("Notes watcher started")
	return w, nil
}

// addTree registers root and all non-hidden directories below it.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.stopCh)
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			// A directory created under the root must be watched too, and
			// may already contain notes that never fire their own events.
			if event.Has(fsnotify.Create) && w.watchNewDir(event.Name) {
				w.scheduleRescan()
				continue
			}

			if !strings.HasSuffix(strings.ToLower(event.Name), ".md") {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Debug().
					Str("file", filepath.Base(event.Name)).
					Str("op", event.Op.String()).
					Msg("Note change detected")

				w.scheduleRescan()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Notes watcher error")

		case <-w.stopCh:
			if w.timer != nil {
				w.timer.Stop()
			}
			return
		}
	}
}

// watchNewDir adds path to the watch set when it is a non-hidden directory.
// Reports whether it registered anything.
func (w *Watcher) watchNewDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	if err := w.addTree(path); err != nil {
		w.logger.Warn().Err(err).Str("dir", path).Msg("Failed to watch new notes directory")
		return false
	}
	w.logger.Debug().Str("dir", path).Msg("Watching new notes directory")
	return true
}

// scheduleRescan debounces bursts of change events into one directory scan.
func (w *Watcher) scheduleRescan() {
	if w.timer != nil {
		w.timer.Stop()
	}

	w.timer = time.AfterFunc(w.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := w.importer.ScanDir(ctx, w.dir); err != nil {
			w.logger.Error().Err(err).Msg("Notes rescan failed")
		}
		w.pruneMissing(ctx)
	})
}

// pruneMissing deactivates entries whose source files no longer exist.
func (w *Watcher) pruneMissing(ctx context.Context) {
	entries, err := w.importer.manager.List(ctx, true)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to list entries for pruning")
		return
	}

	for _, entry := range entries {
		if entry.SourcePath == "" {
			continue
		}
		if !strings.HasPrefix(entry.SourcePath, w.dir) {
			continue
		}
		if _, err := filepath.Rel(w.dir, entry.SourcePath); err != nil {
			continue
		}
		if fileExists(entry.SourcePath) {
			continue
		}
		if err := w.importer.RemoveFile(ctx, entry.SourcePath); err != nil {
			w.logger.Warn().Err(err).Str("path", entry.SourcePath).Msg("Failed to deactivate removed note")
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
