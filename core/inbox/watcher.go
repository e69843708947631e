// Package inbox ingests documents dropped into a folder.
package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"flashback/core/apperr"
	"flashback/core/document"
	"flashback/core/ingest"
	"flashback/logger"
)

// Ingester is the ingestion entry point the watcher feeds.
type Ingester interface {
	Ingest(ctx context.Context, in ingest.Input) (*ingest.Result, error)
}

// Watcher moves every stable file of Dir through the ingester, then into
// Dir/processed or Dir/failed.
type Watcher struct {
	Dir      string
	Ingester Ingester
	// Settle is how long a file must go without events before it is read.
	Settle time.Duration
	// OnResult is called after each file, mainly for tests and the CLI.
	OnResult func(path string, res *ingest.Result, err error)
}

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Run blocks until ctx is done. Files already present are picked up first.
func (w *Watcher) Run(ctx context.Context) error {
	settle := w.Settle
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	for _, d := range []string{w.Dir, filepath.Join(w.Dir, processedDir), filepath.Join(w.Dir, failedDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("failed to create inbox directory %s: %w", d, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.Dir, err)
	}

	pending := make(map[string]time.Time)
	entries, err := os.ReadDir(w.Dir)
	if err != nil {
		return fmt.Errorf("failed to list inbox: %w", err)
	}
	for _, e := range entries {
		if e.Type().IsRegular() {
			pending[filepath.Join(w.Dir, e.Name())] = time.Time{}
		}
	}

	logger.Info("Watching inbox", logger.String("dir", w.Dir))

	tick := settle / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	checkTicker := time.NewTicker(tick)
	defer checkTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 && filepath.Dir(event.Name) == filepath.Clean(w.Dir) {
				pending[event.Name] = time.Now()
			}

		case <-checkTicker.C:
			now := time.Now()
			for path, last := range pending {
				if now.Sub(last) < settle {
					continue
				}
				delete(pending, path)
				w.handle(ctx, path)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Inbox watcher error", logger.ErrorField(err))
		}
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") {
		return
	}

	var res *ingest.Result
	if !document.IsSupported(name) {
		err = apperr.Invalid("file", "unsupported file type %q", filepath.Ext(name))
	} else {
		res, err = w.ingestFile(ctx, path, name)
	}

	dest := processedDir
	if err != nil {
		dest = failedDir
		logger.Warn("Inbox file rejected",
			logger.String("file", name),
			logger.String("kind", apperr.Kind(err)),
			logger.ErrorField(err))
	} else {
		logger.Info("Inbox file ingested",
			logger.String("file", name),
			logger.TaskID(res.TaskID),
			logger.Int("chapters", len(res.Chapters)))
	}
	if mvErr := moveAside(path, filepath.Join(w.Dir, dest)); mvErr != nil {
		logger.Error("Failed to move inbox file", logger.String("file", name), logger.ErrorField(mvErr))
	}
	if w.OnResult != nil {
		w.OnResult(path, res, err)
	}
}

func (w *Watcher) ingestFile(ctx context.Context, path, name string) (*ingest.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return w.Ingester.Ingest(ctx, ingest.Input{Filename: name, Body: f})
}

// moveAside renames path into dir, suffixing a timestamp on collision.
func moveAside(path, dir string) error {
	target := filepath.Join(dir, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = fmt.Sprintf("%s.%d%s", strings.TrimSuffix(target, ext), time.Now().UnixNano(), ext)
	}
	return os.Rename(path, target)
}
