// Package watch turns a hot folder into sort jobs.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"pixelsorter/internal/fsutil"
	"pixelsorter/internal/pipeline"
	"pixelsorter/internal/pixelsort"
)

// DefaultSettle is how long a file must stay quiet before it is queued.
const DefaultSettle = 500 * time.Millisecond

// Submitter accepts jobs; *pipeline.Pipeline satisfies it.
type Submitter interface {
	Submit(job pipeline.Job) error
}

// Options configures a Watcher.
type Options struct {
	Dirs      []string
	OutputDir string
	Algorithm pixelsort.Algorithm
	Params    pixelsort.Parameters
	// Settle defaults to DefaultSettle.
	Settle time.Duration
}

// Watcher monitors directories and submits a sort job for every new image.
type Watcher struct {
	watcher *fsnotify.Watcher
	submit  Submitter
	opts    Options
	log     *slog.Logger
	pending map[string]time.Time
}

// New starts watching opts.Dirs. Events are not processed until Run.
func New(submit Submitter, opts Options, log *slog.Logger) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if len(opts.Dirs) == 0 {
		return nil, fmt.Errorf("no directories to watch")
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	for _, dir := range opts.Dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
		log.Info("watching directory", "dir", dir)
	}
	return &Watcher{
		watcher: fw,
		submit:  submit,
		opts:    opts,
		log:     log,
		pending: make(map[string]time.Time),
	}, nil
}

// Run processes events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	tick := time.NewTicker(w.opts.Settle / 2)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if !w.wanted(event.Name) {
				continue
			}
			w.pending[event.Name] = time.Now()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case now := <-tick.C:
			w.flush(now)
		}
	}
}

// Close releases the watcher without running it.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// wanted skips non-images and our own sorted_ outputs.
func (w *Watcher) wanted(path string) bool {
	if strings.HasPrefix(filepath.Base(path), "sorted_") {
		return false
	}
	return fsutil.IsImageFile(path) || fsutil.IsRAWFile(path)
}

func (w *Watcher) flush(now time.Time) {
	for path, last := range w.pending {
		if now.Sub(last) < w.opts.Settle {
			continue
		}
		delete(w.pending, path)

		job := pipeline.Job{
			ID:        pipeline.NewJobID(pipeline.JobSort),
			Type:      pipeline.JobSort,
			InputPath: path,
			Output:    fsutil.SortedOutputPath(path, w.opts.OutputDir),
			Algorithm: w.opts.Algorithm,
			Params:    w.opts.Params,
			Source:    "watch",
		}
		if err := w.submit.Submit(job); err != nil {
			w.log.Error("failed to queue watched file", "path", path, "error", err)
			continue
		}
		w.log.Info("queued watched file", "path", path, "job_id", job.ID)
	}
}
