package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"pixelsorter/internal/config"
	"pixelsorter/internal/crop"
	"pixelsorter/internal/fsutil"
	"pixelsorter/internal/imageio"
	"pixelsorter/internal/logging"
	"pixelsorter/internal/pixelsort"
	"pixelsorter/internal/storage"
)

type loadFunc func(path string, opts imageio.Options) (*pixelsort.Image, imageio.Info, error)

type saveFunc func(img image.Image, path string, quality int) error

type sorter interface {
	SortPixels(img *pixelsort.Image, alg pixelsort.Algorithm, params pixelsort.Parameters) (*pixelsort.Image, error)
}

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      *storage.Store
	engine     sorter
	compositor *crop.Compositor
	load       loadFunc
	save       saveFunc
	probe      func(path string) (imageio.Info, error)
	loadOpts   imageio.Options
	quality    int
}

func newRouter(logger *slog.Logger, store *storage.Store, cfg config.Images) Processor {
	engine := pixelsort.New(logger, pixelsort.WithMaxPixels(cfg.MaxPixels))
	return &router{
		log:        logger,
		store:      store,
		engine:     engine,
		compositor: crop.NewCompositor(engine),
		load:       imageio.Load,
		save:       imageio.Save,
		probe:      imageio.Probe,
		loadOpts: imageio.Options{
			MaxWidth:  cfg.MaxWidth,
			MaxHeight: cfg.MaxHeight,
			Formats:   cfg.SupportedFormats,
		},
		quality: cfg.JPEGQuality,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	switch job.Type {
	case JobSort:
		return r.handleSort(ctx, job)
	case JobCrop:
		return r.handleCrop(ctx, job)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) loadInput(job Job) (*pixelsort.Image, imageio.Info, error) {
	img, info, err := r.load(job.InputPath, r.loadOpts)
	if err != nil {
		return nil, info, err
	}
	rec := storage.ImageMetadata{
		FilePath:       job.InputPath,
		Format:         info.Format,
		Width:          info.Width,
		Height:         info.Height,
		OriginalWidth:  info.OriginalWidth,
		OriginalHeight: info.OriginalHeight,
	}
	if st, err := os.Stat(job.InputPath); err == nil {
		rec.FileSize = st.Size()
	}
	if err := r.store.RecordImageMetadata(rec); err != nil {
		r.log.Warn("failed to record image metadata", "path", job.InputPath, "error", err)
	}
	if info.Resized {
		r.log.Info("image resized to fit",
			"path", job.InputPath,
			"from", fmt.Sprintf("%dx%d", info.OriginalWidth, info.OriginalHeight),
			"to", fmt.Sprintf("%dx%d", info.Width, info.Height))
	}
	return img, info, nil
}

func (r *router) outputPath(job Job) string {
	if job.Output != "" {
		return job.Output
	}
	return fsutil.SortedOutputPath(job.InputPath, "")
}

func (r *router) handleSort(ctx context.Context, job Job) Result {
	img, info, err := r.loadInput(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	start := time.Now()
	sorted, err := r.engine.SortPixels(img, job.Algorithm, job.Params)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	elapsed := time.Since(start)
	logging.LogProcessingStep(r.log, job.ID, "sort", "done", map[string]any{
		"algorithm": job.Algorithm.String(),
		"pixels":    img.Width * img.Height,
		"sort_ms":   elapsed.Milliseconds(),
	})
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}

	out := r.outputPath(job)
	meta := r.baseMeta(job, info)
	meta["sort_ms"] = elapsed.Milliseconds()
	if err := r.write(sorted, out, meta); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	return Result{Job: job, Meta: meta}
}

func (r *router) handleCrop(ctx context.Context, job Job) Result {
	if job.Crop == nil {
		return Result{Job: job, Error: fmt.Errorf("crop job %s has no crop rectangle", job.ID)}
	}
	img, info, err := r.loadInput(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	rect := scaleRect(*job.Crop, info)
	res, err := r.compositor.AndSort(img, rect, job.Algorithm, job.Params)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	meta := r.baseMeta(job, info)
	meta["noop"] = res.Status == crop.NoOp
	meta["crop"] = map[string]int{
		"x0": res.Bounds.Min.X, "y0": res.Bounds.Min.Y,
		"x1": res.Bounds.Max.X, "y1": res.Bounds.Max.Y,
	}
	if res.Status == crop.NoOp {
		r.log.Info("crop area is empty, nothing written", "job", job.ID)
		return Result{Job: job, Meta: meta}
	}
	if err := ctx.Err(); err != nil {
		return Result{Job: job, Error: err}
	}
	meta["width"], meta["height"] = res.Image.Width, res.Image.Height
	if err := r.write(res.Image, r.outputPath(job), meta); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	return Result{Job: job, Meta: meta}
}

// scaleRect maps a rectangle given in the file's pixels onto the loaded,
// possibly downscaled, image.
func scaleRect(rect crop.Rect, info imageio.Info) crop.Rect {
	if !info.Resized || info.OriginalWidth <= 0 || info.OriginalHeight <= 0 {
		return rect
	}
	sx := float64(info.Width) / float64(info.OriginalWidth)
	sy := float64(info.Height) / float64(info.OriginalHeight)
	return crop.NewRect(rect.Min.X*sx, rect.Min.Y*sy, rect.Max.X*sx, rect.Max.Y*sy)
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	files, err := fsutil.ListImages(job.InputPath)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	var probed int
	for _, f := range files {
		if ctx.Err() != nil {
			return Result{Job: job, Error: ctx.Err()}
		}
		info, err := r.probe(f)
		if err != nil {
			r.log.Debug("skipping unreadable image", "path", f, "error", err)
			continue
		}
		probed++
		_ = r.store.RecordImageMetadata(storage.ImageMetadata{
			FilePath:       f,
			Format:         info.Format,
			Width:          info.Width,
			Height:         info.Height,
			OriginalWidth:  info.OriginalWidth,
			OriginalHeight: info.OriginalHeight,
		})
	}
	return Result{Job: job, Meta: map[string]any{
		"images":   len(files),
		"readable": probed,
		"files":    files,
	}}
}

func (r *router) baseMeta(job Job, info imageio.Info) map[string]any {
	return map[string]any{
		"input":           job.InputPath,
		"algorithm":       job.Algorithm.String(),
		"sort_mode":       job.Params.Mode.String(),
		"threshold":       job.Params.Threshold,
		"interval":        job.Params.Interval,
		"color_tint":      job.Params.ColorTint,
		"width":           info.Width,
		"height":          info.Height,
		"original_width":  info.OriginalWidth,
		"original_height": info.OriginalHeight,
		"resized":         info.Resized,
	}
}

func (r *router) write(img image.Image, out string, meta map[string]any) error {
	if err := r.save(img, out, r.quality); err != nil {
		return err
	}
	meta["output"] = out
	if st, err := os.Stat(out); err == nil {
		meta["output_bytes"] = st.Size()
		meta["output_size"] = humanize.Bytes(uint64(st.Size()))
	}
	return nil
}
