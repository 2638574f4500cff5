// Package pixelsort implements the pixel sorting transform: scanlines are
// split into brightness-gated runs and each run is reordered by a sort key.
package pixelsort

import (
	"fmt"
	"io"
	"log/slog"
	"time"
)

// DefaultMaxPixels bounds the output buffer an Engine will allocate.
const DefaultMaxPixels = 1 << 28

// Engine runs pixel sorts. The zero value is not usable; use New.
// An Engine holds no per-call state and is safe for concurrent use.
type Engine struct {
	log       *slog.Logger
	maxPixels int
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxPixels caps the image size the engine accepts. Larger inputs fail
// with ErrAllocation.
func WithMaxPixels(n int) Option {
	return func(e *Engine) { e.maxPixels = n }
}

// New creates an Engine. A nil logger discards output.
func New(logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Engine{log: logger, maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEngine = New(nil)

// SortPixels sorts img with the default engine.
func SortPixels(img *Image, alg Algorithm, params Parameters) (*Image, error) {
	return defaultEngine.SortPixels(img, alg, params)
}

// SortPixels returns a sorted copy of img. img is never modified.
func (e *Engine) SortPixels(img *Image, alg Algorithm, params Parameters) (*Image, error) {
	if err := img.validate(); err != nil {
		return nil, err
	}
	if !alg.valid() {
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrInvalidParameters, int(alg))
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	start := time.Now()
	out, err := newImage(img.Width, img.Height, e.maxPixels)
	if err != nil {
		return nil, err
	}
	copy(out.Pix, img.Pix)

	var (
		line       []pixel
		brightness []float64
		runs       []Run
		sorted     int
	)
	forEachScanline(alg, img.Width, img.Height, func(coords []point) {
		line = line[:0]
		brightness = brightness[:0]
		for _, c := range coords {
			r, g, b := img.RGB(c.x, c.y)
			line = append(line, pixel{r: r, g: g, b: b, key: Key(params.Mode, r, g, b)})
			brightness = append(brightness, Brightness(r, g, b))
		}
		runs = segmentInto(runs, brightness, params.Threshold, params.Interval)
		sortRuns(line, runs)
		for i, c := range coords {
			out.Set(c.x, c.y, line[i].r, line[i].g, line[i].b)
		}
		for _, run := range runs {
			if run.Len() > 1 {
				sorted++
			}
		}
	})

	tint(out, params.ColorTint)

	e.log.Debug("pixel sort complete",
		"algorithm", alg.String(),
		"width", img.Width,
		"height", img.Height,
		"threshold", params.Threshold,
		"interval", params.Interval,
		"sort_mode", params.Mode.String(),
		"color_tint", params.ColorTint,
		"sorted_runs", sorted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}
