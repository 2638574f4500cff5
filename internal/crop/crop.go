// Package crop extracts a sub-rectangle of an image and commits it, sorted,
// as the new working image.
package crop

import (
	"fmt"
	"image"
	"math"

	"pixelsorter/internal/pixelsort"
)

// Point is a position in image pixel space.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is a caller-supplied crop area. Corners are not normalised and may
// lie outside the image.
type Rect struct {
	Min Point `json:"min"`
	Max Point `json:"max"`
}

// NewRect builds a Rect from two corners.
func NewRect(x0, y0, x1, y1 float64) Rect {
	return Rect{Min: Point{x0, y0}, Max: Point{x1, y1}}
}

// Status tells a committed crop from one that did nothing.
type Status int

const (
	// NoOp means the clamped rectangle was empty; the caller keeps its image.
	NoOp Status = iota
	// Committed means Image is the new base image.
	Committed
)

func (s Status) String() string {
	if s == Committed {
		return "committed"
	}
	return "noop"
}

// Result of AndSort. Image is nil unless Status is Committed.
type Result struct {
	Status Status
	Bounds image.Rectangle
	Image  *pixelsort.Image
}

// Clamp limits both corners to [0,width] x [0,height] and truncates them to
// whole pixels. The result is empty when either side is zero.
func Clamp(r Rect, width, height int) image.Rectangle {
	x0 := clampAxis(r.Min.X, width)
	y0 := clampAxis(r.Min.Y, height)
	x1 := clampAxis(r.Max.X, width)
	y1 := clampAxis(r.Max.Y, height)
	w := max(0, x1-x0)
	h := max(0, y1-y0)
	return image.Rect(x0, y0, x0+w, y0+h)
}

func clampAxis(v float64, limit int) int {
	if math.IsNaN(v) {
		return 0
	}
	return int(math.Max(0, math.Min(v, float64(limit))))
}

// Extract copies bounds out of img into a new image. bounds must already be
// clamped and non-empty.
func Extract(img *pixelsort.Image, bounds image.Rectangle) (*pixelsort.Image, error) {
	if bounds.Empty() {
		return nil, fmt.Errorf("%w: empty crop %v", pixelsort.ErrEmptyImage, bounds)
	}
	out, err := pixelsort.NewImage(bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, err
	}
	for y := 0; y < out.Height; y++ {
		sy := bounds.Min.Y + y
		if sy < 0 || sy >= img.Height {
			continue
		}
		for x := 0; x < out.Width; x++ {
			sx := bounds.Min.X + x
			if sx < 0 || sx >= img.Width {
				continue
			}
			r, g, b := img.RGB(sx, sy)
			out.Set(x, y, r, g, b)
		}
	}
	return out, nil
}

// Sorter is the engine the compositor delegates to.
type Sorter interface {
	SortPixels(img *pixelsort.Image, alg pixelsort.Algorithm, params pixelsort.Parameters) (*pixelsort.Image, error)
}

// Compositor crops and sorts with a specific engine.
type Compositor struct {
	sorter Sorter
}

// NewCompositor wraps sorter. A nil sorter uses the default engine.
func NewCompositor(sorter Sorter) *Compositor {
	if sorter == nil {
		sorter = pixelsort.New(nil)
	}
	return &Compositor{sorter: sorter}
}

// AndSort crops and sorts with the default engine.
func AndSort(img *pixelsort.Image, r Rect, alg pixelsort.Algorithm, params pixelsort.Parameters) (Result, error) {
	return NewCompositor(nil).AndSort(img, r, alg, params)
}

// AndSort clamps r to img, copies the region and sorts it. An empty region
// is reported as NoOp with a nil error.
func (c *Compositor) AndSort(img *pixelsort.Image, r Rect, alg pixelsort.Algorithm, params pixelsort.Parameters) (Result, error) {
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return Result{}, fmt.Errorf("%w: nothing to crop", pixelsort.ErrEmptyImage)
	}
	bounds := Clamp(r, img.Width, img.Height)
	if bounds.Empty() {
		return Result{Status: NoOp, Bounds: bounds}, nil
	}
	sub, err := Extract(img, bounds)
	if err != nil {
		return Result{}, err
	}
	sorted, err := c.sorter.SortPixels(sub, alg, params)
	if err != nil {
		return Result{}, err
	}
	return Result{Status: Committed, Bounds: bounds, Image: sorted}, nil
}
