// Package imageio loads, validates and writes images for the sorter.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"pixelsorter/internal/fsutil"
	"pixelsorter/internal/pixelsort"
)

const (
	// MinSide is the smallest width or height Validate accepts.
	MinSide = 10
	// DefaultJPEGQuality is used when a caller passes a non-positive quality.
	DefaultJPEGQuality = 95
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrTooSmall          = errors.New("image too small")
	ErrTooLarge          = errors.New("image too large")
)

// Options controls Load.
type Options struct {
	// MaxWidth and MaxHeight bound the loaded image; larger images are
	// fitted inside them. Zero disables the limit.
	MaxWidth  int
	MaxHeight int
	// Formats lists accepted extensions. Empty accepts every decodable one.
	Formats []string
}

// Info describes a loaded image.
type Info struct {
	Path           string `json:"path"`
	Format         string `json:"format"`
	OriginalWidth  int    `json:"original_width"`
	OriginalHeight int    `json:"original_height"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Resized        bool   `json:"resized"`
}

// Load reads path, fits it inside the configured maximum and converts it to
// the engine's RGB representation.
func Load(path string, opts Options) (*pixelsort.Image, Info, error) {
	info := Info{Path: path, Format: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")}
	if _, err := os.Stat(path); err != nil {
		return nil, info, fmt.Errorf("image file not found: %w", err)
	}
	if !supported(path, opts.Formats) {
		return nil, info, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	var (
		src image.Image
		err error
	)
	if fsutil.IsRAWFile(path) {
		src, err = decodeRAW(path)
	} else {
		src, err = imaging.Open(path, imaging.AutoOrientation(true))
	}
	if err != nil {
		return nil, info, fmt.Errorf("failed to load image: %w", err)
	}

	b := src.Bounds()
	info.OriginalWidth, info.OriginalHeight = b.Dx(), b.Dy()
	if exceeds(b.Dx(), b.Dy(), opts.MaxWidth, opts.MaxHeight) {
		src = imaging.Fit(src, opts.MaxWidth, opts.MaxHeight, imaging.Lanczos)
		info.Resized = true
	}

	img, err := pixelsort.FromImage(src)
	if err != nil {
		return nil, info, err
	}
	info.Width, info.Height = img.Width, img.Height
	return img, info, nil
}

func exceeds(w, h, maxW, maxH int) bool {
	return maxW > 0 && maxH > 0 && (w > maxW || h > maxH)
}

func supported(path string, formats []string) bool {
	if !fsutil.IsImageFile(path) && !fsutil.IsRAWFile(path) {
		return false
	}
	if len(formats) == 0 || fsutil.IsRAWFile(path) {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	return slices.ContainsFunc(formats, func(f string) bool { return strings.EqualFold(f, ext) })
}

// Decode reads an encoded image from r, e.g. an upload body.
func Decode(r io.Reader) (*pixelsort.Image, string, error) {
	src, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrUnsupportedFormat, err)
	}
	img, err := pixelsort.FromImage(src)
	if err != nil {
		return nil, "", err
	}
	return img, format, nil
}

// Encode writes img to w as "png" or "jpeg".
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	f, err := imaging.FormatFromExtension(format)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}
	return imaging.Encode(w, img, f, imaging.JPEGQuality(quality))
}

// Save writes img to path, creating parent directories. The format follows
// the extension; unknown extensions are written as PNG.
func Save(img image.Image, path string, quality int) error {
	if err := fsutil.EnsureParent(path); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	format, err := imaging.FormatFromFilename(path)
	if err != nil || format == imaging.GIF {
		format = imaging.PNG
	}
	if quality <= 0 {
		quality = DefaultJPEGQuality
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to save image: %w", err)
	}
	if err := imaging.Encode(f, img, format, imaging.JPEGQuality(quality)); err != nil {
		f.Close()
		return fmt.Errorf("failed to save image: %w", err)
	}
	return f.Close()
}

// Validate reports whether img suits interactive processing.
func Validate(img *pixelsort.Image, maxW, maxH int) error {
	if img == nil {
		return fmt.Errorf("%w: nil image", pixelsort.ErrEmptyImage)
	}
	if img.Width < MinSide || img.Height < MinSide {
		return fmt.Errorf("%w: %dx%d, minimum %dx%d", ErrTooSmall, img.Width, img.Height, MinSide, MinSide)
	}
	if exceeds(img.Width, img.Height, maxW, maxH) {
		return fmt.Errorf("%w: %dx%d, maximum %dx%d", ErrTooLarge, img.Width, img.Height, maxW, maxH)
	}
	return nil
}

// FitForDisplay scales img to fit inside w x h keeping its aspect ratio.
// Images that already fit are returned unchanged.
func FitForDisplay(img *pixelsort.Image, w, h int) (*pixelsort.Image, error) {
	if w <= 0 || h <= 0 || (img.Width <= w && img.Height <= h) {
		return img, nil
	}
	return pixelsort.FromImage(imaging.Fit(img, w, h, imaging.Lanczos))
}

// Probe reads only the header of path. RAW files report their extension
// and zero dimensions.
func Probe(path string) (Info, error) {
	info := Info{Path: path, Format: strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")}
	if fsutil.IsRAWFile(path) {
		return info, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return info, err
	}
	defer f.Close()
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return info, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
	}
	info.Format = format
	info.OriginalWidth, info.OriginalHeight = cfg.Width, cfg.Height
	info.Width, info.Height = cfg.Width, cfg.Height
	return info, nil
}
