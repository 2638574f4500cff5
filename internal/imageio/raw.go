package imageio

import (
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"

	"pixelsorter/internal/pixelsort"
)

// decodeRAW reads a camera RAW file through ImageMagick.
func decodeRAW(path string) (*pixelsort.Image, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("failed to read RAW file: %w", err)
	}
	if err := mw.AutoOrientImage(); err != nil {
		return nil, fmt.Errorf("failed to orient RAW file: %w", err)
	}

	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	img, err := pixelsort.NewImage(int(w), int(h))
	if err != nil {
		return nil, err
	}
	px, err := mw.ExportImagePixels(0, 0, w, h, "RGB", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("failed to export RAW pixels: %w", err)
	}
	buf, ok := px.([]byte)
	if !ok || len(buf) < len(img.Pix) {
		return nil, fmt.Errorf("unexpected pixel export from ImageMagick: %T", px)
	}
	copy(img.Pix, buf)
	return img, nil
}
