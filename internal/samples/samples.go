// Package samples generates the built-in test images.
package samples

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"

	"pixelsorter/internal/fsutil"
	"pixelsorter/internal/imageio"
	"pixelsorter/internal/pixelsort"
)

const (
	Width  = 400
	Height = 300
)

// Names lists the generated files in creation order.
var Names = []string{"gradient.png", "noise.png", "pattern.png"}

// Gradient ramps red across, green down and blue along the diagonal.
func Gradient() *pixelsort.Image {
	img := mustImage()
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			img.Set(x, y,
				uint8(255*x/Width),
				uint8(255*y/Height),
				uint8(255*(x+y)/(Width+Height)))
		}
	}
	return img
}

// Noise is random colour with every other 20px square brightened by 50.
func Noise(seed uint64) *pixelsort.Image {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	img := mustImage()
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			r, g, b := rng.IntN(256), rng.IntN(256), rng.IntN(256)
			if (x/20+y/20)%2 == 0 {
				r, g, b = min(255, r+50), min(255, g+50), min(255, b+50)
			}
			img.Set(x, y, uint8(r), uint8(g), uint8(b))
		}
	}
	return img
}

// Pattern is a 40x30 checkerboard of light and dark gradients.
func Pattern() *pixelsort.Image {
	img := mustImage()
	for y := 0; y < Height; y++ {
		for x := 0; x < Width; x++ {
			if (x/40)%2 == (y/30)%2 {
				img.Set(x, y, uint8(150+105*x/Width), uint8(150+105*y/Height), 200)
			} else {
				img.Set(x, y, uint8(100*x/Width), uint8(100*y/Height), 50)
			}
		}
	}
	return img
}

func mustImage() *pixelsort.Image {
	img, err := pixelsort.NewImage(Width, Height)
	if err != nil {
		panic(err)
	}
	return img
}

// Create writes every sample into dir and returns their paths.
func Create(dir string, seed uint64) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sample dir: %w", err)
	}
	images := []*pixelsort.Image{Gradient(), Noise(seed), Pattern()}
	paths := make([]string, 0, len(images))
	for i, img := range images {
		path := filepath.Join(dir, Names[i])
		if err := imageio.Save(img, path, imageio.DefaultJPEGQuality); err != nil {
			return paths, fmt.Errorf("save %s: %w", Names[i], err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// List returns the images in dir, creating the samples first when dir is
// missing or holds no images.
func List(dir string, seed uint64) ([]string, error) {
	files, err := fsutil.ListImages(dir)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if len(files) > 0 {
		return files, nil
	}
	return Create(dir, seed)
}
