package pixelsort

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Image is a row-major grid of 8-bit RGB triples.
type Image struct {
	Width  int
	Height int
	// Pix holds 3 bytes per pixel, rows packed with no padding.
	Pix []uint8
}

// NewImage allocates a black image. It returns ErrAllocation when the
// dimensions overflow or the runtime refuses the allocation.
func NewImage(width, height int) (*Image, error) {
	return newImage(width, height, 0)
}

func newImage(width, height, maxPixels int) (img *Image, err error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrEmptyImage, width, height)
	}
	if width > math.MaxInt/3/height {
		return nil, fmt.Errorf("%w: %dx%d overflows", ErrAllocation, width, height)
	}
	if maxPixels > 0 && width*height > maxPixels {
		return nil, fmt.Errorf("%w: %dx%d exceeds limit of %d pixels", ErrAllocation, width, height, maxPixels)
	}
	defer func() {
		if r := recover(); r != nil {
			img = nil
			err = fmt.Errorf("%w: %v", ErrAllocation, r)
		}
	}()
	return &Image{Width: width, Height: height, Pix: make([]uint8, width*height*3)}, nil
}

// FromImage copies any image.Image into an RGB Image, dropping alpha.
func FromImage(src image.Image) (*Image, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: nil source", ErrEmptyImage)
	}
	if img, ok := src.(*Image); ok {
		return img.Clone()
	}
	b := src.Bounds()
	dst, err := NewImage(b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	switch s := src.(type) {
	case *image.NRGBA:
		for y := 0; y < dst.Height; y++ {
			row := s.Pix[y*s.Stride : y*s.Stride+dst.Width*4]
			for x := 0; x < dst.Width; x++ {
				dst.Set(x, y, row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	case *image.RGBA:
		for y := 0; y < dst.Height; y++ {
			row := s.Pix[y*s.Stride : y*s.Stride+dst.Width*4]
			for x := 0; x < dst.Width; x++ {
				dst.Set(x, y, row[x*4], row[x*4+1], row[x*4+2])
			}
		}
	default:
		for y := 0; y < dst.Height; y++ {
			for x := 0; x < dst.Width; x++ {
				c := color.NRGBAModel.Convert(src.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
				dst.Set(x, y, c.R, c.G, c.B)
			}
		}
	}
	return dst, nil
}

// Clone returns a deep copy.
func (m *Image) Clone() (*Image, error) {
	dst, err := NewImage(m.Width, m.Height)
	if err != nil {
		return nil, err
	}
	copy(dst.Pix, m.Pix)
	return dst, nil
}

// Stride is the number of bytes per row.
func (m *Image) Stride() int { return m.Width * 3 }

func (m *Image) offset(x, y int) int { return y*m.Width*3 + x*3 }

// RGB returns the channels at (x, y).
func (m *Image) RGB(x, y int) (r, g, b uint8) {
	i := m.offset(x, y)
	return m.Pix[i], m.Pix[i+1], m.Pix[i+2]
}

// Set writes the channels at (x, y).
func (m *Image) Set(x, y int, r, g, b uint8) {
	i := m.offset(x, y)
	m.Pix[i], m.Pix[i+1], m.Pix[i+2] = r, g, b
}

// ColorModel implements image.Image.
func (m *Image) ColorModel() color.Model { return color.RGBAModel }

// Bounds implements image.Image.
func (m *Image) Bounds() image.Rectangle { return image.Rect(0, 0, m.Width, m.Height) }

// At implements image.Image. Out-of-bounds reads return transparent black.
func (m *Image) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= m.Width || y >= m.Height {
		return color.RGBA{}
	}
	r, g, b := m.RGB(x, y)
	return color.RGBA{R: r, G: g, B: b, A: 0xff}
}

// validate reports whether the image can be handed to the engine.
func (m *Image) validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil image", ErrEmptyImage)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrEmptyImage, m.Width, m.Height)
	}
	if m.Width > math.MaxInt/3/m.Height || len(m.Pix) < m.Width*m.Height*3 {
		return fmt.Errorf("%w: pixel buffer of %d bytes does not cover %dx%d", ErrInvalidParameters, len(m.Pix), m.Width, m.Height)
	}
	return nil
}
