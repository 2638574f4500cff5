package pixelsort

import (
	colorful "github.com/lucasb-eyer/go-colorful"
)

// Brightness is BT.601 luma in [0, 255]. Integer weights keep grays exact.
func Brightness(r, g, b uint8) float64 {
	return float64(299*int(r)+587*int(g)+114*int(b)) / 1000
}

// Hue is the HSV hue in degrees, 0 for achromatic pixels.
func Hue(r, g, b uint8) float64 {
	h, _, _ := toColorful(r, g, b).Hsv()
	return h
}

// Key returns the sort key of a pixel for mode.
func Key(mode SortMode, r, g, b uint8) float64 {
	switch mode {
	case SortHue:
		return Hue(r, g, b)
	case SortRed:
		return float64(r)
	case SortGreen:
		return float64(g)
	case SortBlue:
		return float64(b)
	default:
		return Brightness(r, g, b)
	}
}

func toColorful(r, g, b uint8) colorful.Color {
	return colorful.Color{R: float64(r) / 255, G: float64(g) / 255, B: float64(b) / 255}
}
