package pixelsort

import (
	"math"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// RotateHue shifts the HSV hue of a pixel by degrees, keeping saturation
// and value.
func RotateHue(r, g, b uint8, degrees float64) (uint8, uint8, uint8) {
	h, s, v := toColorful(r, g, b).Hsv()
	if s == 0 {
		return r, g, b
	}
	h = math.Mod(h+degrees, 360)
	if h < 0 {
		h += 360
	}
	return colorful.Hsv(h, s, v).Clamped().RGB255()
}

// tint rotates every pixel of img in place. A zero rotation is skipped.
func tint(img *Image, degrees float64) {
	if degrees == 0 {
		return
	}
	pix := img.Pix[:img.Width*img.Height*3]
	for i := 0; i < len(pix); i += 3 {
		pix[i], pix[i+1], pix[i+2] = RotateHue(pix[i], pix[i+1], pix[i+2], degrees)
	}
}
