package pixelsort

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"slices"
	"testing"
)

func grayRow(t *testing.T, values ...uint8) *Image {
	t.Helper()
	img, err := NewImage(len(values), 1)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	for x, v := range values {
		img.Set(x, 0, v, v, v)
	}
	return img
}

func randomImage(t *testing.T, rng *rand.Rand, w, h int) *Image {
	t.Helper()
	img, err := NewImage(w, h)
	if err != nil {
		t.Fatalf("NewImage: %v", err)
	}
	rng.Read(img.Pix)
	return img
}

func rowValues(img *Image) []uint8 {
	out := make([]uint8, img.Width)
	for x := range out {
		out[x], _, _ = img.RGB(x, 0)
	}
	return out
}

func TestSortPixelsSingletonRunsLeaveImageUntouched(t *testing.T) {
	img := grayRow(t, 10, 200, 50, 220)
	params := Parameters{Threshold: 100, Interval: 50, Mode: SortBrightness}

	runs := Segment([]float64{10, 200, 50, 220}, params.Threshold, params.Interval)
	want := []Run{{0, 1}, {1, 2}, {2, 3}, {3, 4}}
	if !slices.Equal(runs, want) {
		t.Fatalf("expected runs %v, got %v", want, runs)
	}

	out, err := SortPixels(img, Horizontal, params)
	if err != nil {
		t.Fatalf("SortPixels: %v", err)
	}
	if !bytes.Equal(out.Pix, img.Pix) {
		t.Fatalf("expected identical output, got %v", rowValues(out))
	}
}

func TestSortPixelsIntervalSplitsRuns(t *testing.T) {
	img := grayRow(t, 250, 200, 150, 240, 100, 180)
	params := Parameters{Threshold: 50, Interval: 3, Mode: SortBrightness}

	out, err := SortPixels(img, Horizontal, params)
	if err != nil {
		t.Fatalf("SortPixels: %v", err)
	}
	want := []uint8{150, 200, 250, 100, 180, 240}
	if got := rowValues(out); !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSortPixelsVerticalSortsColumns(t *testing.T) {
	img, _ := NewImage(2, 3)
	col := []uint8{200, 120, 160}
	for y, v := range col {
		img.Set(0, y, v, v, v)
		img.Set(1, y, 10, 10, 10)
	}
	out, err := SortPixels(img, Vertical, Parameters{Threshold: 100, Interval: 10})
	if err != nil {
		t.Fatalf("SortPixels: %v", err)
	}
	for y, want := range []uint8{120, 160, 200} {
		if r, _, _ := out.RGB(0, y); r != want {
			t.Fatalf("row %d: expected %d, got %d", y, want, r)
		}
		if r, _, _ := out.RGB(1, y); r != 10 {
			t.Fatalf("dark column changed at row %d: %d", y, r)
		}
	}
}

func TestSortPixelsStableForEqualKeys(t *testing.T) {
	img, _ := NewImage(4, 1)
	// Sorting by red: keys 5, 1, 5, 1. Green tells the pixels apart.
	img.Set(0, 0, 5, 200, 1)
	img.Set(1, 0, 1, 210, 2)
	img.Set(2, 0, 5, 220, 3)
	img.Set(3, 0, 1, 230, 4)

	out, err := SortPixels(img, Horizontal, Parameters{Threshold: 50, Interval: 10, Mode: SortRed})
	if err != nil {
		t.Fatalf("SortPixels: %v", err)
	}
	var blues []uint8
	for x := 0; x < 4; x++ {
		_, _, b := out.RGB(x, 0)
		blues = append(blues, b)
	}
	if want := []uint8{2, 4, 1, 3}; !slices.Equal(blues, want) {
		t.Fatalf("expected stable order %v, got %v", want, blues)
	}
}

func TestSortPixelsProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	paramSets := []Parameters{
		{Threshold: 0, Interval: 1, Mode: SortBrightness},
		{Threshold: 60, Interval: 5, Mode: SortBrightness},
		{Threshold: 100, Interval: 50, Mode: SortHue},
		{Threshold: 30, Interval: 7, Mode: SortGreen},
		{Threshold: 255, Interval: 3, Mode: SortBlue},
	}
	for _, alg := range Algorithms() {
		for _, params := range paramSets {
			img := randomImage(t, rng, 13, 9)
			orig := slices.Clone(img.Pix)

			out, err := SortPixels(img, alg, params)
			if err != nil {
				t.Fatalf("%s %+v: %v", alg, params, err)
			}
			if out.Width != img.Width || out.Height != img.Height {
				t.Fatalf("%s: dimensions changed to %dx%d", alg, out.Width, out.Height)
			}
			if !bytes.Equal(img.Pix, orig) {
				t.Fatalf("%s: input was mutated", alg)
			}

			forEachScanline(alg, img.Width, img.Height, func(coords []point) {
				bright := make([]float64, len(coords))
				for i, c := range coords {
					bright[i] = Brightness(img.RGB(c.x, c.y))
				}
				for _, run := range Segment(bright, params.Threshold, params.Interval) {
					if run.Len() > params.Interval {
						t.Fatalf("%s: run %v longer than interval %d", alg, run, params.Interval)
					}
					var before, after [][3]uint8
					prev := math.Inf(-1)
					for _, c := range coords[run.Start:run.End] {
						r, g, b := img.RGB(c.x, c.y)
						before = append(before, [3]uint8{r, g, b})
						r, g, b = out.RGB(c.x, c.y)
						after = append(after, [3]uint8{r, g, b})
						k := Key(params.Mode, r, g, b)
						if k < prev {
							t.Fatalf("%s: keys decrease inside run %v", alg, run)
						}
						prev = k
					}
					cmpRGB := func(a, b [3]uint8) int { return bytes.Compare(a[:], b[:]) }
					slices.SortFunc(before, cmpRGB)
					slices.SortFunc(after, cmpRGB)
					if !slices.Equal(before, after) {
						t.Fatalf("%s: colors of run %v changed", alg, run)
					}
				}
			})

			again, err := SortPixels(out, alg, params)
			if err != nil {
				t.Fatalf("%s: second pass: %v", alg, err)
			}
			if !bytes.Equal(again.Pix, out.Pix) {
				t.Fatalf("%s %+v: second pass changed the image", alg, params)
			}
		}
	}
}

func TestScanlinesCoverEveryPixelOnce(t *testing.T) {
	for _, alg := range Algorithms() {
		for _, dims := range [][2]int{{1, 1}, {5, 3}, {3, 5}, {8, 8}} {
			w, h := dims[0], dims[1]
			seen := make([]int, w*h)
			forEachScanline(alg, w, h, func(coords []point) {
				for _, c := range coords {
					seen[c.y*w+c.x]++
				}
			})
			for i, n := range seen {
				if n != 1 {
					t.Fatalf("%s %dx%d: pixel %d visited %d times", alg, w, h, i, n)
				}
			}
		}
	}
}

func TestSortPixelsAppliesTint(t *testing.T) {
	img, _ := NewImage(2, 1)
	img.Set(0, 0, 255, 0, 0)
	img.Set(1, 0, 90, 90, 90)

	out, err := SortPixels(img, Horizontal, Parameters{Threshold: 255, Interval: 1, ColorTint: 120})
	if err != nil {
		t.Fatalf("SortPixels: %v", err)
	}
	if r, g, b := out.RGB(0, 0); r != 0 || g != 255 || b != 0 {
		t.Fatalf("expected red rotated to green, got %d,%d,%d", r, g, b)
	}
	if r, g, b := out.RGB(1, 0); r != 90 || g != 90 || b != 90 {
		t.Fatalf("expected gray to stay gray, got %d,%d,%d", r, g, b)
	}
}

func TestSortPixelsValidation(t *testing.T) {
	img := grayRow(t, 1, 2, 3)
	cases := []struct {
		name   string
		img    *Image
		alg    Algorithm
		params Parameters
		want   error
	}{
		{"negative threshold", img, Horizontal, Parameters{Threshold: -1, Interval: 1}, ErrInvalidParameters},
		{"threshold above range", img, Horizontal, Parameters{Threshold: 256, Interval: 1}, ErrInvalidParameters},
		{"nan threshold", img, Horizontal, Parameters{Threshold: math.NaN(), Interval: 1}, ErrInvalidParameters},
		{"zero interval", img, Horizontal, Parameters{Threshold: 10, Interval: 0}, ErrInvalidParameters},
		{"unknown mode", img, Horizontal, Parameters{Threshold: 10, Interval: 1, Mode: SortMode(42)}, ErrInvalidParameters},
		{"full turn tint", img, Horizontal, Parameters{Threshold: 10, Interval: 1, ColorTint: 360}, ErrInvalidParameters},
		{"unknown algorithm", img, Algorithm(9), DefaultParameters(), ErrInvalidParameters},
		{"nil image", nil, Horizontal, DefaultParameters(), ErrEmptyImage},
		{"zero width", &Image{Width: 0, Height: 4}, Horizontal, DefaultParameters(), ErrEmptyImage},
		{"short buffer", &Image{Width: 2, Height: 2, Pix: make([]uint8, 3)}, Horizontal, DefaultParameters(), ErrInvalidParameters},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := SortPixels(tc.img, tc.alg, tc.params)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if out != nil {
				t.Fatalf("expected no image on failure")
			}
		})
	}
}

func TestEngineMaxPixels(t *testing.T) {
	e := New(nil, WithMaxPixels(4))
	img, _ := NewImage(3, 2)
	if _, err := e.SortPixels(img, Horizontal, DefaultParameters()); !errors.Is(err, ErrAllocation) {
		t.Fatalf("expected allocation failure, got %v", err)
	}
	small, _ := NewImage(2, 2)
	if _, err := e.SortPixels(small, Horizontal, DefaultParameters()); err != nil {
		t.Fatalf("expected small image to sort, got %v", err)
	}
}
