package pixelsort

import (
	"cmp"
	"math"
	"slices"
)

type point struct{ x, y int }

// radialSectors is the number of angular sectors the Radial algorithm
// splits the image into.
const radialSectors = 360

// forEachScanline calls visit once per scanline of alg over a width x height
// grid. The slice passed to visit is reused between calls.
func forEachScanline(alg Algorithm, width, height int, visit func([]point)) {
	switch alg {
	case Horizontal:
		line := make([]point, width)
		for y := 0; y < height; y++ {
			for x := range line {
				line[x] = point{x, y}
			}
			visit(line)
		}
	case Vertical:
		line := make([]point, height)
		for x := 0; x < width; x++ {
			for y := range line {
				line[y] = point{x, y}
			}
			visit(line)
		}
	case Diagonal:
		line := make([]point, 0, min(width, height))
		for d := -(height - 1); d < width; d++ {
			line = line[:0]
			// x - y == d, walking top-left to bottom-right
			y := max(0, -d)
			for x := y + d; x < width && y < height; x, y = x+1, y+1 {
				line = append(line, point{x, y})
			}
			visit(line)
		}
	case Radial:
		for _, line := range radialLines(width, height) {
			if len(line) > 0 {
				visit(line)
			}
		}
	}
}

// radialLines assigns every pixel to the 1-degree sector containing its
// centre, measured around the image centre, and orders each sector by
// distance from the centre.
func radialLines(width, height int) [][]point {
	cx, cy := float64(width)/2, float64(height)/2
	type polar struct {
		p    point
		dist float64
	}
	sectors := make([][]polar, radialSectors)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			deg := math.Atan2(dy, dx) * 180 / math.Pi
			if deg < 0 {
				deg += 360
			}
			s := int(deg*radialSectors/360) % radialSectors
			sectors[s] = append(sectors[s], polar{point{x, y}, math.Hypot(dx, dy)})
		}
	}
	lines := make([][]point, radialSectors)
	for i, sec := range sectors {
		slices.SortFunc(sec, func(a, b polar) int {
			if c := cmp.Compare(a.dist, b.dist); c != 0 {
				return c
			}
			if c := cmp.Compare(a.p.y, b.p.y); c != 0 {
				return c
			}
			return cmp.Compare(a.p.x, b.p.x)
		})
		line := make([]point, len(sec))
		for j, pp := range sec {
			line[j] = pp.p
		}
		lines[i] = line
	}
	return lines
}
