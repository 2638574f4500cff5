package pixelsort

import (
	"cmp"
	"slices"
)

// pixel is one scanline entry: its colour and current sort key.
type pixel struct {
	r, g, b uint8
	key     float64
}

// sortRuns stably orders each run of line by key, ascending. Runs of
// length one are left alone.
func sortRuns(line []pixel, runs []Run) {
	for _, run := range runs {
		if run.Len() < 2 {
			continue
		}
		slices.SortStableFunc(line[run.Start:run.End], func(a, b pixel) int {
			return cmp.Compare(a.key, b.key)
		})
	}
}
