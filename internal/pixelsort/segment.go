package pixelsort

// Run is a half-open span [Start, End) of scanline indices.
type Run struct {
	Start int
	End   int
}

// Len is the pixel count.
func (r Run) Len() int { return r.End - r.Start }

// Segment partitions a scanline into runs. A pixel whose brightness is at
// least threshold extends the open run; any other pixel closes it and
// stands alone. An open run is closed once it holds interval pixels.
// The returned runs are ordered, disjoint and cover every index.
func Segment(brightness []float64, threshold float64, interval int) []Run {
	return segmentInto(nil, brightness, threshold, interval)
}

func segmentInto(runs []Run, brightness []float64, threshold float64, interval int) []Run {
	runs = runs[:0]
	if interval < 1 {
		interval = 1
	}
	open := -1
	for i, v := range brightness {
		if v >= threshold {
			if open < 0 {
				open = i
			}
			if i+1-open == interval {
				runs = append(runs, Run{Start: open, End: i + 1})
				open = -1
			}
			continue
		}
		if open >= 0 {
			runs = append(runs, Run{Start: open, End: i})
			open = -1
		}
		runs = append(runs, Run{Start: i, End: i + 1})
	}
	if open >= 0 {
		runs = append(runs, Run{Start: open, End: len(brightness)})
	}
	return runs
}
