package pixelsort

import (
	"fmt"
	"math"
	"strings"
)

// Algorithm selects the scan direction.
type Algorithm int

const (
	Horizontal Algorithm = iota
	Vertical
	Diagonal
	Radial
)

var algorithms = [...]Algorithm{Horizontal, Vertical, Diagonal, Radial}

// Algorithms returns every variant in cycling order.
func Algorithms() []Algorithm {
	out := make([]Algorithm, len(algorithms))
	copy(out, algorithms[:])
	return out
}

// Next returns the cyclic successor.
func (a Algorithm) Next() Algorithm {
	if !a.valid() {
		return Horizontal
	}
	return algorithms[(int(a)+1)%len(algorithms)]
}

// Name is the display label.
func (a Algorithm) Name() string {
	switch a {
	case Horizontal:
		return "Horizontal"
	case Vertical:
		return "Vertical"
	case Diagonal:
		return "Diagonal"
	case Radial:
		return "Radial"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

func (a Algorithm) String() string { return strings.ToLower(a.Name()) }

func (a Algorithm) valid() bool { return a >= Horizontal && a <= Radial }

// ParseAlgorithm matches a name case-insensitively.
func ParseAlgorithm(s string) (Algorithm, error) {
	for _, a := range algorithms {
		if strings.EqualFold(strings.TrimSpace(s), a.Name()) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown algorithm %q", ErrInvalidParameters, s)
}

// SortMode selects the key pixels are ordered by inside a run.
type SortMode int

const (
	SortBrightness SortMode = iota
	SortHue
	SortRed
	SortGreen
	SortBlue
)

var sortModes = [...]SortMode{SortBrightness, SortHue, SortRed, SortGreen, SortBlue}

// SortModes returns every mode in cycling order.
func SortModes() []SortMode {
	out := make([]SortMode, len(sortModes))
	copy(out, sortModes[:])
	return out
}

// Next returns the cyclic successor.
func (m SortMode) Next() SortMode {
	if !m.valid() {
		return SortBrightness
	}
	return sortModes[(int(m)+1)%len(sortModes)]
}

// Name is the display label.
func (m SortMode) Name() string {
	switch m {
	case SortBrightness:
		return "Brightness"
	case SortHue:
		return "Hue"
	case SortRed:
		return "Red"
	case SortGreen:
		return "Green"
	case SortBlue:
		return "Blue"
	default:
		return fmt.Sprintf("SortMode(%d)", int(m))
	}
}

func (m SortMode) String() string { return strings.ToLower(m.Name()) }

func (m SortMode) valid() bool { return m >= SortBrightness && m <= SortBlue }

// ParseSortMode matches a name case-insensitively.
func ParseSortMode(s string) (SortMode, error) {
	for _, m := range sortModes {
		if strings.EqualFold(strings.TrimSpace(s), m.Name()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown sort mode %q", ErrInvalidParameters, s)
}

const (
	MinThreshold = 0.0
	MaxThreshold = 255.0
	MinInterval  = 1
	// MaxInterval bounds the interval exposed by interactive controls.
	MaxInterval = 50
)

// Parameters control segmentation, ordering and tinting.
type Parameters struct {
	// Threshold is the brightness a pixel needs to join a run.
	Threshold float64 `json:"threshold"`
	// Interval is the longest run, in pixels.
	Interval  int      `json:"interval"`
	Mode      SortMode `json:"sort_mode"`
	ColorTint float64  `json:"color_tint"`
}

// DefaultParameters is a visible but moderate effect.
func DefaultParameters() Parameters {
	return Parameters{
		Threshold: 50,
		Interval:  10,
		Mode:      SortBrightness,
		ColorTint: 0,
	}
}

// Validate checks every field against its domain.
func (p Parameters) Validate() error {
	if math.IsNaN(p.Threshold) || p.Threshold < MinThreshold || p.Threshold > MaxThreshold {
		return fmt.Errorf("%w: threshold %v outside [0, 255]", ErrInvalidParameters, p.Threshold)
	}
	if p.Interval < MinInterval {
		return fmt.Errorf("%w: interval %d must be at least 1", ErrInvalidParameters, p.Interval)
	}
	if !p.Mode.valid() {
		return fmt.Errorf("%w: unknown sort mode %d", ErrInvalidParameters, int(p.Mode))
	}
	if math.IsNaN(p.ColorTint) || p.ColorTint < 0 || p.ColorTint >= 360 {
		return fmt.Errorf("%w: color tint %v outside [0, 360)", ErrInvalidParameters, p.ColorTint)
	}
	return nil
}

// MarshalText encodes the algorithm by name.
func (a Algorithm) MarshalText() ([]byte, error) {
	if !a.valid() {
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrInvalidParameters, int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText decodes an algorithm name.
func (a *Algorithm) UnmarshalText(text []byte) error {
	v, err := ParseAlgorithm(string(text))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// MarshalText encodes the mode by name.
func (m SortMode) MarshalText() ([]byte, error) {
	if !m.valid() {
		return nil, fmt.Errorf("%w: unknown sort mode %d", ErrInvalidParameters, int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *SortMode) UnmarshalText(text []byte) error {
	v, err := ParseSortMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}
