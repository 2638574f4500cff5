package pixelsort

import "errors"

var (
	// ErrInvalidParameters reports a parameter outside its documented domain.
	ErrInvalidParameters = errors.New("invalid parameters")
	// ErrEmptyImage reports an input with zero width or height.
	ErrEmptyImage = errors.New("empty image")
	// ErrAllocation reports that the output buffer could not be allocated.
	ErrAllocation = errors.New("allocation failure")
)
