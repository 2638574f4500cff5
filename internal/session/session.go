// Package session holds the state of one interactively edited image and
// serialises every sort and crop against it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"pixelsorter/internal/crop"
	"pixelsorter/internal/pixelsort"
)

var (
	// ErrBusy is returned when a sort or crop is already running.
	ErrBusy = errors.New("session busy")
	// ErrNoImage is returned when no image has been loaded.
	ErrNoImage = errors.New("no image loaded")
)

// ThresholdStep is the change applied by ThresholdUp and ThresholdDown.
const ThresholdStep = 10.0

// Sorter is the engine the session drives.
type Sorter interface {
	crop.Sorter
}

// Snapshot is a read-only copy of the session's settings and status.
type Snapshot struct {
	ID          string               `json:"id"`
	Algorithm   pixelsort.Algorithm  `json:"algorithm"`
	Params      pixelsort.Parameters `json:"params"`
	TintEnabled bool                 `json:"tint_enabled"`
	Status      string               `json:"status"`
	HasImage    bool                 `json:"has_image"`
	Width       int                  `json:"width"`
	Height      int                  `json:"height"`
}

// Session owns a committed base image and the most recent sorted result.
// Base is replaced only by Load or a committed crop.
type Session struct {
	id         string
	log        *slog.Logger
	sorter     Sorter
	compositor *crop.Compositor
	inflight   *semaphore.Weighted

	mu          sync.RWMutex
	base        *pixelsort.Image
	processed   *pixelsort.Image
	algorithm   pixelsort.Algorithm
	params      pixelsort.Parameters
	tintEnabled bool
	status      string
	subs        map[int]chan string
	nextSubID   int
}

// New creates an empty session. A nil sorter uses a default engine.
func New(sorter Sorter, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if sorter == nil {
		sorter = pixelsort.New(logger)
	}
	return &Session{
		id:         uuid.NewString(),
		log:        logger,
		sorter:     sorter,
		compositor: crop.NewCompositor(sorter),
		inflight:   semaphore.NewWeighted(1),
		algorithm:  pixelsort.Horizontal,
		params:     pixelsort.DefaultParameters(),
		status:     "Ready",
		subs:       make(map[int]chan string),
	}
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// Load replaces the committed image and clears the previous result. It fails
// with ErrBusy while a sort or crop is running.
func (s *Session) Load(img *pixelsort.Image) error {
	if img == nil || img.Width <= 0 || img.Height <= 0 {
		return fmt.Errorf("%w: cannot load", pixelsort.ErrEmptyImage)
	}
	if !s.inflight.TryAcquire(1) {
		return ErrBusy
	}
	defer s.inflight.Release(1)
	s.mu.Lock()
	s.base = img
	s.processed = nil
	s.mu.Unlock()
	s.setStatus(fmt.Sprintf("Loaded %dx%d image", img.Width, img.Height))
	return nil
}

// Base returns the committed image.
func (s *Session) Base() *pixelsort.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.base
}

// Processed returns the latest sorted image, or nil.
func (s *Session) Processed() *pixelsort.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.processed
}

// Current returns the processed image when there is one, else the base.
func (s *Session) Current() *pixelsort.Image {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.processed != nil {
		return s.processed
	}
	return s.base
}

// Process sorts the base image with the current settings. Overlapping calls
// fail with ErrBusy; on failure the previous result is kept.
func (s *Session) Process() (*pixelsort.Image, error) {
	if !s.inflight.TryAcquire(1) {
		return nil, ErrBusy
	}
	defer s.inflight.Release(1)

	base, alg, params := s.inputs()
	if base == nil {
		return nil, ErrNoImage
	}
	s.setStatus("Processing...")
	start := time.Now()
	out, err := s.sorter.SortPixels(base, alg, params)
	if err != nil {
		s.log.Warn("sort failed", "session", s.id, "error", err)
		s.setStatus(fmt.Sprintf("Processing failed: %v", err))
		return nil, err
	}
	s.mu.Lock()
	s.processed = out
	s.mu.Unlock()
	s.log.Info("sort complete", "session", s.id, "algorithm", alg.String(), "duration", time.Since(start).String())
	s.setStatus("Processing complete")
	return out, nil
}

// CommitCrop crops the base image to r and sorts the region. A committed
// crop becomes the new base image. An empty region leaves everything as it
// was and reports crop.NoOp.
func (s *Session) CommitCrop(r crop.Rect) (crop.Result, error) {
	if !s.inflight.TryAcquire(1) {
		return crop.Result{}, ErrBusy
	}
	defer s.inflight.Release(1)

	base, alg, params := s.inputs()
	if base == nil {
		return crop.Result{}, ErrNoImage
	}
	res, err := s.compositor.AndSort(base, r, alg, params)
	if err != nil {
		s.log.Warn("crop failed", "session", s.id, "error", err)
		s.setStatus(fmt.Sprintf("Crop failed: %v", err))
		return crop.Result{}, err
	}
	if res.Status == crop.NoOp {
		s.setStatus("Crop area is empty")
		return res, nil
	}
	s.mu.Lock()
	s.base = res.Image
	s.processed = res.Image
	s.mu.Unlock()
	s.log.Info("crop committed", "session", s.id, "bounds", res.Bounds.String())
	s.setStatus(fmt.Sprintf("Cropped to %dx%d", res.Image.Width, res.Image.Height))
	return res, nil
}

func (s *Session) inputs() (*pixelsort.Image, pixelsort.Algorithm, pixelsort.Parameters) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	params := s.params
	if !s.tintEnabled {
		params.ColorTint = 0
	}
	return s.base, s.algorithm, params
}

// Algorithm returns the selected algorithm.
func (s *Session) Algorithm() pixelsort.Algorithm {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.algorithm
}

// SetAlgorithm selects alg.
func (s *Session) SetAlgorithm(alg pixelsort.Algorithm) error {
	if _, err := pixelsort.ParseAlgorithm(alg.Name()); err != nil {
		return err
	}
	s.mu.Lock()
	s.algorithm = alg
	s.mu.Unlock()
	s.setStatus("Algorithm: " + alg.Name())
	return nil
}

// NextAlgorithm cycles to the following algorithm.
func (s *Session) NextAlgorithm() pixelsort.Algorithm {
	s.mu.Lock()
	s.algorithm = s.algorithm.Next()
	alg := s.algorithm
	s.mu.Unlock()
	s.setStatus("Algorithm: " + alg.Name())
	return alg
}

// NextSortMode cycles to the following sort key.
func (s *Session) NextSortMode() pixelsort.SortMode {
	s.mu.Lock()
	s.params.Mode = s.params.Mode.Next()
	mode := s.params.Mode
	s.mu.Unlock()
	s.setStatus("Sort mode: " + mode.Name())
	return mode
}

// Params returns the stored parameters, including a disabled tint.
func (s *Session) Params() pixelsort.Parameters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// SetParameters replaces the parameters after validating them.
func (s *Session) SetParameters(p pixelsort.Parameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.params = p
	s.mu.Unlock()
	return nil
}

// ThresholdUp raises the threshold by ThresholdStep, capped at 255.
func (s *Session) ThresholdUp() float64 { return s.adjustThreshold(ThresholdStep) }

// ThresholdDown lowers the threshold by ThresholdStep, floored at 0.
func (s *Session) ThresholdDown() float64 { return s.adjustThreshold(-ThresholdStep) }

func (s *Session) adjustThreshold(delta float64) float64 {
	s.mu.Lock()
	t := math.Max(pixelsort.MinThreshold, math.Min(pixelsort.MaxThreshold, s.params.Threshold+delta))
	s.params.Threshold = t
	s.mu.Unlock()
	s.setStatus(fmt.Sprintf("Threshold: %.1f", t))
	return t
}

// SetTintEnabled toggles the hue rotation pass. The stored tint angle is
// kept either way.
func (s *Session) SetTintEnabled(on bool) {
	s.mu.Lock()
	s.tintEnabled = on
	s.mu.Unlock()
}

// Status returns the last status message.
func (s *Session) Status() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot captures settings and status for display.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ID:          s.id,
		Algorithm:   s.algorithm,
		Params:      s.params,
		TintEnabled: s.tintEnabled,
		Status:      s.status,
		HasImage:    s.base != nil,
	}
	if s.base != nil {
		snap.Width, snap.Height = s.base.Width, s.base.Height
	}
	return snap
}

// Subscribe returns a channel of status messages and an unsubscribe func.
func (s *Session) Subscribe() (<-chan string, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSubID
	s.nextSubID++
	ch := make(chan string, 8)
	s.subs[id] = ch
	unsub := func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			close(c)
			delete(s.subs, id)
		}
		s.mu.Unlock()
	}
	return ch, unsub
}

func (s *Session) setStatus(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = msg
	for id, ch := range s.subs {
		select {
		case ch <- msg:
		default:
			s.log.Warn("status channel full", "subscriber", id, "session", s.id)
		}
	}
}

// Wait blocks until no sort or crop is running, or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	if err := s.inflight.Acquire(ctx, 1); err != nil {
		return err
	}
	s.inflight.Release(1)
	return nil
}
