package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"pixelsorter/internal/imageio"
	"pixelsorter/internal/pipeline"
	"pixelsorter/internal/pixelsort"
	"pixelsorter/internal/session"
	"pixelsorter/internal/storage"
)

const maxUploadBytes = 64 << 20

func statusFor(err error) int {
	var tooBig *http.MaxBytesError
	switch {
	case errors.As(err, &tooBig), errors.Is(err, pixelsort.ErrAllocation), errors.Is(err, imageio.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, session.ErrBusy), errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, session.ErrNoImage),
		errors.Is(err, pixelsort.ErrInvalidParameters),
		errors.Is(err, pixelsort.ErrEmptyImage),
		errors.Is(err, imageio.ErrUnsupportedFormat),
		errors.Is(err, imageio.ErrTooSmall):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotInitialized):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// readUpload decodes an image from a raw body or the "image" field of a
// multipart form.
func readUpload(w http.ResponseWriter, r *http.Request) (*pixelsort.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	var src io.Reader = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		f, _, err := r.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("%w: %w", imageio.ErrUnsupportedFormat, err)
		}
		defer f.Close()
		src = f
	}
	img, _, err := imageio.Decode(src)
	return img, err
}

// sortSettings overlays query parameters on the given defaults.
func sortSettings(q url.Values, alg pixelsort.Algorithm, params pixelsort.Parameters) (pixelsort.Algorithm, pixelsort.Parameters, error) {
	var err error
	if v := q.Get("algorithm"); v != "" {
		if alg, err = pixelsort.ParseAlgorithm(v); err != nil {
			return alg, params, err
		}
	}
	if v := q.Get("sort_mode"); v != "" {
		if params.Mode, err = pixelsort.ParseSortMode(v); err != nil {
			return alg, params, err
		}
	}
	if v := q.Get("threshold"); v != "" {
		if params.Threshold, err = strconv.ParseFloat(v, 64); err != nil {
			return alg, params, fmt.Errorf("%w: threshold %q", pixelsort.ErrInvalidParameters, v)
		}
	}
	if v := q.Get("interval"); v != "" {
		if params.Interval, err = strconv.Atoi(v); err != nil {
			return alg, params, fmt.Errorf("%w: interval %q", pixelsort.ErrInvalidParameters, v)
		}
	}
	if v := q.Get("color_tint"); v != "" {
		if params.ColorTint, err = strconv.ParseFloat(v, 64); err != nil {
			return alg, params, fmt.Errorf("%w: color_tint %q", pixelsort.ErrInvalidParameters, v)
		}
	}
	return alg, params, params.Validate()
}

func outputFormat(q url.Values) (string, string) {
	switch strings.ToLower(q.Get("format")) {
	case "jpg", "jpeg":
		return "jpeg", "image/jpeg"
	default:
		return "png", "image/png"
	}
}

func (s *Server) writeImage(w http.ResponseWriter, r *http.Request, img *pixelsort.Image) {
	format, contentType := outputFormat(r.URL.Query())
	w.Header().Set("Content-Type", contentType)
	if err := imageio.Encode(w, img, format, s.cfg.Images.JPEGQuality); err != nil {
		s.log.Warn("failed to encode response image", "error", err)
	}
}

// handleSort sorts an uploaded image synchronously and returns the result.
func (s *Server) handleSort(w http.ResponseWriter, r *http.Request) {
	defAlg, defParams, err := s.cfg.SortSettings()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	alg, params, err := sortSettings(r.URL.Query(), defAlg, defParams)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	img, err := readUpload(w, r)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	sorted, err := s.engine.SortPixels(img, alg, params)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.log.Info("sorted upload", "algorithm", alg.String(), "width", img.Width, "height", img.Height)
	s.writeImage(w, r, sorted)
}
