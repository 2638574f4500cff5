// Package server exposes the sorter over HTTP: queued jobs, one-shot sorts,
// interactive sessions and a live event feed.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"pixelsorter/internal/config"
	"pixelsorter/internal/crop"
	"pixelsorter/internal/pipeline"
	"pixelsorter/internal/pixelsort"
	"pixelsorter/internal/storage"
)

// JobPipeline is the part of the pipeline the server drives.
type JobPipeline interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server wraps the HTTP API.
type Server struct {
	addr     string
	cfg      *config.Config
	store    *storage.Store
	pipeline JobPipeline
	engine   *pixelsort.Engine
	log      *slog.Logger
	hub      *hub
	upgrader websocket.Upgrader
	server   *http.Server

	bgOnce   sync.Once
	bgCtx    context.Context
	sessions *sessionRegistry
}

// NewServer creates a server listening on addr.
func NewServer(addr string, cfg *config.Config, store *storage.Store, pipe JobPipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		cfg:      cfg,
		store:    store,
		pipeline: pipe,
		engine:   pixelsort.New(log, pixelsort.WithMaxPixels(cfg.Images.MaxPixels)),
		log:      log,
		hub:      newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		sessions: newSessionRegistry(),
		bgCtx:    context.Background(),
	}
}

// Start begins serving until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.startBackground(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down http server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("http server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// startBackground runs the websocket hub and forwards pipeline results to it.
func (s *Server) startBackground(ctx context.Context) {
	s.bgOnce.Do(func() {
		s.bgCtx = ctx
		go s.hub.run(ctx)
		if s.pipeline == nil {
			return
		}
		resCh, unsubscribe := s.pipeline.Subscribe()
		go func() {
			defer unsubscribe()
			for {
				select {
				case <-ctx.Done():
					return
				case res, ok := <-resCh:
					if !ok {
						return
					}
					s.hub.publish(jobEvent(res))
				}
			}
		}()
	})
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	s.setupSessionRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmitJob).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	r.HandleFunc("/api/algorithms", s.handleAlgorithms).Methods("GET")
	r.HandleFunc("/api/sort", s.handleSort).Methods("POST")
}

// Serve runs a server until ctx is cancelled.
func Serve(ctx context.Context, addr string, cfg *config.Config, store *storage.Store, pipe JobPipeline, log *slog.Logger) error {
	return NewServer(addr, cfg, store, pipe, log).Start(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	resp := map[string]any{"job": rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		resp["meta"] = meta
	}
	writeJSON(w, http.StatusOK, resp)
}

type jobRequest struct {
	Type      pipeline.JobType     `json:"type"`
	Input     string               `json:"input"`
	Output    string               `json:"output"`
	Algorithm *pixelsort.Algorithm `json:"algorithm"`
	Params    json.RawMessage      `json:"params"` // merged over the configured defaults
	Crop      *crop.Rect           `json:"crop"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "job queue unavailable", http.StatusServiceUnavailable)
		return
	}
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid job request: "+err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Type {
	case pipeline.JobSort, pipeline.JobScan:
	case pipeline.JobCrop:
		if req.Crop == nil {
			http.Error(w, "crop jobs need a crop rectangle", http.StatusBadRequest)
			return
		}
	default:
		http.Error(w, "unknown job type: "+string(req.Type), http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}

	alg, params, err := s.cfg.SortSettings()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if req.Algorithm != nil {
		alg = *req.Algorithm
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			http.Error(w, "invalid params: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := params.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job := pipeline.Job{
		ID:        pipeline.NewJobID(req.Type),
		Type:      req.Type,
		InputPath: req.Input,
		Output:    req.Output,
		Algorithm: alg,
		Params:    params,
		Crop:      req.Crop,
		Source:    "http",
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID, "status": "queued"})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "job queue unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(jobEvent(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case s.hub.register <- conn:
	case <-s.bgCtx.Done():
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.hub.unregister <- conn:
			case <-s.bgCtx.Done():
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

type algorithmInfo struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
}

func (s *Server) handleAlgorithms(w http.ResponseWriter, r *http.Request) {
	var algs, modes []algorithmInfo
	for _, a := range pixelsort.Algorithms() {
		algs = append(algs, algorithmInfo{Name: a.String(), DisplayName: a.Name()})
	}
	for _, m := range pixelsort.SortModes() {
		modes = append(modes, algorithmInfo{Name: m.String(), DisplayName: m.Name()})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"algorithms": algs,
		"sort_modes": modes,
		"defaults":   pixelsort.DefaultParameters(),
		"limits": map[string]any{
			"threshold": []float64{pixelsort.MinThreshold, pixelsort.MaxThreshold},
			"interval":  []int{pixelsort.MinInterval, pixelsort.MaxInterval},
		},
	})
}
