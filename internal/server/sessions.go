package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"pixelsorter/internal/crop"
	"pixelsorter/internal/imageio"
	"pixelsorter/internal/pixelsort"
	"pixelsorter/internal/session"
)

const (
	maxSessions     = 32
	sessionIdleTime = 30 * time.Minute
)

type sessionEntry struct {
	sess     *session.Session
	unsub    func()
	lastUsed time.Time
}

// sessionRegistry holds at most max sessions. Sessions untouched for idle
// are dropped, and adding to a full registry drops the least recently used.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	max      int
	idle     time.Duration
	now      func() time.Time
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{
		sessions: make(map[string]*sessionEntry),
		max:      maxSessions,
		idle:     sessionIdleTime,
		now:      time.Now,
	}
}

// add registers sess and returns the ids of the sessions it evicted.
func (r *sessionRegistry) add(sess *session.Session, unsub func()) []string {
	r.mu.Lock()
	now := r.now()
	evicted := r.expireLocked(now)
	for len(r.sessions) >= r.max {
		var oldest *sessionEntry
		for _, e := range r.sessions {
			if oldest == nil || e.lastUsed.Before(oldest.lastUsed) {
				oldest = e
			}
		}
		delete(r.sessions, oldest.sess.ID())
		evicted = append(evicted, oldest)
	}
	r.sessions[sess.ID()] = &sessionEntry{sess: sess, unsub: unsub, lastUsed: now}
	r.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, e := range evicted {
		e.release()
		ids = append(ids, e.sess.ID())
	}
	return ids
}

func (r *sessionRegistry) get(id string) (*session.Session, bool) {
	r.mu.Lock()
	now := r.now()
	evicted := r.expireLocked(now)
	e, ok := r.sessions[id]
	if ok {
		e.lastUsed = now
	}
	r.mu.Unlock()
	for _, old := range evicted {
		old.release()
	}
	if !ok {
		return nil, false
	}
	return e.sess, true
}

func (r *sessionRegistry) remove(id string) bool {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		e.release()
	}
	return ok
}

func (r *sessionRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// expireLocked removes idle sessions. The caller releases them after
// unlocking r.mu.
func (r *sessionRegistry) expireLocked(now time.Time) []*sessionEntry {
	var out []*sessionEntry
	for id, e := range r.sessions {
		if now.Sub(e.lastUsed) >= r.idle {
			delete(r.sessions, id)
			out = append(out, e)
		}
	}
	return out
}

func (e *sessionEntry) release() {
	if e.unsub != nil {
		e.unsub()
	}
}

func (s *Server) setupSessionRoutes(r *mux.Router) {
	api := r.PathPrefix("/api/sessions").Subrouter()
	api.HandleFunc("", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/{id}", s.handleDeleteSession).Methods("DELETE")
	api.HandleFunc("/{id}/settings", s.handleSessionSettings).Methods("PUT")
	api.HandleFunc("/{id}/process", s.handleSessionProcess).Methods("POST")
	api.HandleFunc("/{id}/crop", s.handleSessionCrop).Methods("POST")
	api.HandleFunc("/{id}/image", s.handleSessionImage).Methods("GET")
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	sess, ok := s.sessions.get(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
	}
	return sess, ok
}

// handleCreateSession loads an uploaded image into a new session. The image
// is fitted to the configured maximum size first.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	img, err := readUpload(w, r)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if img, err = imageio.FitForDisplay(img, s.cfg.Images.MaxWidth, s.cfg.Images.MaxHeight); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if err := imageio.Validate(img, 0, 0); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	sess := session.New(s.engine, s.log)
	if alg, params, err := s.cfg.SortSettings(); err == nil {
		_ = sess.SetAlgorithm(alg)
		_ = sess.SetParameters(params)
	}
	statusCh, unsub := sess.Subscribe()
	go func() {
		for msg := range statusCh {
			s.hub.publish(sessionEvent(sess.ID(), msg))
		}
	}()
	if err := sess.Load(img); err != nil {
		unsub()
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	for _, id := range s.sessions.add(sess, unsub) {
		s.log.Info("session evicted", "session", id)
	}
	s.log.Info("session created", "session", sess.ID(), "width", img.Width, "height", img.Height)
	writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if !s.sessions.remove(mux.Vars(r)["id"]) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type settingsRequest struct {
	Algorithm   *pixelsort.Algorithm `json:"algorithm"`
	Params      json.RawMessage      `json:"params"`
	TintEnabled *bool                `json:"tint_enabled"`
	// Action applies one interactive control: next_algorithm,
	// next_sort_mode, threshold_up or threshold_down.
	Action string `json:"action"`
}

func (s *Server) handleSessionSettings(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid settings: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Algorithm != nil {
		if err := sess.SetAlgorithm(*req.Algorithm); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
	}
	if len(req.Params) > 0 {
		params := sess.Params()
		if err := json.Unmarshal(req.Params, &params); err != nil {
			http.Error(w, "invalid params: "+err.Error(), http.StatusBadRequest)
			return
		}
		if err := sess.SetParameters(params); err != nil {
			http.Error(w, err.Error(), statusFor(err))
			return
		}
	}
	if req.TintEnabled != nil {
		sess.SetTintEnabled(*req.TintEnabled)
	}
	switch req.Action {
	case "":
	case "next_algorithm":
		sess.NextAlgorithm()
	case "next_sort_mode":
		sess.NextSortMode()
	case "threshold_up":
		sess.ThresholdUp()
	case "threshold_down":
		sess.ThresholdDown()
	default:
		http.Error(w, "unknown action: "+req.Action, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleSessionProcess(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	if _, err := sess.Process(); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

type cropResponse struct {
	Status   string           `json:"status"`
	Bounds   [4]int           `json:"bounds"`
	Snapshot session.Snapshot `json:"snapshot"`
}

func (s *Server) handleSessionCrop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var rect crop.Rect
	if err := json.NewDecoder(r.Body).Decode(&rect); err != nil {
		http.Error(w, "invalid crop rectangle: "+err.Error(), http.StatusBadRequest)
		return
	}
	res, err := sess.CommitCrop(rect)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	b := res.Bounds
	writeJSON(w, http.StatusOK, cropResponse{
		Status:   res.Status.String(),
		Bounds:   [4]int{b.Min.X, b.Min.Y, b.Max.X, b.Max.Y},
		Snapshot: sess.Snapshot(),
	})
}

// handleSessionImage returns the processed image, or the base image when
// ?which=base or nothing has been sorted yet.
func (s *Server) handleSessionImage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	img := sess.Current()
	if r.URL.Query().Get("which") == "base" {
		img = sess.Base()
	}
	if img == nil {
		err := session.ErrNoImage
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	s.writeImage(w, r, img)
}
