package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pixelsorter/internal/config"
	"pixelsorter/internal/pipeline"
	"pixelsorter/internal/storage"
)

type fakePipeline struct {
	mu        sync.Mutex
	submitted []pipeline.Job
	subs      []chan pipeline.Result
	err       error
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, job)
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan pipeline.Result, 4)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakePipeline) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakePipeline) send(res pipeline.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- res
	}
}

func newTestServer(t *testing.T, store *storage.Store, pipe JobPipeline) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(":0", config.Default(), store, pipe, slog.Default())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

// grayRamp encodes a w x h PNG whose rows darken left to right.
func grayRamp(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(255 - x*255/w)
			img.SetNRGBA(x, y, color.NRGBA{R: v, G: v, B: v, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func do(t *testing.T, method, url, contentType string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func TestHealthAndAlgorithms(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp := do(t, "GET", ts.URL+"/healthz", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}

	var body struct {
		Algorithms []algorithmInfo `json:"algorithms"`
		SortModes  []algorithmInfo `json:"sort_modes"`
	}
	decodeJSON(t, do(t, "GET", ts.URL+"/api/algorithms", "", nil), &body)
	if len(body.Algorithms) != 4 || body.Algorithms[0].DisplayName != "Horizontal" {
		t.Fatalf("unexpected algorithms %+v", body.Algorithms)
	}
	if len(body.SortModes) != 5 {
		t.Fatalf("unexpected sort modes %+v", body.SortModes)
	}
}

func TestSortUpload(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp := do(t, "POST", ts.URL+"/api/sort?algorithm=horizontal&threshold=0&interval=50", "image/png", bytes.NewReader(grayRamp(t, 16, 3)))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		t.Fatalf("sort status %d: %s", resp.StatusCode, msg)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}
	out, err := png.Decode(resp.Body)
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	for x := 1; x < 16; x++ {
		a, _, _, _ := out.At(x-1, 1).RGBA()
		b, _, _, _ := out.At(x, 1).RGBA()
		if a > b {
			t.Fatalf("row not ascending at x=%d", x)
		}
	}

	bad := do(t, "POST", ts.URL+"/api/sort?interval=0", "image/png", bytes.NewReader(grayRamp(t, 4, 4)))
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad interval, got %d", bad.StatusCode)
	}
	garbage := do(t, "POST", ts.URL+"/api/sort", "image/png", strings.NewReader("not an image"))
	garbage.Body.Close()
	if garbage.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for garbage upload, got %d", garbage.StatusCode)
	}
}

func TestSessionFlow(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)

	resp := do(t, "POST", ts.URL+"/api/sessions", "image/png", bytes.NewReader(grayRamp(t, 20, 20)))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status %d", resp.StatusCode)
	}
	var snap map[string]any
	decodeJSON(t, resp, &snap)
	id, _ := snap["id"].(string)
	if id == "" || snap["width"] != float64(20) {
		t.Fatalf("unexpected snapshot %v", snap)
	}
	base := ts.URL + "/api/sessions/" + id

	decodeJSON(t, do(t, "PUT", base+"/settings", "application/json",
		strings.NewReader(`{"algorithm":"vertical","params":{"threshold":0},"action":"next_sort_mode"}`)), &snap)
	if snap["algorithm"] != "vertical" {
		t.Fatalf("expected vertical, got %v", snap["algorithm"])
	}
	params := snap["params"].(map[string]any)
	if params["threshold"] != float64(0) || params["interval"] != float64(10) || params["sort_mode"] != "hue" {
		t.Fatalf("unexpected params %v", params)
	}

	resp = do(t, "POST", base+"/process", "", nil)
	decodeJSON(t, resp, &snap)
	if resp.StatusCode != http.StatusOK || snap["status"] != "Processing complete" {
		t.Fatalf("process: %d %v", resp.StatusCode, snap)
	}

	var cropped cropResponse
	decodeJSON(t, do(t, "POST", base+"/crop", "application/json",
		strings.NewReader(`{"min":{"x":2,"y":2},"max":{"x":12,"y":8}}`)), &cropped)
	if cropped.Status != "committed" || cropped.Bounds != [4]int{2, 2, 12, 8} {
		t.Fatalf("unexpected crop %+v", cropped)
	}
	if cropped.Snapshot.Width != 10 || cropped.Snapshot.Height != 6 {
		t.Fatalf("expected 10x6 base, got %dx%d", cropped.Snapshot.Width, cropped.Snapshot.Height)
	}

	decodeJSON(t, do(t, "POST", base+"/crop", "application/json",
		strings.NewReader(`{"min":{"x":50,"y":50},"max":{"x":60,"y":60}}`)), &cropped)
	if cropped.Status != "noop" || cropped.Snapshot.Width != 10 {
		t.Fatalf("expected no-op crop, got %+v", cropped)
	}

	img := do(t, "GET", base+"/image", "", nil)
	decoded, err := png.Decode(img.Body)
	img.Body.Close()
	if err != nil {
		t.Fatalf("decode session image: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 10 || b.Dy() != 6 {
		t.Fatalf("expected 10x6 image, got %v", b)
	}

	del := do(t, "DELETE", base, "", nil)
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", del.StatusCode)
	}
	gone := do(t, "GET", base, "", nil)
	gone.Body.Close()
	if gone.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", gone.StatusCode)
	}
}

func TestSessionRejectsTinyImage(t *testing.T) {
	_, ts := newTestServer(t, nil, nil)
	resp := do(t, "POST", ts.URL+"/api/sessions", "image/png", bytes.NewReader(grayRamp(t, 4, 4)))
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestSubmitJob(t *testing.T) {
	pipe := &fakePipeline{}
	_, ts := newTestServer(t, nil, pipe)

	resp := do(t, "POST", ts.URL+"/jobs", "application/json",
		strings.NewReader(`{"type":"sort","input":"/in/a.png","algorithm":"diagonal","params":{"threshold":80}}`))
	var body map[string]string
	decodeJSON(t, resp, &body)
	if resp.StatusCode != http.StatusAccepted || !strings.HasPrefix(body["id"], "sort-") {
		t.Fatalf("unexpected response %d %v", resp.StatusCode, body)
	}
	pipe.mu.Lock()
	job := pipe.submitted[0]
	pipe.mu.Unlock()
	if job.Params.Threshold != 80 || job.Params.Interval != 10 || job.Algorithm.String() != "diagonal" || job.Source != "http" {
		t.Fatalf("unexpected job %+v", job)
	}

	for _, tc := range []string{
		`{"type":"stack","input":"x"}`,
		`{"type":"crop","input":"x"}`,
		`{"type":"sort"}`,
		`{"type":"sort","input":"x","params":{"interval":0}}`,
	} {
		r := do(t, "POST", ts.URL+"/jobs", "application/json", strings.NewReader(tc))
		r.Body.Close()
		if r.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", tc, r.StatusCode)
		}
	}

	pipe.mu.Lock()
	pipe.err = pipeline.ErrQueueFull
	pipe.mu.Unlock()
	r := do(t, "POST", ts.URL+"/jobs", "application/json", strings.NewReader(`{"type":"scan","input":"/in"}`))
	r.Body.Close()
	if r.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for full queue, got %d", r.StatusCode)
	}
}

func TestJobsListing(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "s.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer store.Close()
	_ = store.RecordJobQueued(storage.JobRecord{ID: "sort-1", JobType: "sort", Status: "queued", InputPath: "/a.png"})
	_ = store.RecordJobResult("sort-1", "completed", map[string]any{"output": "/sorted_a.png"}, "")
	_, ts := newTestServer(t, store, nil)

	var recs []storage.JobRecord
	decodeJSON(t, do(t, "GET", ts.URL+"/jobs", "", nil), &recs)
	if len(recs) != 1 || recs[0].Status != "completed" {
		t.Fatalf("unexpected jobs %+v", recs)
	}

	var one map[string]any
	decodeJSON(t, do(t, "GET", ts.URL+"/jobs/sort-1", "", nil), &one)
	if meta := one["meta"].(map[string]any); meta["output"] != "/sorted_a.png" {
		t.Fatalf("unexpected job detail %v", one)
	}
	missing := do(t, "GET", ts.URL+"/jobs/none", "", nil)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missing.StatusCode)
	}

	_, noStore := newTestServer(t, nil, nil)
	unavailable := do(t, "GET", noStore.URL+"/jobs", "", nil)
	unavailable.Body.Close()
	if unavailable.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a store, got %d", unavailable.StatusCode)
	}
}

func TestJobStream(t *testing.T) {
	pipe := &fakePipeline{}
	_, ts := newTestServer(t, nil, pipe)

	resp := do(t, "GET", ts.URL+"/stream", "", nil)
	defer resp.Body.Close()
	deadline := time.Now().Add(5 * time.Second)
	for pipe.subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	pipe.send(pipeline.Result{Job: pipeline.Job{ID: "sort-9", Type: pipeline.JobSort}, Meta: map[string]any{"width": 3}})

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &ev); err != nil {
		t.Fatalf("decode event %q: %v", line, err)
	}
	if ev.Kind != "job" || ev.JobID != "sort-9" || ev.Status != "completed" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestWebSocketReceivesJobEvents(t *testing.T) {
	pipe := &fakePipeline{}
	s, ts := newTestServer(t, nil, pipe)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startBackground(ctx)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev Event
	if err := conn.ReadJSON(&ev); err != nil || ev.Kind != "hello" {
		t.Fatalf("expected hello, got %+v %v", ev, err)
	}

	pipe.send(pipeline.Result{Job: pipeline.Job{ID: "crop-1", Type: pipeline.JobCrop}, Error: io.ErrUnexpectedEOF})
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Kind != "job" || ev.JobID != "crop-1" || ev.Status != "failed" || ev.Error == "" {
		t.Fatalf("unexpected event %+v", ev)
	}
}
