package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"pixelsorter/internal/config"
	"pixelsorter/internal/pipeline"
	"pixelsorter/internal/pixelsort"
	"pixelsorter/internal/storage"
)

func TestSortCommandBuildsJob(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	out, err := execute(root, "sort", "/in/photo.jpg", "-a", "vertical", "--threshold", "80", "--mode", "hue", "--tint", "120")
	if err != nil {
		t.Fatalf("sort failed: %v", err)
	}
	jobs := fakePipe.submitted()
	if len(jobs) != 1 {
		t.Fatalf("expected one job, got %d", len(jobs))
	}
	job := jobs[0]
	if job.Type != pipeline.JobSort || job.Algorithm != pixelsort.Vertical {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Params.Threshold != 80 || job.Params.Mode != pixelsort.SortHue || job.Params.ColorTint != 120 {
		t.Fatalf("unexpected params %+v", job.Params)
	}
	if job.Params.Interval != root.cfg.Sorting.Interval {
		t.Fatalf("interval should come from config, got %d", job.Params.Interval)
	}
	want := filepath.Join(root.cfg.Paths.DefaultOutput, "sorted_photo.jpg")
	if job.Output != want {
		t.Fatalf("expected output %s, got %s", want, job.Output)
	}
	if !strings.Contains(out, want) {
		t.Fatalf("output does not mention result: %q", out)
	}
}

func TestSortCommandOutputArgument(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	dir := t.TempDir()
	if _, err := execute(root, "sort", "/in/a.png", dir); err != nil {
		t.Fatalf("sort failed: %v", err)
	}
	if _, err := execute(root, "sort", "/in/b.png", "-o", filepath.Join(dir, "x.png")); err != nil {
		t.Fatalf("sort failed: %v", err)
	}
	jobs := fakePipe.submitted()
	if jobs[0].Output != filepath.Join(dir, "sorted_a.png") {
		t.Fatalf("directory output not expanded: %s", jobs[0].Output)
	}
	if jobs[1].Output != filepath.Join(dir, "x.png") {
		t.Fatalf("explicit output not kept: %s", jobs[1].Output)
	}
}

func TestCommandsValidateArguments(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	cases := [][]string{
		{"sort"},
		{"sort", "a.png", "--interval", "0"},
		{"sort", "a.png", "--algorithm", "spiral"},
		{"sort", "a.png", "--tint", "360"},
		{"crop", "a.png"},
		{"crop", "a.png", "--rect", "1,2,3"},
		{"batch"},
	}
	for _, args := range cases {
		if _, err := execute(root, args...); err == nil {
			t.Fatalf("expected error for %v", args)
		}
	}
	if n := len(fakePipe.submitted()); n != 0 {
		t.Fatalf("invalid commands queued %d jobs", n)
	}
}

func TestCropCommand(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	if _, err := execute(root, "crop", "/in/a.png", "--rect", "100,50,600,400", "-a", "diagonal"); err != nil {
		t.Fatalf("crop failed: %v", err)
	}
	job := fakePipe.submitted()[0]
	if job.Type != pipeline.JobCrop || job.Crop == nil {
		t.Fatalf("unexpected job %+v", job)
	}
	if job.Crop.Min.X != 100 || job.Crop.Max.Y != 400 || job.Algorithm != pixelsort.Diagonal {
		t.Fatalf("unexpected crop %+v", *job.Crop)
	}
}

func TestCropCommandReportsNoOp(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.meta = map[string]any{"noop": true}
	out, err := execute(root, "crop", "/in/a.png", "--rect", "5,5,5,9")
	if err != nil {
		t.Fatalf("crop failed: %v", err)
	}
	if !strings.Contains(out, "nothing written") {
		t.Fatalf("no-op not reported: %q", out)
	}
}

func TestBatchCommand(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	dir := t.TempDir()
	for _, name := range []string{"a.png", "b.jpg", "sorted_c.png", "notes.txt"} {
		touch(t, filepath.Join(dir, name))
	}
	fakePipe.fail["b.jpg"] = errors.New("decode failed")
	outDir := filepath.Join(t.TempDir(), "out")

	out, err := execute(root, "batch", dir, "-o", outDir)
	if err == nil || !strings.Contains(err.Error(), "1 images failed") {
		t.Fatalf("expected one failure, got %v", err)
	}
	jobs := fakePipe.submitted()
	if len(jobs) != 2 {
		t.Fatalf("expected two jobs, got %d", len(jobs))
	}
	for _, job := range jobs {
		if filepath.Dir(job.Output) != outDir {
			t.Fatalf("job output outside %s: %s", outDir, job.Output)
		}
	}
	if !strings.Contains(out, "1 of 2 images sorted") || !strings.Contains(out, "FAIL b.jpg") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestBatchRespectsInFlightLimit(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	root.cfg.Processing.QueueSize = 2
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		touch(t, filepath.Join(dir, string(rune('a'+i))+".png"))
	}
	if _, err := execute(root, "batch", dir); err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if n := len(fakePipe.submitted()); n != 5 {
		t.Fatalf("expected 5 jobs, got %d", n)
	}
}

func TestScanCommand(t *testing.T) {
	root, fakePipe := newTestRoot(t)
	fakePipe.meta = map[string]any{"images": 3, "readable": 2}
	out, err := execute(root, "scan", t.TempDir())
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if fakePipe.submitted()[0].Type != pipeline.JobScan {
		t.Fatalf("expected scan job")
	}
	if !strings.Contains(out, "3 images found, 2 readable") {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestServeCommandStartsBothServers(t *testing.T) {
	root, _ := newTestRoot(t)
	var httpAddr, grpcAddr string
	root.serveHTTP = func(ctx context.Context, addr string, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		httpAddr = addr
		return nil
	}
	root.serveGRPC = func(ctx context.Context, addr string, cfg *config.Config, pipe pipelineClient, log *slog.Logger) error {
		grpcAddr = addr
		return nil
	}
	if _, err := execute(root, "serve", "--http", ":18080", "--grpc", ":18081"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if httpAddr != ":18080" || grpcAddr != ":18081" {
		t.Fatalf("unexpected addrs %q %q", httpAddr, grpcAddr)
	}

	httpAddr, grpcAddr = "", ""
	if _, err := execute(root, "serve", "--grpc", ""); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if httpAddr != root.cfg.Server.HTTPAddr || grpcAddr != "" {
		t.Fatalf("unexpected addrs %q %q", httpAddr, grpcAddr)
	}
}

func TestServeCommandPropagatesErrors(t *testing.T) {
	root, _ := newTestRoot(t)
	boom := errors.New("address in use")
	root.serveHTTP = func(ctx context.Context, addr string, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
		return boom
	}
	root.serveGRPC = func(ctx context.Context, addr string, cfg *config.Config, pipe pipelineClient, log *slog.Logger) error {
		<-ctx.Done()
		return nil
	}
	if _, err := execute(root, "serve"); !errors.Is(err, boom) {
		t.Fatalf("expected %v, got %v", boom, err)
	}
}

func TestInfoCommands(t *testing.T) {
	root, _ := newTestRoot(t)

	out, err := execute(root, "algorithms")
	if err != nil || !strings.Contains(out, "radial") || !strings.Contains(out, "hue") {
		t.Fatalf("algorithms: %v %q", err, out)
	}
	out, err = execute(root, "config", "validate")
	if err != nil || !strings.Contains(out, "configuration OK") {
		t.Fatalf("config validate: %v %q", err, out)
	}
	out, err = execute(root, "config", "show")
	if err != nil || !strings.Contains(out, `"sorting"`) {
		t.Fatalf("config show: %v %q", err, out)
	}
	out, err = execute(root, "version")
	if err != nil || !strings.Contains(out, "pixelsorter v") {
		t.Fatalf("version: %v %q", err, out)
	}

	root.cfg.Images.JPEGQuality = 0
	if _, err := execute(root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestSamplesCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(root, "samples")
	if err != nil {
		t.Fatalf("samples failed: %v", err)
	}
	for _, name := range []string{"gradient.png", "noise.png", "pattern.png"} {
		if !strings.Contains(out, name) {
			t.Fatalf("missing %s in %q", name, out)
		}
		if _, err := os.Stat(filepath.Join(root.cfg.Paths.SampleDir, name)); err != nil {
			t.Fatalf("sample not written: %v", err)
		}
	}
}

func execute(root *Root, args ...string) (string, error) {
	cmd := newRootCmd(root)
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func newTestRoot(t *testing.T) (*Root, *fakePipeline) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DefaultOutput = filepath.Join(tmp, "output")
	cfg.Paths.DatabasePath = filepath.Join(tmp, "pixelsorter.db")
	cfg.Paths.SampleDir = filepath.Join(tmp, "samples")

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	pipe := newFakePipeline()

	root := &Root{
		pipeline:  pipe,
		cfg:       cfg,
		log:       logger,
		store:     nil,
		serveHTTP: defaultHTTPServe,
		serveGRPC: defaultGRPCServe,
	}
	return root, pipe
}

type fakePipeline struct {
	mu        sync.Mutex
	jobs      []pipeline.Job
	subs      map[int]chan pipeline.Result
	nextSubID int
	fail      map[string]error
	meta      map[string]any
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		subs: make(map[int]chan pipeline.Result),
		fail: make(map[string]error),
	}
}

func (f *fakePipeline) Submit(job pipeline.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)

	meta := map[string]any{"output": job.Output, "output_size": "1.0 kB"}
	for k, v := range f.meta {
		meta[k] = v
	}
	res := pipeline.Result{Job: job, Error: f.fail[filepath.Base(job.InputPath)], Meta: meta}
	for _, ch := range f.subs {
		select {
		case ch <- res:
		default:
		}
	}
	return nil
}

func (f *fakePipeline) Subscribe() (<-chan pipeline.Result, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan pipeline.Result, 16)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakePipeline) submitted() []pipeline.Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]pipeline.Job(nil), f.jobs...)
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
