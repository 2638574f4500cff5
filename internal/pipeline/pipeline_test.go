package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"pixelsorter/internal/config"
	"pixelsorter/internal/storage"
)

type funcProcessor func(ctx context.Context, job Job) Result

func (f funcProcessor) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

func waitFor(t *testing.T, ch <-chan Result, id string) Result {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case res := <-ch:
			if res.Job.ID == id {
				return res
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", id)
		}
	}
}

func TestPipelineBroadcastsAndRecords(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "p.db"))
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	defer store.Close()

	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		if job.InputPath == "bad" {
			return Result{Error: errors.New("boom")}
		}
		return Result{Meta: map[string]any{"ok": true}}
	})
	p := NewWithProcessor(context.Background(), config.Processing{ParallelJobs: 2, QueueSize: 4}, slog.Default(), store, proc)
	defer p.Stop()

	ch, unsub := p.Subscribe()
	defer unsub()

	good := Job{ID: NewJobID(JobSort), Type: JobSort, InputPath: "good"}
	bad := Job{ID: NewJobID(JobSort), Type: JobSort, InputPath: "bad"}
	if err := p.Submit(good); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res := waitFor(t, ch, good.ID); res.Error != nil || res.Meta["ok"] != true {
		t.Fatalf("unexpected result %+v", res)
	}
	if err := p.Submit(bad); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res := waitFor(t, ch, bad.ID); res.Error == nil {
		t.Fatalf("expected failure result")
	}

	rec, err := store.Job(good.ID)
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if rec.Status != "completed" {
		t.Fatalf("expected completed, got %s", rec.Status)
	}
	rec, _ = store.Job(bad.ID)
	if rec.Status != "failed" || rec.Error != "boom" {
		t.Fatalf("unexpected failed record %+v", rec)
	}
}

func TestPipelineQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	proc := funcProcessor(func(ctx context.Context, job Job) Result {
		started <- struct{}{}
		<-release
		return Result{}
	})
	p := NewWithProcessor(context.Background(), config.Processing{ParallelJobs: 1, QueueSize: 1}, slog.Default(), nil, proc)
	defer p.Stop()
	defer close(release)

	if err := p.Submit(Job{ID: "1"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-started
	if err := p.Submit(Job{ID: "2"}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := p.Submit(Job{ID: "3"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := p.Submit(Job{}); err == nil {
		t.Fatalf("expected missing id to be rejected")
	}
}

func TestSubmitAfterStop(t *testing.T) {
	proc := funcProcessor(func(ctx context.Context, job Job) Result { return Result{} })
	p := NewWithProcessor(context.Background(), config.Processing{ParallelJobs: 2, QueueSize: 64}, slog.Default(), nil, proc)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				err := p.Submit(Job{ID: NewJobID(JobSort), Type: JobSort})
				if err != nil && !errors.Is(err, ErrStopped) && !errors.Is(err, ErrQueueFull) {
					t.Errorf("unexpected Submit error: %v", err)
				}
			}
		}()
	}
	p.Stop()
	wg.Wait()

	if err := p.Submit(Job{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}

func TestNewJobID(t *testing.T) {
	a, b := NewJobID(JobCrop), NewJobID(JobCrop)
	if a == b || !strings.HasPrefix(a, "crop-") {
		t.Fatalf("unexpected ids %q %q", a, b)
	}
}
