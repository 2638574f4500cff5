package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"pixelsorter/internal/config"
	"pixelsorter/internal/crop"
	"pixelsorter/internal/logging"
	"pixelsorter/internal/pixelsort"
	"pixelsorter/internal/storage"
)

var (
	// ErrQueueFull is returned by Submit when no queue slot is free.
	ErrQueueFull = errors.New("job queue is full")
	// ErrStopped is returned by Submit once Stop has been called.
	ErrStopped = errors.New("pipeline stopped")
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobSort JobType = "sort"
	JobCrop JobType = "crop"
	JobScan JobType = "scan"
)

// Job represents a single processing request.
type Job struct {
	ID        string
	Type      JobType
	InputPath string
	Output    string
	Algorithm pixelsort.Algorithm
	Params    pixelsort.Parameters
	// Crop is required for JobCrop and ignored otherwise.
	Crop *crop.Rect
	// Source records who submitted the job (cli, http, grpc, watch).
	Source string
}

// NewJobID returns a unique id prefixed with the job type.
func NewJobID(t JobType) string {
	return fmt.Sprintf("%s-%s", t, uuid.NewString())
}

func (j Job) options() map[string]any {
	opts := map[string]any{
		"algorithm":  j.Algorithm.String(),
		"threshold":  j.Params.Threshold,
		"interval":   j.Params.Interval,
		"sort_mode":  j.Params.Mode.String(),
		"color_tint": j.Params.ColorTint,
	}
	if j.Crop != nil {
		opts["crop"] = []float64{j.Crop.Min.X, j.Crop.Min.Y, j.Crop.Max.X, j.Crop.Max.Y}
	}
	if j.Source != "" {
		opts["source"] = j.Source
	}
	return opts
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	mu        sync.Mutex
	subs      map[int]chan Result
	nextSubID int
	stopped   bool
}

// New creates a Pipeline whose workers load, sort and save images
// according to cfg.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return NewWithProcessor(ctx, cfg.Processing, logger, store, newRouter(logger, store, cfg.Images))
}

// NewWithProcessor creates a Pipeline that hands jobs to proc.
func NewWithProcessor(ctx context.Context, proc config.Processing, logger *slog.Logger, store *storage.Store, processor Processor) *Pipeline {
	concurrency := proc.ParallelJobs
	if concurrency < 1 {
		concurrency = 1
	}
	queue := proc.QueueSize
	if queue < 1 {
		queue = concurrency * 2
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: processor,
		log:       logger,
		jobs:      make(chan Job, queue),
		cancel:    cancel,
		store:     store,
		subs:      make(map[int]chan Result),
	}

	p.startOnce.Do(func() {
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if job.ID == "" {
		return errors.New("job id is required")
	}
	// p.mu keeps Stop from closing p.jobs while the send below is pending.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.store != nil {
		paramsJSON, _ := json.Marshal(job.Params)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:         job.ID,
			JobType:    string(job.Type),
			Status:     "queued",
			InputPath:  job.InputPath,
			OutputPath: job.Output,
			Algorithm:  job.Algorithm.String(),
			ParamsJSON: string(paramsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		if p.store != nil {
			_ = p.store.RecordJobResult(job.ID, "rejected", nil, ErrQueueFull.Error())
		}
		return ErrQueueFull
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.jobs)
		p.mu.Unlock()
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			p.run(ctx, job)
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.options())

	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}
	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
			"input":  job.InputPath,
			"output": job.Output,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
	}
	if p.store != nil {
		if err := p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error)); err != nil {
			p.log.Warn("failed to record job result", "job", job.ID, "error", err)
		}
	}

	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
