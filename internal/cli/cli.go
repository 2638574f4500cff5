package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"pixelsorter/internal/config"
	"pixelsorter/internal/fsutil"
	"pixelsorter/internal/grpcserver"
	"pixelsorter/internal/pipeline"
	"pixelsorter/internal/pixelsort"
	"pixelsorter/internal/server"
	"pixelsorter/internal/storage"
)

// maxInFlight keeps batch submissions within a subscriber's result buffer.
const maxInFlight = 8

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type httpServeFunc func(ctx context.Context, addr string, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type grpcServeFunc func(ctx context.Context, addr string, cfg *config.Config, pipe pipelineClient, log *slog.Logger) error

func defaultHTTPServe(ctx context.Context, addr string, cfg *config.Config, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	return server.Serve(ctx, addr, cfg, store, pipe, log)
}

func defaultGRPCServe(ctx context.Context, addr string, cfg *config.Config, pipe pipelineClient, log *slog.Logger) error {
	return grpcserver.New(cfg, pipe, log).Start(ctx, addr)
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline  pipelineClient
	cfg       *config.Config
	log       *slog.Logger
	store     *storage.Store
	serveHTTP httpServeFunc
	serveGRPC grpcServeFunc
}

// NewRoot constructs the CLI root.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline:  pl,
		cfg:       cfg,
		log:       logger,
		store:     store,
		serveHTTP: defaultHTTPServe,
		serveGRPC: defaultGRPCServe,
	}
}

// sortFlags holds the per-command overrides of the configured sort settings.
type sortFlags struct {
	algorithm string
	mode      string
	threshold float64
	interval  int
	tint      float64
}

// settings overlays the flags the user actually set on the config defaults.
func (r *Root) settings(f *sortFlags, changed func(string) bool) (pixelsort.Algorithm, pixelsort.Parameters, error) {
	alg, params, err := r.cfg.SortSettings()
	if err != nil {
		return alg, params, err
	}
	if changed("algorithm") {
		if alg, err = pixelsort.ParseAlgorithm(f.algorithm); err != nil {
			return alg, params, err
		}
	}
	if changed("mode") {
		if params.Mode, err = pixelsort.ParseSortMode(f.mode); err != nil {
			return alg, params, err
		}
	}
	if changed("threshold") {
		params.Threshold = f.threshold
	}
	if changed("interval") {
		params.Interval = f.interval
	}
	if changed("tint") {
		params.ColorTint = f.tint
	}
	return alg, params, params.Validate()
}

func (r *Root) outputFor(input, output string) string {
	if output == "" {
		return fsutil.SortedOutputPath(input, r.cfg.Paths.DefaultOutput)
	}
	if st, err := os.Stat(output); err == nil && st.IsDir() {
		return fsutil.SortedOutputPath(input, output)
	}
	return output
}

func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

// runBatch submits jobs with at most maxInFlight outstanding and reports each
// result through report. It returns the number of failed jobs.
func (r *Root) runBatch(ctx context.Context, jobs []pipeline.Job, report func(pipeline.Result)) (int, error) {
	limit := min(max(r.cfg.Processing.QueueSize, 1), maxInFlight)
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()

	pending := make(map[string]bool)
	next, failed := 0, 0
	for next < len(jobs) || len(pending) > 0 {
		for next < len(jobs) && len(pending) < limit {
			if err := r.enqueue(ctx, jobs[next]); err != nil {
				return failed, fmt.Errorf("queue %s: %w", jobs[next].InputPath, err)
			}
			pending[jobs[next].ID] = true
			next++
		}
		select {
		case <-ctx.Done():
			return failed, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return failed, fmt.Errorf("pipeline stopped with %d jobs pending", len(pending))
			}
			if !pending[res.Job.ID] {
				continue
			}
			delete(pending, res.Job.ID)
			if res.Error != nil {
				failed++
			}
			report(res)
		}
	}
	return failed, nil
}

// serve runs the HTTP and, when grpcAddr is set, gRPC servers until ctx ends
// or either fails.
func (r *Root) serve(ctx context.Context, httpAddr, grpcAddr string) error {
	g, ctx := errgroup.WithContext(ctx)
	if httpAddr != "" {
		g.Go(func() error { return r.serveHTTP(ctx, httpAddr, r.cfg, r.store, r.pipeline, r.log) })
	}
	if grpcAddr != "" {
		g.Go(func() error { return r.serveGRPC(ctx, grpcAddr, r.cfg, r.pipeline, r.log) })
	}
	return g.Wait()
}

func printResult(w io.Writer, res pipeline.Result) {
	name := filepath.Base(res.Job.InputPath)
	if res.Error != nil {
		fmt.Fprintf(w, "FAIL %s: %v\n", name, res.Error)
		return
	}
	var parts []string
	if out, ok := res.Meta["output"].(string); ok {
		parts = append(parts, "-> "+out)
	}
	if size, ok := res.Meta["output_size"].(string); ok {
		parts = append(parts, "("+size+")")
	}
	if noop, ok := res.Meta["noop"].(bool); ok && noop {
		parts = append(parts, "crop area empty, nothing written")
	}
	fmt.Fprintf(w, "ok   %s %s\n", name, strings.Join(parts, " "))
}
