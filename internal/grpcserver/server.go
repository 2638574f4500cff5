package grpcserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"pixelsorter/internal/config"
	"pixelsorter/internal/crop"
	"pixelsorter/internal/imageio"
	"pixelsorter/internal/pipeline"
	"pixelsorter/internal/pixelsort"
)

const maxMessageBytes = 100 << 20

// JobPipeline is the part of the pipeline exposed over gRPC.
type JobPipeline interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server implements PixelSorterServer.
type Server struct {
	cfg      *config.Config
	engine   *pixelsort.Engine
	pipeline JobPipeline
	log      *slog.Logger
}

// New creates a service. pipe may be nil, in which case job calls fail with
// Unavailable.
func New(cfg *config.Config, pipe JobPipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		engine:   pixelsort.New(log, pixelsort.WithMaxPixels(cfg.Images.MaxPixels)),
		pipeline: pipe,
		log:      log,
	}
}

// NewGRPCServer builds a grpc.Server with this service registered.
func (s *Server) NewGRPCServer() *grpc.Server {
	g := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageBytes),
		grpc.MaxSendMsgSize(maxMessageBytes),
		grpc.ChainUnaryInterceptor(s.logUnary),
	)
	RegisterPixelSorterServer(g, s)
	return g
}

// Start serves on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	g := s.NewGRPCServer()
	go func() {
		<-ctx.Done()
		g.GracefulStop()
	}()
	s.log.Info("grpc server starting", "addr", lis.Addr().String())
	return g.Serve(lis)
}

func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Warn("grpc call failed", "method", info.FullMethod, "duration_ms", time.Since(start).Milliseconds(), "error", err)
	} else {
		s.log.Debug("grpc call", "method", info.FullMethod, "duration_ms", time.Since(start).Milliseconds())
	}
	return resp, err
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, pixelsort.ErrInvalidParameters),
		errors.Is(err, pixelsort.ErrEmptyImage),
		errors.Is(err, imageio.ErrUnsupportedFormat):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, pixelsort.ErrAllocation):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrStopped):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// settingsFromStruct overlays algorithm, threshold, interval, sort_mode and
// color_tint fields of in on the configured defaults.
func (s *Server) settingsFromStruct(in *structpb.Struct) (pixelsort.Algorithm, pixelsort.Parameters, error) {
	alg, params, err := s.cfg.SortSettings()
	if err != nil {
		return alg, params, err
	}
	f := in.GetFields()
	if v, ok := f["algorithm"]; ok {
		if alg, err = pixelsort.ParseAlgorithm(v.GetStringValue()); err != nil {
			return alg, params, err
		}
	}
	if v, ok := f["sort_mode"]; ok {
		if params.Mode, err = pixelsort.ParseSortMode(v.GetStringValue()); err != nil {
			return alg, params, err
		}
	}
	if v, ok := f["threshold"]; ok {
		params.Threshold = v.GetNumberValue()
	}
	if v, ok := f["interval"]; ok {
		n := v.GetNumberValue()
		if n != math.Trunc(n) {
			return alg, params, fmt.Errorf("%w: interval %v is not a whole number", pixelsort.ErrInvalidParameters, n)
		}
		params.Interval = int(n)
	}
	if v, ok := f["color_tint"]; ok {
		params.ColorTint = v.GetNumberValue()
	}
	return alg, params, params.Validate()
}

// NewSortRequest builds a Sort request for an encoded image.
func NewSortRequest(image []byte, alg pixelsort.Algorithm, params pixelsort.Parameters, format string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"image":      base64.StdEncoding.EncodeToString(image),
		"format":     format,
		"algorithm":  alg.String(),
		"threshold":  params.Threshold,
		"interval":   params.Interval,
		"sort_mode":  params.Mode.String(),
		"color_tint": params.ColorTint,
	})
}

// NewJobRequest builds a SubmitJob request carrying job's settings. The
// server assigns its own job id.
func NewJobRequest(job pipeline.Job) (*structpb.Struct, error) {
	fields := map[string]any{
		"type":       string(job.Type),
		"input":      job.InputPath,
		"output":     job.Output,
		"algorithm":  job.Algorithm.String(),
		"threshold":  job.Params.Threshold,
		"interval":   job.Params.Interval,
		"sort_mode":  job.Params.Mode.String(),
		"color_tint": job.Params.ColorTint,
	}
	if job.Source != "" {
		fields["source"] = job.Source
	}
	if job.Crop != nil {
		fields["crop"] = []any{job.Crop.Min.X, job.Crop.Min.Y, job.Crop.Max.X, job.Crop.Max.Y}
	}
	return structpb.NewStruct(fields)
}

// DecodeSortResponse returns the encoded image carried by a Sort response.
func DecodeSortResponse(out *structpb.Struct) ([]byte, error) {
	return base64.StdEncoding.DecodeString(out.GetFields()["image"].GetStringValue())
}

// Sort decodes the base64 "image" field, sorts it and returns the result
// encoded as "format" (png or jpeg).
func (s *Server) Sort(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	alg, params, err := s.settingsFromStruct(in)
	if err != nil {
		return nil, toStatus(err)
	}
	raw, err := base64.StdEncoding.DecodeString(in.GetFields()["image"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "image is not base64: %v", err)
	}
	img, _, err := imageio.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, toStatus(err)
	}
	if err := ctx.Err(); err != nil {
		return nil, status.FromContextError(err).Err()
	}
	sorted, err := s.engine.SortPixels(img, alg, params)
	if err != nil {
		return nil, toStatus(err)
	}

	format := in.GetFields()["format"].GetStringValue()
	if format == "" {
		format = "png"
	}
	var buf bytes.Buffer
	if err := imageio.Encode(&buf, sorted, format, s.cfg.Images.JPEGQuality); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"image":     base64.StdEncoding.EncodeToString(buf.Bytes()),
		"format":    format,
		"width":     sorted.Width,
		"height":    sorted.Height,
		"algorithm": alg.String(),
	})
}

func (s *Server) ListAlgorithms(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	var algs, modes []any
	for _, a := range pixelsort.Algorithms() {
		algs = append(algs, a.String())
	}
	for _, m := range pixelsort.SortModes() {
		modes = append(modes, m.String())
	}
	return structpb.NewStruct(map[string]any{
		"algorithms": algs,
		"sort_modes": modes,
	})
}

// SubmitJob queues a sort, crop or scan job. A crop job carries a "crop"
// list of x0, y0, x1, y1.
func (s *Server) SubmitJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s.pipeline == nil {
		return nil, status.Error(codes.Unavailable, "job queue unavailable")
	}
	f := in.GetFields()
	jobType := pipeline.JobType(f["type"].GetStringValue())
	input := f["input"].GetStringValue()
	if input == "" {
		return nil, status.Error(codes.InvalidArgument, "input is required")
	}
	alg, params, err := s.settingsFromStruct(in)
	if err != nil {
		return nil, toStatus(err)
	}

	job := pipeline.Job{
		ID:        pipeline.NewJobID(jobType),
		Type:      jobType,
		InputPath: input,
		Output:    f["output"].GetStringValue(),
		Algorithm: alg,
		Params:    params,
		Source:    "grpc",
	}
	if src := f["source"].GetStringValue(); src != "" {
		job.Source = src
	}
	switch jobType {
	case pipeline.JobSort, pipeline.JobScan:
	case pipeline.JobCrop:
		vals := f["crop"].GetListValue().GetValues()
		if len(vals) != 4 {
			return nil, status.Error(codes.InvalidArgument, "crop needs x0, y0, x1, y1")
		}
		r := crop.NewRect(vals[0].GetNumberValue(), vals[1].GetNumberValue(), vals[2].GetNumberValue(), vals[3].GetNumberValue())
		job.Crop = &r
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown job type: %q", jobType)
	}

	if err := s.pipeline.Submit(job); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"id": job.ID, "status": "queued"})
}

// WatchJobs streams every finished job until the client goes away.
func (s *Server) WatchJobs(_ *emptypb.Empty, stream JobEventStream) error {
	if s.pipeline == nil {
		return status.Error(codes.Unavailable, "job queue unavailable")
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case res, ok := <-resCh:
			if !ok {
				return nil
			}
			ev := map[string]any{
				"id":     res.Job.ID,
				"type":   string(res.Job.Type),
				"status": "completed",
			}
			if res.Error != nil {
				ev["status"] = "failed"
				ev["error"] = res.Error.Error()
			}
			if out, ok := res.Meta["output"].(string); ok {
				ev["output"] = out
			}
			msg, err := structpb.NewStruct(ev)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		}
	}
}
