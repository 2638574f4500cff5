package cli

import (
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pixelsorter/internal/agent"
	"pixelsorter/internal/config"
	"pixelsorter/internal/crop"
	"pixelsorter/internal/fsutil"
	"pixelsorter/internal/pipeline"
	"pixelsorter/internal/pixelsort"
	"pixelsorter/internal/samples"
	"pixelsorter/internal/storage"
	"pixelsorter/internal/watch"
)

// Version is reported by the version command.
var Version = "0.3.0"

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pixelsorter",
		Short: "Pixelsorter applies pixel-sorting glitch effects to images",
		Long: `Pixelsorter reorders runs of pixels along horizontal, vertical, diagonal or
radial scanlines. Images can be sorted whole or inside a crop rectangle, one at
a time, in batches, from a watched folder, or over HTTP and gRPC.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newSortCmd(root))
	rootCmd.AddCommand(newCropCmd(root))
	rootCmd.AddCommand(newBatchCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newAgentCmd(root))
	rootCmd.AddCommand(newSamplesCmd(root))
	rootCmd.AddCommand(newAlgorithmsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

func addSortFlags(cmd *cobra.Command, f *sortFlags) {
	cmd.Flags().StringVarP(&f.algorithm, "algorithm", "a", "", "scan pattern (horizontal|vertical|diagonal|radial), config default if unset")
	cmd.Flags().StringVarP(&f.mode, "mode", "m", "", "sort key (brightness|hue|red|green|blue)")
	cmd.Flags().Float64VarP(&f.threshold, "threshold", "t", 0, "brightness at or above which pixels join a run (0-255)")
	cmd.Flags().IntVarP(&f.interval, "interval", "i", 0, "longest run in pixels")
	cmd.Flags().Float64Var(&f.tint, "tint", 0, "hue rotation in degrees applied after sorting [0,360)")
}

func newSortCmd(root *Root) *cobra.Command {
	var (
		f      sortFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "sort <image> [output]",
		Short: "Pixel-sort a single image",
		Long: `Sort one image and write the result.

Examples:
  pixelsorter sort photo.jpg
  pixelsorter sort photo.jpg out.png --algorithm diagonal --threshold 80 --interval 40
  pixelsorter sort photo.dng -o ~/Pictures/sorted --mode hue --tint 120`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, params, err := root.settings(&f, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				output = args[1]
			}
			job := pipeline.Job{
				ID:        pipeline.NewJobID(pipeline.JobSort),
				Type:      pipeline.JobSort,
				InputPath: args[0],
				Output:    root.outputFor(args[0], output),
				Algorithm: alg,
				Params:    params,
				Source:    "cli",
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	addSortFlags(cmd, &f)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file or directory")
	return cmd
}

func newCropCmd(root *Root) *cobra.Command {
	var (
		f      sortFlags
		output string
		rect   []float64
	)

	cmd := &cobra.Command{
		Use:   "crop <image> --rect x0,y0,x1,y1 [output]",
		Short: "Crop an image and pixel-sort the cropped area",
		Long: `Extract the rectangle spanned by two corners, sort it and write it.
Corners are in image pixels, top-left first, and are clamped to the image.
An empty or inverted rectangle writes nothing.

Examples:
  pixelsorter crop photo.jpg --rect 100,50,600,400
  pixelsorter crop photo.jpg --rect 100,50,600,400 -a vertical -o crop.png`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(rect) != 4 {
				return fmt.Errorf("--rect needs four values x0,y0,x1,y1, got %d", len(rect))
			}
			alg, params, err := root.settings(&f, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				output = args[1]
			}
			r := crop.NewRect(rect[0], rect[1], rect[2], rect[3])
			job := pipeline.Job{
				ID:        pipeline.NewJobID(pipeline.JobCrop),
				Type:      pipeline.JobCrop,
				InputPath: args[0],
				Output:    root.outputFor(args[0], output),
				Algorithm: alg,
				Params:    params,
				Crop:      &r,
				Source:    "cli",
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}

	addSortFlags(cmd, &f)
	cmd.Flags().Float64SliceVar(&rect, "rect", nil, "crop corners x0,y0,x1,y1")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file or directory")
	return cmd
}

func newBatchCmd(root *Root) *cobra.Command {
	var (
		f      sortFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "batch <directory>",
		Short: "Pixel-sort every image under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, params, err := root.settings(&f, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			files, err := fsutil.ListImages(args[0])
			if err != nil {
				return fmt.Errorf("list images: %w", err)
			}
			if len(files) == 0 {
				return fmt.Errorf("no images found in %s", args[0])
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}

			jobs := make([]pipeline.Job, 0, len(files))
			for _, file := range files {
				if strings.HasPrefix(filepath.Base(file), "sorted_") {
					continue
				}
				jobs = append(jobs, pipeline.Job{
					ID:        pipeline.NewJobID(pipeline.JobSort),
					Type:      pipeline.JobSort,
					InputPath: file,
					Output:    fsutil.SortedOutputPath(file, output),
					Algorithm: alg,
					Params:    params,
					Source:    "cli",
				})
			}

			out := cmd.OutOrStdout()
			failed, err := root.runBatch(cmd.Context(), jobs, func(res pipeline.Result) { printResult(out, res) })
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d of %d images sorted\n", len(jobs)-failed, len(jobs))
			if failed > 0 {
				return fmt.Errorf("%d images failed", failed)
			}
			return nil
		},
	}

	addSortFlags(cmd, &f)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default paths.default_output)")
	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "scan <directory>",
		Short: "Record size and format of every image under a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        pipeline.NewJobID(pipeline.JobScan),
				Type:      pipeline.JobScan,
				InputPath: args[0],
				Source:    "cli",
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%v images found, %v readable\n", res.Meta["images"], res.Meta["readable"])
			return nil
		},
	}
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		f      sortFlags
		output string
	)

	cmd := &cobra.Command{
		Use:   "watch [directory...]",
		Short: "Sort images as they appear in a hot folder",
		Long: `Watch directories and sort every new image into the output directory.
Files named sorted_* are ignored. Defaults to paths.watch_dir.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, params, err := root.settings(&f, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			dirs := args
			if len(dirs) == 0 && root.cfg.Paths.WatchDir != "" {
				dirs = []string{root.cfg.Paths.WatchDir}
			}
			if output == "" {
				output = root.cfg.Paths.DefaultOutput
			}
			w, err := watch.New(root.pipeline, watch.Options{
				Dirs:      dirs,
				OutputDir: output,
				Algorithm: alg,
				Params:    params,
			}, root.log)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return w.Run(ctx)
		},
	}

	addSortFlags(cmd, &f)
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory (default paths.default_output)")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		httpAddr   string
		grpcAddr   string
		watchPaths []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and gRPC servers",
		Long: `Serve the HTTP API (uploads, interactive sessions, job queue, SSE and
websocket events) and the gRPC service. Optionally watch hot folders too.

Examples:
  pixelsorter serve
  pixelsorter serve --http :8080 --grpc ""
  pixelsorter serve --watch /srv/inbox`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			root.log.Info("starting servers",
				"http_addr", httpAddr,
				"grpc_addr", grpcAddr,
				"watch_paths", watchPaths,
			)

			if len(watchPaths) > 0 {
				alg, params, err := root.cfg.SortSettings()
				if err != nil {
					return err
				}
				w, err := watch.New(root.pipeline, watch.Options{
					Dirs:      watchPaths,
					OutputDir: root.cfg.Paths.DefaultOutput,
					Algorithm: alg,
					Params:    params,
				}, root.log)
				if err != nil {
					return err
				}
				go w.Run(ctx)
			}
			return root.serve(ctx, httpAddr, grpcAddr)
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", root.cfg.Server.HTTPAddr, "HTTP listen address, empty to disable")
	cmd.Flags().StringVar(&grpcAddr, "grpc", root.cfg.Server.GRPCAddr, "gRPC listen address, empty to disable")
	cmd.Flags().StringSliceVar(&watchPaths, "watch", nil, "directories to sort new images from")
	return cmd
}

func newAgentCmd(root *Root) *cobra.Command {
	var (
		f      sortFlags
		cfg    agent.Config
		output string
	)

	cmd := &cobra.Command{
		Use:   "agent <directory...>",
		Short: "Watch local folders and queue new images on a remote server",
		Long: `Run a hot-folder agent that submits jobs to a pixelsorter gRPC server.
Watched paths must be reachable by the server under the same names.

Examples:
  pixelsorter agent --server sorter:9090 /mnt/shared/inbox
  pixelsorter agent --server sorter:9090 --ca-cert ca.pem -a radial /mnt/shared/inbox`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			alg, params, err := root.settings(&f, cmd.Flags().Changed)
			if err != nil {
				return err
			}
			cfg.Directories = args
			cfg.OutputDir = output
			cfg.Algorithm = alg
			cfg.Params = params

			a, err := agent.NewAgent(&cfg, root.log)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	}

	addSortFlags(cmd, &f)
	cmd.Flags().StringVarP(&cfg.ServerAddress, "server", "s", "localhost"+root.cfg.Server.GRPCAddr, "gRPC server address")
	cmd.Flags().StringVarP(&cfg.AgentID, "agent-id", "n", "", "agent id (generated if empty)")
	cmd.Flags().StringVar(&cfg.CACertPath, "ca-cert", "", "CA certificate for TLS")
	cmd.Flags().BoolVar(&cfg.SkipTLSVerify, "skip-tls-verify", false, "use TLS without verifying the server")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output directory on the server (default next to the input)")
	return cmd
}

func newSamplesCmd(root *Root) *cobra.Command {
	var (
		force bool
		seed  uint64
	)

	cmd := &cobra.Command{
		Use:   "samples [directory]",
		Short: "List the sample images, generating them when missing",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := root.cfg.Paths.SampleDir
			if len(args) == 1 {
				dir = args[0]
			}
			var (
				files []string
				err   error
			)
			if force {
				files, err = samples.Create(dir, seed)
			} else {
				files, err = samples.List(dir, seed)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, file := range files {
				fmt.Fprintln(out, file)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "regenerate the samples even if images exist")
	cmd.Flags().Uint64Var(&seed, "seed", 42, "seed for the noise sample")
	return cmd
}

func newAlgorithmsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "algorithms",
		Short: "List scan patterns and sort keys",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Algorithms:")
			for _, a := range pixelsort.Algorithms() {
				fmt.Fprintf(out, "  %-12s %s\n", a.String(), a.Name())
			}
			fmt.Fprintln(out, "Sort modes:")
			for _, m := range pixelsort.SortModes() {
				fmt.Fprintf(out, "  %-12s %s\n", m.String(), m.Name())
			}
			if root.cfg.Images.MaxPixels > 0 {
				fmt.Fprintf(out, "Images over %s pixels are rejected\n", humanize.Comma(int64(root.cfg.Images.MaxPixels)))
			}
		},
	}
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("pixelsorter v%s\n", Version)
		},
	}
}
