package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"pixelsorter/internal/pixelsort"
)

const (
	defaultConfigPath = "~/.config/pixelsorter/config.json"
	defaultParallel   = 2
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "PIXELSORTER_CONFIG"

// Config holds user-editable settings.
type Config struct {
	Sorting    Sorting    `json:"sorting"`
	Images     Images     `json:"images"`
	Processing Processing `json:"processing"`
	Logging    Logging    `json:"logging"`
	Paths      Paths      `json:"paths"`
	Server     Server     `json:"server"`
}

// Sorting holds the default sort settings.
type Sorting struct {
	Algorithm string  `json:"algorithm"` // horizontal, vertical, diagonal, radial
	Threshold float64 `json:"threshold"` // 0-255
	Interval  int     `json:"interval"`  // max run length in pixels
	SortMode  string  `json:"sort_mode"` // brightness, hue, red, green, blue
	ColorTint float64 `json:"color_tint"`
}

// Images controls loading and saving.
type Images struct {
	MaxWidth         int      `json:"max_width"`
	MaxHeight        int      `json:"max_height"`
	MaxPixels        int      `json:"max_pixels"` // engine allocation limit
	JPEGQuality      int      `json:"jpeg_quality"`
	SupportedFormats []string `json:"supported_formats"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `json:"parallel_jobs"`
	QueueSize    int `json:"queue_size"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
	SampleDir     string `json:"sample_dir"`
	WatchDir      string `json:"watch_dir"`
}

// Server configures the network front ends.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvConfigPath)
	if configPath == "" {
		configPath = defaultConfigPath
	}
	return LoadFile(configPath)
}

// LoadFile reads the config at path. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg, nil
}

// Path reports the config location in effect.
func Path() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Default returns the built-in configuration.
func Default() *Config {
	params := pixelsort.DefaultParameters()
	return &Config{
		Sorting: Sorting{
			Algorithm: pixelsort.Horizontal.String(),
			Threshold: params.Threshold,
			Interval:  params.Interval,
			SortMode:  params.Mode.String(),
			ColorTint: params.ColorTint,
		},
		Images: Images{
			MaxWidth:    1920,
			MaxHeight:   1080,
			MaxPixels:   pixelsort.DefaultMaxPixels,
			JPEGQuality: 95,
			SupportedFormats: []string{
				".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tiff", ".tif", ".webp",
			},
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    64,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./output",
			DatabasePath:  filepath.Join(os.TempDir(), "pixelsorter.db"),
			SampleDir:     "sample_images",
			WatchDir:      "",
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
	}
}

// SortSettings converts the sorting section into engine values.
func (c *Config) SortSettings() (pixelsort.Algorithm, pixelsort.Parameters, error) {
	alg, err := pixelsort.ParseAlgorithm(c.Sorting.Algorithm)
	if err != nil {
		return 0, pixelsort.Parameters{}, err
	}
	mode, err := pixelsort.ParseSortMode(c.Sorting.SortMode)
	if err != nil {
		return 0, pixelsort.Parameters{}, err
	}
	params := pixelsort.Parameters{
		Threshold: c.Sorting.Threshold,
		Interval:  c.Sorting.Interval,
		Mode:      mode,
		ColorTint: c.Sorting.ColorTint,
	}
	if err := params.Validate(); err != nil {
		return 0, pixelsort.Parameters{}, err
	}
	return alg, params, nil
}

// Validate checks every section for values the program cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, _, err := c.SortSettings(); err != nil {
		errs = append(errs, fmt.Errorf("sorting: %w", err))
	}
	if c.Images.MaxWidth <= 0 || c.Images.MaxHeight <= 0 {
		errs = append(errs, fmt.Errorf("images: max size %dx%d must be positive", c.Images.MaxWidth, c.Images.MaxHeight))
	}
	if c.Images.JPEGQuality < 1 || c.Images.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("images: jpeg quality %d outside 1-100", c.Images.JPEGQuality))
	}
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, fmt.Errorf("processing: parallel_jobs must be at least 1"))
	}
	if c.Paths.DefaultOutput == "" {
		errs = append(errs, fmt.Errorf("paths: default_output is empty"))
	}
	return errors.Join(errs...)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
