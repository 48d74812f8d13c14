package extract

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config configures the extraction pipeline. Loaded from the YAML file
// named by CONFIG_PATH; zero values fall back to defaults.
type Config struct {
	// MaxFileSize is the largest source document accepted, in bytes
	// (default: 100 MB).
	MaxFileSize int64

	// FetchTimeout bounds remote URL downloads (default: 30s).
	FetchTimeout time.Duration

	// VisualizeDPI controls visualization rendering scale (default: 72).
	VisualizeDPI int

	// MaxPages caps the number of pages processed per document.
	// 0 means unlimited.
	MaxPages int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = 100 * 1024 * 1024
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
	if c.VisualizeDPI <= 0 {
		c.VisualizeDPI = 72
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// LoadConfig reads a pipeline Config from a YAML file. Durations are
// given as strings ("30s", "2m").
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var raw struct {
		MaxFileSize  int64  `yaml:"max_file_size"`
		FetchTimeout string `yaml:"fetch_timeout"`
		VisualizeDPI int    `yaml:"visualize_dpi"`
		MaxPages     int    `yaml:"max_pages"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.MaxFileSize = raw.MaxFileSize
	cfg.VisualizeDPI = raw.VisualizeDPI
	cfg.MaxPages = raw.MaxPages
	if raw.FetchTimeout != "" {
		d, err := time.ParseDuration(raw.FetchTimeout)
		if err != nil {
			return cfg, fmt.Errorf("parse config %s: fetch_timeout: %w", path, err)
		}
		cfg.FetchTimeout = d
	}
	return cfg, nil
}
