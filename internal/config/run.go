package config

import (
	"fmt"
	"io"
	"time"
)

// RunConfig configures the CLI commands.
type RunConfig struct {
	URL       string `yaml:"url"`
	IndexURL  string `yaml:"index_url"`
	RegionURL string `yaml:"region_url"`
	LogLevel  string `yaml:"log_level"`

	Store  StoreConfig  `yaml:"store"`
	Score  ScoreConfig  `yaml:"score"`
	Sinks  SinkConfig   `yaml:"sinks"`
	Source SourceConfig `yaml:"source"`

	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`

	// Args are the positional arguments left after flag parsing.
	Args []string `yaml:"-"`
}

// ENV > flags > YAML > defaults
func LoadRunConfig(args []string, out io.Writer) (RunConfig, error) {
	cfg := RunConfig{
		LogLevel:    defaultLogLevel,
		Store:       defaultStore(),
		Sinks:       defaultSinks(),
		Timeout:     defaultRunTimeout,
		Concurrency: defaultConcurrency,
	}

	fs := newFlagSet("bamstats", out)
	o := newOverlay(fs)
	o.String(&cfg.URL, "url", "u", "BAM_URL", "alignment file URL or path")
	o.String(&cfg.IndexURL, "index-url", "i", "BAM_INDEX_URL", "index file URL")
	o.String(&cfg.RegionURL, "region-url", "r", "REGION_URL", "BED file restricting the scanned regions")
	o.String(&cfg.LogLevel, "log-level", "", "LOG_LEVEL", fmt.Sprintf("log level, default: %s", defaultLogLevel))
	o.Duration(&cfg.Timeout, "timeout", "t", "SESSION_TIMEOUT", fmt.Sprintf("session deadline, default: %s", defaultRunTimeout))
	o.Int(&cfg.Concurrency, "concurrency", "c", "CONCURRENCY", fmt.Sprintf("documents indexed in parallel, default: %d", defaultConcurrency), 1)
	o.store(&cfg.Store)
	o.score(&cfg.Score)
	o.sinks(&cfg.Sinks)
	o.source(&cfg.Source)

	if err := o.load(args, &cfg); err != nil {
		return RunConfig{}, err
	}
	cfg.Args = fs.Args()

	if cfg.Timeout <= 0 {
		return RunConfig{}, fmt.Errorf("session timeout must be positive, got %s", cfg.Timeout)
	}
	if err := cfg.Store.validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}
