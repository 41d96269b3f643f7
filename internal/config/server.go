package config

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"time"
)

const defaultListenAndServeAddr = ":8080"

type ServerConfig struct {
	Address  string `yaml:"address"`
	Key      string `yaml:"key"`
	LogLevel string `yaml:"log_level"`

	Store  StoreConfig  `yaml:"store"`
	Score  ScoreConfig  `yaml:"score"`
	Sinks  SinkConfig   `yaml:"sinks"`
	Source SourceConfig `yaml:"source"`

	Timeout time.Duration `yaml:"timeout"`
}

// ENV > flags > YAML > defaults
func LoadServerConfig(args []string, out io.Writer) (ServerConfig, error) {
	cfg := ServerConfig{
		Address:  defaultListenAndServeAddr,
		LogLevel: defaultLogLevel,
		Store:    defaultStore(),
		Sinks:    defaultSinks(),
		Timeout:  defaultServerTimeout,
	}
	// The server only writes files when asked to.
	cfg.Sinks.NoFile = true

	fs := newFlagSet("server", out)
	o := newOverlay(fs)
	o.String(&cfg.Address, "address", "a", "ADDRESS", fmt.Sprintf("HTTP listen address, default: %s", defaultListenAndServeAddr))
	o.String(&cfg.Key, "key", "k", "KEY", "HMAC key required on signed routes")
	o.String(&cfg.LogLevel, "log-level", "", "LOG_LEVEL", fmt.Sprintf("log level, default: %s", defaultLogLevel))
	o.Duration(&cfg.Timeout, "timeout", "t", "SESSION_TIMEOUT", fmt.Sprintf("session deadline, default: %s", defaultServerTimeout))
	o.store(&cfg.Store)
	o.score(&cfg.Score)
	o.sinks(&cfg.Sinks)
	o.source(&cfg.Source)

	if err := o.load(args, &cfg); err != nil {
		return ServerConfig{}, err
	}

	addr := normalizeListenAndServeURL(cfg.Address)
	_, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" {
		return ServerConfig{}, fmt.Errorf("invalid listen address: %q", addr)
	}
	cfg.Address = addr

	if cfg.Timeout <= 0 {
		return ServerConfig{}, fmt.Errorf("session timeout must be positive, got %s", cfg.Timeout)
	}
	if err := cfg.Store.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func normalizeListenAndServeURL(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultListenAndServeAddr
	}
	if strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		if u, err := url.Parse(s); err == nil && u.Host != "" {
			return u.Host
		}
	}
	if !strings.Contains(s, ":") {
		return ":" + s
	}
	return s
}
