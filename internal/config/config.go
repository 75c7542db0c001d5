// Package config loads and validates percy-core's runtime configuration
// from environment variables and command-line flags, the way
// internal/cli.ParseArgs parses arguments deterministically from a slice
// instead of touching os.Args directly.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/percy-io/percy-core/internal/model"
)

// SnapshotDefaults holds the snapshot.* defaults applied to any Snapshot payload
// that omits them.
type SnapshotDefaults struct {
	Widths    []int
	MinHeight int
	PercyCSS  string
}

// Discovery holds the discovery.* section.
type Discovery struct {
	Concurrency          int
	AllowedHostnames     []string
	DisallowedHostnames  []string
	NetworkIdleTimeoutMS int
	DisableAssetCache    bool
	RequestHeaders       map[string]string
}

// Timeouts holds the timeouts.* section (all in milliseconds).
type Timeouts struct {
	BrowserLaunchMS int
	NavigationMS    int
	BodyFetchMS     int
	APICallMS       int
}

// Config is the fully-resolved, validated configuration PercyCore.start
// consumes.
type Config struct {
	Token      string
	Port       int
	Server     bool
	LogLevel   string
	APIBaseURL string

	Snapshot  SnapshotDefaults
	Discovery Discovery
	Timeouts  Timeouts

	CacheMaxBytes int64

	// ParallelNonce/ParallelTotal come from PERCY_PARALLEL_NONCE/TOTAL and
	// are forwarded to the remote API to correlate a sharded CI run; they
	// are opaque to the core beyond that.
	ParallelNonce string
	ParallelTotal int

	Enabled bool
}

// Default returns a Config populated with the defaults from spec.md §6.
func Default() *Config {
	return &Config{
		Port:       5338,
		Server:     true,
		LogLevel:   "info",
		APIBaseURL: "https://percy.io/api/v1",
		Enabled:    true,
		Snapshot: SnapshotDefaults{
			Widths:    []int{375, 1280},
			MinHeight: model.DefaultMinHeight,
			PercyCSS:  "",
		},
		Discovery: Discovery{
			Concurrency:          5,
			NetworkIdleTimeoutMS: 100,
			RequestHeaders:       map[string]string{},
		},
		Timeouts: Timeouts{
			BrowserLaunchMS: 30_000,
			NavigationMS:    30_000,
			BodyFetchMS:     5_000,
			APICallMS:       30_000,
		},
		CacheMaxBytes: 128 * 1024 * 1024,
	}
}

// Load resolves a Config from environment variables layered onto Default,
// then applies flags parsed from args (flags win over env). It never reads
// os.Args itself, so tests can call it with an arbitrary slice.
func Load(args []string) (*Config, error) {
	cfg := Default()

	if v := os.Getenv("PERCY_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("PERCY_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("PERCY_LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PERCY_PARALLEL_NONCE"); v != "" {
		cfg.ParallelNonce = v
	}
	if v := os.Getenv("PERCY_PARALLEL_TOTAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ParallelTotal = n
		}
	}
	if os.Getenv("PERCY_ENABLE") == "0" {
		cfg.Enabled = false
	}

	fs := flag.NewFlagSet("percyd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	token := fs.String("token", cfg.Token, "Percy API token")
	port := fs.Int("port", cfg.Port, "control server port")
	server := fs.Bool("server", cfg.Server, "enable the local control server")
	logLevel := fs.String("loglevel", cfg.LogLevel, "debug|info|warn|error")
	concurrency := fs.Int("concurrency", cfg.Discovery.Concurrency, "discovery concurrency")
	allowed := fs.String("allowed-hostnames", "", "comma-separated allowed hostname globs")
	disallowed := fs.String("disallowed-hostnames", "", "comma-separated disallowed hostname globs")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("config: parse flags: %w", err)
	}

	cfg.Token = *token
	cfg.Port = *port
	cfg.Server = *server
	cfg.LogLevel = *logLevel
	cfg.Discovery.Concurrency = *concurrency
	if *allowed != "" {
		cfg.Discovery.AllowedHostnames = splitNonEmpty(*allowed)
	}
	if *disallowed != "" {
		cfg.Discovery.DisallowedHostnames = splitNonEmpty(*disallowed)
	}

	return cfg, nil
}

func splitNonEmpty(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate collects every violation instead of stopping at the first, so a
// caller can report the whole list at once (spec.md §7,
// ConfigValidationError).
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if strings.TrimSpace(c.Token) == "" {
		add("token is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		add("port %d out of range (1-65535)", c.Port)
	}
	for _, w := range c.Snapshot.Widths {
		if w < 1 || w > model.MaxWidth {
			add("snapshot.widths: %d out of range (1-%d)", w, model.MaxWidth)
		}
	}
	if c.Snapshot.MinHeight < 1 || c.Snapshot.MinHeight > model.MaxMinHeight {
		add("snapshot.minHeight %d out of range (1-%d)", c.Snapshot.MinHeight, model.MaxMinHeight)
	}
	if c.Discovery.Concurrency < 1 {
		add("discovery.concurrency must be >= 1, got %d", c.Discovery.Concurrency)
	}
	// Preserved as an explicit validation step per spec.md §9's Open
	// Question: an empty-string hostname pattern would otherwise silently
	// match nothing forever; reject it instead of accepting dead config.
	for _, h := range c.Discovery.AllowedHostnames {
		if strings.TrimSpace(h) == "" {
			add("discovery.allowedHostnames: empty pattern is not allowed")
		}
	}
	for _, h := range c.Discovery.DisallowedHostnames {
		if strings.TrimSpace(h) == "" {
			add("discovery.disallowedHostnames: empty pattern is not allowed")
		}
	}

	if len(errs) > 0 {
		return &model.ConfigValidationError{Errs: errs}
	}
	return nil
}
