package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/ahrdadan/capq/internal/environment"
)

const (
	// Version is the current version of capq
	Version = "1"
	// AppName is the application name
	AppName = "capq server"
	// EnvPrefix prefixes the environment variable of every flag.
	EnvPrefix = "CAPQ_"
)

// Config holds all configuration options for the capq server
type Config struct {
	// Server
	Host    string
	Port    int
	BaseURL string

	// Environment
	Recipe          string
	Workdir         string
	SkipInstall     bool
	BrowserRevision int

	// Browser
	NavTimeout      time.Duration
	SelectorTimeout time.Duration

	// Queue (NATS JetStream)
	WithNats   bool
	NatsURL    string
	NatsStore  string
	NatsAutoDL bool
	NatsBin    string
	Workers    int
	ResultTTL  time.Duration

	// Security
	RateLimit      int // requests per minute
	RateBurst      int
	IdempotencyTTL time.Duration
	AllowIPs       string // comma separated
	MaxBody        int

	// Logging
	LogLevel  string
	LogFormat string

	// Flags
	ShowVersion bool
	ShowHelp    bool
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:            "0.0.0.0",
		Port:            8000,
		NavTimeout:      30 * time.Second,
		SelectorTimeout: 30 * time.Second,
		WithNats:        true,
		NatsURL:         "nats://127.0.0.1:4222",
		NatsStore:       "./data/nats",
		NatsAutoDL:      true,
		NatsBin:         "./bin/nats-server",
		Workers:         2,
		ResultTTL:       24 * time.Hour,
		RateLimit:       60,
		RateBurst:       10,
		IdempotencyTTL:  24 * time.Hour,
		MaxBody:         1 << 20,
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

// FlagSet binds cfg's fields to a new flag set.
func (cfg *Config) FlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	fs.StringVar(&cfg.Host, "host", cfg.Host, "Host address to bind the server")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port number for the server")
	fs.StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Base URL for links in API responses")

	fs.StringVar(&cfg.Recipe, "recipe", cfg.Recipe, "YAML environment recipe (default recipe if empty)")
	fs.StringVar(&cfg.Workdir, "workdir", cfg.Workdir, "Override the recipe workdir")
	fs.BoolVar(&cfg.SkipInstall, "skip-install", cfg.SkipInstall, "Skip OS package installation")
	fs.IntVar(&cfg.BrowserRevision, "browser-revision", cfg.BrowserRevision, "Chromium revision to download (0 uses rod's default)")

	fs.DurationVar(&cfg.NavTimeout, "nav-timeout", cfg.NavTimeout, "Navigation timeout")
	fs.DurationVar(&cfg.SelectorTimeout, "selector-timeout", cfg.SelectorTimeout, "Selector wait timeout")

	fs.BoolVar(&cfg.WithNats, "with-nats", cfg.WithNats, "Enable the NATS JetStream job queue")
	fs.StringVar(&cfg.NatsURL, "nats-url", cfg.NatsURL, "NATS server URL")
	fs.StringVar(&cfg.NatsStore, "nats-store", cfg.NatsStore, "NATS JetStream storage directory")
	fs.BoolVar(&cfg.NatsAutoDL, "nats-autodl", cfg.NatsAutoDL, "Auto-download the NATS server binary")
	fs.StringVar(&cfg.NatsBin, "nats-bin", cfg.NatsBin, "Path to the NATS server binary")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent job workers")
	fs.DurationVar(&cfg.ResultTTL, "result-ttl", cfg.ResultTTL, "Default job result retention")

	fs.IntVar(&cfg.RateLimit, "rate-limit", cfg.RateLimit, "Requests per minute per client")
	fs.IntVar(&cfg.RateBurst, "rate-burst", cfg.RateBurst, "Request burst per client")
	fs.DurationVar(&cfg.IdempotencyTTL, "idempotency-ttl", cfg.IdempotencyTTL, "Idempotency key retention")
	fs.StringVar(&cfg.AllowIPs, "allow-ips", cfg.AllowIPs, "Comma separated client IP allowlist")
	fs.IntVar(&cfg.MaxBody, "max-body", cfg.MaxBody, "Maximum request body in bytes")

	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (console or json)")

	fs.BoolVar(&cfg.ShowVersion, "version", cfg.ShowVersion, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", cfg.ShowHelp, "Show help message")

	return fs
}

// EnvName returns the environment variable backing a flag.
func EnvName(flagName string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// Load builds the configuration from defaults, then CAPQ_* variables read
// through getenv, then args.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := DefaultConfig()
	fs := cfg.FlagSet("server")
	fs.SetOutput(io.Discard)

	var envErr error
	fs.VisitAll(func(f *flag.Flag) {
		if f.Name == "help" || f.Name == "version" || envErr != nil {
			return
		}
		if v := getenv(EnvName(f.Name)); v != "" {
			if err := fs.Set(f.Name, v); err != nil {
				envErr = fmt.Errorf("invalid %s: %w", EnvName(f.Name), err)
			}
		}
	})
	if envErr != nil {
		return nil, envErr
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			cfg.ShowHelp = true
			return cfg, nil
		}
		return nil, err
	}

	if cfg.BaseURL == "" {
		host := cfg.Host
		if host == "0.0.0.0" || host == "" {
			host = "localhost"
		}
		cfg.BaseURL = fmt.Sprintf("http://%s:%d", host, cfg.Port)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (cfg *Config) Validate() error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port %d out of range", cfg.Port)
	}
	if cfg.NavTimeout <= 0 || cfg.SelectorTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if cfg.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if cfg.RateLimit < 1 || cfg.RateBurst < 1 {
		return fmt.Errorf("rate limit and burst must be at least 1")
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return fmt.Errorf("log format must be console or json, got %q", cfg.LogFormat)
	}
	return nil
}

// AllowedIPs splits AllowIPs.
func (cfg *Config) AllowedIPs() []string {
	var ips []string
	for _, ip := range strings.Split(cfg.AllowIPs, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

// EnvironmentSpec returns the recipe to build, with flag overrides applied.
func (cfg *Config) EnvironmentSpec() (environment.Spec, error) {
	spec := environment.DefaultSpec()
	if cfg.Recipe != "" {
		loaded, err := environment.LoadSpec(cfg.Recipe)
		if err != nil {
			return environment.Spec{}, err
		}
		spec = loaded
	}
	if cfg.Workdir != "" {
		spec.Workdir = cfg.Workdir
	}
	if cfg.BrowserRevision > 0 {
		spec.BrowserRevision = cfg.BrowserRevision
	}
	return spec, spec.Validate()
}

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is ignored.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// ParseFlags parses the process arguments and environment, exiting on error.
func ParseFlags() *Config {
	cfg, err := Load(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n\n", err)
		PrintHelp(os.Stderr)
		os.Exit(2)
	}
	return cfg
}

// PrintVersion prints version information
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "%s v%s\n", AppName, Version)
}

// PrintHelp prints usage with every flag, its default and its variable.
func PrintHelp(w io.Writer) {
	fmt.Fprintf(w, "%s v%s (Capture + Queue)\n\nUsage:\n  ./server [flags]\n\nFlags:\n", AppName, Version)
	fs := DefaultConfig().FlagSet("server")
	fs.VisitAll(func(f *flag.Flag) {
		def := f.DefValue
		if def == "" {
			def = `""`
		}
		fmt.Fprintf(w, "  --%-18s %s (default %s, env %s)\n", f.Name, f.Usage, def, EnvName(f.Name))
	})
	fmt.Fprintln(w)
}

// HandleFlags handles version and help flags, exits if needed
func HandleFlags(cfg *Config) {
	if cfg.ShowVersion {
		PrintVersion(os.Stdout)
		os.Exit(0)
	}
	if cfg.ShowHelp {
		PrintHelp(os.Stdout)
		os.Exit(0)
	}
}
