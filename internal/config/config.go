// Package config loads process settings from built-in defaults, an optional
// YAML file, COMMUNE_* environment variables and command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort  = 2375
	DefaultLimit = 3
	EnvPrefix    = "COMMUNE_"
)

type Config struct {
	Port              int           `yaml:"port" mapstructure:"port"`
	Limit             int           `yaml:"limit" mapstructure:"limit"`
	ContentDir        string        `yaml:"content_dir" mapstructure:"content_dir"`
	DownloadDir       string        `yaml:"download_dir" mapstructure:"download_dir"`
	Prefix            string        `yaml:"prefix" mapstructure:"prefix"`
	LogFile           string        `yaml:"log_file" mapstructure:"log_file"`
	LogLevel          string        `yaml:"log_level" mapstructure:"log_level"`
	PeerCache         string        `yaml:"peer_cache" mapstructure:"peer_cache"`
	MetricsAddr       string        `yaml:"metrics_addr" mapstructure:"metrics_addr"`
	MDNS              bool          `yaml:"mdns" mapstructure:"mdns"`
	AdvertiseLoopback bool          `yaml:"advertise_loopback" mapstructure:"advertise_loopback"`
	DialTimeout       time.Duration `yaml:"dial_timeout" mapstructure:"dial_timeout"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval" mapstructure:"keep_alive_interval"`
	KeepAliveJitter   time.Duration `yaml:"keep_alive_jitter" mapstructure:"keep_alive_jitter"`
	DigestCacheSize   int           `yaml:"digest_cache_size" mapstructure:"digest_cache_size"`
	// Peers are bootstrap addresses in host[:port] form.
	Peers []string `yaml:"peers" mapstructure:"peers"`
}

func Default() Config {
	return Config{
		Port:              DefaultPort,
		Limit:             DefaultLimit,
		ContentDir:        "Content",
		DownloadDir:       "Downloads",
		Prefix:            "/",
		LogFile:           "commune.log",
		LogLevel:          "info",
		PeerCache:         "peers.bencode",
		DialTimeout:       10 * time.Second,
		KeepAliveInterval: 10 * time.Second,
		KeepAliveJitter:   15 * time.Second,
		DigestCacheSize:   256,
	}
}

// Load builds the configuration for a process started with args (without the
// program name) in an environment given as KEY=VALUE pairs. Positional
// arguments are appended to Peers.
func Load(args, environ []string) (*Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("commune", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var (
		configPath = fs.StringP("config", "c", "", "YAML configuration file")
		port       = fs.IntP("port", "p", cfg.Port, "port to listen on")
		limit      = fs.IntP("limit", "l", cfg.Limit, "soft limit on automatic connections")
		content    = fs.String("content", cfg.ContentDir, "directory to share")
		downloads  = fs.String("downloads", cfg.DownloadDir, "directory to store downloads in")
		logFile    = fs.String("log-file", cfg.LogFile, "log file")
		logLevel   = fs.String("log-level", cfg.LogLevel, "log level: debug, info, warn or error")
		peerCache  = fs.String("peer-cache", cfg.PeerCache, "known peer cache file, empty to disable")
		metrics    = fs.String("metrics", cfg.MetricsAddr, "address to serve Prometheus metrics on, empty to disable")
		mdns       = fs.Bool("mdns", cfg.MDNS, "advertise and browse for peers on the local network")
		loopback   = fs.Bool("advertise-loopback", cfg.AdvertiseLoopback, "include loopback peers in gossip")
	)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: commune [flags] [host[:port] ...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		if err := cfg.loadFile(*configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(environ); err != nil {
		return nil, err
	}

	set := map[string]func(){
		"port":               func() { cfg.Port = *port },
		"limit":              func() { cfg.Limit = *limit },
		"content":            func() { cfg.ContentDir = *content },
		"downloads":          func() { cfg.DownloadDir = *downloads },
		"log-file":           func() { cfg.LogFile = *logFile },
		"log-level":          func() { cfg.LogLevel = *logLevel },
		"peer-cache":         func() { cfg.PeerCache = *peerCache },
		"metrics":            func() { cfg.MetricsAddr = *metrics },
		"mdns":               func() { cfg.MDNS = *mdns },
		"advertise-loopback": func() { cfg.AdvertiseLoopback = *loopback },
	}
	fs.Visit(func(f *pflag.Flag) {
		if apply, ok := set[f.Name]; ok {
			apply()
		}
	})
	cfg.Peers = append(cfg.Peers, fs.Args()...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv(environ []string) error {
	values := make(map[string]interface{})
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		values[strings.ToLower(strings.TrimPrefix(key, EnvPrefix))] = value
	}
	if len(values) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		ZeroFields:       true,
		Result:           c,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(values); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	var err error
	if c.Port < 0 || c.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Limit <= 0 {
		err = multierr.Append(err, fmt.Errorf("limit must be positive, got %d", c.Limit))
	}
	if !strings.HasPrefix(c.Prefix, "/") {
		err = multierr.Append(err, fmt.Errorf("prefix %q must start with /", c.Prefix))
	}
	if _, levelErr := c.Level(); levelErr != nil {
		err = multierr.Append(err, levelErr)
	}
	if c.KeepAliveInterval <= 0 || c.KeepAliveJitter <= 0 {
		err = multierr.Append(err, errors.New("keep-alive interval and jitter must be positive"))
	}
	if c.DialTimeout < 0 {
		err = multierr.Append(err, errors.New("dial timeout must not be negative"))
	}
	if c.DigestCacheSize <= 0 {
		err = multierr.Append(err, errors.New("digest cache size must be positive"))
	}
	return err
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}
	return level, nil
}
