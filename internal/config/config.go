// Package config loads packetlens settings: built-in defaults, then an
// optional YAML file, then PACKETLENS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PACKETLENS_"

type Config struct {
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" envPrefix:"DISPATCHER_"`
	Streams    StreamsConfig    `yaml:"streams" envPrefix:"STREAMS_"`
	Log        LogConfig        `yaml:"log" envPrefix:"LOG_"`
	Filter     FilterConfig     `yaml:"filter" envPrefix:"FILTER_"`
}

type ServerConfig struct {
	Port int `yaml:"port" env:"PORT"`
	// UploadLimit caps the size of uploaded capture files in bytes.
	UploadLimit int64 `yaml:"upload_limit" env:"UPLOAD_LIMIT"`
}

type DispatcherConfig struct {
	// Threads is the worker count; 0 uses one worker per CPU.
	Threads   int `yaml:"threads" env:"THREADS"`
	BatchSize int `yaml:"batch_size" env:"BATCH_SIZE"`
	// MaxQueue bounds the work queue; 0 leaves it unbounded.
	MaxQueue int `yaml:"max_queue" env:"MAX_QUEUE"`
	// DissectorConfig is passed verbatim to every dissector.
	DissectorConfig string `yaml:"dissector_config" env:"DISSECTOR_CONFIG"`
	// MaxBacklog is the queue depth at which file loading pauses.
	MaxBacklog int `yaml:"max_backlog" env:"MAX_BACKLOG"`
}

type StreamsConfig struct {
	MaxKept int `yaml:"max_kept" env:"MAX_KEPT"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

type FilterConfig struct {
	// Patterns maps pattern names usable in filters to expr-lang programs.
	Patterns map[string]string `yaml:"patterns" env:"PATTERNS"`
	// Globals are constants visible to every filter.
	Globals map[string]any `yaml:"globals"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			UploadLimit: 512 << 20,
		},
		Dispatcher: DispatcherConfig{
			Threads:    runtime.NumCPU(),
			BatchSize:  64,
			MaxBacklog: 10000,
		},
		Streams: StreamsConfig{MaxKept: 1024},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.UploadLimit <= 0 {
		return errors.New("server.upload_limit must be positive")
	}
	if c.Dispatcher.Threads < 0 {
		return fmt.Errorf("dispatcher.threads %d is negative", c.Dispatcher.Threads)
	}
	if c.Dispatcher.BatchSize < 0 {
		return fmt.Errorf("dispatcher.batch_size %d is negative", c.Dispatcher.BatchSize)
	}
	if c.Dispatcher.MaxQueue < 0 {
		return fmt.Errorf("dispatcher.max_queue %d is negative", c.Dispatcher.MaxQueue)
	}
	if c.Dispatcher.MaxBacklog <= 0 {
		return errors.New("dispatcher.max_backlog must be positive")
	}
	if c.Dispatcher.MaxQueue > 0 && c.Dispatcher.MaxBacklog > c.Dispatcher.MaxQueue {
		return fmt.Errorf("dispatcher.max_backlog %d exceeds max_queue %d",
			c.Dispatcher.MaxBacklog, c.Dispatcher.MaxQueue)
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	for name, src := range c.Filter.Patterns {
		if name == "" || src == "" {
			return fmt.Errorf("filter.patterns: empty name or program for %q", name)
		}
	}
	return nil
}

// Apply configures the global logrus logger.
func (l LogConfig) Apply() error {
	level, err := log.ParseLevel(l.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if l.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
