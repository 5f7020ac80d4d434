package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is cacheprobe's configuration: a validate-tagged struct with
// env-var defaults and optional YAML layering.
type Config struct {
	Server   ServerConfig   `yaml:"server" validate:"required"`
	Logging  LoggingConfig  `yaml:"logging" validate:"required"`
	Cache    CacheConfig    `yaml:"cache" validate:"required"`
	Pipeline PipelineConfig `yaml:"pipeline" validate:"required"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// TracingConfig configures the optional OTLP trace exporter. When
// Endpoint is empty, cacheprobe runs with tracing compiled in but no
// exporter attached (spans are created and immediately dropped).
type TracingConfig struct {
	Endpoint string `yaml:"otlp_endpoint"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

type CacheConfig struct {
	MemoryDemotionAge time.Duration `yaml:"memory_demotion_age" validate:"required"`
	FileDir           string        `yaml:"file_dir" validate:"required"`
	SweepInterval     time.Duration `yaml:"sweep_interval" validate:"required"`
}

type PipelineConfig struct {
	Parallelism   int  `yaml:"parallelism" validate:"min=1"`
	PreserveOrder bool `yaml:"preserve_order"`
}

// DefaultConfig returns the built-in defaults, each overridable via
// environment variable.
func DefaultConfig() Config {
	return Config{
		Server:  ServerConfig{Addr: getEnvString("CACHEPROBE_ADDR", ":8089")},
		Logging: LoggingConfig{Level: getEnvString("CACHEPROBE_LOG_LEVEL", "info")},
		Cache: CacheConfig{
			MemoryDemotionAge: getEnvDuration("CACHEPROBE_DEMOTION_AGE", 2*time.Minute),
			FileDir:           getEnvString("CACHEPROBE_FILE_DIR", "./cacheprobe-data"),
			SweepInterval:     getEnvDuration("CACHEPROBE_SWEEP_INTERVAL", 30*time.Second),
		},
		Pipeline: PipelineConfig{
			Parallelism:   getEnvInt("CACHEPROBE_PIPELINE_PARALLELISM", 4),
			PreserveOrder: getEnvBool("CACHEPROBE_PIPELINE_PRESERVE_ORDER", true),
		},
		Tracing: TracingConfig{
			Endpoint: getEnvString("CACHEPROBE_OTLP_ENDPOINT", ""),
		},
	}
}

// LoadConfig reads path (if non-empty and present) as YAML over
// DefaultConfig, then validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func getEnvString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
