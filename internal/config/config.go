// Package config loads service configuration from defaults, an optional
// YAML file and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides. Sections are separated from
// keys by a double underscore: DIAGNOSE_INFERENCE__TIMEOUT=45s.
const EnvPrefix = "DIAGNOSE_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Staging   StagingConfig   `koanf:"staging"`
	Inference InferenceConfig `koanf:"inference"`
	Redis     RedisConfig     `koanf:"redis"`
	Database  DatabaseConfig  `koanf:"database"`
	Tracing   TracingConfig   `koanf:"tracing"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	MaxUploadBytes  int64         `koanf:"max_upload_bytes"`

	// GRPCHealthAddr enables the gRPC health service when set.
	GRPCHealthAddr string `koanf:"grpc_health_addr"`
}

type StagingConfig struct {
	Dir string `koanf:"dir"`
}

type InferenceConfig struct {
	Command       string        `koanf:"command"`
	Args          []string      `koanf:"args"`
	Dir           string        `koanf:"dir"`
	Timeout       time.Duration `koanf:"timeout"`
	MaxConcurrent int           `koanf:"max_concurrent"`
}

// RedisConfig enables request status tracking when Addr is set.
type RedisConfig struct {
	Addr      string        `koanf:"addr"`
	ResultTTL time.Duration `koanf:"result_ttl"`
}

// DatabaseConfig enables diagnosis history when DSN is set.
type DatabaseConfig struct {
	DSN string `koanf:"dsn"`
}

type TracingConfig struct {
	Enabled     bool   `koanf:"enabled"`
	ServiceName string `koanf:"service_name"`
}

type LogConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

var defaults = map[string]interface{}{
	"server.addr":              ":5000",
	"server.shutdown_timeout":  15 * time.Second,
	"server.max_upload_bytes":  int64(10 << 20),
	"staging.dir":              "./uploads",
	"inference.command":        "python3",
	"inference.args":           []string{"predict.py"},
	"inference.timeout":        60 * time.Second,
	"inference.max_concurrent": 0,
	"redis.result_ttl":         10 * time.Minute,
	"tracing.service_name":     "ai-diagnose",
	"log.level":                "info",
}

// Load builds the configuration. path may be empty to skip the YAML file.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("set default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Inference.Command) == "" {
		errs = append(errs, errors.New("inference.command is required"))
	}
	if c.Inference.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("inference.timeout must be positive, got %s", c.Inference.Timeout))
	}
	if c.Inference.MaxConcurrent < 0 {
		errs = append(errs, fmt.Errorf("inference.max_concurrent must not be negative, got %d", c.Inference.MaxConcurrent))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout must be positive, got %s", c.Server.ShutdownTimeout))
	}
	if strings.TrimSpace(c.Staging.Dir) == "" {
		errs = append(errs, errors.New("staging.dir is required"))
	}
	return errors.Join(errs...)
}
