// Package config holds the process configuration of the dsr binary.
//
// A Config starts from Default, is overlaid by an optional YAML file and
// then by command-line flags, and is checked with Validate before any
// component is built from it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/dsr/internal/connector"
	"github.com/roach88/dsr/internal/dagrun"
	"github.com/roach88/dsr/internal/engine"
	"github.com/roach88/dsr/internal/task"
)

// Scheduler backends.
const (
	SchedulerMemory = "memory"
	SchedulerQueue  = "queue"
)

// Config is the full process configuration.
type Config struct {
	// Scheduler selects the in-memory DAG scheduler or the persisted queue.
	Scheduler string `yaml:"scheduler" validate:"oneof=memory queue"`

	// Workers bounds concurrent task bodies in either scheduler.
	Workers int `yaml:"workers" validate:"gte=1"`

	Retry    Retry    `yaml:"retry"`
	Payload  Payload  `yaml:"payload"`
	Cache    Cache    `yaml:"cache"`
	Database Database `yaml:"database"`

	// LeaseTTL bounds how long a crashed worker keeps a task claimed.
	LeaseTTL time.Duration `yaml:"lease_ttl" validate:"gt=0"`

	// Retention is how long finished requests keep their results.
	Retention time.Duration `yaml:"retention" validate:"gte=0"`

	// MetricsAddr, when set, serves Prometheus metrics from dsr worker.
	MetricsAddr string `yaml:"metrics_addr,omitempty" validate:"omitempty,hostname_port"`

	Connections []connector.ConnectionConfig `yaml:"connections,omitempty" validate:"dive"`
}

// Retry is the local retry policy of every connector call.
type Retry struct {
	Count         int           `yaml:"count" validate:"gte=0"`
	Delay         time.Duration `yaml:"delay" validate:"gte=0"`
	BackoffFactor float64       `yaml:"backoff_factor" validate:"gte=1"`
}

// Payload configures where task results are kept.
type Payload struct {
	// Threshold is the largest encoded result kept inline on the task row.
	Threshold int `yaml:"threshold" validate:"gte=0"`

	Backend string `yaml:"backend" validate:"oneof=memory local gcs"`

	// Dir is the root of the local backend.
	Dir string `yaml:"dir,omitempty" validate:"required_if=Backend local"`

	Bucket          string `yaml:"bucket,omitempty" validate:"required_if=Backend gcs"`
	Prefix          string `yaml:"prefix,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`

	// KeyFile holds the AES-256 key sealing externalized payloads. Empty
	// generates a key that lives only as long as the process.
	KeyFile string `yaml:"key_file,omitempty"`
}

// Cache configures the task result cache and the advisory lock.
type Cache struct {
	Backend string        `yaml:"backend" validate:"oneof=memory badger"`
	Path    string        `yaml:"path,omitempty" validate:"required_if=Backend badger"`
	TTL     time.Duration `yaml:"ttl" validate:"gte=0"`
}

// Database selects the task store. PostgresDSN wins over Path.
type Database struct {
	Path        string `yaml:"path,omitempty" validate:"required_without=PostgresDSN"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	retry := task.DefaultRetryPolicy()
	return Config{
		Scheduler: SchedulerQueue,
		Workers:   4,
		Retry: Retry{
			Count:         retry.Count,
			Delay:         retry.Delay,
			BackoffFactor: retry.BackoffFactor,
		},
		Payload:   Payload{Backend: "memory"},
		Cache:     Cache{Backend: "memory"},
		Database:  Database{Path: "dsr.db"},
		LeaseTTL:  5 * time.Minute,
		Retention: 7 * 24 * time.Hour,
	}
}

var validate = validator.New()

// Validate checks the struct constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("config: %s: failed %q", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	seen := make(map[string]bool, len(c.Connections))
	for _, conn := range c.Connections {
		if seen[conn.Key] {
			return fmt.Errorf("config: duplicate connection key %q", conn.Key)
		}
		seen[conn.Key] = true
	}
	return nil
}

// Load reads path over Default and validates the result. Unknown keys are
// rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// RetryPolicy returns the task retry policy.
func (c Config) RetryPolicy() task.RetryPolicy {
	return task.RetryPolicy{
		Count:         c.Retry.Count,
		Delay:         c.Retry.Delay,
		BackoffFactor: c.Retry.BackoffFactor,
	}
}

// Engine returns the queued scheduler configuration.
func (c Config) Engine() engine.Config {
	return engine.Config{
		Workers:  c.Workers,
		LeaseTTL: c.LeaseTTL,
		CacheTTL: c.Cache.TTL,
		Retry:    c.RetryPolicy(),
	}
}

// DAG returns the in-memory scheduler configuration.
func (c Config) DAG() dagrun.Config {
	return dagrun.Config{Workers: c.Workers}
}
