// Package config loads service configuration from defaults, an optional YAML
// file and the environment, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ModeSimulate = "simulate"
	ModeWorker   = "worker"

	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPHost       string        `yaml:"http_host"`
	Port           int           `yaml:"port"`
	APIKey         string        `yaml:"render_api_key"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	CORSOrigins    []string      `yaml:"cors_allowed_origins"`

	Mode                string        `yaml:"render_mode"`
	CompletionThreshold time.Duration `yaml:"render_completion_threshold"`
	JobIDPrefix         string        `yaml:"job_id_prefix"`

	StoreDriver string `yaml:"store_driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	DatabaseURL string `yaml:"database_url"`

	RedisAddr         string        `yaml:"redis_addr"`
	QueueName         string        `yaml:"job_queue_name"`
	RendererBaseURL   string        `yaml:"renderer_http_baseurl"`
	RendererTimeout   time.Duration `yaml:"renderer_timeout"`
	WorkerConcurrency int           `yaml:"worker_concurrency"`

	Retention         time.Duration `yaml:"job_retention"`
	RetentionSchedule string        `yaml:"retention_schedule"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Log LogConfig `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Source bool   `yaml:"source"`
}

func Default() *Config {
	return &Config{
		HTTPHost:            "0.0.0.0",
		Port:                10000,
		RequestTimeout:      15 * time.Second,
		Mode:                ModeSimulate,
		CompletionThreshold: 60 * time.Second,
		JobIDPrefix:         "job",
		StoreDriver:         DriverMemory,
		SQLitePath:          "render_jobs.db",
		QueueName:           "render:jobs",
		RendererTimeout:     10 * time.Minute,
		WorkerConcurrency:   2,
		RetentionSchedule:   "@every 10m",
		ShutdownTimeout:     30 * time.Second,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadDotEnv reads .env files into the process environment. Missing files
// are ignored; variables already set win.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds the configuration. An empty path falls back to CONFIG_FILE.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = strings.TrimSpace(os.Getenv("CONFIG_FILE"))
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	envString("HTTP_HOST", &c.HTTPHost)
	envString("RENDER_API_KEY", &c.APIKey)
	envString("RENDER_MODE", &c.Mode)
	envString("JOB_ID_PREFIX", &c.JobIDPrefix)
	envString("STORE_DRIVER", &c.StoreDriver)
	envString("SQLITE_PATH", &c.SQLitePath)
	envString("DATABASE_URL", &c.DatabaseURL)
	envString("REDIS_ADDR", &c.RedisAddr)
	envString("JOB_QUEUE_NAME", &c.QueueName)
	envString("RENDERER_HTTP_BASEURL", &c.RendererBaseURL)
	envString("RETENTION_SCHEDULE", &c.RetentionSchedule)
	envString("LOG_LEVEL", &c.Log.Level)
	envString("LOG_FORMAT", &c.Log.Format)
	envCSV("CORS_ALLOWED_ORIGINS", &c.CORSOrigins)

	for _, fn := range []func() error{
		func() error { return envInt("PORT", &c.Port) },
		func() error { return envInt("WORKER_CONCURRENCY", &c.WorkerConcurrency) },
		func() error { return envDuration("RENDER_COMPLETION_THRESHOLD", &c.CompletionThreshold) },
		func() error { return envDuration("RENDERER_TIMEOUT", &c.RendererTimeout) },
		func() error { return envDuration("JOB_RETENTION", &c.Retention) },
		func() error { return envDuration("REQUEST_TIMEOUT", &c.RequestTimeout) },
		func() error { return envDuration("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout) },
		func() error { return envBool("LOG_SOURCE", &c.Log.Source) },
	} {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Mode {
	case ModeSimulate, ModeWorker:
	default:
		return fmt.Errorf("invalid RENDER_MODE %q (want %s or %s)", c.Mode, ModeSimulate, ModeWorker)
	}

	switch c.StoreDriver {
	case DriverMemory:
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite store")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("invalid STORE_DRIVER %q", c.StoreDriver)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.CompletionThreshold < 0 {
		return fmt.Errorf("RENDER_COMPLETION_THRESHOLD must not be negative")
	}
	if c.Retention < 0 {
		return fmt.Errorf("JOB_RETENTION must not be negative")
	}
	if c.Mode == ModeWorker && c.RendererBaseURL == "" {
		return fmt.Errorf("RENDERER_HTTP_BASEURL is required in worker mode")
	}
	// With REDIS_ADDR set the jobs are consumed by cmd/worker, which cannot
	// see a process-local memory store.
	if c.Mode == ModeWorker && c.RedisAddr != "" && c.StoreDriver == DriverMemory {
		return fmt.Errorf("STORE_DRIVER %s cannot be shared with a standalone worker; use sqlite or postgres, or unset REDIS_ADDR", DriverMemory)
	}
	return nil
}

// ValidateStandaloneWorker checks what a separate worker process needs: a
// store shared with the API and a shared queue.
func (c *Config) ValidateStandaloneWorker() error {
	if c.StoreDriver == DriverMemory {
		return fmt.Errorf("standalone worker needs a durable store (sqlite or postgres)")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required for the standalone worker")
	}
	if c.RendererBaseURL == "" {
		return fmt.Errorf("RENDERER_HTTP_BASEURL is required for the standalone worker")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.HTTPHost + ":" + strconv.Itoa(c.Port)
}

func (c *Config) Simulating() bool { return c.Mode == ModeSimulate }

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envCSV(key string, dst *[]string) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	out := make([]string, 0)
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

// envDuration accepts Go durations ("90s") and bare integers as seconds.
func envDuration(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(n) * time.Second
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func envBool(key string, dst *bool) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = b
	return nil
}
