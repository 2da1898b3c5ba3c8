// Package config loads StormStack's process configuration from defaults,
// an optional JSON/YAML file, and environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls an HTTP+WS listener (used by both the node and the
// control plane, each with its own section).
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"HOST"`
	Port int    `json:"port" yaml:"port" env:"PORT"`
}

// Addr returns host:port for net/http.Server.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig controls process-wide logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
	Output string `json:"output" yaml:"output" env:"LOG_OUTPUT"`
}

// SchedulerConfig controls the per-container tick pipeline.
type SchedulerConfig struct {
	TickIntervalMs     int     `json:"tick_interval_ms" yaml:"tick_interval_ms" env:"SCHEDULER_TICK_INTERVAL_MS"`
	MaxCommandsPerTick int     `json:"max_commands_per_tick" yaml:"max_commands_per_tick" env:"SCHEDULER_MAX_COMMANDS_PER_TICK"`
	TickBudgetMultiple float64 `json:"tick_budget_multiple" yaml:"tick_budget_multiple" env:"SCHEDULER_TICK_BUDGET_MULTIPLE"`
	QueueCapacity      int     `json:"queue_capacity" yaml:"queue_capacity" env:"SCHEDULER_QUEUE_CAPACITY"`
	WorkerPoolSize     int     `json:"worker_pool_size" yaml:"worker_pool_size" env:"SCHEDULER_WORKER_POOL_SIZE"`
}

// TickInterval returns the configured tick cadence as a time.Duration.
func (s SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(s.TickIntervalMs) * time.Millisecond
}

// TickBudget returns the slow-tick threshold (default 5x the interval).
func (s SchedulerConfig) TickBudget() time.Duration {
	return time.Duration(float64(s.TickIntervalMs)*s.TickBudgetMultiple) * time.Millisecond
}

// AuthConfig controls the token/principal gate.
type AuthConfig struct {
	JWTSecret    string   `json:"jwt_secret" yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	JWTAudience  string   `json:"jwt_audience" yaml:"jwt_audience" env:"AUTH_JWT_AUDIENCE"`
	StaticTokens []string `json:"static_tokens" yaml:"static_tokens" env:"AUTH_STATIC_TOKENS"`
}

// ClusterConfig controls node heartbeats and reattachment.
type ClusterConfig struct {
	HeartbeatIntervalMs  int `json:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms" env:"CLUSTER_HEARTBEAT_INTERVAL_MS"`
	ReattachWindowSec    int `json:"reattach_window_sec" yaml:"reattach_window_sec" env:"CLUSTER_REATTACH_WINDOW_SEC"`
	MaxPlacementAttempts int `json:"max_placement_attempts" yaml:"max_placement_attempts" env:"CLUSTER_MAX_PLACEMENT_ATTEMPTS"`
}

// HeartbeatInterval returns the configured heartbeat cadence.
func (c ClusterConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// OfflineAfter returns the 3x-heartbeat offline threshold.
func (c ClusterConfig) OfflineAfter() time.Duration {
	return 3 * c.HeartbeatInterval()
}

// ReattachWindow returns the window in which an OFFLINE node may reattach.
func (c ClusterConfig) ReattachWindow() time.Duration {
	return time.Duration(c.ReattachWindowSec) * time.Second
}

// StorageConfig controls the optional document-store collaborator.
type StorageConfig struct {
	DSN string `json:"dsn" yaml:"dsn" env:"STORAGE_DSN"`
}

// TracingConfig configures an OTLP exporter endpoint, when enabled.
type TracingConfig struct {
	Endpoint    string `json:"endpoint" yaml:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	ServiceName string `json:"service_name" yaml:"service_name" env:"TRACING_SERVICE_NAME"`
}

// Config is the top-level, process-wide configuration structure.
type Config struct {
	Node         ServerConfig    `json:"node" yaml:"node"`
	ControlPlane ServerConfig    `json:"control_plane" yaml:"control_plane"`
	Logging      LoggingConfig   `json:"logging" yaml:"logging"`
	Scheduler    SchedulerConfig `json:"scheduler" yaml:"scheduler"`
	Auth         AuthConfig      `json:"auth" yaml:"auth"`
	Cluster      ClusterConfig   `json:"cluster" yaml:"cluster"`
	Storage      StorageConfig   `json:"storage" yaml:"storage"`
	Tracing      TracingConfig   `json:"tracing" yaml:"tracing"`
}

// New returns a Config populated with the stock defaults.
func New() *Config {
	return &Config{
		Node:         ServerConfig{Host: "0.0.0.0", Port: 8080},
		ControlPlane: ServerConfig{Host: "0.0.0.0", Port: 8081},
		Logging:      LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Scheduler: SchedulerConfig{
			TickIntervalMs:     100,
			MaxCommandsPerTick: 256,
			TickBudgetMultiple: 5,
			QueueCapacity:      1024,
			WorkerPoolSize:     8,
		},
		Cluster: ClusterConfig{
			HeartbeatIntervalMs:  5000,
			ReattachWindowSec:    300,
			MaxPlacementAttempts: 3,
		},
	}
}

// Load overlays a JSON or YAML file (selected by extension) onto cfg, then
// applies environment variables (via envdecode) on top.
func Load(path string) (*Config, error) {
	cfg := New()

	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		// yaml.v3 parses JSON documents too (JSON is a YAML subset), so one
		// path handles both "config.yaml" and "config.json".
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	_ = godotenv.Load() // optional .env; absence is not an error

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when none of the tagged fields have a matching
		// environment variable set; treat that as "no overrides" so runs
		// without exported vars still work.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env config: %w", err)
		}
	}

	return cfg, nil
}
