// Package config loads and watches the Loom daemon configuration.
package config

import "time"

// Config represents the Loom daemon configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Server    ServerConfig    `mapstructure:"server"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Stream    StreamConfig    `mapstructure:"stream"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig configures the HTTP/WebSocket server
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// EngineConfig configures execution orchestration
type EngineConfig struct {
	// ExecutionTimeoutSeconds bounds each agent invocation (default: 300)
	ExecutionTimeoutSeconds int `mapstructure:"execution_timeout_seconds"`
	// MaxConcurrent caps executions running in parallel (default: 16)
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// AgentConfig configures the external agent runtime client
type AgentConfig struct {
	BaseURL               string `mapstructure:"base_url"`
	HealthIntervalSeconds int    `mapstructure:"health_interval_seconds"`
	RequestsPerMinute     int    `mapstructure:"requests_per_minute"`
}

// SchedulerConfig configures the cron ticker
type SchedulerConfig struct {
	// TickIntervalSeconds is how often due jobs are checked (default: 1)
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`
}

// StreamConfig configures the event broadcaster
type StreamConfig struct {
	// SubscriberBuffer is the bounded per-observer queue size (default: 64)
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// Default values applied when the config file omits a setting
const (
	DefaultServerPort              = 8780
	DefaultExecutionTimeoutSeconds = 300
	DefaultMaxConcurrent           = 16
	DefaultHealthIntervalSeconds   = 30
	DefaultRequestsPerMinute       = 60
	DefaultTickIntervalSeconds     = 1
	DefaultSubscriberBuffer        = 64
)

// ExecutionTimeout returns the engine execution timeout as a duration.
func (c *Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Engine.ExecutionTimeoutSeconds) * time.Second
}

// HealthInterval returns the agent health polling interval as a duration.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Agent.HealthIntervalSeconds) * time.Second
}

// TickInterval returns the scheduler tick interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Scheduler.TickIntervalSeconds) * time.Second
}
