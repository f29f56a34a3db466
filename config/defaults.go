package config

import (
	"github.com/spf13/viper"
)

// SetDefaults registers default values on a Viper instance.
// Defaults apply whenever the config file or environment omits a key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "loom.db")

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("engine.execution_timeout_seconds", DefaultExecutionTimeoutSeconds)
	v.SetDefault("engine.max_concurrent", DefaultMaxConcurrent)

	v.SetDefault("agent.base_url", "http://localhost:8900")
	v.SetDefault("agent.health_interval_seconds", DefaultHealthIntervalSeconds)
	v.SetDefault("agent.requests_per_minute", DefaultRequestsPerMinute)

	v.SetDefault("scheduler.tick_interval_seconds", DefaultTickIntervalSeconds)

	v.SetDefault("stream.subscriber_buffer", DefaultSubscriberBuffer)
}
