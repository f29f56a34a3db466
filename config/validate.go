package config

import (
	"net/url"

	"github.com/loomworks/loom/errors"
)

// Validate rejects configurations the daemon cannot run with.
// Called by Load; callers constructing a Config by hand should call it too.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.NewValidationf("database.path must not be empty")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.NewValidationf("server.port %d out of range", c.Server.Port)
	}
	if c.Engine.ExecutionTimeoutSeconds <= 0 {
		return errors.NewValidationf("engine.execution_timeout_seconds must be positive, got %d",
			c.Engine.ExecutionTimeoutSeconds)
	}
	if c.Engine.MaxConcurrent <= 0 {
		return errors.NewValidationf("engine.max_concurrent must be positive, got %d",
			c.Engine.MaxConcurrent)
	}
	if c.Agent.BaseURL == "" {
		return errors.NewValidationf("agent.base_url must not be empty")
	}
	if _, err := url.Parse(c.Agent.BaseURL); err != nil {
		return errors.NewValidationf("agent.base_url invalid: %v", err)
	}
	if c.Agent.HealthIntervalSeconds <= 0 {
		return errors.NewValidationf("agent.health_interval_seconds must be positive, got %d",
			c.Agent.HealthIntervalSeconds)
	}
	if c.Agent.RequestsPerMinute <= 0 {
		return errors.NewValidationf("agent.requests_per_minute must be positive, got %d",
			c.Agent.RequestsPerMinute)
	}
	if c.Scheduler.TickIntervalSeconds <= 0 {
		return errors.NewValidationf("scheduler.tick_interval_seconds must be positive, got %d",
			c.Scheduler.TickIntervalSeconds)
	}
	if c.Stream.SubscriberBuffer <= 0 {
		return errors.NewValidationf("stream.subscriber_buffer must be positive, got %d",
			c.Stream.SubscriberBuffer)
	}
	return nil
}
