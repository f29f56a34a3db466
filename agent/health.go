package agent

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"
)

// HealthMonitor polls the agent runtime's health endpoint and tracks
// reachability. State transitions are logged once, not every poll.
type HealthMonitor struct {
	client   *Client
	interval time.Duration
	healthy  atomic.Bool
	lastSeen atomic.Int64 // unix seconds of last successful poll
}

// NewHealthMonitor creates a monitor polling at the given interval.
func NewHealthMonitor(client *Client, interval time.Duration) *HealthMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthMonitor{client: client, interval: interval}
}

// Healthy reports the last observed runtime health.
func (m *HealthMonitor) Healthy() bool {
	return m.healthy.Load()
}

// LastSeen returns when the runtime last answered a health poll, or the
// zero time if it never has.
func (m *HealthMonitor) LastSeen() time.Time {
	sec := m.lastSeen.Load()
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// Run polls until the context is cancelled. Blocking; run in a goroutine.
func (m *HealthMonitor) Run(ctx context.Context) {
	// Immediate first poll so Healthy() is meaningful at startup.
	m.poll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.poll(ctx)
		}
	}
}

func (m *HealthMonitor) poll(ctx context.Context) {
	pollCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, m.client.baseURL+"/v1/health", nil)
	if err != nil {
		m.transition(false, err.Error())
		return
	}

	resp, err := m.client.httpClient.Do(req)
	if err != nil {
		m.transition(false, err.Error())
		return
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		m.transition(false, resp.Status)
		return
	}

	m.lastSeen.Store(time.Now().Unix())
	m.transition(true, "")
}

func (m *HealthMonitor) transition(healthy bool, reason string) {
	was := m.healthy.Swap(healthy)
	if was == healthy {
		return
	}
	if healthy {
		m.client.logger.Infow("Agent runtime healthy", "base_url", m.client.baseURL)
	} else {
		m.client.logger.Warnw("Agent runtime unhealthy",
			"base_url", m.client.baseURL,
			"reason", reason,
		)
	}
}
