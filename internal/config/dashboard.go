package config

import "time"

// DashboardConfig configures the command-center HTTP server.
type DashboardConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`

	// SSE
	HeartbeatEvery time.Duration `json:"sse_heartbeat_every"` // Keeps proxies from closing idle streams
	RetryMillis    int           `json:"sse_retry_millis"`

	// Hot tier ring
	HotCapacity int           `json:"hot_capacity"` // Samples per session ring
	HotTTL      time.Duration `json:"hot_ttl"`
}

// DefaultDashboardConfig returns production defaults.
func DefaultDashboardConfig() DashboardConfig {
	return DashboardConfig{
		Enabled:        true,
		Addr:           "127.0.0.1:7433",
		HeartbeatEvery: 25 * time.Second,
		RetryMillis:    3000,
		HotCapacity:    60,
		HotTTL:         5 * time.Minute,
	}
}
