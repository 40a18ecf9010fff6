package opencode

import (
	"context"
	"fmt"
	"time"

	"github.com/opencode-nexus/nexus/pkg/logger"
)

// HealthStatus represents the reachability of an OpenCode server
type HealthStatus struct {
	Available bool
	Error     error
	Latency   time.Duration
	Info      *AppInfo
}

// CheckHealth probes the server and measures round-trip latency
func (c *Client) CheckHealth(ctx context.Context) (*HealthStatus, error) {
	log := logger.WithComponent("opencode_health")
	log.Debug("Checking server health", "base_url", c.baseURL)

	start := time.Now()
	info, err := c.AppInfo(ctx)
	latency := time.Since(start)

	if err != nil {
		log.Error("Failed to reach server", "base_url", c.baseURL, "error", err)
		return &HealthStatus{
			Available: false,
			Error:     fmt.Errorf("cannot connect to server at %s: %w", c.baseURL, err),
			Latency:   latency,
		}, nil
	}

	log.Debug("Health check successful", "server", info.Name, "version", info.Version, "latency", latency)
	return &HealthStatus{
		Available: true,
		Latency:   latency,
		Info:      info,
	}, nil
}

// CheckHealthWithTimeout performs a health check bounded by timeout
func (c *Client) CheckHealthWithTimeout(timeout time.Duration) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.CheckHealth(ctx)
}
