// Package admission gates incoming work before any render resources are
// touched: per-identity rate windows, burst windows, a global in-flight
// ceiling, and escalating blocks for repeat offenders.
package admission

import (
	"fmt"
	"time"

	"github.com/pagelens/renderd/pkg/types"
)

// Endpoint categories with distinct quotas.
const (
	CategoryRender = "render"
	CategoryBatch  = "batch"
	CategoryStatus = "status"
)

// Denial reasons, ordered by check priority.
const (
	ReasonBlocked            = "IP_BLOCKED"
	ReasonResourceExhaustion = "RESOURCE_EXHAUSTION"
	ReasonBurstLimit         = "BURST_LIMIT"
	ReasonRateLimit          = "RATE_LIMIT"
)

// Quota is one endpoint category's pair of limits.
type Quota struct {
	// WindowLimit caps requests over the long window.
	WindowLimit int `yaml:"window_limit"`
	// BurstLimit caps requests over the short burst window.
	BurstLimit int `yaml:"burst_limit"`
}

// Config controls the admission controller.
type Config struct {
	Window      types.Duration `yaml:"window"`
	BurstWindow types.Duration `yaml:"burst_window"`

	// MaxInflight is the global concurrent render ceiling.
	MaxInflight int `yaml:"max_inflight"`

	// ViolationThreshold is how many long-window busts an identity gets
	// before blocks start.
	ViolationThreshold int `yaml:"violation_threshold"`

	// BlockBase doubles per violation past the threshold, up to BlockMax.
	BlockBase types.Duration `yaml:"block_base"`
	BlockMax  types.Duration `yaml:"block_max"`

	SweepInterval types.Duration `yaml:"sweep_interval"`

	// StaleAfter is how long an idle identity record survives sweeps.
	StaleAfter types.Duration `yaml:"stale_after"`

	// Quotas by endpoint category; DefaultQuota covers unknown categories.
	Quotas       map[string]Quota `yaml:"quotas"`
	DefaultQuota Quota            `yaml:"default_quota"`
}

// DefaultConfig returns the limits used when the section is omitted.
func DefaultConfig() *Config {
	return &Config{
		Window:             types.Duration(time.Minute),
		BurstWindow:        types.Duration(10 * time.Second),
		MaxInflight:        32,
		ViolationThreshold: 5,
		BlockBase:          types.Duration(time.Minute),
		BlockMax:           types.Duration(time.Hour),
		SweepInterval:      types.Duration(time.Minute),
		StaleAfter:         types.Duration(10 * time.Minute),
		Quotas: map[string]Quota{
			CategoryRender: {WindowLimit: 60, BurstLimit: 10},
			CategoryBatch:  {WindowLimit: 10, BurstLimit: 3},
			CategoryStatus: {WindowLimit: 600, BurstLimit: 60},
		},
		DefaultQuota: Quota{WindowLimit: 60, BurstLimit: 10},
	}
}

// Validate checks the windows and limits.
func (c *Config) Validate() error {
	if c.Window <= 0 || c.BurstWindow <= 0 {
		return fmt.Errorf("window and burst_window must be positive")
	}
	if c.BurstWindow >= c.Window {
		return fmt.Errorf("burst_window must be shorter than window")
	}
	if c.MaxInflight < 1 {
		return fmt.Errorf("max_inflight must be at least 1")
	}
	if c.ViolationThreshold < 1 {
		return fmt.Errorf("violation_threshold must be at least 1")
	}
	if c.BlockBase <= 0 || c.BlockMax < c.BlockBase {
		return fmt.Errorf("block_base must be positive and block_max >= block_base")
	}
	for name, q := range c.Quotas {
		if q.WindowLimit < 1 || q.BurstLimit < 1 {
			return fmt.Errorf("quota %q limits must be at least 1", name)
		}
	}
	return nil
}

func (c *Config) quota(category string) Quota {
	if q, ok := c.Quotas[category]; ok {
		return q
	}
	return c.DefaultQuota
}
