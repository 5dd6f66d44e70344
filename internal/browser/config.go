package browser

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/pagelens/renderd/pkg/types"
)

const (
	// Rough per-session footprint of a Chrome tab with an isolated context.
	perSessionRAMMB = 180
	// RAM kept free for the service itself and the OS.
	reservedRAMMB = 1024

	minAutoSessions = 2
	maxAutoSessions = 32
)

// Config controls the shared engine and the session pool built on it.
type Config struct {
	// MaxSessions is the live session ceiling. "auto" sizes from system RAM.
	MaxSessions string `yaml:"max_sessions"`

	// ChromePath overrides the binary discovered on PATH when set.
	ChromePath string `yaml:"chrome_path"`

	// LaunchTimeout bounds engine startup.
	LaunchTimeout types.Duration `yaml:"launch_timeout"`

	// SessionTimeout bounds creation of one isolated context.
	SessionTimeout types.Duration `yaml:"session_timeout"`

	// SweepInterval is how often the pool probes live sessions.
	SweepInterval types.Duration `yaml:"sweep_interval"`

	// Headless disables the visible window. Always true in production.
	Headless bool `yaml:"headless"`

	// ProxyURL routes all engine traffic through the given proxy when set.
	ProxyURL string `yaml:"proxy_url"`
}

// DefaultConfig returns the settings used when the section is omitted.
func DefaultConfig() *Config {
	return &Config{
		MaxSessions:    "auto",
		LaunchTimeout:  types.Duration(30 * time.Second),
		SessionTimeout: types.Duration(10 * time.Second),
		SweepInterval:  types.Duration(30 * time.Second),
		Headless:       true,
	}
}

// Validate checks the session ceiling and the timeout bounds.
func (c *Config) Validate() error {
	if c.MaxSessions != "auto" {
		n, err := strconv.Atoi(c.MaxSessions)
		if err != nil {
			return fmt.Errorf("max_sessions must be a number or \"auto\": %q", c.MaxSessions)
		}
		if n < 1 || n > 256 {
			return fmt.Errorf("max_sessions out of range [1,256]: %d", n)
		}
	}
	if c.LaunchTimeout <= 0 {
		return fmt.Errorf("launch_timeout must be positive")
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}

// ResolveMaxSessions turns the configured ceiling into a concrete count,
// sizing from available RAM when set to "auto".
func (c *Config) ResolveMaxSessions(logger *zap.Logger) int {
	if c.MaxSessions != "auto" {
		n, err := strconv.Atoi(c.MaxSessions)
		if err == nil && n > 0 {
			return n
		}
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		logger.Warn("failed to read system memory, using minimum session ceiling",
			zap.Error(err))
		return minAutoSessions
	}

	totalMB := int(vm.Total / (1024 * 1024))
	usable := totalMB - reservedRAMMB
	n := usable / perSessionRAMMB
	if n < minAutoSessions {
		n = minAutoSessions
	}
	if n > maxAutoSessions {
		n = maxAutoSessions
	}

	logger.Info("auto-sized session ceiling",
		zap.Int("total_ram_mb", totalMB),
		zap.Int("per_session_mb", perSessionRAMMB),
		zap.Int("max_sessions", n))
	return n
}
