package render

import (
	"fmt"
	"time"

	"github.com/pagelens/renderd/pkg/types"
)

// Config bounds the individual render stages.
type Config struct {
	// SelectorTimeout bounds each wait_for_selectors entry independently.
	SelectorTimeout types.Duration `yaml:"selector_timeout"`

	// ClickSettle is the fixed pause after every click.
	ClickSettle types.Duration `yaml:"click_settle"`

	// NetworkIdleTimeout bounds the network-idle wait when requested.
	NetworkIdleTimeout types.Duration `yaml:"network_idle_timeout"`

	// MaxHTMLBytes rejects pathologically large documents.
	MaxHTMLBytes int `yaml:"max_html_bytes"`

	// Humanlike disables the pointer jitter pass when false.
	Humanlike bool `yaml:"humanlike"`

	// EmergencyTimeout is the fixed, short deadline of a fallback render.
	EmergencyTimeout types.Duration `yaml:"emergency_timeout"`

	// EmergencySettle is how long a fallback render lets the page settle
	// after domcontentloaded before grabbing whatever is there.
	EmergencySettle types.Duration `yaml:"emergency_settle"`
}

// DefaultConfig returns the stage bounds used when the section is omitted.
func DefaultConfig() *Config {
	return &Config{
		SelectorTimeout:    types.Duration(5 * time.Second),
		ClickSettle:        types.Duration(500 * time.Millisecond),
		NetworkIdleTimeout: types.Duration(10 * time.Second),
		MaxHTMLBytes:       20 * 1024 * 1024,
		Humanlike:          true,
		EmergencyTimeout:   types.Duration(8 * time.Second),
		EmergencySettle:    types.Duration(2 * time.Second),
	}
}

// Validate checks the stage bounds.
func (c *Config) Validate() error {
	if c.SelectorTimeout <= 0 {
		return fmt.Errorf("selector_timeout must be positive")
	}
	if c.NetworkIdleTimeout <= 0 {
		return fmt.Errorf("network_idle_timeout must be positive")
	}
	if c.MaxHTMLBytes <= 0 {
		return fmt.Errorf("max_html_bytes must be positive")
	}
	if c.EmergencyTimeout <= 0 {
		return fmt.Errorf("emergency_timeout must be positive")
	}
	return nil
}
