// Package cache stores reproducible render results keyed by a normalized
// fingerprint of URL plus output-affecting options.
package cache

import (
	"fmt"
	"time"

	"github.com/pagelens/renderd/pkg/types"
)

// Compression algorithms for stored HTML.
const (
	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionLZ4    = "lz4"
)

// Config controls the result cache.
type Config struct {
	// Capacity is the maximum number of entries.
	Capacity int `yaml:"capacity"`

	// TTL is the maximum entry age; expired entries are evicted on read
	// and by the sweep.
	TTL types.Duration `yaml:"ttl"`

	SweepInterval types.Duration `yaml:"sweep_interval"`

	// Compression applied to stored HTML: none, snappy or lz4.
	Compression string `yaml:"compression"`

	// MinCompressSize skips compression for bodies smaller than this.
	MinCompressSize int `yaml:"min_compress_size"`
}

// DefaultConfig returns the settings used when the section is omitted.
func DefaultConfig() *Config {
	return &Config{
		Capacity:        1000,
		TTL:             types.Duration(5 * time.Minute),
		SweepInterval:   types.Duration(time.Minute),
		Compression:     CompressionSnappy,
		MinCompressSize: 512,
	}
}

// Validate checks capacity, TTL and the compression algorithm.
func (c *Config) Validate() error {
	if c.Capacity < 1 {
		return fmt.Errorf("capacity must be at least 1")
	}
	if c.TTL <= 0 {
		return fmt.Errorf("ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	switch c.Compression {
	case CompressionNone, CompressionSnappy, CompressionLZ4:
	default:
		return fmt.Errorf("unknown compression algorithm %q", c.Compression)
	}
	if c.MinCompressSize < 0 {
		return fmt.Errorf("min_compress_size must not be negative")
	}
	return nil
}
