// Package batch fans lists of URLs through the render pipeline in bounded
// chunks, pausing between chunks so a batch never bursts the admission
// controller or the session pool.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pagelens/renderd/pkg/types"
)

// RenderFunc renders one URL. The service wires the cache-aware render
// path in here.
type RenderFunc func(ctx context.Context, req *types.RenderRequest) (*types.RenderResult, error)

// Config controls batch fan-out.
type Config struct {
	// MaxConcurrency clamps the caller-requested concurrency.
	MaxConcurrency int `yaml:"max_concurrency"`

	// MaxURLs caps the batch size.
	MaxURLs int `yaml:"max_urls"`

	// ChunkPause is the fixed pause between chunks.
	ChunkPause types.Duration `yaml:"chunk_pause"`
}

// DefaultConfig returns the settings used when the section is omitted.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrency: 5,
		MaxURLs:        50,
		ChunkPause:     types.Duration(500 * time.Millisecond),
	}
}

// Validate checks the fan-out bounds.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be at least 1")
	}
	if c.MaxURLs < 1 {
		return fmt.Errorf("max_urls must be at least 1")
	}
	if c.ChunkPause < 0 {
		return fmt.Errorf("chunk_pause must not be negative")
	}
	return nil
}

// Scheduler runs batches over an injected render function.
type Scheduler struct {
	config *Config
	render RenderFunc
	logger *zap.Logger
}

// NewScheduler wires a scheduler.
func NewScheduler(config *Config, render RenderFunc, logger *zap.Logger) *Scheduler {
	return &Scheduler{config: config, render: render, logger: logger}
}

// Run processes the batch in fixed-size chunks equal to the clamped
// concurrency. Within a chunk all renders run concurrently; the scheduler
// waits for the whole chunk before the next one. Every URL's outcome is
// independent.
func (s *Scheduler) Run(ctx context.Context, req *types.BatchRequest) (*types.BatchResult, error) {
	if len(req.URLs) == 0 {
		return nil, types.NewCategoryError(types.CategoryValidation,
			fmt.Errorf("batch contains no urls"))
	}
	if len(req.URLs) > s.config.MaxURLs {
		return nil, types.NewCategoryError(types.CategoryValidation,
			fmt.Errorf("batch size %d exceeds limit %d", len(req.URLs), s.config.MaxURLs))
	}

	concurrency := req.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	if concurrency > s.config.MaxConcurrency {
		concurrency = s.config.MaxConcurrency
	}

	result := &types.BatchResult{
		Total:   len(req.URLs),
		Results: make([]*types.RenderResult, 0, len(req.URLs)),
		Errors:  make([]types.BatchItemError, 0),
	}
	var mu sync.Mutex

	s.logger.Info("batch started",
		zap.Int("urls", len(req.URLs)),
		zap.Int("concurrency", concurrency))

	for chunkStart := 0; chunkStart < len(req.URLs); chunkStart += concurrency {
		if err := ctx.Err(); err != nil {
			// Remaining URLs are recorded as timed out rather than lost.
			mu.Lock()
			for _, url := range req.URLs[chunkStart:] {
				result.Failed++
				result.Errors = append(result.Errors, types.BatchItemError{
					URL:      url,
					Category: types.CategoryTimeout,
					Error:    "batch deadline exceeded before this url was attempted",
				})
			}
			mu.Unlock()
			break
		}

		chunkEnd := chunkStart + concurrency
		if chunkEnd > len(req.URLs) {
			chunkEnd = len(req.URLs)
		}
		chunk := req.URLs[chunkStart:chunkEnd]

		var wg sync.WaitGroup
		for _, url := range chunk {
			wg.Add(1)
			go func(url string) {
				defer wg.Done()

				itemReq := s.itemRequest(req, url)
				res, err := s.render(ctx, itemReq)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result.Failed++
					result.Errors = append(result.Errors, types.BatchItemError{
						URL:      url,
						Category: types.Categorize(err),
						Error:    err.Error(),
					})
					return
				}
				result.Succeeded++
				result.Results = append(result.Results, res)
			}(url)
		}
		wg.Wait()

		if chunkEnd < len(req.URLs) && s.config.ChunkPause > 0 {
			select {
			case <-time.After(s.config.ChunkPause.Std()):
			case <-ctx.Done():
			}
		}
	}

	s.logger.Info("batch finished",
		zap.Int("succeeded", result.Succeeded),
		zap.Int("failed", result.Failed))
	return result, nil
}

// itemRequest clones the shared options for one URL with a fresh request id.
func (s *Scheduler) itemRequest(batch *types.BatchRequest, url string) *types.RenderRequest {
	item := batch.Options
	item.URL = url
	item.RequestID = uuid.New().String()
	item.Normalize()
	return &item
}
