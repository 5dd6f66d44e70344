package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

type Stats struct {
	startedAt time.Time

	total       int64
	success     int64
	clientError int64
	serverError int64
	netError    int64

	cacheHits int64
	emergency int64

	totalBytes int64

	mu         sync.Mutex
	latencies  *hdrhistogram.Histogram
	categories map[string]int64
}

func NewStats() *Stats {
	return &Stats{
		startedAt: time.Now(),
		// 1ms .. 5min at 3 significant digits.
		latencies:  hdrhistogram.New(1, 300_000, 3),
		categories: make(map[string]int64),
	}
}

func (s *Stats) Record(r *RequestResult) {
	atomic.AddInt64(&s.total, 1)
	atomic.AddInt64(&s.totalBytes, int64(r.Bytes))

	switch {
	case r.Error != "":
		atomic.AddInt64(&s.netError, 1)
	case r.StatusCode >= 500:
		atomic.AddInt64(&s.serverError, 1)
	case r.StatusCode >= 400:
		atomic.AddInt64(&s.clientError, 1)
	default:
		atomic.AddInt64(&s.success, 1)
	}
	if r.FromCache {
		atomic.AddInt64(&s.cacheHits, 1)
	}
	if r.Emergency {
		atomic.AddInt64(&s.emergency, 1)
	}

	s.mu.Lock()
	s.latencies.RecordValue(r.Duration.Milliseconds())
	if r.Category != "" {
		s.categories[r.Category]++
	}
	if r.Error != "" {
		s.categories[r.Error]++
	}
	s.mu.Unlock()
}

func (s *Stats) PrintInterim() {
	total := atomic.LoadInt64(&s.total)
	elapsed := time.Since(s.startedAt).Seconds()
	rps := float64(total) / elapsed

	s.mu.Lock()
	p50 := s.latencies.ValueAtQuantile(50)
	p95 := s.latencies.ValueAtQuantile(95)
	s.mu.Unlock()

	fmt.Printf("[%s] %d requests, %.1f req/s, 2xx=%d 4xx=%d 5xx=%d err=%d cache=%d p50=%dms p95=%dms\n",
		time.Since(s.startedAt).Round(time.Second),
		total, rps,
		atomic.LoadInt64(&s.success),
		atomic.LoadInt64(&s.clientError),
		atomic.LoadInt64(&s.serverError),
		atomic.LoadInt64(&s.netError),
		atomic.LoadInt64(&s.cacheHits),
		p50, p95)
}

func (s *Stats) PrintFinal() {
	total := atomic.LoadInt64(&s.total)
	elapsed := time.Since(s.startedAt)

	fmt.Printf("\n=== results ===\n")
	fmt.Printf("duration:    %s\n", elapsed.Round(time.Second))
	fmt.Printf("requests:    %d (%.1f req/s)\n", total, float64(total)/elapsed.Seconds())
	fmt.Printf("success:     %d\n", atomic.LoadInt64(&s.success))
	fmt.Printf("4xx:         %d\n", atomic.LoadInt64(&s.clientError))
	fmt.Printf("5xx:         %d\n", atomic.LoadInt64(&s.serverError))
	fmt.Printf("net errors:  %d\n", atomic.LoadInt64(&s.netError))
	fmt.Printf("cache hits:  %d\n", atomic.LoadInt64(&s.cacheHits))
	fmt.Printf("emergency:   %d\n", atomic.LoadInt64(&s.emergency))
	fmt.Printf("bytes:       %d\n", atomic.LoadInt64(&s.totalBytes))

	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Printf("\nlatency (ms): p50=%d p90=%d p95=%d p99=%d max=%d\n",
		s.latencies.ValueAtQuantile(50),
		s.latencies.ValueAtQuantile(90),
		s.latencies.ValueAtQuantile(95),
		s.latencies.ValueAtQuantile(99),
		s.latencies.Max())

	if len(s.categories) > 0 {
		fmt.Printf("\nfailure breakdown:\n")
		for category, count := range s.categories {
			fmt.Printf("  %-24s %d\n", category, count)
		}
	}
}
