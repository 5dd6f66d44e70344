// Command loadtest drives a renderd instance with concurrent render
// requests and reports latency percentiles per outcome class.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"
)

type Config struct {
	URLsFile    string
	Target      string
	AuthToken   string
	Concurrency int
	Duration    time.Duration
	Timeout     time.Duration
}

func main() {
	urlsFile := flag.String("urls", "", "path to file with one target URL per line (required)")
	target := flag.String("target", "", "renderd base URL, e.g. http://localhost:8080 (required)")
	authToken := flag.String("token", "", "bearer token when the instance requires auth")
	concurrency := flag.Int("concurrency", 4, "number of simultaneous render requests")
	duration := flag.Duration("duration", 0, "test duration limit, 0 runs until Ctrl+C")
	timeout := flag.Duration("timeout", 150*time.Second, "per-request HTTP timeout")
	flag.Parse()

	if *urlsFile == "" || *target == "" || *concurrency < 1 {
		flag.Usage()
		os.Exit(1)
	}
	config := Config{
		URLsFile:    *urlsFile,
		Target:      strings.TrimRight(*target, "/"),
		AuthToken:   *authToken,
		Concurrency: *concurrency,
		Duration:    *duration,
		Timeout:     *timeout,
	}

	urls, err := loadURLs(config.URLsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading urls: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("renderd load test\n")
	fmt.Printf("target:      %s\n", config.Target)
	fmt.Printf("urls:        %d\n", len(urls))
	fmt.Printf("concurrency: %d\n", config.Concurrency)
	if config.Duration > 0 {
		fmt.Printf("duration:    %s\n", config.Duration)
	} else {
		fmt.Printf("duration:    unlimited (Ctrl+C to stop)\n")
	}
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if config.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, config.Duration)
		defer cancel()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\ninterrupted, draining workers...")
		cancel()
	}()

	stats := NewStats()
	client := &http.Client{Timeout: config.Timeout}

	var wg sync.WaitGroup
	for i := 0; i < config.Concurrency; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for ctx.Err() == nil {
				url := urls[rng.Intn(len(urls))]
				result := renderOnce(ctx, client, config, url, randomUserAgent(rng))
				stats.Record(result)
			}
		}(time.Now().UnixNano() + int64(i))
	}

	reportTicker := time.NewTicker(10 * time.Second)
	defer reportTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reportTicker.C:
				stats.PrintInterim()
			}
		}
	}()

	<-ctx.Done()
	wg.Wait()
	stats.PrintFinal()
}

func loadURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("no urls in %s", path)
	}
	return urls, nil
}
