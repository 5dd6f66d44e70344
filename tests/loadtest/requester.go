package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type RequestResult struct {
	StatusCode int
	Duration   time.Duration
	Bytes      int
	FromCache  bool
	Emergency  bool
	Error      string
	Category   string
}

type renderBody struct {
	RequestID string `json:"request_id"`
	URL       string `json:"url"`
	UserAgent string `json:"user_agent,omitempty"`
}

type renderEnvelope struct {
	Success bool `json:"success"`
	Data    struct {
		HTML               string `json:"html"`
		FromCache          bool   `json:"from_cache"`
		IsEmergencyContent bool   `json:"is_emergency_content"`
	} `json:"data"`
	Error *struct {
		Category string `json:"category"`
	} `json:"error"`
}

func renderOnce(ctx context.Context, client *http.Client, config Config, url, userAgent string) *RequestResult {
	payload, err := json.Marshal(renderBody{
		RequestID: uuid.New().String(),
		URL:       url,
		UserAgent: userAgent,
	})
	if err != nil {
		return &RequestResult{Error: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		config.Target+"/render", bytes.NewReader(payload))
	if err != nil {
		return &RequestResult{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+config.AuthToken)
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return &RequestResult{Duration: elapsed, Error: categorizeError(err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RequestResult{
			StatusCode: resp.StatusCode,
			Duration:   elapsed,
			Error:      fmt.Sprintf("body read: %v", err),
		}
	}

	result := &RequestResult{
		StatusCode: resp.StatusCode,
		Duration:   elapsed,
		Bytes:      len(body),
	}
	var envelope renderEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil {
		result.FromCache = envelope.Data.FromCache
		result.Emergency = envelope.Data.IsEmergencyContent
		if envelope.Error != nil {
			result.Category = envelope.Error.Category
		}
	}
	return result
}

func categorizeError(err error) string {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection refused"
	case strings.Contains(msg, "no such host"):
		return "dns failure"
	default:
		return msg
	}
}
