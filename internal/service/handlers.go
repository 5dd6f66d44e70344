package service

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pagelens/renderd/internal/admission"
	"github.com/pagelens/renderd/internal/cache"
	"github.com/pagelens/renderd/internal/common/clientip"
	"github.com/pagelens/renderd/internal/common/httputil"
	"github.com/pagelens/renderd/internal/common/requestid"
	"github.com/pagelens/renderd/pkg/types"
)

// StatusResponse reports service-level counters for operators.
type StatusResponse struct {
	Connected     bool  `json:"connected"`
	LiveSessions  int   `json:"live_sessions"`
	MaxSessions   int   `json:"max_sessions"`
	Inflight      int   `json:"inflight"`
	CacheEntries  int   `json:"cache_entries"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
}

func (s *Service) handleRender(ctx *fasthttp.RequestCtx) {
	if !s.authorized(ctx) {
		httputil.JSONCategoryError(ctx, types.NewCategoryError(types.CategoryAuth,
			fmt.Errorf("missing or invalid bearer token")))
		s.countRequest("/render", fasthttp.StatusUnauthorized)
		return
	}

	var req types.RenderRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		httputil.JSONCategoryError(ctx, types.NewCategoryError(types.CategoryValidation,
			fmt.Errorf("malformed request body: %w", err)))
		s.countRequest("/render", fasthttp.StatusBadRequest)
		return
	}
	req.RequestID = requestid.Generate(req.RequestID)
	req.Normalize()
	if err := req.Validate(); err != nil {
		httputil.JSONCategoryError(ctx, types.NewCategoryError(types.CategoryValidation, err))
		s.countRequest("/render", fasthttp.StatusBadRequest)
		return
	}

	identity := clientip.Identity(ctx, s.config.Server.ClientIPHeaders)
	if denial := s.admission.Admit(identity, admission.CategoryRender); denial != nil {
		s.denied(ctx, "/render", req.RequestID, identity, denial)
		return
	}
	defer s.admission.Release(identity, admission.CategoryRender)

	log := s.logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("url", req.URL),
		zap.String("client", identity),
	)
	log.Info("render request accepted")

	result, err := s.renderWithCache(ctx, &req)
	if err != nil {
		log.Warn("render failed",
			zap.String("category", string(types.Categorize(err))),
			zap.Error(err))
		httputil.JSONCategoryError(ctx, err)
		s.countRequest("/render", httputil.StatusForCategory(types.Categorize(err)))
		return
	}

	log.Info("render complete",
		zap.Bool("from_cache", result.FromCache),
		zap.Bool("emergency", result.IsEmergencyContent),
		zap.Int("content_length", result.ContentLength),
		zap.Duration("render_time", time.Duration(result.RenderTime)))
	httputil.JSONData(ctx, result, fasthttp.StatusOK)
	s.countRequest("/render", fasthttp.StatusOK)
}

func (s *Service) handleBatch(ctx *fasthttp.RequestCtx) {
	if !s.authorized(ctx) {
		httputil.JSONCategoryError(ctx, types.NewCategoryError(types.CategoryAuth,
			fmt.Errorf("missing or invalid bearer token")))
		s.countRequest("/batch", fasthttp.StatusUnauthorized)
		return
	}

	var req types.BatchRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		httputil.JSONCategoryError(ctx, types.NewCategoryError(types.CategoryValidation,
			fmt.Errorf("malformed request body: %w", err)))
		s.countRequest("/batch", fasthttp.StatusBadRequest)
		return
	}

	// One admission decision covers the whole batch.
	identity := clientip.Identity(ctx, s.config.Server.ClientIPHeaders)
	if denial := s.admission.Admit(identity, admission.CategoryBatch); denial != nil {
		s.denied(ctx, "/batch", "", identity, denial)
		return
	}
	defer s.admission.Release(identity, admission.CategoryBatch)

	s.logger.Info("batch request accepted",
		zap.Int("urls", len(req.URLs)),
		zap.Int("concurrency", req.Concurrency),
		zap.String("client", identity))

	result, err := s.batch.Run(ctx, &req)
	if err != nil {
		httputil.JSONCategoryError(ctx, err)
		s.countRequest("/batch", httputil.StatusForCategory(types.Categorize(err)))
		return
	}
	httputil.JSONData(ctx, result, fasthttp.StatusOK)
	s.countRequest("/batch", fasthttp.StatusOK)
}

func (s *Service) handleStatus(ctx *fasthttp.RequestCtx) {
	if !s.authorized(ctx) {
		httputil.JSONCategoryError(ctx, types.NewCategoryError(types.CategoryAuth,
			fmt.Errorf("missing or invalid bearer token")))
		s.countRequest("/status", fasthttp.StatusUnauthorized)
		return
	}
	identity := clientip.Identity(ctx, s.config.Server.ClientIPHeaders)
	// Snapshot before admitting this request, so it reports render work
	// rather than itself.
	inflight := s.admission.Inflight()
	if denial := s.admission.Admit(identity, admission.CategoryStatus); denial != nil {
		s.denied(ctx, "/status", "", identity, denial)
		return
	}
	defer s.admission.Release(identity, admission.CategoryStatus)

	pool := s.pool.Status()
	resp := StatusResponse{
		Connected:     pool.Connected,
		LiveSessions:  pool.LiveSessions,
		MaxSessions:   pool.MaxSessions,
		Inflight:      inflight,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.cache != nil {
		resp.CacheEntries = s.cache.Len()
	}
	httputil.JSONData(ctx, resp, fasthttp.StatusOK)
	s.countRequest("/status", fasthttp.StatusOK)
}

func (s *Service) handleHealth(ctx *fasthttp.RequestCtx) {
	resp := HealthResponse{Status: "ok", Connected: s.pool.Status().Connected}
	httputil.JSONData(ctx, resp, fasthttp.StatusOK)
	s.countRequest("/health", fasthttp.StatusOK)
}

func (s *Service) denied(ctx *fasthttp.RequestCtx, endpoint, requestID, identity string, denial *types.Denial) {
	s.logger.Warn("request denied",
		zap.String("endpoint", endpoint),
		zap.String("request_id", requestID),
		zap.String("client", identity),
		zap.String("reason", denial.Reason),
		zap.Int("retry_after", denial.RetryAfterSeconds))
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(denial.RetryAfterSeconds))
	httputil.JSONData(ctx, denial, fasthttp.StatusTooManyRequests)
	s.countRequest(endpoint, fasthttp.StatusTooManyRequests)
}

// renderWithCache is the shared render path for single and batch requests.
// Cacheable requests are served from the result cache when possible and
// stored back on success.
func (s *Service) renderWithCache(ctx context.Context, req *types.RenderRequest) (*types.RenderResult, error) {
	if err := req.Validate(); err != nil {
		return nil, types.NewCategoryError(types.CategoryValidation, err)
	}

	cacheable := s.cache != nil && cache.IsCacheable(req)
	var fingerprint string
	if cacheable {
		fp, err := cache.Fingerprint(req)
		if err != nil {
			return nil, types.NewCategoryError(types.CategoryValidation, err)
		}
		fingerprint = fp
		if hit := s.cache.Get(fingerprint); hit != nil {
			hit.RequestID = req.RequestID
			return hit, nil
		}
	}

	result, err := s.orchestrator.Render(ctx, req)
	if err != nil {
		return nil, err
	}
	if cacheable {
		s.cache.Put(fingerprint, result)
	}
	return result, nil
}

func (s *Service) authorized(ctx *fasthttp.RequestCtx) bool {
	token := s.config.Server.AuthToken
	if token == "" {
		return true
	}
	header := string(ctx.Request.Header.Peek("Authorization"))
	presented, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}
