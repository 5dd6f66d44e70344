// Package service wires the render pipeline behind the public fasthttp API.
package service

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pagelens/renderd/internal/admission"
	"github.com/pagelens/renderd/internal/batch"
	"github.com/pagelens/renderd/internal/browser"
	"github.com/pagelens/renderd/internal/cache"
	"github.com/pagelens/renderd/internal/config"
	"github.com/pagelens/renderd/internal/metrics"
	"github.com/pagelens/renderd/internal/render"
)

// Service owns the request-facing plumbing: routing, auth, admission,
// cache lookups and the batch fan-out.
type Service struct {
	config       *config.Config
	pool         *browser.Pool
	orchestrator *render.Orchestrator
	admission    *admission.Controller
	cache        *cache.Cache
	batch        *batch.Scheduler
	metrics      *metrics.Collector
	logger       *zap.Logger
	startedAt    time.Time
}

// New wires the service. metrics may be nil.
func New(
	cfg *config.Config,
	pool *browser.Pool,
	orchestrator *render.Orchestrator,
	controller *admission.Controller,
	resultCache *cache.Cache,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Service {
	s := &Service{
		config:       cfg,
		pool:         pool,
		orchestrator: orchestrator,
		admission:    controller,
		cache:        resultCache,
		metrics:      collector,
		logger:       logger,
		startedAt:    time.Now(),
	}
	s.batch = batch.NewScheduler(cfg.Batch, s.renderWithCache, logger)
	return s
}

// Handler returns the API request router.
func (s *Service) Handler() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		method := string(ctx.Method())
		path := string(ctx.Path())

		switch {
		case method == fasthttp.MethodPost && path == "/render":
			s.handleRender(ctx)
		case method == fasthttp.MethodPost && path == "/batch":
			s.handleBatch(ctx)
		case method == fasthttp.MethodGet && path == "/status":
			s.handleStatus(ctx)
		case method == fasthttp.MethodGet && path == "/health":
			s.handleHealth(ctx)
		default:
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			s.countRequest(path, fasthttp.StatusNotFound)
		}
	}
}

// NewServer builds the fasthttp server around the router.
func (s *Service) NewServer() *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            s.Handler(),
		Name:               "renderd",
		ReadTimeout:        s.config.Server.ReadTimeout.Std(),
		WriteTimeout:       s.config.Server.WriteTimeout.Std(),
		MaxRequestBodySize: s.config.Server.MaxRequestBodySize,
	}
}

func (s *Service) countRequest(endpoint string, status int) {
	if s.metrics != nil {
		s.metrics.RecordHTTPRequest(endpoint, statusLabel(status))
	}
}

func statusLabel(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
