// Package metricsserver runs the Prometheus exposition endpoint on its own
// listener, separate from the API server.
package metricsserver

import (
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Handler is satisfied by the metrics collector.
type Handler interface {
	ServeHTTP(ctx *fasthttp.RequestCtx)
}

// Start launches the metrics server in the background and returns it for
// shutdown. Returns nil when metrics are disabled.
func Start(enabled bool, listen, path string, handler Handler, logger *zap.Logger) *fasthttp.Server {
	if !enabled {
		logger.Info("metrics collection disabled")
		return nil
	}

	server := &fasthttp.Server{
		Handler:            route(path, handler),
		Name:               "renderd-metrics",
		ReadTimeout:        10 * time.Second,
		WriteTimeout:       10 * time.Second,
		MaxRequestBodySize: 1024,
		Concurrency:        100,
	}

	go func() {
		logger.Info("metrics server listening",
			zap.String("listen", listen),
			zap.String("path", path))
		if err := server.ListenAndServe(listen); err != nil {
			logger.Error("metrics server stopped",
				zap.String("listen", listen),
				zap.Error(err))
		}
	}()

	return server
}

func route(path string, handler Handler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if string(ctx.Path()) != path {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
			return
		}
		handler.ServeHTTP(ctx)
	}
}
