package render

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pagelens/renderd/internal/browser"
	"github.com/pagelens/renderd/internal/stealth"
	"github.com/pagelens/renderd/pkg/types"
)

// emergency performs the degraded fallback render: a fresh session, a short
// fixed deadline, a relaxed domcontentloaded wait, and whatever content is
// present after a brief settle. Any failure here surfaces the original
// timeout, never its own error.
func (o *Orchestrator) emergency(ctx context.Context, req *types.RenderRequest, identity stealth.Identity, viewport types.Viewport, start time.Time, original error, log *zap.Logger) (*types.RenderResult, error) {
	log = log.With(zap.Stringer("state", StateEmergency))

	emergencyCtx, cancel := context.WithTimeout(ctx, o.config.EmergencyTimeout.Std())
	defer cancel()

	sess, err := o.pool.Acquire(emergencyCtx, browser.SessionConfig{
		RequestID:      req.RequestID,
		TargetURL:      req.URL,
		Identity:       identity,
		Viewport:       viewport,
		Cookies:        req.Cookies,
		Headers:        req.Headers,
		CaptureConsole: false,
	})
	if err != nil {
		log.Warn("emergency session acquisition failed", zap.Error(err))
		return nil, original
	}
	defer o.pool.Release(sess)

	nav, err := sess.Handle.Navigate(emergencyCtx, req.URL,
		types.WaitDOMContentLoaded, o.config.EmergencyTimeout.Std())
	if err != nil {
		log.Warn("emergency navigation failed", zap.Error(err))
		return nil, original
	}

	_ = sleepCtx(emergencyCtx, o.config.EmergencySettle.Std())

	htmlStr, err := sess.Handle.HTML(emergencyCtx)
	if err != nil {
		log.Warn("emergency extraction failed", zap.Error(err))
		return nil, original
	}
	if len(htmlStr) > o.config.MaxHTMLBytes {
		htmlStr = htmlStr[:o.config.MaxHTMLBytes]
	}

	result := &types.RenderResult{
		RequestID:          req.RequestID,
		HTML:               htmlStr,
		URL:                nav.FinalURL,
		OriginalURL:        req.URL,
		StatusCode:         nav.StatusCode,
		Timestamp:          time.Now().UTC(),
		WasTimeout:         true,
		IsEmergencyContent: true,
		ContentLength:      len(htmlStr),
	}
	if req.Output == types.OutputText {
		result.HTML = ExtractText(htmlStr)
		result.ContentLength = len(result.HTML)
	}
	if title, terr := sess.Handle.Title(emergencyCtx); terr == nil {
		result.Title = title
	}
	result.RenderTime = types.Duration(time.Since(start))

	if o.observer != nil {
		o.observer.EmergencyUsed()
	}
	log.Info("emergency fallback succeeded",
		zap.Int("content_length", result.ContentLength))
	return result, nil
}
