package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/pagelens/renderd/internal/browser"
	"github.com/pagelens/renderd/internal/stealth"
	"github.com/pagelens/renderd/pkg/types"
)

// Observer receives render outcomes. Implemented by the metrics collector;
// nil observers are tolerated.
type Observer interface {
	RenderCompleted(status string, elapsed time.Duration)
	EmergencyUsed()
}

// Orchestrator drives one render at a time through the stage machine:
// acquire, stealth, navigate, interact, extract, release. The session is
// returned on every exit path.
type Orchestrator struct {
	pool     *browser.Pool
	stealth  *stealth.Configurator
	config   *Config
	observer Observer
	logger   *zap.Logger
}

// NewOrchestrator wires the orchestrator. observer may be nil.
func NewOrchestrator(pool *browser.Pool, sc *stealth.Configurator, config *Config, observer Observer, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		pool:     pool,
		stealth:  sc,
		config:   config,
		observer: observer,
		logger:   logger,
	}
}

// Render executes one normalized, validated request and returns its result
// or a categorized error.
func (o *Orchestrator) Render(ctx context.Context, req *types.RenderRequest) (*types.RenderResult, error) {
	start := time.Now()
	result, err := o.render(ctx, req, start)

	if o.observer != nil {
		status := "success"
		if err != nil {
			status = string(types.Categorize(err))
		} else if result.IsEmergencyContent {
			status = "emergency"
		}
		o.observer.RenderCompleted(status, time.Since(start))
	}
	return result, err
}

func (o *Orchestrator) render(ctx context.Context, req *types.RenderRequest, start time.Time) (*types.RenderResult, error) {
	state := StateInit
	log := o.logger.With(
		zap.String("request_id", req.RequestID),
		zap.String("url", req.URL))

	identity := o.stealth.BuildIdentity(stealth.Overrides{UserAgent: req.UserAgent})

	viewport := types.Viewport{Width: types.DefaultViewportW, Height: types.DefaultViewportH}
	if req.Viewport != nil {
		viewport = *req.Viewport
	}

	renderCtx, cancel := context.WithTimeout(ctx, req.Timeout.Std())
	defer cancel()

	sess, err := o.pool.Acquire(renderCtx, browser.SessionConfig{
		RequestID:      req.RequestID,
		TargetURL:      req.URL,
		Identity:       identity,
		Viewport:       viewport,
		Cookies:        req.Cookies,
		Headers:        req.Headers,
		CaptureConsole: req.CaptureConsole,
	})
	if err != nil {
		log.Error("session acquisition failed", zap.Error(err))
		return nil, classify(err)
	}
	defer o.pool.Release(sess)
	state = StateSessionAcquired
	log.Debug("render state", zap.Stringer("state", state),
		zap.String("session_id", sess.ID))

	if err := o.stealth.InstallEvasions(renderCtx, sess.Handle, identity); err != nil {
		// Degraded stealth, not a failed render.
		log.Warn("evasion install failed", zap.Error(err))
	}

	state = StateNavigating
	log.Debug("render state", zap.Stringer("state", state))

	// Network-idle is waited for after interaction steps; navigation itself
	// settles on load.
	navWait := req.WaitUntil
	if navWait == types.WaitNetworkIdle {
		navWait = types.WaitLoad
	}

	nav, err := sess.Handle.Navigate(renderCtx, req.URL, navWait, req.Timeout.Std())
	if err != nil {
		if timeoutShaped(err) {
			return o.recoverTimeout(ctx, req, identity, viewport, start, classify(err), log)
		}
		log.Error("navigation failed", zap.Error(err))
		return nil, classify(err)
	}

	state = StateInteracting
	log.Debug("render state", zap.Stringer("state", state),
		zap.Int("status_code", nav.StatusCode))
	if nav.StatusCode >= 400 {
		log.Warn("page returned error status",
			zap.Int("status_code", nav.StatusCode), zap.String("final_url", nav.FinalURL))
	}

	if err := o.interact(renderCtx, sess, req, log); err != nil {
		if timeoutShaped(err) {
			return o.recoverTimeout(ctx, req, identity, viewport, start, classify(err), log)
		}
		return nil, err
	}

	state = StateExtracting
	log.Debug("render state", zap.Stringer("state", state))

	// Emergency recovery covers navigation and interaction only; a
	// timeout during extraction surfaces as TIMEOUT.
	result, err := o.extract(renderCtx, sess, req, nav, start, log)
	if err != nil {
		return nil, classify(err)
	}

	state = StateDone
	log.Info("render complete",
		zap.Stringer("state", state),
		zap.Int("content_length", result.ContentLength),
		zap.Duration("elapsed", time.Since(start)))
	return result, nil
}

// interact runs the in-page steps in order. Every step is bounded and
// fault-tolerant except the caller's custom script, whose failure is a
// caller error and aborts the render.
func (o *Orchestrator) interact(ctx context.Context, sess *browser.Session, req *types.RenderRequest, log *zap.Logger) error {
	h := sess.Handle

	for _, sel := range req.WaitForSelectors {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := h.WaitSelector(ctx, sel, o.config.SelectorTimeout.Std()); err != nil {
			log.Warn("selector wait skipped", zap.String("selector", sel), zap.Error(err))
		}
	}

	for _, sel := range req.ClickSelectors {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := h.Click(ctx, sel); err != nil {
			log.Warn("click skipped", zap.String("selector", sel), zap.Error(err))
			continue
		}
		if err := sleepCtx(ctx, o.config.ClickSettle.Std()); err != nil {
			return err
		}
	}

	if o.config.Humanlike {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := h.JitterPointer(ctx); err != nil {
			log.Debug("pointer jitter skipped", zap.Error(err))
		}
	}

	if req.ScrollToBottom {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := h.ScrollToBottom(ctx); err != nil {
			log.Warn("scroll skipped", zap.Error(err))
		}
	}

	if req.WaitUntil == types.WaitNetworkIdle {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := h.WaitNetworkIdle(ctx, o.config.NetworkIdleTimeout.Std()); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Warn("network idle not reached", zap.Error(err))
		}
	}

	if req.ExtraWait > 0 {
		if err := sleepCtx(ctx, req.ExtraWait.Std()); err != nil {
			return err
		}
	}

	if req.CustomScript != "" {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := h.Evaluate(ctx, req.CustomScript, nil); err != nil {
			if timeoutShaped(err) {
				return err
			}
			log.Error("custom script failed", zap.Error(err))
			return types.NewCategoryError(types.CategoryScript,
				fmt.Errorf("custom script execution failed: %w", err))
		}
	}

	for _, sel := range req.RemoveElements {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := h.Evaluate(ctx, removalScript(sel), nil); err != nil {
			log.Warn("element removal skipped", zap.String("selector", sel), zap.Error(err))
		}
	}

	return ctx.Err()
}

// extract captures the requested outputs. HTML is mandatory; screenshot and
// PDF failures degrade to a null payload.
func (o *Orchestrator) extract(ctx context.Context, sess *browser.Session, req *types.RenderRequest, nav *browser.Navigation, start time.Time, log *zap.Logger) (*types.RenderResult, error) {
	h := sess.Handle

	htmlStr, err := h.HTML(ctx)
	if err != nil {
		if timeoutShaped(err) {
			return nil, err
		}
		log.Error("html extraction failed", zap.Error(err))
		return nil, types.NewCategoryError(types.CategoryBrowser, err)
	}
	if len(htmlStr) > o.config.MaxHTMLBytes {
		return nil, types.NewCategoryError(types.CategoryResource,
			fmt.Errorf("document size %d exceeds limit %d", len(htmlStr), o.config.MaxHTMLBytes))
	}

	result := &types.RenderResult{
		RequestID:     req.RequestID,
		URL:           nav.FinalURL,
		OriginalURL:   req.URL,
		StatusCode:    nav.StatusCode,
		Timestamp:     time.Now().UTC(),
		ContentLength: len(htmlStr),
	}

	switch req.Output {
	case types.OutputText:
		result.HTML = ExtractText(htmlStr)
		result.ContentLength = len(result.HTML)
	default:
		result.HTML = htmlStr
	}

	if title, err := h.Title(ctx); err == nil {
		result.Title = title
	} else {
		log.Warn("title read failed", zap.Error(err))
	}
	if loc, err := h.Location(ctx); err == nil && loc != "" {
		result.URL = loc
	}

	if req.Output == types.OutputScreenshot {
		if data, err := h.Screenshot(ctx, req.FullPage, req.ScreenshotFormat); err == nil {
			result.Screenshot = data
		} else {
			log.Warn("screenshot capture failed", zap.Error(err))
		}
	}
	if req.Output == types.OutputPDF {
		if data, err := h.PDF(ctx, req.PDFFormat); err == nil {
			result.PDF = data
		} else {
			log.Warn("pdf capture failed", zap.Error(err))
		}
	}

	if req.CaptureConsole {
		result.ConsoleLogs = h.ConsoleLogs()
	}

	result.RenderTime = types.Duration(time.Since(start))
	return result, nil
}

// recoverTimeout routes a deadline failure through the emergency fallback
// when the caller opted in; otherwise the categorized timeout surfaces.
func (o *Orchestrator) recoverTimeout(ctx context.Context, req *types.RenderRequest, identity stealth.Identity, viewport types.Viewport, start time.Time, original error, log *zap.Logger) (*types.RenderResult, error) {
	if !req.ReturnPartialOnTimeout {
		log.Warn("render timed out", zap.Error(original))
		return nil, original
	}
	log.Warn("render timed out, attempting emergency fallback")
	return o.emergency(ctx, req, identity, viewport, start, original, log)
}

func removalScript(selector string) string {
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf(`document.querySelectorAll(%s).forEach((el) => el.remove());`, quoted)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
