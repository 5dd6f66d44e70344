package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/pagelens/renderd/pkg/types"
)

const (
	maxConsoleEntries   = 100
	maxConsoleTextBytes = 2048
)

// ChromeEngine runs one shared Chrome process; sessions are isolated tabs
// created from its browser context.
type ChromeEngine struct {
	config *Config
	logger *zap.Logger

	mu            sync.Mutex
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	connected    atomic.Bool
	disconnectMu sync.Mutex
	disconnectFn func()
}

// NewChromeEngine builds an engine; nothing starts until Launch.
func NewChromeEngine(config *Config, logger *zap.Logger) *ChromeEngine {
	return &ChromeEngine{config: config, logger: logger}
}

// Launch starts the Chrome process and verifies it answers CDP.
func (e *ChromeEngine) Launch(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connected.Load() {
		return nil
	}
	// Drop leftovers from a previous process.
	if e.allocCancel != nil {
		e.browserCancel()
		e.allocCancel()
	}

	opts := []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", e.config.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-translate", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
	}
	if e.config.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(e.config.ChromePath))
	}
	if e.config.ProxyURL != "" {
		opts = append(opts, chromedp.ProxyServer(e.config.ProxyURL))
	}

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:], opts...)
	e.allocCtx, e.allocCancel = chromedp.NewExecAllocator(context.Background(), allocOpts...)
	e.browserCtx, e.browserCancel = chromedp.NewContext(e.allocCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- chromedp.Run(e.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
			_, product, _, _, _, err := cdpbrowser.GetVersion().Do(ctx)
			if err != nil {
				return err
			}
			e.logger.Info("browser engine launched", zap.String("version", product))
			return nil
		}))
	}()

	select {
	case err := <-errCh:
		if err != nil {
			e.browserCancel()
			e.allocCancel()
			return errors.Join(ErrLaunchFailed, err)
		}
	case <-ctx.Done():
		e.browserCancel()
		e.allocCancel()
		return errors.Join(ErrLaunchFailed, ctx.Err())
	}

	e.connected.Store(true)

	watched := e.browserCtx
	go func() {
		<-watched.Done()
		if e.connected.CompareAndSwap(true, false) {
			e.disconnectMu.Lock()
			fn := e.disconnectFn
			e.disconnectMu.Unlock()
			if fn != nil {
				fn()
			}
		}
	}()

	return nil
}

// Connected reports whether the process is believed alive.
func (e *ChromeEngine) Connected() bool {
	return e.connected.Load()
}

// NotifyDisconnect registers the pool's disconnect callback.
func (e *ChromeEngine) NotifyDisconnect(fn func()) {
	e.disconnectMu.Lock()
	e.disconnectFn = fn
	e.disconnectMu.Unlock()
}

// NewSession creates an isolated tab and applies identity, viewport,
// headers and cookies before any navigation happens.
func (e *ChromeEngine) NewSession(ctx context.Context, cfg SessionConfig) (SessionHandle, error) {
	e.mu.Lock()
	parent := e.browserCtx
	e.mu.Unlock()
	if parent == nil || !e.connected.Load() {
		return nil, errors.Join(ErrSessionCreate, errors.New("engine not connected"))
	}

	tabCtx, tabCancel := chromedp.NewContext(parent)

	s := &chromeSession{
		ctx:            tabCtx,
		cancel:         tabCancel,
		captureConsole: cfg.CaptureConsole,
		logger:         e.logger,
	}
	chromedp.ListenTarget(tabCtx, s.onEvent)

	setup := chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return err
		}
		if err := page.Enable().Do(ctx); err != nil {
			return err
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return err
		}

		id := cfg.Identity
		if err := emulation.SetUserAgentOverride(id.UserAgent).
			WithAcceptLanguage(id.AcceptLanguage).
			WithPlatform(id.Platform).
			Do(ctx); err != nil {
			return err
		}
		if id.Timezone != "" {
			if err := emulation.SetTimezoneOverride(id.Timezone).Do(ctx); err != nil {
				return err
			}
		}

		vp := cfg.Viewport
		if err := emulation.SetDeviceMetricsOverride(
			int64(vp.Width), int64(vp.Height), 1.0, false).Do(ctx); err != nil {
			return err
		}

		if len(cfg.Headers) > 0 {
			hdrs := make(network.Headers, len(cfg.Headers))
			for k, v := range cfg.Headers {
				hdrs[k] = v
			}
			if err := network.SetExtraHTTPHeaders(hdrs).Do(ctx); err != nil {
				return err
			}
		}

		for _, c := range cfg.Cookies {
			p := network.SetCookie(c.Name, c.Value).
				WithSecure(c.Secure).
				WithHTTPOnly(c.HTTPOnly)
			if c.Domain != "" {
				p = p.WithDomain(c.Domain).WithPath(cookiePath(c.Path))
			} else {
				p = p.WithURL(cfg.TargetURL)
			}
			if err := p.Do(ctx); err != nil {
				return fmt.Errorf("set cookie %q: %w", c.Name, err)
			}
		}
		return nil
	})

	runCtx, cancel := context.WithCancel(tabCtx)
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(runCtx, setup)
	stop()
	cancel()
	if err != nil {
		tabCancel()
		return nil, errors.Join(ErrSessionCreate, err)
	}
	return s, nil
}

// Close terminates the Chrome process.
func (e *ChromeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected.Store(false)
	if e.browserCancel != nil {
		e.browserCancel()
	}
	if e.allocCancel != nil {
		e.allocCancel()
	}
	return nil
}

func cookiePath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

// chromeSession is one isolated tab plus the state its CDP listeners feed.
type chromeSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	captureConsole bool

	mu          sync.Mutex
	statusCode  int
	console     []types.ConsoleEntry
	consoleFull bool
}

// bound derives an action context from the tab, limited by the optional
// timeout and cancelled when the caller's context is.
func (s *chromeSession) bound(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	var ctx context.Context
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	stop := context.AfterFunc(parent, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *chromeSession) onEvent(ev interface{}) {
	switch e := ev.(type) {
	case *network.EventResponseReceived:
		// The first document response carries the status the caller gets.
		if e.Type != network.ResourceTypeDocument {
			return
		}
		s.mu.Lock()
		if s.statusCode == 0 {
			s.statusCode = int(e.Response.Status)
		}
		s.mu.Unlock()

	case *cdpruntime.EventConsoleAPICalled:
		if !s.captureConsole {
			return
		}
		var level string
		switch e.Type {
		case cdpruntime.APITypeError:
			level = types.ConsoleError
		case cdpruntime.APITypeWarning:
			level = types.ConsoleWarning
		case cdpruntime.APITypeLog, cdpruntime.APITypeInfo:
			level = types.ConsoleLog
		default:
			return
		}

		text := formatConsoleArgs(e.Args)
		if len(text) > maxConsoleTextBytes {
			text = text[:maxConsoleTextBytes] + "...[truncated]"
		}

		s.mu.Lock()
		if len(s.console) < maxConsoleEntries {
			s.console = append(s.console, types.ConsoleEntry{
				Type:      level,
				Message:   text,
				Timestamp: time.Now().UTC(),
			})
		} else {
			s.consoleFull = true
		}
		s.mu.Unlock()
	}
}

func formatConsoleArgs(args []*cdpruntime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if len(a.Value) > 0 {
			parts = append(parts, strings.Trim(string(a.Value), `"`))
		} else if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

func lifecycleEventName(waitUntil string) string {
	switch waitUntil {
	case types.WaitLoad:
		return "load"
	case types.WaitNetworkIdle:
		return "networkIdle"
	default:
		return "DOMContentLoaded"
	}
}

// Navigate loads the URL and blocks until the requested lifecycle event for
// this exact navigation (frame + loader matched) or the timeout.
func (s *chromeSession) Navigate(ctx context.Context, url, waitUntil string, timeout time.Duration) (*Navigation, error) {
	runCtx, cancel := s.bound(ctx, timeout)
	defer cancel()

	nav := &Navigation{}
	err := chromedp.Run(runCtx,
		chromedp.ActionFunc(func(actionCtx context.Context) error {
			frameID, loaderID, _, err := page.Navigate(url).Do(actionCtx)
			if err != nil {
				if strings.Contains(err.Error(), "net::ERR_") {
					return errors.Join(ErrNoResponse, err)
				}
				return err
			}
			return waitForLifecycle(actionCtx, lifecycleEventName(waitUntil),
				string(frameID), string(loaderID), timeout)
		}),
		chromedp.Location(&nav.FinalURL),
	)
	if err != nil {
		if errors.Is(err, ErrNoResponse) {
			return nil, err
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrWaitTimeout) {
			return nil, errors.Join(ErrNavigationTimeout, err)
		}
		return nil, err
	}

	s.mu.Lock()
	nav.StatusCode = s.statusCode
	s.mu.Unlock()
	if nav.StatusCode == 0 {
		return nil, ErrNoResponse
	}
	return nav, nil
}

func waitForLifecycle(ctx context.Context, eventName, frameID, loaderID string, timeout time.Duration) error {
	ch := make(chan struct{})
	listenerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chromedp.ListenTarget(listenerCtx, func(ev interface{}) {
		e, ok := ev.(*page.EventLifecycleEvent)
		if !ok {
			return
		}
		if string(e.FrameID) != frameID || string(e.LoaderID) != loaderID {
			return
		}
		if string(e.Name) == eventName {
			cancel()
			close(ch)
		}
	})

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return ErrWaitTimeout
	}
}

func (s *chromeSession) WaitSelector(ctx context.Context, selector string, timeout time.Duration) error {
	runCtx, cancel := s.bound(ctx, timeout)
	defer cancel()

	err := chromedp.Run(runCtx, chromedp.WaitVisible(selector, chromedp.ByQuery))
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Join(ErrWaitTimeout, fmt.Errorf("selector %q", selector))
	}
	return err
}

func (s *chromeSession) Click(ctx context.Context, selector string) error {
	runCtx, cancel := s.bound(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Click(selector, chromedp.ByQuery))
}

func (s *chromeSession) Evaluate(ctx context.Context, script string, out interface{}) error {
	runCtx, cancel := s.bound(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Evaluate(script, out,
		func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
			return p.WithAwaitPromise(true)
		}))
}

func (s *chromeSession) InstallScript(ctx context.Context, source string) error {
	runCtx, cancel := s.bound(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.ActionFunc(func(actionCtx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(source).Do(actionCtx)
		return err
	}))
}

// JitterPointer moves the pointer along a few random points, the way a
// human cursor drifts while a page settles.
func (s *chromeSession) JitterPointer(ctx context.Context) error {
	runCtx, cancel := s.bound(ctx, 0)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.ActionFunc(func(actionCtx context.Context) error {
		x, y := 200.0, 200.0
		for i := 0; i < 4; i++ {
			x += float64(rand.Intn(120) - 60)
			y += float64(rand.Intn(90) - 45)
			if x < 0 {
				x = 10
			}
			if y < 0 {
				y = 10
			}
			if err := input.DispatchMouseEvent(input.MouseMoved, x, y).Do(actionCtx); err != nil {
				return err
			}
			time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
		}
		return nil
	}))
}

const scrollScript = `new Promise((resolve) => {
	let total = 0;
	const step = () => {
		const h = document.body ? document.body.scrollHeight : 0;
		window.scrollBy(0, 400);
		total += 400;
		if (total >= h || total > 20000) {
			window.scrollTo(0, 0);
			resolve(true);
		} else {
			setTimeout(step, 60);
		}
	};
	step();
});`

func (s *chromeSession) ScrollToBottom(ctx context.Context) error {
	return s.Evaluate(ctx, scrollScript, nil)
}

// WaitNetworkIdle blocks until the page reports the networkIdle lifecycle
// event or the timeout elapses.
func (s *chromeSession) WaitNetworkIdle(ctx context.Context, timeout time.Duration) error {
	runCtx, cancel := s.bound(ctx, timeout)
	defer cancel()

	ch := make(chan struct{})
	listenerCtx, listenerCancel := context.WithCancel(runCtx)
	defer listenerCancel()

	chromedp.ListenTarget(listenerCtx, func(ev interface{}) {
		if e, ok := ev.(*page.EventLifecycleEvent); ok && string(e.Name) == "networkIdle" {
			listenerCancel()
			close(ch)
		}
	})

	select {
	case <-ch:
		return nil
	case <-runCtx.Done():
		return ErrWaitTimeout
	}
}

// HTML extracts the full serialized document, retrying while the DOM
// settles after late mutations.
func (s *chromeSession) HTML(ctx context.Context) (string, error) {
	runCtx, cancel := s.bound(ctx, 0)
	defer cancel()

	var out string
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(actionCtx context.Context) error {
		var lastErr error
		for attempt := 0; attempt < 3; attempt++ {
			root, err := dom.GetDocument().Do(actionCtx)
			if err != nil {
				lastErr = err
				time.Sleep(300 * time.Millisecond)
				continue
			}
			html, err := dom.GetOuterHTML().WithNodeID(root.NodeID).Do(actionCtx)
			if err != nil {
				lastErr = err
				time.Sleep(300 * time.Millisecond)
				continue
			}
			out = html
			return nil
		}
		return fmt.Errorf("html extraction failed after 3 attempts: %w", lastErr)
	}))
	return out, err
}

func (s *chromeSession) Title(ctx context.Context) (string, error) {
	runCtx, cancel := s.bound(ctx, 0)
	defer cancel()
	var t string
	err := chromedp.Run(runCtx, chromedp.Title(&t))
	return t, err
}

func (s *chromeSession) Location(ctx context.Context) (string, error) {
	runCtx, cancel := s.bound(ctx, 0)
	defer cancel()
	var u string
	err := chromedp.Run(runCtx, chromedp.Location(&u))
	return u, err
}

func (s *chromeSession) Screenshot(ctx context.Context, fullPage bool, format string) ([]byte, error) {
	runCtx, cancel := s.bound(ctx, 0)
	defer cancel()

	var data []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(actionCtx context.Context) error {
		p := page.CaptureScreenshot().WithCaptureBeyondViewport(fullPage)
		if format == types.ScreenshotJPEG {
			p = p.WithFormat(page.CaptureScreenshotFormatJpeg).WithQuality(85)
		} else {
			p = p.WithFormat(page.CaptureScreenshotFormatPng)
		}
		var err error
		data, err = p.Do(actionCtx)
		return err
	}))
	return data, err
}

func (s *chromeSession) PDF(ctx context.Context, format string) ([]byte, error) {
	runCtx, cancel := s.bound(ctx, 0)
	defer cancel()

	width, height := 8.27, 11.69
	switch format {
	case types.PDFFormatLetter:
		width, height = 8.5, 11.0
	case types.PDFFormatLegal:
		width, height = 8.5, 14.0
	}

	var data []byte
	err := chromedp.Run(runCtx, chromedp.ActionFunc(func(actionCtx context.Context) error {
		var err error
		data, _, err = page.PrintToPDF().
			WithPrintBackground(true).
			WithPaperWidth(width).
			WithPaperHeight(height).
			Do(actionCtx)
		return err
	}))
	return data, err
}

func (s *chromeSession) ConsoleLogs() []types.ConsoleEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.ConsoleEntry, len(s.console))
	copy(out, s.console)
	return out
}

func (s *chromeSession) Alive(ctx context.Context) bool {
	runCtx, cancel := s.bound(ctx, 3*time.Second)
	defer cancel()
	return chromedp.Run(runCtx, chromedp.Evaluate("1", nil)) == nil
}

func (s *chromeSession) Close() error {
	s.cancel()
	return nil
}
