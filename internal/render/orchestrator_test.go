package render

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pagelens/renderd/internal/browser"
	"github.com/pagelens/renderd/internal/stealth"
	"github.com/pagelens/renderd/pkg/types"
)

// scriptedEngine hands out pre-built handles in order, so a test can shape
// the primary render and the emergency fallback independently.
type scriptedEngine struct {
	mu      sync.Mutex
	handles []*scriptedHandle
	idx     int
}

func (e *scriptedEngine) Launch(ctx context.Context) error { return nil }
func (e *scriptedEngine) Connected() bool                  { return true }
func (e *scriptedEngine) NotifyDisconnect(fn func())       {}
func (e *scriptedEngine) Close() error                     { return nil }

func (e *scriptedEngine) NewSession(ctx context.Context, cfg browser.SessionConfig) (browser.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.idx >= len(e.handles) {
		return nil, errors.New("no more scripted handles")
	}
	h := e.handles[e.idx]
	e.idx++
	h.config = cfg
	return h, nil
}

type scriptedHandle struct {
	mu sync.Mutex

	config browser.SessionConfig

	navErr      error
	navStatus   int
	navFinalURL string

	htmlStr string
	htmlErr error

	selectorErr error
	clickErr    error
	scriptErr   error

	console []types.ConsoleEntry

	waited    []string
	clicked   []string
	evaluated []string
	jittered  bool
	scrolled  bool
	installed []string
	closed    int
}

func (h *scriptedHandle) Navigate(ctx context.Context, url, waitUntil string, timeout time.Duration) (*browser.Navigation, error) {
	if h.navErr != nil {
		return nil, h.navErr
	}
	final := h.navFinalURL
	if final == "" {
		final = url
	}
	status := h.navStatus
	if status == 0 {
		status = 200
	}
	return &browser.Navigation{StatusCode: status, FinalURL: final}, nil
}

func (h *scriptedHandle) WaitSelector(ctx context.Context, selector string, timeout time.Duration) error {
	h.mu.Lock()
	h.waited = append(h.waited, selector)
	h.mu.Unlock()
	return h.selectorErr
}

func (h *scriptedHandle) Click(ctx context.Context, selector string) error {
	h.mu.Lock()
	h.clicked = append(h.clicked, selector)
	h.mu.Unlock()
	return h.clickErr
}

func (h *scriptedHandle) Evaluate(ctx context.Context, script string, out interface{}) error {
	h.mu.Lock()
	h.evaluated = append(h.evaluated, script)
	h.mu.Unlock()
	if h.scriptErr != nil && !strings.Contains(script, "querySelectorAll") {
		return h.scriptErr
	}
	return nil
}

func (h *scriptedHandle) InstallScript(ctx context.Context, source string) error {
	h.mu.Lock()
	h.installed = append(h.installed, source)
	h.mu.Unlock()
	return nil
}

func (h *scriptedHandle) JitterPointer(ctx context.Context) error {
	h.jittered = true
	return nil
}

func (h *scriptedHandle) ScrollToBottom(ctx context.Context) error {
	h.scrolled = true
	return nil
}

func (h *scriptedHandle) WaitNetworkIdle(ctx context.Context, timeout time.Duration) error {
	return nil
}

func (h *scriptedHandle) HTML(ctx context.Context) (string, error) {
	if h.htmlErr != nil {
		return "", h.htmlErr
	}
	if h.htmlStr == "" {
		return "<html><head><title>t</title></head><body>ok</body></html>", nil
	}
	return h.htmlStr, nil
}

func (h *scriptedHandle) Title(ctx context.Context) (string, error)    { return "Example Title", nil }
func (h *scriptedHandle) Location(ctx context.Context) (string, error) { return "", nil }
func (h *scriptedHandle) Screenshot(ctx context.Context, fullPage bool, format string) ([]byte, error) {
	return []byte{0x89, 0x50}, nil
}
func (h *scriptedHandle) PDF(ctx context.Context, format string) ([]byte, error) {
	return []byte("%PDF"), nil
}
func (h *scriptedHandle) ConsoleLogs() []types.ConsoleEntry { return h.console }
func (h *scriptedHandle) Alive(ctx context.Context) bool    { return true }
func (h *scriptedHandle) Close() error {
	h.mu.Lock()
	h.closed++
	h.mu.Unlock()
	return nil
}

func newTestOrchestrator(t *testing.T, handles ...*scriptedHandle) (*Orchestrator, *browser.Pool) {
	t.Helper()
	cfg := browser.DefaultConfig()
	cfg.MaxSessions = "4"
	pool := browser.NewPool(&scriptedEngine{handles: handles}, cfg, nil, zap.NewNop())
	sc := stealth.NewConfigurator(1, zap.NewNop())
	return NewOrchestrator(pool, sc, DefaultConfig(), nil, zap.NewNop()), pool
}

func baseRequest() *types.RenderRequest {
	req := &types.RenderRequest{
		RequestID: "req-1",
		URL:       "https://example.com/page",
	}
	req.Normalize()
	return req
}

func TestRenderSuccess(t *testing.T) {
	handle := &scriptedHandle{}
	o, pool := newTestOrchestrator(t, handle)

	req := baseRequest()
	req.WaitForSelectors = []string{"#main"}
	req.ClickSelectors = []string{".cookie-accept"}
	req.RemoveElements = []string{".ad-banner"}
	req.ScrollToBottom = true

	result, err := o.Render(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "req-1", result.RequestID)
	assert.Contains(t, result.HTML, "<body>ok</body>")
	assert.Equal(t, "Example Title", result.Title)
	assert.Equal(t, "https://example.com/page", result.URL)
	assert.Equal(t, 200, result.StatusCode)
	assert.False(t, result.WasTimeout)
	assert.False(t, result.IsEmergencyContent)
	assert.Positive(t, result.ContentLength)

	assert.Equal(t, []string{"#main"}, handle.waited)
	assert.Equal(t, []string{".cookie-accept"}, handle.clicked)
	assert.True(t, handle.scrolled)
	assert.NotEmpty(t, handle.installed, "evasions should be installed before navigation")
	require.NotEmpty(t, handle.evaluated)
	assert.Contains(t, handle.evaluated[len(handle.evaluated)-1], ".ad-banner")

	assert.Equal(t, 0, pool.Status().LiveSessions, "session must be released")
	assert.Equal(t, 1, handle.closed)
}

func TestRenderTimeoutWithoutOptIn(t *testing.T) {
	handle := &scriptedHandle{navErr: browser.ErrNavigationTimeout}
	o, pool := newTestOrchestrator(t, handle)

	_, err := o.Render(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Equal(t, types.CategoryTimeout, types.Categorize(err))
	assert.Equal(t, 0, pool.Status().LiveSessions)
}

func TestRenderEmergencyFallback(t *testing.T) {
	primary := &scriptedHandle{navErr: browser.ErrNavigationTimeout}
	fallback := &scriptedHandle{htmlStr: "<html><body>partial</body></html>"}
	o, pool := newTestOrchestrator(t, primary, fallback)

	req := baseRequest()
	req.ReturnPartialOnTimeout = true

	result, err := o.Render(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.WasTimeout)
	assert.True(t, result.IsEmergencyContent)
	assert.Contains(t, result.HTML, "partial")

	assert.Equal(t, 0, pool.Status().LiveSessions)
	assert.Equal(t, 1, primary.closed)
	assert.Equal(t, 1, fallback.closed)
}

func TestRenderEmergencyFailureSurfacesOriginalTimeout(t *testing.T) {
	primary := &scriptedHandle{navErr: browser.ErrNavigationTimeout}
	fallback := &scriptedHandle{navErr: errors.New("net::ERR_CONNECTION_RESET")}
	o, pool := newTestOrchestrator(t, primary, fallback)

	req := baseRequest()
	req.ReturnPartialOnTimeout = true

	_, err := o.Render(context.Background(), req)
	require.Error(t, err)
	// The fallback's own failure must not mask the original timeout.
	assert.Equal(t, types.CategoryTimeout, types.Categorize(err))
	assert.Equal(t, 0, pool.Status().LiveSessions)
}

func TestRenderCustomScriptFailureIsFatal(t *testing.T) {
	handle := &scriptedHandle{scriptErr: errors.New("ReferenceError: foo is not defined")}
	o, pool := newTestOrchestrator(t, handle)

	req := baseRequest()
	req.CustomScript = "foo();"

	_, err := o.Render(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.CategoryScript, types.Categorize(err))
	assert.Equal(t, 0, pool.Status().LiveSessions)
}

func TestRenderNoResponseIsBrowserError(t *testing.T) {
	handle := &scriptedHandle{navErr: browser.ErrNoResponse}
	o, _ := newTestOrchestrator(t, handle)

	_, err := o.Render(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Equal(t, types.CategoryBrowser, types.Categorize(err))
}

func TestRenderNetworkErrorCategory(t *testing.T) {
	handle := &scriptedHandle{
		navErr: errors.Join(browser.ErrNoResponse, errors.New("net::ERR_NAME_NOT_RESOLVED")),
	}
	o, _ := newTestOrchestrator(t, handle)

	_, err := o.Render(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Equal(t, types.CategoryNetwork, types.Categorize(err))
}

func TestRenderNonFatalStepFailures(t *testing.T) {
	handle := &scriptedHandle{
		selectorErr: browser.ErrWaitTimeout,
		clickErr:    errors.New("node not visible"),
	}
	o, _ := newTestOrchestrator(t, handle)

	req := baseRequest()
	req.WaitForSelectors = []string{"#never-appears"}
	req.ClickSelectors = []string{"#missing"}

	result, err := o.Render(context.Background(), req)
	require.NoError(t, err, "selector and click failures must not abort the render")
	assert.NotEmpty(t, result.HTML)
}

func TestRenderTextOutput(t *testing.T) {
	handle := &scriptedHandle{
		htmlStr: "<html><head><script>var x=1;</script></head><body><p>Hello</p><p>World</p></body></html>",
	}
	o, _ := newTestOrchestrator(t, handle)

	req := baseRequest()
	req.Output = types.OutputText
	req.Normalize()

	result, err := o.Render(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "Hello\nWorld", result.HTML)
	assert.NotContains(t, result.HTML, "var x")
	assert.Equal(t, len(result.HTML), result.ContentLength)
}

func TestRenderOversizedDocumentRejected(t *testing.T) {
	handle := &scriptedHandle{htmlStr: "<html>" + strings.Repeat("x", 1024) + "</html>"}
	cfg := browser.DefaultConfig()
	cfg.MaxSessions = "4"
	pool := browser.NewPool(&scriptedEngine{handles: []*scriptedHandle{handle}}, cfg, nil, zap.NewNop())
	rc := DefaultConfig()
	rc.MaxHTMLBytes = 512
	o := NewOrchestrator(pool, stealth.NewConfigurator(1, zap.NewNop()), rc, nil, zap.NewNop())

	_, err := o.Render(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Equal(t, types.CategoryResource, types.Categorize(err))
	assert.Equal(t, 0, pool.Status().LiveSessions)
}

func TestRenderExtractionFailureReleasesSession(t *testing.T) {
	handle := &scriptedHandle{htmlErr: errors.New("target crashed")}
	o, pool := newTestOrchestrator(t, handle)

	_, err := o.Render(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Equal(t, types.CategoryBrowser, types.Categorize(err))
	assert.Equal(t, 0, pool.Status().LiveSessions)
}

func TestRenderExtractionTimeoutSkipsEmergencyFallback(t *testing.T) {
	primary := &scriptedHandle{htmlErr: context.DeadlineExceeded}
	fallback := &scriptedHandle{htmlStr: "<html><body>partial</body></html>"}
	o, pool := newTestOrchestrator(t, primary, fallback)

	req := baseRequest()
	req.ReturnPartialOnTimeout = true

	// Recovery applies to navigation and interaction; a timeout while
	// extracting surfaces as TIMEOUT without a second session.
	_, err := o.Render(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, types.CategoryTimeout, types.Categorize(err))
	assert.Equal(t, 1, primary.closed)
	assert.Equal(t, 0, fallback.closed)
	assert.Equal(t, 0, pool.Status().LiveSessions)
}

func TestRenderConsoleCapture(t *testing.T) {
	handle := &scriptedHandle{
		console: []types.ConsoleEntry{{Type: types.ConsoleError, Message: "boom"}},
	}
	o, _ := newTestOrchestrator(t, handle)

	req := baseRequest()
	req.CaptureConsole = true

	result, err := o.Render(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, result.ConsoleLogs, 1)
	assert.Equal(t, "boom", result.ConsoleLogs[0].Message)
}

func TestRenderScreenshotOutput(t *testing.T) {
	handle := &scriptedHandle{}
	o, _ := newTestOrchestrator(t, handle)

	req := baseRequest()
	req.Output = types.OutputScreenshot
	req.Normalize()

	result, err := o.Render(context.Background(), req)
	require.NoError(t, err)
	assert.NotEmpty(t, result.Screenshot)
}
