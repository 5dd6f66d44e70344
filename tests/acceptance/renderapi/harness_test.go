package renderapi_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	. "github.com/onsi/gomega"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pagelens/renderd/internal/admission"
	"github.com/pagelens/renderd/internal/browser"
	"github.com/pagelens/renderd/internal/cache"
	"github.com/pagelens/renderd/internal/config"
	"github.com/pagelens/renderd/internal/render"
	"github.com/pagelens/renderd/internal/service"
	"github.com/pagelens/renderd/internal/stealth"
	"github.com/pagelens/renderd/pkg/types"
)

// pageBehavior scripts how the fake engine responds for one URL.
type pageBehavior struct {
	html       string
	title      string
	status     int
	navErr     error
	navErrOnce bool          // fail only the first navigation to this URL
	gate       chan struct{} // when set, navigation blocks until closed
}

// fakeEngine satisfies browser.Engine so the whole pipeline runs in-process
// without a Chrome binary.
type fakeEngine struct {
	mu       sync.Mutex
	pages    map[string]*pageBehavior
	sessions int
	configs  []browser.SessionConfig
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{pages: map[string]*pageBehavior{}}
}

func (e *fakeEngine) page(url string, b pageBehavior) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pages[url] = &b
}

func (e *fakeEngine) sessionCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions
}

func (e *fakeEngine) lastConfig() browser.SessionConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.configs[len(e.configs)-1]
}

func (e *fakeEngine) Launch(ctx context.Context) error { return nil }
func (e *fakeEngine) Connected() bool                  { return true }
func (e *fakeEngine) NotifyDisconnect(fn func())       {}
func (e *fakeEngine) Close() error                     { return nil }

func (e *fakeEngine) NewSession(ctx context.Context, cfg browser.SessionConfig) (browser.SessionHandle, error) {
	e.mu.Lock()
	e.sessions++
	e.configs = append(e.configs, cfg)
	e.mu.Unlock()
	return &fakeSession{engine: e}, nil
}

type fakeSession struct {
	engine *fakeEngine
	page   *pageBehavior
	url    string
}

func (s *fakeSession) Navigate(ctx context.Context, url, waitUntil string, timeout time.Duration) (*browser.Navigation, error) {
	s.engine.mu.Lock()
	behavior, ok := s.engine.pages[url]
	if !ok {
		behavior = &pageBehavior{html: "<html><body>default</body></html>", status: 200}
	}
	s.page = behavior
	s.url = url
	err := behavior.navErr
	if err != nil && behavior.navErrOnce {
		behavior.navErr = nil
	}
	s.engine.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if behavior.gate != nil {
		select {
		case <-behavior.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	status := behavior.status
	if status == 0 {
		status = 200
	}
	return &browser.Navigation{StatusCode: status, FinalURL: url}, nil
}

func (s *fakeSession) WaitSelector(ctx context.Context, selector string, timeout time.Duration) error {
	return nil
}
func (s *fakeSession) Click(ctx context.Context, selector string) error { return nil }
func (s *fakeSession) Evaluate(ctx context.Context, script string, out interface{}) error {
	return nil
}
func (s *fakeSession) InstallScript(ctx context.Context, source string) error { return nil }
func (s *fakeSession) JitterPointer(ctx context.Context) error                { return nil }
func (s *fakeSession) ScrollToBottom(ctx context.Context) error               { return nil }
func (s *fakeSession) WaitNetworkIdle(ctx context.Context, timeout time.Duration) error {
	return nil
}

func (s *fakeSession) HTML(ctx context.Context) (string, error) {
	if s.page == nil {
		return "", nil
	}
	return s.page.html, nil
}

func (s *fakeSession) Title(ctx context.Context) (string, error) {
	if s.page == nil {
		return "", nil
	}
	return s.page.title, nil
}

func (s *fakeSession) Location(ctx context.Context) (string, error) { return s.url, nil }
func (s *fakeSession) Screenshot(ctx context.Context, fullPage bool, format string) ([]byte, error) {
	return []byte{0x89, 0x50, 0x4e, 0x47}, nil
}
func (s *fakeSession) PDF(ctx context.Context, format string) ([]byte, error) {
	return []byte("%PDF-1.4"), nil
}
func (s *fakeSession) ConsoleLogs() []types.ConsoleEntry { return nil }
func (s *fakeSession) Alive(ctx context.Context) bool    { return true }
func (s *fakeSession) Close() error                      { return nil }

// testEnv is one fully wired service over the fake engine.
type testEnv struct {
	engine  *fakeEngine
	handler fasthttp.RequestHandler
	cfg     *config.Config
}

func newEnv(mutators ...func(*config.Config)) *testEnv {
	logger := zap.NewNop()

	cfg := config.Default()
	cfg.Browser.MaxSessions = "8"
	// Keep the humanlike pauses out of test wall time.
	cfg.Render.Humanlike = false
	cfg.Render.EmergencySettle = types.Duration(10 * time.Millisecond)
	cfg.Render.ClickSettle = types.Duration(10 * time.Millisecond)
	cfg.Batch.ChunkPause = types.Duration(10 * time.Millisecond)
	for _, mutate := range mutators {
		mutate(cfg)
	}
	Expect(cfg.Validate()).To(Succeed())

	engine := newFakeEngine()
	pool := browser.NewPool(engine, cfg.Browser, nil, logger)
	orchestrator := render.NewOrchestrator(pool, stealth.NewConfigurator(42, logger), cfg.Render, nil, logger)
	controller := admission.NewController(cfg.Admission, nil, logger)
	resultCache := cache.New(cfg.Cache, nil, logger)

	svc := service.New(cfg, pool, orchestrator, controller, resultCache, nil, logger)
	return &testEnv{engine: engine, handler: svc.Handler(), cfg: cfg}
}

func (e *testEnv) do(method, path string, body interface{}) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&fasthttp.Request{}, nil, nil)
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != nil {
		payload, err := json.Marshal(body)
		Expect(err).ToNot(HaveOccurred())
		ctx.Request.SetBody(payload)
	}
	if e.cfg.Server.AuthToken != "" {
		ctx.Request.Header.Set("Authorization", "Bearer "+e.cfg.Server.AuthToken)
	}
	e.handler(ctx)
	return ctx
}

func (e *testEnv) render(req types.RenderRequest) *fasthttp.RequestCtx {
	return e.do(fasthttp.MethodPost, "/render", req)
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Category string `json:"category"`
		Message  string `json:"message"`
		Hint     string `json:"hint"`
	} `json:"error"`
}

func decodeEnvelope(ctx *fasthttp.RequestCtx) envelope {
	var env envelope
	Expect(json.Unmarshal(ctx.Response.Body(), &env)).To(Succeed())
	return env
}

func jsonDecodeData(ctx *fasthttp.RequestCtx, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, out)
}

func decodeResult(ctx *fasthttp.RequestCtx) types.RenderResult {
	env := decodeEnvelope(ctx)
	Expect(env.Success).To(BeTrue(), "expected a success envelope, got: %s", ctx.Response.Body())
	var result types.RenderResult
	Expect(json.Unmarshal(env.Data, &result)).To(Succeed())
	return result
}
