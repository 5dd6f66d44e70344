// Package browser owns the shared headless engine process and the isolated
// sessions borrowed from it for individual renders.
package browser

import (
	"context"
	"time"

	"github.com/pagelens/renderd/internal/stealth"
	"github.com/pagelens/renderd/pkg/types"
)

// SessionConfig describes the isolated context a render needs before
// navigation: identity, viewport, cookies and extra headers.
type SessionConfig struct {
	RequestID      string
	TargetURL      string
	Identity       stealth.Identity
	Viewport       types.Viewport
	Cookies        []types.Cookie
	Headers        map[string]string
	CaptureConsole bool
}

// Navigation reports what a completed navigation observed.
type Navigation struct {
	StatusCode int
	FinalURL   string
}

// Engine is the narrow surface of the underlying headless browser. The pool
// is its only owner; everything above the pool talks to SessionHandle.
type Engine interface {
	// Launch starts the engine process. Idempotent while connected.
	Launch(ctx context.Context) error
	// Connected reports whether the process is up and responsive.
	Connected() bool
	// NewSession creates an isolated context plus one page.
	NewSession(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
	// NotifyDisconnect registers a callback fired when the process dies.
	NotifyDisconnect(fn func())
	// Close terminates the engine process.
	Close() error
}

// SessionHandle drives one isolated context + page.
type SessionHandle interface {
	Navigate(ctx context.Context, url, waitUntil string, timeout time.Duration) (*Navigation, error)
	WaitSelector(ctx context.Context, selector string, timeout time.Duration) error
	Click(ctx context.Context, selector string) error
	Evaluate(ctx context.Context, script string, out interface{}) error
	InstallScript(ctx context.Context, source string) error
	JitterPointer(ctx context.Context) error
	ScrollToBottom(ctx context.Context) error
	WaitNetworkIdle(ctx context.Context, timeout time.Duration) error
	HTML(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Location(ctx context.Context) (string, error)
	Screenshot(ctx context.Context, fullPage bool, format string) ([]byte, error)
	PDF(ctx context.Context, format string) ([]byte, error)
	ConsoleLogs() []types.ConsoleEntry
	Alive(ctx context.Context) bool
	Close() error
}
