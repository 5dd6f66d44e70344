package types

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Wait strategies accepted for navigation. They map to page lifecycle events.
const (
	WaitDOMContentLoaded = "domcontentloaded"
	WaitLoad             = "load"
	WaitNetworkIdle      = "networkidle"
)

// Output modes for a render.
const (
	OutputHTML       = "html"
	OutputText       = "text"
	OutputScreenshot = "screenshot"
	OutputPDF        = "pdf"
)

// Screenshot formats.
const (
	ScreenshotPNG  = "png"
	ScreenshotJPEG = "jpeg"
)

// PDF paper formats.
const (
	PDFFormatA4     = "a4"
	PDFFormatLetter = "letter"
	PDFFormatLegal  = "legal"
)

// Request validation limits.
const (
	MaxTimeout       = 120 * time.Second
	MaxExtraWait     = 30 * time.Second
	MaxSelectors     = 20
	MaxCookies       = 50
	MaxHeaders       = 30
	MaxScriptLength  = 65536
	MaxViewportSide  = 4096
	DefaultTimeout   = 30 * time.Second
	DefaultViewportW = 1920
	DefaultViewportH = 1080
)

// Cookie is a cookie injected into the session before navigation.
type Cookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"http_only,omitempty"`
}

// Viewport is the emulated browser window size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Console message levels.
const (
	ConsoleLog     = "log"
	ConsoleWarning = "warning"
	ConsoleError   = "error"
)

// ConsoleEntry is one captured browser console message.
type ConsoleEntry struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RenderRequest describes a single page render. It is immutable for the
// duration of the render once Normalize and Validate have been applied at
// the request boundary.
type RenderRequest struct {
	RequestID string `json:"request_id,omitempty"`
	URL       string `json:"url"`

	// Navigation
	WaitUntil string   `json:"wait_until,omitempty"`
	Timeout   Duration `json:"timeout,omitempty"`
	ExtraWait Duration `json:"extra_wait,omitempty"`

	// Identity
	UserAgent string            `json:"user_agent,omitempty"`
	Cookies   []Cookie          `json:"cookies,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Viewport  *Viewport         `json:"viewport,omitempty"`

	// Interaction
	ScrollToBottom   bool     `json:"scroll_to_bottom,omitempty"`
	WaitForSelectors []string `json:"wait_for_selectors,omitempty"`
	ClickSelectors   []string `json:"click_selectors,omitempty"`
	RemoveElements   []string `json:"remove_elements,omitempty"`
	CustomScript     string   `json:"custom_script,omitempty"`

	// Behavior
	CaptureConsole         bool `json:"capture_console,omitempty"`
	ReturnPartialOnTimeout bool `json:"return_partial_on_timeout,omitempty"`

	// Output
	Output           string `json:"output,omitempty"`
	FullPage         bool   `json:"full_page,omitempty"`
	ScreenshotFormat string `json:"screenshot_format,omitempty"`
	PDFFormat        string `json:"pdf_format,omitempty"`
}

// Normalize fills defaults for every unset option. Called once at the
// request boundary so downstream code never re-derives defaults.
func (r *RenderRequest) Normalize() {
	if r.WaitUntil == "" {
		r.WaitUntil = WaitLoad
	} else {
		r.WaitUntil = strings.ToLower(r.WaitUntil)
	}
	if r.Timeout <= 0 {
		r.Timeout = Duration(DefaultTimeout)
	}
	if r.Timeout.Std() > MaxTimeout {
		r.Timeout = Duration(MaxTimeout)
	}
	if r.ExtraWait.Std() > MaxExtraWait {
		r.ExtraWait = Duration(MaxExtraWait)
	}
	if r.Viewport == nil {
		r.Viewport = &Viewport{Width: DefaultViewportW, Height: DefaultViewportH}
	}
	if r.Output == "" {
		r.Output = OutputHTML
	} else {
		r.Output = strings.ToLower(r.Output)
	}
	if r.Output == OutputScreenshot && r.ScreenshotFormat == "" {
		r.ScreenshotFormat = ScreenshotPNG
	}
	if r.Output == OutputPDF && r.PDFFormat == "" {
		r.PDFFormat = PDFFormatA4
	}
}

// Validate checks the normalized request. All failures are VALIDATION errors.
func (r *RenderRequest) Validate() error {
	if err := validateTargetURL(r.URL); err != nil {
		return NewCategoryError(CategoryValidation, err)
	}

	switch r.WaitUntil {
	case WaitDOMContentLoaded, WaitLoad, WaitNetworkIdle:
	default:
		return NewCategoryError(CategoryValidation,
			fmt.Errorf("wait_until must be one of %q, %q, %q", WaitDOMContentLoaded, WaitLoad, WaitNetworkIdle))
	}

	switch r.Output {
	case OutputHTML, OutputText, OutputScreenshot, OutputPDF:
	default:
		return NewCategoryError(CategoryValidation, fmt.Errorf("unknown output mode %q", r.Output))
	}

	if r.Output == OutputScreenshot && r.ScreenshotFormat != ScreenshotPNG && r.ScreenshotFormat != ScreenshotJPEG {
		return NewCategoryError(CategoryValidation, fmt.Errorf("unknown screenshot_format %q", r.ScreenshotFormat))
	}
	if r.Output == OutputPDF {
		switch r.PDFFormat {
		case PDFFormatA4, PDFFormatLetter, PDFFormatLegal:
		default:
			return NewCategoryError(CategoryValidation, fmt.Errorf("unknown pdf_format %q", r.PDFFormat))
		}
	}

	if len(r.WaitForSelectors) > MaxSelectors || len(r.ClickSelectors) > MaxSelectors || len(r.RemoveElements) > MaxSelectors {
		return NewCategoryError(CategoryValidation, fmt.Errorf("selector lists are limited to %d entries", MaxSelectors))
	}
	if len(r.Cookies) > MaxCookies {
		return NewCategoryError(CategoryValidation, fmt.Errorf("cookies are limited to %d entries", MaxCookies))
	}
	if len(r.Headers) > MaxHeaders {
		return NewCategoryError(CategoryValidation, fmt.Errorf("headers are limited to %d entries", MaxHeaders))
	}
	if len(r.CustomScript) > MaxScriptLength {
		return NewCategoryError(CategoryValidation, fmt.Errorf("custom_script exceeds %d bytes", MaxScriptLength))
	}
	if r.Viewport.Width <= 0 || r.Viewport.Height <= 0 ||
		r.Viewport.Width > MaxViewportSide || r.Viewport.Height > MaxViewportSide {
		return NewCategoryError(CategoryValidation,
			fmt.Errorf("viewport sides must be within 1..%d", MaxViewportSide))
	}

	return nil
}

// validateTargetURL rejects empty, non-HTTP and private-address targets.
// Only IP literals are checked here; DNS resolution happens in the browser.
func validateTargetURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url field is required")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("url is missing a host")
	}

	hostname := u.Hostname()
	if ip := net.ParseIP(hostname); ip != nil && isPrivateIP(ip) {
		return fmt.Errorf("url targets a private or reserved address: %s", hostname)
	}

	return nil
}

// RenderResult is the output of a single render. Produced once, immutable
// thereafter.
type RenderResult struct {
	RequestID          string         `json:"request_id"`
	HTML               string         `json:"html,omitempty"`
	Title              string         `json:"title,omitempty"`
	URL                string         `json:"url"`
	OriginalURL        string         `json:"original_url"`
	ConsoleLogs        []ConsoleEntry `json:"console_logs,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	WasTimeout         bool           `json:"was_timeout"`
	IsEmergencyContent bool           `json:"is_emergency_content"`
	FromCache          bool           `json:"from_cache"`
	ContentLength      int            `json:"content_length"`
	RenderTime         Duration       `json:"render_time"`
	StatusCode         int            `json:"status_code,omitempty"`
	Screenshot         []byte         `json:"screenshot,omitempty"`
	PDF                []byte         `json:"pdf,omitempty"`
}

// Denial is the typed admission decision surfaced to a rejected caller. It
// maps to HTTP 429 in the request layer.
type Denial struct {
	Limited           bool   `json:"limited"`
	Reason            string `json:"reason"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
	Details           string `json:"details,omitempty"`
}

// BatchRequest fans a list of URLs through the render pipeline.
type BatchRequest struct {
	URLs        []string      `json:"urls"`
	Concurrency int           `json:"concurrency,omitempty"`
	Options     RenderRequest `json:"options,omitempty"`
}

// BatchItemError records one failed URL of a batch.
type BatchItemError struct {
	URL      string        `json:"url"`
	Category ErrorCategory `json:"category"`
	Error    string        `json:"error"`
}

// BatchResult aggregates per-URL outcomes of a batch run.
type BatchResult struct {
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Results   []*RenderResult  `json:"results"`
	Errors    []BatchItemError `json:"errors"`
}
