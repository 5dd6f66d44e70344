package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderRequest_NormalizeDefaults(t *testing.T) {
	req := RenderRequest{URL: "https://example.com/"}
	req.Normalize()

	assert.Equal(t, WaitLoad, req.WaitUntil)
	assert.Equal(t, DefaultTimeout, req.Timeout.Std())
	require.NotNil(t, req.Viewport)
	assert.Equal(t, DefaultViewportW, req.Viewport.Width)
	assert.Equal(t, DefaultViewportH, req.Viewport.Height)
	assert.Equal(t, OutputHTML, req.Output)
}

func TestRenderRequest_NormalizeClampsTimeouts(t *testing.T) {
	req := RenderRequest{
		URL:       "https://example.com/",
		Timeout:   Duration(10 * time.Minute),
		ExtraWait: Duration(5 * time.Minute),
	}
	req.Normalize()

	assert.Equal(t, MaxTimeout, req.Timeout.Std())
	assert.Equal(t, MaxExtraWait, req.ExtraWait.Std())
}

func TestRenderRequest_NormalizeOutputDefaults(t *testing.T) {
	req := RenderRequest{URL: "https://example.com/", Output: "SCREENSHOT"}
	req.Normalize()
	assert.Equal(t, OutputScreenshot, req.Output)
	assert.Equal(t, ScreenshotPNG, req.ScreenshotFormat)

	req = RenderRequest{URL: "https://example.com/", Output: "pdf"}
	req.Normalize()
	assert.Equal(t, PDFFormatA4, req.PDFFormat)
}

func TestRenderRequest_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modifyFn  func(*RenderRequest)
		expectErr bool
	}{
		{
			name:      "valid request",
			modifyFn:  func(r *RenderRequest) {},
			expectErr: false,
		},
		{
			name: "empty url",
			modifyFn: func(r *RenderRequest) {
				r.URL = ""
			},
			expectErr: true,
		},
		{
			name: "non-http scheme",
			modifyFn: func(r *RenderRequest) {
				r.URL = "ftp://example.com/file"
			},
			expectErr: true,
		},
		{
			name: "loopback target",
			modifyFn: func(r *RenderRequest) {
				r.URL = "http://127.0.0.1:8080/admin"
			},
			expectErr: true,
		},
		{
			name: "private target",
			modifyFn: func(r *RenderRequest) {
				r.URL = "http://192.168.1.1/"
			},
			expectErr: true,
		},
		{
			name: "unknown wait strategy",
			modifyFn: func(r *RenderRequest) {
				r.WaitUntil = "idle0"
			},
			expectErr: true,
		},
		{
			name: "unknown output mode",
			modifyFn: func(r *RenderRequest) {
				r.Output = "markdown"
			},
			expectErr: true,
		},
		{
			name: "too many selectors",
			modifyFn: func(r *RenderRequest) {
				for i := 0; i <= MaxSelectors; i++ {
					r.WaitForSelectors = append(r.WaitForSelectors, "#item")
				}
			},
			expectErr: true,
		},
		{
			name: "zero viewport",
			modifyFn: func(r *RenderRequest) {
				r.Viewport = &Viewport{Width: 0, Height: 600}
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := RenderRequest{URL: "https://example.com/page"}
			req.Normalize()
			tt.modifyFn(&req)

			err := req.Validate()
			if tt.expectErr {
				require.Error(t, err)
				assert.Equal(t, CategoryValidation, Categorize(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestErrorCategory_Recoverable(t *testing.T) {
	assert.True(t, CategoryTimeout.Recoverable())
	assert.True(t, CategoryNetwork.Recoverable())
	assert.True(t, CategoryRateLimit.Recoverable())
	assert.False(t, CategoryScript.Recoverable())
	assert.False(t, CategoryValidation.Recoverable())
}

func TestErrorCategory_HintIsStable(t *testing.T) {
	for _, c := range []ErrorCategory{
		CategoryNetwork, CategoryTimeout, CategoryValidation, CategoryResource,
		CategoryBrowser, CategoryScript, CategoryAuth, CategoryRateLimit,
	} {
		assert.NotEmpty(t, c.Hint())
		assert.Equal(t, c.Hint(), c.Hint())
	}
}

func TestCategorize(t *testing.T) {
	err := NewCategoryError(CategoryTimeout, assert.AnError)
	assert.Equal(t, CategoryTimeout, Categorize(err))
	assert.ErrorIs(t, err, assert.AnError)

	// Unclassified errors surface as engine failures.
	assert.Equal(t, CategoryBrowser, Categorize(assert.AnError))
}
