package render

import (
	"context"
	"errors"
	"strings"

	"github.com/pagelens/renderd/internal/browser"
	"github.com/pagelens/renderd/pkg/types"
)

// classify maps a raw render error onto its stable category. Sentinel
// checks come first; the string match catches engine errors that surface
// without a wrapping sentinel.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var ce *types.CategoryError
	if errors.As(err, &ce) {
		return err
	}

	switch {
	case errors.Is(err, browser.ErrNavigationTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return types.NewCategoryError(types.CategoryTimeout, err)
	case strings.Contains(err.Error(), "net::ERR_"):
		return types.NewCategoryError(types.CategoryNetwork, err)
	case errors.Is(err, browser.ErrNoResponse):
		return types.NewCategoryError(types.CategoryBrowser, err)
	case errors.Is(err, browser.ErrSessionLimit):
		return types.NewCategoryError(types.CategoryResource, err)
	case errors.Is(err, browser.ErrLaunchFailed),
		errors.Is(err, browser.ErrSessionCreate),
		errors.Is(err, browser.ErrPoolShutdown):
		return types.NewCategoryError(types.CategoryBrowser, err)
	default:
		return types.NewCategoryError(types.CategoryBrowser, err)
	}
}

// timeoutShaped reports whether the error represents the render deadline
// expiring, which is the only condition the emergency fallback intercepts.
func timeoutShaped(err error) bool {
	return errors.Is(err, browser.ErrNavigationTimeout) ||
		errors.Is(err, context.DeadlineExceeded)
}
