package types

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies every error the render pipeline can surface.
type ErrorCategory string

const (
	CategoryNetwork    ErrorCategory = "NETWORK"
	CategoryTimeout    ErrorCategory = "TIMEOUT"
	CategoryValidation ErrorCategory = "VALIDATION"
	CategoryResource   ErrorCategory = "RESOURCE"
	CategoryBrowser    ErrorCategory = "BROWSER"
	CategoryScript     ErrorCategory = "SCRIPT"
	CategoryAuth       ErrorCategory = "AUTH"
	CategoryRateLimit  ErrorCategory = "RATE_LIMIT"
)

// Recoverable reports whether a retry of the same request can reasonably succeed.
func (c ErrorCategory) Recoverable() bool {
	switch c {
	case CategoryTimeout, CategoryNetwork, CategoryResource, CategoryRateLimit:
		return true
	default:
		return false
	}
}

// Hint returns a stable, human-readable remediation hint for the category.
func (c ErrorCategory) Hint() string {
	switch c {
	case CategoryNetwork:
		return "the target could not be reached; verify the URL is publicly resolvable and retry"
	case CategoryTimeout:
		return "the page did not finish loading in time; raise timeout or set return_partial_on_timeout=true"
	case CategoryValidation:
		return "the request is malformed; fix the listed field and resend"
	case CategoryResource:
		return "the service is at capacity; retry after a short backoff"
	case CategoryBrowser:
		return "the browser engine failed; the request may succeed on retry"
	case CategoryScript:
		return "the supplied custom_script threw; fix the script before retrying"
	case CategoryAuth:
		return "missing or invalid authentication token"
	case CategoryRateLimit:
		return "request quota exceeded; back off for retry_after_seconds before retrying"
	default:
		return "unexpected error"
	}
}

// CategoryError wraps a cause with its pipeline category. The cause is
// preserved for errors.Is/As chains.
type CategoryError struct {
	Category ErrorCategory
	Err      error
}

func (e *CategoryError) Error() string {
	if e.Err == nil {
		return string(e.Category)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Err.Error())
}

func (e *CategoryError) Unwrap() error {
	return e.Err
}

// NewCategoryError wraps err with the given category.
func NewCategoryError(category ErrorCategory, err error) *CategoryError {
	return &CategoryError{Category: category, Err: err}
}

// Categorize extracts the category from an error chain, falling back to
// BROWSER for anything unclassified (matching the render pipeline policy
// that unknown failures surface as engine errors).
func Categorize(err error) ErrorCategory {
	var ce *CategoryError
	if errors.As(err, &ce) {
		return ce.Category
	}
	return CategoryBrowser
}
