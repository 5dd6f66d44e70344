// Package httputil provides the unified JSON response shapes of the API.
package httputil

import (
	"encoding/json"

	"github.com/valyala/fasthttp"

	"github.com/pagelens/renderd/pkg/types"
)

// APIResponse is the envelope every endpoint returns.
type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

// ErrorBody carries a stable category and a remediation hint alongside the
// human-readable message.
type ErrorBody struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Hint     string `json:"hint,omitempty"`
}

// JSONData sends a success envelope with a payload.
func JSONData(ctx *fasthttp.RequestCtx, data interface{}, statusCode int) {
	send(ctx, APIResponse{Success: true, Data: data}, statusCode)
}

// JSONSuccess sends a success envelope with just a message.
func JSONSuccess(ctx *fasthttp.RequestCtx, message string, statusCode int) {
	send(ctx, APIResponse{Success: true, Message: message}, statusCode)
}

// JSONError sends a plain failure envelope.
func JSONError(ctx *fasthttp.RequestCtx, message string, statusCode int) {
	send(ctx, APIResponse{Success: false, Message: message}, statusCode)
}

// JSONCategoryError maps a categorized render error onto its HTTP status
// with the category's remediation hint attached.
func JSONCategoryError(ctx *fasthttp.RequestCtx, err error) {
	category := types.Categorize(err)
	send(ctx, APIResponse{
		Success: false,
		Error: &ErrorBody{
			Category: string(category),
			Message:  err.Error(),
			Hint:     category.Hint(),
		},
	}, StatusForCategory(category))
}

// StatusForCategory maps error categories to HTTP status codes.
func StatusForCategory(category types.ErrorCategory) int {
	switch category {
	case types.CategoryValidation:
		return fasthttp.StatusBadRequest
	case types.CategoryAuth:
		return fasthttp.StatusUnauthorized
	case types.CategoryRateLimit:
		return fasthttp.StatusTooManyRequests
	case types.CategoryTimeout:
		return fasthttp.StatusGatewayTimeout
	case types.CategoryResource:
		return fasthttp.StatusServiceUnavailable
	case types.CategoryNetwork:
		return fasthttp.StatusBadGateway
	default:
		return fasthttp.StatusInternalServerError
	}
}

func send(ctx *fasthttp.RequestCtx, resp APIResponse, statusCode int) {
	body, _ := json.Marshal(resp)
	ctx.SetStatusCode(statusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}
