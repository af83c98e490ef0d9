// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeOverloadedError   = "overloaded_error"
	TypeUpstreamError     = "upstream_error"
	TypeTimeoutError      = "timeout_error"
	TypeInternalError     = "internal_error"
)

// Code constants.
const (
	CodeInvalidAPIKey       = "invalid_api_key"
	CodePermissionDenied    = "permission_denied"
	CodeModelAccessDenied   = "model_access_denied"
	CodeInvalidRequest      = "invalid_request"
	CodeModelNotFound       = "model_not_found"
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeAtCapacity          = "at_capacity"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeRequestTimeout      = "request_timeout"
	CodeInternalError       = "internal_server_error"
)

// StatusClientClosedRequest is the nginx-style 499 recorded when the caller
// disconnects before a response is written. No body is sent with it.
const StatusClientClosedRequest = 499

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message   string         `json:"message"`
		Type      string         `json:"type"`
		Code      string         `json:"code"`
		RequestID string         `json:"request_id,omitempty"`
		Details   map[string]any `json:"details,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP
// status. The request id is picked up from the request context when present.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	reqID, _ := ctx.UserValue("request_id").(string)
	WriteError(ctx, status, APIError{
		Message:   message,
		Type:      errType,
		Code:      code,
		RequestID: reqID,
	})
}

// WriteError writes a fully populated APIError.
func WriteError(ctx *fasthttp.RequestCtx, status int, e APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 with a Retry-After header and retry_after detail.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	reqID, _ := ctx.UserValue("request_id").(string)
	WriteError(ctx, fasthttp.StatusTooManyRequests, APIError{
		Message:   "rate limit exceeded",
		Type:      TypeRateLimitError,
		Code:      CodeRateLimitExceeded,
		RequestID: reqID,
		Details:   map[string]any{"retry_after": retryAfterSeconds},
	})
}

// WriteAtCapacity writes a 503 with a Retry-After header. Used when queue
// admission fails because a provider or the gateway is saturated.
func WriteAtCapacity(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	reqID, _ := ctx.UserValue("request_id").(string)
	WriteError(ctx, fasthttp.StatusServiceUnavailable, APIError{
		Message:   "server is at capacity, retry later",
		Type:      TypeOverloadedError,
		Code:      CodeAtCapacity,
		RequestID: reqID,
		Details:   map[string]any{"retry_after": retryAfterSeconds},
	})
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout,
		"upstream request timed out", TypeTimeoutError, CodeRequestTimeout)
}

// WriteCancelled marks the response for a caller that has already gone away.
// 499 is never delivered; it only shows up in access logs and metrics.
func WriteCancelled(ctx *fasthttp.RequestCtx) {
	ctx.ResetBody()
	ctx.SetStatusCode(StatusClientClosedRequest)
}
