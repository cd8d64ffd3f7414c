// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/nulpointcorp/llm-gateway/pkg/gatewayerr"
	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeNotImplemented    = "not_implemented"
	CodeInvalidRequest    = "invalid_request"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Default       → 502
//
// Timeouts are not detected here; WriteTimeout writes the 504.
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 500 && providerStatus < 600:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteGatewayError renders a *gatewayerr.Error to the client, mapping its
// Kind to an HTTP status and the OpenAI-compatible error envelope.
func WriteGatewayError(ctx *fasthttp.RequestCtx, err *gatewayerr.Error) {
	if err.RetryAfter > 0 {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(int(err.RetryAfter.Seconds())))
	}
	switch err.Kind {
	case gatewayerr.InvalidRequest:
		Write(ctx, fasthttp.StatusBadRequest, err.Message, TypeInvalidRequest, CodeInvalidRequest)
	case gatewayerr.Unauthorized:
		Write(ctx, fasthttp.StatusUnauthorized, err.Message, TypeAuthenticationErr, CodeInvalidAPIKey)
	case gatewayerr.RateLimited:
		if err.RetryAfter <= 0 {
			ctx.Response.Header.Set("Retry-After", "60")
		}
		Write(ctx, fasthttp.StatusTooManyRequests, err.Message, TypeRateLimitError, CodeRateLimitExceeded)
	case gatewayerr.BudgetExhausted:
		Write(ctx, fasthttp.StatusPaymentRequired, err.Message, TypeInvalidRequest, "budget_exhausted")
	case gatewayerr.NoCandidate, gatewayerr.CircuitOpen:
		Write(ctx, fasthttp.StatusServiceUnavailable, err.Message, TypeProviderError, CodeProviderError)
	case gatewayerr.ProviderContentFiltered, gatewayerr.SafetyBlocked:
		Write(ctx, fasthttp.StatusUnprocessableEntity, err.Message, TypeInvalidRequest, "content_filtered")
	case gatewayerr.ProviderPermanent:
		Write(ctx, fasthttp.StatusBadGateway, err.Message, TypeProviderError, CodeProviderError)
	case gatewayerr.ProviderTransient:
		Write(ctx, fasthttp.StatusBadGateway, err.Message, TypeProviderError, CodeProviderError)
	case gatewayerr.Timeout, gatewayerr.DeadlineExceeded:
		WriteTimeout(ctx)
	case gatewayerr.Overloaded:
		if err.RetryAfter <= 0 {
			ctx.Response.Header.Set("Retry-After", "5")
		}
		Write(ctx, fasthttp.StatusServiceUnavailable, err.Message, TypeServerError, "overloaded")
	case gatewayerr.Cancelled:
		Write(ctx, 499, err.Message, TypeServerError, "cancelled")
	default:
		Write(ctx, fasthttp.StatusInternalServerError, err.Message, TypeServerError, CodeInternalError)
	}
}
