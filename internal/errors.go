package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrRateLimited      = errors.New("rate limited")
	ErrStoreUnavailable = errors.New("state store unavailable")
	ErrGatewayTimeout   = errors.New("upstream timeout")
	ErrBadGateway       = errors.New("upstream unreachable")
)

// Machine-readable error tokens used in the response envelope.
const (
	CodeNotFound          = "not_found"
	CodeMethodNotAllowed  = "method_not_allowed"
	CodeInvalidToken      = "invalid_token"
	CodeForbidden         = "forbidden"
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeGatewayTimeout    = "gateway_timeout"
	CodeBadGateway        = "bad_gateway"
	CodeInternalError     = "internal_error"
	CodeValidationError   = "validation_error"
)
