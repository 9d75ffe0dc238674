package proxy

import (
	"errors"
	"fmt"
)

// Pipeline outcomes that end a cycle without being logic errors.
var (
	// ErrKeepAliveTimeout means no request header arrived within the keep-alive window.
	ErrKeepAliveTimeout = errors.New("keep-alive timeout")
	// ErrPrematureEOF means the peer closed before the message was complete.
	ErrPrematureEOF = errors.New("premature EOF")
	// ErrPipelinedData means bytes beyond the current message were already
	// waiting on the socket. They are left unread and the connection is dropped.
	ErrPipelinedData = errors.New("pipelined data after message end")
	// ErrShortWrite means the destination accepted fewer bytes than sent.
	ErrShortWrite = errors.New("short write")
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// newError uses the registered description for code.
func newError(code string, cause error) *Error {
	return NewProxyError(code, GetErrorDescription(code), cause)
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeInvalidConfig        = "E1001"
	ErrCodeListenerCreateFailed = "E1002"
	ErrCodeStatsInitFailed      = "E1003"
	ErrCodeMetricsServerFailed  = "E1004"
	ErrCodeInvalidSchedule      = "E1005"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionFailed = "E2001"
	ErrCodeInvalidAddress   = "E2002"
	ErrCodeInvalidPort      = "E2003"
	ErrCodeResolveFailed    = "E2004"
	ErrCodeDialFailed       = "E2005"
	ErrCodeConnectionClosed = "E2006"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeRequestHeaderFailed   = "E4001"
	ErrCodeResponseHeaderFailed  = "E4002"
	ErrCodeRequestForwardFailed  = "E4003"
	ErrCodeResponseForwardFailed = "E4004"
	ErrCodeUnsupportedRequest    = "E4005"
	ErrCodeResponseWriteFailed   = "E4006"

	// Proxy Chain and Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed  = "E6001"
	ErrCodeSOCKS5ConnectFailed = "E6002"

	// Access Control and Security Errors (E7000-E7999)
	ErrCodeHostNotAllowed       = "E7001"
	ErrCodeAuthenticationFailed = "E7002"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError = "E9901"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeInvalidConfig:        "Invalid proxy configuration",
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeStatsInitFailed:      "Failed to initialize statistics collector",
	ErrCodeMetricsServerFailed:  "Metrics endpoint failed",
	ErrCodeInvalidSchedule:      "Invalid statistics report schedule",

	ErrCodeConnectionFailed: "Connection to upstream failed",
	ErrCodeInvalidAddress:   "Invalid upstream address",
	ErrCodeInvalidPort:      "Invalid upstream port",
	ErrCodeResolveFailed:    "Failed to resolve upstream host",
	ErrCodeDialFailed:       "Failed to dial upstream",
	ErrCodeConnectionClosed: "Connection closed",

	ErrCodeRequestHeaderFailed:   "Failed to read request header",
	ErrCodeResponseHeaderFailed:  "Failed to read response header",
	ErrCodeRequestForwardFailed:  "Failed to forward request",
	ErrCodeResponseForwardFailed: "Failed to forward response",
	ErrCodeUnsupportedRequest:    "Request shape has no forwarding strategy",
	ErrCodeResponseWriteFailed:   "Failed to write proxy response",

	ErrCodeSOCKS5DialerFailed:  "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed: "Failed to connect through SOCKS5 proxy",

	ErrCodeHostNotAllowed:       "Host is blocked",
	ErrCodeAuthenticationFailed: "Proxy authentication failed",

	ErrCodeInternalError: "Internal proxy error",
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

func codeInRange(err error, lo, hi string) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= lo && proxyErr.Code < hi
	}
	return false
}

// IsConfigurationError checks if the error is configuration-related
func IsConfigurationError(err error) bool { return codeInRange(err, "E1000", "E2000") }

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool { return codeInRange(err, "E2000", "E3000") }

// IsHTTPError checks if the error is HTTP-related
func IsHTTPError(err error) bool { return codeInRange(err, "E4000", "E5000") }

// IsProxyChainError checks if the error is related to upstream proxy chaining
func IsProxyChainError(err error) bool { return codeInRange(err, "E6000", "E7000") }

// IsAccessControlError checks if the error is access control-related
func IsAccessControlError(err error) bool { return codeInRange(err, "E7000", "E8000") }

// ErrorCode returns the code of the first *Error in err's chain, or "".
func ErrorCode(err error) string {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code
	}
	return ""
}
