package proxy

import (
	"errors"
	"fmt"
)

// Sentinel errors for proxy operations.
var (
	// ErrInvalidTargetURL indicates that the upstream URL is unusable.
	ErrInvalidTargetURL = errors.New("invalid target URL")

	// ErrUpstreamTimeout indicates that the upstream request timed out.
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamUnavailable indicates that the upstream could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// ProxyError represents a proxy failure with details.
type ProxyError struct {
	Op     string // Operation that failed
	Target string // Target URL if applicable
	Err    error  // Sentinel kind
	Cause  error  // Underlying error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	msg := fmt.Sprintf("proxy error [%s]", e.Op)
	if e.Target != "" {
		msg += " target=" + e.Target
	}
	msg += ": " + e.Err.Error()
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel kind of e.
func (e *ProxyError) Is(target error) bool {
	return target == e.Err
}

// NewInvalidTargetError creates an error for an unusable upstream URL.
func NewInvalidTargetError(target string, cause error) *ProxyError {
	return &ProxyError{Op: "parse_target", Target: target, Err: ErrInvalidTargetURL, Cause: cause}
}

// IsProxyError checks if an error is a ProxyError.
func IsProxyError(err error) bool {
	var proxyErr *ProxyError
	return errors.As(err, &proxyErr)
}
