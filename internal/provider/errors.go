package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// APIError is a non-2xx response from a provider.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// CacheMissError is returned in replay mode when no recorded response exists
// for a request.
type CacheMissError struct {
	Key string
	URL string
}

func (e *CacheMissError) Error() string {
	return fmt.Sprintf("replay cache miss for %s (key %s)", e.URL, e.Key)
}

// IsTransient reports whether an error is worth retrying: network and timeout
// failures, plus 408, 429, and 5xx statuses. Cache misses, auth failures, and
// malformed-request statuses are permanent. Context cancellation is never
// retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var miss *CacheMissError
	if errors.As(err, &miss) {
		return false
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusRequestTimeout:
			return true
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return true
		case apiErr.StatusCode >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// Unwrapped transport errors (connection refused, reset, EOF mid-body)
	// surface as *url.Error or bare errors; treat anything that reached the
	// network layer as transient.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
