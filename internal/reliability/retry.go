// Package reliability classifies transient backend failures and computes
// retry backoff for the translation-connection dial path.
package reliability

import "time"

// IsRetryableHTTPStatus classifies handshake status codes worth retrying.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ShouldRetryHandshake decides whether a failed websocket handshake is
// worth retrying. statusCode 0 means the failure happened below HTTP
// (dial refused, reset, timeout) and is treated as transient; an HTTP
// response with a non-retryable status (401, 403, 404) is permanent.
func ShouldRetryHandshake(statusCode int) bool {
	if statusCode == 0 {
		return true
	}
	return IsRetryableHTTPStatus(statusCode)
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
