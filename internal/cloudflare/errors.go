package cloudflare

import (
	"fmt"
	"time"
)

// AuthError indicates an invalid or expired API token. Never retried.
type AuthError struct {
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (%d): %s", e.StatusCode, e.Message)
}

// APIError indicates a request the server rejected for reasons other than
// auth or rate limiting, such as an invalid level value. Never retried.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, e.Message)
}

// RateLimitError indicates the server kept rate-limiting past the bounded
// total wait the retry policy allows.
type RateLimitError struct {
	Waited time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by server (waited %s before giving up)", e.Waited)
}

// NetworkError indicates transient transport failures that persisted through
// all retry attempts.
type NetworkError struct {
	Attempts int
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// retryAfterError carries the server-provided delay from a 429 response.
// Internal to the retry loop; callers see RateLimitError on exhaustion.
type retryAfterError struct {
	Delay time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.Delay)
}
