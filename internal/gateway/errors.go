package gateway

import "fmt"

// AuthError means the registry rejected the credential (HTTP 401/403). It is
// fatal for the whole run and never retried.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("registry rejected credential (HTTP %d)", e.Status)
}

// NotFoundError means the requested repository does not exist. Token-level
// usage lookups never produce this error: a 404 there means zero usage.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found", e.Resource)
}

// UpstreamError covers every other non-2xx response or transport failure,
// including timeouts. It is the only error class eligible for retry.
type UpstreamError struct {
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("registry request failed: %v", e.Err)
	}
	return fmt.Sprintf("registry request failed (HTTP %d)", e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
