package tokensource

import "fmt"

// Method identifies which credential-exchange path an attempt used.
type Method string

const (
	// MethodPrimary is the standard form-encoded client-credentials exchange.
	MethodPrimary Method = "primary"
	// MethodFallback is the legacy JSON exchange endpoint.
	MethodFallback Method = "fallback"
)

// AuthError reports a failed credential exchange. It carries the method that
// was attempted so callers can drive fallback escalation.
type AuthError struct {
	Method Method
	Err    error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	return fmt.Sprintf("token exchange via %s method failed: %v", e.Method, e.Err)
}

// Unwrap returns the underlying cause.
func (e *AuthError) Unwrap() error {
	return e.Err
}
