package tokensource

import "time"

// Record is an immutable snapshot of an acquired bearer token. Records are
// replaced wholesale on every refresh, never mutated, so a *Record read from
// a shared atomic pointer is always internally consistent.
type Record struct {
	// Token is the opaque bearer credential. Treat as secret; never log it.
	Token string

	// ExpiresAt is the absolute deadline after which the token is rejected
	// by the API. Always strictly after AcquiredAt.
	ExpiresAt time.Time

	// AcquiredAt is when the exchange that produced this token completed.
	AcquiredAt time.Time
}

// Valid reports whether the token is still usable, refusing tokens that
// expire within the given buffer. A zero buffer checks plain expiry.
func (r *Record) Valid(buffer time.Duration) bool {
	if r == nil || r.Token == "" {
		return false
	}
	return time.Now().Add(buffer).Before(r.ExpiresAt)
}

// TTL returns the remaining lifetime, which is negative once expired.
func (r *Record) TTL() time.Duration {
	if r == nil {
		return 0
	}
	return time.Until(r.ExpiresAt)
}
