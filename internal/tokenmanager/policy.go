package tokenmanager

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Policy is the immutable refresh configuration of a Manager. It is captured
// at construction; build a new Manager to apply different values.
type Policy struct {
	// RefreshInterval is the period of the background refresh schedule.
	RefreshInterval time.Duration `validate:"gt=0"`

	// ExpiryBuffer makes demand reads refresh early: a cached token within
	// this margin of its expiry is treated as expired. The background
	// schedule also fires this much before the interval elapses.
	ExpiryBuffer time.Duration `validate:"gte=0"`

	// MaxFailuresBeforeFallback is the number of consecutive failed
	// exchanges after which attempts switch to the fallback method.
	MaxFailuresBeforeFallback int `validate:"gte=1"`

	// EnablePeriodicRefresh controls whether StartBackground does anything.
	EnablePeriodicRefresh bool

	// EnableFallback controls whether fallback escalation happens at all.
	EnableFallback bool
}

// DefaultPolicy mirrors the gateway's documented defaults: refresh every
// 50 minutes with a 5 minute buffer, fall back after 3 consecutive failures.
func DefaultPolicy() Policy {
	return Policy{
		RefreshInterval:           50 * time.Minute,
		ExpiryBuffer:              5 * time.Minute,
		MaxFailuresBeforeFallback: 3,
		EnablePeriodicRefresh:     true,
		EnableFallback:            true,
	}
}

// Validate checks the policy values and returns a *ConfigError describing the
// first violation found.
func (p Policy) Validate() error {
	if err := validate.Struct(p); err != nil {
		return &ConfigError{Err: fmt.Errorf("policy validation: %w", err)}
	}
	if p.ExpiryBuffer >= p.RefreshInterval {
		return &ConfigError{Err: fmt.Errorf("expiry buffer %s must be shorter than refresh interval %s", p.ExpiryBuffer, p.RefreshInterval)}
	}
	return nil
}

// ConfigError reports policy values out of valid range, surfaced at Manager
// construction and never retried.
type ConfigError struct {
	Err error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid token manager configuration: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *ConfigError) Unwrap() error {
	return e.Err
}
