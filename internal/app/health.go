package app

import (
	"sync/atomic"

	"github.com/florianilch/revos/internal/tokenmanager"
)

// Health reports readiness for the introspection endpoints: the app must
// have finished startup and the manager must hold a token. All methods are
// thread-safe.
type Health struct {
	started atomic.Bool
	manager *tokenmanager.Manager
}

// Compile-time check that Health implements the server's readiness contract.
var _ ReadinessChecker = (*Health)(nil)

// NewHealth creates a Health bound to the manager, initialized as not ready.
func NewHealth(manager *tokenmanager.Manager) *Health {
	return &Health{manager: manager}
}

// SetStarted marks startup as complete (or rolled back).
func (h *Health) SetStarted(started bool) {
	h.started.Store(started)
}

// IsReady reports whether the process can serve: started and holding a
// usable token.
func (h *Health) IsReady() bool {
	return h.started.Load() && h.manager.Info().HasToken
}
