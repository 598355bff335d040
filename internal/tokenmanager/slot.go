package tokenmanager

import (
	"log/slog"
	"sync"
)

// Slot holds at most one active Manager so independently constructed
// consumers can find the live manager without explicit wiring. The outermost
// composition boundary uses DefaultSlot; tests and embedded uses construct
// their own.
type Slot struct {
	mu     sync.Mutex
	active *Manager
}

// NewSlot creates an empty Slot.
func NewSlot() *Slot {
	return &Slot{}
}

// SetActive publishes the manager as the slot's active one. An already
// active manager is replaced last-write-wins; the replacement is logged
// because the displaced manager keeps running unaware.
func (s *Slot) SetActive(m *Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil && s.active != m {
		slog.Warn("replacing active token manager; the previous manager is no longer discoverable")
	}
	s.active = m
}

// ClearActive removes the manager from the slot. A manager that is not the
// currently active one is ignored, so a stopped stale manager cannot clobber
// a newer active one.
func (s *Slot) ClearActive(m *Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == m {
		s.active = nil
	}
}

// Active returns the currently active manager, or nil when none is live.
func (s *Slot) Active() *Manager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

var defaultSlot = NewSlot()

// DefaultSlot returns the process-wide slot. Only composition code at the
// process boundary should touch it; everything else takes a *Slot.
func DefaultSlot() *Slot {
	return defaultSlot
}
