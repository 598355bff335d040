package tokenmanager

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/florianilch/revos/internal/tokensource"
)

// TokenFetcher performs one credential exchange per call. Satisfied by
// *tokensource.Fetcher; tests substitute their own.
type TokenFetcher interface {
	Fetch(ctx context.Context, method tokensource.Method) (*tokensource.Record, error)
}

// Manager orchestrates the token lifecycle for one credential set. All
// methods are safe for concurrent use.
type Manager struct {
	fetcher TokenFetcher
	policy  Policy
	slot    *Slot

	// record is replaced atomically on every successful exchange so cached
	// reads never take the mutex.
	record   atomic.Pointer[tokensource.Record]
	failures atomic.Int64

	// group collapses concurrent demand onto a single in-flight exchange.
	group singleflight.Group

	registry registry

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// Option configures a Manager at construction.
type Option func(*Manager)

// WithSlot makes the manager publish itself to the given slot instead of the
// process-wide default when its background service starts.
func WithSlot(slot *Slot) Option {
	return func(m *Manager) {
		m.slot = slot
	}
}

// New creates a Manager. The policy is validated here; invalid values
// surface as *ConfigError and are never retried.
func New(fetcher TokenFetcher, policy Policy, opts ...Option) (*Manager, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		fetcher: fetcher,
		policy:  policy,
		slot:    DefaultSlot(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Token returns a valid bearer token. A cached token outside the expiry
// buffer is returned without a network call. Otherwise one exchange runs
// (concurrent callers share it) and the fresh token is stored and fanned out
// to observers before being returned.
//
// During a transient outage a non-forced read still returns the last good
// token as long as it has not actually expired; once expired the *AuthError
// from the failed exchange is returned instead.
func (m *Manager) Token(ctx context.Context, forceRefresh bool) (string, error) {
	if !forceRefresh {
		if rec := m.record.Load(); rec.Valid(m.policy.ExpiryBuffer) {
			return rec.Token, nil
		}
	}

	rec, err := m.refresh(ctx)
	if err != nil {
		if !forceRefresh {
			// Stale-but-present: the buffer forced a refresh attempt, but the
			// old token is still within its real lifetime.
			if rec := m.record.Load(); rec.Valid(0) {
				return rec.Token, nil
			}
		}
		return "", err
	}
	return rec.Token, nil
}

// ForceRefresh refreshes unconditionally and reports success, swallowing the
// error for health-check style callers.
func (m *Manager) ForceRefresh(ctx context.Context) bool {
	if _, err := m.refresh(ctx); err != nil {
		slog.WarnContext(ctx, "forced token refresh failed", "error", err)
		return false
	}
	return true
}

// refresh performs a single-flight exchange. Exactly one exchange runs at a
// time per manager; every concurrent caller receives its result. A success
// stores the record, resets the failure counter, and notifies observers
// before any caller observes the result.
func (m *Manager) refresh(ctx context.Context) (*tokensource.Record, error) {
	v, err, _ := m.group.Do("exchange", func() (any, error) {
		method := m.selectMethod()

		rec, err := m.fetcher.Fetch(ctx, method)
		if err != nil {
			m.failures.Add(1)
			return nil, err
		}

		m.failures.Store(0)
		m.record.Store(rec)
		m.registry.notifyAll(rec)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tokensource.Record), nil
}

// selectMethod applies the escalation rule: fallback only when enabled and
// the consecutive failure count has reached the policy threshold. Callers
// never pick the method themselves.
func (m *Manager) selectMethod() tokensource.Method {
	if m.policy.EnableFallback && int(m.failures.Load()) >= m.policy.MaxFailuresBeforeFallback {
		return tokensource.MethodFallback
	}
	return tokensource.MethodPrimary
}

// StartBackground starts the periodic refresh service: the manager becomes
// the slot's active manager, one immediate exchange warms the cache so
// observers registering afterwards get a token synchronously, and a
// background loop refreshes every RefreshInterval minus ExpiryBuffer.
//
// Idempotent; a second call on a running manager does nothing. A no-op when
// the policy disables periodic refresh. A failed warm-up exchange is logged
// rather than returned: the schedule retries on its own and the service is
// considered started.
func (m *Manager) StartBackground(ctx context.Context) error {
	if !m.policy.EnablePeriodicRefresh {
		return nil
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	// The loop's lifetime is owned by StopBackground, not by the caller's
	// (often request-scoped) context.
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.running = true
	m.cancel = cancel
	m.mu.Unlock()

	m.slot.SetActive(m)

	if _, err := m.refresh(ctx); err != nil {
		slog.WarnContext(ctx, "initial token fetch failed; background schedule will retry",
			"error", err,
			"refresh_interval", m.policy.RefreshInterval)
	}

	go m.runLoop(loopCtx)
	return nil
}

// StopBackground cancels the refresh schedule and releases the slot if this
// manager owns it. It does not wait for an in-flight exchange: a late
// completion still stores its record (last writer wins) but the timer is
// never re-armed. The cached token stays usable for standalone reads.
// Idempotent.
func (m *Manager) StopBackground() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.slot.ClearActive(m)
}

// BackgroundRunning reports whether the periodic refresh service is running.
func (m *Manager) BackgroundRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) runLoop(ctx context.Context) {
	interval := m.policy.RefreshInterval - m.policy.ExpiryBuffer
	if interval <= 0 {
		interval = m.policy.RefreshInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// WithoutCancel lets an exchange that straddles StopBackground
			// run to completion and store its record.
			if _, err := m.refresh(context.WithoutCancel(ctx)); err != nil {
				slog.ErrorContext(ctx, "scheduled token refresh failed; keeping previous token",
					"error", err,
					"consecutive_failures", m.ConsecutiveFailures())
			}
		}
	}
}

// Register adds the observer and delivers the currently cached record to it
// through ApplyNewToken before returning; the record is also returned, or nil
// when no exchange has succeeded yet. Delivery at registration is ordered
// with refresh fan-out, so a refresh racing the registration cannot leave the
// observer holding the older token.
func (m *Manager) Register(obs Observer) *tokensource.Record {
	return m.registry.add(obs, m.record.Load)
}

// Unregister removes the observer; a no-op if it was never registered.
func (m *Manager) Unregister(obs Observer) {
	m.registry.remove(obs)
}

// Observers returns the number of currently registered observers.
func (m *Manager) Observers() int {
	return m.registry.len()
}

// TokenInfo is a non-blocking snapshot of token health for introspection.
type TokenInfo struct {
	HasToken           bool      `json:"has_token"`
	ExpiresAt          time.Time `json:"expires_at,omitzero"`
	SecondsUntilExpiry float64   `json:"seconds_until_expiry"`
}

// Info returns the current token health snapshot without blocking.
func (m *Manager) Info() TokenInfo {
	rec := m.record.Load()
	if rec == nil {
		return TokenInfo{}
	}
	return TokenInfo{
		HasToken:           true,
		ExpiresAt:          rec.ExpiresAt,
		SecondsUntilExpiry: rec.TTL().Seconds(),
	}
}

// ConsecutiveFailures returns the current failure counter without blocking.
func (m *Manager) ConsecutiveFailures() int {
	return int(m.failures.Load())
}
