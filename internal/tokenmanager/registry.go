package tokenmanager

import (
	"log/slog"
	"sync"

	"github.com/florianilch/revos/internal/tokensource"
)

// Observer is the capability a consumer exposes to receive token pushes.
// ApplyNewToken is called from the manager's refresh path; implementations
// should store the token and return quickly, and must not call back into the
// manager's registration methods. The registry never controls the consumer's
// lifetime.
type Observer interface {
	ApplyNewToken(token string) error
}

// registry is the manager's set of registered observers. Refresh fan-out
// happens outside the lock so a slow or misbehaving observer cannot block
// registration; only the one-time delivery at registration runs under it.
type registry struct {
	mu        sync.Mutex
	observers map[Observer]struct{}
}

// add inserts the observer and delivers the current record to it while still
// holding the lock. Reading the record and delivering inside the locked
// section orders the delivery against every later notifyAll snapshot: a
// refresh racing the registration either delivers its newer token after this
// one, or has already stored the record this delivery picks up.
func (r *registry) add(obs Observer, current func() *tokensource.Record) *tokensource.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.observers == nil {
		r.observers = make(map[Observer]struct{})
	}
	r.observers[obs] = struct{}{}

	rec := current()
	if rec != nil {
		deliver(obs, rec)
	}
	return rec
}

func (r *registry) remove(obs Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.observers, obs)
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// snapshot copies the membership set so delivery iterates without the lock.
// Delivery order across observers is unspecified.
func (r *registry) snapshot() []Observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Observer, 0, len(r.observers))
	for obs := range r.observers {
		out = append(out, obs)
	}
	return out
}

// notifyAll pushes a fresh record to every registered observer. One
// observer's failure or panic never prevents delivery to the rest.
func (r *registry) notifyAll(record *tokensource.Record) {
	for _, obs := range r.snapshot() {
		deliver(obs, record)
	}
}

func deliver(obs Observer, record *tokensource.Record) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("token observer panicked during update", "panic", p)
		}
	}()

	if err := obs.ApplyNewToken(record.Token); err != nil {
		slog.Error("token observer rejected update", "error", err)
	}
}
