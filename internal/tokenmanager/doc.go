// Package tokenmanager owns the bearer token lifecycle: demand fetches,
// expiry-aware caching, scheduled background refresh, failure counting with
// fallback escalation, and fan-out of fresh tokens to registered observers.
//
// A Manager caches at most one token record and guarantees that at most one
// exchange is in flight at any instant; concurrent demand collapses onto the
// in-flight exchange via singleflight. Consumers that want push updates
// implement Observer and register themselves; registration returns the cached
// record synchronously when one exists, so a consumer is usable immediately
// after construction.
//
// A process normally runs one Manager with the background service started.
// The active manager is published through a Slot so independently constructed
// consumers can find it without explicit wiring; pass a private Slot in tests
// to avoid the process-wide one.
package tokenmanager
