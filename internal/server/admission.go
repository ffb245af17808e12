package server

import (
	"sync"

	"kvgate/internal/metrics"
)

// admission enforces the per-address and global connection limits. Both
// checks and both increments happen under one mutex hold, so two concurrent
// attempts can never each pass a limit check before either increment lands.
type admission struct {
	maxPerAddr int
	maxTotal   int

	mu      sync.Mutex
	perAddr map[string]int
	total   int
}

// newAdmission builds a controller with the given limits. A non-positive
// value disables that bound; with both disabled the controller is nil and
// admits everything.
func newAdmission(maxPerAddr, maxTotal int) *admission {
	if maxPerAddr <= 0 && maxTotal <= 0 {
		return nil
	}
	return &admission{
		maxPerAddr: maxPerAddr,
		maxTotal:   maxTotal,
		perAddr:    make(map[string]int),
	}
}

// acquire decides one connection attempt from addr. On success it returns
// a release func that gives both slots back; release is idempotent, so a
// handler unwinding through multiple exit paths cannot underflow a counter.
// On rejection the raw connection is the caller's to close.
func (a *admission) acquire(addr string) (func(), bool) {
	if a == nil {
		// No limits to enforce, but the active-connections gauge still
		// has to track every open connection.
		metrics.ConnAccepted()
		var once sync.Once
		return func() { once.Do(metrics.ConnReleased) }, true
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.maxTotal > 0 && a.total >= a.maxTotal {
		metrics.ConnRejected("total")
		return nil, false
	}
	if a.maxPerAddr > 0 && a.perAddr[addr] >= a.maxPerAddr {
		metrics.ConnRejected("per_addr")
		return nil, false
	}

	a.perAddr[addr]++
	a.total++
	metrics.ConnAccepted()

	released := false
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		if released {
			return
		}
		released = true
		if current := a.perAddr[addr]; current <= 1 {
			delete(a.perAddr, addr)
		} else {
			a.perAddr[addr] = current - 1
		}
		if a.total > 0 {
			a.total--
		}
		metrics.ConnReleased()
	}, true
}

// active reports the current global connection count.
func (a *admission) active() int {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.total
}
