package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestAcquirePerAddressLimit(t *testing.T) {
	a := newAdmission(1, 0)
	if a == nil {
		t.Fatalf("expected admission instance")
	}

	release, ok := a.acquire("10.0.0.1")
	if !ok {
		t.Fatalf("first acquire should succeed")
	}

	if _, ok := a.acquire("10.0.0.1"); ok {
		t.Fatalf("second acquire without release should fail")
	}

	if _, ok := a.acquire("10.0.0.2"); !ok {
		t.Fatalf("acquire from a different address should succeed")
	}

	release()

	if _, ok := a.acquire("10.0.0.1"); !ok {
		t.Fatalf("acquire after release should succeed")
	}
}

func TestAcquireGlobalLimit(t *testing.T) {
	a := newAdmission(0, 2)

	rel1, ok := a.acquire("10.0.0.1")
	if !ok {
		t.Fatalf("first acquire should succeed")
	}
	if _, ok := a.acquire("10.0.0.2"); !ok {
		t.Fatalf("second acquire should succeed")
	}

	if _, ok := a.acquire("10.0.0.3"); ok {
		t.Fatalf("third acquire should hit the global limit")
	}
	if got := a.active(); got != 2 {
		t.Fatalf("expected 2 active, got %d", got)
	}

	rel1()

	if _, ok := a.acquire("10.0.0.3"); !ok {
		t.Fatalf("acquire after release should succeed")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	a := newAdmission(1, 1)

	release, ok := a.acquire("10.0.0.1")
	if !ok {
		t.Fatalf("acquire should succeed")
	}

	release()
	release()

	if got := a.active(); got != 0 {
		t.Fatalf("expected 0 active after double release, got %d", got)
	}

	// A double release must not create spare capacity.
	if _, ok := a.acquire("10.0.0.1"); !ok {
		t.Fatalf("acquire after release should succeed")
	}
	if _, ok := a.acquire("10.0.0.2"); ok {
		t.Fatalf("global limit should still hold after a double release")
	}
}

// activeGaugeValue reads the active-connections gauge from the default
// registry.
func activeGaugeValue(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "kvgate_connections_active" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

// TestAcquireDisabledLimitsTracksActiveGauge verifies that connections
// served with both limits disabled still move the active gauge, and that
// their release only moves it back once.
func TestAcquireDisabledLimitsTracksActiveGauge(t *testing.T) {
	a := newAdmission(0, 0)

	before := activeGaugeValue(t)
	release, ok := a.acquire("10.0.0.1")
	if !ok {
		t.Fatalf("nil controller should admit everything")
	}
	if got := activeGaugeValue(t); got != before+1 {
		t.Fatalf("expected gauge %v after acquire, got %v", before+1, got)
	}

	release()
	release()
	if got := activeGaugeValue(t); got != before {
		t.Fatalf("expected gauge %v after double release, got %v", before, got)
	}
}

func TestAcquireDisabledLimits(t *testing.T) {
	a := newAdmission(0, 0)
	if a != nil {
		t.Fatalf("expected nil controller when both limits are disabled")
	}

	release, ok := a.acquire("10.0.0.1")
	if !ok {
		t.Fatalf("nil controller should admit everything")
	}
	release()

	if got := a.active(); got != 0 {
		t.Fatalf("nil controller should report 0 active, got %d", got)
	}
}

// TestAcquireConcurrentSameAddress drives simultaneous attempts from one
// address against a per-address limit of 1: exactly one may win, every
// interleaving.
func TestAcquireConcurrentSameAddress(t *testing.T) {
	for iter := 0; iter < 100; iter++ {
		a := newAdmission(1, 100)

		const attempts = 8
		var accepted atomic.Int32

		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if _, ok := a.acquire("10.0.0.1"); ok {
					accepted.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		if got := accepted.Load(); got != 1 {
			t.Fatalf("iteration %d: expected exactly 1 accepted, got %d", iter, got)
		}
		if got := a.active(); got != 1 {
			t.Fatalf("iteration %d: expected 1 active, got %d", iter, got)
		}
	}
}

// TestAcquireConcurrentGlobalLimit launches maxTotal+1 simultaneous attempts
// from distinct addresses: exactly maxTotal may win, regardless of
// scheduling.
func TestAcquireConcurrentGlobalLimit(t *testing.T) {
	const maxTotal = 10

	for iter := 0; iter < 100; iter++ {
		a := newAdmission(1, maxTotal)

		var accepted atomic.Int32
		var rejected atomic.Int32

		start := make(chan struct{})
		var wg sync.WaitGroup
		for i := 0; i < maxTotal+1; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				addr := fmt.Sprintf("192.168.0.%d", i+1)
				if _, ok := a.acquire(addr); ok {
					accepted.Add(1)
				} else {
					rejected.Add(1)
				}
			}(i)
		}
		close(start)
		wg.Wait()

		if got := accepted.Load(); got != maxTotal {
			t.Fatalf("iteration %d: expected %d accepted, got %d", iter, maxTotal, got)
		}
		if got := rejected.Load(); got != 1 {
			t.Fatalf("iteration %d: expected 1 rejected, got %d", iter, got)
		}
		if got := a.active(); got != maxTotal {
			t.Fatalf("iteration %d: expected %d active, got %d", iter, maxTotal, got)
		}
	}
}

// TestAcquireReleaseChurn hammers acquire/release pairs from many goroutines
// and checks the counters return to zero.
func TestAcquireReleaseChurn(t *testing.T) {
	a := newAdmission(4, 32)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			addr := fmt.Sprintf("10.1.0.%d", i%4)
			for j := 0; j < 200; j++ {
				if release, ok := a.acquire(addr); ok {
					release()
				}
			}
		}(i)
	}
	wg.Wait()

	if got := a.active(); got != 0 {
		t.Fatalf("expected 0 active after churn, got %d", got)
	}
	a.mu.Lock()
	leftover := len(a.perAddr)
	a.mu.Unlock()
	if leftover != 0 {
		t.Fatalf("expected per-address table to be empty, got %d entries", leftover)
	}
}
