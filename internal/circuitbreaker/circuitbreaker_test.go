package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

type recordedState struct {
	name  string
	state string
}

type fakeRecorder struct {
	states []recordedState
	trips  []string
}

func (f *fakeRecorder) UpdateCircuitBreakerState(name, state string) {
	f.states = append(f.states, recordedState{name, state})
}

func (f *fakeRecorder) RecordCircuitBreakerTrip(name string) {
	f.trips = append(f.trips, name)
}

func testConfig() Config {
	return Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
		ResetTimeout:     time.Hour,
	}
}

var errBoom = errors.New("boom")

func TestManagerOpensAfterThreshold(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewManager(rec)
	cfg := testConfig()

	for i := 0; i < cfg.FailureThreshold; i++ {
		err := m.Execute("feed-a", cfg, func() error { return errBoom })
		if err != errBoom {
			t.Fatalf("call %d: expected errBoom, got %v", i, err)
		}
	}

	err := m.Execute("feed-a", cfg, func() error { return nil })
	if err != ErrOpen {
		t.Fatalf("expected ErrOpen once threshold reached, got %v", err)
	}
	if len(rec.trips) != 1 || rec.trips[0] != "feed-a" {
		t.Fatalf("expected one trip recorded for feed-a, got %v", rec.trips)
	}
}

func TestManagerHalfOpenAfterTimeout(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewManager(rec)
	cfg := testConfig()

	for i := 0; i < cfg.FailureThreshold; i++ {
		m.Execute("feed-b", cfg, func() error { return errBoom })
	}

	time.Sleep(cfg.Timeout + 10*time.Millisecond)

	called := false
	err := m.Execute("feed-b", cfg, func() error { called = true; return nil })
	if err != nil {
		t.Fatalf("expected half-open probe to run, got %v", err)
	}
	if !called {
		t.Fatal("expected fn to be invoked during half-open probe")
	}
}

func TestManagerClosesAfterSuccessThreshold(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewManager(rec)
	cfg := testConfig()

	for i := 0; i < cfg.FailureThreshold; i++ {
		m.Execute("feed-c", cfg, func() error { return errBoom })
	}
	time.Sleep(cfg.Timeout + 10*time.Millisecond)

	for i := 0; i < cfg.SuccessThreshold; i++ {
		if err := m.Execute("feed-c", cfg, func() error { return nil }); err != nil {
			t.Fatalf("success call %d: unexpected error %v", i, err)
		}
	}

	b := m.GetOrCreate("feed-c", cfg)
	if b.status().State != StateClosed {
		t.Fatalf("expected closed state after success threshold, got %v", b.status().State)
	}

	if err := m.Execute("feed-c", cfg, func() error { return nil }); err != nil {
		t.Fatalf("expected breaker to stay closed and allow calls, got %v", err)
	}
}

func TestManagerHalfOpenFailureReopens(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewManager(rec)
	cfg := testConfig()

	for i := 0; i < cfg.FailureThreshold; i++ {
		m.Execute("feed-d", cfg, func() error { return errBoom })
	}
	time.Sleep(cfg.Timeout + 10*time.Millisecond)

	if err := m.Execute("feed-d", cfg, func() error { return errBoom }); err != errBoom {
		t.Fatalf("expected probe failure to surface errBoom, got %v", err)
	}

	if err := m.Execute("feed-d", cfg, func() error { return nil }); err != ErrOpen {
		t.Fatalf("expected breaker to reopen after half-open failure, got %v", err)
	}
}

func TestManagerIndependentKeys(t *testing.T) {
	rec := &fakeRecorder{}
	m := NewManager(rec)
	cfg := testConfig()

	for i := 0; i < cfg.FailureThreshold; i++ {
		m.Execute("feed-e", cfg, func() error { return errBoom })
	}

	if err := m.Execute("feed-f", cfg, func() error { return nil }); err != nil {
		t.Fatalf("feed-f breaker should be independent of feed-e, got %v", err)
	}
}

func TestStatusReflectsFailureCount(t *testing.T) {
	m := NewManager(nil)
	cfg := testConfig()

	m.Execute("feed-g", cfg, func() error { return errBoom })
	m.Execute("feed-g", cfg, func() error { return errBoom })

	st := m.Status()["feed-g"]
	if st.FailureCount != 2 {
		t.Fatalf("expected FailureCount 2, got %d", st.FailureCount)
	}
	if st.LastFailureTime == nil {
		t.Fatal("expected LastFailureTime to be set")
	}
}
