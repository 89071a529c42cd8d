// Package circuitbreaker adapts the teacher's hand-rolled circuit breaker
// (circuit_breaker.go) to guard feed fetches: one breaker per feed URL,
// tripped by repeated fetch failures so a dead feed stops costing an HTTP
// round trip on every tick while backoff (spec §4.4) takes over.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State is the circuit breaker's current disposition.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker's thresholds.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	ResetTimeout     time.Duration
}

// DefaultConfig mirrors the teacher's defaults.
var DefaultConfig = Config{
	FailureThreshold: 3,
	SuccessThreshold: 2,
	Timeout:          2 * time.Minute,
	ResetTimeout:     5 * time.Minute,
}

// ErrOpen is returned by Execute when the breaker rejects the call.
var ErrOpen = errors.New("circuit breaker is open")

// StateRecorder receives state-change notifications for metrics export.
type StateRecorder interface {
	UpdateCircuitBreakerState(name, state string)
	RecordCircuitBreakerTrip(name string)
}

// Breaker is a single circuit breaker instance.
type Breaker struct {
	name            string
	config          Config
	mutex           sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	lastSuccessTime time.Time
}

// Manager owns one Breaker per key (a feed URL), created lazily.
type Manager struct {
	mutex    sync.Mutex
	breakers map[string]*Breaker
	recorder StateRecorder
}

// NewManager constructs an empty Manager. recorder may be nil.
func NewManager(recorder StateRecorder) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), recorder: recorder}
}

// GetOrCreate returns the breaker for key, creating it with cfg on first use.
func (m *Manager) GetOrCreate(key string, cfg Config) *Breaker {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if b, ok := m.breakers[key]; ok {
		return b
	}
	b := &Breaker{name: key, config: cfg, state: StateClosed}
	m.breakers[key] = b
	return b
}

// Status snapshots every known breaker, keyed by name.
func (m *Manager) Status() map[string]Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make(map[string]Status, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.status()
	}
	return out
}

// Status is a point-in-time snapshot of a Breaker.
type Status struct {
	Name            string
	State           State
	FailureCount    int
	SuccessCount    int
	LastFailureTime *time.Time
	LastSuccessTime *time.Time
}

// Execute runs fn, routed through m's breaker for key.
func (m *Manager) Execute(key string, cfg Config, fn func() error) error {
	b := m.GetOrCreate(key, cfg)
	return b.execute(fn, m.recorder)
}

func (b *Breaker) execute(fn func() error, recorder StateRecorder) error {
	if !b.canExecute() {
		return ErrOpen
	}

	if err := fn(); err != nil {
		b.recordFailure(recorder)
		return err
	}

	b.recordSuccess(recorder)
	return nil
}

func (b *Breaker) canExecute() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	now := time.Now()
	switch b.state {
	case StateClosed:
		if !b.lastFailureTime.IsZero() && now.Sub(b.lastFailureTime) > b.config.ResetTimeout {
			b.failureCount = 0
		}
		return true
	case StateOpen:
		if now.Sub(b.lastFailureTime) > b.config.Timeout {
			b.state = StateHalfOpen
			b.successCount = 0
			return true
		}
		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

func (b *Breaker) recordFailure(recorder StateRecorder) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.failureCount++
	b.lastFailureTime = time.Now()

	oldState := b.state
	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = StateOpen
			if recorder != nil {
				recorder.RecordCircuitBreakerTrip(b.name)
			}
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.successCount = 0
		if recorder != nil {
			recorder.RecordCircuitBreakerTrip(b.name)
		}
	}

	if recorder != nil && oldState != b.state {
		recorder.UpdateCircuitBreakerState(b.name, string(b.state))
	}
}

func (b *Breaker) recordSuccess(recorder StateRecorder) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.lastSuccessTime = time.Now()
	oldState := b.state

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount = 0
		}
	}

	if recorder != nil && oldState != b.state {
		recorder.UpdateCircuitBreakerState(b.name, string(b.state))
	}
}

func (b *Breaker) status() Status {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	s := Status{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
	}
	if !b.lastFailureTime.IsZero() {
		s.LastFailureTime = &b.lastFailureTime
	}
	if !b.lastSuccessTime.IsZero() {
		s.LastSuccessTime = &b.lastSuccessTime
	}
	return s
}
