package resilience

import (
	"errors"
	"sync"
	"time"
)

// BreakerState represents the state of a circuit breaker
type BreakerState int

const (
	StateClosed   BreakerState = iota // Normal operation
	StateOpen                         // Requests fail immediately
	StateHalfOpen                     // Testing if the service has recovered
)

// ErrBreakerOpen is returned when the circuit rejects a call outright.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// Breaker implements the circuit breaker pattern around a remote service.
type Breaker struct {
	name         string
	maxFailures  int           // failures before opening the circuit
	resetTimeout time.Duration // wait before attempting half-open
	halfOpenMax  int           // probe budget in half-open state

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	successCount  int
	halfOpenCount int
	lastFailTime  time.Time
}

// NewBreaker creates a circuit breaker
func NewBreaker(name string, maxFailures int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		name:         name,
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		halfOpenMax:  3,
		state:        StateClosed,
	}
}

// Call executes fn with circuit breaker protection.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}

	err := fn()
	b.record(err == nil)
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailTime) >= b.resetTimeout {
			b.state = StateHalfOpen
			b.halfOpenCount = 0
			b.successCount = 0
			return true
		}
		return false

	case StateHalfOpen:
		if b.halfOpenCount < b.halfOpenMax {
			b.halfOpenCount++
			return true
		}
		return false
	}

	return false
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		switch b.state {
		case StateClosed:
			b.failureCount = 0
		case StateHalfOpen:
			b.successCount++
			if b.successCount >= b.halfOpenMax {
				b.state = StateClosed
				b.failureCount = 0
				b.halfOpenCount = 0
				b.successCount = 0
			}
		}
		return
	}

	b.lastFailTime = time.Now()
	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.maxFailures {
			b.state = StateOpen
		}
	case StateHalfOpen:
		// Any failure while probing reopens the circuit immediately.
		b.state = StateOpen
		b.halfOpenCount = 0
		b.successCount = 0
	}
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset manually closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCount = 0
	b.successCount = 0
}
