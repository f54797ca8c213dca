package main

import (
	"sync/atomic"
	"time"
)

// CircuitBreakerState is the breaker's current mode.
type CircuitBreakerState int32

const (
	CircuitBreakerClosed CircuitBreakerState = iota
	CircuitBreakerOpen
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker sheds command-role store calls after repeated failures so a
// down coordination store cannot stall every heartbeat and registration.
// After the cooldown one probe call is let through (half-open); success
// closes the breaker, failure reopens it.
type CircuitBreaker struct {
	threshold int64
	cooldown  time.Duration

	state    atomic.Int32
	failures atomic.Int64
	openedAt atomic.Int64 // unix nanos of the transition to open
}

// NewCircuitBreaker creates a closed breaker that opens after threshold
// consecutive failures and cools down for cooldownSeconds.
func NewCircuitBreaker(threshold, cooldownSeconds int) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: int64(threshold),
		cooldown:  time.Duration(cooldownSeconds) * time.Second,
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// Allow reports whether a call may proceed. While open, calls are rejected
// until the cooldown elapses; the first call after that moves the breaker to
// half-open and is allowed through as a probe.
func (cb *CircuitBreaker) Allow() bool {
	switch CircuitBreakerState(cb.state.Load()) {
	case CircuitBreakerClosed, CircuitBreakerHalfOpen:
		return true
	case CircuitBreakerOpen:
		opened := time.Unix(0, cb.openedAt.Load())
		if time.Since(opened) >= cb.cooldown {
			cb.state.CompareAndSwap(int32(CircuitBreakerOpen), int32(CircuitBreakerHalfOpen))
			return true
		}
		return false
	default:
		return false
	}
}

// RecordFailure counts a failed call. In half-open a single failure reopens
// the breaker immediately.
func (cb *CircuitBreaker) RecordFailure() {
	failures := cb.failures.Add(1)
	if CircuitBreakerState(cb.state.Load()) == CircuitBreakerHalfOpen || failures >= cb.threshold {
		cb.openedAt.Store(time.Now().UnixNano())
		cb.state.Store(int32(CircuitBreakerOpen))
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.failures.Store(0)
	cb.state.Store(int32(CircuitBreakerClosed))
}
