/*
   Copyright 2026 Cok authors

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package client

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// BreakerState is one of the three states in the classic circuit
// breaker state machine.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker guards calls to the loopback origin. Closed permits
// everything; after threshold consecutive failures it trips to Open
// and rejects everything until timeout elapses, at which point it
// allows one probing attempt in HalfOpen.
type CircuitBreaker struct {
	clock     clockwork.Clock
	threshold int
	timeout   time.Duration

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	lastFailure  time.Time
	probing      bool // a HalfOpen probe is currently in flight
}

// NewCircuitBreaker returns a Closed breaker that trips after
// threshold consecutive failures and stays Open for timeout.
func NewCircuitBreaker(clock clockwork.Clock, threshold int, timeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{clock: clock, threshold: threshold, timeout: timeout}
}

// CanAttempt reports whether a call to the origin should be made. An
// Open breaker whose timeout has elapsed transitions to HalfOpen and
// allows exactly one caller through; concurrent callers are rejected
// until that single probe resolves via RecordSuccess or RecordFailure.
func (b *CircuitBreaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	case StateOpen:
		if b.clock.Now().Sub(b.lastFailure) >= b.timeout {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets the breaker to Closed with a zeroed failure
// count, regardless of prior state.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failureCount = 0
	b.probing = false
}

// RecordFailure counts a failed attempt and trips the breaker to Open.
// A failed HalfOpen probe reopens the breaker immediately; a Closed
// breaker trips once threshold consecutive failures have accumulated.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount++
	b.lastFailure = b.clock.Now()
	b.probing = false
	if b.state == StateHalfOpen || b.failureCount >= b.threshold {
		b.state = StateOpen
	}
}

// State reports the current state, for metrics and logging.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
