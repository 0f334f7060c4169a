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

// Package ratelimit implements a per-identifier token bucket on top
// of golang.org/x/time/rate, which already implements continuous
// refill; this package adds the lazy create-on-first-use map and the
// idle-bucket eviction the underlying limiter doesn't provide on its
// own.
package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Preset bundles a capacity/refill pair under a name.
type Preset struct {
	Capacity   int
	RefillRate float64 // tokens per second
}

// Presets holds the three named configurations the gateway and
// control server ship by default.
var Presets = map[string]Preset{
	"api":        {Capacity: 60, RefillRate: 1.0},
	"connection": {Capacity: 10, RefillRate: 0.167},
	"http":       {Capacity: 120, RefillRate: 2.0},
}

// DefaultIdleWindow is how long an untouched bucket survives before
// the opportunistic eviction pass removes it.
const DefaultIdleWindow = 5 * time.Minute

type entry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter is a per-identifier token bucket rate limiter. The zero
// value is not usable; construct with New or NewFromPreset.
type Limiter struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	capacity    float64
	refillRate  float64
	cost        float64
	idleWindow  time.Duration
	buckets     map[string]*entry
	lastEvicted time.Time
}

// Option customizes a Limiter at construction time.
type Option func(*Limiter)

// WithCost overrides the default cost of 1 token per request.
func WithCost(cost float64) Option {
	return func(l *Limiter) { l.cost = cost }
}

// WithIdleWindow overrides the default 5-minute eviction window.
func WithIdleWindow(d time.Duration) Option {
	return func(l *Limiter) { l.idleWindow = d }
}

// New builds a Limiter with explicit capacity and refill rate.
func New(clock clockwork.Clock, capacity int, refillRate float64, opts ...Option) *Limiter {
	l := &Limiter{
		clock:       clock,
		capacity:    float64(capacity),
		refillRate:  refillRate,
		cost:        1,
		idleWindow:  DefaultIdleWindow,
		buckets:     make(map[string]*entry),
		lastEvicted: clock.Now(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// NewFromPreset builds a Limiter from one of the named Presets.
func NewFromPreset(clock clockwork.Clock, name string, opts ...Option) (*Limiter, bool) {
	p, ok := Presets[name]
	if !ok {
		return nil, false
	}
	return New(clock, p.Capacity, p.RefillRate, opts...), true
}

func (l *Limiter) getOrCreate(id string) *entry {
	e, ok := l.buckets[id]
	if ok {
		return e
	}
	e = &entry{limiter: rate.NewLimiter(rate.Limit(l.refillRate), int(l.capacity))}
	l.buckets[id] = e
	return e
}

// TryConsume attempts to take the configured cost in tokens from id's
// bucket, creating it lazily at full capacity if this is the first
// time id has been seen. It returns true iff the request is admitted.
func (l *Limiter) TryConsume(id string) bool {
	allowed, _ := l.attempt(id)
	return allowed
}

// RetryAfter returns how long id must wait before its next attempt
// would succeed. It is meaningful only when the most recent
// TryConsume(id) returned false.
func (l *Limiter) RetryAfter(id string) time.Duration {
	_, retryAfter := l.attempt(id)
	return retryAfter
}

// attempt performs a single reserve-and-check against the token
// bucket without ever consuming tokens for a request that is denied:
// a cancelled reservation gives those tokens back, so two consecutive
// calls to RetryAfter (or one TryConsume followed by RetryAfter) don't
// compound the wait.
func (l *Limiter) attempt(id string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	l.evictLocked(now)

	e := l.getOrCreate(id)
	e.lastAccess = now

	res := e.limiter.ReserveN(now, int(l.cost))
	if !res.OK() {
		return false, 0
	}
	delay := res.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	res.CancelAt(now)
	return false, delay
}

// evictLocked removes buckets idle for longer than idleWindow and
// currently sitting at full capacity. Callers must hold l.mu.
func (l *Limiter) evictLocked(now time.Time) {
	if now.Sub(l.lastEvicted) < l.idleWindow {
		return
	}
	l.lastEvicted = now
	for id, e := range l.buckets {
		if now.Sub(e.lastAccess) < l.idleWindow {
			continue
		}
		if e.limiter.TokensAt(now) < l.capacity {
			continue
		}
		delete(l.buckets, id)
	}
}

// Len reports the number of live buckets; intended for metrics and
// tests, not for control flow.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
