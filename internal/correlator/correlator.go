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

// Package correlator implements the server-side request/response
// correlator: one pending slot per in-flight HTTP
// transaction, resolved exactly once by a response, a timeout, or the
// owning tunnel's disconnection.
package correlator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/annurdien/cok/internal/errs"
	"github.com/annurdien/cok/internal/protocol"
)

// DefaultTimeout is the default time a request waits for a matching
// HTTPResponse before the gateway gives up.
const DefaultTimeout = 30 * time.Second

type result struct {
	resp protocol.HTTPResponse
	err  error
}

type pendingSlot struct {
	tunnelID  uuid.UUID
	createdAt time.Time
	ch        chan result
}

// Correlator owns every pending request slot. Track must be called,
// and must succeed, before the corresponding frame is written to the
// tunnel — otherwise a response could race the slot's creation.
type Correlator struct {
	clock   clockwork.Clock
	timeout time.Duration

	mu       sync.Mutex
	pending  map[uuid.UUID]*pendingSlot
	byTunnel map[uuid.UUID]map[uuid.UUID]struct{}
}

// New returns a Correlator using timeout as the default wait before a
// tracked request is failed with errs.ErrGatewayTimeout.
func New(clock clockwork.Clock, timeout time.Duration) *Correlator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Correlator{
		clock:    clock,
		timeout:  timeout,
		pending:  make(map[uuid.UUID]*pendingSlot),
		byTunnel: make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Track registers a pending slot for requestID, bound to tunnelID. It
// fails if requestID is already tracked.
func (c *Correlator) Track(requestID, tunnelID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.pending[requestID]; exists {
		return errs.Detailf(errs.ErrInvalidRequest, "duplicate request id %s", requestID)
	}

	c.pending[requestID] = &pendingSlot{
		tunnelID:  tunnelID,
		createdAt: c.clock.Now(),
		ch:        make(chan result, 1),
	}
	set, ok := c.byTunnel[tunnelID]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		c.byTunnel[tunnelID] = set
	}
	set[requestID] = struct{}{}
	return nil
}

// Await blocks until requestID's slot resolves, the correlator's
// timeout elapses, or ctx is cancelled — whichever comes first. On
// timeout or cancellation the slot is removed so any later Complete
// or Fail call for the same id is silently dropped.
func (c *Correlator) Await(ctx context.Context, requestID uuid.UUID) (protocol.HTTPResponse, error) {
	c.mu.Lock()
	slot, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return protocol.HTTPResponse{}, errs.Detailf(errs.ErrInternal, "no pending slot for %s", requestID)
	}

	timer := c.clock.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-slot.ch:
		return res.resp, res.err
	case <-timer.Chan():
		c.remove(requestID)
		return protocol.HTTPResponse{}, errs.ErrGatewayTimeout
	case <-ctx.Done():
		c.remove(requestID)
		return protocol.HTTPResponse{}, ctx.Err()
	}
}

func (c *Correlator) remove(requestID uuid.UUID) *pendingSlot {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.pending[requestID]
	if !ok {
		return nil
	}
	delete(c.pending, requestID)
	if set, ok := c.byTunnel[slot.tunnelID]; ok {
		delete(set, requestID)
		if len(set) == 0 {
			delete(c.byTunnel, slot.tunnelID)
		}
	}
	return slot
}

// Cancel removes requestID's slot without delivering any result,
// for use when the caller decides not to await a response it already
// tracked (for instance, dispatch to the tunnel failed before the
// frame was ever written). A subsequent Await for the same id behaves
// as if the slot never existed.
func (c *Correlator) Cancel(requestID uuid.UUID) {
	c.remove(requestID)
}

// Complete resolves requestID with resp. A requestID with no matching
// slot (already timed out, cancelled, or already resolved) is a
// silent no-op — late arrivals are dropped.
func (c *Correlator) Complete(requestID uuid.UUID, resp protocol.HTTPResponse) {
	slot := c.remove(requestID)
	if slot == nil {
		return
	}
	slot.ch <- result{resp: resp}
}

// Fail resolves requestID with err, same drop-if-absent semantics as
// Complete.
func (c *Correlator) Fail(requestID uuid.UUID, err error) {
	slot := c.remove(requestID)
	if slot == nil {
		return
	}
	slot.ch <- result{err: err}
}

// FailTunnel fails every pending request bound to tunnelID with err.
// The registry calls this from its OnUnregister hook so a dropped
// control connection immediately unblocks every in-flight request
// that was waiting on it.
func (c *Correlator) FailTunnel(tunnelID uuid.UUID, err error) {
	c.mu.Lock()
	ids := make([]uuid.UUID, 0, len(c.byTunnel[tunnelID]))
	for id := range c.byTunnel[tunnelID] {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Fail(id, err)
	}
}

// Pending reports the number of in-flight requests; used for
// backpressure watermarks and metrics.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
