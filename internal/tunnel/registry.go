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

package tunnel

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/annurdien/cok/internal/errs"
	"github.com/annurdien/cok/internal/protocol"
)

type liveTunnel struct {
	snapshot Tunnel
	link     Link
}

// Registry owns every live tunnel. All map mutations are serialized
// under a single mutex and no I/O ever happens while it is held,
// matching a "no suspension inside mutations" rule: a
// link's Close or Send always runs after the guard is released.
type Registry struct {
	clock      clockwork.Clock
	maxTunnels int

	mu          sync.Mutex
	byID        map[uuid.UUID]*liveTunnel
	bySubdomain map[string]uuid.UUID

	// OnUnregister is invoked, with the mutex released, after a tunnel
	// is removed. cmd/cok-server wires this to the correlator so pending
	// requests bound to the tunnel fail immediately (correlator
	// coupling). Set once before Register is ever called; not
	// protected by mu since it is never mutated concurrently with use.
	OnUnregister func(id uuid.UUID)
}

// NewRegistry returns an empty registry enforcing maxTunnels live
// registrations at once.
func NewRegistry(clock clockwork.Clock, maxTunnels int) *Registry {
	return &Registry{
		clock:       clock,
		maxTunnels:  maxTunnels,
		byID:        make(map[uuid.UUID]*liveTunnel),
		bySubdomain: make(map[string]uuid.UUID),
	}
}

// Register mints a new tunnel for subdomain bound to link. It fails
// with errs.ErrServiceUnavailable at capacity and errs.ErrSubdomainTaken
// if the subdomain is already live.
func (r *Registry) Register(subdomain, apiKey string, link Link) (Tunnel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byID) >= r.maxTunnels {
		return Tunnel{}, errs.Detailf(errs.ErrServiceUnavailable, "at capacity (%d tunnels)", r.maxTunnels)
	}
	if _, ok := r.bySubdomain[subdomain]; ok {
		return Tunnel{}, errs.Detailf(errs.ErrSubdomainTaken, "%q", subdomain)
	}

	t := Tunnel{
		ID:          uuid.New(),
		Subdomain:   subdomain,
		APIKey:      apiKey,
		ConnectedAt: r.clock.Now(),
	}
	r.byID[t.ID] = &liveTunnel{snapshot: t, link: link}
	r.bySubdomain[subdomain] = t.ID

	return t, nil
}

// Unregister removes the tunnel, if present, closes its link, and
// notifies OnUnregister. Idempotent: unregistering an unknown id is a
// no-op.
func (r *Registry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	lt, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.bySubdomain, lt.snapshot.Subdomain)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	if r.OnUnregister != nil {
		r.OnUnregister(id)
	}
	_ = lt.link.Close()
}

// Lookup returns the live tunnel registered for subdomain, if any.
func (r *Registry) Lookup(subdomain string) (Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.bySubdomain[subdomain]
	if !ok {
		return Tunnel{}, false
	}
	return r.byID[id].snapshot, true
}

// LookupByID returns the live tunnel with the given id, if any.
func (r *Registry) LookupByID(id uuid.UUID) (Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	lt, ok := r.byID[id]
	if !ok {
		return Tunnel{}, false
	}
	return lt.snapshot, true
}

// Send encodes payload as a frame of the given type and writes it to
// the tunnel's link. Returns errs.ErrTunnelNotFound if id is not (or
// is no longer) registered.
func (r *Registry) Send(id uuid.UUID, msgType protocol.MessageType, payload []byte) error {
	r.mu.Lock()
	lt, ok := r.byID[id]
	r.mu.Unlock()

	if !ok {
		return errs.Detailf(errs.ErrTunnelNotFound, "%s", id)
	}

	frame, err := protocol.EncodeMessage(msgType, payload)
	if err != nil {
		return err
	}
	encoded, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return lt.link.Send(encoded)
}

// Count reports the number of live tunnels.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// DisconnectAll closes every live link, empties the registry and
// notifies OnUnregister for each removed tunnel. Used during graceful
// shutdown.
func (r *Registry) DisconnectAll() {
	r.mu.Lock()
	links := make([]Link, 0, len(r.byID))
	ids := make([]uuid.UUID, 0, len(r.byID))
	for id, lt := range r.byID {
		links = append(links, lt.link)
		ids = append(ids, id)
	}
	r.byID = make(map[uuid.UUID]*liveTunnel)
	r.bySubdomain = make(map[string]uuid.UUID)
	r.mu.Unlock()

	if r.OnUnregister != nil {
		for _, id := range ids {
			r.OnUnregister(id)
		}
	}
	for _, l := range links {
		_ = l.Close()
	}
}
