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
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annurdien/cok/internal/errs"
	"github.com/annurdien/cok/internal/protocol"
)

type fakeLink struct {
	mu     sync.Mutex
	sent   [][]byte
	closed bool
	addr   string
	sendErr error
}

func (f *fakeLink) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) RemoteAddr() string { return f.addr }

func (f *fakeLink) wasClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestRegisterAndLookup(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock(), 10)
	link := &fakeLink{addr: "1.2.3.4:1"}

	got, err := r.Register("widgets", "key-1", link)
	require.NoError(t, err)
	assert.Equal(t, "widgets", got.Subdomain)

	found, ok := r.Lookup("widgets")
	require.True(t, ok)
	assert.Equal(t, got.ID, found.ID)

	byID, ok := r.LookupByID(got.ID)
	require.True(t, ok)
	assert.Equal(t, "widgets", byID.Subdomain)
}

func TestRegisterRejectsDuplicateSubdomain(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock(), 10)
	_, err := r.Register("widgets", "key-1", &fakeLink{})
	require.NoError(t, err)

	_, err = r.Register("widgets", "key-2", &fakeLink{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrSubdomainTaken))
}

func TestRegisterRejectsAtCapacity(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock(), 1)
	_, err := r.Register("widgets", "key-1", &fakeLink{})
	require.NoError(t, err)

	_, err = r.Register("gadgets", "key-2", &fakeLink{})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrServiceUnavailable))
}

func TestUnregisterClosesLinkAndFreesSubdomain(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock(), 10)
	link := &fakeLink{}
	got, err := r.Register("widgets", "key-1", link)
	require.NoError(t, err)

	r.Unregister(got.ID)

	assert.True(t, link.wasClosed())
	_, ok := r.Lookup("widgets")
	assert.False(t, ok)

	_, err = r.Register("widgets", "key-2", &fakeLink{})
	assert.NoError(t, err, "freed subdomain must be claimable again")
}

func TestUnregisterUnknownIDIsNoop(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock(), 10)
	r.Unregister(uuid.New())
}

func TestUnregisterInvokesOnUnregisterHook(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock(), 10)
	got, err := r.Register("widgets", "key-1", &fakeLink{})
	require.NoError(t, err)

	var invoked uuid.UUID
	r.OnUnregister = func(id uuid.UUID) { invoked = id }

	r.Unregister(got.ID)
	assert.Equal(t, got.ID, invoked)
}

func TestSendEncodesAndDeliversFrame(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock(), 10)
	link := &fakeLink{}
	got, err := r.Register("widgets", "key-1", link)
	require.NoError(t, err)

	err = r.Send(got.ID, protocol.MessagePing, []byte{})
	require.NoError(t, err)
	require.Len(t, link.sent, 1)
	assert.Greater(t, len(link.sent[0]), 0)
}

func TestSendUnknownTunnelErrors(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock(), 10)
	err := r.Send(uuid.New(), protocol.MessagePing, nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ErrTunnelNotFound))
}

func TestCountReflectsLiveTunnels(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock(), 10)
	assert.Equal(t, 0, r.Count())

	got, err := r.Register("widgets", "key-1", &fakeLink{})
	require.NoError(t, err)
	assert.Equal(t, 1, r.Count())

	r.Unregister(got.ID)
	assert.Equal(t, 0, r.Count())
}

func TestDisconnectAllClosesEveryLinkAndEmptiesRegistry(t *testing.T) {
	r := NewRegistry(clockwork.NewFakeClock(), 10)
	linkA := &fakeLink{}
	linkB := &fakeLink{}
	_, err := r.Register("widgets", "key-1", linkA)
	require.NoError(t, err)
	_, err = r.Register("gadgets", "key-2", linkB)
	require.NoError(t, err)

	r.DisconnectAll()

	assert.True(t, linkA.wasClosed())
	assert.True(t, linkB.wasClosed())
	assert.Equal(t, 0, r.Count())
}
