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

// Package tunnel implements the server-side tunnel registry: the
// subdomain-to-connection map, with uniqueness,
// capacity enforcement, and disconnect cleanup.
package tunnel

import (
	"time"

	"github.com/google/uuid"
)

// Tunnel is an immutable snapshot of a live registration. The
// registry is the only thing that ever holds the writable Link; a
// Tunnel value handed to callers carries none of the registry's
// internal mutable state.
type Tunnel struct {
	ID          uuid.UUID
	Subdomain   string
	APIKey      string
	ConnectedAt time.Time
}

// Link is the write side of the owning control connection: the
// registry uses it to push frames toward a tunnel's client and to
// tear the connection down on unregister. Implementations must be
// safe for concurrent Send/Close, since the registry may close a link
// concurrently with a pending Send from the gateway's request path.
type Link interface {
	Send(frame []byte) error
	Close() error
	RemoteAddr() string
}
