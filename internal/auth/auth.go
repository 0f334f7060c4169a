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

// Package auth implements two authentication paths: a stateless HMAC
// binding of an API key to a subdomain that survives restarts, and a
// secondary ephemeral in-memory registry of explicitly-issued keys
// with optional expiry.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Record describes a successfully authenticated API key.
type Record struct {
	Subdomain string
	ExpiresAt *time.Time
}

type registryEntry struct {
	subdomain string
	expiresAt *time.Time
}

// Service validates API keys and issues registry-backed ones.
type Service struct {
	secret []byte
	clock  clockwork.Clock

	mu       sync.Mutex
	registry map[string]registryEntry
}

// New builds a Service bound to secret, which must be at least 32
// bytes (enforced by internal/config at load time).
func New(secret []byte, clock clockwork.Clock) *Service {
	return &Service{
		secret:   secret,
		clock:    clock,
		registry: make(map[string]registryEntry),
	}
}

// Validate tries the stateless HMAC path first, then the registered
// key path. Both branches execute unconditionally
// before returning so that which path matched doesn't by itself
// produce a large timing differential.
func (s *Service) Validate(presented, subdomain string) (Record, bool) {
	hmacOK := s.validateHMAC(presented, subdomain)
	rec, registryOK := s.lookupRegistered(presented)

	switch {
	case hmacOK:
		return Record{Subdomain: subdomain}, true
	case registryOK && rec.subdomain == subdomain:
		return Record{Subdomain: rec.subdomain, ExpiresAt: rec.expiresAt}, true
	default:
		return Record{}, false
	}
}

func (s *Service) validateHMAC(presented, subdomain string) bool {
	expected := s.expectedHMAC(subdomain)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}

// expectedHMAC computes HEX(HMAC-SHA256(secret, subdomain)).
func (s *Service) expectedHMAC(subdomain string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(subdomain))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Service) lookupRegistered(presented string) (registryEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.registry[presented]
	if !ok {
		return registryEntry{}, false
	}
	if entry.expiresAt != nil && !entry.expiresAt.After(s.clock.Now()) {
		delete(s.registry, presented)
		return registryEntry{}, false
	}
	return entry, true
}

// CreateAPIKey mints a fresh 64-hex-char bearer key bound to
// subdomain, optionally expiring after expiresIn (zero means no
// expiry), and returns it. The caller is responsible for delivering
// it to the client out of band; the Service never exposes it again.
func (s *Service) CreateAPIKey(subdomain string, expiresIn time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	key := hex.EncodeToString(raw)

	var expiresAt *time.Time
	if expiresIn > 0 {
		t := s.clock.Now().Add(expiresIn)
		expiresAt = &t
	}

	s.mu.Lock()
	s.registry[key] = registryEntry{subdomain: subdomain, expiresAt: expiresAt}
	s.mu.Unlock()

	return key, nil
}

// RevokeAPIKey removes a registered key, if present. It is a no-op
// for keys authenticated purely via the stateless HMAC path.
func (s *Service) RevokeAPIKey(key string) {
	s.mu.Lock()
	delete(s.registry, key)
	s.mu.Unlock()
}
