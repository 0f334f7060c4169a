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

package controlserver

import (
	"net"
	"sync"
)

// connLink adapts a net.Conn to tunnel.Link, serializing writes so the
// registry's Send path and this connection's own keep-alive writes
// never interleave their bytes on the wire.
type connLink struct {
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

func newConnLink(conn net.Conn) *connLink {
	return &connLink{conn: conn}
}

func (l *connLink) Send(frame []byte) error {
	_, err := l.Write(frame)
	return err
}

// Write implements the sender interface writeMessage uses, so
// keep-alive and response frames share the same mutex-serialized path
// onto the wire regardless of which goroutine produced them.
func (l *connLink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, net.ErrClosed
	}
	return l.conn.Write(p)
}

func (l *connLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.conn.Close()
}

func (l *connLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}
