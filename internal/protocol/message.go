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

package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/annurdien/cok/internal/errs"
)

// Header is a single HTTP header name/value pair as carried on the
// wire; order is preserved so multi-value headers round-trip.
type Header struct {
	Name  string
	Value string
}

// ConnectRequest is sent once by the client immediately after dialing.
type ConnectRequest struct {
	APIKey             string
	RequestedSubdomain *string
	ClientVersion      string
	Capabilities       []string
}

func (m ConnectRequest) Marshal() []byte {
	w := &writer{}
	w.lpString(m.APIKey)
	w.optString(m.RequestedSubdomain)
	w.lpString(m.ClientVersion)
	w.arrayHeader(len(m.Capabilities))
	for _, c := range m.Capabilities {
		w.lpString(c)
	}
	return w.bytes()
}

func UnmarshalConnectRequest(b []byte) (ConnectRequest, error) {
	r := newReader(b)
	var m ConnectRequest
	var err error
	if m.APIKey, err = r.lpString(); err != nil {
		return m, err
	}
	if m.RequestedSubdomain, err = r.optString(); err != nil {
		return m, err
	}
	if m.ClientVersion, err = r.lpString(); err != nil {
		return m, err
	}
	n, err := r.arrayLen()
	if err != nil {
		return m, err
	}
	m.Capabilities = make([]string, n)
	for i := 0; i < n; i++ {
		if m.Capabilities[i], err = r.lpString(); err != nil {
			return m, err
		}
	}
	return m, nil
}

// ConnectResponse is the server's reply to a successful ConnectRequest.
type ConnectResponse struct {
	TunnelID  uuid.UUID
	Subdomain string
	PublicURL string
	ExpiresAt time.Time
}

func (m ConnectResponse) Marshal() []byte {
	w := &writer{}
	w.uuid(m.TunnelID)
	w.lpString(m.Subdomain)
	w.lpString(m.PublicURL)
	w.date(m.ExpiresAt)
	return w.bytes()
}

func UnmarshalConnectResponse(b []byte) (ConnectResponse, error) {
	r := newReader(b)
	var m ConnectResponse
	var err error
	if m.TunnelID, err = r.uuid(); err != nil {
		return m, err
	}
	if m.Subdomain, err = r.lpString(); err != nil {
		return m, err
	}
	if m.PublicURL, err = r.lpString(); err != nil {
		return m, err
	}
	if m.ExpiresAt, err = r.date(); err != nil {
		return m, err
	}
	return m, nil
}

// HTTPRequest carries one inbound HTTP request from gateway to client.
type HTTPRequest struct {
	RequestID     uuid.UUID
	Method        string
	Path          string
	Headers       []Header
	Body          []byte
	RemoteAddress string
}

func (m HTTPRequest) Marshal() []byte {
	w := &writer{}
	w.uuid(m.RequestID)
	w.lpString(m.Method)
	w.lpString(m.Path)
	w.arrayHeader(len(m.Headers))
	for _, h := range m.Headers {
		w.stringPair(h.Name, h.Value)
	}
	w.lpBytes(m.Body)
	w.lpString(m.RemoteAddress)
	return w.bytes()
}

func UnmarshalHTTPRequest(b []byte) (HTTPRequest, error) {
	r := newReader(b)
	var m HTTPRequest
	var err error
	if m.RequestID, err = r.uuid(); err != nil {
		return m, err
	}
	if m.Method, err = r.lpString(); err != nil {
		return m, err
	}
	if m.Path, err = r.lpString(); err != nil {
		return m, err
	}
	n, err := r.arrayLen()
	if err != nil {
		return m, err
	}
	m.Headers = make([]Header, n)
	for i := 0; i < n; i++ {
		name, value, err := r.stringPair()
		if err != nil {
			return m, err
		}
		m.Headers[i] = Header{Name: name, Value: value}
	}
	if m.Body, err = r.lpBytes(); err != nil {
		return m, err
	}
	if m.RemoteAddress, err = r.lpString(); err != nil {
		return m, err
	}
	return m, nil
}

// HTTPResponse carries the client's reply for a given RequestID back
// to the gateway.
type HTTPResponse struct {
	RequestID  uuid.UUID
	StatusCode uint16
	Headers    []Header
	Body       []byte
}

func (m HTTPResponse) Marshal() []byte {
	w := &writer{}
	w.uuid(m.RequestID)
	w.u16(m.StatusCode)
	w.arrayHeader(len(m.Headers))
	for _, h := range m.Headers {
		w.stringPair(h.Name, h.Value)
	}
	w.lpBytes(m.Body)
	return w.bytes()
}

func UnmarshalHTTPResponse(b []byte) (HTTPResponse, error) {
	r := newReader(b)
	var m HTTPResponse
	var err error
	if m.RequestID, err = r.uuid(); err != nil {
		return m, err
	}
	if m.StatusCode, err = r.u16(); err != nil {
		return m, err
	}
	n, err := r.arrayLen()
	if err != nil {
		return m, err
	}
	m.Headers = make([]Header, n)
	for i := 0; i < n; i++ {
		name, value, err := r.stringPair()
		if err != nil {
			return m, err
		}
		m.Headers[i] = Header{Name: name, Value: value}
	}
	if m.Body, err = r.lpBytes(); err != nil {
		return m, err
	}
	return m, nil
}

// Ping is sent periodically by the client to keep the control
// connection alive and measure round-trip time.
type Ping struct {
	Timestamp time.Time
}

func (m Ping) Marshal() []byte {
	w := &writer{}
	w.date(m.Timestamp)
	return w.bytes()
}

func UnmarshalPing(b []byte) (Ping, error) {
	r := newReader(b)
	t, err := r.date()
	return Ping{Timestamp: t}, err
}

// Pong answers a Ping, echoing its timestamp alongside the responder's
// own, so the sender can compute RTT.
type Pong struct {
	PingTimestamp time.Time
	PongTimestamp time.Time
}

func (m Pong) Marshal() []byte {
	w := &writer{}
	w.date(m.PingTimestamp)
	w.date(m.PongTimestamp)
	return w.bytes()
}

func UnmarshalPong(b []byte) (Pong, error) {
	r := newReader(b)
	var m Pong
	var err error
	if m.PingTimestamp, err = r.date(); err != nil {
		return m, err
	}
	if m.PongTimestamp, err = r.date(); err != nil {
		return m, err
	}
	return m, nil
}

// DisconnectReason is a closed set of machine-readable reasons a peer
// gives for tearing down the control connection. A decoded value
// outside the set is coerced to DisconnectUnknown rather than
// rejected, so older and newer peers can still tear down cleanly.
type DisconnectReason string

const (
	DisconnectClientShutdown       DisconnectReason = "client_shutdown"
	DisconnectServerShutdown       DisconnectReason = "server_shutdown"
	DisconnectTimeout              DisconnectReason = "timeout"
	DisconnectProtocolError        DisconnectReason = "protocol_error"
	DisconnectAuthenticationFailed DisconnectReason = "authentication_failed"
	DisconnectRateLimitExceeded    DisconnectReason = "rate_limit_exceeded"
	DisconnectUnknown              DisconnectReason = "unknown"
)

func unmarshalDisconnectReason(s string) DisconnectReason {
	switch DisconnectReason(s) {
	case DisconnectClientShutdown, DisconnectServerShutdown, DisconnectTimeout,
		DisconnectProtocolError, DisconnectAuthenticationFailed, DisconnectRateLimitExceeded:
		return DisconnectReason(s)
	default:
		return DisconnectUnknown
	}
}

// Disconnect announces why a peer is closing the control connection.
type Disconnect struct {
	Reason  DisconnectReason
	Message *string
}

func (m Disconnect) Marshal() []byte {
	w := &writer{}
	w.lpString(string(m.Reason))
	w.optString(m.Message)
	return w.bytes()
}

func UnmarshalDisconnect(b []byte) (Disconnect, error) {
	r := newReader(b)
	var m Disconnect
	reason, err := r.lpString()
	if err != nil {
		return m, err
	}
	m.Reason = unmarshalDisconnectReason(reason)
	if m.Message, err = r.optString(); err != nil {
		return m, err
	}
	return m, nil
}

// ErrorMessage is sent in place of a normal reply when the server
// rejects a connection or request outright (auth failure, taken
// subdomain, and similar).
type ErrorMessage struct {
	Code     uint16
	Message  string
	Metadata map[string]string
}

func (m ErrorMessage) Marshal() []byte {
	w := &writer{}
	w.u16(m.Code)
	w.lpString(m.Message)
	w.stringMap(m.Metadata)
	return w.bytes()
}

func UnmarshalErrorMessage(b []byte) (ErrorMessage, error) {
	r := newReader(b)
	var m ErrorMessage
	var err error
	if m.Code, err = r.u16(); err != nil {
		return m, err
	}
	if m.Message, err = r.lpString(); err != nil {
		return m, err
	}
	if m.Metadata, err = r.stringMap(); err != nil {
		return m, err
	}
	return m, nil
}

// EncodeMessage wraps a marshaled message payload in a Frame of the
// given type with no flags set.
func EncodeMessage(t MessageType, payload []byte) (Frame, error) {
	if len(payload) > MaxPayloadSize {
		return Frame{}, errs.ErrPayloadTooLarge
	}
	return NewFrame(t, 0, payload), nil
}
