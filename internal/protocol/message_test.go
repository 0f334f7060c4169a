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
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectRequestRoundTrip(t *testing.T) {
	sub := "widgets"
	want := ConnectRequest{
		APIKey:             "secret-key",
		RequestedSubdomain: &sub,
		ClientVersion:      "0.4.2",
		Capabilities:       []string{"gzip", "websocket"},
	}
	got, err := UnmarshalConnectRequest(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want.APIKey, got.APIKey)
	require.NotNil(t, got.RequestedSubdomain)
	assert.Equal(t, sub, *got.RequestedSubdomain)
	assert.Equal(t, want.ClientVersion, got.ClientVersion)
	assert.Equal(t, want.Capabilities, got.Capabilities)
}

func TestConnectRequestNilSubdomainRoundTrip(t *testing.T) {
	want := ConnectRequest{APIKey: "k", ClientVersion: "v"}
	got, err := UnmarshalConnectRequest(want.Marshal())
	require.NoError(t, err)
	assert.Nil(t, got.RequestedSubdomain)
	assert.Empty(t, got.Capabilities)
}

func TestConnectResponseRoundTrip(t *testing.T) {
	want := ConnectResponse{
		TunnelID:  uuid.New(),
		Subdomain: "widgets",
		PublicURL: "https://widgets.example.com",
		ExpiresAt: time.UnixMilli(time.Now().UnixMilli()).UTC(),
	}
	got, err := UnmarshalConnectResponse(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want.TunnelID, got.TunnelID)
	assert.Equal(t, want.Subdomain, got.Subdomain)
	assert.Equal(t, want.PublicURL, got.PublicURL)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
}

func TestHTTPRequestRoundTrip(t *testing.T) {
	want := HTTPRequest{
		RequestID: uuid.New(),
		Method:    "POST",
		Path:      "/api/widgets?limit=10",
		Headers: []Header{
			{Name: "Content-Type", Value: "application/json"},
			{Name: "X-Request-Id", Value: "abc-123"},
		},
		Body:          []byte(`{"name":"bolt"}`),
		RemoteAddress: "203.0.113.7:54321",
	}
	got, err := UnmarshalHTTPRequest(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestHTTPRequestEmptyBodyRoundTrip(t *testing.T) {
	want := HTTPRequest{RequestID: uuid.New(), Method: "GET", Path: "/", RemoteAddress: "127.0.0.1:1"}
	got, err := UnmarshalHTTPRequest(want.Marshal())
	require.NoError(t, err)
	assert.Empty(t, got.Body)
	assert.Empty(t, got.Headers)
}

func TestHTTPResponseRoundTrip(t *testing.T) {
	want := HTTPResponse{
		RequestID:  uuid.New(),
		StatusCode: 200,
		Headers:    []Header{{Name: "Content-Type", Value: "text/plain"}},
		Body:       []byte("ok"),
	}
	got, err := UnmarshalHTTPResponse(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestPingPongRoundTrip(t *testing.T) {
	now := time.UnixMilli(time.Now().UnixMilli()).UTC()
	ping := Ping{Timestamp: now}
	gotPing, err := UnmarshalPing(ping.Marshal())
	require.NoError(t, err)
	assert.True(t, now.Equal(gotPing.Timestamp))

	pong := Pong{PingTimestamp: now, PongTimestamp: now.Add(5 * time.Millisecond)}
	gotPong, err := UnmarshalPong(pong.Marshal())
	require.NoError(t, err)
	assert.True(t, pong.PingTimestamp.Equal(gotPong.PingTimestamp))
	assert.True(t, pong.PongTimestamp.Equal(gotPong.PongTimestamp))
}

func TestDisconnectKnownReasonRoundTrip(t *testing.T) {
	msg := "bye"
	want := Disconnect{Reason: DisconnectRateLimitExceeded, Message: &msg}
	got, err := UnmarshalDisconnect(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, DisconnectRateLimitExceeded, got.Reason)
	require.NotNil(t, got.Message)
	assert.Equal(t, msg, *got.Message)
}

func TestDisconnectUnrecognizedReasonCoercesToUnknown(t *testing.T) {
	w := &writer{}
	w.lpString("some_future_reason")
	w.optString(nil)

	got, err := UnmarshalDisconnect(w.bytes())
	require.NoError(t, err)
	assert.Equal(t, DisconnectUnknown, got.Reason)
	assert.Nil(t, got.Message)
}

func TestErrorMessageRoundTrip(t *testing.T) {
	want := ErrorMessage{
		Code:     409,
		Message:  "subdomain taken",
		Metadata: map[string]string{"subdomain": "widgets"},
	}
	got, err := UnmarshalErrorMessage(want.Marshal())
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEncodeMessageRejectsOversizedPayload(t *testing.T) {
	_, err := EncodeMessage(MessageHTTPRequest, make([]byte, MaxPayloadSize+1))
	require.Error(t, err)
}

func TestUnmarshalTruncatedPayloadErrors(t *testing.T) {
	want := HTTPResponse{RequestID: uuid.New(), StatusCode: 200, Body: []byte("ok")}
	full := want.Marshal()
	_, err := UnmarshalHTTPResponse(full[:len(full)-2])
	require.Error(t, err)
}

func TestUnmarshalRejectsHostileArrayLength(t *testing.T) {
	payload := ConnectRequest{APIKey: "k", ClientVersion: "1.0"}.Marshal()
	// The trailing 4 bytes are the empty Capabilities array's length
	// prefix; overwrite it with a value far larger than anything the
	// remaining (empty) buffer could hold.
	binary.LittleEndian.PutUint32(payload[len(payload)-4:], 0xFFFFFFF0)

	_, err := UnmarshalConnectRequest(payload)
	require.Error(t, err)
}
