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
	"context"
	"net"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annurdien/cok/internal/auth"
	"github.com/annurdien/cok/internal/correlator"
	"github.com/annurdien/cok/internal/protocol"
	"github.com/annurdien/cok/internal/ratelimit"
	"github.com/annurdien/cok/internal/subdomain"
	"github.com/annurdien/cok/internal/tunnel"
)

func silentEntry() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type testServer struct {
	srv      *Server
	registry *tunnel.Registry
	corr     *correlator.Correlator
	auth     *auth.Service
}

func startTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	clock := clockwork.NewRealClock()
	registry := tunnel.NewRegistry(clock, 10)
	corr := correlator.New(clock, time.Second)
	authSvc := auth.New([]byte("01234567890123456789012345678901"), clock)
	validator := subdomain.New(nil)
	connLimit := ratelimit.New(clock, 1000, 1000)

	cfg.ListenAddr = "127.0.0.1:0"
	srv := New(cfg, clock, silentEntry(), registry, corr, authSvc, validator, connLimit, nil)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go srv.ListenAndServe(ctx)
	require.Eventually(t, func() bool { return srv.listener != nil }, time.Second, 5*time.Millisecond)

	return &testServer{srv: srv, registry: registry, corr: corr, auth: authSvc}
}

func (ts *testServer) addr() string { return ts.srv.listener.Addr().String() }

func dialAndHandshake(t *testing.T, addr, apiKey, subdomain string) (net.Conn, protocol.ConnectResponse) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	var reqSub *string
	if subdomain != "" {
		reqSub = &subdomain
	}
	req := protocol.ConnectRequest{APIKey: apiKey, RequestedSubdomain: reqSub, ClientVersion: "test"}
	encodeAndWrite(t, conn, protocol.MessageConnectRequest, req.Marshal())

	dec := protocol.NewDecoder()
	frame, err := readFrame(conn, dec)
	require.NoError(t, err)
	require.Equal(t, protocol.MessageConnectResponse, frame.Type)
	resp, err := protocol.UnmarshalConnectResponse(frame.Payload)
	require.NoError(t, err)
	return conn, resp
}

func encodeAndWrite(t *testing.T, conn net.Conn, msgType protocol.MessageType, payload []byte) {
	t.Helper()
	frame, err := protocol.EncodeMessage(msgType, payload)
	require.NoError(t, err)
	encoded, err := protocol.Encode(frame)
	require.NoError(t, err)
	_, err = conn.Write(encoded)
	require.NoError(t, err)
}

func TestHandshakeWithRegisteredKeySucceeds(t *testing.T) {
	ts := startTestServer(t, Config{BaseDomain: "cok.example.com"})
	key, err := ts.auth.CreateAPIKey("widgets", 0)
	require.NoError(t, err)

	conn, resp := dialAndHandshake(t, ts.addr(), key, "widgets")
	defer conn.Close()

	assert.Equal(t, "widgets", resp.Subdomain)
	assert.Contains(t, resp.PublicURL, "widgets.cok.example.com")
}

func TestHandshakeAutoGeneratesSubdomainWhenNotRequested(t *testing.T) {
	ts := startTestServer(t, Config{BaseDomain: "cok.example.com"})

	conn, err := net.Dial("tcp", ts.addr())
	require.NoError(t, err)
	defer conn.Close()

	req := protocol.ConnectRequest{APIKey: "irrelevant", ClientVersion: "test"}
	encodeAndWrite(t, conn, protocol.MessageConnectRequest, req.Marshal())

	dec := protocol.NewDecoder()
	frame, err := readFrame(conn, dec)
	require.NoError(t, err)
	require.Equal(t, protocol.MessageError, frame.Type)

	errMsg, err := protocol.UnmarshalErrorMessage(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(401), errMsg.Code, "the generated label must itself be valid; only auth should fail here")
}

func TestHandshakeRejectsWrongAPIKey(t *testing.T) {
	ts := startTestServer(t, Config{BaseDomain: "cok.example.com"})
	conn, err := net.Dial("tcp", ts.addr())
	require.NoError(t, err)
	defer conn.Close()

	sub := "widgets"
	req := protocol.ConnectRequest{APIKey: "wrong-key", RequestedSubdomain: &sub, ClientVersion: "test"}
	encodeAndWrite(t, conn, protocol.MessageConnectRequest, req.Marshal())

	dec := protocol.NewDecoder()
	frame, err := readFrame(conn, dec)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageError, frame.Type)
}

func TestHandshakeRejectsInvalidSubdomain(t *testing.T) {
	ts := startTestServer(t, Config{BaseDomain: "cok.example.com"})
	key, err := ts.auth.CreateAPIKey("--bad--", 0)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", ts.addr())
	require.NoError(t, err)
	defer conn.Close()

	sub := "--bad--"
	req := protocol.ConnectRequest{APIKey: key, RequestedSubdomain: &sub, ClientVersion: "test"}
	encodeAndWrite(t, conn, protocol.MessageConnectRequest, req.Marshal())

	dec := protocol.NewDecoder()
	frame, err := readFrame(conn, dec)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageError, frame.Type)
}

func TestHandshakeRejectsDuplicateSubdomain(t *testing.T) {
	ts := startTestServer(t, Config{BaseDomain: "cok.example.com"})
	keyA, err := ts.auth.CreateAPIKey("widgets", 0)
	require.NoError(t, err)
	keyB, err := ts.auth.CreateAPIKey("widgets", 0)
	require.NoError(t, err)

	connA, _ := dialAndHandshake(t, ts.addr(), keyA, "widgets")
	defer connA.Close()

	conn, err := net.Dial("tcp", ts.addr())
	require.NoError(t, err)
	defer conn.Close()
	sub := "widgets"
	req := protocol.ConnectRequest{APIKey: keyB, RequestedSubdomain: &sub, ClientVersion: "test"}
	encodeAndWrite(t, conn, protocol.MessageConnectRequest, req.Marshal())

	dec := protocol.NewDecoder()
	frame, err := readFrame(conn, dec)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageError, frame.Type)
}

func TestServePingIsAnsweredWithPong(t *testing.T) {
	ts := startTestServer(t, Config{BaseDomain: "cok.example.com"})
	key, err := ts.auth.CreateAPIKey("widgets", 0)
	require.NoError(t, err)
	conn, _ := dialAndHandshake(t, ts.addr(), key, "widgets")
	defer conn.Close()

	now := time.Now()
	encodeAndWrite(t, conn, protocol.MessagePing, protocol.Ping{Timestamp: now}.Marshal())

	dec := protocol.NewDecoder()
	frame, err := readFrame(conn, dec)
	require.NoError(t, err)
	require.Equal(t, protocol.MessagePong, frame.Type)
	pong, err := protocol.UnmarshalPong(frame.Payload)
	require.NoError(t, err)
	assert.True(t, now.Equal(pong.PingTimestamp))
}

func TestServeHTTPResponseCompletesCorrelator(t *testing.T) {
	ts := startTestServer(t, Config{BaseDomain: "cok.example.com"})
	key, err := ts.auth.CreateAPIKey("widgets", 0)
	require.NoError(t, err)
	conn, resp := dialAndHandshake(t, ts.addr(), key, "widgets")
	defer conn.Close()

	tun, ok := ts.registry.Lookup("widgets")
	require.True(t, ok)
	assert.Equal(t, resp.TunnelID, tun.ID)

	require.NoError(t, ts.corr.Track(resp.TunnelID, tun.ID))
	httpResp := protocol.HTTPResponse{RequestID: resp.TunnelID, StatusCode: 204}
	encodeAndWrite(t, conn, protocol.MessageHTTPResponse, httpResp.Marshal())

	got, err := ts.corr.Await(context.Background(), resp.TunnelID)
	require.NoError(t, err)
	assert.Equal(t, uint16(204), got.StatusCode)
}

func TestClientDisconnectClosesConnectionServerSide(t *testing.T) {
	ts := startTestServer(t, Config{BaseDomain: "cok.example.com"})
	key, err := ts.auth.CreateAPIKey("widgets", 0)
	require.NoError(t, err)
	conn, _ := dialAndHandshake(t, ts.addr(), key, "widgets")
	defer conn.Close()

	encodeAndWrite(t, conn, protocol.MessageDisconnect, protocol.Disconnect{Reason: protocol.DisconnectClientShutdown}.Marshal())

	require.Eventually(t, func() bool {
		_, ok := ts.registry.Lookup("widgets")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
