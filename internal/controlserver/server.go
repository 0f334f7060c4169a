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

// Package controlserver accepts the TCP control connections tunnel
// clients dial, performs the ConnectRequest/ConnectResponse handshake,
// and then keeps each connection's frame loop running for the
// lifetime of the tunnel: HTTPResponse frames routed to the
// correlator, Ping answered with Pong, Disconnect and read errors
// torn down through the registry.
package controlserver

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/annurdien/cok/internal/auth"
	"github.com/annurdien/cok/internal/correlator"
	"github.com/annurdien/cok/internal/errs"
	"github.com/annurdien/cok/internal/metrics"
	"github.com/annurdien/cok/internal/protocol"
	"github.com/annurdien/cok/internal/ratelimit"
	"github.com/annurdien/cok/internal/subdomain"
	"github.com/annurdien/cok/internal/tunnel"
)

// Config configures a Server.
type Config struct {
	ListenAddr       string
	BaseDomain       string
	HandshakeTimeout time.Duration
	// LivenessWindow is the longest gap tolerated between frames
	// received from a client before the connection is considered dead
	// and torn down; sized as a multiple of the client's expected ping
	// interval.
	LivenessWindow time.Duration
	TunnelTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = 90 * time.Second
	}
	return c
}

// Server owns the TCP listener and every active tunnel connection.
type Server struct {
	cfg        Config
	clock      clockwork.Clock
	logger     *logrus.Entry
	registry   *tunnel.Registry
	correlator *correlator.Correlator
	auth       *auth.Service
	validator  *subdomain.Validator
	connLimit  *ratelimit.Limiter
	metrics    *metrics.Metrics

	listener  net.Listener
	accepting atomic.Bool
}

// New builds a Server from its collaborators. connLimit should be a
// Limiter built from the "connection" preset, keyed by remote IP.
func New(cfg Config, clock clockwork.Clock, logger *logrus.Entry, registry *tunnel.Registry, corr *correlator.Correlator, authSvc *auth.Service, validator *subdomain.Validator, connLimit *ratelimit.Limiter, m *metrics.Metrics) *Server {
	return &Server{
		cfg:        cfg.withDefaults(),
		clock:      clock,
		logger:     logger,
		registry:   registry,
		correlator: corr,
		auth:       authSvc,
		validator:  validator,
		connLimit:  connLimit,
		metrics:    m,
	}
}

// ListenAndServe binds the listen address and accepts connections
// until ctx is cancelled or the listener errors.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
	if err != nil {
		return errs.Detailf(errs.ErrConnectionFailed, "listen on %s: %v", s.cfg.ListenAddr, err)
	}
	s.listener = ln
	s.accepting.Store(true)
	defer s.accepting.Store(false)
	s.logger.WithField("addr", s.cfg.ListenAddr).Info("control server listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errs.Detailf(errs.ErrConnectionFailed, "accept: %v", err)
			}
		}
		go s.handleConn(ctx, conn)
	}
}

// Accepting reports whether the accept loop is currently running; a
// health check uses this to detect a control server that crashed out
// of ListenAndServe without the process itself exiting.
func (s *Server) Accepting() bool {
	return s.accepting.Load()
}

// Shutdown stops accepting new connections and tears every live
// tunnel down.
func (s *Server) Shutdown(context.Context) error {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.registry.DisconnectAll()
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remoteIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if s.connLimit != nil && !s.connLimit.TryConsume(remoteIP) {
		s.logger.WithField("remote", remoteIP).Warn("rejecting connection, rate limited")
		_ = conn.Close()
		return
	}

	dec := protocol.NewDecoder()
	t, link, err := s.handshake(conn, dec, remoteIP)
	if err != nil {
		s.logger.WithError(err).WithField("remote", remoteIP).Warn("handshake failed")
		_ = conn.Close()
		return
	}
	s.logger.WithFields(logrus.Fields{
		"tunnel_id": t.ID,
		"subdomain": t.Subdomain,
		"remote":    remoteIP,
	}).Info("tunnel registered")
	if s.metrics != nil {
		s.metrics.ActiveTunnels.Set(float64(s.registry.Count()))
	}

	defer func() {
		s.registry.Unregister(t.ID)
		if s.metrics != nil {
			s.metrics.ActiveTunnels.Set(float64(s.registry.Count()))
		}
	}()

	s.serve(ctx, conn, dec, link, t.ID)
}

// handshake reads the client's ConnectRequest, validates and
// authenticates it, registers the tunnel, and replies with either a
// ConnectResponse or an Error frame. On any failure it returns a
// non-nil error and never registers a tunnel.
func (s *Server) handshake(conn net.Conn, dec *protocol.Decoder, remoteIP string) (tunnel.Tunnel, *connLink, error) {
	_ = conn.SetReadDeadline(s.clock.Now().Add(s.cfg.HandshakeTimeout))
	frame, err := readFrame(conn, dec)
	if err != nil {
		return tunnel.Tunnel{}, nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	if frame.Type != protocol.MessageConnectRequest {
		writeErrorFrame(conn, 400, "expected ConnectRequest")
		return tunnel.Tunnel{}, nil, errs.Detailf(errs.ErrDecodingFailed, "unexpected message type %s", frame.Type)
	}
	req, err := protocol.UnmarshalConnectRequest(frame.Payload)
	if err != nil {
		writeErrorFrame(conn, 400, "malformed ConnectRequest")
		return tunnel.Tunnel{}, nil, err
	}

	requested := randomLabel()
	if req.RequestedSubdomain != nil && *req.RequestedSubdomain != "" {
		requested = *req.RequestedSubdomain
	}
	label, err := s.validator.Validate(requested)
	if err != nil {
		writeErrorFrame(conn, 400, err.Error())
		return tunnel.Tunnel{}, nil, err
	}

	if _, ok := s.auth.Validate(req.APIKey, label); !ok {
		writeErrorFrame(conn, 401, "authentication failed")
		return tunnel.Tunnel{}, nil, errs.ErrAuthenticationFailed
	}

	link := newConnLink(conn)
	t, err := s.registry.Register(label, req.APIKey, link)
	if err != nil {
		status := uint16(409)
		if errs.Is(err, errs.ErrServiceUnavailable) {
			status = 503
		}
		writeErrorFrame(conn, status, err.Error())
		return tunnel.Tunnel{}, nil, err
	}

	ttl := s.cfg.TunnelTTL
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.clock.Now().Add(ttl)
	}
	resp := protocol.ConnectResponse{
		TunnelID:  t.ID,
		Subdomain: t.Subdomain,
		PublicURL: "https://" + t.Subdomain + "." + s.cfg.BaseDomain,
		ExpiresAt: expiresAt,
	}
	if err := writeMessage(link, protocol.MessageConnectResponse, resp.Marshal()); err != nil {
		s.registry.Unregister(t.ID)
		return tunnel.Tunnel{}, nil, err
	}

	return t, link, nil
}

// serve runs the per-connection read loop until the connection dies,
// the liveness window expires, or ctx is cancelled.
func (s *Server) serve(ctx context.Context, conn net.Conn, dec *protocol.Decoder, link *connLink, tunnelID uuid.UUID) {
	frameCh := make(chan protocol.Frame, 8)
	errCh := make(chan error, 1)

	go func() {
		for {
			frame, err := readFrame(conn, dec)
			if err != nil {
				errCh <- err
				return
			}
			frameCh <- frame
		}
	}()

	idle := s.clock.NewTimer(s.cfg.LivenessWindow)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-errCh:
			s.logger.WithError(err).WithField("tunnel_id", tunnelID).Debug("control connection closed")
			return
		case <-idle.Chan():
			s.logger.WithField("tunnel_id", tunnelID).Warn("closing idle control connection")
			_ = conn.Close()
			return
		case frame := <-frameCh:
			if !idle.Stop() {
				select {
				case <-idle.Chan():
				default:
				}
			}
			idle.Reset(s.cfg.LivenessWindow)
			s.handleFrame(conn, link, tunnelID, frame)
		}
	}
}

func (s *Server) handleFrame(conn net.Conn, link *connLink, tunnelID uuid.UUID, frame protocol.Frame) {
	switch frame.Type {
	case protocol.MessageHTTPResponse:
		resp, err := protocol.UnmarshalHTTPResponse(frame.Payload)
		if err != nil {
			s.logger.WithError(err).Warn("dropping malformed HTTPResponse frame")
			return
		}
		s.correlator.Complete(resp.RequestID, resp)
	case protocol.MessagePing:
		ping, err := protocol.UnmarshalPing(frame.Payload)
		if err != nil {
			return
		}
		pong := protocol.Pong{PingTimestamp: ping.Timestamp, PongTimestamp: s.clock.Now()}
		if err := writeMessage(link, protocol.MessagePong, pong.Marshal()); err != nil {
			s.logger.WithError(err).Warn("failed to write Pong")
		}
	case protocol.MessageDisconnect:
		d, _ := protocol.UnmarshalDisconnect(frame.Payload)
		s.logger.WithFields(logrus.Fields{"tunnel_id": tunnelID, "reason": d.Reason}).Info("client requested disconnect")
		_ = conn.Close()
	default:
		s.logger.WithField("type", frame.Type).Debug("ignoring frame")
	}
}
