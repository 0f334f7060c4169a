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

// Package client implements the client-side persistent control
// connection manager and the circuit breaker guarding the loopback
// origin.
package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/annurdien/cok/internal/errs"
	"github.com/annurdien/cok/internal/protocol"
)

// State is the client's view of the control connection's lifecycle,
// per the control channel's state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// errUserDisconnect marks a connection teardown the user asked for,
// which must not trigger a reconnect.
var errUserDisconnect = errors.New("client: disconnect requested")

// Config configures a ControlChannelClient.
type Config struct {
	ServerAddr         string
	APIKey             string
	RequestedSubdomain string
	ClientVersion      string
	LocalOrigin        string // host:port the loopback forwarder dials

	DialTimeout     time.Duration
	PingInterval    time.Duration
	RequestTimeout  time.Duration // loopback HTTP client timeout
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	MaxAttempts     int // -1 means unlimited
	BreakerThreshold int
	BreakerTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = -1
	}
	return c
}

// ControlChannelClient owns the single persistent connection to the
// gateway's control port, performing handshake, ping/pong keep-alive
// and exponential-backoff reconnection.
type ControlChannelClient struct {
	cfg     Config
	clock   clockwork.Clock
	logger  *logrus.Entry
	breaker *CircuitBreaker
	fwd     *Forwarder

	stateMu sync.RWMutex
	state   State

	writeMu sync.Mutex
	conn    net.Conn

	stopOnce sync.Once
	stopCh   chan struct{}

	// pendingDecoder carries the decoder across the handshake/serve
	// boundary so bytes already buffered during the handshake read
	// aren't lost (the decoder owns a rolling buffer across
	// reads, never assume one frame per read).
	pendingDecoder *protocol.Decoder

	lastRTT time.Duration
}

// New builds a ControlChannelClient. It does not dial until Run is
// called.
func New(cfg Config, clock clockwork.Clock, logger *logrus.Entry) *ControlChannelClient {
	cfg = cfg.withDefaults()
	breaker := NewCircuitBreaker(clock, cfg.BreakerThreshold, cfg.BreakerTimeout)
	return &ControlChannelClient{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		breaker: breaker,
		fwd:     NewForwarder(cfg.LocalOrigin, cfg.RequestTimeout, breaker),
		state:   StateDisconnected,
		stopCh:  make(chan struct{}),
	}
}

func (c *ControlChannelClient) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// State reports the client's current lifecycle state.
func (c *ControlChannelClient) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Breaker exposes the circuit breaker guarding the loopback origin,
// for metrics.
func (c *ControlChannelClient) Breaker() *CircuitBreaker { return c.breaker }

// Run dials the server and serves the control connection until ctx is
// cancelled or Disconnect is called, reconnecting with exponential
// backoff on every unexpected disconnect in between.
func (c *ControlChannelClient) Run(ctx context.Context) error {
	bo := c.newBackoff()
	attempts := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return nil
		default:
		}

		c.setState(StateConnecting)
		conn, resp, err := c.handshake(ctx)
		if err != nil {
			attempts++
			c.logger.WithError(err).WithField("attempt", attempts).Warn("handshake failed")
			if c.cfg.MaxAttempts >= 0 && attempts > c.cfg.MaxAttempts {
				return errs.Detailf(errs.ErrConnectionFailed, "exceeded %d reconnect attempts", c.cfg.MaxAttempts)
			}
			wait := bo.NextBackOff()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.stopCh:
				return nil
			case <-c.clock.After(wait):
			}
			continue
		}

		attempts = 0
		bo.Reset()
		c.setState(StateConnected)
		c.logger.WithFields(logrus.Fields{
			"tunnel_id":  resp.TunnelID,
			"subdomain":  resp.Subdomain,
			"public_url": resp.PublicURL,
		}).Info("tunnel established")

		err = c.serve(ctx, conn)
		c.setState(StateReconnecting)
		if errors.Is(err, errUserDisconnect) || errors.Is(err, context.Canceled) {
			return nil
		}
		c.logger.WithError(err).Warn("control connection lost, reconnecting")
	}
}

// Disconnect asks Run to stop and not reconnect, sending a
// client_shutdown Disconnect frame first on a best-effort basis.
func (c *ControlChannelClient) Disconnect() {
	c.stopOnce.Do(func() {
		c.writeMu.Lock()
		conn := c.conn
		c.writeMu.Unlock()
		if conn != nil {
			_ = c.sendMessage(protocol.MessageDisconnect, protocol.Disconnect{Reason: protocol.DisconnectClientShutdown}.Marshal())
			_ = conn.Close()
		}
		close(c.stopCh)
	})
}

func (c *ControlChannelClient) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.BaseBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0 // retry indefinitely; attempt cap is enforced separately
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

// handshake dials the server and performs the ConnectRequest/
// ConnectResponse exchange.
func (c *ControlChannelClient) handshake(ctx context.Context) (net.Conn, protocol.ConnectResponse, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.cfg.ServerAddr)
	if err != nil {
		return nil, protocol.ConnectResponse{}, errs.Detailf(errs.ErrConnectionFailed, "dial %s: %v", c.cfg.ServerAddr, err)
	}

	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	var requestedSubdomain *string
	if c.cfg.RequestedSubdomain != "" {
		requestedSubdomain = &c.cfg.RequestedSubdomain
	}
	req := protocol.ConnectRequest{
		APIKey:             c.cfg.APIKey,
		RequestedSubdomain: requestedSubdomain,
		ClientVersion:      c.cfg.ClientVersion,
		Capabilities:       []string{"http/1.1"},
	}
	if err := c.writeMessage(conn, protocol.MessageConnectRequest, req.Marshal()); err != nil {
		_ = conn.Close()
		return nil, protocol.ConnectResponse{}, err
	}

	dec := protocol.NewDecoder()
	frame, err := readFrame(conn, dec)
	if err != nil {
		_ = conn.Close()
		return nil, protocol.ConnectResponse{}, err
	}

	switch frame.Type {
	case protocol.MessageConnectResponse:
		resp, err := protocol.UnmarshalConnectResponse(frame.Payload)
		if err != nil {
			_ = conn.Close()
			return nil, protocol.ConnectResponse{}, err
		}
		c.pendingDecoder = dec
		return conn, resp, nil
	case protocol.MessageError:
		errMsg, _ := protocol.UnmarshalErrorMessage(frame.Payload)
		_ = conn.Close()
		return nil, protocol.ConnectResponse{}, errs.Detailf(errs.ErrAuthenticationFailed, "server rejected connection: %s", errMsg.Message)
	default:
		_ = conn.Close()
		return nil, protocol.ConnectResponse{}, errs.Detailf(errs.ErrDecodingFailed, "unexpected message type %s during handshake", frame.Type)
	}
}

func (c *ControlChannelClient) serve(ctx context.Context, conn net.Conn) error {
	dec := c.pendingDecoder
	c.pendingDecoder = nil

	readErrCh := make(chan error, 1)
	go c.readLoop(ctx, conn, dec, readErrCh)

	pingTicker := c.clock.NewTicker(c.cfg.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-c.stopCh:
			return errUserDisconnect
		case err := <-readErrCh:
			return err
		case <-pingTicker.Chan():
			if err := c.writeMessage(conn, protocol.MessagePing, protocol.Ping{Timestamp: c.clock.Now()}.Marshal()); err != nil {
				return err
			}
		}
	}
}

func (c *ControlChannelClient) readLoop(ctx context.Context, conn net.Conn, dec *protocol.Decoder, errCh chan<- error) {
	for {
		frame, err := readFrame(conn, dec)
		if err != nil {
			errCh <- err
			return
		}
		c.handleFrame(ctx, conn, frame)
	}
}

func (c *ControlChannelClient) handleFrame(ctx context.Context, conn net.Conn, frame protocol.Frame) {
	switch frame.Type {
	case protocol.MessageHTTPRequest:
		req, err := protocol.UnmarshalHTTPRequest(frame.Payload)
		if err != nil {
			c.logger.WithError(err).Warn("dropping malformed HTTPRequest frame")
			return
		}
		go func() {
			resp := c.fwd.Forward(ctx, req)
			if err := c.writeMessage(conn, protocol.MessageHTTPResponse, resp.Marshal()); err != nil {
				c.logger.WithError(err).Warn("failed to write HTTPResponse")
			}
		}()
	case protocol.MessagePong:
		pong, err := protocol.UnmarshalPong(frame.Payload)
		if err == nil {
			c.lastRTT = c.clock.Now().Sub(pong.PingTimestamp)
		}
	case protocol.MessageError:
		errMsg, _ := protocol.UnmarshalErrorMessage(frame.Payload)
		c.logger.WithField("code", errMsg.Code).Warn("server error: " + errMsg.Message)
	case protocol.MessageDisconnect:
		d, _ := protocol.UnmarshalDisconnect(frame.Payload)
		c.logger.WithField("reason", d.Reason).Info("server requested disconnect")
	default:
		c.logger.WithField("type", frame.Type).Debug("ignoring frame")
	}
}

// LastRTT returns the round-trip time of the most recent ping/pong
// exchange.
func (c *ControlChannelClient) LastRTT() time.Duration { return c.lastRTT }

func (c *ControlChannelClient) writeMessage(conn net.Conn, t protocol.MessageType, payload []byte) error {
	frame, err := protocol.EncodeMessage(t, payload)
	if err != nil {
		return err
	}
	return c.writeFrame(conn, frame)
}

func (c *ControlChannelClient) sendMessage(t protocol.MessageType, payload []byte) error {
	c.writeMu.Lock()
	conn := c.conn
	c.writeMu.Unlock()
	if conn == nil {
		return errs.ErrConnectionLost
	}
	return c.writeMessage(conn, t, payload)
}

func (c *ControlChannelClient) writeFrame(conn net.Conn, frame protocol.Frame) error {
	encoded, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(encoded); err != nil {
		return errs.Detailf(errs.ErrWrite, "%v", err)
	}
	return nil
}

// readFrame blocks on conn until the decoder can produce a complete
// frame, feeding it more bytes as needed.
func readFrame(conn net.Conn, dec *protocol.Decoder) (protocol.Frame, error) {
	buf := make([]byte, 64*1024)
	for {
		frame, ok, err := dec.Decode()
		if err != nil {
			return protocol.Frame{}, err
		}
		if ok {
			return frame, nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
		}
		if err != nil {
			return protocol.Frame{}, errs.Detailf(errs.ErrRead, "%v", err)
		}
	}
}
