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

// Package gateway implements the public HTTP surface: host-based
// tunnel routing, size and rate limits at the edge, health checks, and
// the request/response bridge over TunnelRegistry and
// RequestCorrelator.
package gateway

import (
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/annurdien/cok/internal/correlator"
	"github.com/annurdien/cok/internal/errs"
	"github.com/annurdien/cok/internal/health"
	"github.com/annurdien/cok/internal/metrics"
	"github.com/annurdien/cok/internal/protocol"
	"github.com/annurdien/cok/internal/ratelimit"
	"github.com/annurdien/cok/internal/tunnel"
)

var tracer = otel.Tracer("github.com/annurdien/cok/internal/gateway")

// Size limits enforced at the edge, before a request is ever handed
// to a tunnel.
const (
	MaxBodyBytes        = 10 * 1024 * 1024
	MaxHeaderAggregate  = 16 * 1024
	MaxHeaderValueBytes = 8 * 1024
	MaxHeaderCount      = 100
	MaxPathBytes        = 2 * 1024
)

// PendingWatermarks gates backpressure: once pending requests reach
// Critical, new requests are rejected outright rather than queued.
type PendingWatermarks struct {
	Low      int
	High     int
	Critical int
}

// DefaultWatermarks is a reasonable default sized for MaxTunnels in
// the low thousands; operators running larger fleets should size
// these from MAX_TUNNELS in internal/config.
var DefaultWatermarks = PendingWatermarks{Low: 500, High: 800, Critical: 1000}

// Config configures a Gateway.
type Config struct {
	BaseDomain  string
	HealthPaths []string
	Watermarks  PendingWatermarks
}

// Gateway is the http.Handler the server's accept loop hands every
// inbound connection to.
type Gateway struct {
	cfg        Config
	registry   *tunnel.Registry
	correlator *correlator.Correlator
	limiter    *ratelimit.Limiter
	health     *health.Checker
	metrics    *metrics.Metrics
	logger     *logrus.Entry

	router *mux.Router
}

// New wires a Gateway from its already-constructed collaborators.
func New(cfg Config, registry *tunnel.Registry, corr *correlator.Correlator, limiter *ratelimit.Limiter, checker *health.Checker, m *metrics.Metrics, logger *logrus.Entry) *Gateway {
	g := &Gateway{
		cfg:        cfg,
		registry:   registry,
		correlator: corr,
		limiter:    limiter,
		health:     checker,
		metrics:    m,
		logger:     logger,
		router:     mux.NewRouter(),
	}

	for _, p := range cfg.HealthPaths {
		g.router.Path(p).HandlerFunc(checker.Handler())
	}
	g.router.PathPrefix("/metrics").Handler(m.Handler())
	g.router.PathPrefix("/").HandlerFunc(g.handleProxy)

	return g
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

func (g *Gateway) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "gateway.proxy")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("http.host", r.Host),
	)
	r = r.WithContext(ctx)

	if len(r.URL.Path) > MaxPathBytes {
		writeError(w, http.StatusBadRequest, "Path exceeds maximum length of %d bytes", MaxPathBytes)
		return
	}
	if err := validateHeaders(r.Header); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	clientIP := clientIP(r)
	if !g.limiter.TryConsume(clientIP) {
		if g.metrics != nil {
			g.metrics.RateLimitRejections.Inc()
		}
		writeRateLimited(w, g.limiter.RetryAfter(clientIP).Seconds())
		return
	}

	label, ok := splitSubdomain(r.Host, g.cfg.BaseDomain)
	if !ok {
		writeError(w, http.StatusNotFound, "Host %q is not served by this gateway", r.Host)
		return
	}

	span.SetAttributes(attribute.String("cok.subdomain", label))

	t, ok := g.registry.Lookup(label)
	if !ok {
		span.SetStatus(codes.Error, "tunnel not found")
		writeError(w, http.StatusNotFound, "Tunnel not found for subdomain %q", label)
		return
	}

	if g.correlator.Pending() >= g.cfg.Watermarks.Critical {
		writeError(w, http.StatusServiceUnavailable, "Gateway is at capacity, try again shortly")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	if len(body) > MaxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "Request body exceeds maximum of %d bytes", MaxBodyBytes)
		return
	}

	requestID := uuid.New()
	headers := make([]protocol.Header, 0, len(r.Header))
	for name, values := range r.Header {
		for _, v := range values {
			headers = append(headers, protocol.Header{Name: name, Value: v})
		}
	}

	msg := protocol.HTTPRequest{
		RequestID:     requestID,
		Method:        r.Method,
		Path:          r.URL.RequestURI(),
		Headers:       headers,
		Body:          body,
		RemoteAddress: r.RemoteAddr,
	}

	if err := g.correlator.Track(requestID, t.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to track request")
		return
	}

	if err := g.registry.Send(t.ID, protocol.MessageHTTPRequest, msg.Marshal()); err != nil {
		g.correlator.Cancel(requestID)
		status := errs.HTTPStatus(err)
		writeError(w, status, "%v", err)
		g.recordOutcome(status)
		return
	}

	resp, err := g.correlator.Await(r.Context(), requestID)
	if err != nil {
		status := errs.HTTPStatus(err)
		if errs.Is(err, errs.ErrGatewayTimeout) && g.metrics != nil {
			g.metrics.GatewayTimeouts.Inc()
		}
		span.RecordError(err)
		writeError(w, status, "%v", err)
		g.recordOutcome(status)
		return
	}
	span.SetAttributes(attribute.Int("http.status_code", int(resp.StatusCode)))

	for _, h := range resp.Headers {
		w.Header().Add(h.Name, h.Value)
	}
	w.WriteHeader(int(resp.StatusCode))
	_, _ = w.Write(resp.Body)
	g.recordOutcome(int(resp.StatusCode))
}

func (g *Gateway) recordOutcome(status int) {
	if g.metrics == nil {
		return
	}
	g.metrics.RequestsTotal.WithLabelValues(http.StatusText(status)).Inc()
	g.metrics.PendingRequests.Set(float64(g.correlator.Pending()))
	g.metrics.ActiveTunnels.Set(float64(g.registry.Count()))
}

func validateHeaders(h http.Header) error {
	count := 0
	aggregate := 0
	for name, values := range h {
		for _, v := range values {
			count++
			if len(v) > MaxHeaderValueBytes {
				return errs.Detailf(errs.ErrInvalidRequest, "header %q exceeds maximum value length of %d bytes", name, MaxHeaderValueBytes)
			}
			aggregate += len(name) + len(v)
		}
	}
	if count > MaxHeaderCount {
		return errs.Detailf(errs.ErrInvalidRequest, "header count %d exceeds maximum of %d", count, MaxHeaderCount)
	}
	if aggregate > MaxHeaderAggregate {
		return errs.Detailf(errs.ErrInvalidRequest, "aggregate header size exceeds maximum of %d bytes", MaxHeaderAggregate)
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GracefulTimeout is the default bound on the drain phase of shutdown.
const GracefulTimeout = 30 * time.Second
