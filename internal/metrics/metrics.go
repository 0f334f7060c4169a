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

// Package metrics exposes a Prometheus exporter: counters and gauges
// for tunnel churn, in-flight requests, rate limiting and
// circuit-breaker state.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every gauge/counter the gateway and client update.
type Metrics struct {
	registry *prometheus.Registry

	ActiveTunnels       prometheus.Gauge
	PendingRequests     prometheus.Gauge
	RequestsTotal       *prometheus.CounterVec
	RateLimitRejections prometheus.Counter
	GatewayTimeouts     prometheus.Counter
	BreakerState        prometheus.Gauge
}

// New registers a fresh set of collectors on their own registry, so a
// test can spin up as many independent Metrics as it needs without
// colliding on the global default registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ActiveTunnels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_tunnels", Help: "Number of currently registered tunnels.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "pending_requests", Help: "Number of requests awaiting a tunnel response.",
		}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "requests_total", Help: "Gateway requests by outcome status code.",
		}, []string{"status"}),
		RateLimitRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rate_limit_rejections_total", Help: "Requests rejected by the token bucket limiter.",
		}),
		GatewayTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "gateway_timeouts_total", Help: "Requests that timed out waiting for a tunnel response.",
		}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "circuit_breaker_state", Help: "0=closed 1=open 2=half_open, client-side breaker on the loopback origin.",
		}),
	}
	reg.MustRegister(m.ActiveTunnels, m.PendingRequests, m.RequestsTotal, m.RateLimitRejections, m.GatewayTimeouts, m.BreakerState)
	return m
}

// Handler serves the Prometheus text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
