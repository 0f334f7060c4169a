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

package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/annurdien/cok/internal/protocol"
)

var tracer = otel.Tracer("github.com/annurdien/cok/internal/client")

// Forwarder issues each HTTPRequest it receives against the local
// origin the client is tunneling, behind a CircuitBreaker: when the
// breaker is open the loopback call is skipped entirely and a
// synthetic 503 is returned.
type Forwarder struct {
	origin  string // host:port
	client  *http.Client
	breaker *CircuitBreaker
}

// NewForwarder builds a Forwarder that dials origin ("host:port") for
// every request, guarded by breaker.
func NewForwarder(origin string, timeout time.Duration, breaker *CircuitBreaker) *Forwarder {
	return &Forwarder{
		origin:  origin,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// Forward executes req against the local origin and returns the
// HTTPResponse message to send back through the tunnel. It never
// returns an error: any failure is translated into a synthetic
// HTTPResponse.
func (f *Forwarder) Forward(ctx context.Context, req protocol.HTTPRequest) protocol.HTTPResponse {
	ctx, span := tracer.Start(ctx, "client.forward")
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("http.path", req.Path),
	)

	if !f.breaker.CanAttempt() {
		// Does not call RecordFailure: repeatedly recording while
		// already open would keep pushing lastFailure forward and
		// could stall the HalfOpen transition under sustained load.
		span.SetStatus(codes.Error, "circuit breaker open")
		return syntheticResponse(req.RequestID, http.StatusServiceUnavailable, "Service Unavailable")
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, "http://"+f.origin+req.Path, bytes.NewReader(req.Body))
	if err != nil {
		f.breaker.RecordFailure()
		span.RecordError(err)
		return syntheticResponse(req.RequestID, http.StatusBadGateway, "Bad Gateway")
	}
	for _, h := range req.Headers {
		httpReq.Header.Add(h.Name, h.Value)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		f.breaker.RecordFailure()
		span.RecordError(err)
		return syntheticResponse(req.RequestID, http.StatusBadGateway, "Bad Gateway")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		f.breaker.RecordFailure()
		span.RecordError(err)
		return syntheticResponse(req.RequestID, http.StatusBadGateway, "Bad Gateway")
	}

	f.breaker.RecordSuccess()

	headers := make([]protocol.Header, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, v := range values {
			headers = append(headers, protocol.Header{Name: name, Value: v})
		}
	}

	return protocol.HTTPResponse{
		RequestID:  req.RequestID,
		StatusCode: uint16(resp.StatusCode),
		Headers:    headers,
		Body:       body,
	}
}

func syntheticResponse(requestID uuid.UUID, code int, text string) protocol.HTTPResponse {
	return protocol.HTTPResponse{
		RequestID:  requestID,
		StatusCode: uint16(code),
		Headers:    []protocol.Header{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}},
		Body:       []byte(text),
	}
}
