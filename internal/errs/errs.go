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

// Package errs defines the error taxonomy shared by the gateway and the
// client: a closed set of sentinel errors per kind, matched with
// errors.Is, plus a couple of wrapper types for errors that carry a
// retry hint or free-form detail.
package errs

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// Client-caused errors.
var (
	ErrInvalidSubdomain       = errors.New("invalid subdomain")
	ErrAuthenticationFailed   = errors.New("authentication failed")
	ErrRateLimitExceeded      = errors.New("rate limit exceeded")
	ErrInvalidRequest         = errors.New("invalid request")
	ErrLocalOriginUnreachable = errors.New("local origin unreachable")
	ErrConnectionFailed       = errors.New("connection failed")
	ErrTimeout                = errors.New("timeout")
)

// Server-side errors.
var (
	ErrInternal           = errors.New("internal error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrSubdomainTaken     = errors.New("subdomain already taken")
	ErrTunnelNotFound     = errors.New("tunnel not found")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrGatewayTimeout     = errors.New("gateway timed out waiting for tunnel")
)

// Transport-level errors.
var (
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionRefused = errors.New("connection refused")
	ErrDNSFailure        = errors.New("dns lookup failed")
	ErrTLSHandshake      = errors.New("tls handshake failed")
	ErrWrite             = errors.New("write failed")
	ErrRead              = errors.New("read failed")
	ErrChannelClosed     = errors.New("channel closed")
)

// Wire-protocol errors. A connection carrying any of these must be
// closed by the caller; the stream is no longer frame-aligned.
var (
	ErrPayloadTooLarge     = errors.New("payload exceeds maximum frame size")
	ErrInsufficientData    = errors.New("insufficient data")
	ErrDecodingFailed      = errors.New("message decoding failed")
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
	ErrCRCMismatch         = errors.New("crc32 mismatch")
	ErrUnknownType         = errors.New("unknown message type")
)

// RetryableError decorates a sentinel error with a retry-after hint,
// used for rate limiting and transient service-unavailable responses.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("%s (retry after %s)", e.Err, e.RetryAfter)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// WithRetryAfter wraps err with a retry-after hint.
func WithRetryAfter(err error, d time.Duration) error {
	return &RetryableError{Err: err, RetryAfter: d}
}

// RetryAfter extracts the retry-after hint carried by err, if any.
func RetryAfter(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re.RetryAfter, true
	}
	return 0, false
}

// Detailf wraps a sentinel error with a formatted detail message while
// keeping it matchable with errors.Is(err, sentinel).
func Detailf(sentinel error, format string, args ...interface{}) error {
	return errors.Wrapf(sentinel, format, args...)
}

func Is(err, target error) bool { return errors.Is(err, target) }

// HTTPStatus maps a classified error to the public gateway response
// code it should produce.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return 200
	case errors.Is(err, ErrAuthenticationFailed):
		return 401
	case errors.Is(err, ErrInvalidSubdomain), errors.Is(err, ErrInvalidRequest):
		return 400
	case errors.Is(err, ErrTunnelNotFound):
		return 404
	case errors.Is(err, ErrPayloadTooLarge):
		return 413
	case errors.Is(err, ErrRateLimitExceeded):
		return 429
	case errors.Is(err, ErrLocalOriginUnreachable), errors.Is(err, ErrConnectionFailed), errors.Is(err, ErrConnectionRefused):
		return 502
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, ErrConnectionLost):
		return 503
	case errors.Is(err, ErrGatewayTimeout), errors.Is(err, ErrRequestTimeout), errors.Is(err, ErrTimeout):
		return 504
	default:
		return 500
	}
}
