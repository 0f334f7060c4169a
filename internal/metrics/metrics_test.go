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

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

func TestHandlerExposesRegisteredCollectors(t *testing.T) {
	m := New("cok_metrics_test")
	m.ActiveTunnels.Set(3)
	m.RequestsTotal.WithLabelValues("200").Inc()
	m.RateLimitRejections.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Assert(t, strings.Contains(body, "cok_metrics_test_active_tunnels 3"))
	assert.Assert(t, strings.Contains(body, "cok_metrics_test_requests_total"))
	assert.Assert(t, strings.Contains(body, "cok_metrics_test_rate_limit_rejections_total 1"))
}

func TestIndependentInstancesDoNotShareState(t *testing.T) {
	a := New("cok_metrics_test_a")
	b := New("cok_metrics_test_b")

	a.ActiveTunnels.Set(5)
	b.ActiveTunnels.Set(9)

	recA := httptest.NewRecorder()
	a.Handler().ServeHTTP(recA, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Assert(t, strings.Contains(recA.Body.String(), "cok_metrics_test_a_active_tunnels 5"))
	assert.Assert(t, !strings.Contains(recA.Body.String(), "cok_metrics_test_b"))
}
