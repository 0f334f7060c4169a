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

package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateWithNoChecksIsHealthy(t *testing.T) {
	c := New("1.2.3", clockwork.NewFakeClock())
	resp, code := c.Evaluate()
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "1.2.3", resp.Version)
}

func TestEvaluateAggregatesWorstStatus(t *testing.T) {
	c := New("1.2.3", clockwork.NewFakeClock())
	c.Register("db", func() (Status, string) { return StatusHealthy, "" })
	c.Register("queue", func() (Status, string) { return StatusDegraded, "backlog growing" })

	resp, code := c.Evaluate()
	assert.Equal(t, StatusDegraded, resp.Status)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "backlog growing", resp.Checks["queue"].Detail)
}

func TestEvaluateUnhealthyReturns503(t *testing.T) {
	c := New("1.2.3", clockwork.NewFakeClock())
	c.Register("registry", func() (Status, string) { return StatusUnhealthy, "down" })

	resp, code := c.Evaluate()
	assert.Equal(t, StatusUnhealthy, resp.Status)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestRegisterReplacesExistingCheck(t *testing.T) {
	c := New("1.2.3", clockwork.NewFakeClock())
	c.Register("db", func() (Status, string) { return StatusUnhealthy, "" })
	c.Register("db", func() (Status, string) { return StatusHealthy, "" })

	resp, _ := c.Evaluate()
	assert.Equal(t, StatusHealthy, resp.Status)
}

func TestHandlerServesJSON(t *testing.T) {
	c := New("1.2.3", clockwork.NewFakeClock())
	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var decoded Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	assert.Equal(t, StatusHealthy, decoded.Status)
}
