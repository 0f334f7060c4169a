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

package gateway

import (
	"fmt"
	"net/http"
	"strconv"
)

// writeError sends a short plain-text error body describing the
// failure, e.g. a body starting with "Tunnel not found".
func writeError(w http.ResponseWriter, status int, format string, args ...interface{}) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, format, args...)
}

// writeRateLimited sends 429 with a Retry-After header expressed in
// whole seconds, rounding up so the client never retries early.
func writeRateLimited(w http.ResponseWriter, retryAfterSeconds float64) {
	secs := int(retryAfterSeconds)
	if float64(secs) < retryAfterSeconds {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeError(w, http.StatusTooManyRequests, "Rate limit exceeded, retry after %ds", secs)
}
