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

// Package subdomain validates the single DNS label that selects a
// tunnel: RFC-1123 label shape, length bounds, and deny-lists for
// reserved operational names and operator-configured profanity.
package subdomain

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/annurdien/cok/internal/errs"
)

const (
	minLength = 3
	maxLength = 63
)

// labelPattern matches a single RFC-1123 DNS label: alphanumeric,
// interior hyphens allowed, no leading/trailing hyphen.
var labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// reserved holds operational labels that can never be claimed as a
// tunnel subdomain, regardless of operator configuration.
var reserved = map[string]struct{}{
	"www": {}, "api": {}, "admin": {}, "root": {}, "system": {},
	"internal": {}, "localhost": {}, "dashboard": {}, "health": {},
	"metrics": {}, "status": {}, "ftp": {}, "mail": {}, "smtp": {},
	"ns1": {}, "ns2": {}, "app": {}, "static": {}, "cdn": {},
}

// Validator normalizes and validates subdomain labels against the
// fixed shape rules plus a configurable profanity deny-list.
type Validator struct {
	denyList map[string]struct{}
}

// New returns a Validator seeded with an operator-supplied deny-list.
// The list is matched by exact (normalized) equality, never substring,
// to avoid false positives against legitimate labels that merely
// contain a denied word.
func New(denyList []string) *Validator {
	v := &Validator{denyList: make(map[string]struct{}, len(denyList))}
	for _, w := range denyList {
		v.denyList[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return v
}

// Validate normalizes input and checks it against every rule in
// order, so the first violation determines the reported reason.
func (v *Validator) Validate(input string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(input))

	if normalized == "" {
		return "", errs.Detailf(errs.ErrInvalidSubdomain, "empty subdomain")
	}
	if len(normalized) < minLength || len(normalized) > maxLength {
		return "", errs.Detailf(errs.ErrInvalidSubdomain, "length %d outside [%d,%d]", len(normalized), minLength, maxLength)
	}
	if strings.HasPrefix(normalized, "-") || strings.HasSuffix(normalized, "-") {
		return "", errs.Detailf(errs.ErrInvalidSubdomain, "leading or trailing hyphen: %q", normalized)
	}
	if strings.Contains(normalized, "--") {
		return "", errs.Detailf(errs.ErrInvalidSubdomain, "consecutive hyphens: %q", normalized)
	}
	if !labelPattern.MatchString(normalized) {
		return "", errs.Detailf(errs.ErrInvalidSubdomain, "does not match RFC-1123 label shape: %q", normalized)
	}
	if _, ok := reserved[normalized]; ok {
		return "", errs.Detailf(errs.ErrInvalidSubdomain, "reserved label: %q", normalized)
	}
	if _, ok := v.denyList[normalized]; ok {
		return "", errs.Detailf(errs.ErrInvalidSubdomain, "denied label: %q", normalized)
	}

	return normalized, nil
}

// MustBeValid is a test/bootstrap helper that panics on an invalid
// label; production code must always go through Validate.
func (v *Validator) MustBeValid(input string) string {
	s, err := v.Validate(input)
	if err != nil {
		panic(fmt.Sprintf("subdomain: %v", err))
	}
	return s
}
