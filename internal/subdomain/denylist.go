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

package subdomain

import (
	"os"

	"gopkg.in/yaml.v3"

	"github.com/pkg/errors"
)

// denyListFile is the shape of an optional operator-supplied deny-list
// file. Ships empty by default — operators
// who want a profanity list populate this file and point
// DENY_LIST_FILE at it.
type denyListFile struct {
	Denied []string `yaml:"denied"`
}

// LoadDenyList reads additional denied labels from a YAML file. A
// missing path is not an error: it simply yields an empty list so
// callers can pass the result straight to New.
func LoadDenyList(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading deny-list file %s", path)
	}
	var f denyListFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrapf(err, "parsing deny-list file %s", path)
	}
	return f.Denied, nil
}
