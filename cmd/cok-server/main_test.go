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

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionSubcommandRunsCleanly(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
}

func TestVersionSubcommandIsRegistered(t *testing.T) {
	cmd := NewRootCmd()
	found := false
	for _, c := range cmd.Commands() {
		if c.Use == "version" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRootCommandDefaultsVerboseToFalse(t *testing.T) {
	cmd := NewRootCmd()
	flag := cmd.Flags().Lookup("verbose")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestRootCommandUseIsCokServer(t *testing.T) {
	cmd := NewRootCmd()
	assert.Equal(t, "cok-server", cmd.Use)
}
