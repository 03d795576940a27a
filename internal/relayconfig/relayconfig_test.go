/*
Copyright 2026 Mydia Contributors

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

package relayconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
listen: "0.0.0.0:4443"
master_pepper_hex: "aa"
token_signing_key_hex: "bb"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "memory", cfg.Backend.Driver)
	require.Equal(t, 30*time.Second, cfg.ForwardCeiling)
	require.Greater(t, cfg.ClaimTTLMaximum, time.Duration(0))
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `listen: "0.0.0.0:4443"`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, `
listen: "0.0.0.0:4443"
master_pepper_hex: "aa"
token_signing_key_hex: "bb"
backend:
  driver: "mongodb"
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
