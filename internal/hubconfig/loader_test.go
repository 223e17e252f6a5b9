package hubconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/musterhub/hub/internal/hub"
	"github.com/musterhub/hub/internal/hubtest"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "backends.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadParsesBackendsAndSubstitutesCredentials(t *testing.T) {
	path := writeConfig(t, `
backends:
  github:
    transport: stdio
    command: github-mcp-server
    args: ["--token", "${GITHUB_TOKEN}"]
    env:
      API_KEY: "${GITHUB_TOKEN}"
  web:
    transport: httpSse
    url: "https://example.com/mcp"
`)

	resolver := hubtest.MapCredentials{Values: map[string]string{"GITHUB_TOKEN": "secret-value"}}
	backends, err := Load(path, resolver)
	require.NoError(t, err)
	require.Len(t, backends, 2)

	assert.Equal(t, "github", backends[0].Name)
	assert.Equal(t, hub.TransportStdio, backends[0].Transport)
	assert.Equal(t, []string{"--token", "secret-value"}, backends[0].Args)
	assert.Equal(t, "secret-value", backends[0].Env["API_KEY"])

	assert.Equal(t, "web", backends[1].Name)
	assert.Equal(t, hub.TransportHTTPSSE, backends[1].Transport)
}

func TestLoadFailsOnUnknownCredentialReference(t *testing.T) {
	path := writeConfig(t, `
backends:
  github:
    transport: stdio
    command: github-mcp-server
    args: ["--token", "${MISSING}"]
`)
	resolver := hubtest.MapCredentials{Values: map[string]string{}}
	_, err := Load(path, resolver)
	assert.Error(t, err)
}

func TestLoadValidatesTransportRequirements(t *testing.T) {
	path := writeConfig(t, `
backends:
  broken:
    transport: stdio
`)
	_, err := Load(path, hubtest.MapCredentials{Values: map[string]string{}})
	assert.Error(t, err)
}

func TestLoadRejectsUnknownTransport(t *testing.T) {
	path := writeConfig(t, `
backends:
  broken:
    transport: carrier-pigeon
    url: "https://example.com"
`)
	_, err := Load(path, hubtest.MapCredentials{Values: map[string]string{}})
	assert.Error(t, err)
}
