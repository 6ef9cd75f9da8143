package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("BASE_URL", "https://upstream.example.com")
	t.Setenv("API_KEY", "sekrit")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://upstream.example.com", cfg.BaseURL)
	assert.Equal(t, "sekrit", cfg.APIKey)
	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 30*time.Second, cfg.CallTimeout)
	assert.Equal(t, 10*time.Second, cfg.HandshakeTimeout)
}

func TestLoadMissingBaseURL(t *testing.T) {
	t.Setenv("BASE_URL", "")
	os.Unsetenv("BASE_URL")
	t.Setenv("API_KEY", "sekrit")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BASE_URL")
}

func TestLoadMissingAPIKey(t *testing.T) {
	t.Setenv("API_KEY", "")
	os.Unsetenv("API_KEY")
	t.Setenv("BASE_URL", "https://upstream.example.com")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API_KEY")
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9001")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CALL_TIMEOUT", "5s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	setRequired(t)
	t.Setenv("LOG_LEVEL", "verbose")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LOG_LEVEL")
}

func TestAPIKeyRemovedFromProcessEnv(t *testing.T) {
	setRequired(t)

	_, err := Load()
	require.NoError(t, err)
	_, present := os.LookupEnv("API_KEY")
	assert.False(t, present, "API_KEY should be unset after loading")
}

func TestLoadServerSpec(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	manifest := `
command: toolserver
args:
  - --stdio
  - --verbose
env:
  EXTRA_FLAG: "1"
`
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0644))

	spec, err := LoadServerSpec(path)
	require.NoError(t, err)
	assert.Equal(t, "toolserver", spec.Command)
	assert.Equal(t, []string{"--stdio", "--verbose"}, spec.Args)
	assert.Equal(t, "1", spec.Env["EXTRA_FLAG"])
}

func TestLoadServerSpecMissingCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte("args: [--stdio]"), 0644))

	_, err := LoadServerSpec(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no command")
}

func TestLoadServerSpecMissingFile(t *testing.T) {
	_, err := LoadServerSpec(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestEnviron(t *testing.T) {
	cfg := Config{BaseURL: "https://upstream.example.com", APIKey: "sekrit"}
	spec := ServerSpec{Command: "toolserver", Env: map[string]string{"EXTRA": "x"}}

	environ := spec.Environ(cfg)
	assert.Contains(t, environ, "BASE_URL=https://upstream.example.com")
	assert.Contains(t, environ, "API_KEY=sekrit")
	assert.Contains(t, environ, "EXTRA=x")
}
