package env

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEnv(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoad_Priority(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, ".env", "VITE_A=base\nVITE_B=base\nVITE_C=base\nVITE_D=base\n")
	writeEnv(t, dir, ".env.local", "VITE_B=local\nVITE_C=local\nVITE_D=local\n")
	writeEnv(t, dir, ".env.development", "VITE_C=mode\nVITE_D=mode\n")
	writeEnv(t, dir, ".env.development.local", "VITE_D=mode-local\n")

	got, err := Load("development", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"VITE_A": "base",
		"VITE_B": "local",
		"VITE_C": "mode",
		"VITE_D": "mode-local",
	}, got)
}

func TestLoad_OtherModeFilesIgnored(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, ".env.production", "VITE_SERVER_URL=https://api.example.com\n")

	got, err := Load("development", dir, nil)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = Load("production", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", got["VITE_SERVER_URL"])
}

func TestLoad_ProcessEnvWins(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, ".env", "VITE_SERVER_URL=http://from-file:1\n")

	got, err := Load("development", dir, Environ{
		"VITE_SERVER_URL": "http://from-process:2",
		"HOME":            "/root",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"VITE_SERVER_URL": "http://from-process:2"}, got)
}

func TestLoad_PrefixFilter(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, ".env", "SECRET=x\nVITE_OK=1\nAPP_OK=2\n")

	got, err := Load("test", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"VITE_OK": "1"}, got)

	got, err = Load("test", dir, nil, "VITE_", "APP_")
	require.NoError(t, err)
	assert.Equal(t, []string{"APP_OK", "VITE_OK"}, Keys(got))

	_, err = Load("test", dir, nil, "")
	require.Error(t, err)
}

func TestLoad_Expansion(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, ".env", "VITE_HOST=localhost\nVITE_SERVER_URL=http://${VITE_HOST}:8080\n")

	got, err := Load("development", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", got["VITE_SERVER_URL"])
}

func TestLoad_ExpansionAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, ".env", "VITE_HOST=backend.internal\n")
	writeEnv(t, dir, ".env.development", "VITE_SERVER_URL=http://${VITE_HOST}:8080")

	got, err := Load("development", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://backend.internal:8080", got["VITE_SERVER_URL"])

	// a later file redefining the variable changes what follows it
	writeEnv(t, dir, ".env.local", "VITE_HOST=localhost\n")
	got, err = Load("development", dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080", got["VITE_SERVER_URL"])
}

func TestLoad_ExpansionFromProcessEnv(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, ".env.development", "VITE_SERVER_URL=http://${API_HOST}:${API_PORT}\n")

	got, err := Load("development", dir, Environ{
		"API_HOST": "api.example.com",
		"API_PORT": "8443",
		"QUOTED":   "it's skipped",
		"lower":    "x",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"VITE_SERVER_URL": "http://api.example.com:8443"}, got)
}

func TestLoad_ProcessValueStillWinsAfterExpansion(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, ".env", "VITE_HOST=file-host\nVITE_SERVER_URL=http://${VITE_HOST}\n")

	got, err := Load("development", dir, Environ{"VITE_SERVER_URL": "http://proc", "VITE_HOST": "proc-host"})
	require.NoError(t, err)
	assert.Equal(t, "http://proc", got["VITE_SERVER_URL"])
	assert.Equal(t, "proc-host", got["VITE_HOST"])
}

func TestLoad_ParseErrorNamesFile(t *testing.T) {
	dir := t.TempDir()
	writeEnv(t, dir, ".env.development", "VITE_X=\"unterminated\n")

	_, err := Load("development", dir, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ".env.development")
}

func TestLoad_Modes(t *testing.T) {
	_, err := Load("local", t.TempDir(), nil)
	require.ErrorIs(t, err, ErrLocalMode)

	_, err = Load("  ", t.TempDir(), nil)
	require.Error(t, err)

	got, err := Load("staging", filepath.Join(t.TempDir(), "missing"), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFromPairs(t *testing.T) {
	e := FromPairs([]string{"A=1", "B=x=y", "broken", "=nokey", "A=2"})
	assert.Equal(t, Environ{"A": "2", "B": "x=y"}, e)
}
