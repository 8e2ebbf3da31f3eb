package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/fabian4/devgate/internal/config"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd(&app{})
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// unsetTarget removes the target variable for the test; an empty value
// would still override the env files.
func unsetTarget(t *testing.T) {
	t.Helper()
	t.Setenv(config.TargetEnvKey, "")
	require.NoError(t, os.Unsetenv(config.TargetEnvKey))
}

func TestResolve_DevelopmentEnvFile(t *testing.T) {
	unsetTarget(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.development"),
		[]byte("VITE_SERVER_URL=http://localhost:8080\n"), 0o644))

	out, _, err := run(t, "resolve", "--dir", dir)
	require.NoError(t, err)

	var got struct {
		Mode    string   `yaml:"mode"`
		Plugins []string `yaml:"plugins"`
		Server  struct {
			Proxy map[string]struct {
				Target       string `yaml:"target"`
				ChangeOrigin bool   `yaml:"change_origin"`
			} `yaml:"proxy"`
		} `yaml:"server"`
	}
	require.NoError(t, yaml.Unmarshal([]byte(out), &got), out)
	assert.Equal(t, "development", got.Mode)
	assert.Equal(t, []string{"vue"}, got.Plugins)
	assert.Equal(t, "http://localhost:8080", got.Server.Proxy["/ai-api"].Target)
	assert.True(t, got.Server.Proxy["/ai-api"].ChangeOrigin)
}

func TestResolve_ProcessEnvJSON(t *testing.T) {
	t.Setenv(config.TargetEnvKey, "https://api.example.com")

	out, _, err := run(t, "resolve", "-m", "production", "--dir", t.TempDir(), "-o", "json")
	require.NoError(t, err)

	var got config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "production", got.Mode)
	assert.Equal(t, "https://api.example.com", got.Server.Proxy["/ai-api"].Target)
}

func TestResolve_MissingTarget(t *testing.T) {
	unsetTarget(t)
	dir := t.TempDir()

	_, errOut, err := run(t, "resolve", "--dir", dir)
	require.NoError(t, err)
	assert.Contains(t, errOut, "warning")

	_, _, err = run(t, "resolve", "--dir", dir, "--strict")
	require.ErrorIs(t, err, config.ErrMissingTarget)
}

func TestResolve_Errors(t *testing.T) {
	unsetTarget(t)
	_, _, err := run(t, "resolve", "--dir", t.TempDir(), "-m", "local")
	require.Error(t, err)

	_, _, err = run(t, "resolve", "--dir", t.TempDir(), "-o", "toml")
	require.Error(t, err)
}

func TestServe_StrictFailsFast(t *testing.T) {
	unsetTarget(t)
	_, _, err := run(t, "serve", "--dir", t.TempDir(), "--listen", "127.0.0.1:0", "--strict")
	require.ErrorIs(t, err, config.ErrMissingTarget)
}

func TestServe_ProxiesAndShutsDown(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "host="+r.Host)
	}))
	defer up.Close()
	t.Setenv(config.TargetEnvKey, up.URL)

	addrCh := make(chan net.Addr, 1)
	a := &app{ready: func(addr net.Addr) { addrCh <- addr }}
	cmd := newRootCmd(a)
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--dir", t.TempDir(), "--listen", "127.0.0.1:0", "-m", "production"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- cmd.ExecuteContext(ctx) }()

	var addr net.Addr
	select {
	case addr = <-addrCh:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/ai-api/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "host="+up.Listener.Addr().String(), string(body))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down")
	}
	assert.Contains(t, out.String(), `"path":"/ai-api/ping"`)
	assert.Contains(t, errOut.String(), "devgate listening")
}

func TestFlagsFromEnv(t *testing.T) {
	t.Setenv(config.TargetEnvKey, "https://api.example.com")
	t.Setenv("DEVGATE_MODE", "staging")
	t.Setenv("DEVGATE_DIR", t.TempDir())

	out, _, err := run(t, "resolve", "-o", "json")
	require.NoError(t, err)
	var got config.Config
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "staging", got.Mode)

	// the command line wins over the environment
	out, _, err = run(t, "resolve", "-o", "json", "-m", "production")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "production", got.Mode)
}
