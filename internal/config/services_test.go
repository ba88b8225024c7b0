package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeServicesFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kittengrid.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadTwoServices(t *testing.T) {
	path := writeServicesFile(t, `
services:
  - name: service-a
    port: 8080
  - name: service-b
    port: 8081
    env:
      APP_ENV: test
`)

	f, err := Load(path)
	require.NoError(t, err)
	require.Len(t, f.Services, 2)

	a := f.Services[0]
	assert.Equal(t, "service-a", a.Name)
	assert.Equal(t, "service-a", a.Command())
	assert.Empty(t, a.Args)
	assert.Nil(t, a.HealthCheck)

	b := f.Services[1]
	assert.Equal(t, map[string]string{"APP_ENV": "test"}, b.Env)
	assert.Nil(t, b.HealthCheck)
}

func TestLoadExplicitCmdAndArgs(t *testing.T) {
	path := writeServicesFile(t, `
services:
  - name: api-service
    cmd: ./bin/api
    args: ["--port", "9000"]
    port: 9000
`)

	f, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./bin/api", f.Services[0].Command())
	assert.Equal(t, []string{"--port", "9000"}, f.Services[0].Args)
}

func TestLoadHealthCheck(t *testing.T) {
	path := writeServicesFile(t, `
services:
  - name: api-service
    port: 9000
    health_check:
      interval: 30
      timeout: 5
      retries: 3
      path: /health
`)

	f, err := Load(path)
	require.NoError(t, err)
	hc := f.Services[0].HealthCheck
	require.NotNil(t, hc)
	assert.Equal(t, 30*time.Second, hc.IntervalDuration())
	assert.Equal(t, 5*time.Second, hc.TimeoutDuration())
	assert.Equal(t, 3, hc.Retries)
	assert.Equal(t, "/health", hc.Path)
}

func TestLoadDuplicateName(t *testing.T) {
	path := writeServicesFile(t, `
services:
  - name: web
    port: 8080
  - name: web
    port: 8081
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate service name")
}

func TestLoadDuplicatePort(t *testing.T) {
	path := writeServicesFile(t, `
services:
  - name: web
    port: 8080
  - name: api
    port: 8080
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port 8080")
}

func TestLoadMissingPort(t *testing.T) {
	path := writeServicesFile(t, `
services:
  - name: web
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadBadHealthCheckPath(t *testing.T) {
	path := writeServicesFile(t, `
services:
  - name: web
    port: 8080
    health_check:
      interval: 10
      timeout: 2
      retries: 3
      path: health
`)

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	require.Error(t, err)
}

func TestResolveServicesPathFlagWins(t *testing.T) {
	t.Setenv("KITTENGRID_CONFIG_PATH", "/env/kittengrid.yml")
	path, err := ResolveServicesPath("/flag/kittengrid.yml")
	require.NoError(t, err)
	assert.Equal(t, "/flag/kittengrid.yml", path)
}

func TestResolveServicesPathEnv(t *testing.T) {
	t.Setenv("KITTENGRID_CONFIG_PATH", "/env/kittengrid.yml")
	path, err := ResolveServicesPath("")
	require.NoError(t, err)
	assert.Equal(t, "/env/kittengrid.yml", path)
}

func TestFromEnvDefaults(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, 3000, cfg.BindPort)
	assert.Equal(t, 5, cfg.MaxCrashRestarts)
	assert.Equal(t, time.Second, cfg.RestartBaseDelay)
	assert.Equal(t, 30*time.Second, cfg.RestartMaxDelay)
	assert.Equal(t, 30*time.Minute, cfg.IdleTimeout)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("KITTENGRID_BIND_PORT", "4100")
	t.Setenv("KITTENGRID_IDLE_TIMEOUT", "5m")
	cfg := FromEnv()
	assert.Equal(t, 4100, cfg.BindPort)
	assert.Equal(t, 5*time.Minute, cfg.IdleTimeout)
}
