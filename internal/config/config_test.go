package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visp-platform/session-broker/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("VISP_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 2*time.Hour, cfg.Session.IdleTimeout)
	assert.Equal(t, 3*time.Minute, cfg.Session.ProvisionTimeout)
	assert.Equal(t, int64(4), cfg.Session.MaxConcurrentProvisions)
	assert.Equal(t, time.Minute, cfg.Reconcile.Interval)
	assert.True(t, cfg.Reconcile.ProbeAdopted)
	assert.Equal(t, 100, cfg.RateLimit.PerHour)
	assert.Empty(t, cfg.Registry.SnapshotPath)
}

func TestImageAndPortPerKind(t *testing.T) {
	t.Setenv("VISP_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	img, err := cfg.Image(models.KindRStudio)
	require.NoError(t, err)
	assert.Equal(t, "visp-rstudio-session:latest", img)

	port, err := cfg.ServicePort(models.KindJupyter)
	require.NoError(t, err)
	assert.Equal(t, 8888, port)

	_, err = cfg.Image("chrome")
	assert.Error(t, err)
	_, err = cfg.ServicePort("chrome")
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9090"
session:
  idle_timeout: 30m
workspace:
  remote_base: "https://git.visp.example/workspaces"
images:
  rstudio: "visp-rstudio-session:v2"
`), 0644))
	t.Setenv("VISP_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	assert.Equal(t, "https://git.visp.example/workspaces", cfg.Workspace.RemoteBase)

	img, err := cfg.Image(models.KindRStudio)
	require.NoError(t, err)
	assert.Equal(t, "visp-rstudio-session:v2", img)
}

func TestMalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unclosed"), 0644))
	t.Setenv("VISP_CONFIG", path)

	_, err := Load()
	assert.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("VISP_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("VISP_LISTEN_ADDR", ":7070")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
}
