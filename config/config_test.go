package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	normalize(cfg)
	assert.Equal(t, "processpool", cfg.Distribution.Backend)
	assert.Greater(t, cfg.Distribution.NumCores, 0)
	assert.Equal(t, 80, cfg.Memory.SoftMemLimit)
	assert.Equal(t, 99, cfg.Memory.HardMemLimit)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "starmap.yaml")
	content := `
distribution:
  backend: threadpool
  num_cores: 3
  host_cores: "host1 4,host2 8"
memory:
  soft_mem_limit: 70
cluster:
  brokers: ["broker:9092"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "threadpool", cfg.Distribution.Backend)
	assert.Equal(t, 3, cfg.Distribution.NumCores)
	assert.Equal(t, 70, cfg.Memory.SoftMemLimit)
	assert.Equal(t, 99, cfg.Memory.HardMemLimit) // default kept
	assert.Equal(t, []string{"broker:9092"}, cfg.Cluster.Brokers)

	hosts := cfg.Hosts()
	require.Len(t, hosts, 2)
	assert.Equal(t, Host{Name: "host1", Cores: 4}, hosts[0])
	assert.Equal(t, Host{Name: "host2", Cores: 8}, hosts[1])
}

func TestEnvOverridesBackend(t *testing.T) {
	t.Setenv("DISTRIBUTE", "no")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "no", cfg.Distribution.Backend)
}

func TestEnvOverridesDataDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATA", dir)
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
}

func TestFingerprint(t *testing.T) {
	a := Default()
	b := Default()
	normalize(a)
	normalize(b)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	b.Memory.SoftMemLimit = 50
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
}

func TestTaskNo(t *testing.T) {
	if _, ok := TaskNo(); ok {
		t.Fatal("TASK_NO unexpectedly set")
	}
	t.Setenv("TASK_NO", "3")
	n, ok := TaskNo()
	require.True(t, ok)
	assert.Equal(t, 3, n)
}
