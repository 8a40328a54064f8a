package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/pgas_v1/internal/config"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.BackendLocal, cfg.Backend)
	assert.Equal(t, 1, cfg.WorldSize)
	assert.Equal(t, config.DefaultWorkers, cfg.Workers)
	assert.Equal(t, config.DefaultPoolSize, cfg.PoolSize)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgas.yaml")
	body := `
backend: shmem
workers: 8
world_size: 4
my_pe: 2
job_id: job-42
pool_size: 1048576
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.BackendShmem, cfg.Backend)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 4, cfg.WorldSize)
	assert.Equal(t, 2, cfg.MyPE)
	assert.Equal(t, "job-42", cfg.JobID)
	assert.Equal(t, 1<<20, cfg.PoolSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgas.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 8\nworld_size: 4\nmy_pe: 1\n"), 0o644))

	t.Setenv("PGAS_WORKERS", "2")
	t.Setenv("PGAS_MY_PE", "3")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 3, cfg.MyPE)
	assert.Equal(t, 4, cfg.WorldSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown backend", func(c *config.Config) { c.Backend = "tcp" }},
		{"zero workers", func(c *config.Config) { c.Workers = 0 }},
		{"zero world", func(c *config.Config) { c.WorldSize = 0 }},
		{"pe out of range", func(c *config.Config) { c.MyPE = 5 }},
		{"negative pe", func(c *config.Config) { c.MyPE = -1 }},
		{"empty job id", func(c *config.Config) { c.JobID = "" }},
		{"tiny pool", func(c *config.Config) { c.PoolSize = 1024 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.WorldSize = 4
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_FabricNeedsPeers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgas.yaml")
	body := `
backend: fabric
world_size: 2
my_pe: 0
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	_, err := config.Load(path)
	assert.Error(t, err)
}
