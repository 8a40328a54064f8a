// Package config loads process-level runtime configuration.
//
// Configuration is read exactly once at startup, before the transport is
// initialized. Changing any value after initialization is unsupported.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Backend names accepted by the "backend" key.
const (
	BackendLocal  = "local"
	BackendShmem  = "shmem"
	BackendFabric = "fabric"
)

const (
	// MaxConfigFileSize bounds the YAML file we are willing to parse.
	MaxConfigFileSize = 1 << 20

	// DefaultWorkers is the worker-thread count per PE when unset.
	DefaultWorkers = 4

	// DefaultPoolSize is the initial registered pool size per PE (16MB).
	DefaultPoolSize = 16 << 20
)

// FabricPeer maps a PE id to its dialable multiaddress.
type FabricPeer struct {
	PE   int    `yaml:"pe"`
	Addr string `yaml:"addr"`
}

// Config is the full process configuration.
type Config struct {
	// Backend selects the transport: local, shmem, or fabric.
	Backend string `yaml:"backend"`

	// Workers is the size of the worker pool serving inbound messages.
	Workers int `yaml:"workers"`

	// PoolSize is the initial registered memory pool size in bytes.
	PoolSize int `yaml:"pool_size"`

	// WorldSize is the number of PEs in the job.
	WorldSize int `yaml:"world_size"`

	// MyPE is this process's global PE id, in [0, WorldSize).
	MyPE int `yaml:"my_pe"`

	// JobID namespaces shared-memory segments for one launch. Processes of
	// the same job must agree on it.
	JobID string `yaml:"job_id"`

	// FabricPeers lists dialable addresses for every PE when the fabric
	// backend is selected. Ignored otherwise.
	FabricPeers []FabricPeer `yaml:"fabric_peers"`
}

// Default returns a single-PE local-backend configuration.
func Default() Config {
	return Config{
		Backend:   BackendLocal,
		Workers:   DefaultWorkers,
		PoolSize:  DefaultPoolSize,
		WorldSize: 1,
		MyPE:      0,
		JobID:     "pgas-local",
	}
}

// Load reads the YAML file at path (if non-empty), applies PGAS_* environment
// overrides on top, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return cfg, fmt.Errorf("config file: %w", err)
		}
		if info.Size() > MaxConfigFileSize {
			return cfg, fmt.Errorf("config file %s exceeds %d bytes", path, MaxConfigFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	// A job id is required to namespace shared segments; mint one for
	// single-process runs that never set it.
	if cfg.JobID == "" {
		cfg.JobID = "pgas-" + uuid.NewString()[:8]
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PGAS_BACKEND"); v != "" {
		cfg.Backend = v
	}
	if v, ok := envInt("PGAS_WORKERS"); ok {
		cfg.Workers = v
	}
	if v, ok := envInt("PGAS_POOL_SIZE"); ok {
		cfg.PoolSize = v
	}
	if v, ok := envInt("PGAS_WORLD_SIZE"); ok {
		cfg.WorldSize = v
	}
	if v, ok := envInt("PGAS_MY_PE"); ok {
		cfg.MyPE = v
	}
	if v := os.Getenv("PGAS_JOB_ID"); v != "" {
		cfg.JobID = v
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Validate checks cross-field consistency.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendLocal, BackendShmem, BackendFabric:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.PoolSize < 1<<16 {
		return fmt.Errorf("pool_size must be at least 64KB, got %d", c.PoolSize)
	}
	if c.WorldSize < 1 {
		return fmt.Errorf("world_size must be >= 1, got %d", c.WorldSize)
	}
	if c.MyPE < 0 || c.MyPE >= c.WorldSize {
		return fmt.Errorf("my_pe %d out of range [0,%d)", c.MyPE, c.WorldSize)
	}
	if c.JobID == "" {
		return fmt.Errorf("job_id must not be empty")
	}
	if c.Backend == BackendFabric && len(c.FabricPeers) != c.WorldSize {
		return fmt.Errorf("fabric backend needs %d fabric_peers entries, got %d",
			c.WorldSize, len(c.FabricPeers))
	}
	return nil
}
