package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	assert.Equal(t, 2, cfg.Kernel.Cores)
	assert.Equal(t, uint32(10), cfg.Kernel.QuantumTicks)
	assert.Equal(t, 1024, cfg.Kernel.RegistryCapacity)
	assert.Equal(t, 64, cfg.Kernel.TableCapacity)
	assert.Equal(t, uint64(16<<20), cfg.Kernel.BootUntypedBytes)
	assert.True(t, cfg.Kernel.AutoBoot)

	assert.Equal(t, "./bootfs", cfg.Bootfs.Dir)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	assert.Equal(t, 100, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 200, cfg.RateLimit.Burst)
	assert.True(t, cfg.RateLimit.Enabled)

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30, cfg.Breaker.CooldownSeconds)
	assert.True(t, cfg.Breaker.Enabled)
}

func TestLoadOrDefault(t *testing.T) {
	cfg := LoadOrDefault()

	assert.NotNil(t, cfg)
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":                "9000",
		"HOST":                "127.0.0.1",
		"KERNEL_CORES":        "4",
		"KERNEL_QUANTUM":      "25",
		"KERNEL_REGISTRY_CAP": "4096",
		"BOOTFS_DIR":          "/srv/bootfs",
		"LOG_LEVEL":           "debug",
		"LOG_DEV":             "true",
		"RATE_LIMIT_RPS":      "500",
	}
	for key, value := range envVars {
		t.Setenv(key, value)
	}

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 4, cfg.Kernel.Cores)
	assert.Equal(t, uint32(25), cfg.Kernel.QuantumTicks)
	assert.Equal(t, 4096, cfg.Kernel.RegistryCapacity)
	assert.Equal(t, "/srv/bootfs", cfg.Bootfs.Dir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, 500, cfg.RateLimit.RequestsPerSecond)
}

func TestLoadWithTOMLOverlay(t *testing.T) {
	const overlay = `
[server]
port = "7070"

[kernel]
cores = 8
quantum_ticks = 50

[bootfs]
dir = "/var/lib/meridian/bootfs"
`
	path := filepath.Join(t.TempDir(), "kerneld.toml")
	require.NoError(t, os.WriteFile(path, []byte(overlay), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	// File values win over environment defaults.
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, 8, cfg.Kernel.Cores)
	assert.Equal(t, uint32(50), cfg.Kernel.QuantumTicks)
	assert.Equal(t, "/var/lib/meridian/bootfs", cfg.Bootfs.Dir)

	// Untouched sections keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 64, cfg.Kernel.TableCapacity)
}

func TestLoadMissingOverlayFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}
