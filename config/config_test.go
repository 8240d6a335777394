package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pifsos/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultCacheCapacity, cfg.CacheCapacity)
	assert.Equal(t, config.DefaultSwapFile, cfg.SwapPath)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pifsos.yaml")
	contents := "device_path: custom.img\ncache_capacity: 128\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom.img", cfg.DevicePath)
	assert.Equal(t, 128, cfg.CacheCapacity)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PIFSOS_DEVICE_PATH", "env.img")
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "env.img", cfg.DevicePath)
}
