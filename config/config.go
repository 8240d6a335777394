// Package config loads the settings shared by cmd/mkpifs and
// cmd/pifsctl: cache capacity, swap file path, and the PIFS device
// image path. Grounded on the tuannm99-novasql example's viper-based
// config loader; defaults mirror the teacher's constants
// (FS_CACHE_SIZE = 64, swap filename "swap.dsk").
package config

import (
	"strings"

	"github.com/spf13/viper"

	"pifsos/errs"
)

const (
	/// DefaultCacheCapacity mirrors the teacher's FS_CACHE_SIZE.
	DefaultCacheCapacity = 64
	/// DefaultSwapFile is the teacher's conventional swap image name.
	DefaultSwapFile = "swap.dsk"
	/// DefaultSwapCacheCapacity is the swap area's own block cache size.
	DefaultSwapCacheCapacity = 32
)

/// Config_t holds the resolved settings for one run of a cmd tool.
type Config_t struct {
	/// DevicePath is the PIFS volume image file.
	DevicePath string
	/// SwapPath is the swap area's backing image file.
	SwapPath string
	/// CacheCapacity is the PIFS block cache size, in sectors.
	CacheCapacity int
	/// SwapCacheCapacity is the swap area's internal block cache size.
	SwapCacheCapacity int
}

/// Load reads settings from configPath (if non-empty), environment
/// variables prefixed PIFSOS_, and built-in defaults, in viper's usual
/// precedence order (explicit Set > flag > env > config file > default).
func Load(configPath string) (*Config_t, error) {
	v := viper.New()
	v.SetDefault("device_path", "pifs.img")
	v.SetDefault("swap_path", DefaultSwapFile)
	v.SetDefault("cache_capacity", DefaultCacheCapacity)
	v.SetDefault("swap_cache_capacity", DefaultSwapCacheCapacity)

	v.SetEnvPrefix("pifsos")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errs.Wrap(err, "read config file %q", configPath)
		}
	}

	return &Config_t{
		DevicePath:        v.GetString("device_path"),
		SwapPath:          v.GetString("swap_path"),
		CacheCapacity:     v.GetInt("cache_capacity"),
		SwapCacheCapacity: v.GetInt("swap_cache_capacity"),
	}, nil
}
