package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/unkn0wn-root/netcache"
)

const envPrefix = "NETCACHE"

// config holds every knob cachectl understands. Precedence is flags, then
// NETCACHE_* environment variables, then the config file, then defaults.
type config struct {
	Dir              string        `mapstructure:"dir"`
	CapacityKB       int64         `mapstructure:"capacity_kb"`
	MaxEntrySizeKB   int64         `mapstructure:"max_entry_size_kb"`
	CompressionLevel int           `mapstructure:"compression_level"`
	SmartSize        bool          `mapstructure:"smart_size"`
	MaxSmartSizeKB   int64         `mapstructure:"max_smart_size_kb"`
	Policy           string        `mapstructure:"policy"`
	RedisAddr        string        `mapstructure:"redis_addr"`
	Namespace        string        `mapstructure:"namespace"`
	LogLevel         string        `mapstructure:"log_level"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

func (c *config) validate() error {
	if c.Dir == "" {
		return errors.New("cache directory is required (--dir or NETCACHE_DIR)")
	}
	if c.CompressionLevel < 0 || c.CompressionLevel > 9 {
		return fmt.Errorf("compression level %d out of range 0..9", c.CompressionLevel)
	}
	if _, ok := netcache.ParseStoragePolicy(c.Policy); !ok {
		return fmt.Errorf("unknown storage policy %q", c.Policy)
	}
	return nil
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("cachectl", pflag.ContinueOnError)
	fs.String("config", "", "config file (yaml, toml or json)")
	fs.String("dir", "", "disk cache directory")
	fs.Int64("capacity-kb", 0, "disk capacity in KB (0 = default)")
	fs.Int64("max-entry-size-kb", 0, "per-entry cap in KB (0 = default)")
	fs.Int("compression-level", 0, "zstd level for disk data, 0 = off")
	fs.Bool("smart-size", false, "derive disk capacity from free space")
	fs.Int64("max-smart-size-kb", netcache.DefaultMaxSmartSizeKB, "upper bound for smart size")
	fs.String("policy", "anywhere", "storage policy for evict: anywhere, memory, disk, disk_as_file, offline")
	fs.String("redis-addr", "", "redis address of the offline store; empty disables it")
	fs.String("namespace", "", "redis key namespace of the offline store")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.Duration("timeout", 30*time.Second, "overall operation timeout")
	return fs
}

// loadConfig parses args and merges them with the environment and the
// optional config file. It returns the remaining positional arguments.
func loadConfig(v *viper.Viper, args []string) (*config, []string, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	// flag names use dashes, struct keys use underscores
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, nil, bindErr
	}

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, fs.Args(), nil
}
