package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/rendis/procflow/internal/model"
)

// Config holds all procflow configuration.
// Priority: flags > env vars > settings.yaml > defaults.
type Config struct {
	Store                 string        `mapstructure:"store"`
	DBPath                string        `mapstructure:"db_path"`
	ModelsDir             string        `mapstructure:"models_dir"`
	ModelsGlob            string        `mapstructure:"models_glob"`
	ListenAddr            string        `mapstructure:"listen_addr"`
	LogLevel              string        `mapstructure:"log_level"`
	FetchSize             int           `mapstructure:"fetch_size"`
	PoolSize              int           `mapstructure:"pool_size"`
	IdleInterval          time.Duration `mapstructure:"idle_interval"`
	SystemName            string        `mapstructure:"system_name"`
	RedisAddr             string        `mapstructure:"redis_addr"`
	RollbackOnError       bool          `mapstructure:"rollback_on_error"`
	RetainCompletedTokens bool          `mapstructure:"retain_completed_tokens"`
}

// configKeys lists every settings key. Env vars are PROCFLOW_<KEY> and flags
// are the key with dashes.
var configKeys = []string{
	"store", "db_path", "models_dir", "models_glob", "listen_addr", "log_level",
	"fetch_size", "pool_size", "idle_interval", "system_name", "redis_addr",
	"rollback_on_error", "retain_completed_tokens",
}

const (
	storeMemory = "memory"
	storeLibSQL = "libsql"
)

func defaultConfig() Config {
	return Config{
		Store:        storeLibSQL,
		DBPath:       filepath.Join(procflowDir(), "procflow.db"),
		ModelsDir:    "models",
		ModelsGlob:   model.DefaultPattern,
		ListenAddr:   ":4200",
		LogLevel:     "info",
		FetchSize:    10,
		IdleInterval: time.Second,
	}
}

func procflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".procflow"
	}
	return filepath.Join(home, ".procflow")
}

func settingsPath() string {
	return filepath.Join(procflowDir(), "settings.yaml")
}

// loadConfig layers defaults, the settings file, PROCFLOW_* env vars and
// the flags the user set. A missing settings file is skipped.
func loadConfig(path string, flags *pflag.FlagSet) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings file.
	if data, err := os.ReadFile(path); err == nil {
		var raw map[string]any
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := decodeConfig(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("decode %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// Layer 3: env vars.
	env := make(map[string]any)
	for _, key := range configKeys {
		if v, ok := os.LookupEnv("PROCFLOW_" + strings.ToUpper(key)); ok && v != "" {
			env[key] = v
		}
	}
	if err := decodeConfig(env, &cfg); err != nil {
		return cfg, fmt.Errorf("decode environment: %w", err)
	}

	// Layer 4: flags.
	if flags != nil {
		set := make(map[string]any)
		for _, key := range configKeys {
			if f := flags.Lookup(strings.ReplaceAll(key, "_", "-")); f != nil && f.Changed {
				set[key] = f.Value.String()
			}
		}
		if err := decodeConfig(set, &cfg); err != nil {
			return cfg, fmt.Errorf("decode flags: %w", err)
		}
	}

	if cfg.Store != storeMemory && cfg.Store != storeLibSQL {
		return cfg, fmt.Errorf("unknown store %q (want %s or %s)", cfg.Store, storeMemory, storeLibSQL)
	}
	return cfg, nil
}

// decodeConfig overlays raw onto cfg. Strings convert to numbers, booleans
// and durations.
func decodeConfig(raw map[string]any, cfg *Config) error {
	if len(raw) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
