// Package config loads ferry settings. Environment variables override the
// optional YAML file, which overrides the built-in defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/TFMV/ferry/bridge"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvPrefix prefixes environment overrides: bridge.import_mode is read from
// FERRY_BRIDGE_IMPORT_MODE.
const EnvPrefix = "FERRY"

type Config struct {
	Bridge struct {
		ImportMode      string `mapstructure:"import_mode"`
		StrictAlignment bool   `mapstructure:"strict_alignment"`
		TrackTransfers  bool   `mapstructure:"track_transfers"`
	} `mapstructure:"bridge"`

	Engine struct {
		Workers int `mapstructure:"workers"`
	} `mapstructure:"engine"`

	UDF struct {
		Breaker struct {
			Enabled     bool          `mapstructure:"enabled"`
			MaxFailures uint32        `mapstructure:"max_failures"`
			OpenTimeout time.Duration `mapstructure:"open_timeout"`
		} `mapstructure:"breaker"`
	} `mapstructure:"udf"`

	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bridge.import_mode", "adopt")
	v.SetDefault("bridge.strict_alignment", false)
	v.SetDefault("bridge.track_transfers", true)
	v.SetDefault("engine.workers", 0)
	v.SetDefault("udf.breaker.enabled", false)
	v.SetDefault("udf.breaker.max_failures", 5)
	v.SetDefault("udf.breaker.open_timeout", "30s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

// Default returns the built-in settings with environment overrides applied.
func Default() *Config {
	cfg, err := Load("")
	if err != nil {
		// only reachable through a malformed environment override
		panic(err)
	}
	return cfg
}

// Load reads the YAML file at path, if path is not empty, on top of the
// defaults and under environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that the consumers would otherwise reject late.
func (c *Config) Validate() error {
	if _, err := c.ImportMode(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Engine.Workers < 0 {
		return fmt.Errorf("config: engine.workers must not be negative, got %d", c.Engine.Workers)
	}
	if c.UDF.Breaker.Enabled && c.UDF.Breaker.MaxFailures == 0 {
		return fmt.Errorf("config: udf.breaker.max_failures must be positive when the breaker is enabled")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("config: log.level: %w", err)
	}
	return nil
}

// ImportMode parses bridge.import_mode. Decoding never borrows, so only adopt
// and copy are accepted.
func (c *Config) ImportMode() (bridge.Mode, error) {
	mode, err := bridge.ParseMode(c.Bridge.ImportMode)
	if err != nil {
		return 0, err
	}
	if mode == bridge.Borrow {
		return 0, fmt.Errorf("bridge.import_mode %q is not allowed for decoding", c.Bridge.ImportMode)
	}
	return mode, nil
}

// Logger builds the process logger from the log section.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
