// Package config loads and validates the deepaudit service configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all static configuration for the deepaudit service. Risk
// parameters additionally live in a hot-reloadable snapshot (see ParamStore);
// the values here are their boot-time defaults.
type Config struct {
	Redis struct {
		Addr      string        `mapstructure:"addr"`
		Password  string        `mapstructure:"password"`
		DB        int           `mapstructure:"db"`
		PoolSize  int           `mapstructure:"pool_size"`
		OpTimeout time.Duration `mapstructure:"op_timeout"`
	} `mapstructure:"redis"`

	SQLite struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"sqlite"`

	Risk struct {
		// DecayRate is points of risk removed per second of inactivity.
		DecayRate float64 `mapstructure:"decay_rate"`
		// ObservationThreshold arms the observation window.
		ObservationThreshold float64 `mapstructure:"observation_threshold"`
		// BlockThreshold denies execution.
		BlockThreshold float64 `mapstructure:"block_threshold"`
		// WindowTTL is the observation window lifetime in seconds.
		WindowTTL int `mapstructure:"window_ttl"`
	} `mapstructure:"risk"`

	ML struct {
		Enabled   bool   `mapstructure:"enabled"`
		ModelPath string `mapstructure:"model_path"`
	} `mapstructure:"ml"`

	Audit struct {
		Workers        int      `mapstructure:"workers"`
		QueueSize      int      `mapstructure:"queue_size"`
		ExcludedTables []string `mapstructure:"excluded_tables"`
		// FeatureCacheSize bounds the parsed-statement LRU cache.
		FeatureCacheSize int `mapstructure:"feature_cache_size"`
	} `mapstructure:"audit"`

	Refresher struct {
		Enabled  bool          `mapstructure:"enabled"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"refresher"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
}

func setDefaults() {
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.op_timeout", 500*time.Millisecond)

	viper.SetDefault("sqlite.path", "./data/deepaudit.db")

	viper.SetDefault("risk.decay_rate", 0.5)
	viper.SetDefault("risk.observation_threshold", 40)
	viper.SetDefault("risk.block_threshold", 100)
	viper.SetDefault("risk.window_ttl", 300)

	viper.SetDefault("ml.enabled", true)
	viper.SetDefault("ml.model_path", "./data/deepaudit_iso_forest.model")

	viper.SetDefault("audit.workers", 4)
	viper.SetDefault("audit.queue_size", 1024)
	viper.SetDefault("audit.excluded_tables", []string{})
	viper.SetDefault("audit.feature_cache_size", 4096)

	viper.SetDefault("refresher.enabled", true)
	viper.SetDefault("refresher.interval", 10*time.Minute)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9109)
}

func loadFromEnv() {
	viper.SetEnvPrefix("DEEPAUDIT")
	viper.AutomaticEnv()

	_ = viper.BindEnv("redis.addr", "DEEPAUDIT_REDIS_ADDR")
	_ = viper.BindEnv("redis.password", "DEEPAUDIT_REDIS_PASSWORD")
	_ = viper.BindEnv("sqlite.path", "DEEPAUDIT_SQLITE_PATH")
	_ = viper.BindEnv("ml.model_path", "DEEPAUDIT_MODEL_PATH")
}

// LoadConfig loads configuration from file and environment variables. A
// missing config file is not an error; defaults and env vars apply.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	setDefaults()
	loadFromEnv()

	// A missing config file is fine; defaults and env vars apply.
	_ = viper.ReadInConfig()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validateConfig(c *Config) error {
	if err := ValidateRiskParams(c.Risk.DecayRate, c.Risk.ObservationThreshold, c.Risk.BlockThreshold, c.Risk.WindowTTL); err != nil {
		return fmt.Errorf("risk config invalid: %w", err)
	}
	if c.Audit.Workers <= 0 {
		return fmt.Errorf("audit.workers must be positive, got %d", c.Audit.Workers)
	}
	if c.Audit.QueueSize <= 0 {
		return fmt.Errorf("audit.queue_size must be positive, got %d", c.Audit.QueueSize)
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set")
	}
	return nil
}

// ValidateRiskParams checks the risk parameter set shared by static config
// and hot-reload payloads.
func ValidateRiskParams(decayRate, observationThreshold, blockThreshold float64, windowTTL int) error {
	if decayRate < 0 {
		return fmt.Errorf("decay rate must be non-negative, got %g", decayRate)
	}
	if observationThreshold <= 0 {
		return fmt.Errorf("observation threshold must be positive, got %g", observationThreshold)
	}
	if blockThreshold < observationThreshold {
		return fmt.Errorf("block threshold %g must be >= observation threshold %g", blockThreshold, observationThreshold)
	}
	if windowTTL <= 0 {
		return fmt.Errorf("window ttl must be positive, got %d", windowTTL)
	}
	return nil
}
