// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Job     JobConfig     `mapstructure:"job"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	History HistoryConfig `mapstructure:"history"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// JobConfig governs orchestrator defaults and frontier persistence.
type JobConfig struct {
	DataDir          string `mapstructure:"data_dir"`
	WorkerDefault    int    `mapstructure:"worker_default"`
	MaxDepthDefault  int    `mapstructure:"max_depth_default"`
	DeleteOnComplete bool   `mapstructure:"delete_on_complete"`
	ClaimRetryMs     int    `mapstructure:"claim_retry_ms"`
}

// HTTPConfig configures the outbound check client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes"`
}

// HistoryConfig locates the session history database.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LINKSENTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("job.data_dir", "data/jobs")
	v.SetDefault("job.worker_default", 4)
	v.SetDefault("job.max_depth_default", -1)
	v.SetDefault("job.delete_on_complete", true)
	v.SetDefault("job.claim_retry_ms", 50)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "linksentry/1.0")
	v.SetDefault("http.max_body_bytes", 4<<20)
	v.SetDefault("history.path", "data/history.db")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Job.DataDir == "" {
		return fmt.Errorf("job.data_dir must be set")
	}
	if c.Job.WorkerDefault <= 0 {
		return fmt.Errorf("job.worker_default must be > 0")
	}
	if c.Job.MaxDepthDefault < -1 {
		return fmt.Errorf("job.max_depth_default must be >= -1")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.History.Path == "" {
		return fmt.Errorf("history.path must be set")
	}
	return nil
}

// ClaimRetryWait converts the claim retry setting into a duration.
func (c Config) ClaimRetryWait() time.Duration {
	return time.Duration(c.Job.ClaimRetryMs) * time.Millisecond
}

// HTTPTimeout converts the HTTP timeout setting into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
