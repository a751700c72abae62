// Package config centralizes runtime configuration for loupe. Values come
// from a YAML config file, LOUPE_* environment variables, and CLI flags, in
// increasing order of precedence, all mediated by viper.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface is the read-only contract the rest of the application uses to
// access configuration. Components take this instead of *Config so tests can
// substitute fakes.
type Interface interface {
	Logger() LoggerConfig
	Engine() EngineConfig
	Insights() InsightsConfig
	Server() ServerConfig
	LLM() LLMConfig
}

// Config is the concrete top-level configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	InsightsCfg InsightsConfig `mapstructure:"insights" yaml:"insights"`
	ServerCfg   ServerConfig   `mapstructure:"server" yaml:"server"`
	LLMCfg      LLMConfig      `mapstructure:"llm" yaml:"llm"`
}

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Insights() InsightsConfig { return c.InsightsCfg }
func (c *Config) Server() ServerConfig     { return c.ServerCfg }
func (c *Config) LLM() LLMConfig           { return c.LLMCfg }

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	// LogFile enables an additional JSON file core rotated by lumberjack.
	LogFile    string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// EngineConfig tunes the insight execution engine.
type EngineConfig struct {
	// WorkerConcurrency bounds how many jobs run at once; excess submissions
	// queue FIFO.
	WorkerConcurrency int64 `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	// BusBuffer is the event bus queue depth. Producers block when it fills.
	BusBuffer int `mapstructure:"bus_buffer" yaml:"bus_buffer"`
	// ChunkThresholdBytes is the file size at which chunk-mode insights stop
	// falling back to line reading.
	ChunkThresholdBytes int64 `mapstructure:"chunk_threshold_bytes" yaml:"chunk_threshold_bytes"`
	// ChunkSizeBytes is the Unit size in chunk mode.
	ChunkSizeBytes int64 `mapstructure:"chunk_size_bytes" yaml:"chunk_size_bytes"`
	// ProgressEventsPerSec throttles FileProgress emission per job. Every
	// file still yields at least one FileProgress regardless of the rate.
	ProgressEventsPerSec float64 `mapstructure:"progress_events_per_sec" yaml:"progress_events_per_sec"`
	// MaxMatchesRetained caps the matched lines kept in memory per job; the
	// match counter keeps counting past the cap.
	MaxMatchesRetained int `mapstructure:"max_matches_retained" yaml:"max_matches_retained"`
}

// InsightsConfig locates the insight spec files.
type InsightsConfig struct {
	// Dir holds *.yaml insight specs. Empty means builtin insights only.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// ServerConfig configures the HTTP/SSE transport.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LLMConfig configures the optional llm_digest post-processor. The engine
// itself never touches these values.
type LLMConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Model   string `mapstructure:"model" yaml:"model"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	// Timeout bounds one completion call.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// SetDefaults registers every default on the given viper instance. Called
// before ReadInConfig so file and env values override them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "loupe")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("engine.worker_concurrency", 4)
	v.SetDefault("engine.bus_buffer", 256)
	v.SetDefault("engine.chunk_threshold_bytes", 8*1024*1024)
	v.SetDefault("engine.chunk_size_bytes", 1024*1024)
	v.SetDefault("engine.progress_events_per_sec", 10)
	v.SetDefault("engine.max_matches_retained", 10000)

	v.SetDefault("insights.dir", "")

	v.SetDefault("server.addr", "127.0.0.1:8472")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("llm.enabled", false)
	v.SetDefault("llm.model", "gemini-2.0-flash")
	v.SetDefault("llm.timeout", 60*time.Second)
}

// Load unmarshals the global viper state into a validated Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes nonsensical values to their defaults rather than
// failing startup for a local tool.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		c.EngineCfg.WorkerConcurrency = 4
	}
	if c.EngineCfg.BusBuffer <= 0 {
		c.EngineCfg.BusBuffer = 256
	}
	if c.EngineCfg.ChunkSizeBytes <= 0 {
		c.EngineCfg.ChunkSizeBytes = 1024 * 1024
	}
	if c.EngineCfg.ChunkThresholdBytes <= 0 {
		c.EngineCfg.ChunkThresholdBytes = 8 * 1024 * 1024
	}
	if c.EngineCfg.ProgressEventsPerSec <= 0 {
		c.EngineCfg.ProgressEventsPerSec = 10
	}
	if c.EngineCfg.MaxMatchesRetained <= 0 {
		c.EngineCfg.MaxMatchesRetained = 10000
	}
	if c.LLMCfg.Enabled && c.LLMCfg.APIKey == "" {
		return fmt.Errorf("llm.enabled is set but llm.api_key is empty (LOUPE_LLM_API_KEY)")
	}
	return nil
}

// Default returns a Config carrying only defaults, used by tests and by
// components constructed without a config file.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	// Unmarshal from a fresh viper instance cannot fail on defaults alone.
	_ = v.Unmarshal(cfg)
	_ = cfg.Validate()
	return cfg
}
