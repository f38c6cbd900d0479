// Package config loads the YAML deployment configuration. Durations are
// plain integers (seconds or milliseconds, named in the field) so files stay
// obvious; defaults favor a single-binary deployment with no Redis and no
// Postgres.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Nodes    []string `yaml:"nodes"`
	CustomID string   `yaml:"custom_id"`
	Accounts []string `yaml:"accounts"`

	Sync     SyncConfig     `yaml:"sync"`
	RPC      RPCConfig      `yaml:"rpc"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
	HTTP     HTTPConfig     `yaml:"http"`
	Stream   StreamConfig   `yaml:"stream"`
	Log      LogConfig      `yaml:"log"`
}

type SyncConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	Fanout          int `yaml:"fanout"`
	PageSize        int `yaml:"page_size"`
	// PaymentWindowHours bounds memo-less payment correlation around a
	// request's creation time.
	PaymentWindowHours int `yaml:"payment_window_hours"`
}

type RPCConfig struct {
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialDelayMS int     `yaml:"initial_delay_ms"`
	MaxDelayMS     int     `yaml:"max_delay_ms"`
	RPS            float64 `yaml:"rps"`
	Burst          int     `yaml:"burst"`
	HedgeFanout    int     `yaml:"hedge_fanout"`
	HedgeTimeoutMS int     `yaml:"hedge_timeout_ms"`
}

type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

type StreamConfig struct {
	URL string `yaml:"url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Nodes:    []string{"https://api.ledger.example.org"},
		CustomID: "groupledger",
		Sync: SyncConfig{
			IntervalSeconds:    30,
			Fanout:             4,
			PageSize:           100,
			PaymentWindowHours: 72,
		},
		RPC: RPCConfig{
			MaxAttempts:    3,
			InitialDelayMS: 1000,
			MaxDelayMS:     10000,
			RPS:            10,
			Burst:          20,
			HedgeFanout:    3,
			HedgeTimeoutMS: 2000,
		},
		Redis: RedisConfig{DB: 0},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Log:   LogConfig{Level: "info"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the invariants the pipeline depends on.
func (c Config) Validate() error {
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one node is required")
	}
	if c.CustomID == "" {
		return fmt.Errorf("custom_id must not be empty")
	}
	if c.RPC.MaxAttempts < 1 {
		return fmt.Errorf("rpc.max_attempts must be >= 1")
	}
	if c.Sync.IntervalSeconds < 1 {
		return fmt.Errorf("sync.interval_seconds must be >= 1")
	}
	return nil
}

// Convenience duration accessors.

func (c SyncConfig) Interval() time.Duration { return time.Duration(c.IntervalSeconds) * time.Second }
func (c SyncConfig) PaymentWindow() time.Duration {
	return time.Duration(c.PaymentWindowHours) * time.Hour
}
func (c RPCConfig) InitialDelay() time.Duration {
	return time.Duration(c.InitialDelayMS) * time.Millisecond
}
func (c RPCConfig) MaxDelay() time.Duration { return time.Duration(c.MaxDelayMS) * time.Millisecond }
func (c RPCConfig) HedgeTimeout() time.Duration {
	return time.Duration(c.HedgeTimeoutMS) * time.Millisecond
}
func (c RedisConfig) TTL() time.Duration { return time.Duration(c.TTLSeconds) * time.Second }
func (c PostgresConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}
