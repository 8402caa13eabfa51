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
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// StoreConfig selects and tunes the record store.
type StoreConfig struct {
	Backend       string        `mapstructure:"backend"`
	KeyPrefix     string        `mapstructure:"key_prefix"`
	IndexTTL      time.Duration `mapstructure:"index_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// RedisConfig holds connection settings shared by the store and the relay.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// ProgressConfig sets record lifetimes.
type ProgressConfig struct {
	ActiveTTL   time.Duration `mapstructure:"active_ttl"`
	TerminalTTL time.Duration `mapstructure:"terminal_ttl"`
}

// WebSocketConfig tunes per-connection buffering and keepalive.
type WebSocketConfig struct {
	SendBuffer int           `mapstructure:"send_buffer"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
}

// AuthConfig defines identity and producer authentication.
type AuthConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	APIKey    string        `mapstructure:"api_key"`
}

// RelayConfig controls cross-instance fan-out over Redis pub/sub.
type RelayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Channel string `mapstructure:"channel"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROGRESS")
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
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.key_prefix", "progress:")
	v.SetDefault("store.index_ttl", time.Hour)
	v.SetDefault("store.sweep_interval", time.Minute)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("progress.active_ttl", time.Hour)
	v.SetDefault("progress.terminal_ttl", 5*time.Minute)
	v.SetDefault("websocket.send_buffer", 64)
	v.SetDefault("websocket.write_wait", 10*time.Second)
	v.SetDefault("websocket.pong_wait", 60*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.channel", "progress:updates")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be > 0")
	}
	switch c.Store.Backend {
	case "redis", "memory":
	default:
		return fmt.Errorf("store.backend must be redis or memory, got %q", c.Store.Backend)
	}
	if c.Store.Backend == "memory" && c.Store.SweepInterval <= 0 {
		return fmt.Errorf("store.sweep_interval must be > 0 for the memory backend")
	}
	if (c.Store.Backend == "redis" || c.Relay.Enabled) && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when redis is used")
	}
	if c.Relay.Enabled && c.Store.Backend != "redis" {
		return fmt.Errorf("relay.enabled requires store.backend redis")
	}
	if c.Relay.Enabled && c.Relay.Channel == "" {
		return fmt.Errorf("relay.channel must be set when relay is enabled")
	}
	if c.Progress.ActiveTTL <= 0 {
		return fmt.Errorf("progress.active_ttl must be > 0")
	}
	if c.Progress.TerminalTTL <= 0 || c.Progress.TerminalTTL >= c.Progress.ActiveTTL {
		return fmt.Errorf("progress.terminal_ttl must be > 0 and < progress.active_ttl")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket.send_buffer must be > 0")
	}
	if c.Auth.Enabled && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes when auth is enabled")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
