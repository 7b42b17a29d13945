// Package config defines all configuration for the exchange daemon.
// Config is loaded from a YAML file (optional) with every field overridable
// via SIMPERP_* environment variables; a .env file is honored if present.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Store  StoreConfig  `mapstructure:"store"`
	Oracle OracleConfig `mapstructure:"oracle"`
	Faucet FaucetConfig `mapstructure:"faucet"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig holds the HTTP/WebSocket listen settings.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StoreConfig sets where engine state is persisted.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// OracleConfig points the price poller at a feed. Symbols maps market
// symbols to feed instrument ids.
type OracleConfig struct {
	BaseURL  string            `mapstructure:"base_url"`
	APIKey   string            `mapstructure:"api_key"`
	Interval time.Duration     `mapstructure:"interval"`
	Symbols  map[string]string `mapstructure:"symbols"`
}

// FaucetConfig controls the free-balance grant.
type FaucetConfig struct {
	Amount   string        `mapstructure:"amount"`
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// AuthConfig holds the JWT signing material.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads config from an optional YAML file with env overrides.
// Sensitive fields use env vars: SIMPERP_AUTH_JWT_SECRET,
// SIMPERP_ORACLE_API_KEY.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // best effort; absent .env is fine

	v := viper.New()
	v.SetEnvPrefix("SIMPERP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("store.path", "simperp.db")
	v.SetDefault("oracle.interval", 15*time.Second)
	v.SetDefault("faucet.amount", "10000")
	v.SetDefault("faucet.cooldown", 24*time.Hour)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("log.level", "info")

	// Env-only secrets still need registered keys for Unmarshal to see them.
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.base_url", "")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535]")
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (set SIMPERP_AUTH_JWT_SECRET)")
	}
	if c.Faucet.Cooldown <= 0 {
		return fmt.Errorf("faucet.cooldown must be > 0")
	}
	return nil
}
