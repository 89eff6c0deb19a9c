// Package config resolves the client configuration from defaults, a YAML
// file, a .env file and CLOUDCHAT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

// Config holds every setting of the client.
type Config struct {
	LogLevel string         `mapstructure:"log_level" yaml:"log_level"`
	Store    StoreConfig    `mapstructure:"store" yaml:"store"`
	Identity IdentityConfig `mapstructure:"identity" yaml:"identity"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Notify   NotifyConfig   `mapstructure:"notify" yaml:"notify"`
	Presence PresenceConfig `mapstructure:"presence" yaml:"presence"`
	Bridge   BridgeConfig   `mapstructure:"bridge" yaml:"bridge"`
	Media    MediaConfig    `mapstructure:"media" yaml:"media"`
	Audit    AuditConfig    `mapstructure:"audit" yaml:"audit"`
}

// StoreConfig selects and addresses the Live Collection backend.
type StoreConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	NATSURL       string `mapstructure:"nats_url" yaml:"nats_url"`
	Prefix        string `mapstructure:"prefix" yaml:"prefix"`
}

// IdentityConfig names the acting user, either directly or through a
// signed token.
type IdentityConfig struct {
	UID         string        `mapstructure:"uid" yaml:"uid"`
	DisplayName string        `mapstructure:"display_name" yaml:"display_name"`
	Email       string        `mapstructure:"email" yaml:"email"`
	PhotoURL    string        `mapstructure:"photo_url" yaml:"photo_url"`
	Token       string        `mapstructure:"token" yaml:"token"`
	TokenSecret string        `mapstructure:"token_secret" yaml:"token_secret"`
	TokenIssuer string        `mapstructure:"token_issuer" yaml:"token_issuer"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// SyncConfig tunes the focused room stream.
type SyncConfig struct {
	Limit int `mapstructure:"limit" yaml:"limit"` // backfill size, 0 for all
}

// NotifyConfig switches notification channels.
type NotifyConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Toast   bool `mapstructure:"toast" yaml:"toast"`
	Sound   bool `mapstructure:"sound" yaml:"sound"`
	Desktop bool `mapstructure:"desktop" yaml:"desktop"`
}

// PresenceConfig tunes the heartbeat.
type PresenceConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Skew     time.Duration `mapstructure:"skew" yaml:"skew"`
}

// BridgeConfig controls the desktop companion bridge.
type BridgeConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// MediaConfig addresses the image host.
type MediaConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey   string `mapstructure:"api_key" yaml:"api_key"`
}

// AuditConfig addresses the fan-out failure ledger. An empty DSN keeps the
// ledger in memory.
type AuditConfig struct {
	PostgresDSN string `mapstructure:"postgres_dsn" yaml:"postgres_dsn"`
}

// Default returns configuration with starter defaults.
func Default() Config {
	return Config{
		LogLevel: "info",
		Store: StoreConfig{
			Driver:    DriverRedis,
			RedisAddr: "localhost:6379",
			NATSURL:   "nats://localhost:4222",
			Prefix:    "lc:",
		},
		Identity: IdentityConfig{
			TokenIssuer: "cloudchat",
			TokenTTL:    24 * time.Hour,
		},
		Sync: SyncConfig{Limit: 200},
		Notify: NotifyConfig{
			Enabled: true,
			Toast:   true,
			Sound:   true,
			Desktop: true,
		},
		Presence: PresenceConfig{
			Interval: 30 * time.Second,
			Skew:     15 * time.Second,
		},
		Bridge: BridgeConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8787",
		},
		Media: MediaConfig{
			Endpoint: "https://api.imgbb.com/1/upload",
		},
	}
}

// Validate reports settings the client cannot start with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
		if c.Store.NATSURL == "" {
			errs = append(errs, errors.New("store.nats_url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, redis", c.Store.Driver))
	}
	if c.Identity.UID == "" && c.Identity.Token == "" {
		errs = append(errs, errors.New("identity.uid or identity.token is required"))
	}
	if c.Identity.Token != "" && c.Identity.TokenSecret == "" {
		errs = append(errs, errors.New("identity.token_secret is required with identity.token"))
	}
	if c.Presence.Interval <= 0 {
		errs = append(errs, errors.New("presence.interval must be positive"))
	}
	if c.Sync.Limit < 0 {
		errs = append(errs, errors.New("sync.limit must not be negative"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
