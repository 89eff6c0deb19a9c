package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix         = "CLOUDCHAT"
	envConfigPath     = "CLOUDCHAT_CONFIG"
	defaultConfigName = "cloudchat.yaml"
)

// Load builds configuration and returns the file path it looked at.
// Precedence: defaults < config file < .env < environment. A missing config
// file is not an error.
func Load(logger *zerolog.Logger, explicitPath string) (Config, string, error) {
	// .env never overrides variables already set in the environment.
	_ = godotenv.Load()

	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configPath := ResolvePath(explicitPath)
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return cfg, configPath, fmt.Errorf("read config: %w", err)
		}
		if logger != nil {
			logger.Debug().Str("path", configPath).Msg("no config file, using defaults and environment")
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, configPath, nil
}

// setDefaults registers every key so AutomaticEnv can override nested
// settings that appear in no file.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("log_level", cfg.LogLevel)

	v.SetDefault("store.driver", cfg.Store.Driver)
	v.SetDefault("store.redis_addr", cfg.Store.RedisAddr)
	v.SetDefault("store.redis_password", cfg.Store.RedisPassword)
	v.SetDefault("store.redis_db", cfg.Store.RedisDB)
	v.SetDefault("store.nats_url", cfg.Store.NATSURL)
	v.SetDefault("store.prefix", cfg.Store.Prefix)

	v.SetDefault("identity.uid", cfg.Identity.UID)
	v.SetDefault("identity.display_name", cfg.Identity.DisplayName)
	v.SetDefault("identity.email", cfg.Identity.Email)
	v.SetDefault("identity.photo_url", cfg.Identity.PhotoURL)
	v.SetDefault("identity.token", cfg.Identity.Token)
	v.SetDefault("identity.token_secret", cfg.Identity.TokenSecret)
	v.SetDefault("identity.token_issuer", cfg.Identity.TokenIssuer)
	v.SetDefault("identity.token_ttl", cfg.Identity.TokenTTL)

	v.SetDefault("sync.limit", cfg.Sync.Limit)

	v.SetDefault("notify.enabled", cfg.Notify.Enabled)
	v.SetDefault("notify.toast", cfg.Notify.Toast)
	v.SetDefault("notify.sound", cfg.Notify.Sound)
	v.SetDefault("notify.desktop", cfg.Notify.Desktop)

	v.SetDefault("presence.interval", cfg.Presence.Interval)
	v.SetDefault("presence.skew", cfg.Presence.Skew)

	v.SetDefault("bridge.enabled", cfg.Bridge.Enabled)
	v.SetDefault("bridge.addr", cfg.Bridge.Addr)

	v.SetDefault("media.endpoint", cfg.Media.Endpoint)
	v.SetDefault("media.api_key", cfg.Media.APIKey)

	v.SetDefault("audit.postgres_dsn", cfg.Audit.PostgresDSN)
}

// ResolvePath picks the config file: the explicit path, then
// $CLOUDCHAT_CONFIG, then cloudchat.yaml in the working directory.
func ResolvePath(explicitPath string) string {
	if explicitPath != "" {
		return explicitPath
	}
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	cwd, err := os.Getwd()
	if err != nil {
		return defaultConfigName
	}
	return filepath.Join(cwd, defaultConfigName)
}

// WriteDefault writes the default configuration to path.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
