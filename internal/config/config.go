// Package config loads the gateway's configuration from environment
// variables, using viper for env binding and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the gateway's environment-derived settings.
type Config struct {
	StoreURI    string
	StoreDBName string
	BusURL      string

	AdminAPIKey string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	AnthropicAPIKey  string
	AnthropicBaseURL string

	CacheTTLSeconds int
	CacheMaxEntries int

	UpstreamTimeoutSeconds int

	ListenAddr string
	LogLevel   string
	Env        string

	BreakerFailureThreshold int
	BreakerCooldownSeconds  int
}

func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.UpstreamTimeoutSeconds) * time.Second
}

func (c Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}

// Load reads configuration from the environment, optionally overlaid by a
// YAML file at configPath (empty means env-only).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	bindEnvVars(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	cfg := &Config{
		StoreURI:    v.GetString("store_uri"),
		StoreDBName: v.GetString("store_db_name"),
		BusURL:      v.GetString("bus_url"),

		AdminAPIKey: v.GetString("admin_api_key"),

		OpenAIAPIKey:     v.GetString("openai_api_key"),
		OpenAIBaseURL:    v.GetString("openai_base_url"),
		AnthropicAPIKey:  v.GetString("anthropic_api_key"),
		AnthropicBaseURL: v.GetString("anthropic_base_url"),

		CacheTTLSeconds: v.GetInt("cache_ttl_seconds"),
		CacheMaxEntries: v.GetInt("cache_max_entries"),

		UpstreamTimeoutSeconds: v.GetInt("upstream_timeout_seconds"),

		ListenAddr: v.GetString("listen_addr"),
		LogLevel:   v.GetString("log_level"),
		Env:        v.GetString("env"),

		BreakerFailureThreshold: v.GetInt("breaker_failure_threshold"),
		BreakerCooldownSeconds:  v.GetInt("breaker_cooldown_seconds"),
	}

	if cfg.StoreURI == "" {
		return nil, fmt.Errorf("config: store_uri is required")
	}
	if cfg.BusURL == "" {
		return nil, fmt.Errorf("config: bus_url is required")
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("openai_base_url", "https://api.openai.com/v1")
	v.SetDefault("anthropic_base_url", "https://api.anthropic.com")
	v.SetDefault("cache_ttl_seconds", 3600)
	v.SetDefault("cache_max_entries", 10000)
	v.SetDefault("upstream_timeout_seconds", 60)
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("env", "development")
	v.SetDefault("breaker_failure_threshold", 5)
	v.SetDefault("breaker_cooldown_seconds", 30)
}

func bindEnvVars(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{
		"store_uri", "store_db_name", "bus_url", "admin_api_key",
		"openai_api_key", "openai_base_url", "anthropic_api_key", "anthropic_base_url",
		"cache_ttl_seconds", "cache_max_entries", "upstream_timeout_seconds",
		"listen_addr", "log_level", "env",
		"breaker_failure_threshold", "breaker_cooldown_seconds",
	} {
		_ = v.BindEnv(key)
	}
}
