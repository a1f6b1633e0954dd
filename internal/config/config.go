package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "COVENANT"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "covenant.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "covenant-auth"
	defaultGeminiModel       = "gemini-1.5-flash"
	defaultTypingIdleTimeout = 2 * time.Second
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabasePath         string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	RedisAddress         string
	RedisPassword        string
	ModerationEnabled    bool
	GeminiAPIKey         string
	GeminiModel          string
	TypingIdleTimeout    time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("moderation.enabled", false)
	configViper.SetDefault("moderation.gemini_model", defaultGeminiModel)
	configViper.SetDefault("typing.idle_timeout", defaultTypingIdleTimeout)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabasePath:         configViper.GetString("database.path"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		RedisAddress:         configViper.GetString("redis.address"),
		RedisPassword:        configViper.GetString("redis.password"),
		ModerationEnabled:    configViper.GetBool("moderation.enabled"),
		GeminiAPIKey:         configViper.GetString("moderation.gemini_api_key"),
		GeminiModel:          configViper.GetString("moderation.gemini_model"),
		TypingIdleTimeout:    configViper.GetDuration("typing.idle_timeout"),
	}

	if cfg.TypingIdleTimeout <= 0 {
		cfg.TypingIdleTimeout = defaultTypingIdleTimeout
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if strings.TrimSpace(c.SessionIssuer) == "" {
		return fmt.Errorf("session.issuer is required")
	}
	if c.ModerationEnabled && strings.TrimSpace(c.GeminiAPIKey) == "" {
		return fmt.Errorf("moderation.gemini_api_key is required when moderation is enabled")
	}
	return nil
}
