package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                 = "ROOMSYNC"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultDatabasePath       = "roomsync.db"
	defaultLogLevel           = "info"
	defaultLogFormat          = "json"
	defaultAuthIssuer         = "roomsync"
	defaultNotifyPollInterval = 30 * time.Second
	defaultNotifyMaxAttempts  = 5
)

// AppConfig captures runtime configuration for the replica service.
type AppConfig struct {
	HTTPAddress        string
	DatabasePath       string
	LogLevel           string
	LogFormat          string
	SessionID          string
	SessionUserID      string
	AuthSigningSecret  string
	AuthIssuer         string
	NotifyPollInterval time.Duration
	NotifyMaxAttempts  int
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("notify.poll_interval", defaultNotifyPollInterval)
	configViper.SetDefault("notify.max_attempts", defaultNotifyMaxAttempts)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		LogFormat:          configViper.GetString("log.format"),
		SessionID:          configViper.GetString("session.id"),
		SessionUserID:      configViper.GetString("session.user_id"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		NotifyPollInterval: configViper.GetDuration("notify.poll_interval"),
		NotifyMaxAttempts:  configViper.GetInt("notify.max_attempts"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadDatabase parses only the settings needed to open the store.
func LoadDatabase(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		LogFormat:    configViper.GetString("log.format"),
	}
	if strings.TrimSpace(cfg.DatabasePath) == "" {
		return AppConfig{}, fmt.Errorf("database.path is required")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionID) == "" {
		return fmt.Errorf("session.id is required")
	}
	if !strings.HasPrefix(strings.TrimSpace(c.SessionUserID), "@") {
		return fmt.Errorf("session.user_id must be a user id such as @alice:example.org")
	}
	if c.NotifyPollInterval <= 0 {
		return fmt.Errorf("notify.poll_interval must be positive")
	}
	if c.NotifyMaxAttempts <= 0 {
		return fmt.Errorf("notify.max_attempts must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	return nil
}
