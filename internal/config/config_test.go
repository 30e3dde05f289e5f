package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("session.id", "device-1")
	configViper.Set("session.user_id", "@alice:example.org")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults: %#v", cfg)
	}
	if cfg.NotifyPollInterval != 30*time.Second || cfg.NotifyMaxAttempts != 5 {
		t.Fatalf("unexpected notify defaults: %#v", cfg)
	}
	if cfg.LogFormat != "json" || cfg.AuthIssuer != "roomsync" {
		t.Fatalf("unexpected log or auth defaults: %#v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("ROOMSYNC_AUTH_SIGNING_SECRET", "env-secret")
	t.Setenv("ROOMSYNC_SESSION_ID", "device-2")
	t.Setenv("ROOMSYNC_SESSION_USER_ID", "@bob:example.org")
	t.Setenv("ROOMSYNC_NOTIFY_POLL_INTERVAL", "2s")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.AuthSigningSecret != "env-secret" || cfg.SessionUserID != "@bob:example.org" {
		t.Fatalf("expected env values, got %#v", cfg)
	}
	if cfg.NotifyPollInterval != 2*time.Second {
		t.Fatalf("expected poll interval from env, got %s", cfg.NotifyPollInterval)
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(values map[string]any)
		message string
	}{
		{name: "missing-secret", mutate: func(values map[string]any) { delete(values, "auth.signing_secret") }, message: "auth.signing_secret"},
		{name: "missing-session", mutate: func(values map[string]any) { delete(values, "session.id") }, message: "session.id"},
		{name: "bad-user", mutate: func(values map[string]any) { values["session.user_id"] = "alice" }, message: "session.user_id"},
		{name: "bad-format", mutate: func(values map[string]any) { values["log.format"] = "xml" }, message: "log.format"},
		{name: "bad-attempts", mutate: func(values map[string]any) { values["notify.max_attempts"] = 0 }, message: "notify.max_attempts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			values := map[string]any{
				"auth.signing_secret": "secret",
				"session.id":          "device-1",
				"session.user_id":     "@alice:example.org",
			}
			tt.mutate(values)
			configViper := NewViper()
			for key, value := range values {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), tt.message) {
				t.Fatalf("expected error mentioning %s, got %v", tt.message, err)
			}
		})
	}
}
