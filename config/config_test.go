package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"TWITCH_CHANNEL", "TWITCH_BOT_USERNAME", "TWITCH_CLIENT_ID",
		"TWITCH_CLIENT_SECRET", "TWITCH_REDIRECT_URI", "TWITCH_SCOPES",
		"CHAT_RECONNECT_DELAY", "CHAT_MAX_RECONNECT_ATTEMPTS",
		"TOKEN_EXPIRY_MARGIN", "DB_DSN", "HTTP_ADDR",
	} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TwitchScopes != "chat:read chat:edit" {
		t.Errorf("TwitchScopes = %q, want default chat scopes", cfg.TwitchScopes)
	}
	if cfg.ReconnectDelay != 5*time.Second {
		t.Errorf("ReconnectDelay = %v, want 5s", cfg.ReconnectDelay)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.MaxReconnectAttempts)
	}
	if cfg.ExpiryMargin != 5*time.Minute {
		t.Errorf("ExpiryMargin = %v, want 5m", cfg.ExpiryMargin)
	}
	if !strings.HasPrefix(cfg.DBDsn, "postgres://") {
		t.Errorf("DBDsn = %q, want postgres default", cfg.DBDsn)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHAT_RECONNECT_DELAY", "10s")
	t.Setenv("CHAT_MAX_RECONNECT_ATTEMPTS", "3")
	t.Setenv("TOKEN_EXPIRY_MARGIN", "2m")
	t.Setenv("TWITCH_SCOPES", "chat:read")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ReconnectDelay != 10*time.Second {
		t.Errorf("ReconnectDelay = %v, want 10s", cfg.ReconnectDelay)
	}
	if cfg.MaxReconnectAttempts != 3 {
		t.Errorf("MaxReconnectAttempts = %d, want 3", cfg.MaxReconnectAttempts)
	}
	if cfg.ExpiryMargin != 2*time.Minute {
		t.Errorf("ExpiryMargin = %v, want 2m", cfg.ExpiryMargin)
	}
	if cfg.TwitchScopes != "chat:read" {
		t.Errorf("TwitchScopes = %q, want chat:read", cfg.TwitchScopes)
	}
}

func TestLoadInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"bad reconnect delay", "CHAT_RECONNECT_DELAY", "soon"},
		{"zero reconnect delay", "CHAT_RECONNECT_DELAY", "0s"},
		{"bad max attempts", "CHAT_MAX_RECONNECT_ATTEMPTS", "many"},
		{"zero max attempts", "CHAT_MAX_RECONNECT_ATTEMPTS", "0"},
		{"bad expiry margin", "TOKEN_EXPIRY_MARGIN", "5 minutes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%q expected error", tt.key, tt.val)
			}
		})
	}
}

func TestValidateOAuthReady(t *testing.T) {
	cfg := &Config{TwitchClientID: "id", TwitchClientSecret: "secret", TwitchRedirectURI: "http://localhost/callback"}
	if err := cfg.ValidateOAuthReady(); err != nil {
		t.Errorf("ValidateOAuthReady() = %v, want nil", err)
	}
	cfg.TwitchClientSecret = ""
	if err := cfg.ValidateOAuthReady(); err == nil {
		t.Error("ValidateOAuthReady() expected error with missing secret")
	}
}

func TestValidateChatReady(t *testing.T) {
	cfg := &Config{TwitchChannel: "somechannel", TwitchBotUsername: "somebot"}
	if err := cfg.ValidateChatReady(); err != nil {
		t.Errorf("ValidateChatReady() = %v, want nil", err)
	}
	cfg.TwitchChannel = ""
	if err := cfg.ValidateChatReady(); err == nil {
		t.Error("ValidateChatReady() expected error with missing channel")
	}
}
