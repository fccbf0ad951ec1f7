package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetConfigValue(t *testing.T) {
	tests := []struct {
		key     string
		value   string
		check   func(*Config) string
		wantErr string
	}{
		{key: "default.base_url", value: "https://hr.example.com/api", check: func(c *Config) string { return c.Default.BaseURL }},
		{key: "default.ws_url", value: "wss://hr.example.com/ws", check: func(c *Config) string { return c.Default.WSURL }},
		{key: "default.company_code", value: "ACME", check: func(c *Config) string { return c.Default.CompanyCode }},
		{key: "auth.token", value: "tok", check: func(c *Config) string { return c.Auth.Token }},
		{key: "auth.user_id", value: "u1", check: func(c *Config) string { return c.Auth.UserID }},
		{key: "token", value: "x", wantErr: "dot notation"},
		{key: "default.nope", value: "x", wantErr: "unknown field"},
		{key: "auth.nope", value: "x", wantErr: "unknown field"},
		{key: "other.token", value: "x", wantErr: "unknown config section"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			cfg := &Config{}
			err := setConfigValue(cfg, tt.key, tt.value)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("setConfigValue: %v", err)
			}
			if got := tt.check(cfg); got != tt.value {
				t.Errorf("got %q, want %q", got, tt.value)
			}
		})
	}
}

func TestConfigRoundTrip(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATSYNC_HOME", dir)

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig on missing file: %v", err)
	}
	if cfg.Auth.Token != "" {
		t.Fatalf("expected zero config, got %+v", cfg)
	}

	cfg.Auth.Token = "tok-1"
	cfg.Auth.UserID = "u1"
	cfg.Default.BaseURL = "https://hr.example.com/api"
	if err := saveConfig(cfg); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	loaded, err := loadConfig()
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if *loaded != *cfg {
		t.Errorf("loaded = %+v, want %+v", loaded, cfg)
	}
}

func TestLoadSettingsEnvOverlay(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CHATSYNC_HOME", dir)
	if err := saveConfig(&Config{Auth: ConfigAuth{Token: "file-token", UserID: "u1"}}); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	t.Setenv("CHATSYNC_TOKEN", "env-token")
	t.Setenv("CHATSYNC_COMPANY_CODE", "ACME")

	cfg, err := loadSettings()
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if cfg.Auth.Token != "env-token" || cfg.Auth.UserID != "u1" || cfg.Default.CompanyCode != "ACME" {
		t.Errorf("settings = %+v", cfg)
	}

	// The overlay never reaches the file.
	stored, _ := loadConfig()
	if stored.Auth.Token != "file-token" {
		t.Errorf("stored token = %q", stored.Auth.Token)
	}
}

func TestConfigSetCommand(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())

	clearSettingsEnv(t)

	out, err := runCLI(t, "config", "set", "auth.user_id", "u42")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.Contains(out, "Set auth.user_id = u42") {
		t.Errorf("output = %q", out)
	}
	cfg, _ := loadConfig()
	if cfg.Auth.UserID != "u42" {
		t.Errorf("user id = %q", cfg.Auth.UserID)
	}
}

// runCLI executes the root command against a clean CHATSYNC_* environment.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func clearSettingsEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k.env, "")
	}
}

func TestConfigShowCommand(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	clearSettingsEnv(t)
	if err := saveConfig(&Config{
		Default: ConfigDefault{BaseURL: "https://hr.example.com/api"},
		Auth:    ConfigAuth{Token: "eyJhbGciOiJIUzI1NiJ9.payload", UserID: "u1"},
	}); err != nil {
		t.Fatalf("saveConfig: %v", err)
	}
	t.Setenv("CHATSYNC_COMPANY_CODE", "ACME")

	out, err := runCLI(t, "config", "show")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	for _, want := range []string{
		"wss://hr.example.com/api/ws",
		"(derived)",
		"ACME",
		"(env CHATSYNC_COMPANY_CODE)",
		"eyJhbG...load",
		"u1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "eyJhbGciOiJIUzI1NiJ9.payload") {
		t.Error("token printed in clear")
	}
}

func TestConfigSetValidatesAndMasks(t *testing.T) {
	t.Setenv("CHATSYNC_HOME", t.TempDir())
	clearSettingsEnv(t)

	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr string
	}{
		{name: "websocket scheme for base url", args: []string{"default.base_url", "wss://hr.example.com"}, wantErr: "must use http or https"},
		{name: "relative ws url", args: []string{"default.ws_url", "/ws"}, wantErr: "absolute URL"},
		{name: "valid ws url", args: []string{"default.ws_url", "wss://hr.example.com/ws"}, want: "Set default.ws_url = wss://hr.example.com/ws"},
		{name: "token masked", args: []string{"auth.token", "eyJhbGciOiJIUzI1NiJ9.payload"}, want: "Set auth.token = eyJhbG...load"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCLI(t, append([]string{"config", "set"}, tt.args...)...)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("err = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("output = %q, want %q", out, tt.want)
			}
		})
	}

	cfg, _ := loadConfig()
	if cfg.Default.BaseURL != "" || cfg.Default.WSURL != "wss://hr.example.com/ws" {
		t.Errorf("stored = %+v", cfg.Default)
	}

	if _, err := runCLI(t, "config", "unset", "auth.token"); err != nil {
		t.Fatalf("unset: %v", err)
	}
	cfg, _ = loadConfig()
	if cfg.Auth.Token != "" {
		t.Errorf("token after unset = %q", cfg.Auth.Token)
	}
}

func TestDeriveWSURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"https://hr.example.com/api/", "wss://hr.example.com/api/ws", false},
		{"http://localhost:8080", "ws://localhost:8080/ws", false},
		{"ftp://example.com", "", true},
	}
	for _, tt := range tests {
		got, err := deriveWSURL(tt.base)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v", tt.base, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestMaskKey(t *testing.T) {
	if got := maskKey("short"); got != "*****" {
		t.Errorf("maskKey(short) = %q", got)
	}
	if got := maskKey("eyJhbGciOiJIUzI1NiJ9.payload"); got != "eyJhbG...load" {
		t.Errorf("maskKey = %q", got)
	}
}
