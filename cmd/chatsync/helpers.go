package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/smarthr-app/chatsync"
)

// session is a validated runtime configuration.
type session struct {
	cfg *Config
}

// getSession loads settings and checks that the fields every networked
// command needs are present.
func getSession() (*session, error) {
	cfg, err := loadSettings()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	switch {
	case cfg.Auth.Token == "":
		return nil, fmt.Errorf("no token. Run 'chatsync init <token>' first")
	case cfg.Auth.UserID == "":
		return nil, fmt.Errorf("no user id. Run 'chatsync config set auth.user_id <id>'")
	case cfg.Default.BaseURL == "":
		return nil, fmt.Errorf("no base URL. Run 'chatsync config set default.base_url <url>'")
	}
	return &session{cfg: cfg}, nil
}

func (s *session) client() *chatsync.Client {
	var opts []chatsync.ClientOption
	if s.cfg.Default.CompanyCode != "" {
		opts = append(opts, chatsync.WithCompanyCode(s.cfg.Default.CompanyCode))
	}
	return chatsync.NewClient(s.cfg.Default.BaseURL, s.cfg.Auth.Token, opts...)
}

// wsURL returns the configured live channel URL, or one derived from the
// REST base URL.
func (s *session) wsURL() (string, error) {
	if s.cfg.Default.WSURL != "" {
		return s.cfg.Default.WSURL, nil
	}
	return deriveWSURL(s.cfg.Default.BaseURL)
}

func deriveWSURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("cannot derive WebSocket URL from %q", base)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

// maskKey shows the first 6 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 10 {
		return strings.Repeat("*", len(key))
	}
	return key[:6] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
