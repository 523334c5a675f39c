package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the global ~/.convo/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Server         Server `toml:"server"`
	Auth           Auth   `toml:"auth"`
	Tuning         Tuning `toml:"tuning"`
}

// Server holds the backend endpoints.
type Server struct {
	BaseURL string `toml:"base_url"`
	WSURL   string `toml:"ws_url"`
}

// Auth holds stored credentials for non-interactive login. Optional; the
// daemon falls back to an existing server session cookie when empty.
type Auth struct {
	Email    string `toml:"email"`
	Password string `toml:"password"`
}

// Tuning overrides the connection and session defaults. Zero values mean
// "use the default".
type Tuning struct {
	ConnectTimeoutSec int `toml:"connect_timeout_sec"`
	BackoffBaseMS     int `toml:"backoff_base_ms"`
	BackoffCapSec     int `toml:"backoff_cap_sec"`
	MaxAttempts       int `toml:"max_attempts"`
	PageSize          int `toml:"page_size"`
	TypingTTLSec      int `toml:"typing_ttl_sec"`
}

// Default returns the reference configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Server: Server{
			BaseURL: "http://localhost:8080",
			WSURL:   "ws://localhost:8080/ws",
		},
	}
}

// ConnectTimeout returns the tuned handshake timeout, defaulting to 15s.
func (t Tuning) ConnectTimeout() time.Duration {
	if t.ConnectTimeoutSec > 0 {
		return time.Duration(t.ConnectTimeoutSec) * time.Second
	}
	return 15 * time.Second
}

// BackoffBase returns the tuned backoff base, defaulting to 1s.
func (t Tuning) BackoffBase() time.Duration {
	if t.BackoffBaseMS > 0 {
		return time.Duration(t.BackoffBaseMS) * time.Millisecond
	}
	return time.Second
}

// BackoffCap returns the tuned backoff cap, defaulting to 30s.
func (t Tuning) BackoffCap() time.Duration {
	if t.BackoffCapSec > 0 {
		return time.Duration(t.BackoffCapSec) * time.Second
	}
	return 30 * time.Second
}

// Attempts returns the tuned reconnect attempt cap, defaulting to 5.
func (t Tuning) Attempts() int {
	if t.MaxAttempts > 0 {
		return t.MaxAttempts
	}
	return 5
}

// HistoryPageSize returns the tuned page size, defaulting to 20.
func (t Tuning) HistoryPageSize() int {
	if t.PageSize > 0 {
		return t.PageSize
	}
	return 20
}

// TypingTTL returns the tuned typing expiry window, defaulting to 3s.
func (t Tuning) TypingTTL() time.Duration {
	if t.TypingTTLSec > 0 {
		return time.Duration(t.TypingTTLSec) * time.Second
	}
	return 3 * time.Second
}

// Load reads config from path. Returns an error when the file is missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes config to path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
