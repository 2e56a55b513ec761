// Package config is the on-disk configuration for villaged.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config is the on-disk configuration for villaged.
//
// NOTE: This file contains secrets (provider API keys). Always keep it
// chmod 0600.
type Config struct {
	// ListenAddr is the HTTP bind address. Default: 127.0.0.1:8765.
	ListenAddr string `json:"listen_addr,omitempty"`

	// DBPath is the SQLite database path. Default: <config dir>/village.sqlite.
	DBPath string `json:"db_path,omitempty"`

	// ZonesPath optionally overrides the built-in tool-to-zone table with a
	// YAML file.
	ZonesPath string `json:"zones_path,omitempty"`

	// WorkspaceRoot is the filesystem root for the fs_* tools.
	// If empty, the user home dir is used.
	WorkspaceRoot string `json:"workspace_root,omitempty"`

	// DefaultAgent is the agent attributed to events when callers omit one.
	DefaultAgent string `json:"default_agent,omitempty"`

	// EventQueueSize bounds the hub's operation queue.
	EventQueueSize int `json:"event_queue_size,omitempty"`

	// SendTimeoutMs bounds each per-observer send.
	SendTimeoutMs int `json:"send_timeout_ms,omitempty"`

	// Providers configures the hosted model providers for /api/chat.
	Providers []Provider `json:"providers,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

type Provider struct {
	// Kind is "anthropic", "openai" or "openai_compatible".
	Kind    string   `json:"kind"`
	APIKey  string   `json:"api_key"`
	BaseURL string   `json:"base_url,omitempty"`
	Models  []string `json:"models"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.EventQueueSize < 0 {
		return errors.New("event_queue_size must not be negative")
	}
	if c.SendTimeoutMs < 0 {
		return errors.New("send_timeout_ms must not be negative")
	}
	for i := range c.Providers {
		p := &c.Providers[i]
		switch strings.ToLower(strings.TrimSpace(p.Kind)) {
		case "anthropic", "openai", "openai_compatible":
		default:
			return fmt.Errorf("provider %d: unsupported kind %q", i, p.Kind)
		}
		if strings.TrimSpace(p.APIKey) == "" {
			return fmt.Errorf("provider %d: missing api_key", i)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %d: missing models", i)
		}
	}
	return nil
}

// ListenAddrOrDefault returns the configured bind address or the default.
func (c *Config) ListenAddrOrDefault() string {
	if c != nil {
		if addr := strings.TrimSpace(c.ListenAddr); addr != "" {
			return addr
		}
	}
	return "127.0.0.1:8765"
}

// DBPathOrDefault returns the configured database path or one next to the
// config file.
func (c *Config) DBPathOrDefault(configPath string) string {
	if c != nil {
		if p := strings.TrimSpace(c.DBPath); p != "" {
			return filepath.Clean(p)
		}
	}
	dir := filepath.Dir(filepath.Clean(strings.TrimSpace(configPath)))
	return filepath.Join(dir, "village.sqlite")
}

// SendTimeoutOrDefault returns the per-observer send timeout.
func (c *Config) SendTimeoutOrDefault() time.Duration {
	if c != nil && c.SendTimeoutMs > 0 {
		return time.Duration(c.SendTimeoutMs) * time.Millisecond
	}
	return 5 * time.Second
}

// DefaultConfigPath returns the default config path:
//
//	~/.villaged/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "villaged.config.json"
	}
	return filepath.Join(home, ".villaged", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config with owner-only permissions.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return errors.New("missing config path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(p, append(b, '\n'), 0o600)
}
