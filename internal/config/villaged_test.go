package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSaveRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	cfg := &Config{
		ListenAddr:   "127.0.0.1:9999",
		DefaultAgent: "AZOTH",
		Providers: []Provider{
			{Kind: "anthropic", APIKey: "sk-test", Models: []string{"claude-x"}},
		},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config perm = %o, want 600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ListenAddr != "127.0.0.1:9999" || got.DefaultAgent != "AZOTH" {
		t.Fatalf("Load = %+v", got)
	}
	if len(got.Providers) != 1 || got.Providers[0].Kind != "anthropic" {
		t.Fatalf("Providers = %+v", got.Providers)
	}
}

func TestValidateRejectsBadProvider(t *testing.T) {
	t.Parallel()

	cfg := &Config{Providers: []Provider{{Kind: "banana", APIKey: "k", Models: []string{"m"}}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate accepted unknown provider kind")
	}

	cfg = &Config{Providers: []Provider{{Kind: "openai", Models: []string{"m"}}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate accepted missing api key")
	}

	cfg = &Config{Providers: []Provider{{Kind: "openai", APIKey: "k"}}}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate accepted empty model list")
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	if got := cfg.ListenAddrOrDefault(); got != "127.0.0.1:8765" {
		t.Fatalf("ListenAddrOrDefault = %q", got)
	}
	if got := cfg.SendTimeoutOrDefault(); got != 5*time.Second {
		t.Fatalf("SendTimeoutOrDefault = %v", got)
	}
	if got := cfg.DBPathOrDefault("/etc/villaged/config.json"); got != filepath.Join("/etc/villaged", "village.sqlite") {
		t.Fatalf("DBPathOrDefault = %q", got)
	}

	cfg.SendTimeoutMs = 250
	if got := cfg.SendTimeoutOrDefault(); got != 250*time.Millisecond {
		t.Fatalf("SendTimeoutOrDefault = %v", got)
	}
}

func TestLoadRejectsInvalidJSON(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted invalid JSON")
	}
}
