package ssh

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func keyConfig(t *testing.T) *Config {
	t.Helper()
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(keyPath, []byte("fake key material"), 0o600); err != nil {
		t.Fatalf("failed to write key file: %v", err)
	}
	return &Config{
		Host:           "drop.example.com",
		Port:           22,
		User:           "deploy",
		AuthMethod:     AuthMethodKey,
		PrivateKeyPath: keyPath,
		ConnectTimeout: 30 * time.Second,
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("drop.example.com", "deploy")
	if cfg.Port != 22 {
		t.Errorf("expected port 22, got %d", cfg.Port)
	}
	if cfg.AuthMethod != AuthMethodKey {
		t.Errorf("expected key auth, got %s", cfg.AuthMethod)
	}
	if !cfg.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Errorf("expected 30s connect timeout, got %s", cfg.ConnectTimeout)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid key auth", func(c *Config) {}, false},
		{"missing host", func(c *Config) { c.Host = "" }, true},
		{"missing user", func(c *Config) { c.User = "" }, true},
		{"zero port", func(c *Config) { c.Port = 0 }, true},
		{"port out of range", func(c *Config) { c.Port = 70000 }, true},
		{"missing key file", func(c *Config) { c.PrivateKeyPath = "/nonexistent/id_rsa" }, true},
		{"password auth without password", func(c *Config) {
			c.AuthMethod = AuthMethodPassword
			c.Password = ""
		}, true},
		{"password auth with password", func(c *Config) {
			c.AuthMethod = AuthMethodPassword
			c.Password = "hunter2"
		}, false},
		{"unsupported auth method", func(c *Config) { c.AuthMethod = "kerberos" }, true},
		{"zero connect timeout", func(c *Config) { c.ConnectTimeout = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := keyConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestClientConfigRejectsMalformedKey(t *testing.T) {
	cfg := keyConfig(t)
	if _, err := cfg.clientConfig(); err == nil {
		t.Error("expected parse error for malformed key material")
	}
}

func TestUploaderRequiresValidConfig(t *testing.T) {
	if _, err := NewUploader(&Config{}, zerolog.Nop()); err == nil {
		t.Error("expected error for invalid config")
	}
}
