package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != defaultSocketPath {
		t.Errorf("SocketPath = %q, want %q", cfg.SocketPath, defaultSocketPath)
	}
	if cfg.MaxConns != defaultMaxConns {
		t.Errorf("MaxConns = %d, want %d", cfg.MaxConns, defaultMaxConns)
	}
	if cfg.AttachDeadline != defaultAttachDeadline {
		t.Errorf("AttachDeadline = %v, want %v", cfg.AttachDeadline, defaultAttachDeadline)
	}
}

func TestLoadYamlFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbgd.yaml")
	content := "socket_path: /tmp/custom.sock\nmax_conns: 8\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != "/tmp/custom.sock" {
		t.Errorf("SocketPath = %q, want /tmp/custom.sock", cfg.SocketPath)
	}
	if cfg.MaxConns != 8 {
		t.Errorf("MaxConns = %d, want 8", cfg.MaxConns)
	}
}

func TestDBGSockEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbgd.yaml")
	if err := os.WriteFile(path, []byte("socket_path: /tmp/from-file.sock\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("DBG_SOCK", "/tmp/from-env.sock")
	cfg, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != "/tmp/from-env.sock" {
		t.Errorf("SocketPath = %q, want env value to win over file", cfg.SocketPath)
	}
}

func TestFlagSetValueWinsOverEverything(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbgd.yaml")
	if err := os.WriteFile(path, []byte("socket_path: /tmp/from-file.sock\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("DBG_SOCK", "/tmp/from-env.sock")

	v := viper.New()
	v.Set("socket_path", "/tmp/from-flag.sock")
	cfg, err := Load(v, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SocketPath != "/tmp/from-flag.sock" {
		t.Errorf("SocketPath = %q, want flag value to win", cfg.SocketPath)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(nil, filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("missing config file should fall back to defaults, got error: %v", err)
	}
	if cfg.SocketPath != defaultSocketPath {
		t.Errorf("SocketPath = %q, want default", cfg.SocketPath)
	}
}

func TestValidateClampsNonPositiveDurations(t *testing.T) {
	c := &Config{SocketPath: "/tmp/x.sock", RequestTimeout: -1, AttachDeadline: 0, MaxConns: 0, MaxOutstanding: -5}
	out, err := c.validate()
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if out.RequestTimeout != defaultRequestTimeout {
		t.Errorf("RequestTimeout = %v, want default", out.RequestTimeout)
	}
	if out.AttachDeadline != defaultAttachDeadline {
		t.Errorf("AttachDeadline = %v, want default", out.AttachDeadline)
	}
	if out.MaxConns != defaultMaxConns {
		t.Errorf("MaxConns = %d, want default", out.MaxConns)
	}
}

func TestValidateRejectsEmptySocketPath(t *testing.T) {
	c := &Config{SocketPath: ""}
	if _, err := c.validate(); err == nil {
		t.Fatal("expected error for empty socket path")
	}
}

func TestLoadDurationFromYaml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dbgd.yaml")
	if err := os.WriteFile(path, []byte("request_timeout: 5s\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(nil, path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RequestTimeout != 5*time.Second {
		t.Errorf("RequestTimeout = %v, want 5s", cfg.RequestTimeout)
	}
}
