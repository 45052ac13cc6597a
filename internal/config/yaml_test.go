package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestIsFileKey(t *testing.T) {
	if !IsFileKey("socket_path") {
		t.Error("socket_path should be a file key")
	}
	if IsFileKey("not_a_real_key") {
		t.Error("unknown key should not be a file key")
	}
}

func TestWriteDefaultCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbgd.yaml")
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "socket_path") {
		t.Errorf("expected default file to contain socket_path, got %s", data)
	}
}

func TestWriteDefaultDoesNotOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbgd.yaml")
	if err := os.WriteFile(path, []byte("socket_path: /keep/me.sock\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "/keep/me.sock") {
		t.Errorf("WriteDefault overwrote an existing file: %s", data)
	}
}

func TestSetKeyUpdatesExistingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbgd.yaml")
	if err := os.WriteFile(path, []byte("socket_path: /old.sock\nmax_conns: 10\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := SetKey(path, "socket_path", "/new.sock"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "socket_path: /new.sock") {
		t.Errorf("expected updated key, got %s", data)
	}
	if !strings.Contains(string(data), "max_conns: 10") {
		t.Errorf("expected unrelated key preserved, got %s", data)
	}
}

func TestSetKeyUncommentsKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbgd.yaml")
	if err := os.WriteFile(path, []byte("# max_conns: 64\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := SetKey(path, "max_conns", "16"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Contains(string(data), "#") {
		t.Errorf("expected key to be uncommented, got %s", data)
	}
	if !strings.Contains(string(data), "max_conns: 16") {
		t.Errorf("expected new value, got %s", data)
	}
}

func TestSetKeyAppendsMissingKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dbgd.yaml")
	if err := os.WriteFile(path, []byte("socket_path: /x.sock\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := SetKey(path, "max_conns", "32"); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "max_conns: 32") {
		t.Errorf("expected appended key, got %s", data)
	}
}
